package utils

import (
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-market/types"
)

// USDCDecimals is the fractional precision of USDC on both supported networks.
const USDCDecimals = 6

// MaxBaseUnits bounds every amount so it fits the signed BIGINT columns.
const MaxBaseUnits uint64 = math.MaxInt64

var (
	maxBaseUnits = decimal.NewFromBigInt(new(big.Int).SetUint64(MaxBaseUnits), 0)

	hexPattern    = regexp.MustCompile("^[0-9a-fA-F]+$")
	base58Pattern = regexp.MustCompile("^[1-9A-HJ-NP-Za-km-z]+$")
)

// ValidateAmount checks if an amount string is a valid decimal
func ValidateAmount(amount string) (*decimal.Decimal, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}

	return &dec, nil
}

// ParseAmountWithDecimals converts a display amount to base units, rounding
// half away from zero at the given precision.
func ParseAmountWithDecimals(amount decimal.Decimal, decimals int32) (uint64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("amount cannot be negative")
	}

	base := amount.Shift(decimals).Round(0)
	if base.GreaterThan(maxBaseUnits) {
		return 0, fmt.Errorf("amount %s overflows base units", amount)
	}

	return base.BigInt().Uint64(), nil
}

// ParseAmountString is ParseAmountWithDecimals over a decimal string.
func ParseAmountString(amount string, decimals int32) (uint64, error) {
	dec, err := ValidateAmount(amount)
	if err != nil {
		return 0, err
	}
	return ParseAmountWithDecimals(*dec, decimals)
}

// FormatAmountFromBigInt formats a big.Int amount to decimal string with specified decimals
func FormatAmountFromBigInt(amount *big.Int, decimals int32) string {
	dec := decimal.NewFromBigInt(amount, -decimals)
	return dec.String()
}

// FormatAmount renders base units as a decimal string without trailing zeros.
func FormatAmount(base uint64, decimals int32) string {
	return FormatAmountFromBigInt(new(big.Int).SetUint64(base), decimals)
}

// ValidateTransactionHash validates the transaction reference format of a network.
func ValidateTransactionHash(hash string, network types.Network) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}

	switch network.Family() {
	case types.ChainEVM:
		// 0x + 64 hex
		if !strings.HasPrefix(hash, "0x") {
			return fmt.Errorf("EVM transaction hash must start with 0x")
		}
		if len(hash) != 66 {
			return fmt.Errorf("EVM transaction hash must be 66 characters long")
		}
		if !isHexString(hash[2:]) {
			return fmt.Errorf("EVM transaction hash must be valid hex")
		}

	case types.ChainSolana:
		if !isBase58String(hash) {
			return fmt.Errorf("Solana transaction signature must be valid base58")
		}
		if _, err := solana.SignatureFromBase58(hash); err != nil {
			return fmt.Errorf("invalid Solana transaction signature: %w", err)
		}

	default:
		return fmt.Errorf("unsupported network for transaction hash validation")
	}

	return nil
}

// ValidateAddressForNetwork validates addresses for different networks
func ValidateAddressForNetwork(address string, network types.Network) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	switch network.Family() {
	case types.ChainEVM:
		if !strings.HasPrefix(address, "0x") {
			return fmt.Errorf("Ethereum address must start with 0x")
		}
		if !common.IsHexAddress(address) {
			return fmt.Errorf("Ethereum address must be 20 bytes of hex")
		}

	case types.ChainSolana:
		if len(address) < 32 || len(address) > 44 {
			return fmt.Errorf("Solana address has invalid length")
		}
		if _, err := solana.PublicKeyFromBase58(address); err != nil {
			return fmt.Errorf("Solana address must be valid base58: %w", err)
		}

	default:
		return fmt.Errorf("unsupported network for address validation")
	}

	return nil
}

// ValidatePaymentScheme checks if a payment scheme is supported
func ValidatePaymentScheme(scheme string) error {
	if scheme != string(types.SchemeExact) {
		return fmt.Errorf("unsupported payment scheme: %s", scheme)
	}
	return nil
}

// Helper function to check if a string is valid hexadecimal
func isHexString(s string) bool {
	return hexPattern.MatchString(s)
}

// Helper function to check if a string is valid base58
func isBase58String(s string) bool {
	return base58Pattern.MatchString(s)
}
