package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-market/retry"
	"github.com/vitwit/x402-market/types"
	"github.com/vitwit/x402-market/utils"
)

// DefaultEVMRetry waits longer than the ledger network between receipt polls.
var DefaultEVMRetry = retry.Policy{Attempts: 5, Delay: 3 * time.Second}

// BaseChainID is the chain id of Base mainnet.
const BaseChainID = 8453

const erc20TransferABI = `[{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}]`

// ReceiptFetcher is the subset of *ethclient.Client the verifier needs.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// EVMClient verifies ERC-20 payments from Transfer logs in the receipt.
type EVMClient struct {
	rpcURL   string
	network  types.Network
	chainID  int64
	client   ReceiptFetcher
	closer   func()
	token    common.Address
	tokenABI abi.ABI
	opts     Options
}

var _ Client = (*EVMClient)(nil)

type erc20Transfer struct {
	To    common.Address
	Value *big.Int
}

func NewEVMClient(rpcURL string, chainID int64, opts Options) (*EVMClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to EVM RPC: %w", err)
	}

	c, err := NewEVMClientWithFetcher(client, chainID, opts)
	if err != nil {
		client.Close()
		return nil, err
	}
	c.rpcURL = rpcURL
	c.closer = client.Close
	return c, nil
}

func NewEVMClientWithFetcher(client ReceiptFetcher, chainID int64, opts Options) (*EVMClient, error) {
	opts = opts.withDefaults(DefaultEVMRetry)

	if !common.IsHexAddress(opts.AssetAddress) {
		return nil, &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("invalid usdc contract %q", opts.AssetAddress),
		}
	}

	parsed, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	return &EVMClient{
		network:  types.NetworkBase,
		chainID:  chainID,
		client:   client,
		token:    common.HexToAddress(opts.AssetAddress),
		tokenABI: parsed,
		opts:     opts,
	}, nil
}

// VerifyPayment requires, for every expected transfer, at least one
// Transfer log of the configured token to that recipient with exactly
// that value.
func (e *EVMClient) VerifyPayment(
	ctx context.Context,
	txRef string,
	expected []types.ExpectedTransfer,
) (*types.VerificationResult, error) {
	if err := requireTransfers(expected); err != nil {
		return nil, err
	}

	if err := utils.ValidateTransactionHash(txRef, e.network); err != nil {
		return notFound(e.network, txRef, ErrInvalidReference, 0), nil
	}
	hash := common.HexToHash(txRef)

	var receipt *ethtypes.Receipt
	attempts, found, err := retry.Poll(ctx, e.opts.Retry, func(ctx context.Context, attempt int) retry.Outcome {
		r, err := e.client.TransactionReceipt(ctx, hash)
		if err == nil && r != nil {
			receipt = r
			return retry.Done
		}

		fields := map[string]any{
			"network": e.network.String(),
			"tx":      txRef,
			"attempt": attempt,
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			fields["error"] = err.Error()
		}
		e.opts.Logger.Warn("receipt not available yet", fields)
		return retry.NotVisible
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return notFound(e.network, txRef, ErrNotConfirmed, attempts), nil
	}

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		res := types.Rejected(e.network, txRef, types.ReasonTxFailed)
		res.Error = ErrExecutionFailed
		res.Attempts = attempts
		return res, nil
	}

	transfers := e.decodeTransfers(receipt.Logs)

	for _, want := range expected {
		exp := new(big.Int).SetUint64(want.AmountBase)

		matched := false
		for _, t := range transfers {
			if strings.EqualFold(t.To.Hex(), want.Recipient) && t.Value.Cmp(exp) == 0 {
				matched = true
				break
			}
		}

		if !matched {
			res := types.Rejected(e.network, txRef, types.ReasonTransferNotFound)
			res.Recipient = want.Recipient
			res.Expected = exp.String()
			res.Attempts = attempts
			return res, nil
		}
	}

	res := types.Verified(e.network, txRef)
	res.Attempts = attempts
	return res, nil
}

// decodeTransfers keeps the Transfer events emitted by the token contract.
func (e *EVMClient) decodeTransfers(logs []*ethtypes.Log) []erc20Transfer {
	event := e.tokenABI.Events["Transfer"]

	var out []erc20Transfer
	for _, lg := range logs {
		if lg == nil || lg.Address != e.token {
			continue
		}
		if len(lg.Topics) < 3 || lg.Topics[0] != event.ID {
			continue
		}

		values, err := e.tokenABI.Unpack("Transfer", lg.Data)
		if err != nil || len(values) != 1 {
			continue
		}
		value, ok := values[0].(*big.Int)
		if !ok {
			continue
		}

		out = append(out, erc20Transfer{
			To:    common.BytesToAddress(lg.Topics[2].Bytes()),
			Value: value,
		})
	}
	return out
}

func (e *EVMClient) ParseAmount(amount decimal.Decimal) (uint64, error) {
	return utils.ParseAmountWithDecimals(amount, e.opts.Decimals)
}

func (e *EVMClient) FormatAmount(base uint64) string {
	return utils.FormatAmount(base, e.opts.Decimals)
}

func (e *EVMClient) Capability() types.NetworkCapability {
	return types.NetworkCapability{
		Network:      e.network,
		X402Version:  int(types.X402Version1),
		Scheme:       types.SchemeExact,
		ChainFamily:  types.ChainEVM,
		Asset:        types.AssetUSDC,
		AssetAddress: e.token.Hex(),
		Decimals:     e.opts.Decimals,
	}
}

// Health checks the endpoint answers and serves the configured chain.
func (e *EVMClient) Health(ctx context.Context) error {
	id, err := e.client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("evm rpc health: %w", err)
	}
	if e.chainID != 0 && id.Int64() != e.chainID {
		return fmt.Errorf("evm rpc serves chain %s, want %d", id, e.chainID)
	}
	return nil
}

func (e *EVMClient) GetNetwork() types.Network {
	return e.network
}

func (e *EVMClient) Close() {
	if e.closer != nil {
		e.closer()
	}
}
