package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// X402Version represents the version of the x402 protocol
type X402Version int

const (
	X402Version1 X402Version = 1
)

// Network represents supported blockchain networks
type Network string

const (
	// Account-based ledger network
	NetworkSolana Network = "solana"

	// EVM network
	NetworkBase Network = "base"
)

// PaymentScheme represents different payment schemes
type PaymentScheme string

const (
	SchemeExact PaymentScheme = "exact"
)

// AssetUSDC is the only currency asset challenges are priced in.
const AssetUSDC = "USDC"

type SupportedItem struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

type SupportedResponse struct {
	Kinds []SupportedItem `json:"kinds"`
}

// ExpectedTransfer is a single credit the referenced transaction must contain.
type ExpectedTransfer struct {
	Recipient  string `json:"recipient" validate:"required"`
	AmountBase uint64 `json:"amountBase" validate:"gt=0"`
}

// PaymentIntent holds the terms of a single challenge. It is never persisted.
type PaymentIntent struct {
	Network   Network            `json:"network"`
	Recipient string             `json:"recipient"`
	Amount    uint64             `json:"amountBase"`
	Asset     string             `json:"asset"`
	Splits    []ExpectedTransfer `json:"splits,omitempty"`
}

// Transfers returns every credit the intent requires, primary recipient first.
func (p PaymentIntent) Transfers() []ExpectedTransfer {
	out := make([]ExpectedTransfer, 0, 1+len(p.Splits))
	out = append(out, ExpectedTransfer{Recipient: p.Recipient, AmountBase: p.Amount})
	return append(out, p.Splits...)
}

// PaymentRequirements is one entry of the round 1 challenge.
type PaymentRequirements struct {
	// Scheme of the payment protocol to use. Always "exact".
	Scheme string `json:"scheme"`

	Network string `json:"network"`

	// Address to which the payment must be sent.
	Recipient string `json:"recipient"`

	// Required amount in base units of the asset.
	AmountBase uint64 `json:"amountBase"`

	Asset string `json:"asset"`

	// Contract address (EVM) or mint (ledger network) of the asset.
	AssetAddress string `json:"assetAddress,omitempty"`

	// Payer-side tooling written against older facilitators reads these two.
	PayTo             string `json:"payTo"`
	MaxAmountRequired string `json:"maxAmountRequired"`

	Resource          string `json:"resource,omitempty"`
	Description       string `json:"description,omitempty"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`

	// Additional transfers that must appear in the same transaction.
	Splits []ExpectedTransfer `json:"splits,omitempty"`
}

// Intent returns the payment terms carried by the requirements.
func (pr PaymentRequirements) Intent() PaymentIntent {
	return PaymentIntent{
		Network:   Network(pr.Network),
		Recipient: pr.Recipient,
		Amount:    pr.AmountBase,
		Asset:     pr.Asset,
		Splits:    pr.Splits,
	}
}

func (pr *PaymentRequirements) Validate() error {
	if pr.Scheme != string(SchemeExact) {
		return fmt.Errorf("paymentRequirements.scheme must be %q", SchemeExact)
	}

	if pr.Network == "" {
		return fmt.Errorf("paymentRequirements.network is required")
	}

	if pr.Recipient == "" {
		return fmt.Errorf("paymentRequirements.recipient is required")
	}

	if pr.AmountBase == 0 {
		return fmt.Errorf("paymentRequirements.amountBase must be greater than 0")
	}

	if pr.Asset == "" {
		return fmt.Errorf("paymentRequirements.asset is required")
	}

	return nil
}

// X402Response represents a 402 response that carries the challenge.
type X402Response struct {
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Error       string                `json:"error"`
}

// PaymentProof is the decoded X-PAYMENT header of round 2.
type PaymentProof struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme" validate:"required,eq=exact"`
	Network     string       `json:"network" validate:"required"`
	Payload     ProofPayload `json:"payload"`
}

type ProofPayload struct {
	TxReference string `json:"txReference,omitempty"`

	// Legacy names used by older payer agents.
	TxSignature string `json:"txSignature,omitempty"`
	TxHash      string `json:"txHash,omitempty"`
}

// Reference returns the transaction reference, whichever field carried it.
func (p ProofPayload) Reference() string {
	for _, ref := range []string{p.TxReference, p.TxSignature, p.TxHash} {
		if ref = strings.TrimSpace(ref); ref != "" {
			return ref
		}
	}
	return ""
}

// Reason is the closed set of verification failure causes.
type Reason string

const (
	ReasonTxNotFound       Reason = "tx-not-found"
	ReasonTxFailed         Reason = "tx-failed"
	ReasonAmountMismatch   Reason = "amount-mismatch"
	ReasonTransferNotFound Reason = "transfer-not-found"
)

// VerificationResult contains the result of payment verification
type VerificationResult struct {
	OK          bool    `json:"ok"`
	Reason      Reason  `json:"reason,omitempty"`
	TxReference string  `json:"txReference,omitempty"`
	Network     Network `json:"network,omitempty"`
	Recipient   string  `json:"recipient,omitempty"`
	Expected    string  `json:"expected,omitempty"`
	Got         string  `json:"got,omitempty"`
	Error       string  `json:"error,omitempty"`

	// Attempts is how many fetches it took to reach the outcome.
	Attempts int `json:"-"`
}

func Verified(network Network, txRef string) *VerificationResult {
	return &VerificationResult{OK: true, Network: network, TxReference: txRef}
}

func Rejected(network Network, txRef string, reason Reason) *VerificationResult {
	return &VerificationResult{Network: network, TxReference: txRef, Reason: reason}
}

// Entitlement is one append-only grant row.
type Entitlement struct {
	Subject   string    `json:"wallet"`
	Tier      string    `json:"tier"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// EntitlementStatus is the read-time view of a subject's latest entitlement.
type EntitlementStatus struct {
	Active      bool       `json:"active"`
	Subject     string     `json:"wallet"`
	Tier        *string    `json:"tier"`
	ExpiresAt   *time.Time `json:"expiresAt"`
	SecondsLeft int64      `json:"secondsLeft"`
}

// Payment is a redeemed paywall payment.
type Payment struct {
	Subject     string    `json:"wallet"`
	Tier        string    `json:"tier"`
	Network     Network   `json:"network"`
	AmountBase  uint64    `json:"amountBase"`
	TxReference string    `json:"txReference"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ListingKind classifies what a listing sells.
type ListingKind string

const (
	KindDigital  ListingKind = "digital"
	KindPhysical ListingKind = "physical"
	KindService  ListingKind = "service"
	KindCrypto   ListingKind = "crypto"
	KindVirtual  ListingKind = "virtual"
)

// Listing is a finite-supply sellable item. 0 <= Remaining <= Supply.
type Listing struct {
	ID          string      `json:"id"`
	Seller      string      `json:"seller" validate:"required"`
	Network     Network     `json:"network" validate:"required"`
	Title       string      `json:"title" validate:"required,max=200"`
	Description string      `json:"description,omitempty" validate:"max=4000"`
	ImageURL    string      `json:"imageUrl,omitempty" validate:"omitempty,url"`
	Kind        ListingKind `json:"kind" validate:"required,oneof=digital physical service crypto virtual"`
	Supply      int64       `json:"supply" validate:"gt=0"`
	Remaining   int64       `json:"remaining"`
	PriceBase   uint64      `json:"priceBase" validate:"gt=0,lte=9223372036854775807"`
	Mint        string      `json:"mint,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// Purchase is one unit claimed against a listing.
type Purchase struct {
	ListingID   string    `json:"listingId"`
	Buyer       string    `json:"buyer"`
	Quantity    int64     `json:"quantity"`
	TxReference string    `json:"txReference"`
	ReceiptRef  string    `json:"receiptRef,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// OwnedItem is a purchase joined with its listing.
type OwnedItem struct {
	Purchase
	Listing Listing `json:"listing"`
}

// RefundClaim records a verified payment that could not be fulfilled.
type RefundClaim struct {
	TxReference string    `json:"txReference"`
	ListingID   string    `json:"listingId"`
	Buyer       string    `json:"buyer"`
	Network     Network   `json:"network"`
	AmountBase  uint64    `json:"amountBase"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Error types
type X402Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *X402Error) Error() string {
	return e.Message
}

// IsCode reports whether err is an X402Error carrying code.
func IsCode(err error, code string) bool {
	var xe *X402Error
	return errors.As(err, &xe) && xe.Code == code
}

// Common error codes
const (
	ErrInvalidPayload      = "INVALID_PAYLOAD"
	ErrInvalidRequirements = "INVALID_REQUIREMENTS"
	ErrUnsupportedNetwork  = "UNSUPPORTED_NETWORK"
	ErrUnknownTier         = "UNKNOWN_TIER"
	ErrInvalidAmount       = "INVALID_AMOUNT"
	ErrNetworkError        = "NETWORK_ERROR"
	ErrConfigError         = "CONFIG_ERROR"
)

func (n Network) String() string {
	return string(n)
}

// ParseNetwork accepts the short name and the "-mainnet" suffixed form.
func ParseNetwork(s string) (Network, error) {
	n := Network(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "-mainnet"))
	switch n {
	case NetworkSolana, NetworkBase:
		return n, nil
	}
	return "", &X402Error{
		Code:    ErrUnsupportedNetwork,
		Message: fmt.Sprintf("unsupported network: %s", s),
	}
}
