package clients

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-market/logger"
	"github.com/vitwit/x402-market/retry"
	"github.com/vitwit/x402-market/types"
)

// Client verifies USDC payments on one network. Implementations are
// selected by configuration key, one per enabled network.
type Client interface {
	// VerifyPayment reports whether txRef credited every expected transfer.
	// Verification failures are returned as results; the error is reserved
	// for cancellation.
	VerifyPayment(ctx context.Context, txRef string, expected []types.ExpectedTransfer) (*types.VerificationResult, error)
	ParseAmount(amount decimal.Decimal) (uint64, error)
	FormatAmount(base uint64) string
	Capability() types.NetworkCapability
	GetNetwork() types.Network
	Health(ctx context.Context) error
	Close()
}

// Options are shared by every network client.
type Options struct {
	// Mint (ledger network) or token contract (EVM) of the settlement asset.
	AssetAddress string
	Decimals     int32
	Retry        retry.Policy
	Logger       logger.Logger
}

func (o Options) withDefaults(p retry.Policy) Options {
	if o.Decimals == 0 {
		o.Decimals = 6
	}
	if o.Retry.Attempts == 0 {
		o.Retry.Attempts = p.Attempts
	}
	if o.Retry.Delay == 0 {
		o.Retry.Delay = p.Delay
	}
	if o.Logger == nil {
		o.Logger = logger.NoopLogger{}
	}
	return o
}
