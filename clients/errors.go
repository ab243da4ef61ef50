package clients

import (
	"github.com/vitwit/x402-market/types"
)

// Error strings carried in VerificationResult.Error next to a reason.
const (
	ErrInvalidReference   = "invalid_transaction_reference"
	ErrInvalidRecipient   = "invalid_recipient_address"
	ErrNotConfirmed       = "transaction_not_confirmed_after_retries"
	ErrExecutionFailed    = "transaction_execution_failed"
	ErrNoExpectedTransfer = "no_expected_transfer"
)

// requireTransfers rejects an empty expectation list, which would
// otherwise verify any transaction.
func requireTransfers(expected []types.ExpectedTransfer) error {
	if len(expected) == 0 {
		return &types.X402Error{Code: types.ErrInvalidRequirements, Message: ErrNoExpectedTransfer}
	}
	return nil
}

func notFound(network types.Network, txRef, detail string, attempts int) *types.VerificationResult {
	res := types.Rejected(network, txRef, types.ReasonTxNotFound)
	res.Error = detail
	res.Attempts = attempts
	return res
}
