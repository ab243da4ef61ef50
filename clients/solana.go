package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-market/retry"
	"github.com/vitwit/x402-market/types"
	"github.com/vitwit/x402-market/utils"
)

// DefaultSolanaRetry absorbs the delay between broadcast and the RPC node
// reporting the transaction at confirmed commitment.
var DefaultSolanaRetry = retry.Policy{Attempts: 5, Delay: 2 * time.Second}

// SolanaRPC is the subset of *rpc.Client the verifier needs.
type SolanaRPC interface {
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	GetHealth(ctx context.Context) (string, error)
}

// SolanaClient verifies SPL token payments by comparing token balances
// before and after the referenced transaction.
type SolanaClient struct {
	network types.Network
	rpcURL  string
	client  SolanaRPC
	mint    solana.PublicKey
	opts    Options
}

var _ Client = (*SolanaClient)(nil)

// NewSolanaClient dials nothing; solana-go connects lazily per request.
func NewSolanaClient(rpcURL string, opts Options) (*SolanaClient, error) {
	if rpcURL == "" {
		return nil, &types.X402Error{Code: types.ErrConfigError, Message: "solana rpc url is required"}
	}
	c, err := NewSolanaClientWithRPC(rpc.New(rpcURL), opts)
	if err != nil {
		return nil, err
	}
	c.rpcURL = rpcURL
	return c, nil
}

// NewSolanaClientWithRPC builds a client over an existing RPC implementation.
func NewSolanaClientWithRPC(client SolanaRPC, opts Options) (*SolanaClient, error) {
	opts = opts.withDefaults(DefaultSolanaRetry)

	c := &SolanaClient{
		network: types.NetworkSolana,
		client:  client,
		opts:    opts,
	}

	if opts.AssetAddress != "" {
		mint, err := solana.PublicKeyFromBase58(opts.AssetAddress)
		if err != nil {
			return nil, &types.X402Error{
				Code:    types.ErrConfigError,
				Message: fmt.Sprintf("invalid usdc mint %q: %v", opts.AssetAddress, err),
			}
		}
		c.mint = mint
	}

	return c, nil
}

// VerifyPayment fetches txRef at confirmed commitment, retrying while the
// node does not know it yet, then checks every expected credit for an
// exact match against the per-owner sum of positive balance deltas.
func (c *SolanaClient) VerifyPayment(
	ctx context.Context,
	txRef string,
	expected []types.ExpectedTransfer,
) (*types.VerificationResult, error) {
	if err := requireTransfers(expected); err != nil {
		return nil, err
	}

	sig, err := solana.SignatureFromBase58(txRef)
	if err != nil {
		return notFound(c.network, txRef, ErrInvalidReference, 0), nil
	}

	maxVersion := uint64(0)
	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	}

	var tx *rpc.GetTransactionResult
	attempts, found, err := retry.Poll(ctx, c.opts.Retry, func(ctx context.Context, attempt int) retry.Outcome {
		res, err := c.client.GetTransaction(ctx, sig, opts)
		if err == nil && res != nil && res.Meta != nil {
			tx = res
			return retry.Done
		}

		fields := map[string]any{
			"network": c.network.String(),
			"tx":      txRef,
			"attempt": attempt,
		}
		if err != nil && !errors.Is(err, rpc.ErrNotFound) {
			fields["error"] = err.Error()
		}
		c.opts.Logger.Warn("transaction not visible yet", fields)
		return retry.NotVisible
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return notFound(c.network, txRef, ErrNotConfirmed, attempts), nil
	}

	if tx.Meta.Err != nil {
		res := types.Rejected(c.network, txRef, types.ReasonTxFailed)
		res.Error = fmt.Sprintf("%s: %v", ErrExecutionFailed, tx.Meta.Err)
		res.Attempts = attempts
		return res, nil
	}

	credited := c.creditedByOwner(tx.Meta)

	for _, want := range expected {
		got := new(big.Int)
		owner, err := solana.PublicKeyFromBase58(want.Recipient)
		if err == nil {
			if sum, ok := credited[owner]; ok {
				got = sum
			}
		}

		exp := new(big.Int).SetUint64(want.AmountBase)
		if got.Cmp(exp) != 0 {
			res := types.Rejected(c.network, txRef, types.ReasonAmountMismatch)
			res.Recipient = want.Recipient
			res.Expected = exp.String()
			res.Got = got.String()
			res.Attempts = attempts
			if err != nil {
				res.Error = ErrInvalidRecipient
			}
			return res, nil
		}
	}

	res := types.Verified(c.network, txRef)
	res.Attempts = attempts
	return res, nil
}

// creditedByOwner nets signed token balance deltas per owning wallet, so
// an owner debited on one account and credited on another is counted once.
// Accounts of other mints are ignored when a mint is configured.
func (c *SolanaClient) creditedByOwner(meta *rpc.TransactionMeta) map[solana.PublicKey]*big.Int {
	owners := make(map[uint16]solana.PublicKey, len(meta.PostTokenBalances))
	for _, b := range meta.PostTokenBalances {
		if b.Owner != nil && c.countsMint(b.Mint) {
			owners[b.AccountIndex] = *b.Owner
		}
	}

	net := make(map[solana.PublicKey]*big.Int)
	add := func(owner solana.PublicKey, amount *big.Int) {
		sum, ok := net[owner]
		if !ok {
			sum = new(big.Int)
			net[owner] = sum
		}
		sum.Add(sum, amount)
	}

	// closed accounts only appear here, so the owner may come from either side
	for _, b := range meta.PreTokenBalances {
		if !c.countsMint(b.Mint) {
			continue
		}
		owner, ok := owners[b.AccountIndex]
		if b.Owner != nil {
			owner, ok = *b.Owner, true
		}
		if !ok {
			continue
		}
		add(owner, new(big.Int).Neg(tokenAmount(b.UiTokenAmount)))
	}

	for _, b := range meta.PostTokenBalances {
		if b.Owner == nil || !c.countsMint(b.Mint) {
			continue
		}
		add(*b.Owner, tokenAmount(b.UiTokenAmount))
	}

	return net
}

func (c *SolanaClient) countsMint(mint solana.PublicKey) bool {
	return c.mint.IsZero() || c.mint.Equals(mint)
}

func tokenAmount(a *rpc.UiTokenAmount) *big.Int {
	n := new(big.Int)
	if a == nil {
		return n
	}
	if _, ok := n.SetString(a.Amount, 10); !ok {
		return new(big.Int)
	}
	return n
}

func (c *SolanaClient) ParseAmount(amount decimal.Decimal) (uint64, error) {
	return utils.ParseAmountWithDecimals(amount, c.opts.Decimals)
}

func (c *SolanaClient) FormatAmount(base uint64) string {
	return utils.FormatAmount(base, c.opts.Decimals)
}

func (c *SolanaClient) Capability() types.NetworkCapability {
	return types.NetworkCapability{
		Network:      c.network,
		X402Version:  int(types.X402Version1),
		Scheme:       types.SchemeExact,
		ChainFamily:  types.ChainSolana,
		Asset:        types.AssetUSDC,
		AssetAddress: c.opts.AssetAddress,
		Decimals:     c.opts.Decimals,
	}
}

func (c *SolanaClient) Health(ctx context.Context) error {
	status, err := c.client.GetHealth(ctx)
	if err != nil {
		return fmt.Errorf("solana rpc health: %w", err)
	}
	if status != rpc.HealthOk {
		return fmt.Errorf("solana rpc unhealthy: %s", status)
	}
	return nil
}

func (c *SolanaClient) GetNetwork() types.Network { return c.network }

func (c *SolanaClient) Close() {}
