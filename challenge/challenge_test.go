package challenge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-market/clients"
	"github.com/vitwit/x402-market/retry"
	"github.com/vitwit/x402-market/signer"
	"github.com/vitwit/x402-market/types"
	"github.com/vitwit/x402-market/verification"
)

const (
	baseUSDC  = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	basePayTo = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"
)

// ledgerRPC reports one transaction crediting owner with amount base units.
type ledgerRPC struct {
	mint   solana.PublicKey
	owner  solana.PublicKey
	amount string
}

func (f *ledgerRPC) GetTransaction(context.Context, solana.Signature, *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	payer := solana.NewWallet().PublicKey()
	return &rpc.GetTransactionResult{
		Meta: &rpc.TransactionMeta{
			PreTokenBalances: []rpc.TokenBalance{
				{AccountIndex: 1, Owner: &payer, Mint: f.mint, UiTokenAmount: &rpc.UiTokenAmount{Amount: "100000000"}},
			},
			PostTokenBalances: []rpc.TokenBalance{
				{AccountIndex: 1, Owner: &payer, Mint: f.mint, UiTokenAmount: &rpc.UiTokenAmount{Amount: "0"}},
				{AccountIndex: 2, Owner: &f.owner, Mint: f.mint, UiTokenAmount: &rpc.UiTokenAmount{Amount: f.amount}},
			},
		},
	}, nil
}

func (f *ledgerRPC) GetHealth(context.Context) (string, error) { return rpc.HealthOk, nil }

type fixture struct {
	protocol *Protocol
	keyring  *signer.Keyring
	rpc      *ledgerRPC
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	key := solana.NewWallet().PrivateKey
	keyring, err := signer.NewKeyring(key)
	require.NoError(t, err)

	mint := solana.NewWallet().PublicKey()
	fake := &ledgerRPC{mint: mint, owner: key.PublicKey()}

	noWait := retry.Policy{Attempts: 5, Delay: time.Second, Sleep: retry.NoSleep}
	sol, err := clients.NewSolanaClientWithRPC(fake, clients.Options{AssetAddress: mint.String(), Retry: noWait})
	require.NoError(t, err)
	evm, err := clients.NewEVMClientWithFetcher(nil, clients.BaseChainID, clients.Options{AssetAddress: baseUSDC, Retry: noWait})
	require.NoError(t, err)

	svc := verification.NewVerificationService(time.Minute)
	require.NoError(t, svc.AddClient(sol))
	require.NoError(t, svc.AddClient(evm))

	p, err := New(svc, keyring, WithPayTo(types.NetworkBase, basePayTo))
	require.NoError(t, err)

	return &fixture{protocol: p, keyring: keyring, rpc: fake}
}

func header(t *testing.T, network, ref string) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"x402Version": 1,
		"scheme":      "exact",
		"network":     network,
		"payload":     map[string]string{"txSignature": ref},
	})
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(data)
}

func signature() string {
	var sig solana.Signature
	for i := range sig {
		sig[i] = byte(i + 1)
	}
	return sig.String()
}

func TestIssueLedgerRecipientFollowsSigner(t *testing.T) {
	f := newFixture(t)

	req, err := f.protocol.Issue(Offer{Network: types.NetworkSolana, AmountBase: 5_000_000, Resource: "/api/paywall"})
	require.NoError(t, err)

	active, err := f.keyring.Active()
	require.NoError(t, err)
	assert.Equal(t, "exact", req.Scheme)
	assert.Equal(t, "solana", req.Network)
	assert.Equal(t, active.String(), req.Recipient)
	assert.Equal(t, active.String(), req.PayTo)
	assert.Equal(t, uint64(5_000_000), req.AmountBase)
	assert.Equal(t, "5000000", req.MaxAmountRequired)
	assert.Equal(t, types.AssetUSDC, req.Asset)
	assert.Equal(t, DefaultMaxTimeoutSeconds, req.MaxTimeoutSeconds)

	next := solana.NewWallet().PrivateKey
	require.NoError(t, f.keyring.Rotate(next))

	req, err = f.protocol.Issue(Offer{Network: types.NetworkSolana, AmountBase: 5_000_000})
	require.NoError(t, err)
	assert.Equal(t, next.PublicKey().String(), req.Recipient)
}

func TestIssueEVMUsesStaticPayTo(t *testing.T) {
	f := newFixture(t)

	req, err := f.protocol.Issue(Offer{Network: types.NetworkBase, AmountBase: 1_000_000})
	require.NoError(t, err)
	assert.Equal(t, basePayTo, req.Recipient)
	assert.Equal(t, baseUSDC, req.AssetAddress)
}

func TestIssueErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.protocol.Issue(Offer{Network: "polygon", AmountBase: 1})
	assert.True(t, types.IsCode(err, types.ErrUnsupportedNetwork))

	_, err = f.protocol.Issue(Offer{Network: types.NetworkSolana})
	assert.True(t, types.IsCode(err, types.ErrInvalidAmount))

	noSigner, err := New(f.protocol.verifier, signer.Static{})
	require.NoError(t, err)
	_, err = noSigner.Issue(Offer{Network: types.NetworkSolana, AmountBase: 1})
	assert.True(t, types.IsCode(err, types.ErrConfigError))

	_, err = noSigner.Issue(Offer{Network: types.NetworkBase, AmountBase: 1})
	assert.True(t, types.IsCode(err, types.ErrConfigError))
}

func TestNewRejectsBadPayTo(t *testing.T) {
	f := newFixture(t)
	_, err := New(f.protocol.verifier, f.keyring, WithPayTo(types.NetworkBase, "0x123"))
	assert.True(t, types.IsCode(err, types.ErrConfigError))
}

func TestPrice(t *testing.T) {
	f := newFixture(t)

	amount, err := f.protocol.Price(types.NetworkSolana, decimal.RequireFromString("5.00"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000_000), amount)

	_, err = f.protocol.Price(types.NetworkBase, decimal.RequireFromString("-1"))
	assert.True(t, types.IsCode(err, types.ErrInvalidAmount))
}

func TestRedeemExactAmount(t *testing.T) {
	tests := []struct {
		name       string
		credited   string
		wantOK     bool
		wantReason types.Reason
	}{
		{name: "exact", credited: "5000000", wantOK: true},
		{name: "one short", credited: "4999999", wantReason: types.ReasonAmountMismatch},
		{name: "one over", credited: "5000001", wantReason: types.ReasonAmountMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.rpc.amount = tt.credited

			req, err := f.protocol.Issue(Offer{Network: types.NetworkSolana, AmountBase: 5_000_000})
			require.NoError(t, err)

			res, err := f.protocol.Redeem(context.Background(), req, header(t, "solana-mainnet", signature()))
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, res.OK)
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.Equal(t, signature(), res.TxReference)
		})
	}
}

func TestRedeemAfterRotationMissesOldKey(t *testing.T) {
	f := newFixture(t)
	f.rpc.amount = "5000000"

	// the payer paid the key that was active at round 1
	require.NoError(t, f.keyring.Rotate(solana.NewWallet().PrivateKey))

	req, err := f.protocol.Issue(Offer{Network: types.NetworkSolana, AmountBase: 5_000_000})
	require.NoError(t, err)

	res, err := f.protocol.Redeem(context.Background(), req, header(t, "solana", signature()))
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, types.ReasonAmountMismatch, res.Reason)
	assert.Equal(t, "0", res.Got)
}

func TestRedeemRejectsMalformedProof(t *testing.T) {
	f := newFixture(t)
	req, err := f.protocol.Issue(Offer{Network: types.NetworkSolana, AmountBase: 1})
	require.NoError(t, err)

	_, err = f.protocol.Redeem(context.Background(), req, "%%%")
	assert.True(t, types.IsCode(err, types.ErrInvalidPayload))

	_, err = f.protocol.Redeem(context.Background(), req, header(t, "base", signature()))
	assert.True(t, types.IsCode(err, types.ErrInvalidPayload))

	_, err = f.protocol.Redeem(context.Background(), req, header(t, "solana", ""))
	assert.True(t, types.IsCode(err, types.ErrInvalidPayload))
}

func TestEnvelope(t *testing.T) {
	env := Envelope("payment required")
	assert.Equal(t, 1, env.X402Version)
	assert.NotNil(t, env.Accepts)
	assert.Empty(t, env.Accepts)

	data, err := json.Marshal(Envelope("", types.PaymentRequirements{Scheme: "exact"}))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"accepts":[{"scheme":"exact"`)
}
