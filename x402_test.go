package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-market/clients"
	"github.com/vitwit/x402-market/config"
	"github.com/vitwit/x402-market/retry"
	"github.com/vitwit/x402-market/signer"
	"github.com/vitwit/x402-market/store"
	"github.com/vitwit/x402-market/store/memory"
	"github.com/vitwit/x402-market/types"
	"github.com/vitwit/x402-market/verification"
)

// creditRPC reports every transaction as crediting owner with amount.
type creditRPC struct {
	mint   solana.PublicKey
	owner  solana.PublicKey
	amount string
}

func (f *creditRPC) GetTransaction(context.Context, solana.Signature, *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	return &rpc.GetTransactionResult{
		Meta: &rpc.TransactionMeta{
			PostTokenBalances: []rpc.TokenBalance{
				{AccountIndex: 1, Owner: &f.owner, Mint: f.mint, UiTokenAmount: &rpc.UiTokenAmount{Amount: f.amount}},
			},
		},
	}, nil
}

func (f *creditRPC) GetHealth(context.Context) (string, error) { return rpc.HealthOk, nil }

type recordingNotifier struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev types.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func newTestFacilitator(t *testing.T, amount string, opts ...Option) (*Facilitator, *memory.Store) {
	t.Helper()

	keyring, err := signer.NewKeyring(solana.NewWallet().PrivateKey)
	require.NoError(t, err)
	active, err := keyring.Active()
	require.NoError(t, err)

	mint := solana.NewWallet().PublicKey()
	sol, err := clients.NewSolanaClientWithRPC(
		&creditRPC{mint: mint, owner: active, amount: amount},
		clients.Options{AssetAddress: mint.String(), Retry: retry.Policy{Attempts: 1, Sleep: retry.NoSleep}},
	)
	require.NoError(t, err)

	st := memory.New()
	f, err := New(config.Default(), st, keyring, append([]Option{WithClients(sol)}, opts...)...)
	require.NoError(t, err)
	return f, st
}

func proof(t *testing.T, ref string) string {
	t.Helper()
	data, err := json.Marshal(types.PaymentProof{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "solana",
		Payload:     types.ProofPayload{TxReference: ref},
	})
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(data)
}

func txSignature(seed byte) string {
	var sig solana.Signature
	for i := range sig {
		sig[i] = seed + byte(i)
	}
	return sig.String()
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(config.Default(), nil, nil)
	assert.Error(t, err)
}

func TestNewRejectsBadMarketFee(t *testing.T) {
	cfg := config.Default()
	cfg.Market.FeeBps = 100
	cfg.Market.FeeWallets = map[string]string{"polygon": "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"}

	_, err := New(cfg, memory.New(), nil, WithClients())
	assert.True(t, types.IsCode(err, types.ErrConfigError))
}

func TestNewDialsConfiguredNetworks(t *testing.T) {
	cfg := config.Default()
	cfg.Networks.Base.Enabled = true
	cfg.Networks.Base.PayTo = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"

	keyring, err := signer.NewKeyring(solana.NewWallet().PrivateKey)
	require.NoError(t, err)

	f, err := New(cfg, memory.New(), keyring, WithTimeout(time.Second))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []types.Network{types.NetworkSolana, types.NetworkBase}, f.Networks())
	assert.True(t, f.IsNetworkSupported(types.NetworkBase))
	assert.Len(t, f.Supported().Kinds, 2)

	req, _, err := f.PaywallTerms(types.NetworkBase, "day", "/api/paywall")
	require.NoError(t, err)
	assert.Equal(t, cfg.Networks.Base.PayTo, req.Recipient)
	assert.Equal(t, uint64(1_000_000), req.AmountBase)
}

func TestAddNetworkUnsupported(t *testing.T) {
	f, _ := newTestFacilitator(t, "1000000")

	err := f.AddNetwork("polygon", config.NetworkConfig{RPC: "http://localhost:8545"})
	assert.True(t, types.IsCode(err, types.ErrUnsupportedNetwork))
}

func TestRedeemPaywallGrantsAndNotifies(t *testing.T) {
	notifier := &recordingNotifier{}
	f, _ := newTestFacilitator(t, "5000000", WithNotifier(notifier))
	wallet := solana.NewWallet().PublicKey().String()

	req, tier, err := f.PaywallTerms(types.NetworkSolana, "week", "/api/paywall")
	require.NoError(t, err)
	assert.Equal(t, "week", tier.Name)
	assert.Equal(t, uint64(5_000_000), req.AmountBase)

	ref := txSignature(1)
	res, grant, err := f.RedeemPaywall(context.Background(), wallet, tier.Name, req, proof(t, ref))
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.False(t, grant.AlreadyProcessed)
	assert.Equal(t, ref, grant.Payment.TxReference)

	st, err := f.Status(context.Background(), wallet)
	require.NoError(t, err)
	assert.True(t, st.Active)

	require.Len(t, notifier.events, 1)
	ev := notifier.events[0]
	assert.Equal(t, types.EventPaymentConfirmation, ev.Type)
	assert.Equal(t, wallet, ev.Recipient)
	assert.Equal(t, "5", ev.Amount)
	assert.Equal(t, ref, ev.Tx)
	require.NotNil(t, ev.AccessUntil)
}

func TestRedeemPaywallMismatchGrantsNothing(t *testing.T) {
	f, _ := newTestFacilitator(t, "4999999")
	wallet := solana.NewWallet().PublicKey().String()

	req, tier, err := f.PaywallTerms(types.NetworkSolana, "week", "/api/paywall")
	require.NoError(t, err)

	res, grant, err := f.RedeemPaywall(context.Background(), wallet, tier.Name, req, proof(t, txSignature(2)))
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, types.ReasonAmountMismatch, res.Reason)
	assert.Empty(t, grant.Payment.TxReference)

	st, err := f.Status(context.Background(), wallet)
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.Nil(t, st.Tier)
}

func TestRedeemPurchase(t *testing.T) {
	f, st := newTestFacilitator(t, "3000000")

	l, err := f.Market().CreateListing(context.Background(), types.Listing{
		Seller:    solana.NewWallet().PublicKey().String(),
		Network:   types.NetworkSolana,
		Title:     "Print",
		Supply:    1,
		PriceBase: 3_000_000,
	})
	require.NoError(t, err)

	req, got, err := f.ListingTerms(context.Background(), l.ID, "/buy")
	require.NoError(t, err)
	assert.Equal(t, l.ID, got.ID)

	buyer := solana.NewWallet().PublicKey().String()
	res, out, err := f.RedeemPurchase(context.Background(), got, buyer, "", req, proof(t, txSignature(3)))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, int64(0), out.Listing.Remaining)

	_, _, err = f.RedeemPurchase(context.Background(), got, buyer, "", req, proof(t, txSignature(4)))
	assert.ErrorIs(t, err, store.ErrSoldOut)
	assert.Len(t, st.RefundClaims(), 1)
	assert.Equal(t, 1, st.PurchaseCount())
}

func TestBatchVerify(t *testing.T) {
	f, _ := newTestFacilitator(t, "1000000")

	req, _, err := f.PaywallTerms(types.NetworkSolana, "day", "")
	require.NoError(t, err)

	results, err := f.BatchVerify(context.Background(), []verification.Request{
		{Network: types.NetworkSolana, TxRef: txSignature(5), Expected: req.Intent().Transfers()},
		{Network: types.NetworkSolana, TxRef: txSignature(6), Expected: []types.ExpectedTransfer{{Recipient: req.Recipient, AmountBase: 2}}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
}

func TestHealth(t *testing.T) {
	f, _ := newTestFacilitator(t, "1")

	checks := f.Health(context.Background())
	assert.NoError(t, checks["store"])
	assert.NoError(t, checks["solana"])
}

func TestGetVersion(t *testing.T) {
	v := GetVersion()
	assert.Equal(t, Version, v["library_version"])
	assert.Equal(t, ProtocolVersion, v["protocol_version"])
}
