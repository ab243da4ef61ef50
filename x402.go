// Package x402 wires the payment facilitator together: per-network
// verification clients, the challenge protocol, the entitlement ledger and
// the listing fulfillment engine.
package x402

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vitwit/x402-market/challenge"
	"github.com/vitwit/x402-market/clients"
	"github.com/vitwit/x402-market/config"
	"github.com/vitwit/x402-market/fulfillment"
	"github.com/vitwit/x402-market/ledger"
	"github.com/vitwit/x402-market/logger"
	"github.com/vitwit/x402-market/metrics"
	"github.com/vitwit/x402-market/notify"
	"github.com/vitwit/x402-market/retry"
	"github.com/vitwit/x402-market/signer"
	"github.com/vitwit/x402-market/store"
	"github.com/vitwit/x402-market/types"
	"github.com/vitwit/x402-market/verification"
)

const defaultTimeout = 30 * time.Second

// Facilitator is the main struct that provides all x402 functionality
type Facilitator struct {
	store    store.Store
	verifier *verification.VerificationService
	protocol *challenge.Protocol
	ledger   *ledger.Ledger
	market   *fulfillment.Engine

	logger   logger.Logger
	metrics  metrics.Recorder
	notifier notify.Notifier
	cache    verification.ResultCache
	timeout  time.Duration
	clock    func() time.Time
	clients  []clients.Client
}

// New builds a facilitator over st. active is the ledger-network signing
// identity; it may be nil when that network is disabled.
func New(cfg config.Config, st store.Store, active signer.Active, opts ...Option) (*Facilitator, error) {
	if st == nil {
		return nil, errors.New("store is nil")
	}

	f := &Facilitator{
		store:    st,
		logger:   logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
		notifier: notify.Noop{},
		timeout:  cfg.HTTP.VerifyTimeout,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.timeout <= 0 {
		f.timeout = defaultTimeout
	}

	vopts := []verification.Option{
		verification.WithLogger(f.logger),
		verification.WithMetrics(f.metrics),
	}
	if f.cache != nil {
		vopts = append(vopts, verification.WithCache(f.cache))
	}
	f.verifier = verification.NewVerificationService(f.timeout, vopts...)

	if len(f.clients) > 0 {
		for _, c := range f.clients {
			if err := f.verifier.AddClient(c); err != nil {
				return nil, err
			}
		}
	} else {
		if cfg.Networks.Solana.Enabled {
			if err := f.AddNetwork(types.NetworkSolana, cfg.Networks.Solana); err != nil {
				return nil, err
			}
		}
		if cfg.Networks.Base.Enabled {
			if err := f.AddNetwork(types.NetworkBase, cfg.Networks.Base); err != nil {
				return nil, err
			}
		}
	}

	var popts []challenge.Option
	if payTo := cfg.Networks.Base.PayTo; payTo != "" {
		popts = append(popts, challenge.WithPayTo(types.NetworkBase, payTo))
	}
	protocol, err := challenge.New(f.verifier, active, popts...)
	if err != nil {
		return nil, err
	}
	f.protocol = protocol

	f.ledger, err = ledger.New(st, cfg.Paywall.Tiers,
		ledger.WithClock(f.clock),
		ledger.WithLogger(f.logger),
		ledger.WithMetrics(f.metrics),
		ledger.WithNotifier(f.notifier),
	)
	if err != nil {
		return nil, err
	}

	fee, err := marketFee(cfg.Market)
	if err != nil {
		return nil, err
	}
	f.market, err = fulfillment.NewEngine(st,
		fulfillment.WithFee(fee),
		fulfillment.WithLogger(f.logger),
		fulfillment.WithMetrics(f.metrics),
		fulfillment.WithNotifier(f.notifier),
	)
	if err != nil {
		return nil, err
	}

	return f, nil
}

func marketFee(m config.MarketConfig) (fulfillment.Fee, error) {
	fee := fulfillment.Fee{Bps: m.FeeBps, Wallets: make(map[types.Network]string, len(m.FeeWallets))}
	for name, wallet := range m.FeeWallets {
		network, err := types.ParseNetwork(name)
		if err != nil {
			return fulfillment.Fee{}, &types.X402Error{
				Code:    types.ErrConfigError,
				Message: fmt.Sprintf("market fee wallet: %v", err),
			}
		}
		if wallet != "" {
			fee.Wallets[network] = wallet
		}
	}
	return fee, nil
}

// AddNetwork adds support for a specific network by creating the appropriate client
func (f *Facilitator) AddNetwork(network types.Network, nc config.NetworkConfig) error {
	opts := clients.Options{
		AssetAddress: nc.Asset,
		Decimals:     nc.Decimals,
		Retry:        retry.Policy{Attempts: nc.RetryAttempts, Delay: nc.RetryDelay},
		Logger:       f.logger,
	}

	switch {
	case network.IsEVM():
		client, err := clients.NewEVMClient(nc.RPC, nc.ChainID, opts)
		if err != nil {
			return fmt.Errorf("failed to create EVM client for %s: %w", network, err)
		}
		return f.verifier.AddClient(client)

	case network.IsSolana():
		client, err := clients.NewSolanaClient(nc.RPC, opts)
		if err != nil {
			return fmt.Errorf("failed to create Solana client for %s: %w", network, err)
		}
		return f.verifier.AddClient(client)
	}

	return &types.X402Error{
		Code:    types.ErrUnsupportedNetwork,
		Message: fmt.Sprintf("unsupported network: %s", network),
	}
}

// PaywallTerms prices tierName on network for round 1 of the paywall.
func (f *Facilitator) PaywallTerms(network types.Network, tierName, resource string) (types.PaymentRequirements, ledger.Tier, error) {
	tier, err := f.ledger.Tier(tierName)
	if err != nil {
		return types.PaymentRequirements{}, ledger.Tier{}, err
	}

	amount, err := f.protocol.Price(network, tier.Price)
	if err != nil {
		return types.PaymentRequirements{}, ledger.Tier{}, err
	}

	req, err := f.protocol.Issue(challenge.Offer{
		Network:     network,
		AmountBase:  amount,
		Resource:    resource,
		Description: fmt.Sprintf("%s access", tier.Name),
	})
	if err != nil {
		return types.PaymentRequirements{}, ledger.Tier{}, err
	}
	return req, tier, nil
}

// RedeemPaywall checks the proof in header against req and, when it
// holds, extends wallet's entitlement for the tier. A failed check
// returns the result and an empty grant.
func (f *Facilitator) RedeemPaywall(
	ctx context.Context,
	wallet, tierName string,
	req types.PaymentRequirements,
	header string,
) (*types.VerificationResult, ledger.Grant, error) {
	res, err := f.protocol.Redeem(ctx, req, header)
	if err != nil {
		return nil, ledger.Grant{}, err
	}
	if !res.OK {
		return res, ledger.Grant{}, nil
	}

	grant, err := f.ledger.RedeemPayment(ctx, wallet, tierName, res.Network, req.AmountBase, res.TxReference)
	if err != nil {
		return res, ledger.Grant{}, err
	}
	return res, grant, nil
}

// ListingTerms builds the purchase terms of a listing. Terms are returned
// for sold out listings too, so a proof paid against them can still be
// redeemed into a refund claim.
func (f *Facilitator) ListingTerms(ctx context.Context, listingID, resource string) (types.PaymentRequirements, types.Listing, error) {
	l, err := f.market.Listing(ctx, listingID)
	if err != nil {
		return types.PaymentRequirements{}, types.Listing{}, err
	}

	primary, splits := f.market.Split(l.Network, l.PriceBase)
	req, err := f.protocol.Issue(challenge.Offer{
		Network:     l.Network,
		AmountBase:  primary,
		Splits:      splits,
		Resource:    resource,
		Description: l.Title,
	})
	if err != nil {
		return types.PaymentRequirements{}, l, err
	}
	return req, l, nil
}

// RedeemPurchase checks the proof in header against req and claims one
// unit of the listing for buyer when it holds.
func (f *Facilitator) RedeemPurchase(
	ctx context.Context,
	l types.Listing,
	buyer, receiptRef string,
	req types.PaymentRequirements,
	header string,
) (*types.VerificationResult, fulfillment.Result, error) {
	res, err := f.protocol.Redeem(ctx, req, header)
	if err != nil {
		return nil, fulfillment.Result{}, err
	}
	if !res.OK {
		return res, fulfillment.Result{}, nil
	}

	out, err := f.market.Purchase(ctx, fulfillment.PurchaseRequest{
		ListingID:   l.ID,
		Buyer:       buyer,
		TxReference: res.TxReference,
		ReceiptRef:  receiptRef,
		Network:     res.Network,
		AmountBase:  l.PriceBase,
	})
	return res, out, err
}

// Verify verifies a payment against expected transfers
func (f *Facilitator) Verify(
	ctx context.Context,
	network types.Network,
	txRef string,
	expected []types.ExpectedTransfer,
) (*types.VerificationResult, error) {
	return f.verifier.Verify(ctx, network, txRef, expected)
}

// BatchVerify verifies multiple payments concurrently
func (f *Facilitator) BatchVerify(ctx context.Context, reqs []verification.Request) ([]*types.VerificationResult, error) {
	return f.verifier.BatchVerify(ctx, reqs)
}

// Status reports wallet's current entitlement.
func (f *Facilitator) Status(ctx context.Context, wallet string) (types.EntitlementStatus, error) {
	return f.ledger.Status(ctx, wallet)
}

func (f *Facilitator) Supported() *types.SupportedResponse {
	return &types.SupportedResponse{Kinds: f.verifier.Supported()}
}

// Networks returns the configured networks in registration order.
func (f *Facilitator) Networks() []types.Network {
	return f.verifier.GetSupportedNetworks()
}

// IsNetworkSupported checks if a network is supported
func (f *Facilitator) IsNetworkSupported(network types.Network) bool {
	return f.verifier.IsNetworkSupported(network)
}

// Health probes the store and every network client.
func (f *Facilitator) Health(ctx context.Context) map[string]error {
	out := map[string]error{"store": f.store.Ping(ctx)}
	for n, err := range f.verifier.Health(ctx) {
		out[n.String()] = err
	}
	return out
}

func (f *Facilitator) Ledger() *ledger.Ledger        { return f.ledger }
func (f *Facilitator) Market() *fulfillment.Engine   { return f.market }
func (f *Facilitator) Protocol() *challenge.Protocol { return f.protocol }

// Close closes all client connections
func (f *Facilitator) Close() {
	f.verifier.Close()
}

// Version information
const (
	Version         = "1.0.0"
	ProtocolVersion = 1
)

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	return map[string]interface{}{
		"library_version":  Version,
		"protocol_version": ProtocolVersion,
		"supported_networks": []string{
			types.NetworkSolana.String(),
			types.NetworkBase.String(),
		},
		"supported_schemes": []string{
			string(types.SchemeExact),
		},
		"supported_standards": []string{
			"spl", "erc20",
		},
	}
}
