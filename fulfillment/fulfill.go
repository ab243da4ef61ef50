// Package fulfillment turns verified payments into purchases of
// finite-supply listings.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vitwit/x402-market/logger"
	"github.com/vitwit/x402-market/metrics"
	"github.com/vitwit/x402-market/notify"
	"github.com/vitwit/x402-market/store"
	"github.com/vitwit/x402-market/types"
	"github.com/vitwit/x402-market/utils"
)

const maxFeeBps = 10_000

// ReasonSoldOut is reported when a verified payment lost the race for the
// last unit.
const ReasonSoldOut = "sold-out"

// Fee is the marketplace cut taken from each sale, paid to a per-network
// wallet in the same transaction as the price.
type Fee struct {
	Bps     uint32
	Wallets map[types.Network]string
}

// PurchaseRequest describes a purchase whose payment is already verified.
type PurchaseRequest struct {
	ListingID   string
	Buyer       string
	TxReference string
	ReceiptRef  string
	Network     types.Network
	AmountBase  uint64
}

type Result struct {
	Purchase types.Purchase `json:"purchase"`
	Listing  types.Listing  `json:"listing"`

	// AlreadyProcessed is set when the tx reference had already bought
	// this listing; nothing was decremented.
	AlreadyProcessed bool `json:"alreadyProcessed"`
}

type Inventory struct {
	Listed []types.Listing   `json:"listed"`
	Bought []types.OwnedItem `json:"bought"`
}

// Engine owns every write to listings and purchases.
type Engine struct {
	store    store.ListingStore
	fee      Fee
	logger   logger.Logger
	metrics  metrics.Recorder
	notifier notify.Notifier
}

type Option func(*Engine)

func WithFee(f Fee) Option {
	return func(e *Engine) {
		e.fee = f
	}
}

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = r
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

func NewEngine(st store.ListingStore, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, errors.New("listing store is nil")
	}

	e := &Engine{
		store:    st,
		logger:   logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
		notifier: notify.Noop{},
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.fee.Bps >= maxFeeBps {
		return nil, &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("market fee %d bps must be below %d", e.fee.Bps, maxFeeBps),
		}
	}
	for network, wallet := range e.fee.Wallets {
		if err := utils.ValidateAddressForNetwork(wallet, network); err != nil {
			return nil, &types.X402Error{
				Code:    types.ErrConfigError,
				Message: fmt.Sprintf("fee wallet for %s: %v", network, err),
			}
		}
	}
	return e, nil
}

// Split divides a listing price into the amount owed to the primary
// recipient and the fee transfers required alongside it.
func (e *Engine) Split(network types.Network, price uint64) (uint64, []types.ExpectedTransfer) {
	wallet := e.fee.Wallets[network]
	if e.fee.Bps == 0 || wallet == "" {
		return price, nil
	}

	bps := uint64(e.fee.Bps)
	fee := price/maxFeeBps*bps + price%maxFeeBps*bps/maxFeeBps
	if fee == 0 {
		return price, nil
	}
	return price - fee, []types.ExpectedTransfer{{Recipient: wallet, AmountBase: fee}}
}

func (e *Engine) CreateListing(ctx context.Context, l types.Listing) (types.Listing, error) {
	if err := utils.ValidateListing(&l); err != nil {
		return types.Listing{}, err
	}

	created, err := e.store.CreateListing(ctx, l)
	if err != nil {
		return types.Listing{}, fmt.Errorf("create listing: %w", err)
	}

	e.logger.Info("listing created", map[string]any{
		"listing": created.ID,
		"seller":  created.Seller,
		"network": created.Network.String(),
		"supply":  created.Supply,
	})
	return created, nil
}

func (e *Engine) Listing(ctx context.Context, id string) (types.Listing, error) {
	return e.store.GetListing(ctx, id)
}

// ActiveListings returns listings with stock left, newest first.
func (e *Engine) ActiveListings(ctx context.Context, limit int) ([]types.Listing, error) {
	return e.store.ListActiveListings(ctx, limit)
}

func (e *Engine) Inventory(ctx context.Context, wallet string) (Inventory, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return Inventory{}, &types.X402Error{Code: types.ErrInvalidPayload, Message: "wallet is required"}
	}

	listed, err := e.store.ListingsBySeller(ctx, wallet)
	if err != nil {
		return Inventory{}, fmt.Errorf("listed items: %w", err)
	}
	bought, err := e.store.PurchasesByBuyer(ctx, wallet)
	if err != nil {
		return Inventory{}, fmt.Errorf("bought items: %w", err)
	}

	if listed == nil {
		listed = []types.Listing{}
	}
	if bought == nil {
		bought = []types.OwnedItem{}
	}
	return Inventory{Listed: listed, Bought: bought}, nil
}

// Purchase claims one unit of the listing for a verified payment. When the
// listing sold out in the meantime the payment is recorded as a refund
// claim and store.ErrSoldOut is returned.
func (e *Engine) Purchase(ctx context.Context, req PurchaseRequest) (Result, error) {
	if req.ListingID == "" || req.Buyer == "" || req.TxReference == "" {
		return Result{}, &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: "listing, buyer and tx reference are required",
		}
	}

	labels := map[string]string{"network": req.Network.String()}

	p, err := e.store.Purchase(ctx, types.Purchase{
		ListingID:   req.ListingID,
		Buyer:       req.Buyer,
		TxReference: req.TxReference,
		ReceiptRef:  req.ReceiptRef,
	})

	switch {
	case errors.Is(err, store.ErrDuplicateTx):
		if p.ListingID != req.ListingID {
			return Result{}, fmt.Errorf("tx %s bought listing %s: %w", req.TxReference, p.ListingID, store.ErrDuplicateTx)
		}
		l, lerr := e.store.GetListing(ctx, p.ListingID)
		if lerr != nil {
			return Result{}, lerr
		}
		return Result{Purchase: p, Listing: l, AlreadyProcessed: true}, nil

	case errors.Is(err, store.ErrSoldOut):
		e.metrics.IncCounter("purchase_sold_out", labels)
		e.logger.Error("verified payment could not be fulfilled", map[string]any{
			"listing": req.ListingID,
			"buyer":   req.Buyer,
			"network": req.Network.String(),
			"tx":      req.TxReference,
			"amount":  req.AmountBase,
		})

		claim := types.RefundClaim{
			TxReference: req.TxReference,
			ListingID:   req.ListingID,
			Buyer:       req.Buyer,
			Network:     req.Network,
			AmountBase:  req.AmountBase,
			Reason:      ReasonSoldOut,
		}
		if cerr := e.store.RecordRefundClaim(ctx, claim); cerr != nil {
			e.logger.Error("refund claim not recorded", map[string]any{
				"tx":    req.TxReference,
				"error": cerr.Error(),
			})
		}
		return Result{}, store.ErrSoldOut

	case err != nil:
		return Result{}, err
	}

	e.metrics.IncCounter("purchase_ok", labels)

	l, err := e.store.GetListing(ctx, p.ListingID)
	if err != nil {
		// the purchase is committed; only the event details are missing
		e.logger.Warn("listing lookup after purchase failed", map[string]any{
			"listing": p.ListingID,
			"error":   err.Error(),
		})
		return Result{Purchase: p}, nil
	}

	e.logger.Info("listing purchased", map[string]any{
		"listing":   l.ID,
		"buyer":     p.Buyer,
		"network":   req.Network.String(),
		"tx":        p.TxReference,
		"remaining": l.Remaining,
	})

	amount := utils.FormatAmount(l.PriceBase, utils.USDCDecimals)
	e.emit(ctx, types.Event{
		Type:       types.EventPurchaseConfirmation,
		Recipient:  p.Buyer,
		Item:       l.Title,
		Amount:     amount,
		Network:    req.Network,
		Tx:         p.TxReference,
		ReceiptRef: p.ReceiptRef,
	})
	e.emit(ctx, types.Event{
		Type:      types.EventSaleConfirmation,
		Recipient: l.Seller,
		Item:      l.Title,
		Amount:    amount,
		Network:   req.Network,
		Tx:        p.TxReference,
		Buyer:     p.Buyer,
	})

	return Result{Purchase: p, Listing: l}, nil
}

func (e *Engine) emit(ctx context.Context, ev types.Event) {
	if err := e.notifier.Notify(ctx, ev); err != nil {
		e.logger.Warn("notification failed", map[string]any{
			"type":  string(ev.Type),
			"tx":    ev.Tx,
			"error": err.Error(),
		})
	}
}
