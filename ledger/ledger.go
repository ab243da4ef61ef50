// Package ledger grants time-bounded access entitlements. Grants stack:
// a new grant starts where the current one ends, or now if it lapsed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-market/logger"
	"github.com/vitwit/x402-market/metrics"
	"github.com/vitwit/x402-market/notify"
	"github.com/vitwit/x402-market/store"
	"github.com/vitwit/x402-market/types"
	"github.com/vitwit/x402-market/utils"
)

// Tier is a purchasable access level.
type Tier struct {
	Name     string          `yaml:"name" json:"name"`
	Price    decimal.Decimal `yaml:"price" json:"price"`
	Duration time.Duration   `yaml:"duration" json:"duration"`
}

// Grant is the outcome of redeeming a paywall payment.
type Grant struct {
	Payment types.Payment

	// AlreadyProcessed is set when the tx reference was redeemed before;
	// Payment is then the original record.
	AlreadyProcessed bool
}

type Ledger struct {
	store    store.EntitlementStore
	tiers    map[string]Tier
	order    []string
	now      func() time.Time
	logger   logger.Logger
	metrics  metrics.Recorder
	notifier notify.Notifier
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

func WithLogger(log logger.Logger) Option {
	return func(l *Ledger) {
		l.logger = log
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(l *Ledger) {
		l.metrics = r
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(l *Ledger) {
		l.notifier = n
	}
}

func New(st store.EntitlementStore, tiers []Tier, opts ...Option) (*Ledger, error) {
	if st == nil {
		return nil, errors.New("entitlement store is nil")
	}

	l := &Ledger{
		store:    st,
		tiers:    make(map[string]Tier, len(tiers)),
		now:      time.Now,
		logger:   logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
		notifier: notify.Noop{},
	}

	for _, t := range tiers {
		switch {
		case t.Name == "":
			return nil, &types.X402Error{Code: types.ErrConfigError, Message: "tier name is required"}
		case t.Duration <= 0:
			return nil, &types.X402Error{Code: types.ErrConfigError, Message: fmt.Sprintf("tier %s: duration must be positive", t.Name)}
		case !t.Price.IsPositive():
			return nil, &types.X402Error{Code: types.ErrConfigError, Message: fmt.Sprintf("tier %s: price must be positive", t.Name)}
		}
		if _, dup := l.tiers[t.Name]; dup {
			return nil, &types.X402Error{Code: types.ErrConfigError, Message: fmt.Sprintf("duplicate tier %s", t.Name)}
		}
		l.tiers[t.Name] = t
		l.order = append(l.order, t.Name)
	}

	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Ledger) Tier(name string) (Tier, error) {
	t, ok := l.tiers[name]
	if !ok {
		return Tier{}, &types.X402Error{
			Code:    types.ErrUnknownTier,
			Message: fmt.Sprintf("unknown tier: %s", name),
		}
	}
	return t, nil
}

// Tiers returns the configured tiers in configuration order.
func (l *Ledger) Tiers() []Tier {
	out := make([]Tier, 0, len(l.order))
	for _, name := range l.order {
		out = append(out, l.tiers[name])
	}
	return out
}

// GrantOrExtend appends a grant expiring at max(now, current expiry) + d.
func (l *Ledger) GrantOrExtend(ctx context.Context, subject, tier string, d time.Duration) (types.Entitlement, error) {
	if subject == "" {
		return types.Entitlement{}, &types.X402Error{Code: types.ErrInvalidPayload, Message: "subject is required"}
	}
	if d <= 0 {
		return types.Entitlement{}, &types.X402Error{Code: types.ErrInvalidPayload, Message: "duration must be positive"}
	}

	e, err := l.store.ExtendEntitlement(ctx, subject, tier, l.now(), d)
	if err != nil {
		return types.Entitlement{}, fmt.Errorf("extend entitlement: %w", err)
	}

	l.metrics.IncCounter("entitlement_granted", map[string]string{})
	return e, nil
}

// RedeemPayment records a verified paywall payment and extends the
// subject's entitlement for the tier. Redeeming the same tx reference again
// returns the first grant with AlreadyProcessed set.
func (l *Ledger) RedeemPayment(
	ctx context.Context,
	subject, tierName string,
	network types.Network,
	amountBase uint64,
	txRef string,
) (Grant, error) {
	tier, err := l.Tier(tierName)
	if err != nil {
		return Grant{}, err
	}
	if subject == "" || txRef == "" {
		return Grant{}, &types.X402Error{Code: types.ErrInvalidPayload, Message: "subject and tx reference are required"}
	}

	p, err := l.store.RedeemPayment(ctx, types.Payment{
		Subject:     subject,
		Tier:        tier.Name,
		Network:     network,
		AmountBase:  amountBase,
		TxReference: txRef,
	}, l.now(), tier.Duration)

	if errors.Is(err, store.ErrDuplicateTx) {
		l.logger.Info("payment already redeemed", map[string]any{
			"network": network.String(),
			"tx":      txRef,
			"wallet":  subject,
		})
		return Grant{Payment: p, AlreadyProcessed: true}, nil
	}
	if err != nil {
		return Grant{}, fmt.Errorf("redeem payment: %w", err)
	}

	l.metrics.IncCounter("entitlement_granted", map[string]string{"network": network.String()})
	l.logger.Info("entitlement extended", map[string]any{
		"network":    network.String(),
		"tx":         txRef,
		"wallet":     subject,
		"tier":       tier.Name,
		"expires_at": p.ExpiresAt,
	})

	until := p.ExpiresAt
	l.emit(ctx, types.Event{
		Type:        types.EventPaymentConfirmation,
		Recipient:   subject,
		Tier:        tier.Name,
		Amount:      utils.FormatAmount(amountBase, utils.USDCDecimals),
		Network:     network,
		Tx:          txRef,
		AccessUntil: &until,
	})

	return Grant{Payment: p}, nil
}

// Status reports the subject's latest-expiring entitlement across tiers.
func (l *Ledger) Status(ctx context.Context, subject string) (types.EntitlementStatus, error) {
	e, err := l.store.LatestEntitlement(ctx, subject)
	if errors.Is(err, store.ErrNotFound) {
		return types.EntitlementStatus{Subject: subject}, nil
	}
	if err != nil {
		return types.EntitlementStatus{}, fmt.Errorf("latest entitlement: %w", err)
	}

	st := types.EntitlementStatus{
		Subject:   subject,
		Tier:      &e.Tier,
		ExpiresAt: &e.ExpiresAt,
	}
	if left := e.ExpiresAt.Sub(l.now()); left > 0 {
		st.Active = true
		st.SecondsLeft = int64(left / time.Second)
	}
	return st, nil
}

func (l *Ledger) emit(ctx context.Context, ev types.Event) {
	if err := l.notifier.Notify(ctx, ev); err != nil {
		l.logger.Warn("notification failed", map[string]any{
			"type":  string(ev.Type),
			"tx":    ev.Tx,
			"error": err.Error(),
		})
	}
}
