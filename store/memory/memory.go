// Package memory is an in-process store used in development mode and
// tests. A single mutex makes every operation atomic.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vitwit/x402-market/store"
	"github.com/vitwit/x402-market/types"
)

type headKey struct {
	subject string
	tier    string
}

type claim struct {
	kind string
	ref  string
}

type Store struct {
	mu sync.Mutex

	redeemed map[string]claim

	heads        map[headKey]time.Time
	entitlements []types.Entitlement
	payments     map[string]types.Payment

	listings     map[string]*types.Listing
	purchases    []types.Purchase
	purchaseByTx map[string]int
	refunds      map[string]types.RefundClaim

	walletByTG map[int64]string
	tgByWallet map[string]int64

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		redeemed:     make(map[string]claim),
		heads:        make(map[headKey]time.Time),
		payments:     make(map[string]types.Payment),
		listings:     make(map[string]*types.Listing),
		purchaseByTx: make(map[string]int),
		refunds:      make(map[string]types.RefundClaim),
		walletByTG:   make(map[int64]string),
		tgByWallet:   make(map[string]int64),
		now:          time.Now,
	}
}

func (s *Store) extendLocked(subject, tier string, now time.Time, d time.Duration) types.Entitlement {
	key := headKey{subject: subject, tier: tier}

	base := now
	if cur, ok := s.heads[key]; ok && cur.After(base) {
		base = cur
	}

	e := types.Entitlement{
		Subject:   subject,
		Tier:      tier,
		ExpiresAt: base.Add(d),
		CreatedAt: now,
	}
	s.heads[key] = e.ExpiresAt
	s.entitlements = append(s.entitlements, e)
	return e
}

func (s *Store) ExtendEntitlement(ctx context.Context, subject, tier string, now time.Time, d time.Duration) (types.Entitlement, error) {
	if err := ctx.Err(); err != nil {
		return types.Entitlement{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extendLocked(subject, tier, now, d), nil
}

func (s *Store) RedeemPayment(ctx context.Context, p types.Payment, now time.Time, d time.Duration) (types.Payment, error) {
	if err := ctx.Err(); err != nil {
		return types.Payment{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.redeemed[p.TxReference]; ok {
		if c.kind == store.KindPayment {
			return s.payments[p.TxReference], store.ErrDuplicateTx
		}
		return types.Payment{}, store.ErrTxClaimed
	}

	e := s.extendLocked(p.Subject, p.Tier, now, d)
	p.ExpiresAt = e.ExpiresAt
	p.CreatedAt = now
	s.payments[p.TxReference] = p
	s.redeemed[p.TxReference] = claim{kind: store.KindPayment, ref: p.Tier}
	return p, nil
}

func (s *Store) LatestEntitlement(ctx context.Context, subject string) (types.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		latest types.Entitlement
		found  bool
	)
	for _, e := range s.entitlements {
		if e.Subject != subject {
			continue
		}
		if !found || e.ExpiresAt.After(latest.ExpiresAt) {
			latest = e
			found = true
		}
	}
	if !found {
		return types.Entitlement{}, store.ErrNotFound
	}
	return latest, nil
}

func (s *Store) CreateListing(ctx context.Context, l types.Listing) (types.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now()
	}
	stored := l
	s.listings[l.ID] = &stored
	return l, nil
}

func (s *Store) GetListing(ctx context.Context, id string) (types.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return types.Listing{}, store.ErrListingNotFound
	}
	return *l, nil
}

func (s *Store) ListActiveListings(ctx context.Context, limit int) ([]types.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		if l.Remaining > 0 {
			out = append(out, *l)
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListingsBySeller(ctx context.Context, seller string) ([]types.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Listing
	for _, l := range s.listings {
		if strings.EqualFold(l.Seller, seller) {
			out = append(out, *l)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *Store) Purchase(ctx context.Context, p types.Purchase) (types.Purchase, error) {
	if err := ctx.Err(); err != nil {
		return types.Purchase{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.redeemed[p.TxReference]; ok {
		switch {
		case c.kind == store.KindPurchase:
			return s.purchases[s.purchaseByTx[p.TxReference]], store.ErrDuplicateTx
		case c.kind == store.KindRefund && c.ref == p.ListingID:
			return types.Purchase{}, store.ErrSoldOut
		default:
			return types.Purchase{}, store.ErrTxClaimed
		}
	}

	l, ok := s.listings[p.ListingID]
	if !ok {
		return types.Purchase{}, store.ErrListingNotFound
	}
	if l.Remaining <= 0 {
		return types.Purchase{}, store.ErrSoldOut
	}

	l.Remaining--
	p.Quantity = 1
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	s.purchases = append(s.purchases, p)
	s.purchaseByTx[p.TxReference] = len(s.purchases) - 1
	s.redeemed[p.TxReference] = claim{kind: store.KindPurchase, ref: p.ListingID}
	return p, nil
}

func (s *Store) PurchaseByTx(ctx context.Context, txRef string) (types.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.purchaseByTx[txRef]
	if !ok {
		return types.Purchase{}, store.ErrNotFound
	}
	return s.purchases[i], nil
}

func (s *Store) PurchasesByBuyer(ctx context.Context, buyer string) ([]types.OwnedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.OwnedItem
	for i := len(s.purchases) - 1; i >= 0; i-- {
		p := s.purchases[i]
		if !strings.EqualFold(p.Buyer, buyer) {
			continue
		}
		item := types.OwnedItem{Purchase: p}
		if l, ok := s.listings[p.ListingID]; ok {
			item.Listing = *l
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *Store) RecordRefundClaim(ctx context.Context, c types.RefundClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if held, ok := s.redeemed[c.TxReference]; ok {
		if held.kind == store.KindRefund {
			return nil
		}
		return store.ErrTxClaimed
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.refunds[c.TxReference] = c
	s.redeemed[c.TxReference] = claim{kind: store.KindRefund, ref: c.ListingID}
	return nil
}

// RefundClaims lists recorded claims, oldest first.
func (s *Store) RefundClaims() []types.RefundClaim {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.RefundClaim, 0, len(s.refunds))
	for _, c := range s.refunds {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PurchaseCount is the number of purchase rows.
func (s *Store) PurchaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.purchases)
}

func (s *Store) LinkIdentity(ctx context.Context, telegramID int64, wallet string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.tgByWallet[wallet]; ok && owner != telegramID {
		return store.ErrIdentityConflict
	}
	if prev, ok := s.walletByTG[telegramID]; ok {
		delete(s.tgByWallet, prev)
	}
	s.walletByTG[telegramID] = wallet
	s.tgByWallet[wallet] = telegramID
	return nil
}

func (s *Store) TelegramIDForWallet(ctx context.Context, wallet string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.tgByWallet[wallet]
	if !ok {
		return 0, store.ErrNotFound
	}
	return id, nil
}

func (s *Store) WalletForTelegramID(ctx context.Context, telegramID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.walletByTG[telegramID]
	if !ok {
		return "", store.ErrNotFound
	}
	return w, nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func sortNewestFirst(ls []types.Listing) {
	sort.SliceStable(ls, func(i, j int) bool {
		if ls[i].CreatedAt.Equal(ls[j].CreatedAt) {
			return ls[i].ID > ls[j].ID
		}
		return ls[i].CreatedAt.After(ls[j].CreatedAt)
	})
}
