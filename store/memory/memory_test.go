package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-market/store"
	"github.com/vitwit/x402-market/types"
)

func TestPurchaseLastUnitUnderContention(t *testing.T) {
	for _, n := range []int{2, 8, 64} {
		s := New()
		ctx := context.Background()
		l, err := s.CreateListing(ctx, types.Listing{Seller: "seller", Supply: 1, Remaining: 1, PriceBase: 1})
		require.NoError(t, err)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			ok      int
			soldOut int
		)
		for i := 0; i < n; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Purchase(ctx, types.Purchase{
					ListingID:   l.ID,
					Buyer:       "buyer",
					TxReference: fmt.Sprintf("tx-%d", i),
				})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, store.ErrSoldOut):
					soldOut++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, ok, "n=%d", n)
		assert.Equal(t, n-1, soldOut, "n=%d", n)
		assert.Equal(t, 1, s.PurchaseCount())

		got, err := s.GetListing(ctx, l.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.Remaining)
	}
}

func TestPurchaseRemainingStaysInRange(t *testing.T) {
	s := New()
	ctx := context.Background()
	l, err := s.CreateListing(ctx, types.Listing{Seller: "seller", Supply: 5, Remaining: 5, PriceBase: 1})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Purchase(ctx, types.Purchase{ListingID: l.ID, Buyer: "b", TxReference: fmt.Sprintf("tx-%d", i)})
		}()
	}
	wg.Wait()

	got, err := s.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Remaining)
	assert.Equal(t, 5, s.PurchaseCount())
}

func TestPurchaseDuplicateTx(t *testing.T) {
	s := New()
	ctx := context.Background()
	l, err := s.CreateListing(ctx, types.Listing{Seller: "seller", Supply: 3, Remaining: 3, PriceBase: 1})
	require.NoError(t, err)

	first, err := s.Purchase(ctx, types.Purchase{ListingID: l.ID, Buyer: "b", TxReference: "tx1"})
	require.NoError(t, err)

	again, err := s.Purchase(ctx, types.Purchase{ListingID: l.ID, Buyer: "b", TxReference: "tx1"})
	assert.ErrorIs(t, err, store.ErrDuplicateTx)
	assert.Equal(t, first, again)

	got, err := s.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Remaining)
	assert.Equal(t, 1, s.PurchaseCount())
}

func TestPurchaseUnknownListing(t *testing.T) {
	_, err := New().Purchase(context.Background(), types.Purchase{ListingID: "nope", TxReference: "tx"})
	assert.ErrorIs(t, err, store.ErrListingNotFound)
}

func TestExtendEntitlementStacks(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	e1, err := s.ExtendEntitlement(ctx, "w", "pro", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), e1.ExpiresAt)

	e2, err := s.ExtendEntitlement(ctx, "w", "pro", now.Add(time.Minute), 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, now.Add(3*time.Hour), e2.ExpiresAt)

	// lapsed grants restart from now
	later := now.Add(10 * time.Hour)
	e3, err := s.ExtendEntitlement(ctx, "w", "pro", later, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, later.Add(time.Hour), e3.ExpiresAt)

	// tiers stack independently
	e4, err := s.ExtendEntitlement(ctx, "w", "basic", later, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, later.Add(time.Minute), e4.ExpiresAt)

	latest, err := s.LatestEntitlement(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, "pro", latest.Tier)
	assert.Equal(t, e3.ExpiresAt, latest.ExpiresAt)
}

func TestExtendEntitlementConcurrent(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ExtendEntitlement(ctx, "w", "pro", now, time.Minute)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	latest, err := s.LatestEntitlement(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, now.Add(50*time.Minute), latest.ExpiresAt)
}

func TestRedeemPaymentIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	p := types.Payment{Subject: "w", Tier: "pro", Network: types.NetworkSolana, AmountBase: 5, TxReference: "tx"}
	first, err := s.RedeemPayment(ctx, p, now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), first.ExpiresAt)

	again, err := s.RedeemPayment(ctx, p, now.Add(time.Second), time.Hour)
	assert.ErrorIs(t, err, store.ErrDuplicateTx)
	assert.Equal(t, first, again)

	latest, err := s.LatestEntitlement(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), latest.ExpiresAt)
}

func TestTxRedeemedOnceAcrossKinds(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	l, err := s.CreateListing(ctx, types.Listing{Seller: "seller", Supply: 2, Remaining: 2, PriceBase: 5})
	require.NoError(t, err)

	_, err = s.RedeemPayment(ctx, types.Payment{Subject: "w", Tier: "day", AmountBase: 5, TxReference: "paid"}, now, time.Hour)
	require.NoError(t, err)

	_, err = s.Purchase(ctx, types.Purchase{ListingID: l.ID, Buyer: "w", TxReference: "paid"})
	assert.ErrorIs(t, err, store.ErrTxClaimed)
	assert.ErrorIs(t, s.RecordRefundClaim(ctx, types.RefundClaim{TxReference: "paid", ListingID: l.ID}), store.ErrTxClaimed)

	_, err = s.Purchase(ctx, types.Purchase{ListingID: l.ID, Buyer: "w", TxReference: "bought"})
	require.NoError(t, err)

	_, err = s.RedeemPayment(ctx, types.Payment{Subject: "w", Tier: "day", AmountBase: 5, TxReference: "bought"}, now, time.Hour)
	assert.ErrorIs(t, err, store.ErrTxClaimed)

	got, err := s.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Remaining)
	assert.Equal(t, 1, s.PurchaseCount())
	assert.Empty(t, s.RefundClaims())

	latest, err := s.LatestEntitlement(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), latest.ExpiresAt)
}

func TestRefundClaimHoldsTx(t *testing.T) {
	s := New()
	ctx := context.Background()
	sold, err := s.CreateListing(ctx, types.Listing{Seller: "seller", Supply: 1, Remaining: 0, PriceBase: 5})
	require.NoError(t, err)
	other, err := s.CreateListing(ctx, types.Listing{Seller: "seller", Supply: 1, Remaining: 1, PriceBase: 5})
	require.NoError(t, err)

	require.NoError(t, s.RecordRefundClaim(ctx, types.RefundClaim{TxReference: "tx", ListingID: sold.ID, Reason: "sold-out"}))

	_, err = s.Purchase(ctx, types.Purchase{ListingID: sold.ID, Buyer: "b", TxReference: "tx"})
	assert.ErrorIs(t, err, store.ErrSoldOut)

	_, err = s.Purchase(ctx, types.Purchase{ListingID: other.ID, Buyer: "b", TxReference: "tx"})
	assert.ErrorIs(t, err, store.ErrTxClaimed)

	_, err = s.RedeemPayment(ctx, types.Payment{Subject: "b", Tier: "day", AmountBase: 5, TxReference: "tx"}, time.Now(), time.Hour)
	assert.ErrorIs(t, err, store.ErrTxClaimed)

	got, err := s.GetListing(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Remaining)
}

func TestLatestEntitlementNotFound(t *testing.T) {
	_, err := New().LatestEntitlement(context.Background(), "w")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListActiveListings(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now()

	for i, remaining := range []int64{1, 0, 2} {
		_, err := s.CreateListing(ctx, types.Listing{
			ID:        string(rune('a' + i)),
			Seller:    "seller",
			Supply:    2,
			Remaining: remaining,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	active, err := s.ListActiveListings(ctx, 0)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "c", active[0].ID)
	assert.Equal(t, "a", active[1].ID)

	limited, err := s.ListActiveListings(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	bySeller, err := s.ListingsBySeller(ctx, "SELLER")
	require.NoError(t, err)
	assert.Len(t, bySeller, 3)
}

func TestPurchasesByBuyerJoinsListing(t *testing.T) {
	s := New()
	ctx := context.Background()
	l, err := s.CreateListing(ctx, types.Listing{Seller: "seller", Title: "Hat", Supply: 2, Remaining: 2})
	require.NoError(t, err)

	_, err = s.Purchase(ctx, types.Purchase{ListingID: l.ID, Buyer: "b", TxReference: "t1"})
	require.NoError(t, err)

	items, err := s.PurchasesByBuyer(ctx, "b")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Hat", items[0].Listing.Title)
	assert.Equal(t, int64(1), items[0].Quantity)
}

func TestRefundClaimsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	c := types.RefundClaim{TxReference: "tx", ListingID: "l", Reason: "sold-out"}

	require.NoError(t, s.RecordRefundClaim(ctx, c))
	require.NoError(t, s.RecordRefundClaim(ctx, c))
	assert.Len(t, s.RefundClaims(), 1)
}

func TestLinkIdentity(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.LinkIdentity(ctx, 1, "w1"))
	require.NoError(t, s.LinkIdentity(ctx, 1, "w1"))
	assert.ErrorIs(t, s.LinkIdentity(ctx, 2, "w1"), store.ErrIdentityConflict)

	// relinking moves the account to the new wallet
	require.NoError(t, s.LinkIdentity(ctx, 1, "w2"))
	_, err := s.TelegramIDForWallet(ctx, "w1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	id, err := s.TelegramIDForWallet(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	w, err := s.WalletForTelegramID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "w2", w)

	require.NoError(t, s.LinkIdentity(ctx, 2, "w1"))
}
