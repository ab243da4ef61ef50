// Package store defines the durable state behind entitlements, listings
// and purchases. Every mutation that must not race is a single call here so
// the backing store's atomicity is the only concurrency boundary.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vitwit/x402-market/types"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrSoldOut          = errors.New("listing sold out")
	ErrListingNotFound  = errors.New("listing not found")
	ErrDuplicateTx      = errors.New("transaction reference already redeemed")
	ErrIdentityConflict = errors.New("identity already linked to another account")

	// ErrTxClaimed means the tx reference was already spent on a different
	// kind of fulfillment.
	ErrTxClaimed = errors.New("transaction reference already redeemed elsewhere")
)

// Redemption kinds. Payments, purchases and refund claims share one tx
// reference namespace: a reference is redeemed at most once overall.
const (
	KindPayment  = "payment"
	KindPurchase = "purchase"
	KindRefund   = "refund"
)

type EntitlementStore interface {
	// ExtendEntitlement appends a grant expiring at max(now, current) + d,
	// reading current and writing the new expiry atomically.
	ExtendEntitlement(ctx context.Context, subject, tier string, now time.Time, d time.Duration) (types.Entitlement, error)

	// RedeemPayment records p and extends the entitlement in one
	// transaction. A reused tx reference returns the original payment
	// together with ErrDuplicateTx and changes nothing; one already spent
	// on a purchase or refund claim returns ErrTxClaimed.
	RedeemPayment(ctx context.Context, p types.Payment, now time.Time, d time.Duration) (types.Payment, error)

	// LatestEntitlement returns the row with the greatest expiry across
	// tiers, or ErrNotFound.
	LatestEntitlement(ctx context.Context, subject string) (types.Entitlement, error)
}

type ListingStore interface {
	CreateListing(ctx context.Context, l types.Listing) (types.Listing, error)
	GetListing(ctx context.Context, id string) (types.Listing, error)
	ListActiveListings(ctx context.Context, limit int) ([]types.Listing, error)
	ListingsBySeller(ctx context.Context, seller string) ([]types.Listing, error)

	// Purchase decrements remaining by one if it is positive and records p,
	// both or neither. ErrSoldOut and ErrListingNotFound leave no trace. A
	// reused tx reference returns the existing purchase with ErrDuplicateTx.
	// A reference held by a refund claim for the same listing reports
	// ErrSoldOut; any other holder returns ErrTxClaimed.
	Purchase(ctx context.Context, p types.Purchase) (types.Purchase, error)
	PurchaseByTx(ctx context.Context, txRef string) (types.Purchase, error)
	PurchasesByBuyer(ctx context.Context, buyer string) ([]types.OwnedItem, error)

	// RecordRefundClaim is idempotent per tx reference. It returns
	// ErrTxClaimed when the reference was redeemed for something else.
	RecordRefundClaim(ctx context.Context, c types.RefundClaim) error
}

type UserStore interface {
	// LinkIdentity binds a messaging account to a wallet. Each side may be
	// bound at most once; a clash returns ErrIdentityConflict.
	LinkIdentity(ctx context.Context, telegramID int64, wallet string) error
	TelegramIDForWallet(ctx context.Context, wallet string) (int64, error)
	WalletForTelegramID(ctx context.Context, telegramID int64) (string, error)
}

type Store interface {
	EntitlementStore
	ListingStore
	UserStore
	Ping(ctx context.Context) error
	Close() error
}
