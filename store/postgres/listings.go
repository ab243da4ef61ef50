package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vitwit/x402-market/store"
	"github.com/vitwit/x402-market/types"
)

const listingColumns = `id, seller, network, title, description, image_url, kind, supply, remaining, price_base, mint, created_at`

const insertListingSQL = `
INSERT INTO listings (id, seller, network, title, description, image_url, kind, supply, remaining, price_base, mint, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`

// Compare-and-decrement: a sold-out listing matches no row.
const decrementListingSQL = `
UPDATE listings
SET remaining = remaining - 1
WHERE id = $1 AND remaining > 0
`

const listingExistsSQL = `SELECT EXISTS (SELECT 1 FROM listings WHERE id = $1)`

const insertPurchaseSQL = `
INSERT INTO purchases (listing_id, buyer, quantity, tx_ref, receipt_ref, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`

const selectPurchaseByTxSQL = `
SELECT listing_id, buyer, quantity, tx_ref, receipt_ref, created_at
FROM purchases
WHERE tx_ref = $1
`

const purchasesByBuyerSQL = `
SELECT p.listing_id, p.buyer, p.quantity, p.tx_ref, p.receipt_ref, p.created_at,
	l.id, l.seller, l.network, l.title, l.description, l.image_url, l.kind, l.supply, l.remaining, l.price_base, l.mint, l.created_at
FROM purchases p
JOIN listings l ON l.id = p.listing_id
WHERE lower(p.buyer) = lower($1)
ORDER BY p.created_at DESC, p.id DESC
`

const insertRefundClaimSQL = `
INSERT INTO refund_claims (tx_ref, listing_id, buyer, network, amount_base, reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (tx_ref) DO NOTHING
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (types.Listing, error) {
	var (
		l       types.Listing
		network string
		kind    string
		price   int64
	)
	err := row.Scan(
		&l.ID,
		&l.Seller,
		&network,
		&l.Title,
		&l.Description,
		&l.ImageURL,
		&kind,
		&l.Supply,
		&l.Remaining,
		&price,
		&l.Mint,
		&l.CreatedAt,
	)
	if err != nil {
		return types.Listing{}, err
	}
	l.Network = types.Network(network)
	l.Kind = types.ListingKind(kind)
	l.PriceBase = uint64(price)
	return l, nil
}

func (s *Store) CreateListing(ctx context.Context, l types.Listing) (types.Listing, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, insertListingSQL,
		l.ID,
		l.Seller,
		string(l.Network),
		l.Title,
		l.Description,
		l.ImageURL,
		string(l.Kind),
		l.Supply,
		l.Remaining,
		int64(l.PriceBase),
		l.Mint,
		l.CreatedAt,
	)
	if err != nil {
		return types.Listing{}, fmt.Errorf("insert listing: %w", err)
	}
	return l, nil
}

func (s *Store) GetListing(ctx context.Context, id string) (types.Listing, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Listing{}, store.ErrListingNotFound
	}
	if err != nil {
		return types.Listing{}, fmt.Errorf("get listing: %w", err)
	}
	return l, nil
}

func (s *Store) ListActiveListings(ctx context.Context, limit int) ([]types.Listing, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE remaining > 0 ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	return collectListings(rows)
}

func (s *Store) ListingsBySeller(ctx context.Context, seller string) ([]types.Listing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE lower(seller) = lower($1) ORDER BY created_at DESC, id DESC`, seller)
	if err != nil {
		return nil, fmt.Errorf("list seller listings: %w", err)
	}
	return collectListings(rows)
}

func collectListings(rows *sql.Rows) ([]types.Listing, error) {
	defer rows.Close()

	out := make([]types.Listing, 0)
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return out, nil
}

func (s *Store) Purchase(ctx context.Context, p types.Purchase) (types.Purchase, error) {
	p.Quantity = 1
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	err := WithTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		held, err := claimTx(ctx, tx, p.TxReference, store.KindPurchase, p.ListingID, p.CreatedAt)
		if errors.Is(err, store.ErrTxClaimed) && held.kind == store.KindRefund && held.ref == p.ListingID {
			return store.ErrSoldOut
		}
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, decrementListingSQL, p.ListingID)
		if err != nil {
			return fmt.Errorf("decrement listing: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("decrement listing: %w", err)
		}
		if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, listingExistsSQL, p.ListingID).Scan(&exists); err != nil {
				return fmt.Errorf("check listing: %w", err)
			}
			if !exists {
				return store.ErrListingNotFound
			}
			return store.ErrSoldOut
		}

		_, err = tx.ExecContext(ctx, insertPurchaseSQL,
			p.ListingID, p.Buyer, p.Quantity, p.TxReference, p.ReceiptRef, p.CreatedAt)
		if isUniqueViolation(err) {
			return store.ErrDuplicateTx
		}
		if err != nil {
			return fmt.Errorf("insert purchase: %w", err)
		}
		return nil
	})

	if errors.Is(err, store.ErrDuplicateTx) {
		prior, perr := s.PurchaseByTx(ctx, p.TxReference)
		if perr != nil {
			return types.Purchase{}, perr
		}
		return prior, store.ErrDuplicateTx
	}
	if err != nil {
		return types.Purchase{}, err
	}
	return p, nil
}

func scanPurchase(row rowScanner) (types.Purchase, error) {
	var p types.Purchase
	err := row.Scan(
		&p.ListingID,
		&p.Buyer,
		&p.Quantity,
		&p.TxReference,
		&p.ReceiptRef,
		&p.CreatedAt,
	)
	return p, err
}

func (s *Store) PurchaseByTx(ctx context.Context, txRef string) (types.Purchase, error) {
	p, err := scanPurchase(s.db.QueryRowContext(ctx, selectPurchaseByTxSQL, txRef))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Purchase{}, store.ErrNotFound
	}
	if err != nil {
		return types.Purchase{}, fmt.Errorf("get purchase: %w", err)
	}
	return p, nil
}

func (s *Store) PurchasesByBuyer(ctx context.Context, buyer string) ([]types.OwnedItem, error) {
	rows, err := s.db.QueryContext(ctx, purchasesByBuyerSQL, strings.TrimSpace(buyer))
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	out := make([]types.OwnedItem, 0)
	for rows.Next() {
		var (
			item    types.OwnedItem
			network string
			kind    string
			price   int64
		)
		err := rows.Scan(
			&item.ListingID,
			&item.Buyer,
			&item.Quantity,
			&item.TxReference,
			&item.ReceiptRef,
			&item.CreatedAt,
			&item.Listing.ID,
			&item.Listing.Seller,
			&network,
			&item.Listing.Title,
			&item.Listing.Description,
			&item.Listing.ImageURL,
			&kind,
			&item.Listing.Supply,
			&item.Listing.Remaining,
			&price,
			&item.Listing.Mint,
			&item.Listing.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		item.Listing.Network = types.Network(network)
		item.Listing.Kind = types.ListingKind(kind)
		item.Listing.PriceBase = uint64(price)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purchases: %w", err)
	}
	return out, nil
}

func (s *Store) RecordRefundClaim(ctx context.Context, c types.RefundClaim) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	err := WithTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := claimTx(ctx, tx, c.TxReference, store.KindRefund, c.ListingID, c.CreatedAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, insertRefundClaimSQL,
			c.TxReference, c.ListingID, c.Buyer, string(c.Network), int64(c.AmountBase), c.Reason, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert refund claim: %w", err)
		}
		return nil
	})
	if errors.Is(err, store.ErrDuplicateTx) {
		return nil
	}
	return err
}
