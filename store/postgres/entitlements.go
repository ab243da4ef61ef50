package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vitwit/x402-market/store"
	"github.com/vitwit/x402-market/types"
)

// The head row is locked by ON CONFLICT, so concurrent extensions of the
// same wallet and tier see each other's expiry.
const extendHeadSQL = `
INSERT INTO entitlement_heads (wallet, tier, expires_at, updated_at)
VALUES ($1, $2, $3::timestamptz + make_interval(secs => $4::double precision), $3)
ON CONFLICT (wallet, tier) DO UPDATE
SET expires_at = GREATEST(entitlement_heads.expires_at, EXCLUDED.updated_at) + make_interval(secs => $4::double precision),
	updated_at = EXCLUDED.updated_at
RETURNING expires_at
`

const insertEntitlementSQL = `
INSERT INTO entitlements (wallet, tier, expires_at, created_at)
VALUES ($1, $2, $3, $4)
`

const insertPaymentSQL = `
INSERT INTO payments (wallet, tier, network, amount_base, tx_ref, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (tx_ref) DO NOTHING
`

const selectPaymentSQL = `
SELECT wallet, tier, network, amount_base, tx_ref, expires_at, created_at
FROM payments
WHERE tx_ref = $1
`

const latestEntitlementSQL = `
SELECT wallet, tier, expires_at, created_at
FROM entitlements
WHERE wallet = $1
ORDER BY expires_at DESC
LIMIT 1
`

func extendTx(ctx context.Context, tx *sql.Tx, subject, tier string, now time.Time, d time.Duration) (types.Entitlement, error) {
	var expiresAt time.Time
	if err := tx.QueryRowContext(ctx, extendHeadSQL, subject, tier, now, d.Seconds()).Scan(&expiresAt); err != nil {
		return types.Entitlement{}, fmt.Errorf("extend entitlement head: %w", err)
	}

	if _, err := tx.ExecContext(ctx, insertEntitlementSQL, subject, tier, expiresAt, now); err != nil {
		return types.Entitlement{}, fmt.Errorf("append entitlement: %w", err)
	}

	return types.Entitlement{
		Subject:   subject,
		Tier:      tier,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}, nil
}

func (s *Store) ExtendEntitlement(ctx context.Context, subject, tier string, now time.Time, d time.Duration) (types.Entitlement, error) {
	var e types.Entitlement
	err := WithTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		e, err = extendTx(ctx, tx, subject, tier, now, d)
		return err
	})
	return e, err
}

func (s *Store) RedeemPayment(ctx context.Context, p types.Payment, now time.Time, d time.Duration) (types.Payment, error) {
	err := WithTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := claimTx(ctx, tx, p.TxReference, store.KindPayment, p.Tier, now); err != nil {
			return err
		}

		e, err := extendTx(ctx, tx, p.Subject, p.Tier, now, d)
		if err != nil {
			return err
		}

		p.ExpiresAt = e.ExpiresAt
		p.CreatedAt = now

		res, err := tx.ExecContext(ctx, insertPaymentSQL,
			p.Subject, p.Tier, string(p.Network), int64(p.AmountBase), p.TxReference, p.ExpiresAt, p.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		if n == 0 {
			return store.ErrDuplicateTx
		}
		return nil
	})

	if errors.Is(err, store.ErrDuplicateTx) {
		prior, perr := s.paymentByTx(ctx, p.TxReference)
		if perr != nil {
			return types.Payment{}, perr
		}
		return prior, store.ErrDuplicateTx
	}
	if err != nil {
		return types.Payment{}, err
	}
	return p, nil
}

func (s *Store) paymentByTx(ctx context.Context, txRef string) (types.Payment, error) {
	var (
		p       types.Payment
		network string
		amount  int64
	)
	err := s.db.QueryRowContext(ctx, selectPaymentSQL, txRef).Scan(
		&p.Subject,
		&p.Tier,
		&network,
		&amount,
		&p.TxReference,
		&p.ExpiresAt,
		&p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Payment{}, store.ErrNotFound
	}
	if err != nil {
		return types.Payment{}, fmt.Errorf("get payment: %w", err)
	}
	p.Network = types.Network(network)
	p.AmountBase = uint64(amount)
	return p, nil
}

func (s *Store) LatestEntitlement(ctx context.Context, subject string) (types.Entitlement, error) {
	var e types.Entitlement
	err := s.db.QueryRowContext(ctx, latestEntitlementSQL, subject).Scan(
		&e.Subject,
		&e.Tier,
		&e.ExpiresAt,
		&e.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Entitlement{}, store.ErrNotFound
	}
	if err != nil {
		return types.Entitlement{}, fmt.Errorf("get latest entitlement: %w", err)
	}
	return e, nil
}
