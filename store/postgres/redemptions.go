package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vitwit/x402-market/store"
)

// A concurrent claim of the same reference blocks on the primary key until
// the other transaction finishes.
const claimTxSQL = `
INSERT INTO redeemed_txs (tx_ref, kind, ref, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tx_ref) DO NOTHING
`

const selectClaimSQL = `SELECT kind, ref FROM redeemed_txs WHERE tx_ref = $1`

type claim struct {
	kind string
	ref  string
}

// claimTx reserves txRef for kind within tx. When the reference is already
// held the holder is returned with ErrDuplicateTx for the same kind and
// ErrTxClaimed for any other.
func claimTx(ctx context.Context, tx *sql.Tx, txRef, kind, ref string, now time.Time) (claim, error) {
	res, err := tx.ExecContext(ctx, claimTxSQL, txRef, kind, ref, now)
	if err != nil {
		return claim{}, fmt.Errorf("claim tx: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return claim{}, fmt.Errorf("claim tx: %w", err)
	}
	if n == 1 {
		return claim{kind: kind, ref: ref}, nil
	}

	var held claim
	if err := tx.QueryRowContext(ctx, selectClaimSQL, txRef).Scan(&held.kind, &held.ref); err != nil {
		return claim{}, fmt.Errorf("get tx claim: %w", err)
	}
	if held.kind == kind {
		return held, store.ErrDuplicateTx
	}
	return held, store.ErrTxClaimed
}
