package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vitwit/x402-market/store"
)

// A wallet already bound to a different account trips the wallet unique
// index; relinking the same account moves it to the new wallet.
const linkIdentitySQL = `
INSERT INTO users (telegram_id, wallet, created_at)
VALUES ($1, $2, NOW())
ON CONFLICT (telegram_id) DO UPDATE
SET wallet = EXCLUDED.wallet
`

func (s *Store) LinkIdentity(ctx context.Context, telegramID int64, wallet string) error {
	_, err := s.db.ExecContext(ctx, linkIdentitySQL, telegramID, wallet)
	if isUniqueViolation(err) {
		return store.ErrIdentityConflict
	}
	if err != nil {
		return fmt.Errorf("link identity: %w", err)
	}
	return nil
}

func (s *Store) TelegramIDForWallet(ctx context.Context, wallet string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT telegram_id FROM users WHERE wallet = $1`, wallet).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get user by wallet: %w", err)
	}
	return id, nil
}

func (s *Store) WalletForTelegramID(ctx context.Context, telegramID int64) (string, error) {
	var wallet string
	err := s.db.QueryRowContext(ctx, `SELECT wallet FROM users WHERE telegram_id = $1`, telegramID).Scan(&wallet)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get user by telegram id: %w", err)
	}
	return wallet, nil
}
