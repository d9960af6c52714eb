package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/betterworld-network/marketplace/internal/apperr"
)

// PostgresStore implements Store on postgres. The balance row is locked FOR
// UPDATE for the duration of the transaction, so concurrent spends from the
// same owner serialize and the read-check-write cycle cannot lose updates.
type PostgresStore struct {
	db *sqlx.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a postgres-backed ledger store.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Apply(ctx context.Context, entry *Entry) (*Entry, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	// Ensure the balance row exists, then lock it.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO account_balances (ledger, owner_id, balance)
		VALUES ($1, $2, 0)
		ON CONFLICT (ledger, owner_id) DO NOTHING
	`, entry.Ledger, entry.OwnerID); err != nil {
		return nil, false, fmt.Errorf("ensure balance row: %w", err)
	}

	var balance int64
	if err := tx.GetContext(ctx, &balance, `
		SELECT balance FROM account_balances
		WHERE ledger = $1 AND owner_id = $2
		FOR UPDATE
	`, entry.Ledger, entry.OwnerID); err != nil {
		return nil, false, fmt.Errorf("lock balance row: %w", err)
	}

	if entry.Amount < 0 && balance+entry.Amount < 0 {
		return nil, false, apperr.InsufficientBalance(
			"owner %s has %d, needs %d", entry.OwnerID, balance, -entry.Amount)
	}

	applied := *entry
	applied.BalanceBefore = balance
	applied.BalanceAfter = balance + entry.Amount
	if applied.CreatedAt.IsZero() {
		applied.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions
			(id, ledger, owner_id, amount, balance_before, balance_after,
			 tx_type, reference_id, idempotency_key, description, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, applied.ID, applied.Ledger, applied.OwnerID, applied.Amount,
		applied.BalanceBefore, applied.BalanceAfter, applied.Type,
		applied.ReferenceID, applied.IdempotencyKey, applied.Description,
		nullableJSON(applied.Metadata), applied.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Retried request: surface the recorded result untouched.
			existing, lookupErr := s.ByIdempotencyKey(ctx, entry.IdempotencyKey)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("idempotency replay lookup: %w", lookupErr)
			}
			return existing, true, nil
		}
		return nil, false, fmt.Errorf("insert ledger entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE account_balances
		SET balance = $3, updated_at = now()
		WHERE ledger = $1 AND owner_id = $2
	`, applied.Ledger, applied.OwnerID, applied.BalanceAfter); err != nil {
		return nil, false, fmt.Errorf("update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit ledger tx: %w", err)
	}
	return &applied, false, nil
}

func (s *PostgresStore) Balance(ctx context.Context, ledger Kind, ownerID string) (int64, error) {
	var balance int64
	err := s.db.GetContext(ctx, &balance, `
		SELECT balance FROM account_balances
		WHERE ledger = $1 AND owner_id = $2
	`, ledger, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) History(ctx context.Context, ledger Kind, ownerID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []Entry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, ledger, owner_id, amount, balance_before, balance_after,
		       tx_type, reference_id, idempotency_key, description, metadata, created_at
		FROM ledger_transactions
		WHERE ledger = $1 AND owner_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, ledger, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger history: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) ByIdempotencyKey(ctx context.Context, key string) (*Entry, error) {
	var entry Entry
	err := s.db.GetContext(ctx, &entry, `
		SELECT id, ledger, owner_id, amount, balance_before, balance_after,
		       tx_type, reference_id, idempotency_key, description, metadata, created_at
		FROM ledger_transactions
		WHERE idempotency_key = $1
	`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("ledger entry with key %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup ledger entry: %w", err)
	}
	return &entry, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
