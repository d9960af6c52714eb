package disputes

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

const disputeColumns = `id, consensus_id, challenger_agent_id, stake_amount, reasoning, status,
	admin_decision, admin_notes, stake_transaction_id, stake_returned, bonus_paid, resolved_at, created_at`

// PostgresStore implements Store on PostgreSQL. The one-open-dispute rule is
// enforced by a partial unique index over (consensus_id, challenger_agent_id)
// for unresolved rows.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disputes (id, consensus_id, challenger_agent_id, stake_amount, reasoning, status,
			stake_transaction_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.ConsensusID, d.ChallengerAgentID, d.StakeAmount, d.Reasoning, d.Status,
		d.StakeTransactionID, d.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.Conflict("challenger %s already has an open dispute on %s",
			d.ChallengerAgentID, d.ConsensusID)
	}
	if err != nil {
		return fmt.Errorf("inserting dispute: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	var d Dispute
	err := s.db.GetContext(ctx, &d,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("dispute %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting dispute: %w", err)
	}
	return &d, nil
}

func (s *PostgresStore) ResolveDispute(ctx context.Context, id, decision, notes string, resolvedAt time.Time, stakeReturned, bonusPaid bool) (*Dispute, error) {
	var d Dispute
	err := s.db.GetContext(ctx, &d, `
		UPDATE disputes
		SET status = $2, admin_decision = $2, admin_notes = $3, resolved_at = $4,
			stake_returned = $5, bonus_paid = $6
		WHERE id = $1 AND status IN ('open', 'admin_review')
		RETURNING `+disputeColumns, id, decision, notes, resolvedAt, stakeReturned, bonusPaid)
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := s.GetDispute(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, apperr.Conflict("dispute %s is already resolved", id)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving dispute: %w", err)
	}
	return &d, nil
}

func (s *PostgresStore) CountDismissedSince(ctx context.Context, challengerAgentID string, cutoff time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT count(*) FROM disputes
		WHERE challenger_agent_id = $1 AND status = 'dismissed' AND resolved_at >= $2`,
		challengerAgentID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("counting dismissed disputes: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListByChallenger(ctx context.Context, challengerAgentID string, limit int) ([]Dispute, error) {
	var out []Dispute
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE challenger_agent_id = $1 ORDER BY created_at DESC LIMIT $2`,
		challengerAgentID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing disputes: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
