package reputation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/betterworld-network/marketplace/internal/apperr"
)

// PostgresStore implements Store on postgres.
type PostgresStore struct {
	db *sqlx.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a postgres-backed reputation store.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetHuman(ctx context.Context, id string) (*Human, error) {
	var h Human
	err := s.db.GetContext(ctx, &h, `
		SELECT id, reputation_score, tier, current_streak, longest_streak,
		       last_activity_day, created_at, updated_at
		FROM humans WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("human %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get human: %w", err)
	}
	return &h, nil
}

func (s *PostgresStore) UpsertHuman(ctx context.Context, h *Human) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO humans (id, reputation_score, tier, current_streak,
		                    longest_streak, last_activity_day, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			reputation_score = EXCLUDED.reputation_score,
			tier = EXCLUDED.tier,
			current_streak = EXCLUDED.current_streak,
			longest_streak = EXCLUDED.longest_streak,
			last_activity_day = EXCLUDED.last_activity_day,
			updated_at = now()
	`, h.ID, h.ReputationScore, h.Tier, h.CurrentStreak, h.LongestStreak, h.LastActivityDay)
	if err != nil {
		return fmt.Errorf("upsert human: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetValidator(ctx context.Context, agentID string) (*Validator, error) {
	var v Validator
	err := s.db.GetContext(ctx, &v, `
		SELECT agent_id, tier, dispute_suspended_until, created_at, updated_at
		FROM validators WHERE agent_id = $1
	`, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("validator %s", agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("get validator: %w", err)
	}
	return &v, nil
}

func (s *PostgresStore) UpdateValidatorSuspension(ctx context.Context, agentID string, until *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE validators
		SET dispute_suspended_until = $2, updated_at = now()
		WHERE agent_id = $1
	`, agentID, until)
	if err != nil {
		return fmt.Errorf("update validator suspension: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperr.NotFound("validator %s", agentID)
	}
	return nil
}

func (s *PostgresStore) ClearElapsedSuspensions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE validators
		SET dispute_suspended_until = NULL, updated_at = now()
		WHERE dispute_suspended_until IS NOT NULL AND dispute_suspended_until < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("clear elapsed suspensions: %w", err)
	}
	rows, _ := res.RowsAffected()
	return int(rows), nil
}
