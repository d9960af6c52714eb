package economy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/betterworld-network/marketplace/internal/apperr"
)

// PostgresStore implements Store on postgres.
type PostgresStore struct {
	db *sqlx.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a postgres-backed economy store.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateConsensus(ctx context.Context, c *Consensus, participantIDs []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO consensus_results (id, submission_id, content_kind, decision, finalized_at)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.SubmissionID, c.ContentKind, c.Decision, c.FinalizedAt); err != nil {
		return fmt.Errorf("insert consensus: %w", err)
	}
	for _, pid := range participantIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO consensus_participants (consensus_id, validator_id)
			VALUES ($1, $2)
		`, c.ID, pid); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetConsensus(ctx context.Context, id string) (*Consensus, error) {
	var c Consensus
	err := s.db.GetContext(ctx, &c, `
		SELECT id, submission_id, content_kind, decision, finalized_at, created_at
		FROM consensus_results WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("consensus %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get consensus: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, consensusID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT validator_id FROM consensus_participants WHERE consensus_id = $1
	`, consensusID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) CreateEvaluation(ctx context.Context, e *Evaluation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evaluations (id, consensus_id, submission_id, validator_id, status, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.ConsensusID, e.SubmissionID, e.ValidatorID, e.Status, e.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUnrewardedEvaluations(ctx context.Context, consensusID string) ([]Evaluation, error) {
	var evals []Evaluation
	err := s.db.SelectContext(ctx, &evals, `
		SELECT id, consensus_id, submission_id, validator_id, status,
		       reward_transaction_id, completed_at, created_at
		FROM evaluations
		WHERE consensus_id = $1
		  AND status = 'completed'
		  AND reward_transaction_id IS NULL
		ORDER BY created_at
	`, consensusID)
	if err != nil {
		return nil, fmt.Errorf("list unrewarded evaluations: %w", err)
	}
	return evals, nil
}

func (s *PostgresStore) MarkEvaluationRewarded(ctx context.Context, evaluationID, transactionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE evaluations
		SET reward_transaction_id = $2
		WHERE id = $1 AND reward_transaction_id IS NULL
	`, evaluationID, transactionID)
	if err != nil {
		return fmt.Errorf("mark evaluation rewarded: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperr.Conflict("evaluation %s already rewarded", evaluationID)
	}
	return nil
}
