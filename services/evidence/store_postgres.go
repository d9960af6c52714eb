package evidence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/betterworld-network/marketplace/internal/apperr"
)

const evidenceColumns = `id, mission_id, claim_id, human_id, evidence_type, content_url, text_content,
	verification_stage, ai_score, peer_review_count, peer_reviews_needed, final_verdict,
	final_confidence, reward_transaction_id, pair_id, pair_role, appealed_at, created_at, updated_at`

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateEvidence(ctx context.Context, ev *Evidence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence (id, mission_id, claim_id, human_id, evidence_type, content_url, text_content,
			verification_stage, peer_reviews_needed, pair_id, pair_role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ev.ID, ev.MissionID, ev.ClaimID, ev.HumanID, ev.EvidenceType, ev.ContentURL, ev.TextContent,
		ev.VerificationStage, ev.PeerReviewsNeeded, ev.PairID, ev.PairRole, ev.CreatedAt, ev.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting evidence: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEvidence(ctx context.Context, id string) (*Evidence, error) {
	var ev Evidence
	err := s.db.GetContext(ctx, &ev,
		`SELECT `+evidenceColumns+` FROM evidence WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("evidence %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting evidence: %w", err)
	}
	return &ev, nil
}

func (s *PostgresStore) GetPair(ctx context.Context, pairID string) (*Evidence, *Evidence, error) {
	var rows []Evidence
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+evidenceColumns+` FROM evidence WHERE pair_id = $1`, pairID)
	if err != nil {
		return nil, nil, fmt.Errorf("selecting pair: %w", err)
	}
	var before, after *Evidence
	for i := range rows {
		if rows[i].PairRole == nil {
			continue
		}
		switch *rows[i].PairRole {
		case RoleBefore:
			before = &rows[i]
		case RoleAfter:
			after = &rows[i]
		}
	}
	if before == nil || after == nil {
		return nil, nil, apperr.NotFound("pair %s is incomplete", pairID)
	}
	return before, after, nil
}

func (s *PostgresStore) GetPairMember(ctx context.Context, pairID, role string) (*Evidence, error) {
	var ev Evidence
	err := s.db.GetContext(ctx, &ev,
		`SELECT `+evidenceColumns+` FROM evidence WHERE pair_id = $1 AND pair_role = $2 LIMIT 1`,
		pairID, role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("pair %s has no %s submission", pairID, role)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting pair member: %w", err)
	}
	return &ev, nil
}

func (s *PostgresStore) TransitionStage(ctx context.Context, id string, from []string, to string, patch Patch) (*Evidence, error) {
	sets := []string{"verification_stage = $2", "updated_at = now()"}
	args := []any{id, to, pq.Array(from)}
	appendPatchSets(&sets, &args, patch)

	var ev Evidence
	query := `UPDATE evidence SET ` + strings.Join(sets, ", ") +
		` WHERE id = $1 AND verification_stage = ANY($3) RETURNING ` + evidenceColumns
	err := s.db.GetContext(ctx, &ev, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish a missing row from a lost stage race.
		if _, gerr := s.GetEvidence(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, apperr.Conflict("evidence %s is not in a stage that allows %s", id, to)
	}
	if err != nil {
		return nil, fmt.Errorf("transitioning evidence stage: %w", err)
	}
	return &ev, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, patch Patch) (*Evidence, error) {
	sets := []string{"updated_at = now()"}
	args := []any{id}
	appendPatchSets(&sets, &args, patch)

	var ev Evidence
	query := `UPDATE evidence SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 RETURNING ` + evidenceColumns
	err := s.db.GetContext(ctx, &ev, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("evidence %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("updating evidence: %w", err)
	}
	return &ev, nil
}

func appendPatchSets(sets *[]string, args *[]any, patch Patch) {
	add := func(column string, v any) {
		*args = append(*args, v)
		*sets = append(*sets, fmt.Sprintf("%s = $%d", column, len(*args)))
	}
	if patch.AIScore != nil {
		add("ai_score", *patch.AIScore)
	}
	if patch.FinalVerdict != nil {
		add("final_verdict", *patch.FinalVerdict)
	}
	if patch.FinalConfidence != nil {
		add("final_confidence", *patch.FinalConfidence)
	}
	if patch.RewardTransactionID != nil {
		add("reward_transaction_id", *patch.RewardTransactionID)
	}
	if patch.AppealedAt != nil {
		add("appealed_at", *patch.AppealedAt)
	}
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_audit_log (id, evidence_id, decision_source, decision, score, reasoning, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.EvidenceID, entry.DecisionSource, entry.Decision,
		entry.Score, entry.Reasoning, entry.Metadata, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, evidenceID string) ([]AuditEntry, error) {
	var out []AuditEntry
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, evidence_id, decision_source, decision, score, reasoning, metadata, created_at
		FROM evidence_audit_log WHERE evidence_id = $1 ORDER BY created_at`, evidenceID)
	if err != nil {
		return nil, fmt.Errorf("selecting audit log: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AddPeerReview(ctx context.Context, review *PeerReview) (int, int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("beginning peer review tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO peer_reviews (id, evidence_id, reviewer_id, approve, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		review.ID, review.EvidenceID, review.ReviewerID, review.Approve, review.Notes, review.CreatedAt)
	if isUniqueViolation(err) {
		return 0, 0, apperr.Conflict("reviewer %s already voted on %s", review.ReviewerID, review.EvidenceID)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("inserting peer review: %w", err)
	}

	var tally struct {
		Approvals int `db:"approvals"`
		Total     int `db:"total"`
	}
	err = tx.GetContext(ctx, &tally, `
		SELECT count(*) FILTER (WHERE approve) AS approvals, count(*) AS total
		FROM peer_reviews WHERE evidence_id = $1`, review.EvidenceID)
	if err != nil {
		return 0, 0, fmt.Errorf("tallying peer reviews: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE evidence SET peer_review_count = $2, updated_at = now() WHERE id = $1`,
		review.EvidenceID, tally.Total)
	if err != nil {
		return 0, 0, fmt.Errorf("updating review count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, 0, apperr.NotFound("evidence %s not found", review.EvidenceID)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("committing peer review: %w", err)
	}
	return tally.Approvals, tally.Total, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
