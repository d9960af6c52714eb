package missions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/betterworld-network/marketplace/internal/apperr"
)

// PostgresStore implements Store on postgres. Mission rows are acquired with
// FOR UPDATE SKIP LOCKED during claims: concurrent claimants on the same
// mission serialize (the loser sees the row skipped and reports a conflict),
// while claimants on different missions never block each other.
type PostgresStore struct {
	db *sqlx.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a postgres-backed mission store.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const missionColumns = `
	id, creator_agent_id, solution_id, title, description, instructions,
	token_reward, max_claims, current_claim_count, status, guardrail_status,
	version, expires_at, archived_at, created_at, updated_at`

const claimColumns = `
	id, mission_id, human_id, status, progress_percent, notes,
	claimed_at, deadline_at, updated_at`

func (s *PostgresStore) CreateMission(ctx context.Context, m *Mission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO missions
			(id, creator_agent_id, solution_id, title, description, instructions,
			 token_reward, max_claims, status, guardrail_status, version, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11)
	`, m.ID, m.CreatorAgentID, m.SolutionID, m.Title, m.Description,
		nullableJSON(m.Instructions), m.TokenReward, m.MaxClaims,
		m.Status, m.GuardrailStatus, m.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert mission: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMission(ctx context.Context, id string) (*Mission, error) {
	var m Mission
	err := s.db.GetContext(ctx, &m, `
		SELECT `+missionColumns+`
		FROM missions WHERE id = $1 AND archived_at IS NULL
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("mission %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get mission: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) ListOpenMissions(ctx context.Context, limit int) ([]Mission, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Mission
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+missionColumns+`
		FROM missions
		WHERE archived_at IS NULL AND status IN ('open', 'claimed')
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list open missions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Claim(ctx context.Context, missionID, humanID string, deadline time.Time) (*Claim, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	// Lock the mission row first so every dependent read below sees a
	// frozen, consistent view.
	var m Mission
	err = tx.GetContext(ctx, &m, `
		SELECT `+missionColumns+`
		FROM missions
		WHERE id = $1 AND archived_at IS NULL
		FOR UPDATE SKIP LOCKED
	`, missionID)
	if errors.Is(err, sql.ErrNoRows) {
		// Either the mission does not exist or another claimant holds the
		// lock right now. Distinguish so the caller gets the right error.
		var exists bool
		if err := tx.GetContext(ctx, &exists, `
			SELECT EXISTS (SELECT 1 FROM missions WHERE id = $1 AND archived_at IS NULL)
		`, missionID); err != nil {
			return nil, fmt.Errorf("check mission existence: %w", err)
		}
		if exists {
			return nil, apperr.Conflict("mission %s is being claimed, retry", missionID)
		}
		return nil, apperr.NotFound("mission %s", missionID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock mission: %w", err)
	}

	if m.Status != StatusOpen && m.Status != StatusClaimed {
		return nil, apperr.Conflict("mission %s is %s, not claimable", missionID, m.Status)
	}
	if m.GuardrailStatus != GuardrailApproved {
		return nil, apperr.Forbidden("mission %s is not guardrail-approved", missionID)
	}
	if m.CurrentClaimCount >= m.MaxClaims {
		return nil, apperr.Conflict("mission %s is fully claimed", missionID)
	}

	var activeCount int
	if err := tx.GetContext(ctx, &activeCount, `
		SELECT count(*) FROM mission_claims WHERE human_id = $1 AND status = 'active'
	`, humanID); err != nil {
		return nil, fmt.Errorf("count active claims: %w", err)
	}
	if activeCount >= MaxActiveClaimsPerHuman {
		return nil, apperr.Forbidden("human %s already holds %d active claims", humanID, activeCount)
	}

	var duplicate bool
	if err := tx.GetContext(ctx, &duplicate, `
		SELECT EXISTS (
			SELECT 1 FROM mission_claims
			WHERE mission_id = $1 AND human_id = $2 AND status IN ('active', 'submitted')
		)
	`, missionID, humanID); err != nil {
		return nil, fmt.Errorf("check duplicate claim: %w", err)
	}
	if duplicate {
		return nil, apperr.Conflict("human %s already holds a claim on mission %s", humanID, missionID)
	}

	claim := &Claim{
		ID:         uuid.NewString(),
		MissionID:  missionID,
		HumanID:    humanID,
		Status:     ClaimActive,
		ClaimedAt:  time.Now().UTC(),
		DeadlineAt: deadline,
	}
	claim.UpdatedAt = claim.ClaimedAt

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mission_claims (id, mission_id, human_id, status, claimed_at, deadline_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, claim.ID, claim.MissionID, claim.HumanID, claim.Status, claim.ClaimedAt, claim.DeadlineAt); err != nil {
		return nil, fmt.Errorf("insert claim: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE missions
		SET current_claim_count = current_claim_count + 1,
		    status = CASE WHEN status = 'open' THEN 'claimed' ELSE status END,
		    updated_at = now()
		WHERE id = $1
	`, missionID); err != nil {
		return nil, fmt.Errorf("increment claim count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return claim, nil
}

func (s *PostgresStore) GetClaim(ctx context.Context, id string) (*Claim, error) {
	var c Claim
	err := s.db.GetContext(ctx, &c, `
		SELECT `+claimColumns+` FROM mission_claims WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("claim %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) UpdateClaimFields(ctx context.Context, claimID string, progress *int, notes *string) (*Claim, error) {
	var c Claim
	err := s.db.GetContext(ctx, &c, `
		UPDATE mission_claims
		SET progress_percent = COALESCE($2, progress_percent),
		    notes = COALESCE($3, notes),
		    updated_at = now()
		WHERE id = $1 AND status = 'active'
		RETURNING `+claimColumns+`
	`, claimID, progress, notes)
	if errors.Is(err, sql.ErrNoRows) {
		// Missing or not active; look again to report precisely.
		existing, getErr := s.GetClaim(ctx, claimID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, apperr.Conflict("claim %s is %s, not active", claimID, existing.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("update claim: %w", err)
	}

	// First reported progress on a fully-claimed mission moves it to
	// in_progress. A mission with open slots stays claimed so it keeps
	// showing up as claimable.
	if progress != nil && *progress > 0 {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE missions
			SET status = 'in_progress', updated_at = now()
			WHERE id = $1 AND status = 'claimed' AND current_claim_count >= max_claims
		`, c.MissionID); err != nil {
			return nil, fmt.Errorf("advance mission to in_progress: %w", err)
		}
	}
	return &c, nil
}

func (s *PostgresStore) ReleaseClaim(ctx context.Context, claimID, toStatus string) (*Claim, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin release tx: %w", err)
	}
	defer tx.Rollback()

	var c Claim
	err = tx.GetContext(ctx, &c, `
		SELECT `+claimColumns+` FROM mission_claims WHERE id = $1 FOR UPDATE
	`, claimID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("claim %s", claimID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock claim: %w", err)
	}
	if c.Status != ClaimActive && c.Status != ClaimSubmitted {
		return nil, apperr.Conflict("claim %s is %s, cannot release", claimID, c.Status)
	}

	if err := tx.GetContext(ctx, &c, `
		UPDATE mission_claims SET status = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+claimColumns+`
	`, claimID, toStatus); err != nil {
		return nil, fmt.Errorf("release claim: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE missions
		SET current_claim_count = GREATEST(current_claim_count - 1, 0),
		    status = CASE
		        WHEN status IN ('claimed', 'in_progress') AND current_claim_count - 1 < max_claims THEN 'open'
		        ELSE status
		    END,
		    updated_at = now()
		WHERE id = $1
	`, c.MissionID); err != nil {
		return nil, fmt.Errorf("decrement claim count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit release tx: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) MarkClaimStatus(ctx context.Context, claimID, fromStatus, toStatus string) (*Claim, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mark tx: %w", err)
	}
	defer tx.Rollback()

	var c Claim
	err = tx.GetContext(ctx, &c, `
		UPDATE mission_claims SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING `+claimColumns+`
	`, claimID, fromStatus, toStatus)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := s.GetClaim(ctx, claimID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, apperr.Conflict("claim %s is %s, expected %s", claimID, existing.Status, fromStatus)
	}
	if err != nil {
		return nil, fmt.Errorf("mark claim status: %w", err)
	}

	// Roll the mission forward once every slot has caught up with the
	// moved claim. Missions with open slots never advance: they must stay
	// claimable.
	switch toStatus {
	case ClaimSubmitted:
		_, err = tx.ExecContext(ctx, `
			UPDATE missions m
			SET status = 'submitted', updated_at = now()
			WHERE m.id = $1 AND m.status IN ('claimed', 'in_progress')
			  AND m.current_claim_count >= m.max_claims
			  AND NOT EXISTS (
			      SELECT 1 FROM mission_claims c
			      WHERE c.mission_id = m.id AND c.status = 'active')
		`, c.MissionID)
	case ClaimVerified:
		_, err = tx.ExecContext(ctx, `
			UPDATE missions m
			SET status = 'verified', updated_at = now()
			WHERE m.id = $1 AND m.status IN ('claimed', 'in_progress', 'submitted')
			  AND m.current_claim_count >= m.max_claims
			  AND NOT EXISTS (
			      SELECT 1 FROM mission_claims c
			      WHERE c.mission_id = m.id AND c.status IN ('active', 'submitted'))
		`, c.MissionID)
	}
	if err != nil {
		return nil, fmt.Errorf("roll up mission status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mark tx: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) CountActiveClaims(ctx context.Context, humanID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT count(*) FROM mission_claims WHERE human_id = $1 AND status = 'active'
	`, humanID)
	if err != nil {
		return 0, fmt.Errorf("count active claims: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) UpdateMissionVersioned(ctx context.Context, missionID string, patch MissionPatch, expectedVersion int) (*Mission, error) {
	current, err := s.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	applyPatch(current, patch)

	var m Mission
	err = s.db.GetContext(ctx, &m, `
		UPDATE missions
		SET title = $3, description = $4, instructions = $5, token_reward = $6,
		    max_claims = $7, expires_at = $8,
		    guardrail_status = 'pending',
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1 AND version = $2 AND archived_at IS NULL
		RETURNING `+missionColumns+`
	`, missionID, expectedVersion, current.Title, current.Description,
		nullableJSON(current.Instructions), current.TokenReward,
		current.MaxClaims, current.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Conflict("mission %s version changed, expected %d", missionID, expectedVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("versioned mission update: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) SetGuardrailStatus(ctx context.Context, missionID, status string) (*Mission, error) {
	var m Mission
	err := s.db.GetContext(ctx, &m, `
		UPDATE missions SET guardrail_status = $2, updated_at = now()
		WHERE id = $1 AND archived_at IS NULL
		RETURNING `+missionColumns+`
	`, missionID, status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("mission %s", missionID)
	}
	if err != nil {
		return nil, fmt.Errorf("set guardrail status: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) ArchiveMission(ctx context.Context, missionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE missions
		SET archived_at = now(), status = 'archived', updated_at = now()
		WHERE id = $1 AND archived_at IS NULL
	`, missionID)
	if err != nil {
		return fmt.Errorf("archive mission: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperr.NotFound("mission %s", missionID)
	}
	return nil
}

func (s *PostgresStore) CountMissionActiveClaims(ctx context.Context, missionID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT count(*) FROM mission_claims WHERE mission_id = $1 AND status = 'active'
	`, missionID)
	if err != nil {
		return 0, fmt.Errorf("count mission active claims: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ExpireOverdueClaims(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin expire tx: %w", err)
	}
	defer tx.Rollback()

	var expired []Claim
	if err := tx.SelectContext(ctx, &expired, `
		SELECT `+claimColumns+`
		FROM mission_claims
		WHERE status = 'active' AND deadline_at < $1
		FOR UPDATE SKIP LOCKED
	`, now); err != nil {
		return nil, fmt.Errorf("find overdue claims: %w", err)
	}

	var ids []string
	for _, c := range expired {
		if _, err := tx.ExecContext(ctx, `
			UPDATE mission_claims SET status = 'released', updated_at = now() WHERE id = $1
		`, c.ID); err != nil {
			return nil, fmt.Errorf("release overdue claim: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE missions
			SET current_claim_count = GREATEST(current_claim_count - 1, 0),
			    status = CASE
			        WHEN status IN ('claimed', 'in_progress') AND current_claim_count - 1 < max_claims THEN 'open'
			        ELSE status
			    END,
			    updated_at = now()
			WHERE id = $1
		`, c.MissionID); err != nil {
			return nil, fmt.Errorf("decrement for overdue claim: %w", err)
		}
		ids = append(ids, c.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expire tx: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) ExpireMissions(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		UPDATE missions
		SET status = 'expired', updated_at = now()
		WHERE archived_at IS NULL AND status <> 'expired'
		  AND expires_at IS NOT NULL AND expires_at < $1
		RETURNING id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("expire missions: %w", err)
	}
	return ids, nil
}

func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
