package missions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/betterworld-network/marketplace/internal/apperr"
	"github.com/betterworld-network/marketplace/internal/metrics"
)

// Service is the mission claim coordinator.
type Service struct {
	store Store
	log   *zap.SugaredLogger
	now   func() time.Time
}

// New creates the coordinator.
func New(store Store, log *zap.SugaredLogger) *Service {
	return &Service{store: store, log: log.With("component", "missions"), now: time.Now}
}

// SetClock overrides the clock, for deadline tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// CreateMission creates a mission from an approved solution. New missions
// start guardrail-pending; they become claimable once the guardrail pipeline
// approves them.
func (s *Service) CreateMission(ctx context.Context, req CreateMissionRequest) (*Mission, error) {
	if req.CreatorAgentID == "" || req.SolutionID == "" {
		return nil, apperr.Validation("creator agent id and solution id are required")
	}
	if req.Title == "" {
		return nil, apperr.Validation("title is required")
	}
	if req.MaxClaims <= 0 {
		return nil, apperr.Validation("max claims must be positive, got %d", req.MaxClaims)
	}
	if req.TokenReward <= 0 {
		return nil, apperr.Validation("token reward must be positive, got %d", req.TokenReward)
	}

	m := &Mission{
		ID:              uuid.NewString(),
		CreatorAgentID:  req.CreatorAgentID,
		SolutionID:      req.SolutionID,
		Title:           req.Title,
		Description:     req.Description,
		Instructions:    req.Instructions,
		TokenReward:     req.TokenReward,
		MaxClaims:       req.MaxClaims,
		Status:          StatusOpen,
		GuardrailStatus: GuardrailPending,
		Version:         1,
		ExpiresAt:       req.ExpiresAt,
	}
	if err := s.store.CreateMission(ctx, m); err != nil {
		return nil, err
	}
	s.log.Infow("mission created", "mission", m.ID, "creator", m.CreatorAgentID, "max_claims", m.MaxClaims)
	return m, nil
}

// SetGuardrailStatus records the guardrail pipeline's verdict on a mission.
func (s *Service) SetGuardrailStatus(ctx context.Context, missionID, status string) (*Mission, error) {
	if status != GuardrailApproved && status != GuardrailRejected && status != GuardrailPending {
		return nil, apperr.Validation("unknown guardrail status %q", status)
	}
	return s.store.SetGuardrailStatus(ctx, missionID, status)
}

// GetMission returns the mission if it exists and is not archived.
func (s *Service) GetMission(ctx context.Context, id string) (*Mission, error) {
	return s.store.GetMission(ctx, id)
}

// GetClaim reads one claim.
func (s *Service) GetClaim(ctx context.Context, id string) (*Claim, error) {
	return s.store.GetClaim(ctx, id)
}

// ListOpenMissions lists claimable missions.
func (s *Service) ListOpenMissions(ctx context.Context, limit int) ([]Mission, error) {
	return s.store.ListOpenMissions(ctx, limit)
}

// Claim atomically claims a slot on the mission for the human. All
// preconditions (mission claimable and approved, capacity, the human's
// system-wide limit of 3 active claims, no duplicate claim on this mission)
// are checked against a frozen view under the mission row lock.
func (s *Service) Claim(ctx context.Context, missionID, humanID string) (*Claim, error) {
	if missionID == "" || humanID == "" {
		return nil, apperr.Validation("mission id and human id are required")
	}

	deadline := s.now().UTC().Add(ClaimDuration)
	claim, err := s.store.Claim(ctx, missionID, humanID, deadline)
	if err != nil {
		metrics.MissionClaims.WithLabelValues(string(apperr.CodeOf(err))).Inc()
		return nil, err
	}
	metrics.MissionClaims.WithLabelValues("ok").Inc()
	s.log.Infow("mission claimed", "mission", missionID, "human", humanID, "claim", claim.ID, "deadline", claim.DeadlineAt)
	return claim, nil
}

// UpdateClaim applies a partial update to the caller's active claim.
// Abandon releases the slot and decrements the mission's count atomically.
func (s *Service) UpdateClaim(ctx context.Context, claimID, humanID string, req UpdateClaimRequest) (*Claim, error) {
	claim, err := s.store.GetClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if claim.HumanID != humanID {
		return nil, apperr.Forbidden("claim %s does not belong to human %s", claimID, humanID)
	}
	if claim.Status != ClaimActive {
		return nil, apperr.Conflict("claim %s is %s, not active", claimID, claim.Status)
	}

	if req.Abandon {
		released, err := s.store.ReleaseClaim(ctx, claimID, ClaimAbandoned)
		if err != nil {
			return nil, err
		}
		s.log.Infow("claim abandoned", "claim", claimID, "mission", claim.MissionID)
		return released, nil
	}

	if req.ProgressPercent != nil && (*req.ProgressPercent < 0 || *req.ProgressPercent > 100) {
		return nil, apperr.Validation("progress must be 0-100, got %d", *req.ProgressPercent)
	}
	return s.store.UpdateClaimFields(ctx, claimID, req.ProgressPercent, req.Notes)
}

// MarkClaimSubmitted transitions a claim to submitted when evidence arrives.
func (s *Service) MarkClaimSubmitted(ctx context.Context, claimID string) (*Claim, error) {
	return s.store.MarkClaimStatus(ctx, claimID, ClaimActive, ClaimSubmitted)
}

// MarkClaimVerified finalizes a claim after evidence verification.
func (s *Service) MarkClaimVerified(ctx context.Context, claimID string) (*Claim, error) {
	return s.store.MarkClaimStatus(ctx, claimID, ClaimSubmitted, ClaimVerified)
}

// UpdateMission applies an owner edit with optimistic versioning. Active
// claims block structural changes; a version mismatch reports a retryable
// conflict, never a silent no-op. Edits reset the guardrail status to
// pending for re-approval.
func (s *Service) UpdateMission(ctx context.Context, missionID, agentID string, patch MissionPatch, expectedVersion int) (*Mission, error) {
	m, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if m.CreatorAgentID != agentID {
		return nil, apperr.Forbidden("mission %s does not belong to agent %s", missionID, agentID)
	}

	active, err := s.store.CountMissionActiveClaims(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if active > 0 {
		return nil, apperr.Conflict("mission %s has %d active claims blocking edits", missionID, active)
	}
	if patch.MaxClaims != nil && *patch.MaxClaims < m.CurrentClaimCount {
		return nil, apperr.Validation("max claims %d below current claim count %d", *patch.MaxClaims, m.CurrentClaimCount)
	}

	updated, err := s.store.UpdateMissionVersioned(ctx, missionID, patch, expectedVersion)
	if err != nil {
		return nil, err
	}
	s.log.Infow("mission updated", "mission", missionID, "version", updated.Version)
	return updated, nil
}

// ArchiveMission soft-deletes a mission once no active claims remain.
func (s *Service) ArchiveMission(ctx context.Context, missionID, agentID string) error {
	m, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if m.CreatorAgentID != agentID {
		return apperr.Forbidden("mission %s does not belong to agent %s", missionID, agentID)
	}

	active, err := s.store.CountMissionActiveClaims(ctx, missionID)
	if err != nil {
		return err
	}
	if active > 0 {
		return apperr.Conflict("mission %s has %d active claims blocking archive", missionID, active)
	}
	return s.store.ArchiveMission(ctx, missionID)
}
