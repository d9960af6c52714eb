package missions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/betterworld-network/marketplace/internal/apperr"
)

// Store persists missions and claims. Claim and ReleaseClaim must run their
// read-check-write cycle atomically; on postgres the mission row is locked
// FOR UPDATE SKIP LOCKED so claimants for different missions never block
// each other.
type Store interface {
	CreateMission(ctx context.Context, m *Mission) error
	GetMission(ctx context.Context, id string) (*Mission, error)
	ListOpenMissions(ctx context.Context, limit int) ([]Mission, error)

	// Claim atomically validates all claim preconditions against a frozen
	// view of the mission and inserts the claim.
	Claim(ctx context.Context, missionID, humanID string, deadline time.Time) (*Claim, error)
	GetClaim(ctx context.Context, id string) (*Claim, error)
	// UpdateClaimFields applies partial updates to an active claim.
	UpdateClaimFields(ctx context.Context, claimID string, progress *int, notes *string) (*Claim, error)
	// ReleaseClaim moves an active/submitted claim to toStatus and
	// decrements the mission's claim count, floored at zero.
	ReleaseClaim(ctx context.Context, claimID, toStatus string) (*Claim, error)
	// MarkClaimStatus transitions a claim without touching the count
	// (active -> submitted -> verified), and rolls the mission status
	// forward once every slot has caught up with the moved claim.
	MarkClaimStatus(ctx context.Context, claimID, fromStatus, toStatus string) (*Claim, error)
	CountActiveClaims(ctx context.Context, humanID string) (int, error)

	// UpdateMissionVersioned applies patch iff version matches; reports
	// Conflict when it does not.
	UpdateMissionVersioned(ctx context.Context, missionID string, patch MissionPatch, expectedVersion int) (*Mission, error)
	SetGuardrailStatus(ctx context.Context, missionID, status string) (*Mission, error)
	ArchiveMission(ctx context.Context, missionID string) error
	CountMissionActiveClaims(ctx context.Context, missionID string) (int, error)

	// ExpireOverdueClaims releases active claims past their deadline and
	// returns the released claim ids. Used by the sweeper.
	ExpireOverdueClaims(ctx context.Context, now time.Time) ([]string, error)
	// ExpireMissions marks unarchived missions past their expires_at as
	// expired and returns their ids. Used by the sweeper.
	ExpireMissions(ctx context.Context, now time.Time) ([]string, error)
}

// MemoryStore implements Store in process with a single mutex standing in
// for row locks. Used by tests across service packages.
type MemoryStore struct {
	mu       sync.Mutex
	missions map[string]*Mission
	claims   map[string]*Claim
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		missions: make(map[string]*Mission),
		claims:   make(map[string]*Claim),
	}
}

func (s *MemoryStore) CreateMission(_ context.Context, m *Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	cp := *m
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.missions[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMission(_ context.Context, id string) (*Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getMissionLocked(id)
}

func (s *MemoryStore) getMissionLocked(id string) (*Mission, error) {
	m, ok := s.missions[id]
	if !ok || m.ArchivedAt != nil {
		return nil, apperr.NotFound("mission %s", id)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListOpenMissions(_ context.Context, limit int) ([]Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Mission
	for _, m := range s.missions {
		if m.ArchivedAt == nil && (m.Status == StatusOpen || m.Status == StatusClaimed) {
			out = append(out, *m)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) Claim(_ context.Context, missionID, humanID string, deadline time.Time) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.missions[missionID]
	if !ok || m.ArchivedAt != nil {
		return nil, apperr.NotFound("mission %s", missionID)
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

	active := 0
	for _, c := range s.claims {
		if c.HumanID == humanID && c.Status == ClaimActive {
			active++
		}
		if c.MissionID == missionID && c.HumanID == humanID &&
			(c.Status == ClaimActive || c.Status == ClaimSubmitted) {
			return nil, apperr.Conflict("human %s already holds a claim on mission %s", humanID, missionID)
		}
	}
	if active >= MaxActiveClaimsPerHuman {
		return nil, apperr.Forbidden("human %s already holds %d active claims", humanID, active)
	}

	now := time.Now().UTC()
	claim := &Claim{
		ID:         uuid.NewString(),
		MissionID:  missionID,
		HumanID:    humanID,
		Status:     ClaimActive,
		ClaimedAt:  now,
		DeadlineAt: deadline,
		UpdatedAt:  now,
	}
	s.claims[claim.ID] = claim
	m.CurrentClaimCount++
	if m.Status == StatusOpen {
		m.Status = StatusClaimed
	}
	m.UpdatedAt = now

	cp := *claim
	return &cp, nil
}

func (s *MemoryStore) GetClaim(_ context.Context, id string) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[id]
	if !ok {
		return nil, apperr.NotFound("claim %s", id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) UpdateClaimFields(_ context.Context, claimID string, progress *int, notes *string) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[claimID]
	if !ok {
		return nil, apperr.NotFound("claim %s", claimID)
	}
	if c.Status != ClaimActive {
		return nil, apperr.Conflict("claim %s is %s, not active", claimID, c.Status)
	}
	if progress != nil {
		c.ProgressPercent = *progress
	}
	if notes != nil {
		c.Notes = *notes
	}
	c.UpdatedAt = time.Now().UTC()

	// First reported progress on a fully-claimed mission moves it to
	// in_progress. A mission with open slots stays claimed so it keeps
	// showing up as claimable.
	if progress != nil && *progress > 0 {
		if m, ok := s.missions[c.MissionID]; ok &&
			m.Status == StatusClaimed && m.CurrentClaimCount >= m.MaxClaims {
			m.Status = StatusInProgress
			m.UpdatedAt = c.UpdatedAt
		}
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ReleaseClaim(_ context.Context, claimID, toStatus string) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[claimID]
	if !ok {
		return nil, apperr.NotFound("claim %s", claimID)
	}
	if c.Status != ClaimActive && c.Status != ClaimSubmitted {
		return nil, apperr.Conflict("claim %s is %s, cannot release", claimID, c.Status)
	}
	c.Status = toStatus
	c.UpdatedAt = time.Now().UTC()

	if m, ok := s.missions[c.MissionID]; ok {
		if m.CurrentClaimCount > 0 {
			m.CurrentClaimCount--
		}
		if (m.Status == StatusClaimed || m.Status == StatusInProgress) && m.CurrentClaimCount < m.MaxClaims {
			m.Status = StatusOpen
		}
		m.UpdatedAt = c.UpdatedAt
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) MarkClaimStatus(_ context.Context, claimID, fromStatus, toStatus string) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[claimID]
	if !ok {
		return nil, apperr.NotFound("claim %s", claimID)
	}
	if c.Status != fromStatus {
		return nil, apperr.Conflict("claim %s is %s, expected %s", claimID, c.Status, fromStatus)
	}
	c.Status = toStatus
	c.UpdatedAt = time.Now().UTC()
	s.rollUpMissionStatusLocked(c.MissionID, toStatus, c.UpdatedAt)
	cp := *c
	return &cp, nil
}

// rollUpMissionStatusLocked advances the mission once every slot has caught
// up with the claim that just moved. Missions with open slots never advance:
// they must stay claimable.
func (s *MemoryStore) rollUpMissionStatusLocked(missionID, claimStatus string, now time.Time) {
	m, ok := s.missions[missionID]
	if !ok || m.CurrentClaimCount < m.MaxClaims {
		return
	}
	switch claimStatus {
	case ClaimSubmitted:
		if (m.Status == StatusClaimed || m.Status == StatusInProgress) &&
			!s.missionHasClaimsLocked(missionID, ClaimActive) {
			m.Status = StatusSubmitted
			m.UpdatedAt = now
		}
	case ClaimVerified:
		if (m.Status == StatusClaimed || m.Status == StatusInProgress || m.Status == StatusSubmitted) &&
			!s.missionHasClaimsLocked(missionID, ClaimActive, ClaimSubmitted) {
			m.Status = StatusVerified
			m.UpdatedAt = now
		}
	}
}

func (s *MemoryStore) missionHasClaimsLocked(missionID string, statuses ...string) bool {
	for _, c := range s.claims {
		if c.MissionID != missionID {
			continue
		}
		for _, st := range statuses {
			if c.Status == st {
				return true
			}
		}
	}
	return false
}

func (s *MemoryStore) CountActiveClaims(_ context.Context, humanID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.claims {
		if c.HumanID == humanID && c.Status == ClaimActive {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UpdateMissionVersioned(_ context.Context, missionID string, patch MissionPatch, expectedVersion int) (*Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[missionID]
	if !ok || m.ArchivedAt != nil {
		return nil, apperr.NotFound("mission %s", missionID)
	}
	if m.Version != expectedVersion {
		return nil, apperr.Conflict("mission %s version is %d, expected %d", missionID, m.Version, expectedVersion)
	}
	applyPatch(m, patch)
	m.Version++
	m.GuardrailStatus = GuardrailPending
	m.UpdatedAt = time.Now().UTC()
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) SetGuardrailStatus(_ context.Context, missionID, status string) (*Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[missionID]
	if !ok || m.ArchivedAt != nil {
		return nil, apperr.NotFound("mission %s", missionID)
	}
	m.GuardrailStatus = status
	m.UpdatedAt = time.Now().UTC()
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ArchiveMission(_ context.Context, missionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[missionID]
	if !ok || m.ArchivedAt != nil {
		return apperr.NotFound("mission %s", missionID)
	}
	now := time.Now().UTC()
	m.ArchivedAt = &now
	m.Status = StatusArchived
	m.UpdatedAt = now
	return nil
}

func (s *MemoryStore) CountMissionActiveClaims(_ context.Context, missionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.claims {
		if c.MissionID == missionID && c.Status == ClaimActive {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ExpireOverdueClaims(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var released []string
	for _, c := range s.claims {
		if c.Status == ClaimActive && c.DeadlineAt.Before(now) {
			c.Status = ClaimReleased
			c.UpdatedAt = now
			if m, ok := s.missions[c.MissionID]; ok && m.CurrentClaimCount > 0 {
				m.CurrentClaimCount--
				if (m.Status == StatusClaimed || m.Status == StatusInProgress) && m.CurrentClaimCount < m.MaxClaims {
					m.Status = StatusOpen
				}
			}
			released = append(released, c.ID)
		}
	}
	return released, nil
}

func (s *MemoryStore) ExpireMissions(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []string
	for _, m := range s.missions {
		if m.ArchivedAt == nil && m.Status != StatusExpired &&
			m.ExpiresAt != nil && m.ExpiresAt.Before(now) {
			m.Status = StatusExpired
			m.UpdatedAt = now
			expired = append(expired, m.ID)
		}
	}
	return expired, nil
}

func applyPatch(m *Mission, patch MissionPatch) {
	if patch.Title != nil {
		m.Title = *patch.Title
	}
	if patch.Description != nil {
		m.Description = *patch.Description
	}
	if patch.Instructions != nil {
		m.Instructions = patch.Instructions
	}
	if patch.TokenReward != nil {
		m.TokenReward = *patch.TokenReward
	}
	if patch.MaxClaims != nil {
		m.MaxClaims = *patch.MaxClaims
	}
	if patch.ExpiresAt != nil {
		m.ExpiresAt = patch.ExpiresAt
	}
}
