package disputes

import (
	"context"
	"sync"
	"time"

	"github.com/betterworld-network/marketplace/internal/apperr"
)

// Store persists disputes.
type Store interface {
	// CreateDispute inserts a new open dispute. A second open dispute by
	// the same challenger on the same consensus is a Conflict.
	CreateDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	// ResolveDispute settles an open/admin_review dispute in one write,
	// recording the decision and payout flags together; zero matched rows
	// is a Conflict so a dispute can only settle once.
	ResolveDispute(ctx context.Context, id, decision, notes string, resolvedAt time.Time, stakeReturned, bonusPaid bool) (*Dispute, error)
	// CountDismissedSince counts the challenger's dismissed disputes
	// resolved at or after the cutoff.
	CountDismissedSince(ctx context.Context, challengerAgentID string, cutoff time.Time) (int, error)
	ListByChallenger(ctx context.Context, challengerAgentID string, limit int) ([]Dispute, error)
}

// MemoryStore implements Store in process for tests.
type MemoryStore struct {
	mu       sync.Mutex
	disputes map[string]*Dispute
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func (s *MemoryStore) CreateDispute(_ context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.disputes {
		if existing.ConsensusID == d.ConsensusID &&
			existing.ChallengerAgentID == d.ChallengerAgentID &&
			existing.Resolvable() {
			return apperr.Conflict("challenger %s already has an open dispute on %s",
				d.ChallengerAgentID, d.ConsensusID)
		}
	}
	cp := *d
	s.disputes[d.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDispute(_ context.Context, id string) (*Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disputes[id]
	if !ok {
		return nil, apperr.NotFound("dispute %s not found", id)
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ResolveDispute(_ context.Context, id, decision, notes string, resolvedAt time.Time, stakeReturned, bonusPaid bool) (*Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disputes[id]
	if !ok {
		return nil, apperr.NotFound("dispute %s not found", id)
	}
	if !d.Resolvable() {
		return nil, apperr.Conflict("dispute %s is already %s", id, d.Status)
	}
	d.Status = decision
	d.AdminDecision = &decision
	d.AdminNotes = &notes
	at := resolvedAt
	d.ResolvedAt = &at
	d.StakeReturned = stakeReturned
	d.BonusPaid = bonusPaid
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) CountDismissedSince(_ context.Context, challengerAgentID string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.disputes {
		if d.ChallengerAgentID == challengerAgentID && d.Status == StatusDismissed &&
			d.ResolvedAt != nil && !d.ResolvedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListByChallenger(_ context.Context, challengerAgentID string, limit int) ([]Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Dispute
	for _, d := range s.disputes {
		if d.ChallengerAgentID == challengerAgentID {
			out = append(out, *d)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
