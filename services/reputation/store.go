package reputation

import (
	"context"
	"sync"
	"time"

	"github.com/betterworld-network/marketplace/internal/apperr"
)

// Store persists human and validator records.
type Store interface {
	GetHuman(ctx context.Context, id string) (*Human, error)
	UpsertHuman(ctx context.Context, h *Human) error

	GetValidator(ctx context.Context, agentID string) (*Validator, error)
	UpdateValidatorSuspension(ctx context.Context, agentID string, until *time.Time) error
	// ClearElapsedSuspensions nulls suspensions that have passed and
	// returns how many were cleared. Used by the sweeper.
	ClearElapsedSuspensions(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore is the in-process Store for tests.
type MemoryStore struct {
	mu         sync.Mutex
	humans     map[string]*Human
	validators map[string]*Validator
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		humans:     make(map[string]*Human),
		validators: make(map[string]*Validator),
	}
}

// PutValidator seeds a validator record (test helper).
func (s *MemoryStore) PutValidator(v *Validator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	s.validators[v.AgentID] = &cp
}

func (s *MemoryStore) GetHuman(_ context.Context, id string) (*Human, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.humans[id]
	if !ok {
		return nil, apperr.NotFound("human %s", id)
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) UpsertHuman(_ context.Context, h *Human) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *h
	cp.UpdatedAt = time.Now().UTC()
	if existing, ok := s.humans[h.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	s.humans[h.ID] = &cp
	return nil
}

func (s *MemoryStore) GetValidator(_ context.Context, agentID string) (*Validator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validators[agentID]
	if !ok {
		return nil, apperr.NotFound("validator %s", agentID)
	}
	cp := *v
	return &cp, nil
}

func (s *MemoryStore) UpdateValidatorSuspension(_ context.Context, agentID string, until *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validators[agentID]
	if !ok {
		return apperr.NotFound("validator %s", agentID)
	}
	v.DisputeSuspendedUntil = until
	v.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ClearElapsedSuspensions(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cleared := 0
	for _, v := range s.validators {
		if v.DisputeSuspendedUntil != nil && v.DisputeSuspendedUntil.Before(now) {
			v.DisputeSuspendedUntil = nil
			v.UpdatedAt = now
			cleared++
		}
	}
	return cleared, nil
}
