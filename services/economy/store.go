package economy

import (
	"context"
	"sync"

	"github.com/betterworld-network/marketplace/internal/apperr"
)

// Store persists consensus results and validator evaluations.
type Store interface {
	CreateConsensus(ctx context.Context, c *Consensus, participantIDs []string) error
	GetConsensus(ctx context.Context, id string) (*Consensus, error)
	ListParticipants(ctx context.Context, consensusID string) ([]string, error)

	CreateEvaluation(ctx context.Context, e *Evaluation) error
	// ListUnrewardedEvaluations returns completed evaluations for the
	// consensus that have no reward transaction yet.
	ListUnrewardedEvaluations(ctx context.Context, consensusID string) ([]Evaluation, error)
	MarkEvaluationRewarded(ctx context.Context, evaluationID, transactionID string) error
}

// MemoryStore is the in-process Store for tests.
type MemoryStore struct {
	mu           sync.Mutex
	consensus    map[string]*Consensus
	participants map[string][]string
	evaluations  map[string]*Evaluation
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		consensus:    make(map[string]*Consensus),
		participants: make(map[string][]string),
		evaluations:  make(map[string]*Evaluation),
	}
}

func (s *MemoryStore) CreateConsensus(_ context.Context, c *Consensus, participantIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.consensus[c.ID] = &cp
	s.participants[c.ID] = append([]string(nil), participantIDs...)
	return nil
}

func (s *MemoryStore) GetConsensus(_ context.Context, id string) (*Consensus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consensus[id]
	if !ok {
		return nil, apperr.NotFound("consensus %s", id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, consensusID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.participants[consensusID]...), nil
}

func (s *MemoryStore) CreateEvaluation(_ context.Context, e *Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.evaluations[e.ID] = &cp
	return nil
}

func (s *MemoryStore) ListUnrewardedEvaluations(_ context.Context, consensusID string) ([]Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Evaluation
	for _, e := range s.evaluations {
		if e.ConsensusID == consensusID && e.Status == "completed" && e.RewardTransactionID == nil {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkEvaluationRewarded(_ context.Context, evaluationID, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.evaluations[evaluationID]
	if !ok {
		return apperr.NotFound("evaluation %s", evaluationID)
	}
	e.RewardTransactionID = &transactionID
	return nil
}
