package evidence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/betterworld-network/marketplace/internal/apperr"
)

// Store persists evidence, audit entries and peer reviews.
type Store interface {
	CreateEvidence(ctx context.Context, ev *Evidence) error
	GetEvidence(ctx context.Context, id string) (*Evidence, error)
	// GetPair returns the before and after rows sharing pairID.
	GetPair(ctx context.Context, pairID string) (before, after *Evidence, err error)
	// GetPairMember returns the row holding the given role in a pair.
	GetPairMember(ctx context.Context, pairID, role string) (*Evidence, error)

	// TransitionStage moves the evidence to the target stage only if its
	// current stage is one of from, applying the patch fields in the same
	// write; otherwise Conflict. Guards every pipeline edge against
	// concurrent double-processing, and keeps stage and verdict/score
	// consistent under a crash between them.
	TransitionStage(ctx context.Context, id string, from []string, to string, patch Patch) (*Evidence, error)
	// Update applies the non-nil fields of patch.
	Update(ctx context.Context, id string, patch Patch) (*Evidence, error)

	// AppendAudit inserts an immutable decision record.
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, evidenceID string) ([]AuditEntry, error)

	// AddPeerReview inserts a vote; a second vote from the same reviewer
	// is a Conflict. Returns the updated approve/total tallies.
	AddPeerReview(ctx context.Context, review *PeerReview) (approvals, total int, err error)
}

// MemoryStore implements Store in process for tests.
type MemoryStore struct {
	mu       sync.Mutex
	evidence map[string]*Evidence
	audit    []AuditEntry
	reviews  map[string][]PeerReview
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		evidence: make(map[string]*Evidence),
		reviews:  make(map[string][]PeerReview),
	}
}

func (s *MemoryStore) CreateEvidence(_ context.Context, ev *Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.evidence[ev.ID] = &cp
	return nil
}

func (s *MemoryStore) GetEvidence(_ context.Context, id string) (*Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.evidence[id]
	if !ok {
		return nil, apperr.NotFound("evidence %s not found", id)
	}
	cp := *ev
	return &cp, nil
}

func (s *MemoryStore) GetPair(_ context.Context, pairID string) (*Evidence, *Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var before, after *Evidence
	for _, ev := range s.evidence {
		if ev.PairID == nil || *ev.PairID != pairID || ev.PairRole == nil {
			continue
		}
		cp := *ev
		switch *ev.PairRole {
		case RoleBefore:
			before = &cp
		case RoleAfter:
			after = &cp
		}
	}
	if before == nil || after == nil {
		return nil, nil, apperr.NotFound("pair %s is incomplete", pairID)
	}
	return before, after, nil
}

func (s *MemoryStore) GetPairMember(_ context.Context, pairID, role string) (*Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.evidence {
		if ev.PairID != nil && *ev.PairID == pairID && ev.PairRole != nil && *ev.PairRole == role {
			cp := *ev
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("pair %s has no %s submission", pairID, role)
}

func (s *MemoryStore) TransitionStage(_ context.Context, id string, from []string, to string, patch Patch) (*Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.evidence[id]
	if !ok {
		return nil, apperr.NotFound("evidence %s not found", id)
	}
	allowed := false
	for _, f := range from {
		if ev.VerificationStage == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, apperr.Conflict("evidence %s is %s, cannot move to %s", id, ev.VerificationStage, to)
	}
	ev.VerificationStage = to
	applyPatch(ev, patch)
	ev.UpdatedAt = time.Now().UTC()
	cp := *ev
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, patch Patch) (*Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.evidence[id]
	if !ok {
		return nil, apperr.NotFound("evidence %s not found", id)
	}
	applyPatch(ev, patch)
	ev.UpdatedAt = time.Now().UTC()
	cp := *ev
	return &cp, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, *entry)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, evidenceID string) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEntry
	for _, e := range s.audit {
		if e.EvidenceID == evidenceID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AddPeerReview(_ context.Context, review *PeerReview) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.evidence[review.EvidenceID]
	if !ok {
		return 0, 0, apperr.NotFound("evidence %s not found", review.EvidenceID)
	}
	for _, r := range s.reviews[review.EvidenceID] {
		if r.ReviewerID == review.ReviewerID {
			return 0, 0, apperr.Conflict("reviewer %s already voted on %s", review.ReviewerID, review.EvidenceID)
		}
	}
	s.reviews[review.EvidenceID] = append(s.reviews[review.EvidenceID], *review)

	approvals, total := 0, 0
	for _, r := range s.reviews[review.EvidenceID] {
		total++
		if r.Approve {
			approvals++
		}
	}
	ev.PeerReviewCount = total
	ev.UpdatedAt = time.Now().UTC()
	return approvals, total, nil
}

func applyPatch(ev *Evidence, patch Patch) {
	if patch.AIScore != nil {
		ev.AIScore = patch.AIScore
	}
	if patch.FinalVerdict != nil {
		ev.FinalVerdict = patch.FinalVerdict
	}
	if patch.FinalConfidence != nil {
		ev.FinalConfidence = patch.FinalConfidence
	}
	if patch.RewardTransactionID != nil {
		ev.RewardTransactionID = patch.RewardTransactionID
	}
	if patch.AppealedAt != nil {
		ev.AppealedAt = patch.AppealedAt
	}
}
