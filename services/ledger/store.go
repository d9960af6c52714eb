package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/betterworld-network/marketplace/internal/apperr"
)

// Store persists balances and transactions. Apply must execute the balance
// read, the insufficiency check, the entry insert, and the balance update as
// one atomic unit, and must treat a duplicate idempotency key as a replay
// (returning the recorded entry without re-applying the mutation).
type Store interface {
	// Apply writes entry atomically. The entry's BalanceBefore/BalanceAfter
	// fields are filled in by the store from the current balance. replayed
	// is true when the idempotency key already existed.
	Apply(ctx context.Context, entry *Entry) (applied *Entry, replayed bool, err error)
	Balance(ctx context.Context, ledger Kind, ownerID string) (int64, error)
	History(ctx context.Context, ledger Kind, ownerID string, limit int) ([]Entry, error)
	ByIdempotencyKey(ctx context.Context, key string) (*Entry, error)
}

// MemoryStore is the in-process Store used by tests and by the other service
// packages' test suites.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[balanceKey]int64
	entries  []Entry
	byKey    map[string]int
}

type balanceKey struct {
	ledger Kind
	owner  string
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[balanceKey]int64),
		byKey:    make(map[string]int),
	}
}

func (s *MemoryStore) Apply(_ context.Context, entry *Entry) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.byKey[entry.IdempotencyKey]; ok {
		existing := s.entries[idx]
		return &existing, true, nil
	}

	key := balanceKey{entry.Ledger, entry.OwnerID}
	balance := s.balances[key]

	if entry.Amount < 0 && balance+entry.Amount < 0 {
		return nil, false, apperr.InsufficientBalance(
			"owner %s has %d, needs %d", entry.OwnerID, balance, -entry.Amount)
	}

	applied := *entry
	applied.BalanceBefore = balance
	applied.BalanceAfter = balance + entry.Amount
	if applied.CreatedAt.IsZero() {
		applied.CreatedAt = time.Now().UTC()
	}

	s.balances[key] = applied.BalanceAfter
	s.entries = append(s.entries, applied)
	s.byKey[applied.IdempotencyKey] = len(s.entries) - 1

	out := applied
	return &out, false, nil
}

func (s *MemoryStore) Balance(_ context.Context, ledger Kind, ownerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[balanceKey{ledger, ownerID}], nil
}

func (s *MemoryStore) History(_ context.Context, ledger Kind, ownerID string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for i := len(s.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		e := s.entries[i]
		if e.Ledger == ledger && e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) ByIdempotencyKey(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byKey[key]
	if !ok {
		return nil, apperr.NotFound("ledger entry with key %s", key)
	}
	e := s.entries[idx]
	return &e, nil
}
