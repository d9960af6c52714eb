// Package cache provides the atomic counter used for spend budgets and
// per-user rate limits.
package cache

import (
	"context"
	"sync"
	"time"
)

// Counter is a key-value counter with atomic increment and per-key expiry.
type Counter interface {
	// IncrBy atomically adds n to key, setting ttl on first write, and
	// returns the new value.
	IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error)
	// Get returns the current value, or 0 when the key is absent/expired.
	Get(ctx context.Context, key string) (int64, error)
}

// Memory is an in-process Counter for tests and single-node deployments.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     int64
	expiresAt time.Time
}

// NewMemory creates an in-process counter.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*memoryEntry), now: time.Now}
}

// SetClock overrides the clock, for tests exercising expiry.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

func (m *Memory) IncrBy(_ context.Context, key string, n int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[key]
	if !ok || (!e.expiresAt.IsZero() && now.After(e.expiresAt)) {
		e = &memoryEntry{}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
		m.entries[key] = e
	}
	e.value += n
	return e.value, nil
}

func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return 0, nil
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		delete(m.entries, key)
		return 0, nil
	}
	return e.value, nil
}
