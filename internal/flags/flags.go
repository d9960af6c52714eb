// Package flags exposes the runtime-mutable feature flags read by the
// economic core. Flags are read on every relevant call; nothing here caches
// beyond what the backing store provides.
package flags

import (
	"context"
	"strconv"
	"sync"
)

// Flag keys used by the core.
const (
	SubmissionCostsEnabled   = "submission_costs_enabled"
	SubmissionCostMultiplier = "submission_cost_multiplier"
	ValidationRewardsEnabled = "validation_rewards_enabled"
	PeerValidationTrafficPct = "peer_validation_traffic_pct"
)

// Provider reads flag values. Missing keys yield the given default.
type Provider interface {
	Bool(ctx context.Context, key string, def bool) bool
	Float(ctx context.Context, key string, def float64) float64
	Int(ctx context.Context, key string, def int) int
}

// Memory is an in-process Provider, used by tests and as a fallback.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory creates a Memory provider seeded with the given values.
func NewMemory(values map[string]string) *Memory {
	m := &Memory{values: make(map[string]string)}
	for k, v := range values {
		m.values[k] = v
	}
	return m
}

// Set updates a flag value.
func (m *Memory) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

func (m *Memory) get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *Memory) Bool(_ context.Context, key string, def bool) bool {
	if v, ok := m.get(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func (m *Memory) Float(_ context.Context, key string, def float64) float64 {
	if v, ok := m.get(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func (m *Memory) Int(_ context.Context, key string, def int) int {
	if v, ok := m.get(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
