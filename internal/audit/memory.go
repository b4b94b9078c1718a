package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

type Memory struct {
	mu       sync.RWMutex
	attempts []Attempt
	events   []AdminEvent
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) AppendAttempt(_ context.Context, a Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *Memory) RecentAttempts(_ context.Context, ownerID string, since time.Time, limit int) ([]Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Attempt, 0)
	for _, a := range m.attempts {
		if a.OwnerID == ownerID && !a.AttemptedAt.Before(since) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AttemptedAt.After(out[j].AttemptedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountAttempts(_ context.Context, result Result, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, a := range m.attempts {
		if a.Result == result && !a.AttemptedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) AppendEvent(_ context.Context, e AdminEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) PurgeAttemptsOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.attempts[:0]
	var purged int64
	for _, a := range m.attempts {
		if a.AttemptedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, a)
	}
	m.attempts = kept
	return purged, nil
}

// Attempts returns a copy of every stored attempt in insertion order.
func (m *Memory) Attempts() []Attempt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Attempt(nil), m.attempts...)
}

func (m *Memory) Events() []AdminEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]AdminEvent(nil), m.events...)
}
