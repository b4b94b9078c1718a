package lockout

import (
	"context"
	"sync"
	"time"
)

type Memory struct {
	mu     sync.Mutex
	states map[string]State
}

func NewMemory() *Memory {
	return &Memory{states: make(map[string]State)}
}

func (m *Memory) Get(_ context.Context, identity string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(identity), nil
}

func (m *Memory) load(identity string) State {
	state, ok := m.states[identity]
	if !ok {
		return State{Identity: identity}
	}
	return state
}

func (m *Memory) IncrementFailure(_ context.Context, identity string, maxAttempts int, lockUntil, now time.Time) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, locked := nextFailure(m.load(identity), maxAttempts, lockUntil, now)
	m.states[identity] = next
	return next, locked, nil
}

func (m *Memory) SetLock(_ context.Context, identity string, until *time.Time, reason, operatorID string, now time.Time) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.load(identity)
	state.Locked = true
	state.LockedUntil = until
	state.LockReason = reason
	state.LockedBy = operatorID
	state.UpdatedAt = now
	m.states[identity] = state
	return state, nil
}

func (m *Memory) Clear(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, identity)
	return nil
}

func (m *Memory) PurgeStale(_ context.Context, cutoff, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for identity, state := range m.states {
		if state.UpdatedAt.Before(cutoff) && !state.LockedAt(now) {
			delete(m.states, identity)
			purged++
		}
	}
	return purged, nil
}
