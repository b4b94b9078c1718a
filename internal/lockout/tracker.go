package lockout

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Tracker applies the NORMAL -> LOCKED -> NORMAL policy on top of a
// Repository. It keeps no state of its own.
type Tracker struct {
	repo         Repository
	maxAttempts  int
	lockDuration time.Duration
	now          func() time.Time
}

func NewTracker(repo Repository, maxAttempts int, lockDuration time.Duration) *Tracker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if lockDuration <= 0 {
		lockDuration = DefaultLockDuration
	}
	return &Tracker{
		repo:         repo,
		maxAttempts:  maxAttempts,
		lockDuration: lockDuration,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	if now != nil {
		t.now = now
	}
	return t
}

func (t *Tracker) MaxAttempts() int { return t.maxAttempts }

func (t *Tracker) LockDuration() time.Duration { return t.lockDuration }

// RecordFailure counts one failed credential check and reports whether this
// failure is the one that locked the identity.
func (t *Tracker) RecordFailure(ctx context.Context, identity string) (int, bool, error) {
	now := t.now().UTC().Truncate(time.Microsecond)
	until := now.Add(t.lockDuration)

	state, justLocked, err := t.repo.IncrementFailure(ctx, normalize(identity), t.maxAttempts, until, now)
	if err != nil {
		return 0, false, fmt.Errorf("record login failure: %w", err)
	}
	return state.FailedAttempts, justLocked, nil
}

func (t *Tracker) RecordSuccess(ctx context.Context, identity string) error {
	if err := t.repo.Clear(ctx, normalize(identity)); err != nil {
		return fmt.Errorf("reset login failures: %w", err)
	}
	return nil
}

func (t *Tracker) IsLocked(ctx context.Context, identity string) (bool, error) {
	state, err := t.Status(ctx, identity)
	if err != nil {
		return false, err
	}
	return state.LockedAt(t.now()), nil
}

func (t *Tracker) Status(ctx context.Context, identity string) (State, error) {
	state, err := t.repo.Get(ctx, normalize(identity))
	if err != nil {
		return State{}, fmt.Errorf("load lockout state: %w", err)
	}
	return state, nil
}

// Lock is the operator override. A zero duration locks until Unlock.
func (t *Tracker) Lock(ctx context.Context, identity, reason, operatorID string, duration time.Duration) (State, error) {
	now := t.now().UTC().Truncate(time.Microsecond)
	var until *time.Time
	if duration > 0 {
		value := now.Add(duration)
		until = &value
	}
	state, err := t.repo.SetLock(ctx, normalize(identity), until, reason, operatorID, now)
	if err != nil {
		return State{}, fmt.Errorf("lock account: %w", err)
	}
	return state, nil
}

// Unlock clears the flag, the expiry and the failure counter.
func (t *Tracker) Unlock(ctx context.Context, identity, operatorID string) error {
	if err := t.repo.Clear(ctx, normalize(identity)); err != nil {
		return fmt.Errorf("unlock account by %s: %w", operatorID, err)
	}
	return nil
}

// PurgeStale drops counters untouched since cutoff that hold no active lock.
func (t *Tracker) PurgeStale(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := t.repo.PurgeStale(ctx, cutoff, t.now())
	if err != nil {
		return 0, fmt.Errorf("purge lockout state: %w", err)
	}
	return n, nil
}

func normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
