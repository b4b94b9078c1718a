package lockout

import (
	"context"
	"time"
)

const (
	DefaultMaxAttempts  = 5
	DefaultLockDuration = 30 * time.Minute

	ReasonTooManyFailures = "too_many_failures"
	SystemOperator        = "system"
)

// State is the security state of one credential identity (username, email or
// phone). Absent rows are the zero State.
type State struct {
	Identity       string     `json:"identity"`
	FailedAttempts int        `json:"failed_attempts"`
	Locked         bool       `json:"locked"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	LockReason     string     `json:"lock_reason,omitempty"`
	LockedBy       string     `json:"locked_by,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// LockedAt derives the lock from time first: a future LockedUntil locks even
// without the flag, a past one never does, and the flag with no LockedUntil
// is an operator lock that holds until Unlock.
func (s State) LockedAt(now time.Time) bool {
	if s.LockedUntil != nil {
		return now.Before(*s.LockedUntil)
	}
	return s.Locked
}

// Repository persists State. IncrementFailure must be a single atomic
// operation at the store: concurrent failures may never be lost. Its bool
// reports whether this increment moved the identity from unlocked to locked.
type Repository interface {
	Get(ctx context.Context, identity string) (State, error)
	IncrementFailure(ctx context.Context, identity string, maxAttempts int, lockUntil, now time.Time) (State, bool, error)
	SetLock(ctx context.Context, identity string, until *time.Time, reason, operatorID string, now time.Time) (State, error)
	Clear(ctx context.Context, identity string) error
	PurgeStale(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// nextFailure is the transition IncrementFailure applies. Postgres encodes
// the same rules in SQL.
func nextFailure(prev State, maxAttempts int, lockUntil, now time.Time) (State, bool) {
	next := prev
	next.UpdatedAt = now

	current := prev.LockedAt(now)
	if prev.LockedUntil != nil && !current {
		next.FailedAttempts = 1
	} else {
		next.FailedAttempts = prev.FailedAttempts + 1
	}

	switch {
	case current:
	case next.FailedAttempts >= maxAttempts:
		until := lockUntil
		next.Locked = true
		next.LockedUntil = &until
		next.LockReason = ReasonTooManyFailures
		next.LockedBy = SystemOperator
	default:
		next.Locked = false
		next.LockedUntil = nil
		next.LockReason = ""
		next.LockedBy = ""
	}
	return next, !current && next.LockedUntil != nil
}
