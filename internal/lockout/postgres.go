package lockout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const stateColumns = `identity, failed_attempts, locked, locked_until, lock_reason, locked_by, updated_at`

func (p *Postgres) Get(ctx context.Context, identity string) (State, error) {
	state, err := scanState(p.db.QueryRowContext(ctx, `
		SELECT `+stateColumns+`
		FROM auth_lockouts
		WHERE identity = $1
	`, identity))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return State{Identity: identity}, nil
		}
		return State{}, fmt.Errorf("query lockout state: %w", err)
	}
	return state, nil
}

// IncrementFailure is one upsert so concurrent failures serialize on the row
// lock Postgres takes for ON CONFLICT DO UPDATE. An expired lock restarts the
// count; a live lock keeps its expiry and only the counter moves, so only the
// locking increment can land exactly on maxAttempts with this call's expiry.
func (p *Postgres) IncrementFailure(ctx context.Context, identity string, maxAttempts int, lockUntil, now time.Time) (State, bool, error) {
	var justLocked bool
	state, err := scanState(p.db.QueryRowContext(ctx, `
		INSERT INTO auth_lockouts AS l (identity, failed_attempts, locked, locked_until, lock_reason, locked_by, updated_at)
		VALUES (
			$1, 1, $2::int <= 1,
			CASE WHEN $2::int <= 1 THEN $3::timestamptz END,
			CASE WHEN $2::int <= 1 THEN $5 ELSE '' END,
			CASE WHEN $2::int <= 1 THEN $6 ELSE '' END,
			$4::timestamptz
		)
		ON CONFLICT (identity) DO UPDATE SET
			failed_attempts = CASE
				WHEN l.locked_until IS NOT NULL AND l.locked_until <= $4::timestamptz THEN 1
				ELSE l.failed_attempts + 1
			END,
			locked = CASE
				WHEN l.locked_until > $4::timestamptz OR (l.locked AND l.locked_until IS NULL) THEN TRUE
				WHEN (CASE WHEN l.locked_until IS NOT NULL AND l.locked_until <= $4::timestamptz THEN 1 ELSE l.failed_attempts + 1 END) >= $2::int THEN TRUE
				ELSE FALSE
			END,
			locked_until = CASE
				WHEN l.locked_until > $4::timestamptz OR (l.locked AND l.locked_until IS NULL) THEN l.locked_until
				WHEN (CASE WHEN l.locked_until IS NOT NULL AND l.locked_until <= $4::timestamptz THEN 1 ELSE l.failed_attempts + 1 END) >= $2::int THEN $3::timestamptz
				ELSE NULL
			END,
			lock_reason = CASE
				WHEN l.locked_until > $4::timestamptz OR (l.locked AND l.locked_until IS NULL) THEN l.lock_reason
				WHEN (CASE WHEN l.locked_until IS NOT NULL AND l.locked_until <= $4::timestamptz THEN 1 ELSE l.failed_attempts + 1 END) >= $2::int THEN $5
				ELSE ''
			END,
			locked_by = CASE
				WHEN l.locked_until > $4::timestamptz OR (l.locked AND l.locked_until IS NULL) THEN l.locked_by
				WHEN (CASE WHEN l.locked_until IS NOT NULL AND l.locked_until <= $4::timestamptz THEN 1 ELSE l.failed_attempts + 1 END) >= $2::int THEN $6
				ELSE ''
			END,
			updated_at = $4::timestamptz
		RETURNING `+stateColumns+`,
			COALESCE(l.failed_attempts = $2::int AND l.locked_until = $3::timestamptz, FALSE)
	`, identity, maxAttempts, lockUntil.UTC(), now.UTC(), ReasonTooManyFailures, SystemOperator), &justLocked)
	if err != nil {
		return State{}, false, fmt.Errorf("increment failed attempts: %w", err)
	}
	return state, justLocked, nil
}

func (p *Postgres) SetLock(ctx context.Context, identity string, until *time.Time, reason, operatorID string, now time.Time) (State, error) {
	var untilValue any
	if until != nil {
		untilValue = until.UTC()
	}

	state, err := scanState(p.db.QueryRowContext(ctx, `
		INSERT INTO auth_lockouts (identity, failed_attempts, locked, locked_until, lock_reason, locked_by, updated_at)
		VALUES ($1, 0, TRUE, $2, $3, $4, $5)
		ON CONFLICT (identity) DO UPDATE SET
			locked = TRUE,
			locked_until = EXCLUDED.locked_until,
			lock_reason = EXCLUDED.lock_reason,
			locked_by = EXCLUDED.locked_by,
			updated_at = EXCLUDED.updated_at
		RETURNING `+stateColumns+`
	`, identity, untilValue, reason, operatorID, now.UTC()))
	if err != nil {
		return State{}, fmt.Errorf("upsert account lock: %w", err)
	}
	return state, nil
}

func (p *Postgres) Clear(ctx context.Context, identity string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM auth_lockouts WHERE identity = $1`, identity); err != nil {
		return fmt.Errorf("delete lockout state: %w", err)
	}
	return nil
}

func (p *Postgres) PurgeStale(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM auth_lockouts
		WHERE updated_at < $1
		  AND (locked_until IS NOT NULL AND locked_until <= $2 OR (NOT locked AND locked_until IS NULL))
	`, cutoff.UTC(), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete stale lockout rows: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale lockout rows affected: %w", err)
	}
	return affected, nil
}

// scanState reads stateColumns followed by any extra columns.
func scanState(row *sql.Row, extra ...any) (State, error) {
	var state State
	var lockedUntil sql.NullTime
	dest := append([]any{
		&state.Identity,
		&state.FailedAttempts,
		&state.Locked,
		&lockedUntil,
		&state.LockReason,
		&state.LockedBy,
		&state.UpdatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return State{}, err
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		state.LockedUntil = &value
	}
	state.UpdatedAt = state.UpdatedAt.UTC()
	return state, nil
}
