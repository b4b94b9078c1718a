package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Postgres struct {
	db        *sql.DB
	batchSize int
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, batchSize: 500}
}

func (p *Postgres) WithPurgeBatch(size int) *Postgres {
	if size > 0 {
		p.batchSize = size
	}
	return p
}

func (p *Postgres) AppendAttempt(ctx context.Context, a Attempt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO auth_login_attempts (
			id, identity, owner_id, client_ip, user_agent, attempted_at, result, failure_reason,
			device_id, device_type, browser, os, platform, session_id,
			risk_score, suspicious, consecutive_failures
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, a.ID, a.Identity, a.OwnerID, a.ClientIP, a.UserAgent, a.AttemptedAt.UTC(), string(a.Result), a.FailureReason,
		a.DeviceID, a.DeviceType, a.Browser, a.OS, a.Platform, a.SessionID,
		a.RiskScore, a.Suspicious, a.ConsecutiveFailures)
	if err != nil {
		return fmt.Errorf("insert login attempt: %w", err)
	}
	return nil
}

func (p *Postgres) RecentAttempts(ctx context.Context, ownerID string, since time.Time, limit int) ([]Attempt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, identity, owner_id, client_ip, user_agent, attempted_at, result, failure_reason,
			device_id, device_type, browser, os, platform, session_id,
			risk_score, suspicious, consecutive_failures
		FROM auth_login_attempts
		WHERE owner_id = $1 AND attempted_at >= $2
		ORDER BY attempted_at DESC
		LIMIT $3
	`, ownerID, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query login attempts: %w", err)
	}
	defer rows.Close()

	out := make([]Attempt, 0)
	for rows.Next() {
		var a Attempt
		var result string
		if err := rows.Scan(
			&a.ID, &a.Identity, &a.OwnerID, &a.ClientIP, &a.UserAgent, &a.AttemptedAt, &result, &a.FailureReason,
			&a.DeviceID, &a.DeviceType, &a.Browser, &a.OS, &a.Platform, &a.SessionID,
			&a.RiskScore, &a.Suspicious, &a.ConsecutiveFailures,
		); err != nil {
			return nil, fmt.Errorf("scan login attempt: %w", err)
		}
		a.Result = Result(result)
		a.AttemptedAt = a.AttemptedAt.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate login attempts: %w", err)
	}
	return out, nil
}

func (p *Postgres) CountAttempts(ctx context.Context, result Result, since time.Time) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM auth_login_attempts WHERE result = $1 AND attempted_at >= $2
	`, string(result), since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count login attempts: %w", err)
	}
	return n, nil
}

func (p *Postgres) AppendEvent(ctx context.Context, e AdminEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO auth_admin_events (id, action, operator_id, target, reason, affected, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, string(e.Action), e.OperatorID, e.Target, e.Reason, e.Affected, e.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("insert admin event: %w", err)
	}
	return nil
}

// PurgeAttemptsOlderThan deletes in batches until nothing older than cutoff
// remains.
func (p *Postgres) PurgeAttemptsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for {
		res, err := p.db.ExecContext(ctx, `
			WITH stale AS (
				SELECT id
				FROM auth_login_attempts
				WHERE attempted_at < $1
				ORDER BY attempted_at ASC
				LIMIT $2
			)
			DELETE FROM auth_login_attempts t
			USING stale
			WHERE t.id = stale.id
		`, cutoff.UTC(), p.batchSize)
		if err != nil {
			return total, fmt.Errorf("delete stale login attempts: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("stale login attempts rows affected: %w", err)
		}
		total += affected
		if affected < int64(p.batchSize) {
			return total, nil
		}
	}
}
