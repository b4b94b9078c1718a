package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"auth-service/internal/observability"
)

const (
	historyWindow = 7 * 24 * time.Hour
	historyLimit  = 50
	writeTimeout  = 2 * time.Second
)

// Log is the write side used by the orchestrator. Writes are best effort:
// they never fail the caller's operation, only get logged.
type Log struct {
	repo   Repository
	logger *observability.Logger
	now    func() time.Time
}

func NewLog(repo Repository, logger *observability.Logger) *Log {
	return &Log{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *Log) WithClock(now func() time.Time) *Log {
	if now != nil {
		l.now = now
	}
	return l
}

// Assess scores a login for ownerID from the last seven days of attempts.
func (l *Log) Assess(ctx context.Context, ownerID, clientIP, userAgent string) (Risk, error) {
	history, err := l.repo.RecentAttempts(ctx, ownerID, l.now().Add(-historyWindow), historyLimit)
	if err != nil {
		return Risk{}, fmt.Errorf("load login history: %w", err)
	}
	return assessRisk(history, clientIP, userAgent), nil
}

// RecordAttempt appends the attempt under its own deadline so a cancelled
// request still leaves a trace.
func (l *Log) RecordAttempt(ctx context.Context, attempt Attempt) {
	if attempt.ID == "" {
		attempt.ID = newID()
	}
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = l.now()
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := l.repo.AppendAttempt(writeCtx, attempt); err != nil {
		l.logger.Error("login_attempt_write_failed", map[string]any{
			"error":    err.Error(),
			"identity": attempt.Identity,
			"result":   string(attempt.Result),
		})
		observability.CaptureInfra(err, "audit.append_attempt")
	}
}

func (l *Log) RecordEvent(ctx context.Context, event AdminEvent) {
	if event.ID == "" {
		event.ID = newID()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = l.now()
	}

	l.logger.Info("admin_event", map[string]any{
		"action":      string(event.Action),
		"operator_id": event.OperatorID,
		"target":      event.Target,
		"reason":      event.Reason,
		"affected":    event.Affected,
	})

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := l.repo.AppendEvent(writeCtx, event); err != nil {
		l.logger.Error("admin_event_write_failed", map[string]any{
			"error":  err.Error(),
			"action": string(event.Action),
		})
		observability.CaptureInfra(err, "audit.append_event")
	}
}

// Recent returns ownerID's login attempts since the given time, newest first.
func (l *Log) Recent(ctx context.Context, ownerID string, since time.Time, limit int) ([]Attempt, error) {
	attempts, err := l.repo.RecentAttempts(ctx, ownerID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("load login history: %w", err)
	}
	return attempts, nil
}

// SuccessfulLoginsSince counts successful logins, e.g. since midnight UTC.
func (l *Log) SuccessfulLoginsSince(ctx context.Context, since time.Time) (int64, error) {
	n, err := l.repo.CountAttempts(ctx, ResultSuccess, since)
	if err != nil {
		return 0, fmt.Errorf("count successful logins: %w", err)
	}
	return n, nil
}

func (l *Log) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := l.repo.PurgeAttemptsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge login attempts: %w", err)
	}
	return n, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
