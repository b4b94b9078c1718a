package maintenance

import (
	"context"
	"fmt"
	"time"

	"auth-service/internal/audit"
	"auth-service/internal/lockout"
	"auth-service/internal/observability"
	"auth-service/internal/tokenstore"
)

type Result struct {
	ExpiredTokens        int64 `json:"expired_tokens"`
	DeletedTokens        int64 `json:"deleted_tokens"`
	DeletedLoginAttempts int64 `json:"deleted_login_attempts"`
	DeletedLockouts      int64 `json:"deleted_lockouts"`
}

type Retention struct {
	Tokens        time.Duration
	LoginAttempts time.Duration
}

// Runner is the housekeeping job behind the cron endpoint and the in-process
// sweeper.
type Runner struct {
	store     tokenstore.Store
	audit     *audit.Log
	lockouts  *lockout.Tracker
	logger    *observability.Logger
	retention Retention
	now       func() time.Time
}

func NewRunner(
	store tokenstore.Store,
	auditLog *audit.Log,
	lockouts *lockout.Tracker,
	logger *observability.Logger,
	retention Retention,
) *Runner {
	if retention.Tokens <= 0 {
		retention.Tokens = 30 * 24 * time.Hour
	}
	if retention.LoginAttempts <= 0 {
		retention.LoginAttempts = 90 * 24 * time.Hour
	}
	return &Runner{
		store:     store,
		audit:     auditLog,
		lockouts:  lockouts,
		logger:    logger,
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *Runner) WithClock(now func() time.Time) *Runner {
	if now != nil {
		r.now = now
	}
	return r
}

// Sweep flips active tokens past their expiry to expired.
func (r *Runner) Sweep(ctx context.Context) (int64, error) {
	n, err := r.store.SweepExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep expired tokens: %w", err)
	}
	if n > 0 {
		r.logger.Info("tokens_swept", map[string]any{"expired_tokens": n})
	}
	return n, nil
}

// Run sweeps and then purges everything past retention. Steps stop at the
// first failure; the partial result is still returned.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	var result Result
	now := r.now()

	swept, err := r.Sweep(ctx)
	if err != nil {
		return result, err
	}
	result.ExpiredTokens = swept

	tokenCutoff := now.Add(-r.retention.Tokens)
	if result.DeletedTokens, err = r.store.PurgeOlderThan(ctx, tokenCutoff); err != nil {
		return result, fmt.Errorf("purge tokens: %w", err)
	}

	if r.audit != nil {
		if result.DeletedLoginAttempts, err = r.audit.PurgeOlderThan(ctx, now.Add(-r.retention.LoginAttempts)); err != nil {
			return result, err
		}
	}

	if r.lockouts != nil {
		if result.DeletedLockouts, err = r.lockouts.PurgeStale(ctx, tokenCutoff); err != nil {
			return result, err
		}
	}

	r.logger.Info("auth_cleanup_completed", map[string]any{
		"expired_tokens":         result.ExpiredTokens,
		"deleted_tokens":         result.DeletedTokens,
		"deleted_login_attempts": result.DeletedLoginAttempts,
		"deleted_lockouts":       result.DeletedLockouts,
	})
	return result, nil
}

// Loop sweeps every interval until ctx is done. Once a day it runs the full
// purge as well.
func (r *Runner) Loop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastPurge time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if r.now().Sub(lastPurge) >= 24*time.Hour {
			if _, err := r.Run(ctx); err != nil {
				r.fail("auth_cleanup_failed", "maintenance.run", err)
				continue
			}
			lastPurge = r.now()
			continue
		}

		if _, err := r.Sweep(ctx); err != nil {
			r.fail("token_sweep_failed", "maintenance.sweep", err)
		}
	}
}

func (r *Runner) fail(event, op string, err error) {
	r.logger.Error(event, map[string]any{"error": err.Error()})
	observability.CaptureInfra(err, op)
}
