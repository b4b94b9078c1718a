package maintenance

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-service/internal/audit"
	"auth-service/internal/lockout"
	"auth-service/internal/observability"
	"auth-service/internal/token"
	"auth-service/internal/tokenstore"
)

var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store    *tokenstore.Memory
	attempts *audit.Memory
	lockouts *lockout.Memory
	runner   *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := func() time.Time { return now }
	logger := observability.NewLoggerTo(&bytes.Buffer{}, "info")

	f := &fixture{
		store:    tokenstore.NewMemory().WithClock(clock),
		attempts: audit.NewMemory(),
		lockouts: lockout.NewMemory(),
	}
	f.runner = NewRunner(
		f.store,
		audit.NewLog(f.attempts, logger).WithClock(clock),
		lockout.NewTracker(f.lockouts, 5, 30*time.Minute).WithClock(clock),
		logger,
		Retention{Tokens: 30 * 24 * time.Hour, LoginAttempts: 90 * 24 * time.Hour},
	).WithClock(clock)
	return f
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	longAgo := now.Add(-40 * 24 * time.Hour)

	require.NoError(t, f.store.Put(ctx,
		tokenstore.Record{TokenHash: "live", Kind: token.KindAccess, Status: tokenstore.StatusActive, OwnerID: "u-1", ExpiresAt: now.Add(time.Hour)},
		tokenstore.Record{TokenHash: "lapsed", Kind: token.KindAccess, Status: tokenstore.StatusActive, OwnerID: "u-1", ExpiresAt: now.Add(-time.Minute)},
		tokenstore.Record{TokenHash: "ancient", Kind: token.KindRefresh, Status: tokenstore.StatusExpired, OwnerID: "u-1", ExpiresAt: longAgo},
		tokenstore.Record{TokenHash: "revoked-old", Kind: token.KindRefresh, Status: tokenstore.StatusRevoked, OwnerID: "u-1", ExpiresAt: now.Add(time.Hour), RevokedAt: &longAgo},
	))

	require.NoError(t, f.attempts.AppendAttempt(ctx, audit.Attempt{ID: "a-old", Identity: "alice", AttemptedAt: now.Add(-100 * 24 * time.Hour), Result: audit.ResultFailed}))
	require.NoError(t, f.attempts.AppendAttempt(ctx, audit.Attempt{ID: "a-new", Identity: "alice", AttemptedAt: now.Add(-time.Hour), Result: audit.ResultSuccess}))

	stale := lockout.NewTracker(f.lockouts, 5, 30*time.Minute).WithClock(func() time.Time { return longAgo })
	_, _, err := stale.RecordFailure(ctx, "bob")
	require.NoError(t, err)
	fresh := lockout.NewTracker(f.lockouts, 5, 30*time.Minute).WithClock(func() time.Time { return now })
	_, _, err = fresh.RecordFailure(ctx, "carol")
	require.NoError(t, err)
}

func TestRunnerRun(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	result, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Result{
		ExpiredTokens:        1,
		DeletedTokens:        2,
		DeletedLoginAttempts: 1,
		DeletedLockouts:      1,
	}, result)

	stats, err := f.store.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.ActiveTotal)

	attempts := f.attempts.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, "a-new", attempts[0].ID)

	state, err := f.lockouts.Get(context.Background(), "carol")
	require.NoError(t, err)
	assert.Equal(t, 1, state.FailedAttempts)
	state, err = f.lockouts.Get(context.Background(), "bob")
	require.NoError(t, err)
	assert.Zero(t, state.FailedAttempts)
}

func TestRunnerSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	n, err := f.runner.Sweep(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = f.runner.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunnerLoopStopsWithContext(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.runner.Loop(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		stats, err := f.store.Stats(context.Background())
		return err == nil && stats.ActiveTotal == 1 && len(f.attempts.Attempts()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestCleanupHandler(t *testing.T) {
	logger := observability.NewLoggerTo(&bytes.Buffer{}, "info")

	t.Run("disabled without secret", func(t *testing.T) {
		h := NewCleanupHandler(newFixture(t).runner, logger, "  ")
		rec := httptest.NewRecorder()
		h.Handle(rec, httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	tests := []struct {
		name   string
		method string
		auth   string
		status int
	}{
		{name: "missing auth", method: http.MethodPost, status: http.StatusUnauthorized},
		{name: "wrong secret", method: http.MethodPost, auth: "Bearer nope", status: http.StatusUnauthorized},
		{name: "wrong method", method: http.MethodDelete, auth: "Bearer s3cret", status: http.StatusMethodNotAllowed},
		{name: "get", method: http.MethodGet, auth: "Bearer s3cret", status: http.StatusOK},
		{name: "post", method: http.MethodPost, auth: "bearer s3cret", status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t)
			h := NewCleanupHandler(f.runner, logger, "s3cret")

			req := httptest.NewRequest(tt.method, "/internal/maintenance/cleanup", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			h.Handle(rec, req)

			require.Equal(t, tt.status, rec.Code)
			if tt.status != http.StatusOK {
				assert.Len(t, f.attempts.Attempts(), 2)
				return
			}

			var body struct {
				Status string `json:"status"`
				Result Result `json:"result"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "ok", body.Status)
			assert.EqualValues(t, 2, body.Result.DeletedTokens)
		})
	}
}
