package lockout

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-service/internal/db"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func runTrackerContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	newTracker := func(t *testing.T) (*Tracker, *clock) {
		c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
		return NewTracker(newRepo(t), 5, 30*time.Minute).WithClock(c.Now), c
	}

	t.Run("locks on the threshold failure only", func(t *testing.T) {
		tracker, _ := newTracker(t)

		for i := 1; i <= 4; i++ {
			count, justLocked, err := tracker.RecordFailure(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, i, count)
			assert.False(t, justLocked)
		}

		locked, err := tracker.IsLocked(ctx, "alice")
		require.NoError(t, err)
		assert.False(t, locked)

		count, justLocked, err := tracker.RecordFailure(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 5, count)
		assert.True(t, justLocked)

		locked, err = tracker.IsLocked(ctx, "Alice ")
		require.NoError(t, err)
		assert.True(t, locked)

		_, justLocked, err = tracker.RecordFailure(ctx, "alice")
		require.NoError(t, err)
		assert.False(t, justLocked, "an already locked identity is not re-locked")
	})

	t.Run("lock expires after the lock duration", func(t *testing.T) {
		tracker, c := newTracker(t)
		for i := 0; i < 5; i++ {
			_, _, err := tracker.RecordFailure(ctx, "bob")
			require.NoError(t, err)
		}

		c.Advance(29 * time.Minute)
		locked, err := tracker.IsLocked(ctx, "bob")
		require.NoError(t, err)
		assert.True(t, locked)

		c.Advance(time.Minute)
		locked, err = tracker.IsLocked(ctx, "bob")
		require.NoError(t, err)
		assert.False(t, locked)

		count, justLocked, err := tracker.RecordFailure(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, 1, count, "an expired lock restarts the count")
		assert.False(t, justLocked)
	})

	t.Run("success resets the counter", func(t *testing.T) {
		tracker, _ := newTracker(t)
		for i := 0; i < 3; i++ {
			_, _, err := tracker.RecordFailure(ctx, "carol")
			require.NoError(t, err)
		}
		require.NoError(t, tracker.RecordSuccess(ctx, "carol"))

		state, err := tracker.Status(ctx, "carol")
		require.NoError(t, err)
		assert.Zero(t, state.FailedAttempts)
		assert.Nil(t, state.LockedUntil)

		count, _, err := tracker.RecordFailure(ctx, "carol")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("operator lock without expiry holds until unlock", func(t *testing.T) {
		tracker, c := newTracker(t)

		state, err := tracker.Lock(ctx, "dave", "fraud review", "admin-1", 0)
		require.NoError(t, err)
		assert.True(t, state.Locked)
		assert.Nil(t, state.LockedUntil)
		assert.Equal(t, "admin-1", state.LockedBy)

		c.Advance(365 * 24 * time.Hour)
		locked, err := tracker.IsLocked(ctx, "dave")
		require.NoError(t, err)
		assert.True(t, locked)

		require.NoError(t, tracker.Unlock(ctx, "dave", "admin-1"))
		locked, err = tracker.IsLocked(ctx, "dave")
		require.NoError(t, err)
		assert.False(t, locked)

		state, err = tracker.Status(ctx, "dave")
		require.NoError(t, err)
		assert.Zero(t, state.FailedAttempts)
	})

	t.Run("timed operator lock", func(t *testing.T) {
		tracker, c := newTracker(t)

		_, err := tracker.Lock(ctx, "erin", "cool down", "admin-1", time.Hour)
		require.NoError(t, err)

		locked, err := tracker.IsLocked(ctx, "erin")
		require.NoError(t, err)
		assert.True(t, locked)

		c.Advance(time.Hour)
		locked, err = tracker.IsLocked(ctx, "erin")
		require.NoError(t, err)
		assert.False(t, locked)
	})

	t.Run("concurrent failures are never lost", func(t *testing.T) {
		tracker, _ := newTracker(t)

		const workers = 20
		var wg sync.WaitGroup
		var mu sync.Mutex
		locks := 0
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, justLocked, err := tracker.RecordFailure(ctx, "frank")
				assert.NoError(t, err)
				if justLocked {
					mu.Lock()
					locks++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		state, err := tracker.Status(ctx, "frank")
		require.NoError(t, err)
		assert.Equal(t, workers, state.FailedAttempts)
		assert.Equal(t, 1, locks)
	})

	t.Run("purge keeps live locks", func(t *testing.T) {
		tracker, c := newTracker(t)
		_, _, err := tracker.RecordFailure(ctx, "idle")
		require.NoError(t, err)
		_, err = tracker.Lock(ctx, "held", "manual", "admin-1", 0)
		require.NoError(t, err)

		c.Advance(48 * time.Hour)
		purged, err := tracker.PurgeStale(ctx, c.Now().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 1, purged)

		locked, err := tracker.IsLocked(ctx, "held")
		require.NoError(t, err)
		assert.True(t, locked)
	})
}

func TestLockedAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	assert.False(t, State{}.LockedAt(now))
	assert.True(t, State{Locked: true}.LockedAt(now))
	assert.True(t, State{LockedUntil: &future}.LockedAt(now))
	assert.False(t, State{Locked: true, LockedUntil: &past}.LockedAt(now))
}

func TestNextFailureReportsLockTransition(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	until := now.Add(30 * time.Minute)
	earlier := now.Add(-time.Hour)

	tests := []struct {
		name       string
		prev       State
		wantCount  int
		wantLocked bool
	}{
		{name: "below threshold", prev: State{FailedAttempts: 3}, wantCount: 4},
		{name: "reaches threshold", prev: State{FailedAttempts: 4}, wantCount: 5, wantLocked: true},
		{name: "same instant after lock", prev: State{FailedAttempts: 5, Locked: true, LockedUntil: &until}, wantCount: 6},
		{name: "operator lock", prev: State{FailedAttempts: 4, Locked: true}, wantCount: 5},
		{name: "expired lock restarts", prev: State{FailedAttempts: 5, Locked: true, LockedUntil: &earlier}, wantCount: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, locked := nextFailure(tt.prev, 5, until, now)
			assert.Equal(t, tt.wantCount, next.FailedAttempts)
			assert.Equal(t, tt.wantLocked, locked)
		})
	}
}

func TestMemoryTracker(t *testing.T) {
	runTrackerContract(t, func(t *testing.T) Repository { return NewMemory() })
}

func TestPostgresTracker(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	database, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	_, err = db.RunMigrations(context.Background(), database)
	require.NoError(t, err)

	runTrackerContract(t, func(t *testing.T) Repository {
		_, err := database.Exec(`TRUNCATE auth_lockouts`)
		require.NoError(t, err)
		return NewPostgres(database)
	})
}
