package session

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-service/internal/blacklist"
	"auth-service/internal/observability"
	"auth-service/internal/token"
	"auth-service/internal/tokenstore"
)

type fixture struct {
	store     *tokenstore.Memory
	blacklist *blacklist.Redis
	redis     *miniredis.Miniredis
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		redis:     mr,
		blacklist: blacklist.NewRedis(client, ""),
		now:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.store = tokenstore.NewMemory().WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) engine(policy Policy) *Engine {
	logger := observability.NewLoggerTo(&bytes.Buffer{}, "info")
	return NewEngine(f.store, f.blacklist, policy, logger).WithClock(func() time.Time { return f.now })
}

// pair builds an unsaved access/refresh pair for owner on device and returns
// it with the access token value.
func (f *fixture) pair(owner, device string) ([]tokenstore.Record, string) {
	sessionID := uuid.NewString()
	var access string
	records := make([]tokenstore.Record, 0, 2)
	for _, kind := range []token.Kind{token.KindAccess, token.KindRefresh} {
		value := uuid.NewString()
		if kind == token.KindAccess {
			access = value
		}
		records = append(records, tokenstore.Record{
			ID:        uuid.NewString(),
			TokenID:   uuid.NewString(),
			TokenHash: tokenstore.HashValue(value),
			OwnerID:   owner,
			Kind:      kind,
			Status:    tokenstore.StatusActive,
			FamilyID:  sessionID,
			IssuedAt:  f.now,
			ExpiresAt: f.now.Add(time.Hour),
			DeviceID:  device,
			SessionID: sessionID,
		})
	}
	return records, access
}

// login stores a pair for owner on device and returns the access token value.
func (f *fixture) login(t *testing.T, owner, device string) string {
	t.Helper()
	records, access := f.pair(owner, device)
	require.NoError(t, f.store.Put(context.Background(), records...))
	f.now = f.now.Add(time.Second)
	return access
}

func (f *fixture) status(t *testing.T, value string) tokenstore.Status {
	t.Helper()
	r, err := f.store.GetByValue(context.Background(), value)
	require.NoError(t, err)
	return r.Status
}

func TestSingleDeviceEvictsOtherDevices(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	accessA := f.login(t, "u1", "device-a")
	otherOwner := f.login(t, "u2", "device-a")

	evicted, err := f.engine(Policy{}).Admit(ctx, "u1", "device-b", false)
	require.NoError(t, err)
	assert.Len(t, evicted, 2)

	assert.Equal(t, tokenstore.StatusRevoked, f.status(t, accessA))
	assert.Equal(t, tokenstore.StatusActive, f.status(t, otherOwner))

	for _, r := range evicted {
		assert.True(t, f.redis.Exists("auth:blacklist:"+r.TokenID))
		assert.Equal(t, ReasonSingleDevice, r.RevokeReason)
	}
}

func TestSameDeviceReloginKeepsTokens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	access := f.login(t, "u1", "device-a")

	evicted, err := f.engine(Policy{}).Admit(ctx, "u1", "device-a", false)
	require.NoError(t, err)
	assert.Empty(t, evicted)
	assert.Equal(t, tokenstore.StatusActive, f.status(t, access))
}

func TestMultipleDevicesIsNoopUnderLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	access := f.login(t, "u1", "device-a")

	evicted, err := f.engine(Policy{MaxDevices: 3}).Admit(ctx, "u1", "device-b", true)
	require.NoError(t, err)
	assert.Empty(t, evicted)
	assert.Equal(t, tokenstore.StatusActive, f.status(t, access))
}

func TestDeviceLimitEvictsOldest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	oldest := f.login(t, "u1", "device-a")
	middle := f.login(t, "u1", "device-b")

	evicted, err := f.engine(Policy{MaxDevices: 2}).Admit(ctx, "u1", "device-c", true)
	require.NoError(t, err)
	require.Len(t, evicted, 2)
	assert.Equal(t, "device-a", evicted[0].DeviceID)
	assert.Equal(t, ReasonDeviceLimit, evicted[0].RevokeReason)

	assert.Equal(t, tokenstore.StatusRevoked, f.status(t, oldest))
	assert.Equal(t, tokenstore.StatusActive, f.status(t, middle))

	evicted, err = f.engine(Policy{MaxDevices: 2}).Admit(ctx, "u1", "device-b", true)
	require.NoError(t, err)
	assert.Empty(t, evicted, "re-login on a held device does not count as a new device")
}

func TestRejectModeReturnsConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	access := f.login(t, "u1", "device-a")

	_, err := f.engine(Policy{Mode: ModeReject}).Admit(ctx, "u1", "device-b", false)
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, tokenstore.StatusActive, f.status(t, access))
}

func TestBlacklistOutageStillRevokes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	access := f.login(t, "u1", "device-a")
	f.redis.Close()

	evicted, err := f.engine(Policy{}).Admit(ctx, "u1", "device-b", false)
	require.NoError(t, err)
	assert.Len(t, evicted, 2)
	assert.Equal(t, tokenstore.StatusRevoked, f.status(t, access))
}

func TestAdmitStoresNewPairWithEviction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	accessA := f.login(t, "u1", "device-a")
	records, accessB := f.pair("u1", "device-b")

	evicted, err := f.engine(Policy{}).Admit(ctx, "u1", "device-b", false, records...)
	require.NoError(t, err)
	assert.Len(t, evicted, 2)
	assert.Equal(t, tokenstore.StatusRevoked, f.status(t, accessA))
	assert.Equal(t, tokenstore.StatusActive, f.status(t, accessB))
}

type failingReplaceStore struct {
	tokenstore.Store
}

func (failingReplaceStore) Replace(context.Context, string, tokenstore.Eviction, ...tokenstore.Record) ([]tokenstore.Record, error) {
	return nil, errors.New("connection reset")
}

func TestFailedAdmitKeepsExistingSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	accessA := f.login(t, "u1", "device-a")
	records, _ := f.pair("u1", "device-b")

	logger := observability.NewLoggerTo(&bytes.Buffer{}, "info")
	engine := NewEngine(failingReplaceStore{Store: f.store}, f.blacklist, Policy{}, logger).
		WithClock(func() time.Time { return f.now })

	_, err := engine.Admit(ctx, "u1", "device-b", false, records...)
	require.Error(t, err)

	assert.Equal(t, tokenstore.StatusActive, f.status(t, accessA))
	active, err := f.store.ListActiveByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, active, 2)
	assert.Empty(t, f.redis.Keys(), "blacklist entries are withdrawn when the eviction does not commit")
}
