package audit

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-service/internal/observability"
)

const (
	chromeWindows = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	safariIPhone  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	googlebot     = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
)

func TestDescribeDevice(t *testing.T) {
	desktop := DescribeDevice(chromeWindows, "")
	assert.Equal(t, DeviceDesktop, desktop.Type)
	assert.Contains(t, desktop.Browser, "Chrome")
	assert.Contains(t, desktop.OS, "Windows")

	assert.Equal(t, DeviceMobile, DescribeDevice(safariIPhone, "").Type)
	assert.Equal(t, DeviceBot, DescribeDevice(googlebot, "").Type)
	assert.Equal(t, "TABLET", DescribeDevice(safariIPhone, "tablet").Type)
	assert.Equal(t, DeviceUnknown, DescribeDevice("", "").Type)
}

func TestAssessRisk(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	success := func(ip, ua string) Attempt {
		return Attempt{Result: ResultSuccess, ClientIP: ip, UserAgent: ua, AttemptedAt: at}
	}
	failed := Attempt{Result: ResultFailed, AttemptedAt: at}

	tests := []struct {
		name       string
		history    []Attempt
		ip, ua     string
		score      int
		suspicious bool
	}{
		{name: "no history", ip: "1.2.3.4", ua: chromeWindows},
		{name: "known device", history: []Attempt{success("1.2.3.4", chromeWindows)}, ip: "1.2.3.4", ua: chromeWindows},
		{name: "new ip", history: []Attempt{success("1.2.3.4", chromeWindows)}, ip: "5.6.7.8", ua: chromeWindows, score: 40},
		{name: "new ip and agent", history: []Attempt{success("1.2.3.4", chromeWindows)}, ip: "5.6.7.8", ua: safariIPhone, score: 60, suspicious: true},
		{
			name:    "failure streak before a new ip",
			history: []Attempt{failed, failed, success("1.2.3.4", chromeWindows), failed},
			ip:      "5.6.7.8", ua: chromeWindows, score: 60, suspicious: true,
		},
		{
			name:    "failure score is capped",
			history: []Attempt{failed, failed, failed, failed, failed, failed},
			ip:      "1.2.3.4", ua: chromeWindows, score: 40,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			risk := assessRisk(tt.history, tt.ip, tt.ua)
			assert.Equal(t, tt.score, risk.Score)
			assert.Equal(t, tt.suspicious, risk.Suspicious)
		})
	}
}

func TestLogAssessUsesOwnerHistory(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 8, 9, 0, 0, 0, time.UTC)
	repo := NewMemory()
	log := NewLog(repo, observability.NewLoggerTo(&bytes.Buffer{}, "info")).WithClock(func() time.Time { return now })

	log.RecordAttempt(ctx, Attempt{OwnerID: "u1", Result: ResultSuccess, ClientIP: "1.2.3.4", UserAgent: chromeWindows, AttemptedAt: now.Add(-8 * 24 * time.Hour)})
	log.RecordAttempt(ctx, Attempt{OwnerID: "u1", Result: ResultSuccess, ClientIP: "1.2.3.4", UserAgent: chromeWindows, AttemptedAt: now.Add(-time.Hour)})
	log.RecordAttempt(ctx, Attempt{OwnerID: "u2", Result: ResultFailed, AttemptedAt: now.Add(-time.Minute)})

	risk, err := log.Assess(ctx, "u1", "1.2.3.4", chromeWindows)
	require.NoError(t, err)
	assert.Zero(t, risk.Score)

	risk, err = log.Assess(ctx, "u1", "9.9.9.9", chromeWindows)
	require.NoError(t, err)
	assert.Equal(t, 40, risk.Score)

	for _, a := range repo.Attempts() {
		assert.NotEmpty(t, a.ID)
	}

	count, err := log.SuccessfulLoginsSince(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	purged, err := log.PurgeOlderThan(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
}

type failingRepo struct{ Memory }

func (f *failingRepo) AppendAttempt(context.Context, Attempt) error {
	return errors.New("connection refused")
}

func (f *failingRepo) AppendEvent(context.Context, AdminEvent) error {
	return errors.New("connection refused")
}

func TestLogWritesAreBestEffort(t *testing.T) {
	var buf bytes.Buffer
	log := NewLog(&failingRepo{}, observability.NewLoggerTo(&buf, "info"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	log.RecordAttempt(ctx, Attempt{Identity: "alice", Result: ResultFailed})
	log.RecordEvent(ctx, AdminEvent{Action: ActionForceOffline, OperatorID: "admin", Target: "u1"})

	assert.Contains(t, buf.String(), "login_attempt_write_failed")
	assert.Contains(t, buf.String(), "admin_event_write_failed")
}

func TestRecordEventStoresEvent(t *testing.T) {
	repo := NewMemory()
	log := NewLog(repo, observability.NewLoggerTo(&bytes.Buffer{}, "info"))

	log.RecordEvent(context.Background(), AdminEvent{Action: ActionLockAccount, OperatorID: "admin", Target: "alice", Affected: 1})

	events := repo.Events()
	require.Len(t, events, 1)
	assert.Equal(t, ActionLockAccount, events[0].Action)
	assert.False(t, events[0].OccurredAt.IsZero())
}
