package audit

import (
	"context"
	"time"
)

type Result string

const (
	ResultSuccess     Result = "SUCCESS"
	ResultFailed      Result = "FAILED"
	ResultLocked      Result = "LOCKED"
	ResultDisabled    Result = "DISABLED"
	ResultUnavailable Result = "UNAVAILABLE"
)

// Attempt is one append-only login audit row.
type Attempt struct {
	ID                  string    `json:"id"`
	Identity            string    `json:"identity"`
	OwnerID             string    `json:"owner_id,omitempty"`
	ClientIP            string    `json:"client_ip"`
	UserAgent           string    `json:"user_agent"`
	AttemptedAt         time.Time `json:"attempted_at"`
	Result              Result    `json:"result"`
	FailureReason       string    `json:"failure_reason,omitempty"`
	DeviceID            string    `json:"device_id,omitempty"`
	DeviceType          string    `json:"device_type,omitempty"`
	Browser             string    `json:"browser,omitempty"`
	OS                  string    `json:"os,omitempty"`
	Platform            string    `json:"platform,omitempty"`
	SessionID           string    `json:"session_id,omitempty"`
	RiskScore           int       `json:"risk_score"`
	Suspicious          bool      `json:"suspicious"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

type Action string

const (
	ActionForceOffline Action = "FORCE_OFFLINE"
	ActionRevokeToken  Action = "REVOKE_TOKEN"
	ActionRevokeOwner  Action = "REVOKE_OWNER"
	ActionRevokeDevice Action = "REVOKE_DEVICE"
	ActionLockAccount  Action = "LOCK_ACCOUNT"
	ActionUnlock       Action = "UNLOCK_ACCOUNT"
	ActionRefreshReuse Action = "REFRESH_REPLAY"
	ActionDisable      Action = "DISABLE_ACCOUNT"
	ActionEnable       Action = "ENABLE_ACCOUNT"
)

// AdminEvent records an administrative or security action.
type AdminEvent struct {
	ID         string    `json:"id"`
	Action     Action    `json:"action"`
	OperatorID string    `json:"operator_id"`
	Target     string    `json:"target"`
	Reason     string    `json:"reason,omitempty"`
	Affected   int       `json:"affected"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Repository interface {
	AppendAttempt(ctx context.Context, attempt Attempt) error
	RecentAttempts(ctx context.Context, ownerID string, since time.Time, limit int) ([]Attempt, error)
	CountAttempts(ctx context.Context, result Result, since time.Time) (int64, error)
	AppendEvent(ctx context.Context, event AdminEvent) error
	PurgeAttemptsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
