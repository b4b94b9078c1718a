package auth

import "time"

type LoginInput struct {
	Identity   string
	Secret     string
	DeviceID   string
	DeviceType string
	ClientIP   string
	UserAgent  string
	// AllowMultipleDevices overrides the configured policy when set.
	AllowMultipleDevices *bool
}

type SessionBundle struct {
	AccessToken      string   `json:"access_token"`
	RefreshToken     string   `json:"refresh_token,omitempty"`
	TokenType        string   `json:"token_type"`
	ExpiresIn        int64    `json:"expires_in"`
	RefreshExpiresIn int64    `json:"refresh_expires_in,omitempty"`
	OwnerID          string   `json:"owner_id"`
	Username         string   `json:"username"`
	Roles            []string `json:"roles"`
	Permissions      []string `json:"permissions"`
	DeviceID         string   `json:"device_id"`
	SessionID        string   `json:"session_id"`
	EvictedTokens    int      `json:"evicted_tokens,omitempty"`
}

// Identity is what a valid access token proves.
type Identity struct {
	OwnerID     string    `json:"owner_id"`
	Username    string    `json:"username"`
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions"`
	DeviceID    string    `json:"device_id"`
	SessionID   string    `json:"session_id"`
	TokenID     string    `json:"token_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (i Identity) HasRole(roles ...string) bool {
	for _, have := range i.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

type TempToken struct {
	Token     string    `json:"token"`
	Purpose   string    `json:"purpose"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ActiveSession describes one ACTIVE token record without its secret.
type ActiveSession struct {
	TokenID    string     `json:"token_id"`
	Kind       string     `json:"kind"`
	DeviceID   string     `json:"device_id"`
	DeviceType string     `json:"device_type"`
	ClientIP   string     `json:"client_ip"`
	UserAgent  string     `json:"user_agent"`
	SessionID  string     `json:"session_id"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	UseCount   int64      `json:"use_count"`
}

type Statistics struct {
	ActiveTokens   int64            `json:"active_tokens"`
	ActiveByKind   map[string]int64 `json:"active_by_kind"`
	OnlineOwners   int64            `json:"online_owners"`
	LoginsToday    int64            `json:"logins_today"`
	GeneratedAtUTC time.Time        `json:"generated_at"`
}
