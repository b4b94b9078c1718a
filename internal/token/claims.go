package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
	KindTemp    Kind = "temp"
)

func (k Kind) Valid() bool {
	switch k {
	case KindAccess, KindRefresh, KindTemp:
		return true
	}
	return false
}

// Claims is the JWT payload shared by all token kinds. The owner id travels
// in the registered "sub" claim and the token id in "jti".
type Claims struct {
	Username    string   `json:"username"`
	Kind        Kind     `json:"tokenType"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	DeviceID    string   `json:"deviceId"`
	ClientIP    string   `json:"clientIp"`
	SessionID   string   `json:"sessionId"`
	Purpose     string   `json:"purpose,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) OwnerID() string {
	return c.Subject
}

func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time.UTC()
}

func (c *Claims) wellFormed() bool {
	return c != nil && c.Subject != "" && c.ID != "" && c.Kind.Valid()
}
