package account

import (
	"errors"
	"time"
)

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusDisabled Status = "DISABLED"
)

const (
	RoleAdmin      = "ADMIN"
	RoleSuperAdmin = "SUPER_ADMIN"
	RoleUser       = "USER"
)

var (
	ErrNotFound    = errors.New("account not found")
	ErrBadPassword = errors.New("password mismatch")
)

type Owner struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	Status       Status     `json:"status"`
	PasswordHash string     `json:"-"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	LastLoginIP  string     `json:"last_login_ip,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (o Owner) Disabled() bool {
	return o.Status == StatusDisabled
}

type NewOwner struct {
	Username string
	Email    string
	Phone    string
	Password string
	Roles    []string
}
