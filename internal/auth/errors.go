package auth

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeAccountLocked      Code = "ACCOUNT_LOCKED"
	CodeAccountDisabled    Code = "ACCOUNT_DISABLED"
	CodeInvalidToken       Code = "INVALID_TOKEN"

	// CodeTokenExpired is reserved. Expired tokens are reported as
	// CodeInvalidToken so responses do not reveal token state.
	CodeTokenExpired    Code = "TOKEN_EXPIRED"
	CodeSessionConflict Code = "SESSION_CONFLICT"
	CodeUnavailable     Code = "SERVICE_UNAVAILABLE"
	CodeInternal        Code = "INTERNAL_ERROR"
)

// PolicyError is an expected, terminal outcome. Its message is safe to show
// to clients; the internal reason only goes to logs.
type PolicyError struct {
	Code    Code
	Message string
	Status  int
}

func (e *PolicyError) Error() string {
	return e.Message
}

var (
	ErrInvalidCredentials = &PolicyError{Code: CodeInvalidCredentials, Message: "invalid credentials", Status: http.StatusUnauthorized}
	ErrAccountLocked      = &PolicyError{Code: CodeAccountLocked, Message: "account temporarily locked", Status: http.StatusLocked}
	ErrAccountDisabled    = &PolicyError{Code: CodeAccountDisabled, Message: "account disabled", Status: http.StatusForbidden}
	ErrInvalidToken       = &PolicyError{Code: CodeInvalidToken, Message: "invalid token", Status: http.StatusUnauthorized}
	ErrSessionConflict    = &PolicyError{Code: CodeSessionConflict, Message: "another session is active", Status: http.StatusConflict}
)

// UnavailableError wraps a store or cache failure. It is retryable.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: service unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func unavailable(op string, err error) error {
	return &UnavailableError{Op: op, Err: err}
}

func IsUnavailable(err error) bool {
	var target *UnavailableError
	return errors.As(err, &target)
}

// Describe maps any service error to the status, code and message an HTTP
// response may carry.
func Describe(err error) (int, Code, string) {
	var policy *PolicyError
	if errors.As(err, &policy) {
		return policy.Status, policy.Code, policy.Message
	}
	if IsUnavailable(err) {
		return http.StatusServiceUnavailable, CodeUnavailable, "service unavailable, retry later"
	}
	return http.StatusInternalServerError, CodeInternal, "internal server error"
}
