package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrRejected means the auth service answered and refused the token.
var ErrRejected = errors.New("token rejected")

// Identity mirrors the body of a successful POST /auth/validate.
type Identity struct {
	OwnerID     string   `json:"owner_id"`
	Username    string   `json:"username"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	DeviceID    string   `json:"device_id"`
	SessionID   string   `json:"session_id"`
}

type Validator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// RemoteValidator calls the auth service over HTTP.
type RemoteValidator struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
}

func NewRemoteValidator(authServiceURL string, timeout time.Duration) *RemoteValidator {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &RemoteValidator{
		endpoint: strings.TrimRight(authServiceURL, "/") + "/auth/validate",
		client:   &http.Client{Timeout: timeout},
		timeout:  timeout,
	}
}

func (v *RemoteValidator) Validate(ctx context.Context, token string) (Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return Identity{}, fmt.Errorf("encode validate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Identity{}, fmt.Errorf("build validate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("call auth service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Identity{}, ErrRejected
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Identity{}, fmt.Errorf("auth service returned status %d", resp.StatusCode)
	}

	var identity Identity
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&identity); err != nil {
		return Identity{}, fmt.Errorf("decode validate response: %w", err)
	}
	if identity.OwnerID == "" {
		return Identity{}, ErrRejected
	}
	return identity, nil
}
