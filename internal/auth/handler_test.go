package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-service/internal/audit"
	"auth-service/internal/observability"
)

func newTestServer(t *testing.T, h *harness, maxHits int) *httptest.Server {
	t.Helper()
	logger := observability.NewLoggerTo(&bytes.Buffer{}, "info")
	mux := http.NewServeMux()
	Mount(mux, h.service, NewLoginRateLimiter(h.client, maxHits, time.Minute, logger))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url, bearer string, body any) *http.Response {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req, err := http.NewRequest(http.MethodPost, url, &payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func get(t *testing.T, url, bearer string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func loginOverHTTP(t *testing.T, server *httptest.Server, identity, device string) SessionBundle {
	t.Helper()
	resp := postJSON(t, server.URL+"/auth/login", "", map[string]any{
		"identity":  identity,
		"password":  alicePass,
		"device_id": device,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[SessionBundle](t, resp)
}

func TestLoginEndpoint(t *testing.T) {
	h := newHarness(t, defaultOptions())
	server := newTestServer(t, h, 100)

	bundle := loginOverHTTP(t, server, "alice", "D1")
	assert.NotEmpty(t, bundle.AccessToken)
	assert.NotEmpty(t, bundle.RefreshToken)

	resp := postJSON(t, server.URL+"/auth/login", "", map[string]any{"identity": "alice", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "INVALID_CREDENTIALS", body["code"])
	assert.Equal(t, "invalid credentials", body["message"])
	assert.NotEmpty(t, body["timestamp"])

	resp = postJSON(t, server.URL+"/auth/login", "", map[string]any{"identity": "alice", "password": alicePass, "extra": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, server.URL+"/auth/login", "", map[string]any{"identity": "", "password": alicePass})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLoginEndpointReportsLockWithRetryAfter(t *testing.T) {
	h := newHarness(t, defaultOptions())
	server := newTestServer(t, h, 100)

	for i := 0; i < 5; i++ {
		postJSON(t, server.URL+"/auth/login", "", map[string]any{"identity": "alice", "password": "nope"})
	}

	resp := postJSON(t, server.URL+"/auth/login", "", map[string]any{"identity": "alice", "password": alicePass})
	assert.Equal(t, http.StatusLocked, resp.StatusCode)
	assert.Equal(t, "1800", resp.Header.Get("Retry-After"))
	assert.Equal(t, "ACCOUNT_LOCKED", decode[map[string]string](t, resp)["code"])
}

func TestLoginRateLimit(t *testing.T) {
	h := newHarness(t, defaultOptions())
	server := newTestServer(t, h, 2)

	for i := 0; i < 2; i++ {
		resp := postJSON(t, server.URL+"/auth/login", "", map[string]any{"identity": "alice", "password": "nope"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	resp := postJSON(t, server.URL+"/auth/login", "", map[string]any{"identity": "alice", "password": alicePass})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))

	h.redis.FastForward(time.Minute + time.Second)
	resp = postJSON(t, server.URL+"/auth/login", "", map[string]any{"identity": "alice", "password": alicePass})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoginRateLimitFailsOpen(t *testing.T) {
	h := newHarness(t, defaultOptions())
	server := newTestServer(t, h, 1)

	h.redis.Close()
	// The blacklist is down too, so only check that login is not throttled.
	resp := postJSON(t, server.URL+"/auth/login", "", map[string]any{"identity": "alice", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = postJSON(t, server.URL+"/auth/login", "", map[string]any{"identity": "alice", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRefreshAndValidateEndpoints(t *testing.T) {
	h := newHarness(t, defaultOptions())
	server := newTestServer(t, h, 100)
	bundle := loginOverHTTP(t, server, "alice", "D1")

	resp := postJSON(t, server.URL+"/auth/validate", "", map[string]string{"token": bundle.AccessToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	identity := decode[Identity](t, resp)
	assert.Equal(t, aliceID, identity.OwnerID)

	resp = postJSON(t, server.URL+"/auth/validate", bundle.AccessToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, server.URL+"/auth/refresh", "", map[string]string{"refresh_token": bundle.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rotated := decode[SessionBundle](t, resp)
	assert.NotEqual(t, bundle.RefreshToken, rotated.RefreshToken)

	resp = postJSON(t, server.URL+"/auth/refresh", "", map[string]string{"refresh_token": bundle.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, server.URL+"/auth/validate", "", map[string]string{"token": rotated.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "INVALID_TOKEN", body["code"])
	assert.Equal(t, "invalid token", body["message"])
}

func TestLogoutEndpoint(t *testing.T) {
	h := newHarness(t, defaultOptions())
	server := newTestServer(t, h, 100)
	bundle := loginOverHTTP(t, server, "alice", "D1")

	resp := postJSON(t, server.URL+"/auth/logout", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, server.URL+"/auth/logout", bundle.AccessToken, map[string]string{"refresh_token": bundle.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, decode[map[string]any](t, resp)["revoked"])

	resp = postJSON(t, server.URL+"/auth/validate", bundle.AccessToken, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTempTokenEndpoints(t *testing.T) {
	h := newHarness(t, defaultOptions())
	server := newTestServer(t, h, 100)
	bundle := loginOverHTTP(t, server, "alice", "D1")

	resp := postJSON(t, server.URL+"/auth/temp-token", "", map[string]any{"purpose": "password_reset"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, server.URL+"/auth/temp-token", bundle.AccessToken, map[string]any{"purpose": "password_reset", "ttl_minutes": 10})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	temp := decode[TempToken](t, resp)
	assert.WithinDuration(t, h.now.Add(10*time.Minute), temp.ExpiresAt, 0)

	resp = postJSON(t, server.URL+"/auth/temp-token/verify", "", map[string]string{"token": temp.Token, "purpose": "password_reset"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	verdict := decode[map[string]any](t, resp)
	assert.Equal(t, true, verdict["valid"])
	assert.Equal(t, aliceID, verdict["owner_id"])

	resp = postJSON(t, server.URL+"/auth/temp-token/verify", "", map[string]string{"token": temp.Token, "purpose": "other"})
	assert.Equal(t, false, decode[map[string]any](t, resp)["valid"])
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	h := newHarness(t, defaultOptions())
	server := newTestServer(t, h, 100)
	user := loginOverHTTP(t, server, "alice", "D1")

	resp := get(t, server.URL+"/admin/stats", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = get(t, server.URL+"/admin/stats", user.AccessToken)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", decode[map[string]string](t, resp)["code"])

	admin := loginOverHTTP(t, server, "root", "ADMIN-1")
	resp = get(t, server.URL+"/admin/stats", admin.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[Statistics](t, resp)
	assert.Equal(t, int64(2), stats.OnlineOwners)
}

func TestAdminSessionControls(t *testing.T) {
	h := newHarness(t, defaultOptions())
	server := newTestServer(t, h, 100)
	laptop := loginOverHTTP(t, server, "alice", "D1")
	phone := loginOverHTTP(t, server, "alice", "D2")
	admin := loginOverHTTP(t, server, "root", "ADMIN-1")

	resp := get(t, server.URL+"/admin/owners/"+aliceID+"/sessions", admin.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing := decode[struct {
		Online   bool            `json:"online"`
		Sessions []ActiveSession `json:"sessions"`
	}](t, resp)
	assert.True(t, listing.Online)
	assert.Len(t, listing.Sessions, 4)

	resp = postJSON(t, server.URL+"/admin/owners/"+aliceID+"/revoke", admin.AccessToken, map[string]string{"device_id": "D1", "reason": "lost"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, decode[map[string]any](t, resp)["revoked"])

	resp = postJSON(t, server.URL+"/auth/validate", laptop.AccessToken, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, server.URL+"/admin/tokens/revoke", admin.AccessToken, map[string]string{"token": phone.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decode[map[string]any](t, resp)["revoked"])

	resp = postJSON(t, server.URL+"/admin/owners/"+aliceID+"/force-offline", admin.AccessToken, map[string]string{"reason": "incident"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, decode[map[string]any](t, resp)["revoked"])

	resp = postJSON(t, server.URL+"/auth/validate", phone.AccessToken, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminLoginHistory(t *testing.T) {
	h := newHarness(t, defaultOptions())
	server := newTestServer(t, h, 100)
	alice := loginOverHTTP(t, server, "alice", "D1")
	h.advance(time.Minute)
	loginOverHTTP(t, server, "alice", "D2")
	admin := loginOverHTTP(t, server, "root", "ADMIN-1")

	resp := get(t, server.URL+"/admin/owners/"+aliceID+"/logins", admin.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decode[struct {
		OwnerID  string          `json:"owner_id"`
		Attempts []audit.Attempt `json:"attempts"`
	}](t, resp)
	assert.Equal(t, aliceID, history.OwnerID)
	require.Len(t, history.Attempts, 2)
	assert.Equal(t, "D2", history.Attempts[0].DeviceID)
	assert.Equal(t, audit.ResultSuccess, history.Attempts[0].Result)
	assert.Equal(t, "D1", history.Attempts[1].DeviceID)

	resp = get(t, server.URL+"/admin/owners/"+aliceID+"/logins?limit=1", admin.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[map[string][]any](t, resp)["attempts"], 1)

	resp = get(t, server.URL+"/admin/owners/"+aliceID+"/logins?limit=zero", admin.AccessToken)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = get(t, server.URL+"/admin/owners/"+aliceID+"/logins", alice.AccessToken)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAdminLockEndpoints(t *testing.T) {
	h := newHarness(t, defaultOptions())
	server := newTestServer(t, h, 100)
	admin := loginOverHTTP(t, server, "root", "ADMIN-1")

	resp := postJSON(t, server.URL+"/admin/accounts/lock", admin.AccessToken, map[string]any{"identity": "alice", "reason": "review", "minutes": 15})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := decode[map[string]any](t, resp)
	assert.Equal(t, true, state["locked"])
	assert.True(t, strings.HasPrefix(state["locked_until"].(string), "2026-03-02T08:15:00"))

	resp = postJSON(t, server.URL+"/auth/login", "", map[string]any{"identity": "alice", "password": alicePass})
	assert.Equal(t, http.StatusLocked, resp.StatusCode)

	resp = postJSON(t, server.URL+"/admin/accounts/unlock", admin.AccessToken, map[string]string{"identity": "alice"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	loginOverHTTP(t, server, "alice", "D1")
}
