package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"auth-service/internal/observability"
)

// Headers the gateway sets for upstream services. Inbound copies are always
// stripped so a client cannot assert an identity.
const (
	HeaderUserID      = "X-User-Id"
	HeaderUsername    = "X-Username"
	HeaderRoles       = "X-Roles"
	HeaderPermissions = "X-Permissions"
	HeaderDeviceID    = "X-Device-Id"
	HeaderSessionID   = "X-Session-Id"
)

var trustedHeaders = []string{
	HeaderUserID, HeaderUsername, HeaderRoles, HeaderPermissions, HeaderDeviceID, HeaderSessionID,
}

type Middleware struct {
	validator   Validator
	publicPaths []string
	logger      *observability.Logger
}

func New(validator Validator, publicPaths []string, logger *observability.Logger) *Middleware {
	cleaned := make([]string, 0, len(publicPaths))
	for _, p := range publicPaths {
		// "/" would match every path, so the root is never public.
		if p = strings.TrimRight(strings.TrimSpace(p), "/"); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return &Middleware{validator: validator, publicPaths: cleaned, logger: logger}
}

func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, h := range trustedHeaders {
			r.Header.Del(h)
		}

		if m.isPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			unauthorized(w)
			return
		}

		identity, err := m.validator.Validate(r.Context(), token)
		if err != nil {
			fields := map[string]any{"path": r.URL.Path, "client_ip": observability.ClientIP(r), "error": err.Error()}
			if errors.Is(err, ErrRejected) {
				m.logger.Info("gateway_token_rejected", fields)
			} else {
				m.logger.Error("gateway_validate_failed", fields)
				observability.CaptureInfra(err, "gateway.validate")
			}
			unauthorized(w)
			return
		}

		r.Header.Set(HeaderUserID, identity.OwnerID)
		r.Header.Set(HeaderUsername, identity.Username)
		r.Header.Set(HeaderRoles, strings.Join(identity.Roles, ","))
		r.Header.Set(HeaderPermissions, strings.Join(identity.Permissions, ","))
		r.Header.Set(HeaderDeviceID, identity.DeviceID)
		r.Header.Set(HeaderSessionID, identity.SessionID)
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) isPublic(path string) bool {
	for _, p := range m.publicPaths {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// extractToken prefers the Authorization header and falls back to the
// token query parameter used by websocket and download links.
func extractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		if token := strings.TrimSpace(parts[1]); token != "" {
			return token
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":      "UNAUTHORIZED",
		"message":   "authentication required",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
