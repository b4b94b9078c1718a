package auth

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"auth-service/internal/audit"
)

// AdminHandler serves operator endpoints. Every route runs behind
// RequireAccess and RequireRole.
type AdminHandler struct {
	service *Service
}

func NewAdminHandler(service *Service) *AdminHandler {
	return &AdminHandler{service: service}
}

type revokeTokenRequest struct {
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

type revokeOwnerRequest struct {
	Reason   string `json:"reason"`
	DeviceID string `json:"device_id"`
}

type forceOfflineRequest struct {
	Reason string `json:"reason"`
}

type lockRequest struct {
	Identity string `json:"identity"`
	Reason   string `json:"reason"`
	Minutes  int    `json:"minutes"`
}

type unlockRequest struct {
	Identity string `json:"identity"`
}

func (h *AdminHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	operator, _ := IdentityFrom(r.Context())

	var body revokeTokenRequest
	if !decodeJSON(w, r, &body, false) {
		return
	}
	if strings.TrimSpace(body.Token) == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "token is required")
		return
	}
	reason := reasonOr(body.Reason, "admin_revoke")

	revoked, err := h.service.Revoke(r.Context(), body.Token, operator.OwnerID, reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if revoked {
		h.service.RecordAdminEvent(r.Context(), audit.AdminEvent{
			Action:     audit.ActionRevokeToken,
			OperatorID: operator.OwnerID,
			Reason:     reason,
			Affected:   1,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}

func (h *AdminHandler) RevokeOwner(w http.ResponseWriter, r *http.Request) {
	operator, _ := IdentityFrom(r.Context())
	ownerID := strings.TrimSpace(r.PathValue("id"))

	var body revokeOwnerRequest
	if !decodeJSON(w, r, &body, true) {
		return
	}
	reason := reasonOr(body.Reason, "admin_revoke")
	deviceID := strings.TrimSpace(body.DeviceID)

	var (
		revoked int
		err     error
		action  = audit.ActionRevokeOwner
	)
	if deviceID != "" {
		action = audit.ActionRevokeDevice
		revoked, err = h.service.RevokeForOwnerDevice(r.Context(), ownerID, deviceID, operator.OwnerID, reason)
	} else {
		revoked, err = h.service.RevokeAllForOwner(r.Context(), ownerID, operator.OwnerID, reason)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	target := ownerID
	if deviceID != "" {
		target = ownerID + "/" + deviceID
	}
	h.service.RecordAdminEvent(r.Context(), audit.AdminEvent{
		Action:     action,
		OperatorID: operator.OwnerID,
		Target:     target,
		Reason:     reason,
		Affected:   revoked,
	})

	writeJSON(w, http.StatusOK, map[string]any{"owner_id": ownerID, "revoked": revoked})
}

func (h *AdminHandler) ForceOffline(w http.ResponseWriter, r *http.Request) {
	operator, _ := IdentityFrom(r.Context())
	ownerID := strings.TrimSpace(r.PathValue("id"))

	var body forceOfflineRequest
	if !decodeJSON(w, r, &body, true) {
		return
	}

	revoked, err := h.service.ForceOffline(r.Context(), ownerID, operator.OwnerID, body.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"owner_id": ownerID, "revoked": revoked})
}

func (h *AdminHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(r.PathValue("id"))

	sessions, err := h.service.ActiveSessions(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	online, err := h.service.IsOnline(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner_id": ownerID,
		"online":   online,
		"sessions": sessions,
	})
}

func (h *AdminHandler) Logins(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(r.PathValue("id"))

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a positive integer")
			return
		}
		limit = n
	}

	attempts, err := h.service.RecentLogins(r.Context(), ownerID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	suspicious := 0
	for _, a := range attempts {
		if a.Suspicious {
			suspicious++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner_id":   ownerID,
		"attempts":   attempts,
		"suspicious": suspicious,
	})
}

func (h *AdminHandler) Lock(w http.ResponseWriter, r *http.Request) {
	operator, _ := IdentityFrom(r.Context())

	var body lockRequest
	if !decodeJSON(w, r, &body, false) {
		return
	}
	if strings.TrimSpace(body.Identity) == "" || body.Minutes < 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "identity is required and minutes must not be negative")
		return
	}

	state, err := h.service.LockAccount(r.Context(), body.Identity, reasonOr(body.Reason, "admin_lock"), operator.OwnerID, time.Duration(body.Minutes)*time.Minute)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, state)
}

func (h *AdminHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	operator, _ := IdentityFrom(r.Context())

	var body unlockRequest
	if !decodeJSON(w, r, &body, false) {
		return
	}
	if strings.TrimSpace(body.Identity) == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "identity is required")
		return
	}

	if err := h.service.UnlockAccount(r.Context(), body.Identity, operator.OwnerID); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func reasonOr(reason, fallback string) string {
	if reason = strings.TrimSpace(reason); reason != "" {
		return reason
	}
	return fallback
}
