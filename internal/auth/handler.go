package auth

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"auth-service/internal/observability"
)

const (
	maxJSONBodyBytes = 1 << 20
	maxIdentityLen   = 254
	maxPasswordLen   = 200
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type loginRequest struct {
	Identity             string `json:"identity"`
	Password             string `json:"password"`
	DeviceID             string `json:"device_id"`
	DeviceType           string `json:"device_type"`
	AllowMultipleDevices *bool  `json:"allow_multiple_devices"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
	AllDevices   bool   `json:"all_devices"`
}

type validateRequest struct {
	Token string `json:"token"`
}

type tempTokenRequest struct {
	Purpose    string `json:"purpose"`
	TTLMinutes int    `json:"ttl_minutes"`
}

type tempTokenVerifyRequest struct {
	Token   string `json:"token"`
	Purpose string `json:"purpose"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body, false) {
		return
	}

	body.Identity = strings.TrimSpace(body.Identity)
	if body.Identity == "" || len(body.Identity) > maxIdentityLen {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "identity format is invalid")
		return
	}
	if body.Password == "" || len(body.Password) > maxPasswordLen {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "password format is invalid")
		return
	}

	bundle, err := h.service.Login(r.Context(), LoginInput{
		Identity:             body.Identity,
		Secret:               body.Password,
		DeviceID:             body.DeviceID,
		DeviceType:           body.DeviceType,
		ClientIP:             observability.ClientIP(r),
		UserAgent:            r.UserAgent(),
		AllowMultipleDevices: body.AllowMultipleDevices,
	})
	if err != nil {
		if errors.Is(err, ErrAccountLocked) {
			if remaining := h.service.LockRemaining(r.Context(), body.Identity); remaining > 0 {
				retryAfter := int(remaining.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			}
		}
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, bundle)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body, false) {
		return
	}

	bundle, err := h.service.Refresh(r.Context(), body.RefreshToken, observability.ClientIP(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, bundle)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	accessToken, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, string(CodeInvalidToken), "missing authorization token")
		return
	}

	var body logoutRequest
	if !decodeJSON(w, r, &body, true) {
		return
	}

	revoked, err := h.service.Logout(r.Context(), accessToken, body.RefreshToken, body.AllDevices)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}

// Validate is called by the gateway. The token may come in the body or as a
// Bearer header.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	var body validateRequest
	if !decodeJSON(w, r, &body, true) {
		return
	}
	tokenStr := strings.TrimSpace(body.Token)
	if tokenStr == "" {
		tokenStr, _ = bearerToken(r)
	}

	identity, err := h.service.Validate(r.Context(), tokenStr)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, identity)
}

// IssueTempToken runs behind RequireAccess; the token is bound to the caller.
func (h *Handler) IssueTempToken(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, string(CodeInvalidToken), "missing authorization token")
		return
	}

	var body tempTokenRequest
	if !decodeJSON(w, r, &body, false) {
		return
	}
	if strings.TrimSpace(body.Purpose) == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "purpose is required")
		return
	}
	if body.TTLMinutes < 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "ttl_minutes must not be negative")
		return
	}

	temp, err := h.service.IssueTempToken(identity.OwnerID, body.Purpose, time.Duration(body.TTLMinutes)*time.Minute)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, temp)
}

func (h *Handler) VerifyTempToken(w http.ResponseWriter, r *http.Request) {
	var body tempTokenVerifyRequest
	if !decodeJSON(w, r, &body, false) {
		return
	}

	ownerID, valid := h.service.ValidateTempToken(body.Token, body.Purpose)
	response := map[string]any{"valid": valid}
	if valid {
		response["owner_id"] = ownerID
	}
	writeJSON(w, http.StatusOK, response)
}

// decodeJSON reads a bounded body. When optional is set an empty body is
// accepted and leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid json body")
		return false
	}
	return true
}

func writeServiceError(w http.ResponseWriter, err error) {
	status, code, message := Describe(err)
	if status == http.StatusInternalServerError {
		sentry.CaptureException(err)
	}
	writeError(w, status, string(code), message)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":      code,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
