package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"auth-service/internal/account"
	"auth-service/internal/audit"
	"auth-service/internal/blacklist"
	"auth-service/internal/lockout"
	"auth-service/internal/observability"
	"auth-service/internal/session"
	"auth-service/internal/token"
	"auth-service/internal/tokenstore"

	"github.com/google/uuid"
)

const (
	defaultAccessTTL  = 30 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	defaultTempTTL    = 5 * time.Minute
	maxTempTTL        = 30 * time.Minute

	loginHistoryWindow = 30 * 24 * time.Hour
	defaultLoginLimit  = 20
	maxLoginLimit      = 100

	tokenTypeBearer = "Bearer"
	systemOperator  = "system"
)

// Directory resolves credentials and the role and permission sets copied
// into access tokens.
type Directory interface {
	Verify(ctx context.Context, identity, secret string) (account.Owner, error)
	OwnerByID(ctx context.Context, id string) (account.Owner, error)
	RolesFor(ctx context.Context, ownerID string) ([]string, error)
	PermissionsFor(ctx context.Context, roles []string) ([]string, error)
	RecordLogin(ctx context.Context, ownerID, clientIP string, at time.Time) error
}

type Blacklist interface {
	Add(ctx context.Context, tokenID string, ttl time.Duration) error
	AddAll(ctx context.Context, entries []blacklist.Entry) error
	Contains(ctx context.Context, tokenID string) (bool, error)
}

type Deps struct {
	Codec     *token.Codec
	Store     tokenstore.Store
	Blacklist Blacklist
	Sessions  *session.Engine
	Lockout   *lockout.Tracker
	Audit     *audit.Log
	Directory Directory
	Logger    *observability.Logger
}

type Settings struct {
	AccessTTL            time.Duration
	RefreshTTL           time.Duration
	TempTTL              time.Duration
	RotateRefreshTokens  bool
	AllowMultipleDevices bool
}

// Service orchestrates login, validation, refresh and revocation over the
// token store, blacklist, session engine and lockout tracker.
type Service struct {
	codec     *token.Codec
	store     tokenstore.Store
	blacklist Blacklist
	sessions  *session.Engine
	lockout   *lockout.Tracker
	audit     *audit.Log
	directory Directory
	logger    *observability.Logger
	settings  Settings
	now       func() time.Time
}

func NewService(deps Deps) *Service {
	return &Service{
		codec:     deps.Codec,
		store:     deps.Store,
		blacklist: deps.Blacklist,
		sessions:  deps.Sessions,
		lockout:   deps.Lockout,
		audit:     deps.Audit,
		directory: deps.Directory,
		logger:    deps.Logger,
		settings: Settings{
			AccessTTL:            defaultAccessTTL,
			RefreshTTL:           defaultRefreshTTL,
			TempTTL:              defaultTempTTL,
			RotateRefreshTokens:  true,
			AllowMultipleDevices: true,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithSecurityConfig(settings Settings) *Service {
	if settings.AccessTTL > 0 {
		s.settings.AccessTTL = settings.AccessTTL
	}
	if settings.RefreshTTL > 0 {
		s.settings.RefreshTTL = settings.RefreshTTL
	}
	if settings.TempTTL > 0 {
		s.settings.TempTTL = min(settings.TempTTL, maxTempTTL)
	}
	s.settings.RotateRefreshTokens = settings.RotateRefreshTokens
	s.settings.AllowMultipleDevices = settings.AllowMultipleDevices
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Login authenticates an identity and issues a token pair for one device.
func (s *Service) Login(ctx context.Context, in LoginInput) (SessionBundle, error) {
	identity := strings.ToLower(strings.TrimSpace(in.Identity))
	if identity == "" || in.Secret == "" {
		return SessionBundle{}, ErrInvalidCredentials
	}
	deviceID := strings.TrimSpace(in.DeviceID)
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	device := audit.DescribeDevice(in.UserAgent, in.DeviceType)
	attempt := audit.Attempt{
		Identity:   identity,
		ClientIP:   in.ClientIP,
		UserAgent:  in.UserAgent,
		DeviceID:   deviceID,
		DeviceType: device.Type,
		Browser:    device.Browser,
		OS:         device.OS,
		Platform:   device.Platform,
	}
	fail := func(result audit.Result, reason string, err error) (SessionBundle, error) {
		attempt.Result = result
		attempt.FailureReason = reason
		s.audit.RecordAttempt(ctx, attempt)
		return SessionBundle{}, err
	}

	locked, err := s.lockout.IsLocked(ctx, identity)
	if err != nil {
		return fail(audit.ResultUnavailable, "lockout_unavailable", s.infra(ctx, "auth.login.lockout", err))
	}
	if locked {
		return fail(audit.ResultLocked, "account_locked", ErrAccountLocked)
	}

	owner, err := s.directory.Verify(ctx, identity, in.Secret)
	if err != nil {
		if !errors.Is(err, account.ErrNotFound) && !errors.Is(err, account.ErrBadPassword) {
			return fail(audit.ResultUnavailable, "directory_unavailable", s.infra(ctx, "auth.login.verify", err))
		}
		attempt.OwnerID = owner.ID
		failures, justLocked, lockErr := s.lockout.RecordFailure(ctx, identity)
		if lockErr != nil {
			return fail(audit.ResultUnavailable, "lockout_unavailable", s.infra(ctx, "auth.login.record_failure", lockErr))
		}
		attempt.ConsecutiveFailures = failures
		if justLocked {
			s.logger.Warn("account_locked", map[string]any{
				"identity":        identity,
				"failed_attempts": failures,
				"client_ip":       in.ClientIP,
			})
			s.audit.RecordEvent(ctx, audit.AdminEvent{
				Action:     audit.ActionLockAccount,
				OperatorID: lockout.SystemOperator,
				Target:     identity,
				Reason:     lockout.ReasonTooManyFailures,
				Affected:   1,
			})
		}
		return fail(audit.ResultFailed, "invalid_credentials", ErrInvalidCredentials)
	}

	attempt.OwnerID = owner.ID
	if owner.Disabled() {
		return fail(audit.ResultDisabled, "account_disabled", ErrAccountDisabled)
	}

	if err := s.lockout.RecordSuccess(ctx, identity); err != nil {
		s.logger.Warn("lockout_reset_failed", map[string]any{"identity": identity, "error": err.Error()})
	}

	roles, permissions, err := s.grants(ctx, owner.ID)
	if err != nil {
		return fail(audit.ResultUnavailable, "directory_unavailable", s.infra(ctx, "auth.login.grants", err))
	}

	sessionID := newID()
	bundle, records, err := s.issuePair(owner, roles, permissions, deviceID, in.ClientIP, sessionID, tokenstore.Session{
		DeviceType: device.Type,
		UserAgent:  in.UserAgent,
		FamilyID:   sessionID,
	})
	if err != nil {
		return fail(audit.ResultUnavailable, "token_mint_failed", err)
	}

	allowMultiple := s.settings.AllowMultipleDevices
	if in.AllowMultipleDevices != nil {
		allowMultiple = *in.AllowMultipleDevices
	}
	evicted, err := s.sessions.Admit(ctx, owner.ID, deviceID, allowMultiple, records...)
	if err != nil {
		if errors.Is(err, session.ErrConflict) {
			return fail(audit.ResultFailed, "session_conflict", ErrSessionConflict)
		}
		return fail(audit.ResultUnavailable, "token_store_unavailable", s.infra(ctx, "auth.login.admit", err))
	}
	bundle.EvictedTokens = len(evicted)

	risk, err := s.audit.Assess(ctx, owner.ID, in.ClientIP, in.UserAgent)
	if err != nil {
		s.logger.Warn("login_risk_unavailable", map[string]any{"owner_id": owner.ID, "error": err.Error()})
	}

	attempt.Result = audit.ResultSuccess
	attempt.SessionID = sessionID
	attempt.RiskScore = risk.Score
	attempt.Suspicious = risk.Suspicious
	s.audit.RecordAttempt(ctx, attempt)
	if risk.Suspicious {
		s.logger.Warn("suspicious_login", map[string]any{
			"owner_id":   owner.ID,
			"client_ip":  in.ClientIP,
			"risk_score": risk.Score,
			"signals":    risk.Signals,
		})
	}

	if err := s.directory.RecordLogin(ctx, owner.ID, in.ClientIP, s.now()); err != nil {
		s.logger.Warn("last_login_update_failed", map[string]any{"owner_id": owner.ID, "error": err.Error()})
	}

	s.logger.Info("login_succeeded", map[string]any{
		"owner_id":   owner.ID,
		"device_id":  deviceID,
		"session_id": sessionID,
		"evicted":    len(evicted),
	})
	return bundle, nil
}

// Validate reports the identity behind an access token. It fails closed:
// a token is accepted only when it is well signed, unexpired, of kind
// access, not blacklisted and backed by an available store record.
func (s *Service) Validate(ctx context.Context, accessToken string) (Identity, error) {
	accessToken = strings.TrimSpace(accessToken)
	tokenID, err := s.codec.PeekID(accessToken)
	if err != nil {
		return Identity{}, s.reject("malformed", nil)
	}

	blacklisted, err := s.blacklist.Contains(ctx, tokenID)
	if err != nil {
		s.logger.Error("blacklist_unavailable", map[string]any{"token_id": tokenID, "error": err.Error()})
		observability.CaptureInfra(err, "auth.validate.blacklist")
		return Identity{}, s.reject("blacklist_unavailable", map[string]any{"token_id": tokenID})
	}
	if blacklisted {
		return Identity{}, s.reject("blacklisted", map[string]any{"token_id": tokenID})
	}

	claims, err := s.codec.VerifyKind(accessToken, token.KindAccess)
	if err != nil {
		return Identity{}, s.reject(token.Reason(err), map[string]any{"token_id": tokenID})
	}

	record, err := s.store.GetByValue(ctx, accessToken)
	if err != nil {
		if errors.Is(err, tokenstore.ErrNotFound) {
			return Identity{}, s.reject("unknown", map[string]any{"token_id": tokenID})
		}
		return Identity{}, s.infra(ctx, "auth.validate.lookup", err)
	}
	now := s.now()
	if !record.Available(now) {
		return Identity{}, s.reject("not_active", map[string]any{"token_id": tokenID, "status": string(record.Status)})
	}
	if record.OwnerID != claims.OwnerID() || record.Kind != token.KindAccess {
		s.logger.Error("token_record_mismatch", map[string]any{"token_id": tokenID, "owner_id": claims.OwnerID()})
		return Identity{}, s.reject("record_mismatch", nil)
	}

	if err := s.store.TouchLastUsed(ctx, accessToken, now); err != nil {
		s.logger.Warn("token_touch_failed", map[string]any{"token_id": tokenID, "error": err.Error()})
	}

	return Identity{
		OwnerID:     claims.OwnerID(),
		Username:    claims.Username,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		DeviceID:    claims.DeviceID,
		SessionID:   claims.SessionID,
		TokenID:     claims.ID,
		ExpiresAt:   claims.Expiry(),
	}, nil
}

// Refresh exchanges a refresh token for a new access token and, when
// rotation is on, a new refresh token. Presenting a refresh token that was
// already rotated revokes its whole session family.
func (s *Service) Refresh(ctx context.Context, refreshToken, clientIP string) (SessionBundle, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	claims, err := s.codec.VerifyKind(refreshToken, token.KindRefresh)
	if err != nil {
		return SessionBundle{}, s.reject(token.Reason(err), map[string]any{"kind": string(token.KindRefresh)})
	}

	blacklisted, err := s.blacklist.Contains(ctx, claims.ID)
	if err != nil {
		observability.CaptureInfra(err, "auth.refresh.blacklist")
		return SessionBundle{}, s.reject("blacklist_unavailable", map[string]any{"token_id": claims.ID})
	}
	if blacklisted {
		return SessionBundle{}, s.reject("blacklisted", map[string]any{"token_id": claims.ID})
	}

	record, err := s.store.GetByValue(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, tokenstore.ErrNotFound) {
			return SessionBundle{}, s.reject("unknown", map[string]any{"token_id": claims.ID})
		}
		return SessionBundle{}, s.infra(ctx, "auth.refresh.lookup", err)
	}
	if record.Rotated() {
		return SessionBundle{}, s.replayDetected(ctx, record, clientIP)
	}
	if !record.Available(s.now()) || record.OwnerID != claims.OwnerID() || record.Kind != token.KindRefresh {
		return SessionBundle{}, s.reject("not_active", map[string]any{"token_id": claims.ID, "status": string(record.Status)})
	}

	owner, err := s.directory.OwnerByID(ctx, record.OwnerID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return SessionBundle{}, s.reject("owner_missing", map[string]any{"owner_id": record.OwnerID})
		}
		return SessionBundle{}, s.infra(ctx, "auth.refresh.owner", err)
	}
	if owner.Disabled() {
		return SessionBundle{}, ErrAccountDisabled
	}
	roles, permissions, err := s.grants(ctx, owner.ID)
	if err != nil {
		return SessionBundle{}, s.infra(ctx, "auth.refresh.grants", err)
	}

	meta := tokenstore.Session{DeviceType: record.DeviceType, UserAgent: record.UserAgent, FamilyID: record.FamilyID}
	access, err := s.mint(token.KindAccess, owner, roles, permissions, record.DeviceID, clientIP, record.SessionID, s.settings.AccessTTL)
	if err != nil {
		return SessionBundle{}, err
	}
	accessRecord := tokenstore.NewRecord(newID(), access, meta)

	bundle := s.bundle(owner, roles, permissions, record.DeviceID, record.SessionID, access)
	if !s.settings.RotateRefreshTokens {
		if err := s.store.Put(ctx, accessRecord); err != nil {
			return SessionBundle{}, s.infra(ctx, "auth.refresh.put", err)
		}
		s.logger.Info("token_refreshed", map[string]any{"owner_id": owner.ID, "session_id": record.SessionID, "rotated": false})
		return bundle, nil
	}

	refresh, err := s.mint(token.KindRefresh, owner, nil, nil, record.DeviceID, clientIP, record.SessionID, s.settings.RefreshTTL)
	if err != nil {
		return SessionBundle{}, err
	}
	refreshRecord := tokenstore.NewRecord(newID(), refresh, meta)

	old, err := s.store.Rotate(ctx, refreshToken, accessRecord, refreshRecord)
	switch {
	case errors.Is(err, tokenstore.ErrReplayed):
		return SessionBundle{}, s.replayDetected(ctx, old, clientIP)
	case errors.Is(err, tokenstore.ErrNotAvailable), errors.Is(err, tokenstore.ErrNotFound):
		return SessionBundle{}, s.reject("not_active", map[string]any{"token_id": claims.ID})
	case err != nil:
		return SessionBundle{}, s.infra(ctx, "auth.refresh.rotate", err)
	}

	bundle.RefreshToken = refresh.Value
	bundle.RefreshExpiresIn = int64(refresh.ExpiresAt.Sub(refresh.IssuedAt).Seconds())
	s.logger.Info("token_refreshed", map[string]any{"owner_id": owner.ID, "session_id": record.SessionID, "rotated": true})
	return bundle, nil
}

// replayDetected revokes every live token descended from the same login.
func (s *Service) replayDetected(ctx context.Context, record tokenstore.Record, clientIP string) error {
	s.logger.Warn("refresh_token_replay", map[string]any{
		"owner_id":    record.OwnerID,
		"family_id":   record.FamilyID,
		"token_id":    record.TokenID,
		"client_ip":   clientIP,
		"replaced_by": record.ReplacedBy,
	})

	active, err := s.store.ListActiveByOwner(ctx, record.OwnerID)
	if err != nil {
		return s.infra(ctx, "auth.refresh.replay", err)
	}
	family := make([]tokenstore.Record, 0, len(active))
	for _, r := range active {
		if r.FamilyID == record.FamilyID {
			family = append(family, r)
		}
	}
	revoked, err := s.revokeSet(ctx, family, func() ([]tokenstore.Record, error) {
		return s.store.RevokeFamily(ctx, record.OwnerID, record.FamilyID, systemOperator, tokenstore.ReasonReplay)
	})
	if err != nil {
		return s.infra(ctx, "auth.refresh.replay", err)
	}

	s.audit.RecordEvent(ctx, audit.AdminEvent{
		Action:     audit.ActionRefreshReuse,
		OperatorID: systemOperator,
		Target:     record.OwnerID,
		Reason:     "refresh token presented after rotation",
		Affected:   revoked,
	})
	return ErrInvalidToken
}

// Revoke retires a single token. It reports false when the value was never
// issued by this service; revoking twice is not an error.
func (s *Service) Revoke(ctx context.Context, value, revokedBy, reason string) (bool, error) {
	value = strings.TrimSpace(value)
	record, err := s.store.GetByValue(ctx, value)
	if err != nil {
		if errors.Is(err, tokenstore.ErrNotFound) {
			return false, nil
		}
		return false, s.infra(ctx, "auth.revoke.lookup", err)
	}

	if record.Status == tokenstore.StatusActive {
		if err := s.blacklist.Add(ctx, record.TokenID, record.Remaining(s.now())); err != nil {
			s.blacklistFailed(err, "auth.revoke.blacklist", record.OwnerID)
		}
	}
	ok, err := s.store.Revoke(ctx, value, revokedBy, reason)
	if err != nil {
		return false, s.infra(ctx, "auth.revoke", err)
	}
	s.logger.Info("token_revoked", map[string]any{
		"token_id":   record.TokenID,
		"owner_id":   record.OwnerID,
		"revoked_by": revokedBy,
		"reason":     reason,
	})
	return ok, nil
}

func (s *Service) RevokeAllForOwner(ctx context.Context, ownerID, revokedBy, reason string) (int, error) {
	active, err := s.store.ListActiveByOwner(ctx, ownerID)
	if err != nil {
		return 0, s.infra(ctx, "auth.revoke_owner", err)
	}
	n, err := s.revokeSet(ctx, active, func() ([]tokenstore.Record, error) {
		return s.store.RevokeAllForOwner(ctx, ownerID, revokedBy, reason)
	})
	if err != nil {
		return 0, s.infra(ctx, "auth.revoke_owner", err)
	}
	s.logger.Info("owner_tokens_revoked", map[string]any{"owner_id": ownerID, "revoked": n, "revoked_by": revokedBy, "reason": reason})
	return n, nil
}

func (s *Service) RevokeForOwnerDevice(ctx context.Context, ownerID, deviceID, revokedBy, reason string) (int, error) {
	active, err := s.store.ListActiveByOwner(ctx, ownerID)
	if err != nil {
		return 0, s.infra(ctx, "auth.revoke_device", err)
	}
	onDevice := make([]tokenstore.Record, 0, len(active))
	for _, r := range active {
		if r.DeviceID == deviceID {
			onDevice = append(onDevice, r)
		}
	}
	n, err := s.revokeSet(ctx, onDevice, func() ([]tokenstore.Record, error) {
		return s.store.RevokeForOwnerDevice(ctx, ownerID, deviceID, revokedBy, reason)
	})
	if err != nil {
		return 0, s.infra(ctx, "auth.revoke_device", err)
	}
	s.logger.Info("device_tokens_revoked", map[string]any{"owner_id": ownerID, "device_id": deviceID, "revoked": n, "revoked_by": revokedBy})
	return n, nil
}

// ForceOffline is the administrative form of RevokeAllForOwner.
func (s *Service) ForceOffline(ctx context.Context, ownerID, operatorID, reason string) (int, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "force_offline"
	}
	n, err := s.RevokeAllForOwner(ctx, ownerID, operatorID, reason)
	if err != nil {
		return 0, err
	}
	s.audit.RecordEvent(ctx, audit.AdminEvent{
		Action:     audit.ActionForceOffline,
		OperatorID: operatorID,
		Target:     ownerID,
		Reason:     reason,
		Affected:   n,
	})
	return n, nil
}

// Logout revokes the caller's access token and, if given, its refresh token.
// The access token must not be blacklisted and its record must still be
// ACTIVE. A token whose signature has expired is accepted for a single-device
// logout so a client can always clear its own session; allDevices needs a
// token that verifies in full.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string, allDevices bool) (int, error) {
	accessToken = strings.TrimSpace(accessToken)
	claims, err := s.codec.VerifyKind(accessToken, token.KindAccess)
	if err != nil {
		stale := errors.Is(err, token.ErrExpired) && claims != nil && claims.Kind == token.KindAccess
		if !stale || allDevices {
			return 0, s.reject(token.Reason(err), map[string]any{"op": "logout", "all_devices": allDevices})
		}
	}
	ownerID := claims.OwnerID()

	blacklisted, err := s.blacklist.Contains(ctx, claims.ID)
	if err != nil {
		observability.CaptureInfra(err, "auth.logout.blacklist")
		return 0, s.reject("blacklist_unavailable", map[string]any{"op": "logout", "token_id": claims.ID})
	}
	if blacklisted {
		return 0, s.reject("blacklisted", map[string]any{"op": "logout", "token_id": claims.ID})
	}

	record, err := s.store.GetByValue(ctx, accessToken)
	if err != nil {
		if errors.Is(err, tokenstore.ErrNotFound) {
			return 0, s.reject("unknown", map[string]any{"op": "logout"})
		}
		return 0, s.infra(ctx, "auth.logout.lookup", err)
	}
	if record.Status != tokenstore.StatusActive {
		return 0, s.reject("not_active", map[string]any{"op": "logout", "token_id": claims.ID, "status": string(record.Status)})
	}
	if record.OwnerID != ownerID || record.Kind != token.KindAccess {
		return 0, s.reject("record_mismatch", map[string]any{"op": "logout"})
	}

	if allDevices {
		return s.RevokeAllForOwner(ctx, ownerID, ownerID, "logout_all")
	}

	revoked := 0
	if _, err := s.Revoke(ctx, accessToken, ownerID, "logout"); err != nil {
		return 0, err
	}
	revoked++

	if refreshToken = strings.TrimSpace(refreshToken); refreshToken != "" {
		refreshRecord, err := s.store.GetByValue(ctx, refreshToken)
		switch {
		case errors.Is(err, tokenstore.ErrNotFound):
		case err != nil:
			return revoked, s.infra(ctx, "auth.logout.lookup", err)
		case refreshRecord.OwnerID != ownerID:
			s.logger.Warn("logout_foreign_refresh_token", map[string]any{"owner_id": ownerID, "token_id": refreshRecord.TokenID})
		default:
			if _, err := s.Revoke(ctx, refreshToken, ownerID, "logout"); err != nil {
				return revoked, err
			}
			revoked++
		}
	}
	return revoked, nil
}

// IssueTempToken mints a short-lived single-purpose token. Temp tokens are
// not stored; they expire on their own.
func (s *Service) IssueTempToken(ownerID, purpose string, ttl time.Duration) (TempToken, error) {
	purpose = strings.TrimSpace(purpose)
	if strings.TrimSpace(ownerID) == "" || purpose == "" {
		return TempToken{}, fmt.Errorf("issue temp token: owner id and purpose are required")
	}
	if ttl <= 0 {
		ttl = s.settings.TempTTL
	}
	ttl = min(ttl, maxTempTTL)

	minted, err := s.codec.Mint(token.MintParams{
		Kind:    token.KindTemp,
		OwnerID: ownerID,
		Purpose: purpose,
		TTL:     ttl,
	})
	if err != nil {
		return TempToken{}, err
	}
	return TempToken{Token: minted.Value, Purpose: purpose, ExpiresAt: minted.ExpiresAt}, nil
}

// ValidateTempToken returns the owner a temp token was issued to when it is
// valid for purpose.
func (s *Service) ValidateTempToken(value, purpose string) (string, bool) {
	claims, err := s.codec.VerifyPurpose(strings.TrimSpace(value), purpose)
	if err != nil {
		s.logger.Info("temp_token_rejected", map[string]any{"reason": token.Reason(err), "purpose": purpose})
		return "", false
	}
	return claims.OwnerID(), true
}

// ActiveSessions lists the owner's available tokens, newest first.
func (s *Service) ActiveSessions(ctx context.Context, ownerID string) ([]ActiveSession, error) {
	records, err := s.store.ListActiveByOwner(ctx, ownerID)
	if err != nil {
		return nil, s.infra(ctx, "auth.sessions", err)
	}
	sessions := make([]ActiveSession, 0, len(records))
	for _, r := range records {
		sessions = append(sessions, ActiveSession{
			TokenID:    r.TokenID,
			Kind:       string(r.Kind),
			DeviceID:   r.DeviceID,
			DeviceType: r.DeviceType,
			ClientIP:   r.ClientIP,
			UserAgent:  r.UserAgent,
			SessionID:  r.SessionID,
			IssuedAt:   r.IssuedAt,
			ExpiresAt:  r.ExpiresAt,
			LastUsedAt: r.LastUsedAt,
			UseCount:   r.UseCount,
		})
	}
	return sessions, nil
}

// RecentLogins lists the owner's login attempts from the last 30 days,
// newest first, with device details and the risk assessment of each.
func (s *Service) RecentLogins(ctx context.Context, ownerID string, limit int) ([]audit.Attempt, error) {
	if limit <= 0 {
		limit = defaultLoginLimit
	}
	limit = min(limit, maxLoginLimit)

	attempts, err := s.audit.Recent(ctx, ownerID, s.now().Add(-loginHistoryWindow), limit)
	if err != nil {
		return nil, s.infra(ctx, "auth.recent_logins", err)
	}
	return attempts, nil
}

// IsOnline reports whether the owner holds any available access token.
func (s *Service) IsOnline(ctx context.Context, ownerID string) (bool, error) {
	records, err := s.store.ListActiveByOwnerAndKind(ctx, ownerID, token.KindAccess)
	if err != nil {
		return false, s.infra(ctx, "auth.online", err)
	}
	return len(records) > 0, nil
}

func (s *Service) Stats(ctx context.Context) (Statistics, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return Statistics{}, s.infra(ctx, "auth.stats", err)
	}
	now := s.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	logins, err := s.audit.SuccessfulLoginsSince(ctx, midnight)
	if err != nil {
		return Statistics{}, s.infra(ctx, "auth.stats", err)
	}

	byKind := make(map[string]int64, len(stats.ActiveByKind))
	for kind, n := range stats.ActiveByKind {
		byKind[string(kind)] = n
	}
	return Statistics{
		ActiveTokens:   stats.ActiveTotal,
		ActiveByKind:   byKind,
		OnlineOwners:   stats.OnlineOwners,
		LoginsToday:    logins,
		GeneratedAtUTC: now,
	}, nil
}

// LockAccount locks an identity; a zero duration locks until unlocked.
func (s *Service) LockAccount(ctx context.Context, identity, reason, operatorID string, duration time.Duration) (lockout.State, error) {
	state, err := s.lockout.Lock(ctx, identity, reason, operatorID, duration)
	if err != nil {
		return lockout.State{}, s.infra(ctx, "auth.lock", err)
	}
	s.audit.RecordEvent(ctx, audit.AdminEvent{
		Action:     audit.ActionLockAccount,
		OperatorID: operatorID,
		Target:     state.Identity,
		Reason:     reason,
		Affected:   1,
	})
	return state, nil
}

func (s *Service) UnlockAccount(ctx context.Context, identity, operatorID string) error {
	if err := s.lockout.Unlock(ctx, identity, operatorID); err != nil {
		return s.infra(ctx, "auth.unlock", err)
	}
	s.audit.RecordEvent(ctx, audit.AdminEvent{
		Action:     audit.ActionUnlock,
		OperatorID: operatorID,
		Target:     strings.ToLower(strings.TrimSpace(identity)),
		Affected:   1,
	})
	return nil
}

func (s *Service) LockStatus(ctx context.Context, identity string) (lockout.State, error) {
	state, err := s.lockout.Status(ctx, identity)
	if err != nil {
		return lockout.State{}, s.infra(ctx, "auth.lock_status", err)
	}
	return state, nil
}

// LockRemaining is how long identity stays locked. It is zero when the
// identity is not locked or the lock has no end.
func (s *Service) LockRemaining(ctx context.Context, identity string) time.Duration {
	state, err := s.lockout.Status(ctx, identity)
	if err != nil || state.LockedUntil == nil {
		return 0
	}
	return max(state.LockedUntil.Sub(s.now()), 0)
}

func (s *Service) RecordAdminEvent(ctx context.Context, event audit.AdminEvent) {
	s.audit.RecordEvent(ctx, event)
}

func (s *Service) grants(ctx context.Context, ownerID string) ([]string, []string, error) {
	roles, err := s.directory.RolesFor(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}
	permissions, err := s.directory.PermissionsFor(ctx, roles)
	if err != nil {
		return nil, nil, err
	}
	return roles, permissions, nil
}

func (s *Service) mint(kind token.Kind, owner account.Owner, roles, permissions []string, deviceID, clientIP, sessionID string, ttl time.Duration) (token.Minted, error) {
	minted, err := s.codec.Mint(token.MintParams{
		Kind:        kind,
		OwnerID:     owner.ID,
		OwnerName:   owner.Username,
		Roles:       roles,
		Permissions: permissions,
		DeviceID:    deviceID,
		ClientIP:    clientIP,
		SessionID:   sessionID,
		TTL:         ttl,
	})
	if err != nil {
		return token.Minted{}, fmt.Errorf("mint %s token: %w", kind, err)
	}
	return minted, nil
}

// issuePair mints an access/refresh pair. The records are persisted by the
// session engine together with any eviction the login causes.
func (s *Service) issuePair(owner account.Owner, roles, permissions []string, deviceID, clientIP, sessionID string, meta tokenstore.Session) (SessionBundle, []tokenstore.Record, error) {
	access, err := s.mint(token.KindAccess, owner, roles, permissions, deviceID, clientIP, sessionID, s.settings.AccessTTL)
	if err != nil {
		return SessionBundle{}, nil, err
	}
	refresh, err := s.mint(token.KindRefresh, owner, nil, nil, deviceID, clientIP, sessionID, s.settings.RefreshTTL)
	if err != nil {
		return SessionBundle{}, nil, err
	}

	bundle := s.bundle(owner, roles, permissions, deviceID, sessionID, access)
	bundle.RefreshToken = refresh.Value
	bundle.RefreshExpiresIn = int64(refresh.ExpiresAt.Sub(refresh.IssuedAt).Seconds())
	return bundle, []tokenstore.Record{
		tokenstore.NewRecord(newID(), access, meta),
		tokenstore.NewRecord(newID(), refresh, meta),
	}, nil
}

func (s *Service) bundle(owner account.Owner, roles, permissions []string, deviceID, sessionID string, access token.Minted) SessionBundle {
	return SessionBundle{
		AccessToken: access.Value,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   int64(access.ExpiresAt.Sub(access.IssuedAt).Seconds()),
		OwnerID:     owner.ID,
		Username:    owner.Username,
		Roles:       roles,
		Permissions: permissions,
		DeviceID:    deviceID,
		SessionID:   sessionID,
	}
}

// revokeSet blacklists preview, runs revoke, then blacklists anything the
// revoke caught that preview missed. It returns how many records changed.
func (s *Service) revokeSet(ctx context.Context, preview []tokenstore.Record, revoke func() ([]tokenstore.Record, error)) (int, error) {
	now := s.now()
	listed := make(map[string]struct{}, len(preview))
	entries := make([]blacklist.Entry, 0, len(preview))
	for _, r := range preview {
		listed[r.TokenID] = struct{}{}
		entries = append(entries, blacklist.Entry{TokenID: r.TokenID, TTL: r.Remaining(now)})
	}
	if err := s.blacklist.AddAll(ctx, entries); err != nil {
		s.blacklistFailed(err, "auth.revoke_set.blacklist", "")
	}

	revoked, err := revoke()
	if err != nil {
		return 0, err
	}

	late := make([]blacklist.Entry, 0)
	for _, r := range revoked {
		if _, ok := listed[r.TokenID]; !ok {
			late = append(late, blacklist.Entry{TokenID: r.TokenID, TTL: r.Remaining(now)})
		}
	}
	if len(late) > 0 {
		if err := s.blacklist.AddAll(ctx, late); err != nil {
			s.blacklistFailed(err, "auth.revoke_set.blacklist", "")
		}
	}
	return len(revoked), nil
}

func (s *Service) blacklistFailed(err error, op, ownerID string) {
	s.logger.Error("blacklist_write_failed", map[string]any{"operation": op, "owner_id": ownerID, "error": err.Error()})
	observability.CaptureInfra(err, op)
}

func (s *Service) reject(reason string, fields map[string]any) error {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["reason"] = reason
	s.logger.Info("token_rejected", fields)
	return ErrInvalidToken
}

func (s *Service) infra(ctx context.Context, op string, err error) error {
	if ctx.Err() == nil {
		s.logger.Error("dependency_failed", map[string]any{"operation": op, "error": err.Error()})
		observability.CaptureInfra(err, op)
	}
	return unavailable(op, err)
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
