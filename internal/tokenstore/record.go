package tokenstore

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"auth-service/internal/token"
)

type Status string

const (
	StatusActive      Status = "ACTIVE"
	StatusExpired     Status = "EXPIRED"
	StatusRevoked     Status = "REVOKED"
	StatusBlacklisted Status = "BLACKLISTED"
)

// Revoke reasons written by the engine itself.
const (
	ReasonRotated = "rotated"
	ReasonReplay  = "refresh_replay"
)

// Record is one issued access or refresh token. The raw token value is never
// stored, only its SHA-256 hash.
type Record struct {
	ID           string
	TokenID      string
	TokenHash    string
	OwnerID      string
	OwnerName    string
	Kind         token.Kind
	Status       Status
	FamilyID     string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	DeviceID     string
	DeviceType   string
	ClientIP     string
	UserAgent    string
	SessionID    string
	LastUsedAt   *time.Time
	UseCount     int64
	RevokedAt    *time.Time
	RevokedBy    string
	RevokeReason string
	ReplacedBy   string
	CreatedAt    time.Time
}

// Available reports whether the record may still authenticate a request.
// Status alone is not enough: the sweep may not have run yet.
func (r Record) Available(now time.Time) bool {
	return r.Status == StatusActive && r.ExpiresAt.After(now)
}

// Remaining is the token lifetime left at now, never negative.
func (r Record) Remaining(now time.Time) time.Duration {
	left := r.ExpiresAt.Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Rotated reports whether this refresh token was already exchanged.
func (r Record) Rotated() bool {
	return r.ReplacedBy != ""
}

type Session struct {
	DeviceType string
	UserAgent  string
	FamilyID   string
}

// NewRecord builds the ACTIVE record for a freshly minted token.
func NewRecord(id string, minted token.Minted, session Session) Record {
	familyID := session.FamilyID
	if familyID == "" {
		familyID = minted.Claims.SessionID
	}
	return Record{
		ID:         id,
		TokenID:    minted.ID,
		TokenHash:  HashValue(minted.Value),
		OwnerID:    minted.Claims.OwnerID(),
		OwnerName:  minted.Claims.Username,
		Kind:       minted.Claims.Kind,
		Status:     StatusActive,
		FamilyID:   familyID,
		IssuedAt:   minted.IssuedAt,
		ExpiresAt:  minted.ExpiresAt,
		DeviceID:   minted.Claims.DeviceID,
		DeviceType: session.DeviceType,
		ClientIP:   minted.Claims.ClientIP,
		UserAgent:  session.UserAgent,
		SessionID:  minted.Claims.SessionID,
		CreatedAt:  minted.IssuedAt,
	}
}

func HashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

type Stats struct {
	ActiveByKind map[token.Kind]int64 `json:"active_by_kind"`
	ActiveTotal  int64                `json:"active_total"`
	OnlineOwners int64                `json:"online_owners"`
}
