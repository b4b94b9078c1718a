package tokenstore

import (
	"context"
	"errors"
	"time"

	"auth-service/internal/token"
)

var (
	ErrNotFound     = errors.New("token record not found")
	ErrNotAvailable = errors.New("token record not available")
	ErrReplayed     = errors.New("refresh token already rotated")
)

// Store is the durable record of every issued access and refresh token.
// Every list operation returns only available records.
type Store interface {
	Put(ctx context.Context, records ...Record) error
	GetByValue(ctx context.Context, value string) (Record, error)
	ListActiveByOwner(ctx context.Context, ownerID string) ([]Record, error)
	ListActiveByOwnerAndKind(ctx context.Context, ownerID string, kind token.Kind) ([]Record, error)

	// Revoke is idempotent: revoking an already revoked token reports true.
	// It reports false only when no record exists for the value.
	Revoke(ctx context.Context, value, revokedBy, reason string) (bool, error)
	RevokeAllForOwner(ctx context.Context, ownerID, revokedBy, reason string) ([]Record, error)
	RevokeForOwnerDevice(ctx context.Context, ownerID, deviceID, revokedBy, reason string) ([]Record, error)
	RevokeFamily(ctx context.Context, ownerID, familyID, revokedBy, reason string) ([]Record, error)

	// Rotate atomically retires an available refresh token and persists its
	// replacements. It returns ErrReplayed together with the old record when
	// the token had already been rotated out.
	Rotate(ctx context.Context, oldValue string, replacements ...Record) (Record, error)

	// Replace revokes the owner's ACTIVE records on the given devices and
	// persists records as one unit. On error nothing was revoked or stored.
	Replace(ctx context.Context, ownerID string, evict Eviction, records ...Record) ([]Record, error)

	TouchLastUsed(ctx context.Context, value string, now time.Time) error
	SweepExpired(ctx context.Context) (int64, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (Stats, error)
}

// Eviction names the devices whose tokens a login displaces.
type Eviction struct {
	DeviceIDs []string
	RevokedBy string
	Reason    string
}

func replacementID(replacements []Record) string {
	for _, r := range replacements {
		if r.Kind == token.KindRefresh {
			return r.TokenID
		}
	}
	if len(replacements) > 0 {
		return replacements[0].TokenID
	}
	return ""
}
