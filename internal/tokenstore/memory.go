package tokenstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"auth-service/internal/token"
)

// Memory is a process-local Store used by tests and single-node development
// runs. It follows the same availability rules as Postgres.
type Memory struct {
	mu     sync.RWMutex
	byHash map[string]*Record
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		byHash: make(map[string]*Record),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) WithClock(now func() time.Time) *Memory {
	if now != nil {
		m.now = now
	}
	return m
}

func (m *Memory) Put(_ context.Context, records ...Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(records)
}

func (m *Memory) putLocked(records []Record) error {
	for _, r := range records {
		if _, exists := m.byHash[r.TokenHash]; exists {
			return fmt.Errorf("insert %s token: duplicate token hash", r.Kind)
		}
	}
	for _, r := range records {
		stored := r
		m.byHash[r.TokenHash] = &stored
	}
	return nil
}

func (m *Memory) GetByValue(_ context.Context, value string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.byHash[HashValue(value)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *r, nil
}

func (m *Memory) ListActiveByOwner(_ context.Context, ownerID string) ([]Record, error) {
	return m.list(func(r *Record) bool { return r.OwnerID == ownerID }), nil
}

func (m *Memory) ListActiveByOwnerAndKind(_ context.Context, ownerID string, kind token.Kind) ([]Record, error) {
	return m.list(func(r *Record) bool { return r.OwnerID == ownerID && r.Kind == kind }), nil
}

func (m *Memory) list(match func(*Record) bool) []Record {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0)
	for _, r := range m.byHash {
		if match(r) && r.Available(now) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

func (m *Memory) Revoke(_ context.Context, value, revokedBy, reason string) (bool, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byHash[HashValue(value)]
	if !ok {
		return false, nil
	}
	if r.Status != StatusRevoked {
		revoke(r, now, revokedBy, reason)
	}
	return true, nil
}

func (m *Memory) RevokeAllForOwner(_ context.Context, ownerID, revokedBy, reason string) ([]Record, error) {
	return m.revokeWhere(revokedBy, reason, func(r *Record) bool { return r.OwnerID == ownerID }), nil
}

func (m *Memory) RevokeForOwnerDevice(_ context.Context, ownerID, deviceID, revokedBy, reason string) ([]Record, error) {
	return m.revokeWhere(revokedBy, reason, func(r *Record) bool {
		return r.OwnerID == ownerID && r.DeviceID == deviceID
	}), nil
}

func (m *Memory) RevokeFamily(_ context.Context, ownerID, familyID, revokedBy, reason string) ([]Record, error) {
	return m.revokeWhere(revokedBy, reason, func(r *Record) bool {
		return r.OwnerID == ownerID && r.FamilyID == familyID
	}), nil
}

func (m *Memory) revokeWhere(revokedBy, reason string, match func(*Record) bool) []Record {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revokeLocked(now, revokedBy, reason, match)
}

func (m *Memory) revokeLocked(now time.Time, revokedBy, reason string, match func(*Record) bool) []Record {
	out := make([]Record, 0)
	for _, r := range m.byHash {
		if r.Status == StatusActive && match(r) {
			revoke(r, now, revokedBy, reason)
			out = append(out, *r)
		}
	}
	return out
}

func (m *Memory) Replace(_ context.Context, ownerID string, evict Eviction, records ...Record) ([]Record, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	fresh := make(map[string]struct{}, len(records))
	for _, r := range records {
		fresh[r.TokenHash] = struct{}{}
	}
	if err := m.putLocked(records); err != nil {
		return nil, err
	}
	if len(evict.DeviceIDs) == 0 {
		return []Record{}, nil
	}
	return m.revokeLocked(now, evict.RevokedBy, evict.Reason, func(r *Record) bool {
		if _, ok := fresh[r.TokenHash]; ok || r.OwnerID != ownerID {
			return false
		}
		return slices.Contains(evict.DeviceIDs, r.DeviceID)
	}), nil
}

func (m *Memory) Rotate(_ context.Context, oldValue string, replacements ...Record) (Record, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.byHash[HashValue(oldValue)]
	if !ok {
		return Record{}, ErrNotFound
	}
	if old.Rotated() {
		return *old, ErrReplayed
	}
	if old.Kind != token.KindRefresh || !old.Available(now) {
		return *old, ErrNotAvailable
	}

	if err := m.putLocked(replacements); err != nil {
		return Record{}, err
	}
	snapshot := *old
	revoke(old, now, old.OwnerID, ReasonRotated)
	old.ReplacedBy = replacementID(replacements)
	return snapshot, nil
}

func (m *Memory) TouchLastUsed(_ context.Context, value string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byHash[HashValue(value)]
	if !ok || r.Status != StatusActive {
		return nil
	}
	used := now.UTC()
	r.LastUsedAt = &used
	r.UseCount++
	return nil
}

func (m *Memory) SweepExpired(context.Context) (int64, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var swept int64
	for _, r := range m.byHash {
		if r.Status == StatusActive && !r.ExpiresAt.After(now) {
			r.Status = StatusExpired
			swept++
		}
	}
	return swept, nil
}

func (m *Memory) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for hash, r := range m.byHash {
		stale := false
		switch r.Status {
		case StatusRevoked:
			stale = r.RevokedAt != nil && r.RevokedAt.Before(cutoff)
		case StatusExpired, StatusBlacklisted:
			stale = r.ExpiresAt.Before(cutoff)
		}
		if stale {
			delete(m.byHash, hash)
			purged++
		}
	}
	return purged, nil
}

func (m *Memory) Stats(context.Context) (Stats, error) {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{ActiveByKind: make(map[token.Kind]int64)}
	online := make(map[string]struct{})
	for _, r := range m.byHash {
		if !r.Available(now) {
			continue
		}
		stats.ActiveByKind[r.Kind]++
		stats.ActiveTotal++
		if r.Kind == token.KindAccess {
			online[r.OwnerID] = struct{}{}
		}
	}
	stats.OnlineOwners = int64(len(online))
	return stats, nil
}

func revoke(r *Record, now time.Time, revokedBy, reason string) {
	at := now
	r.Status = StatusRevoked
	r.RevokedAt = &at
	r.RevokedBy = revokedBy
	r.RevokeReason = reason
}
