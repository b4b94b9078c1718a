package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"auth-service/internal/blacklist"
	"auth-service/internal/observability"
	"auth-service/internal/tokenstore"
)

const (
	ReasonSingleDevice = "sso_eviction"
	ReasonDeviceLimit  = "device_limit"
	evictedBy          = "system"
)

// ErrConflict is returned instead of evicting when the policy rejects new
// sessions that would displace existing ones.
var ErrConflict = errors.New("session conflict")

type Mode string

const (
	ModeEvict  Mode = "evict"
	ModeReject Mode = "reject"
)

type Policy struct {
	// MaxDevices caps concurrent devices when multiple devices are allowed.
	// Zero means unlimited.
	MaxDevices int
	Mode       Mode
}

type Blacklist interface {
	AddAll(ctx context.Context, entries []blacklist.Entry) error
	RemoveAll(ctx context.Context, tokenIDs []string) error
}

// Engine decides admission at login time. Device id is the unit of single
// sign-on; there is no session table, only ACTIVE token records.
type Engine struct {
	store     tokenstore.Store
	blacklist Blacklist
	policy    Policy
	logger    *observability.Logger
	now       func() time.Time
}

func NewEngine(store tokenstore.Store, bl Blacklist, policy Policy, logger *observability.Logger) *Engine {
	if policy.Mode == "" {
		policy.Mode = ModeEvict
	}
	return &Engine{
		store:     store,
		blacklist: bl,
		policy:    policy,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// Admit makes room for a login on deviceID and persists records, the tokens
// issued to that device, in the same store transaction as any eviction. It
// returns the records it revoked. Victims are blacklisted before the commit
// and withdrawn again if the commit fails, so a failed login leaves every
// other session as it was. A re-login on a device that already holds tokens
// evicts nothing; those older tokens stay ACTIVE until they expire or are
// revoked.
func (e *Engine) Admit(ctx context.Context, ownerID, deviceID string, allowMultipleDevices bool, records ...tokenstore.Record) ([]tokenstore.Record, error) {
	active, err := e.store.ListActiveByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}

	victims, reason := e.victims(groupByDevice(active, deviceID), allowMultipleDevices)
	if len(victims) > 0 && e.policy.Mode == ModeReject {
		return nil, ErrConflict
	}
	if len(victims) == 0 && len(records) == 0 {
		return nil, nil
	}

	now := e.now()
	deviceIDs := make([]string, 0, len(victims))
	listed := make(map[string]struct{})
	entries := make([]blacklist.Entry, 0)
	for _, d := range victims {
		deviceIDs = append(deviceIDs, d.id)
		for _, r := range d.records {
			listed[r.TokenID] = struct{}{}
			entries = append(entries, blacklist.Entry{TokenID: r.TokenID, TTL: r.Remaining(now)})
		}
	}
	if len(entries) > 0 {
		if err := e.blacklist.AddAll(ctx, entries); err != nil {
			e.blacklistFailed(ownerID, "session_eviction_blacklist_failed", err)
		}
	}

	evicted, err := e.store.Replace(ctx, ownerID, tokenstore.Eviction{
		DeviceIDs: deviceIDs,
		RevokedBy: evictedBy,
		Reason:    reason,
	}, records...)
	if err != nil {
		e.withdraw(ctx, ownerID, entries)
		return nil, fmt.Errorf("admit device %s: %w", deviceID, err)
	}

	late := make([]blacklist.Entry, 0)
	for _, r := range evicted {
		if _, ok := listed[r.TokenID]; !ok {
			late = append(late, blacklist.Entry{TokenID: r.TokenID, TTL: r.Remaining(now)})
		}
	}
	if len(late) > 0 {
		if err := e.blacklist.AddAll(ctx, late); err != nil {
			e.blacklistFailed(ownerID, "session_eviction_blacklist_failed", err)
		}
	}

	if len(evicted) > 0 {
		e.logger.Info("session_evicted", map[string]any{
			"owner_id":      ownerID,
			"new_device_id": deviceID,
			"devices":       len(victims),
			"tokens":        len(evicted),
			"reason":        reason,
		})
	}
	return evicted, nil
}

func (e *Engine) victims(devices []device, allowMultipleDevices bool) ([]device, string) {
	switch {
	case !allowMultipleDevices:
		return devices, ReasonSingleDevice
	case e.policy.MaxDevices > 0:
		// The admitted device counts once whether or not it already held tokens.
		if excess := len(devices) + 1 - e.policy.MaxDevices; excess > 0 {
			return devices[:excess], ReasonDeviceLimit
		}
	}
	return nil, ""
}

func (e *Engine) withdraw(ctx context.Context, ownerID string, entries []blacklist.Entry) {
	if len(entries) == 0 {
		return
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.TokenID)
	}
	if err := e.blacklist.RemoveAll(context.WithoutCancel(ctx), ids); err != nil {
		e.blacklistFailed(ownerID, "session_eviction_withdraw_failed", err)
	}
}

func (e *Engine) blacklistFailed(ownerID, event string, err error) {
	e.logger.Error(event, map[string]any{"owner_id": ownerID, "error": err.Error()})
	observability.CaptureInfra(err, "session.admit")
}

type device struct {
	id      string
	newest  time.Time
	records []tokenstore.Record
}

// groupByDevice returns the devices other than exclude, least recently
// issued first.
func groupByDevice(records []tokenstore.Record, exclude string) []device {
	byID := make(map[string]*device)
	order := make([]string, 0)
	for _, r := range records {
		if exclude != "" && r.DeviceID == exclude {
			continue
		}
		d, ok := byID[r.DeviceID]
		if !ok {
			d = &device{id: r.DeviceID}
			byID[r.DeviceID] = d
			order = append(order, r.DeviceID)
		}
		d.records = append(d.records, r)
		if r.IssuedAt.After(d.newest) {
			d.newest = r.IssuedAt
		}
	}

	out := make([]device, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].newest.Before(out[j].newest) })
	return out
}
