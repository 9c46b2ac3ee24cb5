// Package liveness keeps one TTL record per (session, role). A participant is
// online while its record exists; nothing sweeps expired records.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zaqqye/proctoring_backend/internal/apperr"
	"github.com/zaqqye/proctoring_backend/internal/kv"
)

const DefaultTTL = 20 * time.Second

const (
	RoleCandidate = "candidate"
	RoleMobile    = "mobile"
	RoleAdmin     = "admin"
	RoleProctor   = "proctor"
)

func ValidRole(role string) bool {
	switch role {
	case RoleCandidate, RoleMobile, RoleAdmin, RoleProctor:
		return true
	}
	return false
}

func Key(sessionID, role string) string {
	return fmt.Sprintf("heartbeat:%s:%s", sessionID, role)
}

type Tracker struct {
	store kv.Store
	ttl   time.Duration
	now   func() time.Time
}

func NewTracker(store kv.Store, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{store: store, ttl: ttl, now: time.Now}
}

func (t *Tracker) TTL() time.Duration { return t.ttl }

// Touch refreshes the record and returns its expiry.
func (t *Tracker) Touch(ctx context.Context, sessionID, role string) (time.Time, error) {
	if sessionID == "" || !ValidRole(role) {
		return time.Time{}, apperr.Validation("sessionId and a valid role are required")
	}
	now := t.now().UTC()
	if err := t.store.Set(ctx, Key(sessionID, role), []byte(now.Format(time.RFC3339Nano)), t.ttl); err != nil {
		return time.Time{}, fmt.Errorf("touch heartbeat: %w", err)
	}
	return now.Add(t.ttl), nil
}

// LastSeen returns the time of the last heartbeat and false once it expired.
func (t *Tracker) LastSeen(ctx context.Context, sessionID, role string) (time.Time, bool, error) {
	raw, err := t.store.Get(ctx, Key(sessionID, role))
	if errors.Is(err, kv.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read heartbeat: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, true, nil
	}
	return at, true, nil
}

func (t *Tracker) IsAlive(ctx context.Context, sessionID, role string) (bool, error) {
	_, ok, err := t.LastSeen(ctx, sessionID, role)
	return ok, err
}

// Forget drops the record, e.g. when the connection closes cleanly.
func (t *Tracker) Forget(ctx context.Context, sessionID, role string) error {
	return t.store.Del(ctx, Key(sessionID, role))
}
