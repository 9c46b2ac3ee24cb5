package liveness

import (
	"context"
	"testing"
	"time"

	"github.com/zaqqye/proctoring_backend/internal/kv"
)

func TestHeartbeatExpiresWithoutSweep(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	store := kv.NewMemory().WithClock(func() time.Time { return now })
	tr := NewTracker(store, 20*time.Second)
	tr.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := tr.Touch(ctx, "s1", RoleMobile); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if ok, _ := tr.IsAlive(ctx, "s1", RoleMobile); !ok {
		t.Fatalf("expected mobile alive right after heartbeat")
	}
	if ok, _ := tr.IsAlive(ctx, "s1", RoleCandidate); ok {
		t.Fatalf("candidate never sent a heartbeat")
	}

	now = now.Add(21 * time.Second)
	if ok, _ := tr.IsAlive(ctx, "s1", RoleMobile); ok {
		t.Fatalf("expected heartbeat to expire after ttl")
	}
}

func TestTouchRejectsUnknownRole(t *testing.T) {
	tr := NewTracker(kv.NewMemory(), 0)
	if _, err := tr.Touch(context.Background(), "s1", "observer"); err == nil {
		t.Fatalf("expected validation error")
	}
	if tr.TTL() != DefaultTTL {
		t.Fatalf("expected default ttl, got %s", tr.TTL())
	}
}
