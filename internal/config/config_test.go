package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PairingTokenTTL != 300*time.Second {
		t.Fatalf("expected pairing ttl 300s, got %s", cfg.PairingTokenTTL)
	}
	if cfg.HeartbeatTTL != 20*time.Second {
		t.Fatalf("expected heartbeat ttl 20s, got %s", cfg.HeartbeatTTL)
	}
	if cfg.AutoSubmitAt != 100 || cfg.FlagAt != 70 {
		t.Fatalf("unexpected thresholds %d/%d", cfg.AutoSubmitAt, cfg.FlagAt)
	}
	if cfg.EventStore != "memory" {
		t.Fatalf("event store should follow store driver, got %q", cfg.EventStore)
	}
	if len(cfg.CORSOrigin) != 3 {
		t.Fatalf("expected 3 default cors origins, got %v", cfg.CORSOrigin)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("VIOLATION_AUTOSUBMIT_THRESHOLD", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected threshold validation error")
	}

	t.Setenv("VIOLATION_AUTOSUBMIT_THRESHOLD", "abc")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}

func TestLoadRejectsPostgresEventsWithoutPostgres(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("EVENT_STORE", "postgres")
	if _, err := Load(); err == nil {
		t.Fatal("expected driver mismatch error")
	}
}

func TestBaseURLTrailingSlashTrimmed(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("MOBILE_APP_BASE_URL", "https://m.example.com///")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MobileAppBaseURL != "https://m.example.com" {
		t.Fatalf("got %q", cfg.MobileAppBaseURL)
	}
}
