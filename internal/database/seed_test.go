package database

import (
	"context"
	"testing"

	"github.com/zaqqye/proctoring_backend/internal/config"
	"github.com/zaqqye/proctoring_backend/internal/memstore"
	"github.com/zaqqye/proctoring_backend/internal/models"
	"github.com/zaqqye/proctoring_backend/internal/utils"
)

func TestSeedAdminOnlyOnce(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	cfg := &config.Config{AdminEmail: "root@example.com", AdminPassword: "s3cret!!"}

	for i := 0; i < 2; i++ {
		if err := SeedAdmin(ctx, store, cfg); err != nil {
			t.Fatalf("seed admin: %v", err)
		}
	}
	n, _ := store.CountUsersByRole(ctx, models.RoleAdmin)
	if n != 1 {
		t.Fatalf("expected 1 admin, got %d", n)
	}
	u, err := store.FindUserByEmail(ctx, "root@example.com")
	if err != nil {
		t.Fatalf("find admin: %v", err)
	}
	if !utils.CheckPassword(u.Password, "s3cret!!") {
		t.Fatalf("admin password not hashed from config")
	}
}

func TestSeedDemoAssignsOpenExam(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	if err := SeedDemo(ctx, store); err != nil {
		t.Fatalf("seed demo: %v", err)
	}
	if err := SeedDemo(ctx, store); err != nil {
		t.Fatalf("second seed demo: %v", err)
	}
	n, _ := store.CountUsersByRole(ctx, models.RoleCandidate)
	if n != 1 {
		t.Fatalf("expected 1 candidate, got %d", n)
	}
}
