package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/streamvault/go-media-cache/internal/domain"
	"github.com/streamvault/go-media-cache/internal/repo"
)

func newServiceDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("service_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func seedServiceKey(t *testing.T, db *gorm.DB, key string, limit, used int64, resetDate string, active bool) {
	t.Helper()
	rec := &domain.APIKey{
		ID:            uuid.NewString(),
		Name:          "test-" + key,
		Key:           key,
		IsActive:      active,
		DailyLimit:    limit,
		DailyRequests: used,
		LastResetDate: resetDate,
		CreatedAt:     time.Now().UTC(),
	}
	if err := repo.CreateAPIKey(context.Background(), db, rec); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
}

func TestRateLimit_Admit_UnknownKey(t *testing.T) {
	db := newServiceDB(t, &domain.APIKey{})
	svc := NewRateLimitService(db, false)

	_, err := svc.Admit(context.Background(), "nope")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestRateLimit_Admit_InactiveKey(t *testing.T) {
	db := newServiceDB(t, &domain.APIKey{})
	today := time.Now().UTC().Format("2006-01-02")
	seedServiceKey(t, db, "k1", 100, 0, today, false)
	svc := NewRateLimitService(db, false)

	_, err := svc.Admit(context.Background(), "k1")
	if !errors.Is(err, ErrKeyInactive) {
		t.Fatalf("expected ErrKeyInactive, got %v", err)
	}
}

func TestRateLimit_Admit_ChargesAndReportsCounters(t *testing.T) {
	db := newServiceDB(t, &domain.APIKey{})
	today := time.Now().UTC().Format("2006-01-02")
	seedServiceKey(t, db, "k1", 10, 3, today, true)
	svc := NewRateLimitService(db, false)

	dec, err := svc.Admit(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !dec.Allowed {
		t.Fatal("expected admission")
	}
	if dec.DailyRequests != 4 || dec.Remaining != 6 || dec.DailyLimit != 10 {
		t.Fatalf("decision counters = %+v", dec)
	}
	if !dec.ResetAt.After(time.Now().UTC()) {
		t.Fatalf("reset_at must be in the future: %v", dec.ResetAt)
	}
	if dec.ResetAt.Hour() != 0 || dec.ResetAt.Minute() != 0 {
		t.Fatalf("reset_at must be a UTC midnight: %v", dec.ResetAt)
	}
}

func TestRateLimit_Admit_ExhaustedKeyDenied(t *testing.T) {
	db := newServiceDB(t, &domain.APIKey{})
	today := time.Now().UTC().Format("2006-01-02")
	seedServiceKey(t, db, "k1", 5, 5, today, true)
	svc := NewRateLimitService(db, false)

	dec, err := svc.Admit(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if dec.Allowed {
		t.Fatal("exhausted key must be denied")
	}
	if dec.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", dec.Remaining)
	}
}

func TestRateLimit_Admit_LazyRollover(t *testing.T) {
	db := newServiceDB(t, &domain.APIKey{})
	seedServiceKey(t, db, "k1", 5, 5, "2020-01-01", true)
	svc := NewRateLimitService(db, false)

	dec, err := svc.Admit(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !dec.Allowed {
		t.Fatal("first request of a new day must be admitted")
	}
	if dec.DailyRequests != 1 || dec.Remaining != 4 {
		t.Fatalf("post-rollover counters = %+v", dec)
	}
}

func TestRateLimit_StoreFailure_FailClosed(t *testing.T) {
	// No tables migrated: every query fails.
	db := newServiceDB(t)
	svc := NewRateLimitService(db, false)

	_, err := svc.Admit(context.Background(), "k1")
	if !errors.Is(err, ErrRateLimiterUnavailable) {
		t.Fatalf("expected ErrRateLimiterUnavailable, got %v", err)
	}
}

func TestRateLimit_StoreFailure_FailOpen(t *testing.T) {
	db := newServiceDB(t)
	svc := NewRateLimitService(db, true)

	dec, err := svc.Admit(context.Background(), "k1")
	if err != nil {
		t.Fatalf("fail-open Admit: %v", err)
	}
	if !dec.Allowed {
		t.Fatal("fail-open must admit")
	}
	if dec.DailyRequests != 0 || dec.DailyLimit != 0 {
		t.Fatalf("fail-open counters must be zeroed, got %+v", dec)
	}
}

func TestRateLimit_Stats_DoesNotCharge(t *testing.T) {
	db := newServiceDB(t, &domain.APIKey{})
	today := time.Now().UTC().Format("2006-01-02")
	seedServiceKey(t, db, "k1", 10, 4, today, true)
	svc := NewRateLimitService(db, false)

	for i := 0; i < 3; i++ {
		stats, err := svc.Stats(context.Background(), "k1")
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.DailyRequests != 4 || stats.Remaining != 6 {
			t.Fatalf("stats mutated by read: %+v", stats)
		}
	}
}

func TestRateLimit_Stats_ViewsStaleDateAsReset(t *testing.T) {
	db := newServiceDB(t, &domain.APIKey{})
	seedServiceKey(t, db, "k1", 10, 10, "2020-01-01", true)
	svc := NewRateLimitService(db, false)

	stats, err := svc.Stats(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.DailyRequests != 0 || stats.Remaining != 10 {
		t.Fatalf("stale-date stats = %+v, want reset view", stats)
	}
}
