// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for APIKey,
// including the conditional-update admission primitive that keeps the
// daily-limit invariant under concurrency.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/streamvault/go-media-cache/internal/domain"
)

// GetAPIKey fetches an API key record by its secret key string, regardless
// of active status. Returns ErrNotFound when the key does not exist.
func GetAPIKey(ctx context.Context, db *gorm.DB, key string) (*domain.APIKey, error) {
	var rec domain.APIKey
	if err := db.WithContext(ctx).Where("key = ?", key).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// AdmitKey performs the atomic check-and-increment for one request against
// the key's daily budget. today is the UTC calendar date ("2006-01-02");
// now stamps last_request_at.
//
// Two mutually exclusive conditional UPDATEs implement the admission:
//
//  1. Rollover: when last_reset_date differs from today the counter is
//     reset to 1 in the same statement that stamps the new date, so a key
//     sitting at its limit yesterday is admitted immediately today.
//  2. Same-day: the counter is incremented only while it is still below
//     daily_limit; the predicate makes over-admission impossible even when
//     two requests race on the last remaining slot.
//
// RowsAffected==0 on both means the key is at its limit for today.
// The caller distinguishes "key missing/inactive" beforehand via GetAPIKey.
func AdmitKey(ctx context.Context, db *gorm.DB, key, today string, now time.Time) (admitted bool, err error) {
	// Rollover path: first request of a new calendar day.
	res := db.WithContext(ctx).
		Model(&domain.APIKey{}).
		Where("key = ? AND is_active = ? AND last_reset_date <> ? AND daily_limit > 0", key, true, today).
		Updates(map[string]any{
			"daily_requests":  1,
			"last_reset_date": today,
			"usage_count":     gorm.Expr("usage_count + 1"),
			"last_request_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	// Same-day path: increment only below the limit.
	res = db.WithContext(ctx).
		Model(&domain.APIKey{}).
		Where("key = ? AND is_active = ? AND last_reset_date = ? AND daily_requests < daily_limit", key, true, today).
		Updates(map[string]any{
			"daily_requests":  gorm.Expr("daily_requests + 1"),
			"usage_count":     gorm.Expr("usage_count + 1"),
			"last_request_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CreateAPIKey inserts a key record. The admin subsystem owns key creation;
// this exists for provisioning tools and tests.
func CreateAPIKey(ctx context.Context, db *gorm.DB, rec *domain.APIKey) error {
	return db.WithContext(ctx).Create(rec).Error
}
