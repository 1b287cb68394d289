// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for CacheRecord.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a record is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/streamvault/go-media-cache/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// FindActiveRecord fetches the active cache record matching content id,
// media type, and (for video) the exact quality tier. Quality is ignored
// for audio lookups. Returns ErrNotFound when no exact match exists.
func FindActiveRecord(ctx context.Context, db *gorm.DB, contentID, mediaType, quality string) (*domain.CacheRecord, error) {
	q := db.WithContext(ctx).
		Where("content_id = ? AND media_type = ? AND status = ?", contentID, mediaType, domain.StatusActive)
	if mediaType == domain.MediaVideo && quality != "" {
		q = q.Where("quality = ?", quality)
	}
	var rec domain.CacheRecord
	if err := q.First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindAnyActiveRecord fetches an active record for (content id, media type)
// regardless of quality, preferring the most recently created entry. Used as
// the loose fallback when the exact quality tier missed.
func FindAnyActiveRecord(ctx context.Context, db *gorm.DB, contentID, mediaType string) (*domain.CacheRecord, error) {
	var rec domain.CacheRecord
	err := db.WithContext(ctx).
		Where("content_id = ? AND media_type = ? AND status = ?", contentID, mediaType, domain.StatusActive).
		Order("created_at desc").
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindActiveByHash fetches the active record carrying the given content hash.
// Returns ErrNotFound when no such record exists.
func FindActiveByHash(ctx context.Context, db *gorm.DB, contentHash string) (*domain.CacheRecord, error) {
	var rec domain.CacheRecord
	err := db.WithContext(ctx).
		Where("content_hash = ? AND status = ?", contentHash, domain.StatusActive).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// TouchAccess bumps the access counter and last-access timestamp for a
// record in a single UPDATE, so concurrent hits never lose increments.
func TouchAccess(ctx context.Context, db *gorm.DB, id string, now time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.CacheRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"access_count":     gorm.Expr("access_count + 1"),
			"last_accessed_at": now,
		}).Error
}

// InsertRecord persists a new cache record inside a transaction that first
// re-checks the content-hash uniqueness invariant. If an active record with
// the same hash already exists, that record is returned instead and
// inserted=false — the caller treats this as success (idempotent insert).
func InsertRecord(ctx context.Context, db *gorm.DB, rec *domain.CacheRecord) (existing *domain.CacheRecord, inserted bool, err error) {
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dup domain.CacheRecord
		findErr := tx.Where("content_hash = ? AND status = ?", rec.ContentHash, domain.StatusActive).
			First(&dup).Error
		if findErr == nil {
			existing = &dup
			return nil
		}
		if findErr != gorm.ErrRecordNotFound {
			return findErr
		}
		if createErr := tx.Create(rec).Error; createErr != nil {
			return createErr
		}
		existing = rec
		inserted = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return existing, inserted, nil
}

// MarkInactive transitions a record to the inactive status. Returns
// ErrNotFound when the record does not exist.
func MarkInactive(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).
		Model(&domain.CacheRecord{}).
		Where("id = ?", id).
		Update("status", domain.StatusInactive)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// MarkVerified stamps a successful liveness check on a record.
func MarkVerified(ctx context.Context, db *gorm.DB, id string, now time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.CacheRecord{}).
		Where("id = ?", id).
		Update("last_verified_at", now).Error
}

// DeleteStaleRecords removes inactive records whose last verification is
// older than inactiveBefore, and active low-traffic records (access count
// below accessThreshold) created before activeBefore. Returns the number of
// rows deleted across both sweeps.
func DeleteStaleRecords(ctx context.Context, db *gorm.DB, activeBefore, inactiveBefore time.Time, accessThreshold int64) (int64, error) {
	var deleted int64

	res := db.WithContext(ctx).
		Where("status = ? AND last_verified_at < ?", domain.StatusInactive, inactiveBefore).
		Delete(&domain.CacheRecord{})
	if res.Error != nil {
		return 0, res.Error
	}
	deleted += res.RowsAffected

	res = db.WithContext(ctx).
		Where("status = ? AND created_at < ? AND access_count < ?", domain.StatusActive, activeBefore, accessThreshold).
		Delete(&domain.CacheRecord{})
	if res.Error != nil {
		return deleted, res.Error
	}
	deleted += res.RowsAffected

	return deleted, nil
}

// CacheStats aggregates the cache index for the stats endpoint.
type CacheStats struct {
	Total        int64                `json:"total_cached"`
	Video        int64                `json:"video_cached"`
	Audio        int64                `json:"audio_cached"`
	MostAccessed []domain.CacheRecord `json:"most_accessed"`
}

// CountCacheStats returns aggregate counts over active records plus the
// top-N records by access count.
func CountCacheStats(ctx context.Context, db *gorm.DB, topN int) (*CacheStats, error) {
	var out CacheStats
	base := db.WithContext(ctx).Model(&domain.CacheRecord{}).Where("status = ?", domain.StatusActive)

	if err := base.Session(&gorm.Session{}).Count(&out.Total).Error; err != nil {
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).Where("media_type = ?", domain.MediaVideo).Count(&out.Video).Error; err != nil {
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).Where("media_type = ?", domain.MediaAudio).Count(&out.Audio).Error; err != nil {
		return nil, err
	}
	if topN > 0 {
		err := db.WithContext(ctx).
			Where("status = ?", domain.StatusActive).
			Order("access_count desc").
			Limit(topN).
			Find(&out.MostAccessed).Error
		if err != nil {
			return nil, err
		}
	}
	return &out, nil
}
