// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for UsageStat
// rows and the aggregate queries behind the status endpoints.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/streamvault/go-media-cache/internal/domain"
)

// InsertUsage appends one usage row. Usage logging is advisory; callers
// typically log and drop the error.
func InsertUsage(ctx context.Context, db *gorm.DB, stat *domain.UsageStat) error {
	return db.WithContext(ctx).Create(stat).Error
}

// UsageSummary aggregates recent traffic for dashboards.
type UsageSummary struct {
	TotalRequests int64   `json:"total_requests"`
	CacheHits     int64   `json:"cache_hits"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
}

// SummarizeUsage returns request totals and the cache hit rate over the
// window ending now.
func SummarizeUsage(ctx context.Context, db *gorm.DB, since time.Time) (*UsageSummary, error) {
	var out UsageSummary
	base := db.WithContext(ctx).Model(&domain.UsageStat{}).Where("created_at >= ?", since)

	if err := base.Session(&gorm.Session{}).Count(&out.TotalRequests).Error; err != nil {
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).Where("status = ?", "cache_hit").Count(&out.CacheHits).Error; err != nil {
		return nil, err
	}
	if out.TotalRequests > 0 {
		out.CacheHitRate = float64(out.CacheHits) / float64(out.TotalRequests) * 100
	}
	return &out, nil
}
