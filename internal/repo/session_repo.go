// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for SessionHandle.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/streamvault/go-media-cache/internal/domain"
)

// UpsertSession inserts or refreshes a session handle. A repeat call for the
// same session id only advances last_activity_at.
func UpsertSession(ctx context.Context, db *gorm.DB, h *domain.SessionHandle) error {
	res := db.WithContext(ctx).
		Model(&domain.SessionHandle{}).
		Where("session_id = ?", h.SessionID).
		Updates(map[string]any{
			"endpoint":         h.Endpoint,
			"last_activity_at": h.LastActivityAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return db.WithContext(ctx).Create(h).Error
}

// DeleteSession removes a session handle. Deleting a missing handle is not
// an error; sessions are best-effort markers.
func DeleteSession(ctx context.Context, db *gorm.DB, sessionID string) error {
	return db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&domain.SessionHandle{}).Error
}

// EvictIdleSessions deletes handles whose last activity is older than the
// cutoff and returns the number removed.
func EvictIdleSessions(ctx context.Context, db *gorm.DB, before time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("last_activity_at < ?", before).
		Delete(&domain.SessionHandle{})
	return res.RowsAffected, res.Error
}

// CountSessions returns the number of persisted session handles.
func CountSessions(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.SessionHandle{}).Count(&n).Error
	return n, err
}
