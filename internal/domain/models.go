// Package domain defines the persistence models for cached media content,
// API keys, usage statistics, and client sessions. These types are mapped
// with GORM and form the core data layer of the media cache service.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Media types accepted by the resolution pipeline.
const (
	MediaVideo = "video"
	MediaAudio = "audio"
)

// Cache record statuses.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// CacheRecord is one durable cache entry: a piece of upstream media that has
// been uploaded into the blob channel and can be served again without
// contacting the provider.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - ContentID: upstream content identifier (e.g. an 11-char video id).
//   - MediaType: "video" or "audio" (enforced by DB constraint).
//   - Quality: video quality tier ("360", "720", ...); empty for audio.
//   - Title / DurationLabel: display metadata captured at ingest time.
//   - StoredObjectRef: opaque blob-channel handle returned by the upload.
//   - FileSizeBytes: payload size recorded at upload time.
//   - ContentHash: deterministic fingerprint of (content id, media type,
//     quality); at most one active record may carry a given hash.
//   - Status: "active" or "inactive" (inactive = stored object went stale).
//   - AccessCount / LastAccessedAt: bumped atomically on every cache hit.
//   - LastVerifiedAt: last successful liveness check of the stored object.
type CacheRecord struct {
	ID              string    `json:"id"                gorm:"type:char(36);primaryKey"`
	ContentID       string    `json:"content_id"        gorm:"type:varchar(32);not null;index:idx_content_lookup,priority:1"`
	MediaType       string    `json:"media_type"        gorm:"type:varchar(8);not null;index:idx_content_lookup,priority:2;check:media_type IN ('video','audio')"`
	Quality         string    `json:"quality,omitempty" gorm:"type:varchar(8);index:idx_content_lookup,priority:3"`
	Title           string    `json:"title"             gorm:"type:varchar(255);not null"`
	DurationLabel   string    `json:"duration"          gorm:"type:varchar(16)"`
	StoredObjectRef string    `json:"stored_object_ref" gorm:"type:varchar(255);not null"`
	FileSizeBytes   int64     `json:"file_size_bytes"`
	ContentHash     string    `json:"-"                 gorm:"type:char(64);not null;index:idx_content_hash"`
	Status          string    `json:"status"            gorm:"type:varchar(8);not null;default:'active';check:status IN ('active','inactive')"`
	AccessCount     int64     `json:"access_count"      gorm:"not null;default:0"`
	CreatedAt       time.Time `json:"created_at"`
	LastAccessedAt  time.Time `json:"last_accessed_at"`
	LastVerifiedAt  time.Time `json:"last_verified_at"`
}

// TableName returns the database table name for CacheRecord.
func (CacheRecord) TableName() string { return "cache_records" }

// HashContent derives the deduplication fingerprint for a logical piece of
// content. Audio ignores quality, so all audio requests for one content id
// collapse to a single hash.
func HashContent(contentID, mediaType, quality string) string {
	if mediaType != MediaVideo {
		quality = ""
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", contentID, mediaType, quality)))
	return hex.EncodeToString(sum[:])
}

// APIKey is the rate-limit and identity unit. Keys are created out-of-band
// by the admin subsystem; this service only reads them and mutates the
// per-day counters.
//
// Invariant: DailyRequests never exceeds DailyLimit. The check-and-increment
// is a single conditional UPDATE (see repo.AdmitKey), so two concurrent
// requests against a key with one admission left yield exactly one success.
type APIKey struct {
	ID            string    `json:"id"              gorm:"type:char(36);primaryKey"`
	Name          string    `json:"name"            gorm:"type:varchar(64);not null"`
	Key           string    `json:"-"               gorm:"type:varchar(64);not null;uniqueIndex:ux_api_key"`
	IsActive      bool      `json:"is_active"       gorm:"not null;default:true"`
	DailyLimit    int64     `json:"daily_limit"     gorm:"not null;default:1000"`
	DailyRequests int64     `json:"daily_requests"  gorm:"not null;default:0"`
	LastResetDate string    `json:"last_reset_date" gorm:"type:char(10)"` // "2006-01-02", UTC
	UsageCount    int64     `json:"usage_count"     gorm:"not null;default:0"`
	LastRequestAt time.Time `json:"last_request_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// TableName returns the database table name for APIKey.
func (APIKey) TableName() string { return "api_keys" }

// UsageStat is one analytics row per handled request. Rows are append-only
// and queried in aggregate for the status and cache-stats endpoints.
type UsageStat struct {
	ID           string    `json:"id"            gorm:"type:char(36);primaryKey"`
	APIKey       string    `json:"api_key"       gorm:"type:varchar(64);not null;index"`
	Endpoint     string    `json:"endpoint"      gorm:"type:varchar(32);not null;index"`
	ContentID    string    `json:"content_id"    gorm:"type:varchar(32)"`
	Status       string    `json:"status"        gorm:"type:varchar(16);not null"` // cache_hit|fresh|error
	ResponseTime float64   `json:"response_time"`                                  // seconds
	CreatedAt    time.Time `json:"created_at"    gorm:"index"`
}

// TableName returns the database table name for UsageStat.
func (UsageStat) TableName() string { return "usage_stats" }

// SessionHandle marks one in-flight client session. Handles exist purely for
// the approximate concurrent-user gauge; they carry no correctness weight
// and stale ones are evicted lazily before counting.
type SessionHandle struct {
	SessionID      string    `json:"session_id"       gorm:"type:char(36);primaryKey"`
	APIKey         string    `json:"api_key"          gorm:"type:varchar(64);not null;index"`
	Endpoint       string    `json:"endpoint"         gorm:"type:varchar(32);not null"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivityAt time.Time `json:"last_activity_at" gorm:"index"`
}

// TableName returns the database table name for SessionHandle.
func (SessionHandle) TableName() string { return "session_handles" }
