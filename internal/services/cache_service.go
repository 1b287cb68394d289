// Package services – CacheService
//
// This file implements the cache index: the persistent mapping from
// (content id, media type, quality) to stored blob references. It owns the
// uniqueness and deduplication invariants on CacheRecord and the
// self-healing behavior around stale stored objects.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/streamvault/go-media-cache/internal/domain"
	"github.com/streamvault/go-media-cache/internal/repo"
	"github.com/streamvault/go-media-cache/internal/utils"
)

// CacheService mediates all access to CacheRecord rows. The orchestrator
// never touches the table directly.
type CacheService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB

	// Now allows tests to pin the clock. Defaults to time.Now.
	Now func() time.Time
}

// NewCacheService constructs a CacheService with the real clock.
func NewCacheService(db *gorm.DB) *CacheService {
	return &CacheService{DB: db, Now: time.Now}
}

func (s *CacheService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Lookup finds an active cache record for the request. Video lookups try
// the exact quality tier first and fall back to any active record for the
// content — a previously cached 720p copy satisfies a 480p request rather
// than triggering a redundant upstream fetch. On hit, the access counter
// and last-access timestamp are bumped atomically.
//
// Returns (nil, nil) on a miss; errors only on store failure.
func (s *CacheService) Lookup(ctx context.Context, contentID, mediaType, quality string) (*domain.CacheRecord, error) {
	rec, err := repo.FindActiveRecord(ctx, s.DB, contentID, mediaType, quality)
	if errors.Is(err, repo.ErrNotFound) && mediaType == domain.MediaVideo && quality != "" {
		rec, err = repo.FindAnyActiveRecord(ctx, s.DB, contentID, mediaType)
	}
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, errors.Join(ErrStoreUnavailable, err)
	}

	if err := repo.TouchAccess(ctx, s.DB, rec.ID, s.now()); err != nil {
		// Advisory counters; a failed touch never downgrades a hit.
		log.Warn().Str("record_id", rec.ID).Err(err).Msg("cache access touch failed")
	} else {
		rec.AccessCount++
	}
	return rec, nil
}

// Insert persists a freshly ingested record. The operation is idempotent on
// the content hash: when an active record for the same logical content
// already exists (e.g. two near-simultaneous ingestions raced), the
// existing record is returned and no duplicate is created.
func (s *CacheService) Insert(ctx context.Context, rec *domain.CacheRecord) (*domain.CacheRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ContentHash == "" {
		rec.ContentHash = domain.HashContent(rec.ContentID, rec.MediaType, rec.Quality)
	}
	now := s.now()
	rec.Status = domain.StatusActive
	rec.CreatedAt = now
	rec.LastVerifiedAt = now

	stored, inserted, err := repo.InsertRecord(ctx, s.DB, rec)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	if !inserted {
		log.Debug().
			Str("content_id", rec.ContentID).
			Str("media_type", rec.MediaType).
			Msg("duplicate cache insert collapsed to existing record")
	}
	return stored, nil
}

// MarkVerificationFailed transitions a record to inactive after its stored
// object failed a liveness check. Missing records are ignored.
func (s *CacheService) MarkVerificationFailed(ctx context.Context, recordID string) error {
	err := repo.MarkInactive(ctx, s.DB, recordID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	return err
}

// MarkVerified stamps a successful liveness probe on a record.
func (s *CacheService) MarkVerified(ctx context.Context, recordID string) error {
	return repo.MarkVerified(ctx, s.DB, recordID, s.now())
}

// CleanupAccessThreshold is the access count below which old active records
// are considered unloved and eligible for the retention sweep.
const CleanupAccessThreshold = 5

// Cleanup deletes inactive records stale beyond inactiveGraceDays and
// active records older than retentionDays with access counts below
// CleanupAccessThreshold. Advisory housekeeping, invoked on demand or by
// the scheduled sweep.
func (s *CacheService) Cleanup(ctx context.Context, retentionDays, inactiveGraceDays int) (int64, error) {
	now := s.now()
	deleted, err := repo.DeleteStaleRecords(ctx, s.DB,
		now.AddDate(0, 0, -retentionDays),
		now.AddDate(0, 0, -inactiveGraceDays),
		CleanupAccessThreshold,
	)
	if err != nil {
		return deleted, errors.Join(ErrStoreUnavailable, err)
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Msg("cache cleanup sweep removed records")
	}
	return deleted, nil
}

// Stats returns aggregate cache counts for the stats endpoint. topN bounds
// the most-accessed listing; out-of-range values are clamped to [1,50].
func (s *CacheService) Stats(ctx context.Context, topN int) (*repo.CacheStats, error) {
	stats, err := repo.CountCacheStats(ctx, s.DB, utils.ClampInt(topN, 1, 50))
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return stats, nil
}
