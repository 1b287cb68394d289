// Package services – MediaService
//
// This file implements the cache-first content-resolution pipeline, the
// integration core of the service. Per request: extract the content id,
// consult the cache index (self-healing stale entries on the way), and on a
// miss fetch a fresh download URL from the upstream provider, answer the
// client immediately, and enqueue a detached background ingestion.
//
// Correctness of the client-visible response never depends on cache-write
// success; the cache is purely an optimization layer. Concurrent requests
// for the same uncached content are collapsed to one upstream fetch by a
// singleflight group; any ingestion race that slips through is absorbed by
// the cache index's idempotent insert.
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/streamvault/go-media-cache/internal/domain"
	"github.com/streamvault/go-media-cache/internal/ingest"
	"github.com/streamvault/go-media-cache/internal/repo"
	"github.com/streamvault/go-media-cache/internal/upstream"
)

var cacheLookups = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cache_lookups_total",
		Help: "Cache index lookups by outcome.",
	},
	[]string{"media_type", "outcome"}, // hit|miss|healed
)

func init() {
	prometheus.MustRegister(cacheLookups)
}

// Resolver is the upstream-provider dependency of the orchestrator.
type Resolver interface {
	GetMetadata(ctx context.Context, sourceURL string) (*upstream.Metadata, error)
	GetDownloadURL(ctx context.Context, resolverKey, quality, mediaType string) (string, error)
}

// BlobResolver resolves stored object references to fetchable URLs.
type BlobResolver interface {
	ResolveStreamURL(ctx context.Context, storedObjectRef string) (string, error)
}

// IngestQueue accepts detached background ingestion jobs.
type IngestQueue interface {
	Enqueue(job ingest.Job) bool
}

// Resolution is the orchestrator's answer for one content request.
type Resolution struct {
	Status          bool   `json:"status"`
	Cached          bool   `json:"cached"`
	Source          string `json:"source"` // "cache" | "fresh"
	ContentID       string `json:"content_id"`
	Title           string `json:"title"`
	Duration        string `json:"duration"`
	MediaType       string `json:"media_type"`
	Quality         string `json:"quality,omitempty"`
	DownloadURL     string `json:"download_url,omitempty"`
	StoredObjectRef string `json:"stored_object_ref,omitempty"`
	StreamURL       string `json:"stream_url,omitempty"`
}

// MediaService coordinates the Resolver, the blob store, and the cache
// index. It mutates no stored records directly; all writes go through the
// owning services.
type MediaService struct {
	DB       *gorm.DB
	Cache    *CacheService
	Upstream Resolver
	Blobs    BlobResolver
	Ingest   IngestQueue

	// DefaultQuality is used for video requests with no quality hint.
	DefaultQuality string
	// AudioQuality is the tier requested for audio, always the highest
	// bitrate the provider offers regardless of the client hint.
	AudioQuality string

	group singleflight.Group
}

// NewMediaService constructs a MediaService with the original defaults.
func NewMediaService(db *gorm.DB, cache *CacheService, res Resolver, blobs BlobResolver, queue IngestQueue) *MediaService {
	return &MediaService{
		DB:             db,
		Cache:          cache,
		Upstream:       res,
		Blobs:          blobs,
		Ingest:         queue,
		DefaultQuality: "360",
		AudioQuality:   "320",
	}
}

// normalizeQuality applies the quality policy: video honors the client hint
// (default tier when absent), audio always requests the highest bitrate.
func (s *MediaService) normalizeQuality(mediaType, quality string) string {
	if mediaType == domain.MediaAudio {
		return s.AudioQuality
	}
	if quality == "" {
		return s.DefaultQuality
	}
	return quality
}

// Resolve runs the cache-first pipeline for one admitted request.
//
// Error taxonomy surfaced to handlers: upstream.ErrInvalidSourceURL,
// upstream.ErrUpstreamUnavailable, ErrStoreUnavailable.
func (s *MediaService) Resolve(ctx context.Context, apiKey, sourceURL, mediaType, quality string) (*Resolution, error) {
	start := time.Now()
	quality = s.normalizeQuality(mediaType, quality)

	contentID, err := upstream.ExtractContentID(sourceURL)
	if err != nil {
		return nil, err
	}

	endpoint := "/content/" + mediaType
	if res := s.lookupCached(ctx, contentID, mediaType, quality); res != nil {
		s.logUsage(ctx, apiKey, endpoint, contentID, "cache_hit", time.Since(start))
		return res, nil
	}

	res, err := s.fetchFresh(ctx, sourceURL, contentID, mediaType, quality)
	if err != nil {
		s.logUsage(ctx, apiKey, endpoint, contentID, "error", time.Since(start))
		return nil, err
	}
	s.logUsage(ctx, apiKey, endpoint, contentID, "fresh", time.Since(start))
	return res, nil
}

// lookupCached consults the cache index and resolves the stored object to a
// stream URL. A reference that no longer resolves marks the record inactive
// and reads as a miss, so stale entries heal themselves.
func (s *MediaService) lookupCached(ctx context.Context, contentID, mediaType, quality string) *Resolution {
	rec, err := s.Cache.Lookup(ctx, contentID, mediaType, quality)
	if err != nil {
		// A sick store must not take down resolution; treat as miss.
		log.Warn().Str("content_id", contentID).Err(err).Msg("cache lookup failed, treating as miss")
		return nil
	}
	if rec == nil {
		cacheLookups.WithLabelValues(mediaType, "miss").Inc()
		return nil
	}

	streamURL, err := s.Blobs.ResolveStreamURL(ctx, rec.StoredObjectRef)
	if err != nil {
		cacheLookups.WithLabelValues(mediaType, "healed").Inc()
		log.Info().
			Str("content_id", contentID).
			Str("record_id", rec.ID).
			Err(err).
			Msg("stored object unresolvable, invalidating cache record")
		if mErr := s.Cache.MarkVerificationFailed(ctx, rec.ID); mErr != nil {
			log.Warn().Str("record_id", rec.ID).Err(mErr).Msg("cache invalidation failed")
		}
		return nil
	}

	cacheLookups.WithLabelValues(mediaType, "hit").Inc()
	return &Resolution{
		Status:          true,
		Cached:          true,
		Source:          "cache",
		ContentID:       contentID,
		Title:           rec.Title,
		Duration:        rec.DurationLabel,
		MediaType:       mediaType,
		Quality:         rec.Quality,
		StoredObjectRef: rec.StoredObjectRef,
		StreamURL:       streamURL,
	}
}

// freshResult carries the singleflight payload for one upstream fetch.
type freshResult struct {
	meta        *upstream.Metadata
	downloadURL string
}

// fetchFresh resolves metadata and a download URL from the provider,
// enqueues the background ingestion, and answers with the fresh URL. The
// singleflight key collapses concurrent identical misses to one provider
// round trip; every waiter still gets the shared result.
func (s *MediaService) fetchFresh(ctx context.Context, sourceURL, contentID, mediaType, quality string) (*Resolution, error) {
	key := fmt.Sprintf("%s|%s|%s", contentID, mediaType, quality)
	v, err, _ := s.group.Do(key, func() (any, error) {
		meta, err := s.Upstream.GetMetadata(ctx, sourceURL)
		if err != nil {
			return nil, err
		}
		url, err := s.Upstream.GetDownloadURL(ctx, meta.ResolverKey, quality, mediaType)
		if err != nil {
			return nil, err
		}
		// Enqueue inside the flight so a burst of identical requests
		// produces exactly one upload.
		if s.Ingest != nil {
			s.Ingest.Enqueue(ingest.Job{
				ContentID:     contentID,
				MediaType:     mediaType,
				Quality:       quality,
				Title:         meta.Title,
				DurationLabel: meta.Duration,
				DownloadURL:   url,
			})
		}
		return &freshResult{meta: meta, downloadURL: url}, nil
	})
	if err != nil {
		return nil, err
	}
	fr := v.(*freshResult)

	res := &Resolution{
		Status:      true,
		Cached:      false,
		Source:      "fresh",
		ContentID:   contentID,
		Title:       fr.meta.Title,
		Duration:    fr.meta.Duration,
		MediaType:   mediaType,
		DownloadURL: fr.downloadURL,
	}
	if mediaType == domain.MediaVideo {
		res.Quality = quality
	}
	return res, nil
}

// Info returns provider metadata for a source URL without touching the
// cache or spawning ingestion.
func (s *MediaService) Info(ctx context.Context, sourceURL string) (*Resolution, error) {
	contentID, err := upstream.ExtractContentID(sourceURL)
	if err != nil {
		return nil, err
	}
	meta, err := s.Upstream.GetMetadata(ctx, sourceURL)
	if err != nil {
		return nil, err
	}
	return &Resolution{
		ContentID: contentID,
		Title:     meta.Title,
		Duration:  meta.Duration,
	}, nil
}

// StreamSource resolves an already cached record to a fetchable URL for the
// byte-proxy endpoint. Returns ErrNotCached when no active record exists;
// an unresolvable stored object invalidates the record and also reads as
// ErrNotCached.
func (s *MediaService) StreamSource(ctx context.Context, contentID, mediaType, quality string) (*domain.CacheRecord, string, error) {
	quality = s.normalizeQuality(mediaType, quality)
	rec, err := s.Cache.Lookup(ctx, contentID, mediaType, quality)
	if err != nil {
		return nil, "", err
	}
	if rec == nil {
		return nil, "", ErrNotCached
	}
	streamURL, err := s.Blobs.ResolveStreamURL(ctx, rec.StoredObjectRef)
	if err != nil {
		if mErr := s.Cache.MarkVerificationFailed(ctx, rec.ID); mErr != nil {
			log.Warn().Str("record_id", rec.ID).Err(mErr).Msg("cache invalidation failed")
		}
		return nil, "", ErrNotCached
	}
	return rec, streamURL, nil
}

// logUsage appends one analytics row; advisory, never fails the request.
func (s *MediaService) logUsage(ctx context.Context, apiKey, endpoint, contentID, status string, elapsed time.Duration) {
	if s.DB == nil {
		return
	}
	stat := &domain.UsageStat{
		ID:           uuid.NewString(),
		APIKey:       apiKey,
		Endpoint:     endpoint,
		ContentID:    contentID,
		Status:       status,
		ResponseTime: elapsed.Seconds(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := repo.InsertUsage(ctx, s.DB, stat); err != nil {
		log.Warn().Str("api_key", redactKey(apiKey)).Err(err).Msg("usage logging failed")
	}
}

// redactKey shortens an API key for log output.
func redactKey(key string) string {
	if len(key) <= 10 {
		return key
	}
	return key[:10] + "..."
}
