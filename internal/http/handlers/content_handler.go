// Content HTTP handlers.
//
// This file exposes the cache-first content API:
//   - GET /content/video  (resolve a video, cache-first)
//   - GET /content/audio  (resolve audio, cache-first)
//   - GET /content/info   (provider metadata only, no ingestion)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/streamvault/go-media-cache/internal/domain"
	"github.com/streamvault/go-media-cache/internal/http/middleware"
	"github.com/streamvault/go-media-cache/internal/services"
	"github.com/streamvault/go-media-cache/internal/upstream"
)

//
// Service contracts (context-aware)
//

// MediaService defines the resolution operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type MediaService interface {
	// Resolve runs the cache-first pipeline for one admitted request.
	Resolve(ctx context.Context, apiKey, sourceURL, mediaType, quality string) (*services.Resolution, error)
	// Info fetches provider metadata without touching the cache.
	Info(ctx context.Context, sourceURL string) (*services.Resolution, error)
	// StreamSource resolves a cached record to a fetchable URL.
	StreamSource(ctx context.Context, contentID, mediaType, quality string) (*domain.CacheRecord, string, error)
}

//
// Handler wiring
//

// ContentHandlers groups the HTTP endpoints of the content API. It depends on
// an abstract service interface to keep transport concerns separate from
// business logic.
type ContentHandlers struct {
	media MediaService
}

// NewContentHandlers constructs ContentHandlers bound to the given service.
func NewContentHandlers(media MediaService) *ContentHandlers {
	return &ContentHandlers{media: media}
}

// ResolveVideo handles GET /content/video.
//
// Query parameters:
//   - url:     required, the source content URL
//   - quality: optional video quality tier ("360", "720", ...)
//
// Responds 200 with a Resolution body; "source" tells the caller whether the
// content was served from cache or freshly resolved.
func (h *ContentHandlers) ResolveVideo(c *gin.Context) {
	h.resolve(c, domain.MediaVideo)
}

// ResolveAudio handles GET /content/audio. Quality hints are accepted but
// ignored; audio always resolves at the highest available bitrate.
func (h *ContentHandlers) ResolveAudio(c *gin.Context) {
	h.resolve(c, domain.MediaAudio)
}

func (h *ContentHandlers) resolve(c *gin.Context, mediaType string) {
	sourceURL := c.Query("url")
	if sourceURL == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "url query parameter is required")
		return
	}

	res, err := h.media.Resolve(
		c.Request.Context(),
		middleware.APIKeyFrom(c),
		sourceURL,
		mediaType,
		c.Query("quality"),
	)
	if err != nil {
		failResolve(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// Info handles GET /content/info: provider metadata for a source URL without
// charging an ingestion or consulting the cache index.
func (h *ContentHandlers) Info(c *gin.Context) {
	sourceURL := c.Query("url")
	if sourceURL == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "url query parameter is required")
		return
	}

	res, err := h.media.Info(c.Request.Context(), sourceURL)
	if err != nil {
		failResolve(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{
		"content_id": res.ContentID,
		"title":      res.Title,
		"duration":   res.Duration,
	})
}

// failResolve maps resolution-pipeline errors onto the HTTP error taxonomy.
func failResolve(c *gin.Context, err error) {
	switch {
	case errors.Is(err, upstream.ErrInvalidSourceURL):
		fail(c, http.StatusBadRequest, ErrCodeInvalidURL, "unrecognized source URL")
	case errors.Is(err, upstream.ErrUpstreamUnavailable):
		fail(c, http.StatusBadGateway, ErrCodeUpstreamUnavailable, "content provider is temporarily unavailable")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}
