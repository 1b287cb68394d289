// Stream proxy handlers.
//
// This file exposes the byte-proxy endpoints that serve cached media without
// revealing the blob store location:
//   - GET /stream/video/:contentId
//   - GET /stream/audio/:contentId
//
// The proxy forwards Range headers so clients can seek, and streams the
// upstream body directly to the response writer without buffering the
// payload in memory.
package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/streamvault/go-media-cache/internal/domain"
	"github.com/streamvault/go-media-cache/internal/http/middleware"
	"github.com/streamvault/go-media-cache/internal/services"
)

// streamHeaderTimeout bounds the wait for upstream response headers. No
// overall timeout is set: large payloads legitimately stream for minutes.
const streamHeaderTimeout = 30 * time.Second

// StreamHandlers proxies cached media bytes from the blob store to clients.
type StreamHandlers struct {
	media  MediaService
	client *http.Client
}

// NewStreamHandlers constructs StreamHandlers with a streaming-safe HTTP
// client. A nil client gets a default with header timeout only.
func NewStreamHandlers(media MediaService, client *http.Client) *StreamHandlers {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: streamHeaderTimeout,
			},
		}
	}
	return &StreamHandlers{media: media, client: client}
}

// StreamVideo handles GET /stream/video/:contentId.
func (h *StreamHandlers) StreamVideo(c *gin.Context) {
	h.stream(c, domain.MediaVideo)
}

// StreamAudio handles GET /stream/audio/:contentId.
func (h *StreamHandlers) StreamAudio(c *gin.Context) {
	h.stream(c, domain.MediaAudio)
}

// stream resolves the cached record for contentId and proxies its bytes.
//
// Responses:
//   - 200/206 with the proxied payload (206 when the client sent Range and
//     the blob store honored it)
//   - 404 not_cached when no active record exists for the content
//   - 502 stream_failed when the blob store breaks mid-handshake
func (h *StreamHandlers) stream(c *gin.Context, mediaType string) {
	contentID := c.Param("contentId")
	if contentID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content id is required")
		return
	}

	rec, streamURL, err := h.media.StreamSource(c.Request.Context(), contentID, mediaType, c.Query("quality"))
	if err != nil {
		if errors.Is(err, services.ErrNotCached) {
			fail(c, http.StatusNotFound, ErrCodeNotCached, "content is not cached")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
		return
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, streamURL, nil)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
		return
	}
	if rng := c.GetHeader("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		fail(c, http.StatusBadGateway, ErrCodeStreamFailed, "failed to reach media storage")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		fail(c, http.StatusBadGateway, ErrCodeStreamFailed, "media storage returned an error")
		return
	}

	h.writeStreamHeaders(c, rec, resp)
	c.Status(resp.StatusCode)

	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		// Headers are already on the wire; all we can do is log the break.
		middleware.LoggerFrom(c).Warn().
			Str("content_id", contentID).
			Err(err).
			Msg("stream interrupted")
	}
}

// writeStreamHeaders copies payload metadata from the upstream response and
// the cache record onto the client response.
func (h *StreamHandlers) writeStreamHeaders(c *gin.Context, rec *domain.CacheRecord, resp *http.Response) {
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		if rec.MediaType == domain.MediaAudio {
			contentType = "audio/mpeg"
		} else {
			contentType = "video/mp4"
		}
	}
	c.Header("Content-Type", contentType)
	c.Header("Accept-Ranges", "bytes")

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		c.Header("Content-Length", cl)
	} else if rec.FileSizeBytes > 0 {
		c.Header("Content-Length", strconv.FormatInt(rec.FileSizeBytes, 10))
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		c.Header("Content-Range", cr)
	}
}
