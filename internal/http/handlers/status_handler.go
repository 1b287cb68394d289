// Status and statistics handlers.
//
// This file exposes the operational read endpoints:
//   - GET /status       (per-key quota counters plus service gauges)
//   - GET /cache/stats  (cache index composition and top content)
//   - GET /health       (unauthenticated liveness probe)
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/streamvault/go-media-cache/internal/repo"
	"github.com/streamvault/go-media-cache/internal/services"
	"github.com/streamvault/go-media-cache/internal/utils"
)

// usageWindow is the lookback for the request-volume figures on /status.
const usageWindow = 24 * time.Hour

// StatusHandlers serves the operational read endpoints.
type StatusHandlers struct {
	limiter  *services.RateLimitService
	cache    *services.CacheService
	sessions *services.SessionService
	db       *gorm.DB
}

// NewStatusHandlers constructs StatusHandlers bound to the given services.
func NewStatusHandlers(limiter *services.RateLimitService, cache *services.CacheService, sessions *services.SessionService, db *gorm.DB) *StatusHandlers {
	return &StatusHandlers{limiter: limiter, cache: cache, sessions: sessions, db: db}
}

// Status handles GET /status: the caller's quota counters, the concurrent
// session gauge, and 24h request volume. Reading status never charges the
// caller's quota; the auth middleware is bypassed for this route and the key
// is validated read-only here.
func (h *StatusHandlers) Status(c *gin.Context) {
	key := c.GetHeader("X-API-Key")
	if key == "" {
		key = c.Query("api_key")
	}
	if key == "" {
		fail(c, http.StatusUnauthorized, ErrCodeAPIKeyRequired, "API key is required")
		return
	}

	stats, err := h.limiter.Stats(c.Request.Context(), key)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrKeyNotFound), errors.Is(err, services.ErrKeyInactive):
			fail(c, http.StatusUnauthorized, ErrCodeInvalidAPIKey, "invalid or inactive API key")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
		}
		return
	}

	body := gin.H{
		"key":             stats,
		"active_sessions": h.sessions.CountActive(c.Request.Context()),
	}
	if h.db != nil {
		if sum, err := repo.SummarizeUsage(c.Request.Context(), h.db, time.Now().UTC().Add(-usageWindow)); err == nil {
			body["usage_24h"] = sum
		}
	}
	ok(c, http.StatusOK, body)
}

// CacheStats handles GET /cache/stats. The optional "top" query parameter
// sizes the most-accessed listing (default 10).
func (h *StatusHandlers) CacheStats(c *gin.Context) {
	stats, err := h.cache.Stats(c.Request.Context(), utils.AtoiDefault(c.Query("top"), 10))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
		return
	}
	ok(c, http.StatusOK, stats)
}

// Health handles GET /health: an unauthenticated liveness probe.
func Health(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{"status": "ok"})
}
