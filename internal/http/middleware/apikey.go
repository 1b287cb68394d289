// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements APIKeyAuth, the admission gate for the content API.
// Every request through it must present a valid API key and pass the per-key
// daily quota check before reaching any handler. Admission is a single atomic
// check-and-increment in the persistent limiter, so the middleware never
// holds locks and concurrent requests cannot oversubscribe a key.
package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/streamvault/go-media-cache/internal/services"
)

const (
	// apiKeyContextKey is the Gin context key carrying the validated API key.
	apiKeyContextKey = "apiKey"
	// sessionIDContextKey carries the per-request session handle id.
	sessionIDContextKey = "sessionID"
	// apiKeyHeader is the preferred credential carrier.
	apiKeyHeader = "X-API-Key"
	// apiKeyQueryParam is the fallback carrier for clients that cannot set
	// custom headers (e.g. direct media links).
	apiKeyQueryParam = "api_key"
)

// clientAPIKey extracts the caller's API key from the header or, failing
// that, the query string. Returns "" when no credential is present.
func clientAPIKey(c *gin.Context) string {
	if k := c.GetHeader(apiKeyHeader); k != "" {
		return k
	}
	return c.Query(apiKeyQueryParam)
}

// APIKeyFrom returns the validated API key attached by APIKeyAuth, or ""
// when the request was not admitted through it.
func APIKeyFrom(c *gin.Context) string {
	if v, ok := c.Get(apiKeyContextKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// redactAPIKey shortens a key for log output. Short values pass through
// unchanged since they carry no secret weight.
func redactAPIKey(key string) string {
	if len(key) <= 10 {
		return key
	}
	return key[:10] + "..."
}

// APIKeyAuth returns a Gin middleware that validates the API key and charges
// the per-key daily quota.
//
// Responses:
//   - 401 api_key_required when no credential is presented
//   - 401 invalid_api_key for unknown or deactivated keys
//   - 429 rate_limit_exceeded when the daily quota is exhausted, with
//     X-RateLimit-* headers describing the window
//   - 503 rate_limiter_unavailable when the limiter store is down and
//     fail-open is disabled
//
// On success the validated key is stored in the Gin context and quota
// headers are attached to the response. When sessions is non-nil a session
// handle is registered for the duration of the request.
func APIKeyAuth(limiter *services.RateLimitService, sessions *services.SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := clientAPIKey(c)
		if key == "" {
			abortJSON(c, http.StatusUnauthorized, "api_key_required", "API key is required")
			return
		}

		dec, err := limiter.Admit(c.Request.Context(), key)
		switch {
		case err == nil:
			// admitted below
		case errors.Is(err, services.ErrKeyNotFound), errors.Is(err, services.ErrKeyInactive):
			abortJSON(c, http.StatusUnauthorized, "invalid_api_key", "invalid or inactive API key")
			return
		case errors.Is(err, services.ErrRateLimiterUnavailable):
			abortJSON(c, http.StatusServiceUnavailable, "rate_limiter_unavailable", "rate limiter temporarily unavailable")
			return
		default:
			abortJSON(c, http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}

		setQuotaHeaders(c, dec)
		if !dec.Allowed {
			c.Header("Retry-After", strconv.FormatInt(int64(time.Until(dec.ResetAt).Seconds())+1, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"request_id":     c.Writer.Header().Get(requestIDHeader),
				"code":           "rate_limit_exceeded",
				"message":        "daily rate limit exceeded",
				"daily_requests": dec.DailyRequests,
				"daily_limit":    dec.DailyLimit,
				"remaining":      dec.Remaining,
				"reset_at":       dec.ResetAt.UTC().Format(time.RFC3339),
			})
			return
		}

		c.Set(apiKeyContextKey, key)

		if sessions != nil {
			sid := uuid.NewString()
			c.Set(sessionIDContextKey, sid)
			endpoint := c.FullPath()
			if endpoint == "" {
				endpoint = c.Request.URL.Path
			}
			sessions.Register(c.Request.Context(), sid, key, endpoint)
			defer sessions.Unregister(c.Request.Context(), sid)
		}

		c.Next()
	}
}

// setQuotaHeaders attaches the standard quota headers from a decision.
func setQuotaHeaders(c *gin.Context, dec *services.Decision) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(dec.DailyLimit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(dec.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAt.Unix(), 10))
}

// abortJSON writes the standard error envelope and stops the chain.
func abortJSON(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       code,
		"message":    msg,
	})
}
