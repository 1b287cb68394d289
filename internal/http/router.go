// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, API key admission, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/streamvault/go-media-cache/internal/config"
	"github.com/streamvault/go-media-cache/internal/http/handlers"
	"github.com/streamvault/go-media-cache/internal/http/middleware"
	"github.com/streamvault/go-media-cache/internal/services"
)

// Deps carries the externally constructed dependencies of the HTTP layer.
// The upstream resolver, blob client, and ingest pool own network resources
// and background goroutines, so their lifecycle belongs to main, not here.
type Deps struct {
	Upstream services.Resolver
	Blobs    services.BlobResolver
	Ingest   services.IngestQueue

	// StreamClient serves the byte-proxy endpoints; nil gets a default.
	StreamClient *http.Client
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), API key admission
// and rate limiting, CORS and security headers, health and metrics endpoints,
// and then mounts the versioned public API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with credential scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Edge token-bucket limiter (per key/IP burst control)
//  8. CORS and Security headers
//
// The persistent per-key daily quota is enforced per route group by the
// APIKeyAuth middleware, after the global chain.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (64 KiB; parameters travel in the query even
	// on POST, bodies are noise)
	r.Use(limitBody(64 << 10))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Edge token-bucket limiter per key/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByAPIKeyOrIP())
	r.Use(rl.Handler())

	// 8) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "HEAD", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Range", "X-API-Key"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "Content-Range", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "HEAD", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Range", "X-API-Key"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "Content-Range", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	// Liveness/health
	r.GET("/health", handlers.Health)

	// Dependency injection: services ← repo/db/clients
	limiter := services.NewRateLimitService(db, cfg.FailOpen)
	cacheSvc := services.NewCacheService(db)
	sessions := services.NewSessionService(db)
	media := services.NewMediaService(db, cacheSvc, deps.Upstream, deps.Blobs, deps.Ingest)

	content := handlers.NewContentHandlers(media)
	stream := handlers.NewStreamHandlers(media, deps.StreamClient)
	status := handlers.NewStatusHandlers(limiter, cacheSvc, sessions, db)

	auth := middleware.APIKeyAuth(limiter, sessions)

	// Public API (quota-charged)
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		charged := api.Group("", auth)
		// Resolution accepts POST too; parameters stay in the query either
		// way, POST just suits clients that refuse query-only GETs.
		charged.GET("/content/video", content.ResolveVideo)
		charged.POST("/content/video", content.ResolveVideo)
		charged.GET("/content/audio", content.ResolveAudio)
		charged.POST("/content/audio", content.ResolveAudio)
		charged.GET("/content/info", content.Info)
		charged.POST("/content/info", content.Info)

		// Read-only endpoints never charge the daily quota.
		api.GET("/status", status.Status)
		api.GET("/cache/stats", status.CacheStats)
	}

	// Byte proxy for cached media (quota-charged, mounted at root so the
	// URLs stay short enough for bare media players)
	streamGroup := r.Group("/stream", auth)
	{
		streamGroup.GET("/video/:contentId", stream.StreamVideo)
		streamGroup.GET("/audio/:contentId", stream.StreamAudio)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
