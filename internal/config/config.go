// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, rate limiting, the
// upstream provider, blob storage, ingestion, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-media-cache")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// UpstreamConfig defines the content-provider resolver settings.
type UpstreamConfig struct {
	APIBase       string        // UPSTREAM_API_BASE, the CDN-selection host
	DecryptKeyHex string        // UPSTREAM_DECRYPT_KEY (hex)
	Timeout       time.Duration // UPSTREAM_TIMEOUT per round trip
}

// BlobConfig defines blob-store (bot channel) settings.
type BlobConfig struct {
	BaseURL     string // BLOB_API_BASE, e.g. "https://api.telegram.org"
	BotToken    string // BLOB_BOT_TOKEN (required)
	ChannelID   string // BLOB_CHANNEL_ID (required)
	UploadSlots int64  // BLOB_UPLOAD_SLOTS, concurrent uploads
}

// IngestConfig defines the background ingestion pool settings.
type IngestConfig struct {
	Workers    int           // INGEST_WORKERS
	QueueSize  int           // INGEST_QUEUE_SIZE
	JobTimeout time.Duration // INGEST_JOB_TIMEOUT per download+upload
}

// CacheConfig defines cache retention settings for the cleanup sweep.
type CacheConfig struct {
	RetentionDays     int // CACHE_RETENTION_DAYS for active low-traffic records
	InactiveGraceDays int // CACHE_INACTIVE_GRACE_DAYS before purging inactive rows
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s; streaming responses may need more
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// App
	DBPath string // SQLite path

	// Domain subsystems
	Upstream UpstreamConfig
	Blob     BlobConfig
	Ingest   IngestConfig
	Cache    CacheConfig

	// FailOpen admits requests with zeroed counters when the limiter store
	// is unreachable; when false such requests are rejected with 503.
	FailOpen bool

	// Edge rate limiting (token bucket, process-local)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 5*time.Minute),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath: getenv("DB_PATH", "cache.db"),

		// Domain subsystems
		Upstream: UpstreamConfig{
			APIBase:       getenv("UPSTREAM_API_BASE", "https://media.savetube.me"),
			DecryptKeyHex: getenv("UPSTREAM_DECRYPT_KEY", ""),
			Timeout:       getdur("UPSTREAM_TIMEOUT", 30*time.Second),
		},
		Blob: BlobConfig{
			BaseURL:     getenv("BLOB_API_BASE", "https://api.telegram.org"),
			BotToken:    getenv("BLOB_BOT_TOKEN", ""),
			ChannelID:   getenv("BLOB_CHANNEL_ID", ""),
			UploadSlots: int64(getint("BLOB_UPLOAD_SLOTS", 3)),
		},
		Ingest: IngestConfig{
			Workers:    getint("INGEST_WORKERS", 2),
			QueueSize:  getint("INGEST_QUEUE_SIZE", 64),
			JobTimeout: getdur("INGEST_JOB_TIMEOUT", 10*time.Minute),
		},
		Cache: CacheConfig{
			RetentionDays:     getint("CACHE_RETENTION_DAYS", 30),
			InactiveGraceDays: getint("CACHE_INACTIVE_GRACE_DAYS", 7),
		},

		FailOpen: getbool("RATE_LIMIT_FAIL_OPEN", false),

		// Edge rate limiting
		RateRPS:   getfloat("RATE_RPS", 10.0),
		RateBurst: getint("RATE_BURST", 20),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-media-cache"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.Upstream.APIBase) == "" {
		return cfg, errors.New("UPSTREAM_API_BASE must not be empty")
	}
	if cfg.Upstream.Timeout <= 0 {
		return cfg, errors.New("UPSTREAM_TIMEOUT must be > 0")
	}
	if cfg.Blob.UploadSlots < 1 {
		return cfg, errors.New("BLOB_UPLOAD_SLOTS must be >= 1")
	}
	if cfg.Ingest.Workers < 1 {
		return cfg, errors.New("INGEST_WORKERS must be >= 1")
	}
	if cfg.Ingest.QueueSize < 1 {
		return cfg, errors.New("INGEST_QUEUE_SIZE must be >= 1")
	}
	if cfg.Ingest.JobTimeout <= 0 {
		return cfg, errors.New("INGEST_JOB_TIMEOUT must be > 0")
	}
	if cfg.Cache.RetentionDays < 1 {
		return cfg, errors.New("CACHE_RETENTION_DAYS must be >= 1")
	}
	if cfg.Cache.InactiveGraceDays < 0 {
		return cfg, errors.New("CACHE_INACTIVE_GRACE_DAYS must be >= 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
