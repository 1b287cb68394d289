// Package main is the entry point of the media cache service: a cache-first
// proxy that resolves media URLs through an upstream provider, stores the
// payloads in a blob channel, and serves repeat requests from its own index.
//
// Startup order:
//  1. Load .env (best effort) and the environment configuration
//  2. Configure zerolog and, when enabled, OpenTelemetry tracing
//  3. Open SQLite and run migrations
//  4. Build the upstream resolver, blob client, and ingest pool
//  5. Register HTTP routes and serve until SIGINT/SIGTERM
//
// Shutdown drains in-flight HTTP requests first, then the ingest pool, so
// uploads spawned by the last requests still get their grace window.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/mileusna/crontab"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/streamvault/go-media-cache/internal/blobstore"
	"github.com/streamvault/go-media-cache/internal/config"
	httpapi "github.com/streamvault/go-media-cache/internal/http"
	"github.com/streamvault/go-media-cache/internal/ingest"
	"github.com/streamvault/go-media-cache/internal/observability"
	"github.com/streamvault/go-media-cache/internal/repo"
	"github.com/streamvault/go-media-cache/internal/services"
	"github.com/streamvault/go-media-cache/internal/sysutil"
	"github.com/streamvault/go-media-cache/internal/upstream"
)

const version = "1.0.0"

func main() {
	// .env is a dev convenience; absence is not an error.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Str("db_path", cfg.DBPath).Err(err).Msg("database open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}

	resolver := upstream.NewResolver(upstream.Options{
		APIBase:       cfg.Upstream.APIBase,
		DecryptKeyHex: cfg.Upstream.DecryptKeyHex,
		Timeout:       cfg.Upstream.Timeout,
	})
	defer resolver.Close()

	blobs := blobstore.New(blobstore.Options{
		BaseURL:     cfg.Blob.BaseURL,
		BotToken:    cfg.Blob.BotToken,
		ChannelID:   cfg.Blob.ChannelID,
		UploadSlots: cfg.Blob.UploadSlots,
	})
	defer blobs.Close()

	cacheSvc := services.NewCacheService(db)
	pool := ingest.New(blobs, cacheSvc, ingest.Options{
		Workers:    cfg.Ingest.Workers,
		QueueSize:  cfg.Ingest.QueueSize,
		JobTimeout: cfg.Ingest.JobTimeout,
	})

	// Scheduled maintenance: nightly cache retention sweep, hourly session
	// eviction so the concurrency gauge stays honest between requests.
	sessions := services.NewSessionService(db)
	ctab := crontab.New()
	ctab.MustAddJob("30 3 * * *", func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := cacheSvc.Cleanup(sweepCtx, cfg.Cache.RetentionDays, cfg.Cache.InactiveGraceDays); err != nil {
			log.Error().Err(err).Msg("cache cleanup sweep failed")
		}
	})
	ctab.MustAddJob("0 * * * *", func() {
		evictCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		sessions.CountActive(evictCtx)
	})

	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	httpapi.RegisterRoutes(engine, db, httpapi.Deps{
		Upstream: resolver,
		Blobs:    blobs,
		Ingest:   pool,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	ctab.Shutdown()

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown incomplete")
	}
	if err := pool.Shutdown(drainCtx); err != nil {
		log.Error().Err(err).Msg("ingest pool shutdown incomplete")
	}
	if err := otelShutdown(drainCtx); err != nil {
		log.Error().Err(err).Msg("otel shutdown incomplete")
	}
	log.Info().Msg("server stopped")
}
