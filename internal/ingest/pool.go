// Package ingest runs the detached background pipeline that persists
// freshly fetched content into the blob store and cache index. Jobs are
// queued by the request orchestrator and executed by a bounded worker pool
// whose lifetime is independent of any client request: a disconnecting
// client never cancels an in-flight ingestion, and a panicking job never
// reaches a response path.
//
// Ingestion is allowed to fail: a lost job only means the next request for
// that content repeats the fetch. Failures are logged and counted, never
// retried here beyond the blob client's own retry policy.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/streamvault/go-media-cache/internal/blobstore"
	"github.com/streamvault/go-media-cache/internal/domain"
)

var (
	ingestJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_jobs_total",
			Help: "Background ingestion jobs by outcome.",
		},
		[]string{"outcome"}, // stored|duplicate|too_large|failed|dropped
	)

	ingestBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_uploaded_bytes_total",
			Help: "Total bytes uploaded into the blob store.",
		},
	)

	ingestQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_queue_depth",
			Help: "Jobs waiting in the ingestion queue.",
		},
	)
)

func init() {
	prometheus.MustRegister(ingestJobs, ingestBytes, ingestQueueDepth)
}

// Job is one pending ingestion: download the fresh content and persist it.
type Job struct {
	ContentID     string
	MediaType     string
	Quality       string
	Title         string
	DurationLabel string
	DownloadURL   string
}

// Uploader is the blob-store dependency of the pool. The payload factory
// yields a fresh stream per attempt; the uploader owns closing each one.
type Uploader interface {
	Upload(ctx context.Context, meta blobstore.UploadMeta, payload func() (io.ReadCloser, error)) (ref string, size int64, err error)
}

// Inserter is the cache-index dependency of the pool.
type Inserter interface {
	Insert(ctx context.Context, rec *domain.CacheRecord) (*domain.CacheRecord, error)
}

// Options configures a Pool.
type Options struct {
	// Workers is the number of concurrent ingestion goroutines. Default 2.
	Workers int
	// QueueSize bounds pending jobs; enqueue drops when full. Default 64.
	QueueSize int
	// JobTimeout bounds one download+upload+insert cycle. Default 10m.
	JobTimeout time.Duration
	// HTTPClient downloads fresh content. Defaults to a client with no
	// overall timeout (large transfers are bounded by JobTimeout instead).
	HTTPClient *http.Client
}

// Pool is the bounded background ingestion worker pool.
type Pool struct {
	uploader Uploader
	inserter Inserter

	jobs       chan Job
	httpClient *http.Client
	jobTimeout time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// New builds and starts a Pool.
func New(uploader Uploader, inserter Inserter, opts Options) *Pool {
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	jobTimeout := opts.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 10 * time.Minute
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	p := &Pool{
		uploader:   uploader,
		inserter:   inserter,
		jobs:       make(chan Job, queueSize),
		httpClient: httpClient,
		jobTimeout: jobTimeout,
		stopped:    make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Enqueue hands a job to the pool without blocking the caller. A full queue
// drops the job — the cache is an optimization layer, not a durability
// guarantee — and the drop is logged and counted.
func (p *Pool) Enqueue(job Job) bool {
	select {
	case <-p.stopped:
		return false
	default:
	}
	select {
	case p.jobs <- job:
		ingestQueueDepth.Set(float64(len(p.jobs)))
		return true
	default:
		ingestJobs.WithLabelValues("dropped").Inc()
		log.Warn().Str("content_id", job.ContentID).Msg("ingest queue full, job dropped")
		return false
	}
}

// Shutdown stops accepting jobs and waits for in-flight ones to finish or
// the context to expire. The jobs channel is never closed: Enqueue may race
// with shutdown from request goroutines, and a send on a closed channel
// would panic in the request path. Workers observe the stop signal instead.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.stopped)
	})
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			ingestQueueDepth.Set(float64(len(p.jobs)))
			p.runJob(job)
		case <-p.stopped:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case job := <-p.jobs:
					ingestQueueDepth.Set(float64(len(p.jobs)))
					p.runJob(job)
				default:
					return
				}
			}
		}
	}
}

// runJob executes one ingestion under its own timeout, detached from any
// request context, with panic isolation.
func (p *Pool) runJob(job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			ingestJobs.WithLabelValues("failed").Inc()
			log.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("content_id", job.ContentID).
				Msg("ingest job panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.jobTimeout)
	defer cancel()

	start := time.Now()
	ref, size, err := p.uploader.Upload(ctx, blobstore.UploadMeta{
		ContentID: job.ContentID,
		Title:     job.Title,
		MediaType: job.MediaType,
		Quality:   job.Quality,
	}, func() (io.ReadCloser, error) {
		return p.openDownload(ctx, job.DownloadURL)
	})
	if err != nil {
		if errors.Is(err, blobstore.ErrPayloadTooLarge) {
			ingestJobs.WithLabelValues("too_large").Inc()
			log.Warn().Str("content_id", job.ContentID).Msg("ingest skipped, payload over size ceiling")
			return
		}
		ingestJobs.WithLabelValues("failed").Inc()
		log.Error().Str("content_id", job.ContentID).Err(err).Msg("ingest upload failed")
		return
	}

	rec := &domain.CacheRecord{
		ContentID:       job.ContentID,
		MediaType:       job.MediaType,
		Quality:         job.Quality,
		Title:           job.Title,
		DurationLabel:   job.DurationLabel,
		StoredObjectRef: ref,
		FileSizeBytes:   size,
	}
	if job.MediaType != domain.MediaVideo {
		rec.Quality = ""
	}

	stored, err := p.inserter.Insert(ctx, rec)
	if err != nil {
		ingestJobs.WithLabelValues("failed").Inc()
		log.Error().Str("content_id", job.ContentID).Err(err).Msg("ingest cache insert failed")
		return
	}

	ingestBytes.Add(float64(size))
	if stored.ID != rec.ID {
		ingestJobs.WithLabelValues("duplicate").Inc()
	} else {
		ingestJobs.WithLabelValues("stored").Inc()
	}
	log.Info().
		Str("content_id", job.ContentID).
		Str("media_type", job.MediaType).
		Int64("bytes", size).
		Dur("elapsed", time.Since(start)).
		Msg("content ingested into cache")
}

// openDownload starts streaming the fresh content. The body is handed to
// the uploader, which closes it after the attempt; the uploader's counting
// reader enforces the size cap.
func (p *Pool) openDownload(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
