package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/streamvault/go-media-cache/internal/blobstore"
	"github.com/streamvault/go-media-cache/internal/domain"
)

type fakeUploader struct {
	mu     sync.Mutex
	metas  []blobstore.UploadMeta
	bodies [][]byte

	err     error
	panicOn bool
	block   chan struct{} // when non-nil, Upload waits on it
}

func (f *fakeUploader) Upload(_ context.Context, meta blobstore.UploadMeta, payload func() (io.ReadCloser, error)) (string, int64, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	doPanic := f.panicOn
	f.panicOn = false // panic once, then recover normal service
	f.mu.Unlock()
	if doPanic {
		panic("uploader exploded")
	}
	r, err := payload()
	if err != nil {
		return "", 0, err
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	f.mu.Lock()
	f.metas = append(f.metas, meta)
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()
	if f.err != nil {
		return "", 0, f.err
	}
	return "ref-" + meta.ContentID, int64(len(body)), nil
}

type fakeInserter struct {
	mu   sync.Mutex
	recs []*domain.CacheRecord
	done chan *domain.CacheRecord
}

func newFakeInserter() *fakeInserter {
	return &fakeInserter{done: make(chan *domain.CacheRecord, 16)}
}

func (f *fakeInserter) Insert(_ context.Context, rec *domain.CacheRecord) (*domain.CacheRecord, error) {
	rec.ID = uuid.NewString()
	f.mu.Lock()
	f.recs = append(f.recs, rec)
	f.mu.Unlock()
	f.done <- rec
	return rec, nil
}

func (f *fakeInserter) waitOne(t *testing.T) *domain.CacheRecord {
	t.Helper()
	select {
	case rec := <-f.done:
		return rec
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ingestion")
		return nil
	}
}

func newDownloadServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func shutdownPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestPool_IngestStoresDownloadedContent(t *testing.T) {
	srv := newDownloadServer(t, "media-bytes")
	up := &fakeUploader{}
	ins := newFakeInserter()
	p := New(up, ins, Options{Workers: 1, QueueSize: 4})
	defer shutdownPool(t, p)

	ok := p.Enqueue(Job{
		ContentID:     "vid001",
		MediaType:     domain.MediaVideo,
		Quality:       "720",
		Title:         "A Title",
		DurationLabel: "3:45",
		DownloadURL:   srv.URL + "/file.mp4",
	})
	if !ok {
		t.Fatal("Enqueue returned false")
	}

	rec := ins.waitOne(t)
	if rec.StoredObjectRef != "ref-vid001" {
		t.Fatalf("stored ref = %q", rec.StoredObjectRef)
	}
	if rec.FileSizeBytes != int64(len("media-bytes")) {
		t.Fatalf("size = %d", rec.FileSizeBytes)
	}
	if rec.ContentID != "vid001" || rec.Quality != "720" || rec.Title != "A Title" {
		t.Fatalf("record = %+v", rec)
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.bodies) != 1 || string(up.bodies[0]) != "media-bytes" {
		t.Fatalf("uploaded bodies = %q", up.bodies)
	}
	if up.metas[0].MediaType != domain.MediaVideo || up.metas[0].Quality != "720" {
		t.Fatalf("upload meta = %+v", up.metas[0])
	}
}

func TestPool_AudioRecordDropsQuality(t *testing.T) {
	srv := newDownloadServer(t, "audio-bytes")
	ins := newFakeInserter()
	p := New(&fakeUploader{}, ins, Options{Workers: 1})
	defer shutdownPool(t, p)

	p.Enqueue(Job{
		ContentID:   "aud001",
		MediaType:   domain.MediaAudio,
		Quality:     "320",
		Title:       "A Track",
		DownloadURL: srv.URL,
	})

	rec := ins.waitOne(t)
	if rec.Quality != "" {
		t.Fatalf("audio record quality = %q, want empty", rec.Quality)
	}
}

func TestPool_UploadFailureSkipsInsert(t *testing.T) {
	srv := newDownloadServer(t, "bytes")
	up := &fakeUploader{err: fmt.Errorf("channel down")}
	ins := newFakeInserter()
	p := New(up, ins, Options{Workers: 1})

	p.Enqueue(Job{ContentID: "vid002", MediaType: domain.MediaVideo, DownloadURL: srv.URL})
	shutdownPool(t, p)

	ins.mu.Lock()
	defer ins.mu.Unlock()
	if len(ins.recs) != 0 {
		t.Fatalf("insert called %d times after failed upload", len(ins.recs))
	}
}

func TestPool_DownloadErrorSkipsInsert(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	ins := newFakeInserter()
	p := New(&fakeUploader{}, ins, Options{Workers: 1})

	p.Enqueue(Job{ContentID: "vid003", MediaType: domain.MediaVideo, DownloadURL: srv.URL})
	shutdownPool(t, p)

	ins.mu.Lock()
	defer ins.mu.Unlock()
	if len(ins.recs) != 0 {
		t.Fatal("insert called after failed download")
	}
}

func TestPool_FullQueueDropsJob(t *testing.T) {
	blocked := make(chan struct{})
	up := &fakeUploader{block: blocked}
	ins := newFakeInserter()
	p := New(up, ins, Options{Workers: 1, QueueSize: 1})

	// First job occupies the worker, second fills the queue; everything
	// after must be refused without blocking.
	job := Job{ContentID: "vid004", MediaType: domain.MediaVideo}
	if !p.Enqueue(job) {
		t.Fatal("first enqueue refused")
	}
	// Give the worker a moment to pick up the first job.
	deadline := time.Now().Add(2 * time.Second)
	for p.Enqueue(job) {
		if time.Now().After(deadline) {
			t.Fatal("enqueue never saturated")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(blocked)
	shutdownPool(t, p)
}

func TestPool_PanicInJobIsIsolated(t *testing.T) {
	srv := newDownloadServer(t, "bytes")
	up := &fakeUploader{panicOn: true}
	ins := newFakeInserter()
	p := New(up, ins, Options{Workers: 1})
	defer shutdownPool(t, p)

	p.Enqueue(Job{ContentID: "vid005", MediaType: domain.MediaVideo, DownloadURL: srv.URL})

	// The worker survives the panic and keeps serving jobs.
	p.Enqueue(Job{ContentID: "vid006", MediaType: domain.MediaVideo, DownloadURL: srv.URL})
	rec := ins.waitOne(t)
	if rec.ContentID != "vid006" {
		t.Fatalf("record after panic = %+v", rec)
	}
}

func TestPool_ShutdownDrainsQueueAndRefusesNewJobs(t *testing.T) {
	srv := newDownloadServer(t, "bytes")
	ins := newFakeInserter()
	p := New(&fakeUploader{}, ins, Options{Workers: 2, QueueSize: 16})

	for i := 0; i < 5; i++ {
		if !p.Enqueue(Job{ContentID: fmt.Sprintf("vid%03d", i), MediaType: domain.MediaVideo, DownloadURL: srv.URL}) {
			t.Fatalf("enqueue %d refused", i)
		}
	}
	shutdownPool(t, p)

	ins.mu.Lock()
	n := len(ins.recs)
	ins.mu.Unlock()
	if n != 5 {
		t.Fatalf("ingested %d jobs, want 5", n)
	}

	if p.Enqueue(Job{ContentID: "late", MediaType: domain.MediaVideo}) {
		t.Fatal("enqueue accepted after shutdown")
	}
}

func TestPool_EnqueueConcurrentWithShutdown(t *testing.T) {
	srv := newDownloadServer(t, "bytes")
	ins := newFakeInserter()
	// Big done buffer so inserts never block the workers.
	ins.done = make(chan *domain.CacheRecord, 256)
	p := New(&fakeUploader{}, ins, Options{Workers: 2, QueueSize: 8})

	// Request goroutines keep enqueueing while shutdown runs; a send must
	// never panic, it may only be accepted or refused.
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				p.Enqueue(Job{
					ContentID:   fmt.Sprintf("vid-g%d-%d", g, i),
					MediaType:   domain.MediaVideo,
					DownloadURL: srv.URL,
				})
			}
		}(g)
	}
	shutdownPool(t, p)
	wg.Wait()

	if p.Enqueue(Job{ContentID: "late", MediaType: domain.MediaVideo}) {
		t.Fatal("enqueue accepted after shutdown")
	}
}
