package services

import (
	"context"
	"testing"
	"time"

	"github.com/streamvault/go-media-cache/internal/domain"
)

func newCacheRec(contentID, mediaType, quality string) *domain.CacheRecord {
	return &domain.CacheRecord{
		ContentID:       contentID,
		MediaType:       mediaType,
		Quality:         quality,
		Title:           "Title " + contentID,
		DurationLabel:   "3:45",
		StoredObjectRef: "ref-" + contentID + quality,
		FileSizeBytes:   2048,
	}
}

func TestCache_Lookup_MissReturnsNilNil(t *testing.T) {
	db := newServiceDB(t, &domain.CacheRecord{})
	svc := NewCacheService(db)

	rec, err := svc.Lookup(context.Background(), "vid001", domain.MediaVideo, "720")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if rec != nil {
		t.Fatalf("miss must return nil record, got %+v", rec)
	}
}

func TestCache_Insert_FillsDerivedFields(t *testing.T) {
	db := newServiceDB(t, &domain.CacheRecord{})
	svc := NewCacheService(db)

	stored, err := svc.Insert(context.Background(), newCacheRec("vid001", domain.MediaVideo, "720"))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if stored.ID == "" {
		t.Fatal("insert must assign an ID")
	}
	if stored.ContentHash != domain.HashContent("vid001", domain.MediaVideo, "720") {
		t.Fatalf("content hash = %q", stored.ContentHash)
	}
	if stored.Status != domain.StatusActive {
		t.Fatalf("status = %q, want active", stored.Status)
	}
}

func TestCache_Insert_IdempotentOnHash(t *testing.T) {
	db := newServiceDB(t, &domain.CacheRecord{})
	svc := NewCacheService(db)
	ctx := context.Background()

	first, err := svc.Insert(ctx, newCacheRec("vid001", domain.MediaVideo, "720"))
	if err != nil {
		t.Fatalf("Insert first: %v", err)
	}
	second, err := svc.Insert(ctx, newCacheRec("vid001", domain.MediaVideo, "720"))
	if err != nil {
		t.Fatalf("Insert second: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate insert produced a new record: %s vs %s", second.ID, first.ID)
	}
}

func TestCache_Lookup_HitBumpsAccessCount(t *testing.T) {
	db := newServiceDB(t, &domain.CacheRecord{})
	svc := NewCacheService(db)
	ctx := context.Background()

	if _, err := svc.Insert(ctx, newCacheRec("vid001", domain.MediaVideo, "720")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	rec, err := svc.Lookup(ctx, "vid001", domain.MediaVideo, "720")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if rec == nil {
		t.Fatal("expected hit")
	}
	if rec.AccessCount != 1 {
		t.Fatalf("access count = %d, want 1", rec.AccessCount)
	}
}

func TestCache_Lookup_VideoQualityFallback(t *testing.T) {
	db := newServiceDB(t, &domain.CacheRecord{})
	svc := NewCacheService(db)
	ctx := context.Background()

	if _, err := svc.Insert(ctx, newCacheRec("vid001", domain.MediaVideo, "720")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// A 480p request is satisfied by the cached 720p copy.
	rec, err := svc.Lookup(ctx, "vid001", domain.MediaVideo, "480")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if rec == nil {
		t.Fatal("expected quality fallback hit")
	}
	if rec.Quality != "720" {
		t.Fatalf("fallback quality = %q, want 720", rec.Quality)
	}
}

func TestCache_MarkVerificationFailed_HidesRecord(t *testing.T) {
	db := newServiceDB(t, &domain.CacheRecord{})
	svc := NewCacheService(db)
	ctx := context.Background()

	stored, err := svc.Insert(ctx, newCacheRec("vid001", domain.MediaVideo, "720"))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := svc.MarkVerificationFailed(ctx, stored.ID); err != nil {
		t.Fatalf("MarkVerificationFailed: %v", err)
	}

	rec, err := svc.Lookup(ctx, "vid001", domain.MediaVideo, "720")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if rec != nil {
		t.Fatal("inactive record must not be returned")
	}
}

func TestCache_MarkVerificationFailed_MissingIsNoError(t *testing.T) {
	db := newServiceDB(t, &domain.CacheRecord{})
	svc := NewCacheService(db)
	if err := svc.MarkVerificationFailed(context.Background(), "no-such-id"); err != nil {
		t.Fatalf("missing record should be ignored, got %v", err)
	}
}

func TestCache_Cleanup_RemovesColdRecords(t *testing.T) {
	db := newServiceDB(t, &domain.CacheRecord{})
	svc := NewCacheService(db)
	ctx := context.Background()

	// Pin the clock far in the future so freshly inserted records age out.
	base := time.Now().UTC()
	svc.Now = func() time.Time { return base }
	if _, err := svc.Insert(ctx, newCacheRec("cold01", domain.MediaVideo, "360")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	svc.Now = func() time.Time { return base.Add(40 * 24 * time.Hour) }

	deleted, err := svc.Cleanup(ctx, 30, 7)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
}
