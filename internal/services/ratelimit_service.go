// Package services – RateLimitService
//
// This file implements the per-API-key daily rate limiter. Each key carries
// a daily budget that resets lazily at UTC midnight: the first admission of
// a new calendar day resets the counter as part of the same conditional
// update that admits the request, so no scheduled job is involved and the
// check-and-increment stays atomic under concurrency.
package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/streamvault/go-media-cache/internal/repo"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed       bool      `json:"allowed"`
	DailyRequests int64     `json:"daily_requests"`
	DailyLimit    int64     `json:"daily_limit"`
	Remaining     int64     `json:"remaining"`
	ResetAt       time.Time `json:"reset_at"`
}

// KeyStats reports a key's current counters without charging a request.
type KeyStats struct {
	KeyName       string    `json:"key_name"`
	DailyRequests int64     `json:"daily_requests"`
	DailyLimit    int64     `json:"daily_limit"`
	Remaining     int64     `json:"remaining"`
	TotalUsage    int64     `json:"total_usage"`
	IsActive      bool      `json:"is_active"`
	LastRequestAt time.Time `json:"last_request_at"`
	ResetAt       time.Time `json:"reset_at"`
}

// RateLimitService admits requests against per-key daily budgets persisted
// in the store. It owns APIKey counter mutations exclusively.
type RateLimitService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB

	// FailOpen admits requests when the store is unreachable instead of
	// failing closed. Off by default; an availability escape hatch only.
	FailOpen bool

	// Now allows tests to pin the clock. Defaults to time.Now.
	Now func() time.Time
}

// NewRateLimitService constructs a RateLimitService with the real clock.
func NewRateLimitService(db *gorm.DB, failOpen bool) *RateLimitService {
	return &RateLimitService{DB: db, FailOpen: failOpen, Now: time.Now}
}

func (s *RateLimitService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// nextUTCMidnight returns the first instant of the next UTC calendar day.
func nextUTCMidnight(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// Admit checks and charges one request against the key's daily budget.
//
// Returns ErrKeyNotFound / ErrKeyInactive for unusable keys. Store failures
// surface as ErrRateLimiterUnavailable unless FailOpen is set, in which
// case the request is admitted with zeroed counters.
//
// The persisted check-then-increment is a single conditional UPDATE
// (repo.AdmitKey): two concurrent requests against a key with one admission
// left produce exactly one allowed=true.
func (s *RateLimitService) Admit(ctx context.Context, apiKey string) (*Decision, error) {
	now := s.now()
	today := now.Format("2006-01-02")
	resetAt := nextUTCMidnight(now)

	rec, err := repo.GetAPIKey(ctx, s.DB, apiKey)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return s.storeFailure(err, resetAt)
	}
	if !rec.IsActive {
		return nil, ErrKeyInactive
	}

	admitted, err := repo.AdmitKey(ctx, s.DB, apiKey, today, now)
	if err != nil {
		return s.storeFailure(err, resetAt)
	}

	// Re-read for accurate counters in the response. A failure here does
	// not undo the admission; fall back to the pre-admission snapshot.
	if updated, rerr := repo.GetAPIKey(ctx, s.DB, apiKey); rerr == nil {
		rec = updated
	}

	requests := rec.DailyRequests
	if rec.LastResetDate != today {
		requests = 0
	}
	remaining := rec.DailyLimit - requests
	if remaining < 0 {
		remaining = 0
	}

	return &Decision{
		Allowed:       admitted,
		DailyRequests: requests,
		DailyLimit:    rec.DailyLimit,
		Remaining:     remaining,
		ResetAt:       resetAt,
	}, nil
}

// storeFailure maps a persistence error to either fail-open admission or
// ErrRateLimiterUnavailable.
func (s *RateLimitService) storeFailure(err error, resetAt time.Time) (*Decision, error) {
	if s.FailOpen {
		return &Decision{Allowed: true, ResetAt: resetAt}, nil
	}
	return nil, errors.Join(ErrRateLimiterUnavailable, err)
}

// Stats returns the key's counters without charging a request. Counters are
// reported as they will look after the lazy rollover: a stale reset date
// reads as zero used requests.
func (s *RateLimitService) Stats(ctx context.Context, apiKey string) (*KeyStats, error) {
	now := s.now()
	today := now.Format("2006-01-02")

	rec, err := repo.GetAPIKey(ctx, s.DB, apiKey)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, errors.Join(ErrRateLimiterUnavailable, err)
	}

	requests := rec.DailyRequests
	if rec.LastResetDate != today {
		requests = 0
	}
	remaining := rec.DailyLimit - requests
	if remaining < 0 {
		remaining = 0
	}

	return &KeyStats{
		KeyName:       rec.Name,
		DailyRequests: requests,
		DailyLimit:    rec.DailyLimit,
		Remaining:     remaining,
		TotalUsage:    rec.UsageCount,
		IsActive:      rec.IsActive,
		LastRequestAt: rec.LastRequestAt,
		ResetAt:       nextUTCMidnight(now),
	}, nil
}
