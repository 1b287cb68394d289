// Package services defines the business logic for rate limiting, cache
// resolution, media orchestration, and session tracking. This file
// centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler layer.
package services

import "errors"

var (
	// ErrKeyNotFound indicates the presented API key does not exist.
	ErrKeyNotFound = errors.New("api key not found")

	// ErrKeyInactive indicates the API key exists but has been disabled.
	ErrKeyInactive = errors.New("api key inactive")

	// ErrRateLimiterUnavailable indicates the persistent store backing the
	// rate limiter failed; callers fail closed unless configured otherwise.
	ErrRateLimiterUnavailable = errors.New("rate limiter unavailable")

	// ErrNotCached indicates a stream request for content that has no
	// active cache record; the caller should use the fetch endpoint first.
	ErrNotCached = errors.New("content not in cache")

	// ErrStoreUnavailable indicates a generic persistence failure outside
	// the rate limiter path.
	ErrStoreUnavailable = errors.New("persistent store unavailable")
)
