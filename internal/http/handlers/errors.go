// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP responses
// (via the `fail()` helper in this package). These codes provide clients with a stable,
// machine-readable error taxonomy that supplements human-readable messages.
//
// Conventions:
//   - Codes are lowercase, snake_case, and domain-agnostic unless explicitly noted.
//   - Generic codes (e.g., bad_request, unauthorized) mirror common HTTP status
//     semantics to aid interoperability.
//   - Domain-specific codes (e.g., invalid_url, upstream_unavailable, not_cached)
//     are reserved for business-logic errors that cannot be conveyed by status
//     alone.
//   - All error responses must include both an HTTP status and one of these codes.
//
// Usage:
//   - Handlers select the most specific matching code and pass it to `fail()` along
//     with the corresponding HTTP status and message.
//   - Clients are expected to branch on these codes for programmatic error handling.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "upstream_unavailable",
//	  "message": "content provider is temporarily unavailable"
//	}
package handlers

const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeRateLimited = "rate_limit_exceeded"
	ErrCodeInternal    = "internal_error"

	// Domain-specific:
	ErrCodeAPIKeyRequired      = "api_key_required"
	ErrCodeInvalidAPIKey       = "invalid_api_key"
	ErrCodeInvalidURL          = "invalid_url"
	ErrCodeInvalidMediaType    = "invalid_media_type"
	ErrCodeUpstreamUnavailable = "upstream_unavailable"
	ErrCodeNotCached           = "not_cached"
	ErrCodeStreamFailed        = "stream_failed"
)
