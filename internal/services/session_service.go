// Package services – SessionService
//
// This file implements the concurrent-session tracker. Handles are written
// through to the store and mirrored in memory; the gauge they feed is
// approximate by design and carries no correctness weight.
package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/streamvault/go-media-cache/internal/domain"
	"github.com/streamvault/go-media-cache/internal/repo"
)

// SessionIdleWindow is how long a handle may sit without activity before
// lazy eviction removes it from the count.
const SessionIdleWindow = time.Hour

// SessionService tracks in-flight client sessions for the concurrent-user
// gauge. Safe for concurrent use.
type SessionService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB

	// Now allows tests to pin the clock. Defaults to time.Now.
	Now func() time.Time

	mu     sync.Mutex
	active map[string]time.Time // session id -> last activity
}

// NewSessionService constructs a SessionService with the real clock.
func NewSessionService(db *gorm.DB) *SessionService {
	return &SessionService{DB: db, Now: time.Now, active: make(map[string]time.Time)}
}

func (s *SessionService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Register records a session at request start. Repeat registrations for the
// same session id refresh its activity timestamp. Failures are logged and
// swallowed; session tracking never fails a request.
func (s *SessionService) Register(ctx context.Context, sessionID, apiKey, endpoint string) {
	now := s.now()

	s.mu.Lock()
	if s.active == nil {
		s.active = make(map[string]time.Time)
	}
	s.active[sessionID] = now
	s.mu.Unlock()

	h := &domain.SessionHandle{
		SessionID:      sessionID,
		APIKey:         apiKey,
		Endpoint:       endpoint,
		ConnectedAt:    now,
		LastActivityAt: now,
	}
	if err := repo.UpsertSession(ctx, s.DB, h); err != nil {
		log.Warn().Str("session_id", sessionID).Err(err).Msg("session register failed")
	}
}

// Unregister removes a session at request end. Best effort.
func (s *SessionService) Unregister(ctx context.Context, sessionID string) {
	s.mu.Lock()
	delete(s.active, sessionID)
	s.mu.Unlock()

	if err := repo.DeleteSession(ctx, s.DB, sessionID); err != nil {
		log.Warn().Str("session_id", sessionID).Err(err).Msg("session unregister failed")
	}
}

// CountActive lazily evicts handles idle beyond SessionIdleWindow and
// returns the remaining count. Falls back to the in-memory mirror when the
// store is unreachable.
func (s *SessionService) CountActive(ctx context.Context) int {
	cutoff := s.now().Add(-SessionIdleWindow)

	if _, err := repo.EvictIdleSessions(ctx, s.DB, cutoff); err != nil {
		log.Warn().Err(err).Msg("session eviction failed")
	}
	if n, err := repo.CountSessions(ctx, s.DB); err == nil {
		return int(n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, last := range s.active {
		if last.Before(cutoff) {
			delete(s.active, id)
			continue
		}
		n++
	}
	return n
}
