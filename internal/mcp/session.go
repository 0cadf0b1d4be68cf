// Package mcp implements the MCP Session Layer (spec.md §4.8, C8): JSON-RPC
// 2.0 dispatch over HTTP, with stateful sessions that bind a token's JTI and
// expiry once at initialize so later tool calls on the same session don't
// need to resend it.
package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"sql-proxy/internal/auth"
)

// Session is one MCP connection's state (spec.md §4.8 "Session table").
type Session struct {
	ID              string
	ProtocolVersion string
	ClientInfo      map[string]any
	Auth            auth.Context
	BoundTokenJTI   string
	TokenExpiresAt  *time.Time
	LogLevel        string
	CreatedAt       time.Time
	LastActivityAt  time.Time
}

// needsTokenRefresh reports whether the session's bound token is within five
// minutes of expiry (spec.md §4.8).
func (s *Session) needsTokenRefresh() bool {
	if s.TokenExpiresAt == nil {
		return false
	}
	return time.Now().After(s.TokenExpiresAt.Add(-5 * time.Minute))
}

// tokenExpired reports whether the session's bound token has already expired.
func (s *Session) tokenExpired() bool {
	return s.TokenExpiresAt != nil && time.Now().After(*s.TokenExpiresAt)
}

// SessionStore is the process-wide session map (spec.md §5 "Shared
// resources": "Session map: guarded by a standard reader/writer lock").
type SessionStore struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	idleTimeout time.Duration
}

// NewSessionStore builds an empty store. idleTimeout of 0 disables idle
// expiry (only bound-token expiry applies).
func NewSessionStore(idleTimeout time.Duration) *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session), idleTimeout: idleTimeout}
}

// Create starts a new session for a successful initialize call and returns
// it. authCtx's JTI/ExpiresAtUnix, if present, become the session's bound
// token.
func (st *SessionStore) Create(protocolVersion string, clientInfo map[string]any, authCtx auth.Context) *Session {
	now := time.Now()
	s := &Session{
		ID:              uuid.New().String(),
		ProtocolVersion: protocolVersion,
		ClientInfo:      clientInfo,
		Auth:            authCtx,
		CreatedAt:       now,
		LastActivityAt:  now,
	}
	if authCtx.JTI != "" {
		s.BoundTokenJTI = authCtx.JTI
		if authCtx.ExpiresAtUnix > 0 {
			exp := time.Unix(authCtx.ExpiresAtUnix, 0)
			s.TokenExpiresAt = &exp
		}
	}

	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
	return s
}

// Get looks up a session by ID, touching its last-activity time and
// returning (nil, false) if it's missing, idle-timed-out, or its bound token
// has expired (spec.md §4.8, §5 "MCP sessions expire by idle timeout and by
// bound-token expiry").
func (st *SessionStore) Get(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return nil, false
	}
	if s.tokenExpired() {
		delete(st.sessions, id)
		return nil, false
	}
	if st.idleTimeout > 0 && time.Since(s.LastActivityAt) > st.idleTimeout {
		delete(st.sessions, id)
		return nil, false
	}
	s.LastActivityAt = time.Now()
	return s, true
}

// Remove deletes a session explicitly (spec.md §4.2: "destroyed ... on
// explicit close").
func (st *SessionStore) Remove(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

// Sweep removes every expired session and reports how many were removed. It
// is meant to be called periodically by the server's background scheduler.
func (st *SessionStore) Sweep() int {
	st.mu.Lock()
	defer st.mu.Unlock()

	removed := 0
	for id, s := range st.sessions {
		expired := s.tokenExpired()
		if !expired && st.idleTimeout > 0 && time.Since(s.LastActivityAt) > st.idleTimeout {
			expired = true
		}
		if expired {
			delete(st.sessions, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of live sessions, for metrics/diagnostics.
func (st *SessionStore) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
