package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openjdbcproxy/ojp-go/protocol"
)

// SessionManager owns every live session, keyed by UUID, with a secondary
// index by client id. Termination is idempotent and crash-safe: per-resource
// failures are logged and skipped, never propagated.
type SessionManager struct {
	registry *PoolRegistry
	logger   zerolog.Logger

	mu        sync.RWMutex
	sessions  map[string]*Session
	byClient  map[string]map[string]struct{}
}

// NewSessionManager builds an empty manager.
func NewSessionManager(registry *PoolRegistry, logger zerolog.Logger) *SessionManager {
	return &SessionManager{
		registry: registry,
		logger:   logger.With().Str("component", "session-manager").Logger(),
		sessions: make(map[string]*Session),
		byClient: make(map[string]map[string]struct{}),
	}
}

// Create registers a new session.
func (m *SessionManager) Create(fingerprint, clientID string, isXA bool) *Session {
	session := newSession(uuid.NewString(), fingerprint, clientID, isXA)
	m.mu.Lock()
	m.sessions[session.ID] = session
	if clientID != "" {
		set, ok := m.byClient[clientID]
		if !ok {
			set = make(map[string]struct{})
			m.byClient[clientID] = set
		}
		set[session.ID] = struct{}{}
	}
	m.mu.Unlock()
	m.logger.Debug().Str("session", session.ID).Str("fingerprint", fingerprint).Bool("xa", isXA).Msg("session created")
	return session
}

// Get looks a session up by id.
func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", protocol.ErrNotFound, id)
	}
	return session, nil
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Snapshot returns the live sessions at a point in time.
func (m *SessionManager) Snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Terminate closes a session and everything it owns. Safe to call twice;
// the second call is a no-op reporting success.
func (m *SessionManager) Terminate(ctx context.Context, id string) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		if set, found := m.byClient[session.ClientID]; found {
			delete(set, id)
			if len(set) == 0 {
				delete(m.byClient, session.ClientID)
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	session.Lock()
	defer session.Unlock()
	if session.closed {
		return nil
	}
	session.closed = true

	session.closeResources(m.logger)

	// Roll back a dangling local transaction before the connection leaves
	// the session.
	if session.inTransaction && session.conn != nil {
		if err := session.conn.Rollback(ctx); err != nil {
			m.logger.Warn().Err(err).Str("session", id).Msg("rollback dangling transaction")
		}
		session.EndLocalTx()
	}

	switch {
	case session.backendSession != nil:
		// The branch registry owns the loan while a branch is pinned; the
		// session just forgets its reference. An orphaned loan with no live
		// branch is surrendered to its pool here.
		bs := session.backendSession
		session.backendSession = nil
		session.conn = nil
		if reg, ok := m.registry.XARegistry(session.Fingerprint); ok && !reg.SessionPinned(bs) {
			reg.Pool().Return(bs)
		}
	case session.unpooledXAConn != nil:
		// Closing the XAConnection releases the logical connection
		// transitively; it is never closed directly.
		if err := session.unpooledXAConn.Close(); err != nil {
			m.logger.Warn().Err(err).Str("session", id).Msg("close unpooled xa connection")
		}
		session.unpooledXAConn = nil
		session.conn = nil
	case session.pooledConn != nil:
		m.registry.ReturnRegularConn(session.Fingerprint, session.pooledConn)
		session.pooledConn = nil
		session.conn = nil
	case session.conn != nil:
		if err := session.conn.Close(); err != nil {
			m.logger.Warn().Err(err).Str("session", id).Msg("close direct connection")
		}
		session.conn = nil
	}

	m.logger.Debug().Str("session", id).Msg("session terminated")
	return nil
}

// Reaper periodically terminates sessions inactive beyond the configured
// threshold. Sessions with in-flight LOB streams are skipped and picked up
// on a later sweep.
type Reaper struct {
	manager  *SessionManager
	timeout  time.Duration
	interval time.Duration
	logger   zerolog.Logger
}

// NewReaper builds the cleanup task.
func NewReaper(manager *SessionManager, timeout, interval time.Duration, logger zerolog.Logger) *Reaper {
	return &Reaper{
		manager:  manager,
		timeout:  timeout,
		interval: interval,
		logger:   logger.With().Str("component", "session-reaper").Logger(),
	}
}

// Run sweeps until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reaper shutting down")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep terminates every expired session once. Errors are logged per
// session and never stop the sweep.
func (r *Reaper) Sweep(ctx context.Context) {
	now := time.Now()
	var reaped int
	for _, session := range r.manager.Snapshot() {
		if now.Sub(session.LastActivity()) <= r.timeout {
			continue
		}
		if session.HasActiveStreams() {
			r.logger.Debug().Str("session", session.ID).Msg("skipping expired session with in-flight lob stream")
			continue
		}
		if err := r.manager.Terminate(ctx, session.ID); err != nil {
			r.logger.Warn().Err(err).Str("session", session.ID).Msg("terminate expired session")
			continue
		}
		reaped++
	}
	if reaped > 0 {
		r.logger.Info().Int("count", reaped).Msg("expired sessions terminated")
	}
}
