// Package xa implements the server-side XA subsystem: the pooled backend
// sessions that wrap physical XA connections, the per-endpoint transaction
// registry enforcing the two-phase-commit state machine, and the multinode
// budget coordinator.
package xa

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openjdbcproxy/ojp-go/backend"
	"github.com/openjdbcproxy/ojp-go/pool"
)

// BackendSession wraps one physical XAConnection together with its resource
// manager handle and derived logical connection. Instances are owned by the
// backend-session pool; everything else holds a borrow.
type BackendSession struct {
	ID     string
	xaConn backend.XAConn

	healthy         atomic.Bool
	lastValidatedAt atomic.Int64
	lastUsedAt      atomic.Int64
}

func newBackendSession(xaConn backend.XAConn) *BackendSession {
	s := &BackendSession{ID: uuid.NewString(), xaConn: xaConn}
	s.healthy.Store(true)
	s.Touch()
	return s
}

// Conn returns the logical connection derived from the XA connection.
func (s *BackendSession) Conn() backend.Conn { return s.xaConn.Conn() }

// Resource returns the XA resource manager handle.
func (s *BackendSession) Resource() backend.XAResource { return s.xaConn.Resource() }

// Touch records use for idle-ordering during rebalancing.
func (s *BackendSession) Touch() { s.lastUsedAt.Store(time.Now().UnixMilli()) }

// LastUsed returns the last use time.
func (s *BackendSession) LastUsed() time.Time { return time.UnixMilli(s.lastUsedAt.Load()) }

// Healthy reports the health flag maintained by validation.
func (s *BackendSession) Healthy() bool { return s.healthy.Load() }

// MarkUnhealthy flags the session so the pool discards it on next return.
func (s *BackendSession) MarkUnhealthy() { s.healthy.Store(false) }

// SessionPoolConfig bounds a backend-session pool.
type SessionPoolConfig struct {
	MaxSize              int
	MinIdle              int
	BorrowTimeout        time.Duration
	ValidationTimeout    time.Duration
	LeakThreshold        time.Duration
	HousekeepingInterval time.Duration
	// DefaultIsolation is restored on every passivate so state set by one
	// borrower never leaks to the next.
	DefaultIsolation backend.IsolationLevel
}

// sessionFactory adapts the backend driver to the generic pool lifecycle.
type sessionFactory struct {
	driver backend.Driver
	spec   backend.ConnectSpec
	cfg    SessionPoolConfig
	logger zerolog.Logger
}

func (f *sessionFactory) New(ctx context.Context) (*BackendSession, error) {
	xaConn, err := f.driver.OpenXA(ctx, f.spec)
	if err != nil {
		return nil, err
	}
	s := newBackendSession(xaConn)
	f.logger.Debug().Str("backendSession", s.ID).Msg("opened xa backend session")
	return s, nil
}

func (f *sessionFactory) Activate(ctx context.Context, s *BackendSession) error {
	if !s.Conn().IsValid(f.cfg.ValidationTimeout) {
		s.MarkUnhealthy()
		return fmt.Errorf("backend session %s failed activation probe", s.ID)
	}
	s.lastValidatedAt.Store(time.Now().UnixMilli())
	s.Touch()
	return nil
}

func (f *sessionFactory) Passivate(s *BackendSession) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.ValidationTimeout)
	defer cancel()
	conn := s.Conn()
	if !conn.AutoCommit() {
		if err := conn.Rollback(ctx); err != nil {
			return err
		}
		if err := conn.SetAutoCommit(ctx, true); err != nil {
			return err
		}
	}
	if err := conn.ClearWarnings(); err != nil {
		return err
	}
	if conn.Isolation() != f.cfg.DefaultIsolation {
		if err := conn.SetIsolation(ctx, f.cfg.DefaultIsolation); err != nil {
			return err
		}
	}
	return nil
}

func (f *sessionFactory) Validate(s *BackendSession) bool {
	return s.Healthy() && s.Conn().IsValid(f.cfg.ValidationTimeout)
}

func (f *sessionFactory) Destroy(s *BackendSession) {
	if err := s.xaConn.Close(); err != nil {
		f.logger.Warn().Err(err).Str("backendSession", s.ID).Msg("close xa backend session")
	}
}

// NewSessionPool builds the bounded pool of backend sessions for one
// fingerprint.
func NewSessionPool(driver backend.Driver, spec backend.ConnectSpec, cfg SessionPoolConfig, logger zerolog.Logger) *pool.Pool[*BackendSession] {
	if cfg.ValidationTimeout <= 0 {
		cfg.ValidationTimeout = 5 * time.Second
	}
	factory := &sessionFactory{driver: driver, spec: spec, cfg: cfg, logger: logger}
	return pool.New[*BackendSession](factory, pool.Config{
		MaxSize:              cfg.MaxSize,
		MinIdle:              cfg.MinIdle,
		BorrowTimeout:        cfg.BorrowTimeout,
		LeakThreshold:        cfg.LeakThreshold,
		HousekeepingInterval: cfg.HousekeepingInterval,
	}, logger.With().Str("component", "xa-session-pool").Logger())
}
