package server

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openjdbcproxy/ojp-go/protocol"
)

// Context is the immutable bundle of registries and services every RPC
// handler shares. Handlers are stateless; all state lives behind these
// references, which are fixed for the process lifetime.
type Context struct {
	Cfg      *Config
	Logger   zerolog.Logger
	Registry *PoolRegistry
	Sessions *SessionManager
	Breaker  *CircuitBreaker
	Health   *ClusterHealthTracker
	Endpoint string
}

// resolveSession loads and locks the session named in a SessionInfo. The
// caller must Unlock it. Activity is recorded on every touch.
func (hc *Context) resolveSession(info *protocol.SessionInfo) (*Session, error) {
	if info == nil || info.SessionID == "" {
		return nil, fmt.Errorf("%w: request carries no session", protocol.ErrInvalidState)
	}
	session, err := hc.Sessions.Get(info.SessionID)
	if err != nil {
		return nil, err
	}
	session.Lock()
	if session.Closed() {
		session.Unlock()
		return nil, fmt.Errorf("%w: session %s", protocol.ErrSessionClosed, session.ID)
	}
	session.Touch()
	return session, nil
}

// ensureConn lazily binds the session's logical connection: sessions are
// created at connect but only take a backend connection on first use.
func (hc *Context) ensureConn(ctx context.Context, session *Session) error {
	if session.Conn() != nil {
		return nil
	}
	if session.IsXA {
		// Pooled XA sessions receive their connection when a branch is
		// started; without a branch there is nothing to execute on.
		if _, ok := hc.Registry.XARegistry(session.Fingerprint); ok {
			return fmt.Errorf("%w: xa session %s has no active branch", protocol.ErrInvalidState, session.ID)
		}
		spec, ok := hc.Registry.UnpooledXASpec(session.Fingerprint)
		if !ok {
			return fmt.Errorf("%w: no xa entry for fingerprint %s", protocol.ErrNotFound, session.Fingerprint)
		}
		xaConn, err := hc.Registry.Driver().OpenXA(ctx, spec)
		if err != nil {
			return err
		}
		session.BindUnpooledXA(xaConn)
		return nil
	}
	conn, pooled, err := hc.Registry.AcquireRegularConn(ctx, session.Fingerprint)
	if err != nil {
		return err
	}
	session.BindConn(conn, pooled)
	return nil
}

// sessionInfo renders the wire view of a session, stamped with this node's
// address and current cluster health snapshot.
func (hc *Context) sessionInfo(session *Session) *protocol.SessionInfo {
	return &protocol.SessionInfo{
		Fingerprint:     session.Fingerprint,
		ClientID:        session.ClientID,
		SessionID:       session.ID,
		IsXA:            session.IsXA,
		TargetServer:    hc.Endpoint,
		ClusterHealth:   hc.Health.Snapshot(),
		TransactionInfo: session.TransactionInfo(),
	}
}
