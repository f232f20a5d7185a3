package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openjdbcproxy/ojp-go/protocol"
)

// ManagerConfig tunes the multinode manager.
type ManagerConfig struct {
	LoadAwareSelection      bool
	HealthCheckInterval     int64 // milliseconds
	HealthCheckThreshold    int64 // milliseconds
	RedistributionEnabled   bool
	XAIdleRebalanceFraction float64
	XAMaxClosePerRecovery   int
}

// DefaultManagerConfig mirrors the server-side defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		LoadAwareSelection:      true,
		HealthCheckInterval:     30000,
		HealthCheckThreshold:    60000,
		RedistributionEnabled:   true,
		XAIdleRebalanceFraction: 0.5,
		XAMaxClosePerRecovery:   10,
	}
}

// BoundSession is one server session bound to the endpoint that created it.
type BoundSession struct {
	Info     *protocol.SessionInfo
	Endpoint *Endpoint
}

// MultiSession is the result of a unified connect: one session per healthy
// endpoint that accepted.
type MultiSession struct {
	Fingerprint string
	Sessions    []*BoundSession
}

// SessionOn returns the member session bound to the given endpoint.
func (m *MultiSession) SessionOn(endpoint *Endpoint) (*BoundSession, bool) {
	for _, bs := range m.Sessions {
		if bs.Endpoint == endpoint {
			return bs, true
		}
	}
	return nil, false
}

// Manager coordinates every RPC against the server fleet: unified
// connect-to-all setup, load-aware selection for session-less calls, strict
// session stickiness, connection-class failure detection and proactive
// invalidation of pooled driver connections on failed endpoints.
type Manager struct {
	caller    protocol.Caller
	endpoints []*Endpoint
	tracker   *SessionTracker
	cfg       ManagerConfig
	logger    zerolog.Logger
	health    *HealthChecker

	mu sync.Mutex
	// fingerprintEndpoints records which endpoints accepted a connect for a
	// fingerprint so terminate fans out to exactly those.
	fingerprintEndpoints map[string][]*Endpoint
	// conns tracks the live driver connections per endpoint; these are the
	// pooled objects force-invalidated on failure and redistribution.
	conns map[*Endpoint]map[*Conn]struct{}
	rr    int
}

// NewManager builds a manager over a fixed endpoint list.
func NewManager(caller protocol.Caller, endpointAddrs []string, cfg ManagerConfig, logger zerolog.Logger) *Manager {
	endpoints := make([]*Endpoint, len(endpointAddrs))
	for i, addr := range endpointAddrs {
		endpoints[i] = newEndpoint(addr)
	}
	m := &Manager{
		caller:               caller,
		endpoints:            endpoints,
		tracker:              NewSessionTracker(),
		cfg:                  cfg,
		logger:               logger.With().Str("component", "multinode-manager").Logger(),
		fingerprintEndpoints: make(map[string][]*Endpoint),
		conns:                make(map[*Endpoint]map[*Conn]struct{}),
	}
	m.health = NewHealthChecker(m, cfg)
	return m
}

// Endpoints returns the fixed endpoint set.
func (m *Manager) Endpoints() []*Endpoint { return m.endpoints }

// Tracker exposes the session tracker.
func (m *Manager) Tracker() *SessionTracker { return m.tracker }

// HealthChecker exposes the periodic validator.
func (m *Manager) HealthChecker() *HealthChecker { return m.health }

func (m *Manager) healthyEndpoints() []*Endpoint {
	var out []*Endpoint
	for _, e := range m.endpoints {
		if e.Healthy() {
			out = append(out, e)
		}
	}
	return out
}

// healthMap renders the piggybacked cluster health bitmap.
func (m *Manager) healthMap() map[string]bool {
	out := make(map[string]bool, len(m.endpoints))
	for _, e := range m.endpoints {
		out[e.Address()] = e.Healthy()
	}
	return out
}

// Connect opens a session on every healthy endpoint, XA or not: connection
// setup never branches on XA. Partial success is success; total failure
// reports the last error.
func (m *Manager) Connect(ctx context.Context, details *protocol.ConnectionDetails) (*MultiSession, error) {
	m.health.MaybeCheck(ctx)

	healthy := m.healthyEndpoints()
	if len(healthy) == 0 {
		return nil, fmt.Errorf("%w: no healthy endpoints", protocol.ErrUnavailable)
	}

	fanout := *details
	fanout.ServerEndpoints = make([]string, len(m.endpoints))
	for i, e := range m.endpoints {
		fanout.ServerEndpoints[i] = e.Address()
	}

	// A plain group: one endpoint failing must not cancel the siblings.
	var g errgroup.Group
	var mu sync.Mutex
	var sessions []*BoundSession
	var lastErr error
	for _, endpoint := range healthy {
		endpoint := endpoint
		g.Go(func() error {
			info, err := m.connectOne(ctx, endpoint, &fanout)
			if err != nil {
				m.logger.Warn().Err(err).Str("endpoint", endpoint.Address()).Msg("connect failed")
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return nil
			}
			mu.Lock()
			sessions = append(sessions, &BoundSession{Info: info, Endpoint: endpoint})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(sessions) == 0 {
		return nil, fmt.Errorf("%w: connect failed on every healthy endpoint: %v", protocol.ErrUnavailable, lastErr)
	}

	multi := &MultiSession{Fingerprint: sessions[0].Info.Fingerprint, Sessions: sessions}
	m.mu.Lock()
	var accepted []*Endpoint
	for _, bs := range sessions {
		accepted = append(accepted, bs.Endpoint)
	}
	m.fingerprintEndpoints[multi.Fingerprint] = accepted
	m.mu.Unlock()
	for _, bs := range sessions {
		m.tracker.Bind(bs.Info.SessionID, bs.Endpoint)
	}
	return multi, nil
}

func (m *Manager) connectOne(ctx context.Context, endpoint *Endpoint, details *protocol.ConnectionDetails) (*protocol.SessionInfo, error) {
	resp, err := m.call(ctx, endpoint, protocol.VerbConnect, details)
	if err != nil {
		return nil, err
	}
	var info protocol.SessionInfo
	if err := protocol.Unmarshal(resp.Payload, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// CallSession issues a verb for a bound session, enforcing stickiness: the
// call goes to the binding endpoint or fails with a connection-class error.
// Sessions are never transparently failed over.
func (m *Manager) CallSession(ctx context.Context, sessionID string, verb protocol.Verb, payload interface{}) (*protocol.Response, error) {
	endpoint, err := m.stickyEndpoint(sessionID)
	if err != nil {
		return nil, err
	}
	return m.call(ctx, endpoint, verb, payload)
}

// CallSessionStream is CallSession for multi-part responses.
func (m *Manager) CallSessionStream(ctx context.Context, sessionID string, verb protocol.Verb, payload interface{}) (*protocol.Stream, error) {
	endpoint, err := m.stickyEndpoint(sessionID)
	if err != nil {
		return nil, err
	}
	req, err := protocol.NewRequest(verb, payload)
	if err != nil {
		return nil, err
	}
	req.ClusterHealth = m.healthMap()
	stream, err := m.caller.CallStream(ctx, endpoint.Address(), req)
	if err != nil {
		m.observeError(endpoint, err)
		return nil, err
	}
	return stream, nil
}

func (m *Manager) stickyEndpoint(sessionID string) (*Endpoint, error) {
	endpoint, ok := m.tracker.EndpointFor(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: session %s has no endpoint binding", protocol.ErrNotFound, sessionID)
	}
	if !endpoint.Healthy() {
		m.tracker.Unbind(sessionID)
		return nil, fmt.Errorf("%w: endpoint %s bound to session %s is unhealthy",
			protocol.ErrUnavailable, endpoint.Address(), sessionID)
	}
	return endpoint, nil
}

// CallAny issues a session-less verb on the least-loaded healthy endpoint
// (ties fall to round-robin), or plain round-robin when load-aware
// selection is disabled.
func (m *Manager) CallAny(ctx context.Context, verb protocol.Verb, payload interface{}) (*protocol.Response, *Endpoint, error) {
	m.health.MaybeCheck(ctx)
	endpoint, err := m.SelectEndpoint()
	if err != nil {
		return nil, nil, err
	}
	resp, err := m.call(ctx, endpoint, verb, payload)
	return resp, endpoint, err
}

// SelectEndpoint picks the target for session-less work.
func (m *Manager) SelectEndpoint() (*Endpoint, error) {
	healthy := m.healthyEndpoints()
	if len(healthy) == 0 {
		return nil, fmt.Errorf("%w: no healthy endpoints", protocol.ErrUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cfg.LoadAwareSelection {
		endpoint := healthy[m.rr%len(healthy)]
		m.rr++
		return endpoint, nil
	}
	best := healthy[m.rr%len(healthy)]
	bestCount := m.tracker.Count(best)
	for i := 1; i < len(healthy); i++ {
		candidate := healthy[(m.rr+i)%len(healthy)]
		if count := m.tracker.Count(candidate); count < bestCount {
			best, bestCount = candidate, count
		}
	}
	m.rr++
	return best, nil
}

// call performs one exchange with health piggybacking and failure
// classification.
func (m *Manager) call(ctx context.Context, endpoint *Endpoint, verb protocol.Verb, payload interface{}) (*protocol.Response, error) {
	req, err := protocol.NewRequest(verb, payload)
	if err != nil {
		return nil, err
	}
	req.ClusterHealth = m.healthMap()

	resp, err := m.caller.Call(ctx, endpoint.Address(), req)
	if err != nil {
		m.observeError(endpoint, err)
		return nil, err
	}
	if resp.Status != protocol.StatusOK {
		message := ""
		if resp.Error != nil {
			message = resp.Error.Message
		}
		// Only connection-class codes flip endpoint health; database errors
		// pass through untouched.
		if protocol.IsConnectionClass(resp.Status, message) {
			m.markUnhealthy(endpoint)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return nil, fmt.Errorf("rpc %s failed with status %s", verb, resp.Status)
	}
	return resp, nil
}

func (m *Manager) observeError(endpoint *Endpoint, err error) {
	if protocol.IsConnectionClass(protocol.StatusOf(err), err.Error()) {
		m.markUnhealthy(endpoint)
	}
}

// markUnhealthy transitions an endpoint down: all session bindings to it
// are dropped and its pooled driver connections are force-invalidated so
// their owning pools replace them on next validation.
func (m *Manager) markUnhealthy(endpoint *Endpoint) {
	if !endpoint.Healthy() {
		return
	}
	endpoint.MarkUnhealthy()
	dropped := m.tracker.DropEndpoint(endpoint)
	invalidated := m.invalidateEndpointConns(endpoint)
	m.logger.Warn().
		Str("endpoint", endpoint.Address()).
		Int("droppedSessions", len(dropped)).
		Int("invalidatedConns", invalidated).
		Msg("endpoint marked unhealthy")
}

// RegisterConn tracks a driver connection on its endpoint.
func (m *Manager) RegisterConn(conn *Conn, endpoint *Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.conns[endpoint]
	if !ok {
		set = make(map[*Conn]struct{})
		m.conns[endpoint] = set
	}
	set[conn] = struct{}{}
}

// UnregisterConn forgets a closed driver connection.
func (m *Manager) UnregisterConn(conn *Conn, endpoint *Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.conns[endpoint]; ok {
		delete(set, conn)
	}
}

func (m *Manager) invalidateEndpointConns(endpoint *Endpoint) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.conns[endpoint]
	for conn := range set {
		conn.forceInvalidate()
	}
	n := len(set)
	delete(m.conns, endpoint)
	return n
}

// Terminate fans a session set's teardown out to every endpoint that
// accepted the original connect. Per-endpoint failures are logged and
// skipped.
func (m *Manager) Terminate(ctx context.Context, multi *MultiSession) {
	for _, bs := range multi.Sessions {
		m.tracker.Unbind(bs.Info.SessionID)
		if !bs.Endpoint.Healthy() {
			continue
		}
		if _, err := m.call(ctx, bs.Endpoint, protocol.VerbTerminateSession, bs.Info); err != nil {
			m.logger.Warn().Err(err).
				Str("endpoint", bs.Endpoint.Address()).
				Str("session", bs.Info.SessionID).
				Msg("terminate failed")
		}
	}
}

// Close releases the transport.
func (m *Manager) Close() error { return m.caller.Close() }
