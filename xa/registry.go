package xa

import (
	"context"
	"errors"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/openjdbcproxy/ojp-go/backend"
	"github.com/openjdbcproxy/ojp-go/pool"
	"github.com/openjdbcproxy/ojp-go/protocol"
)

// TxState is the branch state tracked by the registry.
type TxState int

const (
	StateActive TxState = iota
	StateEnded
	StatePrepared
	StateCommitted
	StateRolledBack
)

func (s TxState) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateEnded:
		return "ENDED"
	case StatePrepared:
		return "PREPARED"
	case StateCommitted:
		return "COMMITTED"
	case StateRolledBack:
		return "ROLLED_BACK"
	default:
		return "UNKNOWN"
	}
}

// TxContext tracks one transaction branch. The backend session stays pinned
// from start until a terminal verb; originXid is the exact instance received
// at start and is the only Xid ever passed to the backend for this branch.
type TxContext struct {
	key       protocol.XidKey
	originXid *protocol.Xid
	session   *BackendSession
	state     TxState
}

// State returns the branch state.
func (c *TxContext) State() TxState { return c.state }

// Session returns the pinned backend session.
func (c *TxContext) Session() *BackendSession { return c.session }

// completedTTL bounds how long terminal branch outcomes are remembered for
// idempotent duplicate commit/rollback detection.
const completedTTL = 5 * time.Minute

// Registry is the per-endpoint XA transaction state machine. One registry
// exists per backend fingerprint and owns that fingerprint's backend-session
// pool.
type Registry struct {
	pool   *pool.Pool[*BackendSession]
	logger zerolog.Logger

	mu       sync.Mutex
	contexts map[protocol.XidKey]*TxContext

	// recovered caches the exact Xid instances a recover scan returned so a
	// later commit/rollback of the same branch reuses the driver's instance.
	recovered map[protocol.XidKey]*protocol.Xid

	// completed remembers terminal outcomes so duplicate terminal verbs are
	// answered idempotently instead of reaching the backend.
	completed *gocache.Cache
}

// NewRegistry builds a registry over an existing backend-session pool.
func NewRegistry(sessionPool *pool.Pool[*BackendSession], logger zerolog.Logger) *Registry {
	return &Registry{
		pool:      sessionPool,
		logger:    logger.With().Str("component", "xa-registry").Logger(),
		contexts:  make(map[protocol.XidKey]*TxContext),
		recovered: make(map[protocol.XidKey]*protocol.Xid),
		completed: gocache.New(completedTTL, completedTTL),
	}
}

// rmFailure wraps backend errors that are not already XA errors.
func rmFailure(err error) error {
	var xaErr *protocol.XAError
	if errors.As(err, &xaErr) {
		return xaErr
	}
	return &protocol.XAError{Code: protocol.XAERRMFail, Message: err.Error()}
}

// Start handles xaStart. For TMNOFLAGS a backend session is borrowed and
// pinned; for TMJOIN/TMRESUME the branch re-associates with its pinned
// session. The pinned session is returned so the caller can bind it to the
// proxy session executing the branch's SQL.
func (r *Registry) Start(ctx context.Context, xid *protocol.Xid, flags int) (*BackendSession, error) {
	key := xid.Key()
	switch flags {
	case protocol.TMNOFLAGS:
		r.mu.Lock()
		if _, exists := r.contexts[key]; exists {
			r.mu.Unlock()
			return nil, protocol.NewXAError(protocol.XAERProto, "branch %s already started", xid)
		}
		// Reserve the slot before the blocking borrow so a concurrent start
		// of the same xid fails fast instead of double-borrowing.
		r.contexts[key] = nil
		r.mu.Unlock()

		session, err := r.pool.Borrow(ctx)
		if err != nil {
			r.dropContext(key)
			if errors.Is(err, pool.ErrExhausted) {
				return nil, protocol.NewXAError(protocol.XAERRMErr, "no backend session available: %v", err)
			}
			return nil, rmFailure(err)
		}
		if err := session.Resource().Start(ctx, xid, protocol.TMNOFLAGS); err != nil {
			r.dropContext(key)
			r.pool.Return(session)
			return nil, rmFailure(err)
		}
		session.Touch()
		r.mu.Lock()
		r.contexts[key] = &TxContext{key: key, originXid: xid, session: session, state: StateActive}
		r.mu.Unlock()
		return session, nil

	case protocol.TMJOIN, protocol.TMRESUME:
		r.mu.Lock()
		txc, exists := r.contexts[key]
		if !exists || txc == nil {
			r.mu.Unlock()
			return nil, protocol.NewXAError(protocol.XAERNotA, "branch %s unknown", xid)
		}
		if txc.state != StateEnded {
			state := txc.state
			r.mu.Unlock()
			return nil, protocol.NewXAError(protocol.XAERProto, "cannot re-associate branch %s in state %s", xid, state)
		}
		r.mu.Unlock()
		if err := txc.session.Resource().Start(ctx, txc.originXid, flags); err != nil {
			return nil, rmFailure(err)
		}
		txc.session.Touch()
		r.mu.Lock()
		txc.state = StateActive
		r.mu.Unlock()
		return txc.session, nil

	default:
		return nil, protocol.NewXAError(protocol.XAERInval, "unsupported xa start flags %#x", flags)
	}
}

// End handles xaEnd: ACTIVE -> ENDED, session stays pinned.
func (r *Registry) End(ctx context.Context, xid *protocol.Xid, flags int) error {
	txc, err := r.lookup(xid, StateActive)
	if err != nil {
		return err
	}
	if err := txc.session.Resource().End(ctx, txc.originXid, flags); err != nil {
		return rmFailure(err)
	}
	r.mu.Lock()
	txc.state = StateEnded
	r.mu.Unlock()
	return nil
}

// Prepare handles xaPrepare: ENDED -> PREPARED on XA_OK. A read-only vote
// completes the branch immediately; the released backend session (nil when
// still pinned) is returned so the caller can unbind it.
func (r *Registry) Prepare(ctx context.Context, xid *protocol.Xid) (vote int, released *BackendSession, err error) {
	txc, err := r.lookup(xid, StateEnded)
	if err != nil {
		return 0, nil, err
	}
	vote, backendErr := txc.session.Resource().Prepare(ctx, txc.originXid)
	if backendErr != nil {
		return 0, nil, rmFailure(backendErr)
	}
	if vote == protocol.XARDONLY {
		session := r.conclude(txc, StateCommitted)
		return vote, session, nil
	}
	r.mu.Lock()
	txc.state = StatePrepared
	r.mu.Unlock()
	return vote, nil, nil
}

// Commit handles xaCommit. Duplicate commits of completed branches succeed;
// unknown branches take the recovery path on a temporary session.
func (r *Registry) Commit(ctx context.Context, xid *protocol.Xid, onePhase bool) (released *BackendSession, err error) {
	key := xid.Key()
	r.mu.Lock()
	txc, exists := r.contexts[key]
	r.mu.Unlock()
	if !exists || txc == nil {
		if state, ok := r.completedState(key); ok {
			if state == StateCommitted {
				return nil, nil
			}
			return nil, protocol.NewXAError(protocol.XAERProto, "branch %s already rolled back", xid)
		}
		return nil, r.concludeUnknown(ctx, xid, func(res backend.XAResource, origin *protocol.Xid) error {
			return res.Commit(ctx, origin, onePhase)
		}, StateCommitted)
	}

	if onePhase {
		if txc.state != StateEnded && txc.state != StateActive {
			return nil, protocol.NewXAError(protocol.XAERProto, "one-phase commit of branch %s in state %s", xid, txc.state)
		}
	} else if txc.state != StatePrepared {
		return nil, protocol.NewXAError(protocol.XAERProto, "two-phase commit of branch %s in state %s", xid, txc.state)
	}
	if err := txc.session.Resource().Commit(ctx, txc.originXid, onePhase); err != nil {
		return nil, rmFailure(err)
	}
	return r.conclude(txc, StateCommitted), nil
}

// Rollback handles xaRollback with the same idempotency and recovery rules
// as Commit.
func (r *Registry) Rollback(ctx context.Context, xid *protocol.Xid) (released *BackendSession, err error) {
	key := xid.Key()
	r.mu.Lock()
	txc, exists := r.contexts[key]
	r.mu.Unlock()
	if !exists || txc == nil {
		if state, ok := r.completedState(key); ok {
			if state == StateRolledBack {
				return nil, nil
			}
			return nil, protocol.NewXAError(protocol.XAERProto, "branch %s already committed", xid)
		}
		return nil, r.concludeUnknown(ctx, xid, func(res backend.XAResource, origin *protocol.Xid) error {
			return res.Rollback(ctx, origin)
		}, StateRolledBack)
	}

	switch txc.state {
	case StateActive, StateEnded, StatePrepared:
	default:
		return nil, protocol.NewXAError(protocol.XAERProto, "rollback of branch %s in state %s", xid, txc.state)
	}
	if err := txc.session.Resource().Rollback(ctx, txc.originXid); err != nil {
		return nil, rmFailure(err)
	}
	return r.conclude(txc, StateRolledBack), nil
}

// Recover handles xaRecover. The scan borrows any backend session and
// returns the driver's Xid list verbatim; instances are cached so later
// terminal verbs on recovered branches reuse them.
func (r *Registry) Recover(ctx context.Context, flags int) ([]*protocol.Xid, error) {
	session, err := r.pool.Borrow(ctx)
	if err != nil {
		if errors.Is(err, pool.ErrExhausted) {
			return nil, protocol.NewXAError(protocol.XAERRMErr, "no backend session available for recover: %v", err)
		}
		return nil, rmFailure(err)
	}
	defer r.pool.Return(session)

	xids, err := session.Resource().Recover(ctx, flags)
	if err != nil {
		return nil, rmFailure(err)
	}
	r.mu.Lock()
	for _, xid := range xids {
		r.recovered[xid.Key()] = xid
	}
	r.mu.Unlock()
	return xids, nil
}

// Forget handles xaForget on heuristically completed branches.
func (r *Registry) Forget(ctx context.Context, xid *protocol.Xid) (released *BackendSession, err error) {
	key := xid.Key()
	r.mu.Lock()
	txc, exists := r.contexts[key]
	r.mu.Unlock()
	if exists && txc != nil {
		if err := txc.session.Resource().Forget(ctx, txc.originXid); err != nil {
			return nil, rmFailure(err)
		}
		return r.conclude(txc, StateRolledBack), nil
	}
	return nil, r.concludeUnknown(ctx, xid, func(res backend.XAResource, origin *protocol.Xid) error {
		return res.Forget(ctx, origin)
	}, StateRolledBack)
}

// SessionPinned reports whether any live branch currently pins the given
// backend session.
func (r *Registry) SessionPinned(session *BackendSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, txc := range r.contexts {
		if txc != nil && txc.session == session {
			return true
		}
	}
	return false
}

// Context returns the live TxContext for a branch, if any.
func (r *Registry) Context(xid *protocol.Xid) (*TxContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	txc, ok := r.contexts[xid.Key()]
	return txc, ok && txc != nil
}

// ResizeBackendPool adjusts the backing pool without disturbing pinned
// sessions.
func (r *Registry) ResizeBackendPool(maxSize, minIdle int) {
	r.pool.Resize(maxSize, minIdle)
}

// Pool exposes the backend-session pool for stats and rebalancing.
func (r *Registry) Pool() *pool.Pool[*BackendSession] { return r.pool }

// ActiveBranches counts live contexts by state.
func (r *Registry) ActiveBranches() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for _, txc := range r.contexts {
		if txc != nil {
			out[txc.state.String()]++
		}
	}
	return out
}

// DropAllContexts wipes in-memory state, simulating a process restart.
// Prepared branches survive only in the backend's transaction log.
func (r *Registry) DropAllContexts() {
	r.mu.Lock()
	contexts := r.contexts
	r.contexts = make(map[protocol.XidKey]*TxContext)
	r.recovered = make(map[protocol.XidKey]*protocol.Xid)
	r.mu.Unlock()
	for _, txc := range contexts {
		if txc != nil && txc.session != nil {
			r.pool.Invalidate(txc.session)
		}
	}
	r.completed.Flush()
}

// Close releases the registry's pool.
func (r *Registry) Close() { r.pool.Close() }

func (r *Registry) lookup(xid *protocol.Xid, want TxState) (*TxContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	txc, ok := r.contexts[xid.Key()]
	if !ok || txc == nil {
		return nil, protocol.NewXAError(protocol.XAERNotA, "branch %s unknown", xid)
	}
	if txc.state != want {
		return nil, protocol.NewXAError(protocol.XAERProto, "branch %s in state %s, want %s", xid, txc.state, want)
	}
	return txc, nil
}

// conclude moves a branch to a terminal state, unpins its session and
// removes the context. The released session is returned for unbinding.
func (r *Registry) conclude(txc *TxContext, terminal TxState) *BackendSession {
	r.mu.Lock()
	txc.state = terminal
	delete(r.contexts, txc.key)
	delete(r.recovered, txc.key)
	r.mu.Unlock()
	r.completed.Set(string(txc.key), terminal, completedTTL)

	session := txc.session
	session.Touch()
	r.pool.Return(session)
	r.logger.Debug().Str("xid", txc.originXid.String()).Str("outcome", terminal.String()).Msg("branch concluded")
	return session
}

// concludeUnknown issues a terminal verb for a branch with no in-memory
// context: the recovery path after a proxy restart. A temporary session is
// borrowed and returned without creating a persistent context. The Xid
// instance from a prior recover scan is preferred for identity-sensitive
// drivers.
func (r *Registry) concludeUnknown(ctx context.Context, xid *protocol.Xid, verb func(backend.XAResource, *protocol.Xid) error, terminal TxState) error {
	r.mu.Lock()
	origin := r.recovered[xid.Key()]
	r.mu.Unlock()
	if origin == nil {
		origin = xid
	}

	session, err := r.pool.Borrow(ctx)
	if err != nil {
		if errors.Is(err, pool.ErrExhausted) {
			return protocol.NewXAError(protocol.XAERRMErr, "no backend session available: %v", err)
		}
		return rmFailure(err)
	}
	defer r.pool.Return(session)

	if err := verb(session.Resource(), origin); err != nil {
		return rmFailure(err)
	}
	r.mu.Lock()
	delete(r.recovered, xid.Key())
	r.mu.Unlock()
	r.completed.Set(string(xid.Key()), terminal, completedTTL)
	return nil
}

func (r *Registry) completedState(key protocol.XidKey) (TxState, bool) {
	v, ok := r.completed.Get(string(key))
	if !ok {
		return 0, false
	}
	state, ok := v.(TxState)
	return state, ok
}

func (r *Registry) dropContext(key protocol.XidKey) {
	r.mu.Lock()
	delete(r.contexts, key)
	r.mu.Unlock()
}
