package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openjdbcproxy/ojp-go/backend"
	"github.com/openjdbcproxy/ojp-go/pool"
	"github.com/openjdbcproxy/ojp-go/protocol"
	"github.com/openjdbcproxy/ojp-go/xa"
)

// pooledConn wraps a logical connection so the generic pool has a pointer
// identity to track borrows with.
type pooledConn struct {
	conn backend.Conn
}

// UnpooledConnectionDetails is kept when pooling is disabled so the
// dispatcher can open direct physical connections on demand.
type UnpooledConnectionDetails struct {
	URL      string
	User     string
	Password string
}

// regularFactory adapts the backend driver to the generic pool for non-XA
// connections. Passivation applies the same state reset as the XA pool:
// dangling work is rolled back and the isolation level returns to the
// configured default so one borrower's settings never reach the next.
type regularFactory struct {
	driver            backend.Driver
	spec              backend.ConnectSpec
	defaultIsolation  backend.IsolationLevel
	validationTimeout time.Duration
}

func (f *regularFactory) New(ctx context.Context) (*pooledConn, error) {
	conn, err := f.driver.Open(ctx, f.spec)
	if err != nil {
		return nil, err
	}
	return &pooledConn{conn: conn}, nil
}

func (f *regularFactory) Activate(ctx context.Context, pc *pooledConn) error {
	if !pc.conn.IsValid(f.validationTimeout) {
		return fmt.Errorf("pooled connection failed activation probe")
	}
	return nil
}

func (f *regularFactory) Passivate(pc *pooledConn) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.validationTimeout)
	defer cancel()
	if !pc.conn.AutoCommit() {
		if err := pc.conn.Rollback(ctx); err != nil {
			return err
		}
		if err := pc.conn.SetAutoCommit(ctx, true); err != nil {
			return err
		}
	}
	if err := pc.conn.ClearWarnings(); err != nil {
		return err
	}
	if pc.conn.Isolation() != f.defaultIsolation {
		if err := pc.conn.SetIsolation(ctx, f.defaultIsolation); err != nil {
			return err
		}
	}
	return nil
}

func (f *regularFactory) Validate(pc *pooledConn) bool {
	return pc.conn.IsValid(f.validationTimeout)
}

func (f *regularFactory) Destroy(pc *pooledConn) {
	_ = pc.conn.Close()
}

// PoolRegistry holds the process-wide maps from connection fingerprint to
// everything serving that backend: pools or unpooled details, the XA
// registry, the resolved flavor and the slow-query segregator. Entries are
// created put-if-absent on first connect and never replaced for the process
// lifetime; rebalancing resizes pools in place.
type PoolRegistry struct {
	driver      backend.Driver
	cfg         *Config
	coordinator *xa.Coordinator
	logger      zerolog.Logger

	regularPools    sync.Map // fingerprint -> *pool.Pool[*pooledConn]
	unpooledRegular sync.Map // fingerprint -> UnpooledConnectionDetails
	xaRegistries    sync.Map // fingerprint -> *xa.Registry
	unpooledXA      sync.Map // fingerprint -> backend.ConnectSpec
	flavors         sync.Map // fingerprint -> Flavor
	slowQuery       sync.Map // fingerprint -> *SlowQuerySegregator

	specs sync.Map // fingerprint -> backend.ConnectSpec
}

// NewPoolRegistry creates the registry.
func NewPoolRegistry(driver backend.Driver, cfg *Config, logger zerolog.Logger) *PoolRegistry {
	return &PoolRegistry{
		driver:      driver,
		cfg:         cfg,
		coordinator: xa.NewCoordinator(cfg.XAMaxTransactions),
		logger:      logger.With().Str("component", "pool-registry").Logger(),
	}
}

// EnsureEntry resolves the fingerprint for the connection tuple and creates
// its registry entries on first use.
func (r *PoolRegistry) EnsureEntry(ctx context.Context, details *protocol.ConnectionDetails) (string, error) {
	fingerprint := Fingerprint(details)

	spec := backend.ConnectSpec{
		URL:        details.URL,
		User:       details.User,
		Password:   details.Password,
		Properties: make(map[string]string, len(details.Properties)),
	}
	for _, p := range details.Properties {
		spec.Properties[p.Key] = p.Value
	}
	r.specs.LoadOrStore(fingerprint, spec)
	r.flavors.LoadOrStore(fingerprint, ResolveFlavor(details.URL))
	r.slowQuery.LoadOrStore(fingerprint, NewSlowQuerySegregator(r.cfg.SlowQueryThreshold, r.cfg.SlowQueryCooldown))

	if details.IsXA {
		return fingerprint, r.ensureXAEntry(ctx, fingerprint, spec, len(details.ServerEndpoints))
	}
	return fingerprint, r.ensureRegularEntry(fingerprint, spec)
}

func (r *PoolRegistry) ensureRegularEntry(fingerprint string, spec backend.ConnectSpec) error {
	if !r.cfg.PoolEnabled {
		r.unpooledRegular.LoadOrStore(fingerprint, UnpooledConnectionDetails{
			URL: spec.URL, User: spec.User, Password: spec.Password,
		})
		return nil
	}
	if _, ok := r.regularPools.Load(fingerprint); ok {
		return nil
	}
	factory := &regularFactory{
		driver:            r.driver,
		spec:              spec,
		defaultIsolation:  r.cfg.DefaultTransactionIsolation,
		validationTimeout: 5 * time.Second,
	}
	created := pool.New[*pooledConn](factory, pool.Config{
		MaxSize:       r.cfg.PoolMaxOpen,
		MinIdle:       r.cfg.PoolMinIdle,
		BorrowTimeout: r.cfg.PoolBorrowTimeout,
	}, r.logger.With().Str("fingerprint", fingerprint).Logger())
	if actual, loaded := r.regularPools.LoadOrStore(fingerprint, created); loaded {
		created.Close()
		_ = actual
	} else {
		r.logger.Info().Str("fingerprint", fingerprint).Msg("regular pool created")
	}
	return nil
}

func (r *PoolRegistry) ensureXAEntry(ctx context.Context, fingerprint string, spec backend.ConnectSpec, knownEndpoints int) error {
	if !r.cfg.XAPoolEnabled {
		r.unpooledXA.LoadOrStore(fingerprint, spec)
		return nil
	}
	if _, ok := r.xaRegistries.Load(fingerprint); ok {
		return nil
	}
	provider, err := xa.SelectProvider()
	if err != nil {
		return err
	}
	nodes := knownEndpoints
	if nodes <= 0 {
		nodes = 1
	}
	created, err := provider.NewRegistry(ctx, r.driver, spec, xa.SessionPoolConfig{
		MaxSize:          r.coordinator.PerNodeBudget(nodes),
		MinIdle:          r.cfg.XAMinIdle,
		BorrowTimeout:    r.cfg.PoolBorrowTimeout,
		LeakThreshold:    5 * time.Minute,
		DefaultIsolation: r.cfg.DefaultTransactionIsolation,
	}, r.logger.With().Str("fingerprint", fingerprint).Logger())
	if err != nil {
		return err
	}
	if _, loaded := r.xaRegistries.LoadOrStore(fingerprint, created); loaded {
		created.Close()
	} else {
		r.logger.Info().Str("fingerprint", fingerprint).Str("provider", provider.Name()).Msg("xa registry created")
	}
	return nil
}

// AcquireRegularConn borrows (or opens, when pooling is disabled) a logical
// connection with a bounded wait and a diagnostic timeout report.
func (r *PoolRegistry) AcquireRegularConn(ctx context.Context, fingerprint string) (backend.Conn, *pooledConn, error) {
	if p, ok := r.regularPools.Load(fingerprint); ok {
		connPool := p.(*pool.Pool[*pooledConn])
		pc, err := connPool.Borrow(ctx)
		if err != nil {
			if errors.Is(err, pool.ErrExhausted) {
				stats := connPool.Stats()
				return nil, nil, fmt.Errorf("%w: connection wait of %v exceeded for pool %s (size=%d borrowed=%d waiters=%d)",
					protocol.ErrResourceExhausted, r.cfg.PoolBorrowTimeout, fingerprint, stats.Size, stats.Borrowed, stats.Waiters)
			}
			return nil, nil, err
		}
		return pc.conn, pc, nil
	}
	if d, ok := r.unpooledRegular.Load(fingerprint); ok {
		details := d.(UnpooledConnectionDetails)
		spec, _ := r.Spec(fingerprint)
		spec.URL, spec.User, spec.Password = details.URL, details.User, details.Password
		conn, err := r.driver.Open(ctx, spec)
		if err != nil {
			return nil, nil, err
		}
		return conn, nil, nil
	}
	return nil, nil, fmt.Errorf("%w: no pool entry for fingerprint %s", protocol.ErrNotFound, fingerprint)
}

// ReturnRegularConn gives a pooled connection back; nil handles (unpooled
// acquisitions) are ignored because the session closes those directly.
func (r *PoolRegistry) ReturnRegularConn(fingerprint string, pc *pooledConn) {
	if pc == nil {
		return
	}
	if p, ok := r.regularPools.Load(fingerprint); ok {
		p.(*pool.Pool[*pooledConn]).Return(pc)
	}
}

// InvalidateRegularConn discards a pooled connection instead of returning it.
func (r *PoolRegistry) InvalidateRegularConn(fingerprint string, pc *pooledConn) {
	if pc == nil {
		return
	}
	if p, ok := r.regularPools.Load(fingerprint); ok {
		p.(*pool.Pool[*pooledConn]).Invalidate(pc)
	}
}

// XARegistry returns the XA registry for a fingerprint.
func (r *PoolRegistry) XARegistry(fingerprint string) (*xa.Registry, bool) {
	v, ok := r.xaRegistries.Load(fingerprint)
	if !ok {
		return nil, false
	}
	return v.(*xa.Registry), true
}

// UnpooledXASpec returns the pass-through XA spec, if registered.
func (r *PoolRegistry) UnpooledXASpec(fingerprint string) (backend.ConnectSpec, bool) {
	v, ok := r.unpooledXA.Load(fingerprint)
	if !ok {
		return backend.ConnectSpec{}, false
	}
	return v.(backend.ConnectSpec), true
}

// Spec returns the connect spec recorded for a fingerprint.
func (r *PoolRegistry) Spec(fingerprint string) (backend.ConnectSpec, bool) {
	v, ok := r.specs.Load(fingerprint)
	if !ok {
		return backend.ConnectSpec{}, false
	}
	return v.(backend.ConnectSpec), true
}

// Flavor returns the resolved database flavor for a fingerprint.
func (r *PoolRegistry) Flavor(fingerprint string) Flavor {
	if v, ok := r.flavors.Load(fingerprint); ok {
		return v.(Flavor)
	}
	return FlavorUnknown
}

// SlowQuery returns the per-fingerprint segregator.
func (r *PoolRegistry) SlowQuery(fingerprint string) *SlowQuerySegregator {
	actual, _ := r.slowQuery.LoadOrStore(fingerprint, NewSlowQuerySegregator(r.cfg.SlowQueryThreshold, r.cfg.SlowQueryCooldown))
	return actual.(*SlowQuerySegregator)
}

// Driver exposes the backend driver for pass-through XA connections.
func (r *PoolRegistry) Driver() backend.Driver { return r.driver }

// ResizeForHealth recomputes per-node pool budgets from the healthy node
// count and applies them in place. Pinned XA sessions are never disturbed.
func (r *PoolRegistry) ResizeForHealth(healthyNodes int) {
	xaBudget := r.coordinator.PerNodeBudget(healthyNodes)
	r.xaRegistries.Range(func(_, v interface{}) bool {
		v.(*xa.Registry).ResizeBackendPool(xaBudget, r.cfg.XAMinIdle)
		return true
	})
	regularBudget := (r.cfg.PoolMaxOpen + healthyNodes - 1) / healthyNodes
	if regularBudget < 1 {
		regularBudget = 1
	}
	r.regularPools.Range(func(_, v interface{}) bool {
		v.(*pool.Pool[*pooledConn]).Resize(regularBudget, r.cfg.PoolMinIdle)
		return true
	})
	r.logger.Info().Int("healthyNodes", healthyNodes).Int("xaBudget", xaBudget).Int("regularBudget", regularBudget).Msg("pool budgets recomputed")
}

// Stats aggregates pool counters for monitoring.
func (r *PoolRegistry) Stats() map[string]pool.Stats {
	out := make(map[string]pool.Stats)
	r.regularPools.Range(func(k, v interface{}) bool {
		out["regular/"+k.(string)] = v.(*pool.Pool[*pooledConn]).Stats()
		return true
	})
	r.xaRegistries.Range(func(k, v interface{}) bool {
		out["xa/"+k.(string)] = v.(*xa.Registry).Pool().Stats()
		return true
	})
	return out
}

// Close releases every pool.
func (r *PoolRegistry) Close() {
	r.regularPools.Range(func(_, v interface{}) bool {
		v.(*pool.Pool[*pooledConn]).Close()
		return true
	})
	r.xaRegistries.Range(func(_, v interface{}) bool {
		v.(*xa.Registry).Close()
		return true
	})
}
