package client

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/openjdbcproxy/ojp-go/protocol"
)

// HealthChecker validates endpoints on a time gate: the first caller past
// the interval runs the probe pass, everyone else proceeds immediately.
// Healthy endpoints are probed every interval; unhealthy ones only after
// the back-off threshold, and a successful probe triggers redistribution.
type HealthChecker struct {
	manager *Manager

	interval  time.Duration
	threshold time.Duration
	lastCheck atomic.Int64 // unix millis; CAS-gated

	redistribution bool
	idleFraction   float64
	maxClose       int
}

// NewHealthChecker builds the checker from the manager's configuration.
func NewHealthChecker(manager *Manager, cfg ManagerConfig) *HealthChecker {
	interval := time.Duration(cfg.HealthCheckInterval) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	threshold := time.Duration(cfg.HealthCheckThreshold) * time.Millisecond
	if threshold <= 0 {
		threshold = 60 * time.Second
	}
	return &HealthChecker{
		manager:        manager,
		interval:       interval,
		threshold:      threshold,
		redistribution: cfg.RedistributionEnabled,
		idleFraction:   cfg.XAIdleRebalanceFraction,
		maxClose:       cfg.XAMaxClosePerRecovery,
	}
}

// MaybeCheck runs one probe pass if the interval has elapsed. The compare-
// and-swap on the timestamp guarantees a single runner per interval; losers
// return immediately without blocking.
func (h *HealthChecker) MaybeCheck(ctx context.Context) {
	now := time.Now().UnixMilli()
	last := h.lastCheck.Load()
	if now-last < h.interval.Milliseconds() {
		return
	}
	if !h.lastCheck.CompareAndSwap(last, now) {
		return
	}
	h.checkAll(ctx)
}

// ForceCheck runs a probe pass unconditionally (tests and shutdown paths).
func (h *HealthChecker) ForceCheck(ctx context.Context) {
	h.lastCheck.Store(time.Now().UnixMilli())
	h.checkAll(ctx)
}

func (h *HealthChecker) checkAll(ctx context.Context) {
	var recovered []*Endpoint
	for _, endpoint := range h.manager.Endpoints() {
		if endpoint.Healthy() {
			if !h.probe(ctx, endpoint) {
				h.manager.markUnhealthy(endpoint)
			}
			continue
		}
		// Unhealthy endpoints wait out the back-off before re-probing.
		if time.Since(endpoint.LastFailure()) < h.threshold {
			continue
		}
		if h.probe(ctx, endpoint) {
			endpoint.MarkHealthy()
			recovered = append(recovered, endpoint)
		}
	}
	for _, endpoint := range recovered {
		h.manager.logger.Info().Str("endpoint", endpoint.Address()).Msg("endpoint recovered")
		if h.redistribution {
			h.redistributeRegular()
			h.redistributeXA()
		}
	}
}

func (h *HealthChecker) probe(ctx context.Context, endpoint *Endpoint) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := protocol.NewRequest(protocol.VerbPing, &protocol.PingRequest{})
	if err != nil {
		return false
	}
	resp, err := h.manager.caller.Call(probeCtx, endpoint.Address(), req)
	return err == nil && resp.Status == protocol.StatusOK
}

// redistributeRegular rebalances pooled driver connections after recovery:
// endpoints holding more than total/healthy get their excess force-
// invalidated so the pool layer re-creates them, letting fresh borrows land
// on the recovered servers.
func (h *HealthChecker) redistributeRegular() {
	m := h.manager
	m.mu.Lock()
	defer m.mu.Unlock()

	healthy := 0
	for _, e := range m.endpoints {
		if e.Healthy() {
			healthy++
		}
	}
	if healthy == 0 {
		return
	}
	total := 0
	for _, set := range m.conns {
		total += len(set)
	}
	if total == 0 {
		return
	}
	target := total / healthy

	for endpoint, set := range m.conns {
		excess := len(set) - target
		if excess <= 0 {
			continue
		}
		var victims []*Conn
		for conn := range set {
			if conn.isXA() || conn.inUse() {
				continue
			}
			victims = append(victims, conn)
			if len(victims) == excess {
				break
			}
		}
		for _, conn := range victims {
			conn.forceInvalidate()
			delete(set, conn)
		}
		if len(victims) > 0 {
			m.logger.Info().Str("endpoint", endpoint.Address()).Int("marked", len(victims)).Msg("regular connections marked for redistribution")
		}
	}
}

// redistributeXA marks only idle XA connections, oldest first, bounded by
// the idle-rebalance fraction of the excess and the per-recovery cap.
// Connections carrying an active branch are never disturbed.
func (h *HealthChecker) redistributeXA() {
	m := h.manager
	m.mu.Lock()
	defer m.mu.Unlock()

	healthy := 0
	for _, e := range m.endpoints {
		if e.Healthy() {
			healthy++
		}
	}
	if healthy == 0 {
		return
	}
	total := 0
	for _, set := range m.conns {
		for conn := range set {
			if conn.isXA() {
				total++
			}
		}
	}
	if total == 0 {
		return
	}
	target := total / healthy

	for endpoint, set := range m.conns {
		var xaConns []*Conn
		for conn := range set {
			if conn.isXA() {
				xaConns = append(xaConns, conn)
			}
		}
		excess := len(xaConns) - target
		if excess <= 0 {
			continue
		}
		budget := int(float64(excess) * h.idleFraction)
		if budget < 1 {
			budget = 1
		}
		if h.maxClose > 0 && budget > h.maxClose {
			budget = h.maxClose
		}

		var idle []*Conn
		for _, conn := range xaConns {
			if !conn.inUse() {
				idle = append(idle, conn)
			}
		}
		sort.Slice(idle, func(i, j int) bool {
			return idle[i].lastUsed().Before(idle[j].lastUsed())
		})
		if len(idle) > budget {
			idle = idle[:budget]
		}
		for _, conn := range idle {
			conn.forceInvalidate()
			delete(set, conn)
		}
		if len(idle) > 0 {
			m.logger.Info().Str("endpoint", endpoint.Address()).Int("marked", len(idle)).Msg("idle xa connections marked for redistribution")
		}
	}
}
