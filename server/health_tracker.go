package server

import (
	"sync"

	"github.com/rs/zerolog"
)

// ClusterHealthTracker consumes the health bitmaps clients piggyback on
// their requests. A change in the healthy node count recomputes the pool
// budgets for every registered fingerprint.
type ClusterHealthTracker struct {
	registry *PoolRegistry
	logger   zerolog.Logger

	mu      sync.Mutex
	current map[string]bool
}

// NewClusterHealthTracker builds the tracker.
func NewClusterHealthTracker(registry *PoolRegistry, logger zerolog.Logger) *ClusterHealthTracker {
	return &ClusterHealthTracker{
		registry: registry,
		logger:   logger.With().Str("component", "cluster-health").Logger(),
		current:  make(map[string]bool),
	}
}

// Observe folds one piggybacked health map in. Empty maps are ignored.
func (t *ClusterHealthTracker) Observe(health map[string]bool) {
	if len(health) == 0 {
		return
	}
	t.mu.Lock()
	changed := len(health) != len(t.current)
	if !changed {
		for endpoint, healthy := range health {
			if t.current[endpoint] != healthy {
				changed = true
				break
			}
		}
	}
	if changed {
		t.current = make(map[string]bool, len(health))
		for endpoint, healthy := range health {
			t.current[endpoint] = healthy
		}
	}
	healthyCount := 0
	for _, healthy := range t.current {
		if healthy {
			healthyCount++
		}
	}
	t.mu.Unlock()

	if changed {
		if healthyCount == 0 {
			healthyCount = 1
		}
		t.logger.Info().Int("healthy", healthyCount).Msg("cluster health changed")
		t.registry.ResizeForHealth(healthyCount)
	}
}

// Snapshot returns the last observed health map.
func (t *ClusterHealthTracker) Snapshot() map[string]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]bool, len(t.current))
	for endpoint, healthy := range t.current {
		out[endpoint] = healthy
	}
	return out
}
