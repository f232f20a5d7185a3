package server

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// SlowQuerySegregator routes statements between a main and a secondary
// executor lane. A statement measured slower than the threshold is flagged;
// until the cool-down passes, executions of the same statement fingerprint
// run in the secondary lane so they cannot starve fast traffic of main-lane
// capacity. Lanes are weighted semaphores, not separate threads: handlers
// already run on the worker pool, so segregation only bounds concurrency.
type SlowQuerySegregator struct {
	threshold time.Duration

	// flagged holds statement fingerprints currently routed to the
	// secondary lane; entries expire after the cool-down.
	flagged *gocache.Cache

	mainLane      *lane
	secondaryLane *lane
}

// lane is a small counting semaphore with occupancy stats.
type lane struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	wait     chan struct{}
}

func newLane(capacity int) *lane {
	return &lane{capacity: capacity, wait: make(chan struct{}, 1)}
}

func (l *lane) acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.inUse < l.capacity {
			l.inUse++
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wait:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (l *lane) release() {
	l.mu.Lock()
	l.inUse--
	l.mu.Unlock()
	select {
	case l.wait <- struct{}{}:
	default:
	}
}

// NewSlowQuerySegregator builds a segregator; the secondary lane gets a
// quarter of the main lane's default capacity.
func NewSlowQuerySegregator(threshold, cooldown time.Duration) *SlowQuerySegregator {
	if threshold <= 0 {
		threshold = 2 * time.Second
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &SlowQuerySegregator{
		threshold:     threshold,
		flagged:       gocache.New(cooldown, cooldown),
		mainLane:      newLane(16),
		secondaryLane: newLane(4),
	}
}

// Execute runs fn in the lane selected by the statement's history and
// measures it; crossing the threshold flags the fingerprint for the
// cool-down period.
func (s *SlowQuerySegregator) Execute(ctx context.Context, stmtFingerprint string, fn func() error) error {
	selected := s.mainLane
	if _, slow := s.flagged.Get(stmtFingerprint); slow {
		selected = s.secondaryLane
	}
	if err := selected.acquire(ctx); err != nil {
		return err
	}
	defer selected.release()

	start := time.Now()
	err := fn()
	if time.Since(start) > s.threshold {
		s.flagged.SetDefault(stmtFingerprint, struct{}{})
	}
	return err
}

// IsSegregated reports whether a statement currently routes to the
// secondary lane.
func (s *SlowQuerySegregator) IsSegregated(stmtFingerprint string) bool {
	_, slow := s.flagged.Get(stmtFingerprint)
	return slow
}

// FlaggedCount reports how many statements are currently segregated.
func (s *SlowQuerySegregator) FlaggedCount() int {
	return s.flagged.ItemCount()
}
