// Package pool provides a bounded, strongly typed object pool with
// activate/passivate/validate lifecycle hooks, bounded-wait borrowing,
// in-place resizing and leak detection. It backs the XA backend-session
// pool but carries no XA knowledge of its own.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Factory creates and manages the lifecycle of pooled objects.
type Factory[T comparable] interface {
	// New creates a fresh object.
	New(ctx context.Context) (T, error)
	// Activate prepares an idle object for use; failing objects are destroyed.
	Activate(ctx context.Context, res T) error
	// Passivate resets a returned object for idleness; failing objects are
	// destroyed rather than pooled.
	Passivate(res T) error
	// Validate reports whether an object is still usable.
	Validate(res T) bool
	// Destroy releases an object permanently.
	Destroy(res T)
}

// Config bounds the pool.
type Config struct {
	MaxSize              int
	MinIdle              int
	BorrowTimeout        time.Duration
	LeakThreshold        time.Duration
	HousekeepingInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxSize <= 0 {
		out.MaxSize = 10
	}
	if out.BorrowTimeout <= 0 {
		out.BorrowTimeout = 30 * time.Second
	}
	if out.LeakThreshold <= 0 {
		out.LeakThreshold = 5 * time.Minute
	}
	if out.HousekeepingInterval <= 0 {
		out.HousekeepingInterval = 30 * time.Second
	}
	return out
}

// ErrExhausted is returned when no object became available within the borrow
// timeout. It is wrapped in a diagnostic error carrying pool counters.
var ErrExhausted = errors.New("pool exhausted")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("pool closed")

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Size     int
	Borrowed int
	Idle     int
	Waiters  int
	MaxSize  int
	MinIdle  int
}

// Pool is a bounded object pool. All methods are safe for concurrent use.
type Pool[T comparable] struct {
	factory Factory[T]
	logger  zerolog.Logger

	mu       sync.Mutex
	cfg      Config
	idle     []T
	borrowed map[T]time.Time
	total    int
	waiters  []chan struct{}
	closed   bool

	stopHousekeeping chan struct{}
}

// New creates a pool and starts its housekeeping task. MinIdle objects are
// created lazily by housekeeping, not eagerly here, so construction never
// touches the backend.
func New[T comparable](factory Factory[T], cfg Config, logger zerolog.Logger) *Pool[T] {
	p := &Pool[T]{
		factory:          factory,
		cfg:              cfg.withDefaults(),
		borrowed:         make(map[T]time.Time),
		logger:           logger,
		stopHousekeeping: make(chan struct{}),
	}
	go p.housekeeping()
	return p
}

// Borrow takes an object from the pool, creating one if the pool is under
// capacity, or waiting up to the borrow timeout otherwise.
func (p *Pool[T]) Borrow(ctx context.Context) (T, error) {
	var zero T
	deadline := time.Now().Add(p.cfg.BorrowTimeout)
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, ErrClosed
		}
		if n := len(p.idle); n > 0 {
			res := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.borrowed[res] = time.Now()
			p.mu.Unlock()

			if err := p.factory.Activate(ctx, res); err != nil || !p.factory.Validate(res) {
				p.discard(res)
				continue
			}
			return res, nil
		}
		if p.total < p.cfg.MaxSize {
			p.total++
			p.mu.Unlock()

			res, err := p.factory.New(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				p.notifyOne()
				return zero, fmt.Errorf("create pooled object: %w", err)
			}
			p.mu.Lock()
			p.borrowed[res] = time.Now()
			p.mu.Unlock()
			return res, nil
		}

		wait := make(chan struct{}, 1)
		p.waiters = append(p.waiters, wait)
		stats := p.statsLocked()
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.dropWaiter(wait)
			return zero, p.exhausted(stats)
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.dropWaiter(wait)
			return zero, fmt.Errorf("borrow cancelled: %w", ctx.Err())
		case <-timer.C:
			p.dropWaiter(wait)
			return zero, p.exhausted(stats)
		case <-wait:
			timer.Stop()
		}
	}
}

func (p *Pool[T]) exhausted(stats Stats) error {
	return fmt.Errorf("%w after %v: size=%d borrowed=%d idle=%d waiters=%d",
		ErrExhausted, p.cfg.BorrowTimeout, stats.Size, stats.Borrowed, stats.Idle, stats.Waiters)
}

// Return gives a borrowed object back. The object is passivated and either
// pooled or destroyed if it fails validation or the pool has shrunk.
func (p *Pool[T]) Return(res T) {
	p.mu.Lock()
	if _, ok := p.borrowed[res]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.borrowed, res)
	overCapacity := p.total > p.cfg.MaxSize || p.closed
	p.mu.Unlock()

	if overCapacity || p.factory.Passivate(res) != nil || !p.factory.Validate(res) {
		p.destroy(res)
		return
	}

	p.mu.Lock()
	p.idle = append(p.idle, res)
	p.mu.Unlock()
	p.notifyOne()
}

// Invalidate destroys a borrowed object instead of returning it.
func (p *Pool[T]) Invalidate(res T) {
	p.mu.Lock()
	delete(p.borrowed, res)
	p.mu.Unlock()
	p.destroy(res)
}

// InvalidateIdle destroys up to n idle objects selected by the filter,
// oldest first. Borrowed objects are never touched. Returns the count
// destroyed.
func (p *Pool[T]) InvalidateIdle(n int, filter func(res T) bool) int {
	p.mu.Lock()
	var victims []T
	kept := p.idle[:0]
	for _, res := range p.idle {
		if len(victims) < n && (filter == nil || filter(res)) {
			victims = append(victims, res)
		} else {
			kept = append(kept, res)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, res := range victims {
		p.destroy(res)
	}
	return len(victims)
}

// Resize adjusts capacity in place. Borrowed objects are unaffected; excess
// idle objects are destroyed immediately, and a grow wakes pending waiters.
func (p *Pool[T]) Resize(maxSize, minIdle int) {
	if maxSize <= 0 {
		return
	}
	p.mu.Lock()
	grew := maxSize > p.cfg.MaxSize
	p.cfg.MaxSize = maxSize
	p.cfg.MinIdle = minIdle
	var victims []T
	for p.total-len(victims) > maxSize && len(p.idle) > 0 {
		res := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		victims = append(victims, res)
	}
	p.mu.Unlock()

	for _, res := range victims {
		p.destroy(res)
	}
	if grew {
		p.notifyAll()
	}
	p.logger.Info().Int("maxSize", maxSize).Int("minIdle", minIdle).Msg("pool resized")
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool[T]) statsLocked() Stats {
	return Stats{
		Size:     p.total,
		Borrowed: len(p.borrowed),
		Idle:     len(p.idle),
		Waiters:  len(p.waiters),
		MaxSize:  p.cfg.MaxSize,
		MinIdle:  p.cfg.MinIdle,
	}
}

// Close destroys all idle objects and fails subsequent borrows. Borrowed
// objects are destroyed as they are returned.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.stopHousekeeping)
	for _, res := range idle {
		p.destroy(res)
	}
	p.notifyAll()
}

// discard removes a borrowed-but-failed object and retries waiters.
func (p *Pool[T]) discard(res T) {
	p.mu.Lock()
	delete(p.borrowed, res)
	p.mu.Unlock()
	p.destroy(res)
}

func (p *Pool[T]) destroy(res T) {
	p.factory.Destroy(res)
	p.mu.Lock()
	p.total--
	p.mu.Unlock()
	p.notifyOne()
}

func (p *Pool[T]) notifyOne() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	select {
	case w <- struct{}{}:
	default:
	}
}

func (p *Pool[T]) notifyAll() {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()
	for _, w := range waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

func (p *Pool[T]) dropWaiter(w chan struct{}) {
	p.mu.Lock()
	for i, candidate := range p.waiters {
		if candidate == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	// A notify may have raced the timeout; pass it on so no permit is lost.
	select {
	case <-w:
		p.notifyOne()
	default:
	}
}

// housekeeping maintains MinIdle and reports leaked borrows on a single
// scheduled task per pool.
func (p *Pool[T]) housekeeping() {
	ticker := time.NewTicker(p.cfg.HousekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopHousekeeping:
			return
		case <-ticker.C:
			p.ensureMinIdle()
			p.reportLeaks()
		}
	}
}

func (p *Pool[T]) ensureMinIdle() {
	for {
		p.mu.Lock()
		need := p.cfg.MinIdle - len(p.idle)
		if p.closed || need <= 0 || p.total >= p.cfg.MaxSize {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.BorrowTimeout)
		res, err := p.factory.New(ctx)
		cancel()
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			p.logger.Warn().Err(err).Msg("min-idle replenish failed")
			return
		}
		p.mu.Lock()
		p.idle = append(p.idle, res)
		p.mu.Unlock()
		p.notifyOne()
	}
}

func (p *Pool[T]) reportLeaks() {
	now := time.Now()
	p.mu.Lock()
	var leaks int
	var oldest time.Duration
	for _, since := range p.borrowed {
		if held := now.Sub(since); held > p.cfg.LeakThreshold {
			leaks++
			if held > oldest {
				oldest = held
			}
		}
	}
	stats := p.statsLocked()
	p.mu.Unlock()

	if leaks > 0 {
		p.logger.Warn().
			Int("leaked", leaks).
			Dur("oldestHeld", oldest).
			Int("borrowed", stats.Borrowed).
			Int("size", stats.Size).
			Msg("borrowed objects held beyond leak threshold")
	}
}
