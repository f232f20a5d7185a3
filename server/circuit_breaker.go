package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/openjdbcproxy/ojp-go/protocol"
)

// CircuitBreaker short-circuits statements that keep failing. State is
// tracked per statement fingerprint (a hash of the SQL text) so one broken
// query cannot take healthy traffic down with it.
type CircuitBreaker struct {
	threshold  int
	openPeriod time.Duration
	states     sync.Map // statement fingerprint -> *breakerState
}

type breakerState struct {
	failures    int64
	lastFailure int64
	probeTaken  int64
	open        int32
}

// NewCircuitBreaker builds a breaker with the configured failure threshold
// and open period.
func NewCircuitBreaker(threshold int, openPeriod time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if openPeriod <= 0 {
		openPeriod = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, openPeriod: openPeriod}
}

// StatementFingerprint hashes SQL text for breaker and segregator keys.
func StatementFingerprint(sql string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(sql))
}

// Allow reports whether a statement may execute. After the open period one
// probe request passes through (half-open); its outcome decides whether the
// circuit closes again.
func (cb *CircuitBreaker) Allow(stmtFingerprint string) bool {
	v, ok := cb.states.Load(stmtFingerprint)
	if !ok {
		return true
	}
	state := v.(*breakerState)
	if atomic.LoadInt32(&state.open) == 0 {
		return true
	}
	lastFailure := time.Unix(0, atomic.LoadInt64(&state.lastFailure))
	if time.Since(lastFailure) < cb.openPeriod {
		return false
	}
	// Half-open: let exactly one probe through per open period.
	return atomic.CompareAndSwapInt64(&state.probeTaken, 0, time.Now().UnixNano())
}

// FailFastError is the error returned for short-circuited statements.
func (cb *CircuitBreaker) FailFastError(sql string) error {
	return fmt.Errorf("%w: statement short-circuited after %d consecutive failures", protocol.ErrUnavailable, cb.threshold)
}

// RecordSuccess closes the circuit for the statement.
func (cb *CircuitBreaker) RecordSuccess(stmtFingerprint string) {
	v, ok := cb.states.Load(stmtFingerprint)
	if !ok {
		return
	}
	state := v.(*breakerState)
	atomic.StoreInt64(&state.failures, 0)
	atomic.StoreInt32(&state.open, 0)
	atomic.StoreInt64(&state.probeTaken, 0)
}

// RecordFailure counts a connection-class failure; reaching the threshold
// opens the circuit.
func (cb *CircuitBreaker) RecordFailure(stmtFingerprint string) {
	v, _ := cb.states.LoadOrStore(stmtFingerprint, &breakerState{})
	state := v.(*breakerState)
	failures := atomic.AddInt64(&state.failures, 1)
	atomic.StoreInt64(&state.lastFailure, time.Now().UnixNano())
	atomic.StoreInt64(&state.probeTaken, 0)
	if failures >= int64(cb.threshold) {
		atomic.StoreInt32(&state.open, 1)
	}
}

// OpenCount reports how many circuits are currently open.
func (cb *CircuitBreaker) OpenCount() int {
	var open int
	cb.states.Range(func(_, v interface{}) bool {
		if atomic.LoadInt32(&v.(*breakerState).open) == 1 {
			open++
		}
		return true
	})
	return open
}
