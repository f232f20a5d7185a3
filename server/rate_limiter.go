package server

import (
	"sync"
	"time"
)

// RateLimiter throttles requests per client id with token buckets. It is
// advisory protection against a misbehaving client, not fairness control,
// and is disabled by default.
type RateLimiter struct {
	ratePerSecond float64
	burst         float64

	mu      sync.Mutex
	buckets map[string]*tokenBucket
	stop    chan struct{}
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter builds the limiter and starts its cleanup task.
func NewRateLimiter(ratePerSecond, burst int) *RateLimiter {
	rl := &RateLimiter{
		ratePerSecond: float64(ratePerSecond),
		burst:         float64(burst),
		buckets:       make(map[string]*tokenBucket),
		stop:          make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow consumes one token for the client if available.
func (rl *RateLimiter) Allow(clientID string) bool {
	if clientID == "" {
		clientID = "unknown"
	}
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	bucket, ok := rl.buckets[clientID]
	if !ok {
		bucket = &tokenBucket{tokens: rl.burst, lastRefill: now}
		rl.buckets[clientID] = bucket
	}
	bucket.tokens += now.Sub(bucket.lastRefill).Seconds() * rl.ratePerSecond
	if bucket.tokens > rl.burst {
		bucket.tokens = rl.burst
	}
	bucket.lastRefill = now
	if bucket.tokens >= 1 {
		bucket.tokens--
		return true
	}
	return false
}

// Stop ends the cleanup task.
func (rl *RateLimiter) Stop() { close(rl.stop) }

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			rl.mu.Lock()
			for clientID, bucket := range rl.buckets {
				if bucket.lastRefill.Before(cutoff) {
					delete(rl.buckets, clientID)
				}
			}
			rl.mu.Unlock()
		}
	}
}
