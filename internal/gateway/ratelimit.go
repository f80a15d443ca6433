package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TokenBucket implements a simple token bucket rate limiter.
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time // tracks last request for eviction
	mu         sync.Mutex
}

// NewTokenBucket creates a token bucket with the given rate and burst capacity.
func NewTokenBucket(requestsPerMinute, burstSize int) *TokenBucket {
	rate := float64(requestsPerMinute) / 60.0
	now := time.Now()
	return &TokenBucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: rate,
		lastRefill: now,
		lastAccess: now,
	}
}

// Allow checks if a request is allowed and consumes a token if so.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
	tb.lastAccess = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// setRate swaps the refill rate and burst capacity in place. Accumulated
// tokens above the new capacity are clipped.
func (tb *TokenBucket) setRate(requestsPerMinute, burstSize int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillRate = float64(requestsPerMinute) / 60.0
	tb.maxTokens = float64(burstSize)
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
}

// LastAccess returns the time of the last Allow() call.
func (tb *TokenBucket) LastAccess() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// RateLimiter enforces per-client rate limits using token buckets. Clients
// are keyed by auth token when present, remote address otherwise.
type RateLimiter struct {
	buckets map[string]*TokenBucket
	rpm     int
	burst   int
	mu      sync.RWMutex
}

// NewRateLimiter creates a rate limiter with the given per-minute rate and
// burst size.
func NewRateLimiter(requestsPerMinute, burstSize int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if burstSize <= 0 {
		burstSize = requestsPerMinute
	}
	return &RateLimiter{
		buckets: make(map[string]*TokenBucket),
		rpm:     requestsPerMinute,
		burst:   burstSize,
	}
}

// Allow reports whether the keyed client may proceed right now.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.getBucket(key).Allow()
}

// SetRate applies a new per-minute rate and burst size to future buckets
// and to every bucket already tracked, used by config hot reload.
func (rl *RateLimiter) SetRate(requestsPerMinute, burstSize int) {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if burstSize <= 0 {
		burstSize = requestsPerMinute
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.rpm = requestsPerMinute
	rl.burst = burstSize
	for _, bucket := range rl.buckets {
		bucket.setRate(requestsPerMinute, burstSize)
	}
}

// StartEviction launches a background goroutine that periodically removes
// stale token buckets (no requests in the last maxAge). This prevents
// unbounded memory growth from unique tokens or addresses.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes buckets that haven't been accessed within maxAge.
func (rl *RateLimiter) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, bucket := range rl.buckets {
		if bucket.LastAccess().Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
}

// BucketCount returns the current number of tracked buckets (for testing/metrics).
func (rl *RateLimiter) BucketCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.buckets)
}

// getBucket returns the token bucket for the given key, creating one if needed.
func (rl *RateLimiter) getBucket(key string) *TokenBucket {
	rl.mu.RLock()
	bucket, exists := rl.buckets[key]
	rl.mu.RUnlock()
	if exists {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	// Double-check after acquiring write lock.
	if bucket, exists = rl.buckets[key]; exists {
		return bucket
	}

	bucket = NewTokenBucket(rl.rpm, rl.burst)
	rl.buckets[key] = bucket
	return bucket
}
