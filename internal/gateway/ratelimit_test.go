package gateway

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketBurst(t *testing.T) {
	tb := NewTokenBucket(60, 3)

	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("request %d within burst was denied", i)
		}
	}
	if tb.Allow() {
		t.Fatal("request beyond burst was allowed")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	// 600 rpm = 10 tokens/sec, so ~100ms buys a token back.
	tb := NewTokenBucket(600, 1)

	if !tb.Allow() {
		t.Fatal("first request denied")
	}
	if tb.Allow() {
		t.Fatal("second request allowed before refill")
	}
	time.Sleep(150 * time.Millisecond)
	if !tb.Allow() {
		t.Fatal("request denied after refill window")
	}
}

func TestRateLimiterPerKeyIsolation(t *testing.T) {
	rl := NewRateLimiter(60, 1)

	if !rl.Allow("client-a") {
		t.Fatal("client-a first request denied")
	}
	if rl.Allow("client-a") {
		t.Fatal("client-a second request allowed")
	}
	// A different key has its own bucket.
	if !rl.Allow("client-b") {
		t.Fatal("client-b first request denied")
	}
	if rl.BucketCount() != 2 {
		t.Fatalf("bucket count = %d, want 2", rl.BucketCount())
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if rl.rpm != 60 || rl.burst != 60 {
		t.Fatalf("defaults = %d rpm / %d burst, want 60/60", rl.rpm, rl.burst)
	}
}

func TestEvictStale(t *testing.T) {
	rl := NewRateLimiter(60, 5)
	rl.Allow("old-client")
	rl.Allow("fresh-client")

	// Backdate one bucket past the cutoff.
	rl.mu.Lock()
	old := rl.buckets["old-client"]
	rl.mu.Unlock()
	old.mu.Lock()
	old.lastAccess = time.Now().Add(-time.Hour)
	old.mu.Unlock()

	rl.EvictStale(30 * time.Minute)

	if rl.BucketCount() != 1 {
		t.Fatalf("bucket count after eviction = %d, want 1", rl.BucketCount())
	}
	rl.mu.RLock()
	_, kept := rl.buckets["fresh-client"]
	rl.mu.RUnlock()
	if !kept {
		t.Fatal("fresh bucket was evicted")
	}
}

func TestSetRateAppliesToLiveBuckets(t *testing.T) {
	rl := NewRateLimiter(600, 10)
	if !rl.Allow("client-a") {
		t.Fatal("first request denied")
	}

	// Tighten the limit; the existing bucket must clip to the new burst.
	rl.SetRate(60, 1)
	if rl.rpm != 60 || rl.burst != 1 {
		t.Fatalf("rate after SetRate = %d rpm / %d burst, want 60/1", rl.rpm, rl.burst)
	}
	if !rl.Allow("client-a") {
		t.Fatal("request within the new burst denied")
	}
	if rl.Allow("client-a") {
		t.Fatal("request beyond the new burst allowed")
	}

	// New buckets pick up the new rate too.
	if !rl.Allow("client-b") {
		t.Fatal("client-b first request denied")
	}
	if rl.Allow("client-b") {
		t.Fatal("client-b second request allowed beyond burst 1")
	}
}

func TestSetRateDefaults(t *testing.T) {
	rl := NewRateLimiter(600, 10)
	rl.SetRate(0, 0)
	if rl.rpm != 60 || rl.burst != 60 {
		t.Fatalf("rate after zero SetRate = %d/%d, want 60/60", rl.rpm, rl.burst)
	}
}

func TestServerSetRateLimit(t *testing.T) {
	// Disabled at startup: the setter is a no-op, not a panic.
	open := New(Config{})
	open.SetRateLimit(60, 1)

	s := New(Config{RateLimitPerMinute: 600, RateLimitBurst: 10})
	s.ratelimit.Allow("client-a")
	s.SetRateLimit(60, 1)
	if s.ratelimit.rpm != 60 || s.ratelimit.burst != 1 {
		t.Fatalf("rate after SetRateLimit = %d/%d, want 60/1",
			s.ratelimit.rpm, s.ratelimit.burst)
	}
	if s.ratelimit.Allow("client-a") && s.ratelimit.Allow("client-a") {
		t.Fatal("bucket still allows beyond the tightened burst")
	}
}

func TestServeStartsBucketEviction(t *testing.T) {
	prevInterval, prevMaxAge := rateLimitEvictInterval, rateLimitEvictMaxAge
	rateLimitEvictInterval, rateLimitEvictMaxAge = 10*time.Millisecond, 20*time.Millisecond
	defer func() {
		rateLimitEvictInterval, rateLimitEvictMaxAge = prevInterval, prevMaxAge
	}()

	s := New(Config{RateLimitPerMinute: 60, RateLimitBurst: 5})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Serve(ctx, "127.0.0.1:0") }()

	s.ratelimit.Allow("stale-client")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.ratelimit.BucketCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("bucket count = %d after eviction window, want 0", s.ratelimit.BucketCount())
}
