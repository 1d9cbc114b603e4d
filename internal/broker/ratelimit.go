// ratelimit.go implements per-account token-bucket rate limiting for the
// broker REST API.
//
// The broker meters requests per account, so each account gets its own bucket
// with continuous refill. Waiting for a token from one account never blocks
// calls for another account; callers hold no locks while blocked.
package broker

import (
	"context"
	"sync"
	"time"
)

// tokenBucket refills continuously rather than in window-sized bursts so the
// client never slams into the broker's hard limit.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func newTokenBucket(capacity, ratePerSecond float64) *tokenBucket {
	return &tokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// wait blocks until a token is available or ctx is cancelled.
func (tb *tokenBucket) wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		sleep := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// RateLimiter hands out one token bucket per account, created lazily.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*tokenBucket
	capacity float64
	rate     float64
}

// NewRateLimiter creates a limiter whose per-account buckets hold capacity
// tokens refilled at ratePerSecond.
func NewRateLimiter(capacity, ratePerSecond float64) *RateLimiter {
	return &RateLimiter{
		buckets:  make(map[string]*tokenBucket),
		capacity: capacity,
		rate:     ratePerSecond,
	}
}

// Acquire blocks until the account's bucket yields a token or ctx is
// cancelled.
func (rl *RateLimiter) Acquire(ctx context.Context, accountID string) error {
	rl.mu.Lock()
	b, ok := rl.buckets[accountID]
	if !ok {
		b = newTokenBucket(rl.capacity, rl.rate)
		rl.buckets[accountID] = b
	}
	rl.mu.Unlock()

	return b.wait(ctx)
}
