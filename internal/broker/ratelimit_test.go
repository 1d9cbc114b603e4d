package broker

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterAllowsBurst(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(5, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := rl.Acquire(ctx, "acct"); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("burst of 5 took %v, expected near-instant", elapsed)
	}
}

func TestRateLimiterBlocksWhenDrained(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(1, 1000)

	ctx := context.Background()
	if err := rl.Acquire(ctx, "acct"); err != nil {
		t.Fatal(err)
	}

	// Bucket is empty; the next token arrives after ~1ms at 1000/s.
	start := time.Now()
	if err := rl.Acquire(ctx, "acct"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) <= 0 {
		t.Error("expected a measurable wait for refill")
	}
}

func TestRateLimiterAccountsAreIndependent(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(1, 0.001) // effectively no refill

	ctx := context.Background()
	if err := rl.Acquire(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	// Account "a" is drained; account "b" must not be affected.
	quick, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if err := rl.Acquire(quick, "b"); err != nil {
		t.Fatalf("account b was blocked by account a: %v", err)
	}
}

func TestRateLimiterRespectsCancellation(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(1, 0.001)

	ctx := context.Background()
	if err := rl.Acquire(ctx, "acct"); err != nil {
		t.Fatal(err)
	}

	cancelled, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := rl.Acquire(cancelled, "acct"); err == nil {
		t.Error("expected context error from drained bucket")
	}
}
