package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestWaitBlocksAtGlobalRate(t *testing.T) {
	// 10 RPS with burst 1 means one token every 100ms.
	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://example.com/a"); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := l.Wait(ctx, "https://example.com/b"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait near 100ms, got %v", dur)
	}
}

func TestWaitUnlimitedWhenRPSZero(t *testing.T) {
	l := New(Config{RPS: 0, Burst: 0})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := l.Wait(ctx, "https://example.com/"); err != nil {
			t.Fatal(err)
		}
	}
	if dur := time.Since(start); dur > 50*time.Millisecond {
		t.Errorf("unlimited limiter blocked for %v", dur)
	}
}

func TestWaitHonorsContextCancel(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1})
	ctx := context.Background()

	// Drain the only token.
	if err := l.Wait(ctx, "https://example.com/"); err != nil {
		t.Fatal(err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(shortCtx, "https://example.com/"); err == nil {
		t.Error("expected error from expired context")
	}
}

func TestPerHostBucketsAreIndependent(t *testing.T) {
	l := New(Config{RPS: 0, PerHostRPS: 1, PerHostBurst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://a.example.com/1"); err != nil {
		t.Fatal(err)
	}

	// A different host has its own bucket and should not block.
	start := time.Now()
	if err := l.Wait(ctx, "https://b.example.com/1"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Error("second host blocked on first host's bucket")
	}

	// The same host is out of tokens.
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(shortCtx, "https://a.example.com/2"); err == nil {
		t.Error("expected same-host wait to exceed the short deadline")
	}
}

func TestThroughputStaysUnderCap(t *testing.T) {
	const (
		rps    = 100.0
		burst  = 10
		window = 300 * time.Millisecond
	)
	l := New(Config{RPS: rps, Burst: burst})

	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()

	grants := 0
	for {
		if err := l.Wait(ctx, "https://example.com/"); err != nil {
			break
		}
		grants++
	}

	// Token buckets allow at most rate*T+burst grants in a window of T.
	limit := int(rps*window.Seconds()) + burst
	if grants > limit+5 {
		t.Errorf("granted %d tokens in %v, cap is %d", grants, window, limit)
	}
	if grants < limit/4 {
		t.Errorf("granted only %d tokens in %v, expected near %d", grants, window, limit)
	}
}
