package bloom

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestTryClaimFirstWins(t *testing.T) {
	t.Parallel()
	s := New(1000, 0.01)
	ctx := context.Background()

	ok, err := s.TryClaim(ctx, "https://example.com/")
	if err != nil || !ok {
		t.Fatalf("first claim = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = s.TryClaim(ctx, "https://example.com/")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second claim of same key succeeded")
	}
}

func TestTryClaimRejectsEmptyKey(t *testing.T) {
	t.Parallel()
	s := New(1000, 0.01)

	ok, err := s.TryClaim(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("empty key was claimed")
	}
}

func TestTryClaimExactlyOnceUnderContention(t *testing.T) {
	t.Parallel()
	s := New(10_000, 0.001)
	ctx := context.Background()

	const goroutines = 200
	var wins atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := s.TryClaim(ctx, "https://example.com/contested")
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}

	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("%d goroutines won the claim, want exactly 1", got)
	}
}

func TestEstimatedCountGrows(t *testing.T) {
	t.Parallel()
	s := New(10_000, 0.001)
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		if _, err := s.TryClaim(ctx, fmt.Sprintf("https://example.com/page/%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	got := s.EstimatedCount()
	if got < 400 || got > 600 {
		t.Errorf("estimated count = %d, want near 500", got)
	}
}

func TestZeroConfigFallsBackToDefaults(t *testing.T) {
	t.Parallel()
	s := New(0, 0)

	ok, err := s.TryClaim(context.Background(), "https://example.com/")
	if err != nil || !ok {
		t.Fatalf("claim with default sizing = (%v, %v), want (true, nil)", ok, err)
	}
}
