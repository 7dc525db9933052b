package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/deepcrawl/internal/crawler"
	"github.com/JakeFAU/deepcrawl/internal/policy/admit"
	"github.com/JakeFAU/deepcrawl/internal/progress"
)

func mustUnit(t *testing.T, rawURL string, depth int) crawler.WorkUnit {
	t.Helper()
	unit, err := crawler.NewWorkUnit(rawURL, depth)
	require.NoError(t, err)
	return unit
}

func newTestPool(t *testing.T, cfg Config, seen crawler.ClaimSet, pol *admit.Policy, out chan crawler.WorkUnit) (*Pool, *crawler.RunStats, *captureEmitter) {
	t.Helper()
	stats := &crawler.RunStats{}
	emitter := &captureEmitter{}
	pool, err := New(cfg, seen, pol, out, stats, emitter, "run-test", nil, zap.NewNop())
	require.NoError(t, err)
	return pool, stats, emitter
}

func collectUnits(t *testing.T, out <-chan crawler.WorkUnit, n int) []crawler.WorkUnit {
	t.Helper()
	units := make([]crawler.WorkUnit, 0, n)
	for len(units) < n {
		select {
		case unit := <-out:
			units = append(units, unit)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for unit %d of %d", len(units)+1, n)
		}
	}
	return units
}

func TestPool_ClaimAndForward(t *testing.T) {
	t.Parallel()

	out := make(chan crawler.WorkUnit, 8)
	pool, stats, _ := newTestPool(t, Config{Workers: 2, IntakeCapacity: 8, MaxDepth: 3}, &stubClaimSet{}, nil, out)

	ctx := context.Background()
	pool.Start(ctx)

	seeds := []crawler.WorkUnit{
		mustUnit(t, "https://example.com/a", 0),
		mustUnit(t, "https://example.com/b", 0),
		mustUnit(t, "https://example.com/c", 1),
	}
	for _, unit := range seeds {
		require.NoError(t, pool.Submit(ctx, unit))
	}

	forwarded := collectUnits(t, out, 3)
	require.ElementsMatch(t, seeds, forwarded)

	pool.Shutdown()
	require.Equal(t, int64(3), stats.Submitted.Load())
	require.Equal(t, int64(3), stats.InFlight.Load())
	require.Zero(t, stats.Deduped.Load())
}

func TestPool_DropsDuplicates(t *testing.T) {
	t.Parallel()

	out := make(chan crawler.WorkUnit, 8)
	pool, stats, emitter := newTestPool(t, Config{Workers: 1, IntakeCapacity: 8, MaxDepth: 3}, &stubClaimSet{}, nil, out)

	ctx := context.Background()
	pool.Start(ctx)

	unit := mustUnit(t, "https://example.com/page", 0)
	require.NoError(t, pool.Submit(ctx, unit))
	require.NoError(t, pool.Submit(ctx, unit))
	pool.Shutdown()

	require.Len(t, collectUnits(t, out, 1), 1)
	require.Equal(t, int64(1), stats.Deduped.Load())
	require.Equal(t, int64(1), stats.InFlight.Load())
	require.Equal(t, []string{"dedup"}, emitter.reasons())
}

func TestPool_DropsBeyondMaxDepth(t *testing.T) {
	t.Parallel()

	out := make(chan crawler.WorkUnit, 8)
	pool, stats, emitter := newTestPool(t, Config{Workers: 1, IntakeCapacity: 8, MaxDepth: 1}, &stubClaimSet{}, nil, out)

	ctx := context.Background()
	pool.Start(ctx)

	require.NoError(t, pool.Submit(ctx, mustUnit(t, "https://example.com/shallow", 1)))
	require.NoError(t, pool.Submit(ctx, mustUnit(t, "https://example.com/deep", 2)))
	pool.Shutdown()

	forwarded := collectUnits(t, out, 1)
	require.Equal(t, "https://example.com/shallow", forwarded[0].URL)
	require.Equal(t, int64(1), stats.DepthDropped.Load())
	require.Equal(t, []string{"depth"}, emitter.reasons())
}

func TestPool_PolicyRejectionAtSubmit(t *testing.T) {
	t.Parallel()

	out := make(chan crawler.WorkUnit, 8)
	pol := admit.New(nil, []string{"blocked.example.com"})
	pool, stats, emitter := newTestPool(t, Config{Workers: 1, IntakeCapacity: 8, MaxDepth: 3}, &stubClaimSet{}, pol, out)

	ctx := context.Background()
	require.NoError(t, pool.Submit(ctx, mustUnit(t, "https://blocked.example.com/", 0)))
	require.NoError(t, pool.TrySubmit(mustUnit(t, "https://blocked.example.com/other", 1)))

	require.Zero(t, stats.Submitted.Load())
	require.Equal(t, int64(2), stats.PolicyDropped.Load())
	require.Equal(t, []string{"policy", "policy"}, emitter.reasons())

	pool.Start(ctx)
	pool.Shutdown()
	select {
	case unit := <-out:
		t.Fatalf("expected no forwarded units, got %s", unit.URL)
	default:
	}
}

func TestPool_SubmitAfterShutdownReturnsErrPoolClosed(t *testing.T) {
	t.Parallel()

	out := make(chan crawler.WorkUnit, 1)
	pool, _, _ := newTestPool(t, Config{Workers: 1, IntakeCapacity: 1, MaxDepth: 3}, &stubClaimSet{}, nil, out)

	pool.Start(context.Background())
	pool.Shutdown()

	err := pool.Submit(context.Background(), mustUnit(t, "https://example.com/", 0))
	require.ErrorIs(t, err, ErrPoolClosed)
	err = pool.TrySubmit(mustUnit(t, "https://example.com/", 0))
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_TrySubmitFullReturnsErrIntakeFull(t *testing.T) {
	t.Parallel()

	out := make(chan crawler.WorkUnit, 1)
	pool, stats, _ := newTestPool(t, Config{Workers: 1, IntakeCapacity: 1, MaxDepth: 3}, &stubClaimSet{}, nil, out)

	// Workers are not started, so the first unit stays buffered.
	require.NoError(t, pool.TrySubmit(mustUnit(t, "https://example.com/one", 0)))
	err := pool.TrySubmit(mustUnit(t, "https://example.com/two", 0))
	require.ErrorIs(t, err, ErrIntakeFull)
	require.Equal(t, int64(1), stats.Submitted.Load())
}

func TestPool_ShutdownDrainsQueuedUnits(t *testing.T) {
	t.Parallel()

	const n = 20
	out := make(chan crawler.WorkUnit, n)
	pool, stats, _ := newTestPool(t, Config{Workers: 4, IntakeCapacity: n, MaxDepth: 3}, &stubClaimSet{}, nil, out)

	ctx := context.Background()
	for i := 0; i < n; i++ {
		require.NoError(t, pool.Submit(ctx, mustUnit(t, "https://example.com/page", i%4)))
	}
	pool.Start(ctx)
	pool.Shutdown()

	// One unique URL: exactly one claim wins, the rest dedup.
	require.Len(t, collectUnits(t, out, 1), 1)
	require.Equal(t, int64(n), stats.Submitted.Load())
	require.Equal(t, int64(n-1), stats.Deduped.Load())
}

func TestPool_ClaimErrorDropsUnit(t *testing.T) {
	t.Parallel()

	out := make(chan crawler.WorkUnit, 1)
	pool, stats, emitter := newTestPool(t, Config{Workers: 1, IntakeCapacity: 4, MaxDepth: 3}, &stubClaimSet{err: errors.New("backend down")}, nil, out)

	ctx := context.Background()
	pool.Start(ctx)
	require.NoError(t, pool.Submit(ctx, mustUnit(t, "https://example.com/", 0)))
	pool.Shutdown()

	select {
	case unit := <-out:
		t.Fatalf("expected no forwarded units, got %s", unit.URL)
	default:
	}
	require.Zero(t, stats.InFlight.Load())
	require.Equal(t, []string{"claim_error"}, emitter.reasons())
}

func TestPool_CancelUnblocksEntrySend(t *testing.T) {
	t.Parallel()

	out := make(chan crawler.WorkUnit) // no consumer
	pool, _, _ := newTestPool(t, Config{Workers: 1, IntakeCapacity: 4, MaxDepth: 3}, &stubClaimSet{}, nil, out)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	require.NoError(t, pool.Submit(ctx, mustUnit(t, "https://example.com/", 0)))

	cancel()
	done := make(chan struct{})
	go func() {
		pool.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete after cancellation")
	}
}

// stubClaimSet claims each key at most once and can inject claim errors.
type stubClaimSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
	err  error
}

func (s *stubClaimSet) TryClaim(_ context.Context, key string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = struct{}{}
	return true, nil
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) reasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		if evt.Stage == progress.StageUnitDropped {
			out = append(out, evt.Reason)
		}
	}
	return out
}
