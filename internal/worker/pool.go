// Package worker implements the claim stage of the crawl engine: a pool of
// workers that drains the bounded intake queue, applies depth and dedup
// checks, and hands claimed units to the fetch pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/deepcrawl/internal/crawler"
	"github.com/JakeFAU/deepcrawl/internal/metrics"
	"github.com/JakeFAU/deepcrawl/internal/policy/admit"
	"github.com/JakeFAU/deepcrawl/internal/progress"
	memqueue "github.com/JakeFAU/deepcrawl/internal/queue/memory"
)

// Sentinel errors surfaced to submitters.
var (
	// ErrPoolClosed reports a submit after shutdown began. Callers treat it
	// as the "crawl is ending" signal and drop the unit silently.
	ErrPoolClosed = errors.New("worker pool closed")
	// ErrIntakeFull reports a non-blocking submit against a full intake.
	ErrIntakeFull = errors.New("intake queue full")
)

// Config controls pool sizing and the depth cutoff.
type Config struct {
	// Workers is the number of claim workers (default 8).
	Workers int
	// IntakeCapacity bounds the shared intake queue (default 100).
	IntakeCapacity int
	// MaxDepth is the deepest link distance still crawled; units beyond it
	// are dropped before claiming. Negative means unlimited.
	MaxDepth int
}

const (
	defaultWorkers        = 8
	defaultIntakeCapacity = 100
)

// Pool owns the intake queue and the claim workers. Every unit enters the
// engine through Submit or TrySubmit and leaves the pool either dropped
// (with a counted reason) or claimed and sent into the pipeline entry.
type Pool struct {
	cfg      Config
	intake   *memqueue.Intake
	seen     crawler.ClaimSet
	admit    *admit.Policy
	out      chan<- crawler.WorkUnit
	stats    *crawler.RunStats
	progress progress.Emitter
	runID    string
	clock    crawler.Clock
	logger   *zap.Logger

	wg      sync.WaitGroup
	started atomic.Bool
	active  atomic.Int64
}

// New constructs a Pool around its collaborators. The admission policy and
// progress emitter may be nil; everything else is required.
func New(
	cfg Config,
	seen crawler.ClaimSet,
	admitPolicy *admit.Policy,
	out chan<- crawler.WorkUnit,
	stats *crawler.RunStats,
	emitter progress.Emitter,
	runID string,
	clock crawler.Clock,
	logger *zap.Logger,
) (*Pool, error) {
	if seen == nil {
		return nil, fmt.Errorf("worker pool: claim set is required")
	}
	if out == nil {
		return nil, fmt.Errorf("worker pool: pipeline entry channel is required")
	}
	if stats == nil {
		return nil, fmt.Errorf("worker pool: run stats are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.IntakeCapacity <= 0 {
		cfg.IntakeCapacity = defaultIntakeCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:      cfg,
		intake:   memqueue.NewIntake(cfg.IntakeCapacity),
		seen:     seen,
		admit:    admitPolicy,
		out:      out,
		stats:    stats,
		progress: emitter,
		runID:    runID,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Submit enqueues a unit, blocking while the intake is full. Units rejected
// by the admission policy are counted, dropped, and reported as nil. Returns
// ErrPoolClosed once shutdown has begun.
func (p *Pool) Submit(ctx context.Context, unit crawler.WorkUnit) error {
	if !p.admitted(unit) {
		return nil
	}
	if err := p.intake.Submit(ctx, unit); err != nil {
		if errors.Is(err, memqueue.ErrClosed) {
			return ErrPoolClosed
		}
		return err
	}
	p.noteSubmitted()
	return nil
}

// TrySubmit enqueues a unit without blocking. It returns ErrIntakeFull when
// the intake has no room and ErrPoolClosed once shutdown has begun; the
// caller decides whether a full intake is a drop or a retry.
func (p *Pool) TrySubmit(unit crawler.WorkUnit) error {
	if !p.admitted(unit) {
		return nil
	}
	if err := p.intake.TrySubmit(unit); err != nil {
		switch {
		case errors.Is(err, memqueue.ErrClosed):
			return ErrPoolClosed
		case errors.Is(err, memqueue.ErrFull):
			return ErrIntakeFull
		}
		return err
	}
	p.noteSubmitted()
	return nil
}

// Start launches the claim workers. It is a no-op after the first call.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx)
	}
}

// Shutdown closes the intake and joins every worker. Units already claimed
// keep flowing through the pipeline; units still queued are drained by the
// workers before they exit.
func (p *Pool) Shutdown() {
	p.intake.Close()
	p.wg.Wait()
}

// QueueLen reports the number of units currently buffered in the intake.
func (p *Pool) QueueLen() int {
	return p.intake.Len()
}

// Active reports how many workers are currently processing a received unit.
// Together with QueueLen and the in-flight counter it lets the supervisor
// detect quiescence without racing the claim window.
func (p *Pool) Active() int64 {
	return p.active.Load()
}

func (p *Pool) runWorker(ctx context.Context) {
	defer p.wg.Done()
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	for unit := range p.intake.Items() {
		metrics.SetIntakeDepth(p.intake.Len())
		if ctx.Err() != nil {
			return
		}
		p.active.Add(1)
		p.processUnit(ctx, unit)
		p.active.Add(-1)
	}
}

func (p *Pool) processUnit(ctx context.Context, unit crawler.WorkUnit) {
	if p.cfg.MaxDepth >= 0 && unit.Depth > p.cfg.MaxDepth {
		p.stats.DepthDropped.Add(1)
		p.dropUnit(unit, "depth")
		return
	}
	claimed, err := p.seen.TryClaim(ctx, unit.Key())
	if err != nil {
		p.logger.Warn("unit claim failed",
			zap.String("url", unit.URL),
			zap.Error(err),
		)
		p.dropUnit(unit, "claim_error")
		return
	}
	if !claimed {
		p.stats.Deduped.Add(1)
		p.dropUnit(unit, "dedup")
		return
	}
	select {
	case p.out <- unit:
		p.stats.InFlight.Add(1)
	case <-ctx.Done():
	}
}

func (p *Pool) admitted(unit crawler.WorkUnit) bool {
	if p.admit == nil || p.admit.AllowHost(unit.Host()) {
		return true
	}
	p.stats.PolicyDropped.Add(1)
	p.dropUnit(unit, "policy")
	return false
}

func (p *Pool) noteSubmitted() {
	p.stats.Submitted.Add(1)
	metrics.SetIntakeDepth(p.intake.Len())
}

func (p *Pool) dropUnit(unit crawler.WorkUnit, reason string) {
	metrics.ObserveDrop(reason)
	if p.progress != nil {
		p.progress.Emit(progress.Event{
			RunID:  p.runID,
			TS:     p.now(),
			Stage:  progress.StageUnitDropped,
			Host:   unit.Host(),
			URL:    unit.URL,
			Depth:  unit.Depth,
			Reason: reason,
		})
	}
	p.logger.Debug("unit dropped",
		zap.String("url", unit.URL),
		zap.Int("depth", unit.Depth),
		zap.String("reason", reason),
	)
}

func (p *Pool) now() time.Time {
	if p.clock != nil {
		return p.clock.Now()
	}
	return time.Now().UTC()
}
