// Package supervisor assembles the crawl engine and drives one run through
// its lifecycle: seed the pool, crawl until the frontier is exhausted or the
// context is canceled, drain the pipeline, and report the summary.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/deepcrawl/internal/config"
	"github.com/JakeFAU/deepcrawl/internal/crawler"
	headlessfetcher "github.com/JakeFAU/deepcrawl/internal/fetcher/headless"
	"github.com/JakeFAU/deepcrawl/internal/pipeline"
	"github.com/JakeFAU/deepcrawl/internal/progress"
	"github.com/JakeFAU/deepcrawl/internal/worker"
)

// State is the lifecycle phase of a run. Transitions move strictly forward:
// Starting, Running, Draining, Stopped.
type State int32

// Run lifecycle states.
const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

const (
	idlePollInterval = 100 * time.Millisecond
	// idlePollsRequired debounces the instant between a worker receiving a
	// unit and marking itself active, which would otherwise read as idle.
	idlePollsRequired = 3

	opsShutdownTimeout = 10 * time.Second
	publishTimeout     = 5 * time.Second
)

// Supervisor owns one crawl run end to end. Build wires its collaborators;
// Run drives them and releases them when the run is over.
type Supervisor struct {
	cfg    config.Config
	logger *zap.Logger
	runID  string
	clock  crawler.Clock
	stats  *crawler.RunStats

	pool      *worker.Pool
	pipe      *pipeline.Pipeline
	hub       *progress.Hub
	sink      crawler.RecordSink
	pub       crawler.Publisher
	headless  *headlessfetcher.Fetcher
	seenClose func() error

	ops *http.Server

	state     atomic.Int32
	startedAt time.Time
}

// RunID returns the identifier assigned to this run.
func (s *Supervisor) RunID() string { return s.runID }

// Run executes the crawl. It blocks until the frontier is exhausted (when
// exit_when_idle is set), or until ctx is canceled, then drains the engine
// within the configured drain budget. The returned error reports seeding
// failures and drains that had to be cut short; a crawl with fetch failures
// still returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	s.setState(StateStarting)
	s.logger.Info("run starting",
		zap.String("run_id", s.runID),
		zap.Strings("seeds", s.cfg.Crawl.Seeds),
		zap.Int("max_depth", s.cfg.Crawl.MaxDepth),
		zap.Int("workers", s.cfg.Pool.Workers),
	)
	s.emit(progress.Event{
		RunID: s.runID,
		TS:    s.clock.Now(),
		Stage: progress.StageRunStart,
	})

	// The engine context deliberately does not descend from ctx: a canceled
	// run still drains gracefully, and only the drain watchdog hard-stops
	// the stages.
	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()

	s.pool.Start(engineCtx)
	s.pipe.Start(engineCtx)
	s.startOps()

	seedErr := s.seed(ctx)
	if seedErr == nil {
		s.setState(StateRunning)
		s.waitActive(ctx)
	} else {
		s.logger.Error("seeding failed", zap.Error(seedErr))
	}

	s.setState(StateDraining)
	drainErr := s.drain(engineCancel)

	runErr := seedErr
	if runErr == nil {
		runErr = drainErr
	}
	s.report(s.stats.Snapshot(), runErr)
	s.setState(StateStopped)
	s.shutdown()
	return runErr
}

// seed submits the configured start URLs at depth zero. Submission blocks on
// a full intake, so the pool must already be running.
func (s *Supervisor) seed(ctx context.Context) error {
	if len(s.cfg.Crawl.Seeds) == 0 {
		return errors.New("no seeds configured")
	}
	submitted := 0
	for _, raw := range s.cfg.Crawl.Seeds {
		unit, err := crawler.NewWorkUnit(raw, 0)
		if err != nil {
			s.logger.Warn("seed skipped", zap.String("url", raw), zap.Error(err))
			continue
		}
		if err := s.pool.Submit(ctx, unit); err != nil {
			return fmt.Errorf("submit seed %s: %w", unit.URL, err)
		}
		submitted++
	}
	if submitted == 0 {
		return errors.New("no valid seeds")
	}
	return nil
}

// waitActive blocks until the run should stop: the context is canceled, or
// the engine holds no queued, claimed, or in-flight work.
func (s *Supervisor) waitActive(ctx context.Context) {
	if !s.cfg.Crawl.ExitWhenIdle {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()
	streak := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.quiescent() {
				streak = 0
				continue
			}
			streak++
			if streak >= idlePollsRequired {
				s.logger.Info("frontier exhausted")
				return
			}
		}
	}
}

// quiescent reports whether no unit is queued, being claimed, or in flight.
func (s *Supervisor) quiescent() bool {
	return s.pool.QueueLen() == 0 && s.pool.Active() == 0 && s.stats.InFlight.Load() == 0
}

// drain stops intake and waits for in-flight work to settle. When the drain
// budget expires, the engine context is canceled and whatever was still
// running is abandoned; the summary then reports a nonzero in-flight count.
func (s *Supervisor) drain(engineCancel context.CancelFunc) error {
	s.logger.Info("draining",
		zap.Int("intake_depth", s.pool.QueueLen()),
		zap.Int64("in_flight", s.stats.InFlight.Load()),
	)
	done := make(chan error, 1)
	go func() {
		s.pool.Shutdown()
		s.pipe.CloseEntry()
		done <- s.pipe.Wait()
	}()

	timer := time.NewTimer(s.cfg.DrainTimeout())
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		s.logger.Warn("drain timeout exceeded, abandoning in-flight work",
			zap.Duration("timeout", s.cfg.DrainTimeout()),
		)
		engineCancel()
		<-done
		return fmt.Errorf("drain timed out after %s", s.cfg.DrainTimeout())
	}
}

// report emits the terminal run event, publishes the run-completed notice,
// and logs the final counters.
func (s *Supervisor) report(summary crawler.Summary, runErr error) {
	dur := s.clock.Now().Sub(s.startedAt)
	evt := progress.Event{
		RunID: s.runID,
		TS:    s.clock.Now(),
		Stage: progress.StageRunDone,
		Dur:   dur,
	}
	if runErr != nil {
		evt.Stage = progress.StageRunError
		evt.Reason = runErr.Error()
	}
	s.emit(evt)

	notice := crawler.Notice{
		Kind:    crawler.NoticeRunCompleted,
		RunID:   s.runID,
		Summary: &summary,
		At:      s.clock.Now(),
	}
	pubCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if _, err := s.pub.Publish(pubCtx, notice); err != nil {
		s.logger.Warn("run notice publish failed", zap.Error(err))
	}

	s.logger.Info("run finished",
		zap.String("run_id", s.runID),
		zap.Duration("duration", dur),
		zap.Int64("submitted", summary.Submitted),
		zap.Int64("fetched", summary.Fetched),
		zap.Int64("fetch_failed", summary.FetchFailed),
		zap.Int64("stored", summary.Stored),
		zap.Int64("store_failed", summary.StoreFailed),
		zap.Int64("discovered", summary.Discovered),
		zap.Int64("deduped", summary.Deduped),
		zap.Int64("depth_dropped", summary.DepthDropped),
		zap.Int64("policy_dropped", summary.PolicyDropped),
		zap.Int64("overflow_dropped", summary.OverflowDropped),
		zap.Int64("in_flight", summary.InFlight),
	)
}

// shutdown releases every collaborator. The hub closes right after the ops
// server so the terminal run event still reaches the sinks.
func (s *Supervisor) shutdown() {
	s.stopOps()
	closeCtx, cancel := context.WithTimeout(context.Background(), opsShutdownTimeout)
	defer cancel()
	if err := s.hub.Close(closeCtx); err != nil {
		s.logger.Warn("progress hub close failed", zap.Error(err))
	}
	if err := s.sink.Close(closeCtx); err != nil {
		s.logger.Warn("record sink close failed", zap.Error(err))
	}
	if err := s.pub.Close(); err != nil {
		s.logger.Warn("publisher close failed", zap.Error(err))
	}
	if s.headless != nil {
		s.headless.Close()
	}
	if s.seenClose != nil {
		if err := s.seenClose(); err != nil {
			s.logger.Warn("claim set close failed", zap.Error(err))
		}
	}
}

func (s *Supervisor) startOps() {
	if s.ops == nil {
		return
	}
	go func() {
		s.logger.Info("ops server started", zap.String("addr", s.ops.Addr))
		if err := s.ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server error", zap.Error(err))
		}
	}()
}

func (s *Supervisor) stopOps() {
	if s.ops == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), opsShutdownTimeout)
	defer cancel()
	if err := s.ops.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("ops server shutdown failed", zap.Error(err))
	}
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
	s.logger.Info("run state changed", zap.Stringer("state", st))
}

func (s *Supervisor) currentState() State {
	return State(s.state.Load())
}

func (s *Supervisor) emit(evt progress.Event) {
	s.hub.Emit(evt)
}
