// Package pipeline wires the Fetch, Extract, and Store stages of the crawl
// engine over bounded channels. Each stage is one goroutine looping over its
// inbound channel; a closed and drained inbound channel is the only
// termination signal, and every stage closes its own outbound channel on the
// way out so the drain chains downstream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/deepcrawl/internal/crawler"
	"github.com/JakeFAU/deepcrawl/internal/metrics"
	"github.com/JakeFAU/deepcrawl/internal/policy/ratelimit"
	"github.com/JakeFAU/deepcrawl/internal/progress"
	"github.com/JakeFAU/deepcrawl/internal/worker"
)

const defaultChannelCapacity = 64

// Submitter feeds discovered units back to the intake without blocking. The
// worker pool satisfies this interface.
type Submitter interface {
	TrySubmit(unit crawler.WorkUnit) error
}

// Config sizes the stage channels and toggles the optional side effects.
type Config struct {
	// EntryCapacity bounds the claimed-unit channel the pool forwards into.
	EntryCapacity int
	// OutcomeCapacity bounds the fetch-outcome channel.
	OutcomeCapacity int
	// RecordCapacity bounds the record channel.
	RecordCapacity int
	// SnapshotPrefix is the blob path prefix for archived page bodies.
	SnapshotPrefix string
	// NoticePerRecord publishes a notice for every stored record.
	NoticePerRecord bool
}

// Deps are the collaborators the stages run against. Fetcher, Extractor,
// Sink, Limiter, Hasher, IDs, Clock, and Stats are required; the rest are
// optional features that switch off when nil.
type Deps struct {
	Fetcher   crawler.Fetcher
	Headless  crawler.Fetcher
	Detector  crawler.HeadlessDetector
	Retry     *crawler.ExponentialRetryPolicy
	Limiter   *ratelimit.Limiter
	Extractor crawler.Extractor
	Sink      crawler.RecordSink
	Blobs     crawler.BlobStore
	Publisher crawler.Publisher
	Hasher    crawler.Hasher
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
	Stats     *crawler.RunStats
	Feedback  Submitter
	Progress  progress.Emitter
	RunID     string
	Logger    *zap.Logger
}

// Pipeline owns the three stage goroutines and the channels between them.
type Pipeline struct {
	cfg  Config
	deps Deps

	entry    chan crawler.WorkUnit
	outcomes chan crawler.FetchOutcome
	records  chan crawler.Record

	entryOnce sync.Once
	startOnce sync.Once
	group     *errgroup.Group
}

// New validates the collaborators and allocates the stage channels. No
// goroutine is spawned until Start.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("pipeline: fetcher is required")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("pipeline: extractor is required")
	case deps.Sink == nil:
		return nil, fmt.Errorf("pipeline: record sink is required")
	case deps.Limiter == nil:
		return nil, fmt.Errorf("pipeline: rate limiter is required")
	case deps.Hasher == nil:
		return nil, fmt.Errorf("pipeline: hasher is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("pipeline: id generator is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("pipeline: clock is required")
	case deps.Stats == nil:
		return nil, fmt.Errorf("pipeline: run stats are required")
	}
	if deps.Retry == nil {
		deps.Retry = crawler.NewExponentialRetryPolicy()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.EntryCapacity <= 0 {
		cfg.EntryCapacity = defaultChannelCapacity
	}
	if cfg.OutcomeCapacity <= 0 {
		cfg.OutcomeCapacity = defaultChannelCapacity
	}
	if cfg.RecordCapacity <= 0 {
		cfg.RecordCapacity = defaultChannelCapacity
	}
	if cfg.SnapshotPrefix == "" {
		cfg.SnapshotPrefix = "snapshots"
	}
	return &Pipeline{
		cfg:      cfg,
		deps:     deps,
		entry:    make(chan crawler.WorkUnit, cfg.EntryCapacity),
		outcomes: make(chan crawler.FetchOutcome, cfg.OutcomeCapacity),
		records:  make(chan crawler.Record, cfg.RecordCapacity),
	}, nil
}

// Entry returns the channel the worker pool forwards claimed units into.
func (p *Pipeline) Entry() chan<- crawler.WorkUnit {
	return p.entry
}

// SetFeedback wires the submitter that receives discovered units. The pool
// is built after the pipeline (it needs the entry channel), so the feedback
// edge is closed here. Must be called before Start.
func (p *Pipeline) SetFeedback(s Submitter) {
	p.deps.Feedback = s
}

// CloseEntry closes the entry channel exactly once, starting the drain chain
// Fetch → Extract → Store. Callers must guarantee no sender remains.
func (p *Pipeline) CloseEntry() {
	p.entryOnce.Do(func() {
		close(p.entry)
	})
}

// Start spawns the three stage goroutines. The provided context is the
// hard-stop switch: stages drain to completion on channel closure and only
// abandon work when ctx is canceled.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		g := &errgroup.Group{}
		g.Go(func() error { return p.runFetchStage(ctx) })
		g.Go(func() error { return p.runExtractStage(ctx) })
		g.Go(func() error { return p.runStoreStage(ctx) })
		p.group = g
	})
}

// Wait blocks until every stage has exited.
func (p *Pipeline) Wait() error {
	if p.group == nil {
		return nil
	}
	return p.group.Wait()
}

func (p *Pipeline) runFetchStage(ctx context.Context) error {
	defer close(p.outcomes)
	for unit := range p.entry {
		outcome := p.fetchUnit(ctx, unit)
		select {
		case p.outcomes <- outcome:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (p *Pipeline) runExtractStage(ctx context.Context) error {
	defer close(p.records)
	for outcome := range p.outcomes {
		switch v := outcome.(type) {
		case crawler.Page:
			rec, ok := p.extractPage(ctx, v)
			if !ok {
				continue
			}
			select {
			case p.records <- rec:
			case <-ctx.Done():
				return nil
			}
		case crawler.FetchFailure:
			p.settleFailure(v)
		}
	}
	return nil
}

func (p *Pipeline) runStoreStage(ctx context.Context) error {
	for rec := range p.records {
		p.storeRecord(ctx, rec)
	}
	return nil
}

// fetchUnit runs the per-unit retry loop: one rate-limit acquire per attempt,
// exponential backoff with jitter between attempts, and a typed FetchFailure
// once the error is terminal or the attempt budget is spent. The unit's dedup
// claim is retained across retries.
func (p *Pipeline) fetchUnit(ctx context.Context, unit crawler.WorkUnit) crawler.FetchOutcome {
	started := time.Now()
	var lastErr error
	attempt := 1
	for {
		if err := p.deps.Limiter.Wait(ctx, unit.URL); err != nil {
			lastErr = err
			break
		}
		page, err := p.deps.Fetcher.Fetch(ctx, unit)
		if err == nil {
			page = p.maybePromote(ctx, unit, page)
			page.Attempts = attempt
			p.noteFetched(page)
			return page
		}
		lastErr = err
		if !p.deps.Retry.ShouldRetry(err, attempt) {
			break
		}
		p.deps.Logger.Debug("fetch attempt failed, retrying",
			zap.String("url", unit.URL),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if !sleepCtx(ctx, p.deps.Retry.Backoff(attempt)) {
			break
		}
		attempt++
	}
	failure := crawler.FetchFailure{
		Unit:     unit,
		Err:      lastErr,
		Attempts: attempt,
		Duration: time.Since(started),
		At:       p.deps.Clock.Now(),
	}
	p.noteFetchFailed(failure)
	return failure
}

// maybePromote refetches through the headless browser when the probe body
// looks like a JavaScript shell. Promotion consumes its own rate-limit token;
// a failed promotion falls back to the probe page.
func (p *Pipeline) maybePromote(ctx context.Context, unit crawler.WorkUnit, page crawler.Page) crawler.Page {
	if p.deps.Headless == nil || p.deps.Detector == nil {
		return page
	}
	if !p.deps.Detector.ShouldPromote(page) {
		return page
	}
	if err := p.deps.Limiter.Wait(ctx, unit.URL); err != nil {
		return page
	}
	promoted, err := p.deps.Headless.Fetch(ctx, unit)
	if err != nil {
		p.deps.Logger.Warn("headless promotion failed",
			zap.String("url", unit.URL),
			zap.Error(err),
		)
		return page
	}
	promoted.UsedHeadless = true
	p.deps.Logger.Info("headless promotion applied", zap.String("url", unit.URL))
	return promoted
}

func (p *Pipeline) extractPage(ctx context.Context, page crawler.Page) (crawler.Record, bool) {
	ext, err := p.deps.Extractor.Extract(page)
	if err != nil {
		p.settleDropped(page, "extract_error", err)
		return crawler.Record{}, false
	}
	p.feedDiscovered(ext.Discovered)
	rec, err := p.buildRecord(ctx, page, ext)
	if err != nil {
		p.settleDropped(page, "record_error", err)
		return crawler.Record{}, false
	}
	p.deps.Stats.Extracted.Add(1)
	return rec, true
}

// feedDiscovered routes child units back to the intake. The submit is
// non-blocking: a full intake drops the unit (counted) instead of deadlocking
// the extract stage against its own backpressure, and a closed pool means the
// crawl is ending, so the unit is dropped silently.
func (p *Pipeline) feedDiscovered(discovered []crawler.WorkUnit) {
	if len(discovered) == 0 {
		return
	}
	p.deps.Stats.Discovered.Add(int64(len(discovered)))
	if p.deps.Feedback == nil {
		return
	}
	for _, child := range discovered {
		err := p.deps.Feedback.TrySubmit(child)
		switch {
		case err == nil:
		case errors.Is(err, worker.ErrIntakeFull):
			p.deps.Stats.OverflowDropped.Add(1)
			metrics.ObserveDrop("overflow")
			p.emitEvent(progress.Event{
				RunID:  p.deps.RunID,
				TS:     p.deps.Clock.Now(),
				Stage:  progress.StageUnitDropped,
				Host:   child.Host(),
				URL:    child.URL,
				Depth:  child.Depth,
				Reason: "overflow",
			})
			p.deps.Logger.Debug("discovered unit dropped, intake full", zap.String("url", child.URL))
		case errors.Is(err, worker.ErrPoolClosed):
		default:
			p.deps.Logger.Warn("discovered unit submit failed",
				zap.String("url", child.URL),
				zap.Error(err),
			)
		}
	}
}

func (p *Pipeline) buildRecord(ctx context.Context, page crawler.Page, ext crawler.Extraction) (crawler.Record, error) {
	hash, err := p.deps.Hasher.Hash(page.Body)
	if err != nil {
		return crawler.Record{}, fmt.Errorf("hash body: %w", err)
	}
	id, err := p.deps.IDs.NewID()
	if err != nil {
		return crawler.Record{}, fmt.Errorf("new record id: %w", err)
	}
	recURL := page.FinalURL
	if recURL == "" {
		recURL = page.Unit.URL
	}
	return crawler.Record{
		ID:          id,
		URL:         recURL,
		Host:        page.Unit.Host(),
		Depth:       page.Unit.Depth,
		Title:       ext.Title,
		Text:        ext.Text,
		ContentHash: hash,
		StatusCode:  page.StatusCode,
		Attempts:    page.Attempts,
		Bytes:       len(page.Body),
		Links:       len(ext.Discovered),
		SnapshotURI: p.archiveSnapshot(ctx, page, hash),
		FetchedAt:   page.FetchedAt,
	}, nil
}

// archiveSnapshot writes the raw body to the blob store before the body is
// released downstream. Archive failures degrade to a record without a
// snapshot URI; they never drop the record.
func (p *Pipeline) archiveSnapshot(ctx context.Context, page crawler.Page, hash string) string {
	if p.deps.Blobs == nil {
		return ""
	}
	contentType := page.ContentType
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	path := fmt.Sprintf("%s/%s/%s.html", p.cfg.SnapshotPrefix, page.Unit.Host(), hash)
	uri, err := p.deps.Blobs.PutObject(ctx, path, contentType, page.Body)
	if err != nil {
		p.deps.Logger.Warn("snapshot archive failed",
			zap.String("url", page.Unit.URL),
			zap.Error(err),
		)
		return ""
	}
	return uri
}

func (p *Pipeline) storeRecord(ctx context.Context, rec crawler.Record) {
	defer p.deps.Stats.InFlight.Add(-1)
	if err := p.deps.Sink.Store(ctx, rec); err != nil {
		p.deps.Stats.StoreFailed.Add(1)
		p.deps.Logger.Error("record store failed",
			zap.String("record_id", rec.ID),
			zap.String("url", rec.URL),
			zap.Error(err),
		)
		return
	}
	p.deps.Stats.Stored.Add(1)
	p.emitEvent(progress.Event{
		RunID: p.deps.RunID,
		TS:    p.deps.Clock.Now(),
		Stage: progress.StageRecordStored,
		Host:  rec.Host,
		URL:   rec.URL,
		Depth: rec.Depth,
		Bytes: int64(rec.Bytes),
	})
	p.publishStored(ctx, rec)
}

func (p *Pipeline) publishStored(ctx context.Context, rec crawler.Record) {
	if p.deps.Publisher == nil || !p.cfg.NoticePerRecord {
		return
	}
	notice := crawler.Notice{
		Kind:     crawler.NoticeRecordStored,
		RunID:    p.deps.RunID,
		URL:      rec.URL,
		RecordID: rec.ID,
		At:       p.deps.Clock.Now(),
	}
	if _, err := p.deps.Publisher.Publish(ctx, notice); err != nil {
		p.deps.Logger.Warn("record notice publish failed",
			zap.String("record_id", rec.ID),
			zap.Error(err),
		)
	}
}

func (p *Pipeline) noteFetched(page crawler.Page) {
	p.deps.Stats.Fetched.Add(1)
	metrics.ObservePageFetched(page.Unit.URL, page.StatusCode, len(page.Body))
	p.emitEvent(progress.Event{
		RunID:       p.deps.RunID,
		TS:          p.deps.Clock.Now(),
		Stage:       progress.StageFetchDone,
		Host:        page.Unit.Host(),
		URL:         page.Unit.URL,
		Depth:       page.Unit.Depth,
		Bytes:       int64(len(page.Body)),
		Attempts:    page.Attempts,
		StatusClass: progress.ClassifyStatus(page.StatusCode),
		Dur:         page.Duration,
	})
}

func (p *Pipeline) noteFetchFailed(failure crawler.FetchFailure) {
	p.deps.Stats.FetchFailed.Add(1)
	reason := "fetch failed"
	if failure.Err != nil {
		reason = failure.Err.Error()
	}
	p.deps.Logger.Warn("fetch failed",
		zap.String("url", failure.Unit.URL),
		zap.Int("attempts", failure.Attempts),
		zap.Error(failure.Err),
	)
	p.emitEvent(progress.Event{
		RunID:    p.deps.RunID,
		TS:       p.deps.Clock.Now(),
		Stage:    progress.StageFetchFailed,
		Host:     failure.Unit.Host(),
		URL:      failure.Unit.URL,
		Depth:    failure.Unit.Depth,
		Attempts: failure.Attempts,
		Dur:      failure.Duration,
		Reason:   reason,
	})
}

// settleFailure is the terminal handling for a unit whose fetch never
// produced a page; the fetch stage already counted and reported it.
func (p *Pipeline) settleFailure(failure crawler.FetchFailure) {
	p.deps.Stats.InFlight.Add(-1)
	p.deps.Logger.Debug("unit settled without a page",
		zap.String("url", failure.Unit.URL),
		zap.Int("attempts", failure.Attempts),
	)
}

func (p *Pipeline) settleDropped(page crawler.Page, reason string, err error) {
	p.deps.Stats.InFlight.Add(-1)
	metrics.ObserveDrop(reason)
	p.deps.Logger.Warn("page dropped in extract stage",
		zap.String("url", page.Unit.URL),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

func (p *Pipeline) emitEvent(evt progress.Event) {
	if p.deps.Progress == nil {
		return
	}
	p.deps.Progress.Emit(evt)
}

// sleepCtx waits d, reporting false when ctx is canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
