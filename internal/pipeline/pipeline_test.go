package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/deepcrawl/internal/crawler"
	sha256hash "github.com/JakeFAU/deepcrawl/internal/hash/sha256"
	"github.com/JakeFAU/deepcrawl/internal/policy/ratelimit"
	"github.com/JakeFAU/deepcrawl/internal/progress"
	memstore "github.com/JakeFAU/deepcrawl/internal/storage/memory"
	"github.com/JakeFAU/deepcrawl/internal/worker"
)

func mustUnit(t *testing.T, rawURL string, depth int) crawler.WorkUnit {
	t.Helper()
	unit, err := crawler.NewWorkUnit(rawURL, depth)
	require.NoError(t, err)
	return unit
}

// newTestDeps builds a deps set that fetches from the fake, extracts one
// record per page, and stores into the capture sink. Tests override fields
// before calling newPipeline.
func newTestDeps(fetcher crawler.Fetcher, sink crawler.RecordSink) Deps {
	return Deps{
		Fetcher:   fetcher,
		Retry:     crawler.NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond),
		Limiter:   ratelimit.New(ratelimit.Config{}),
		Extractor: &stubExtractor{},
		Sink:      sink,
		Hasher:    sha256hash.New(),
		IDs:       &seqIDs{},
		Clock:     &fixedClock{at: time.Date(2026, 2, 11, 8, 0, 0, 0, time.UTC)},
		Stats:     &crawler.RunStats{},
		RunID:     "run-pipeline-test",
		Logger:    zap.NewNop(),
	}
}

func newPipeline(t *testing.T, cfg Config, deps Deps) *Pipeline {
	t.Helper()
	p, err := New(cfg, deps)
	require.NoError(t, err)
	return p
}

// feed marks every unit in flight and sends it into the entry channel, the
// same accounting the worker pool performs.
func feed(t *testing.T, p *Pipeline, units ...crawler.WorkUnit) {
	t.Helper()
	for _, unit := range units {
		p.deps.Stats.InFlight.Add(1)
		select {
		case p.entry <- unit:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out feeding %s", unit.URL)
		}
	}
}

func TestPipeline_ThreeSeedsThreeStores(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	sink := &captureSink{}
	p := newPipeline(t, Config{}, newTestDeps(fetcher, sink))

	ctx := context.Background()
	p.Start(ctx)
	feed(t, p,
		mustUnit(t, "https://example.com/a", 0),
		mustUnit(t, "https://example.com/b", 0),
		mustUnit(t, "https://example.com/c", 0),
	)
	p.CloseEntry()
	require.NoError(t, p.Wait())

	require.Len(t, sink.Records(), 3)
	stats := p.deps.Stats.Snapshot()
	require.Equal(t, int64(3), stats.Fetched)
	require.Equal(t, int64(3), stats.Extracted)
	require.Equal(t, int64(3), stats.Stored)
	require.Zero(t, stats.FetchFailed)
	require.Zero(t, stats.StoreFailed)
	require.Zero(t, stats.InFlight)
}

func TestPipeline_RetryableStatusRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	unit := mustUnit(t, "https://flaky.example.com/", 0)
	fetcher := newFakeFetcher()
	fetcher.failures[unit.URL] = []error{
		&crawler.HTTPError{StatusCode: 503, URL: unit.URL},
		&crawler.HTTPError{StatusCode: 502, URL: unit.URL},
	}
	sink := &captureSink{}
	p := newPipeline(t, Config{}, newTestDeps(fetcher, sink))

	p.Start(context.Background())
	feed(t, p, unit)
	p.CloseEntry()
	require.NoError(t, p.Wait())

	records := sink.Records()
	require.Len(t, records, 1)
	require.Equal(t, 3, records[0].Attempts)
	require.Equal(t, 3, fetcher.Calls(unit.URL))
	require.Zero(t, p.deps.Stats.InFlight.Load())
}

func TestPipeline_NonRetryableStatusFailsImmediately(t *testing.T) {
	t.Parallel()

	unit := mustUnit(t, "https://gone.example.com/", 0)
	fetcher := newFakeFetcher()
	fetcher.failures[unit.URL] = []error{
		&crawler.HTTPError{StatusCode: 404, URL: unit.URL},
		&crawler.HTTPError{StatusCode: 404, URL: unit.URL},
		&crawler.HTTPError{StatusCode: 404, URL: unit.URL},
	}
	sink := &captureSink{}
	deps := newTestDeps(fetcher, sink)
	emitter := &captureEmitter{}
	deps.Progress = emitter
	p := newPipeline(t, Config{}, deps)

	p.Start(context.Background())
	feed(t, p, unit)
	p.CloseEntry()
	require.NoError(t, p.Wait())

	require.Empty(t, sink.Records())
	require.Equal(t, 1, fetcher.Calls(unit.URL))
	stats := p.deps.Stats.Snapshot()
	require.Equal(t, int64(1), stats.FetchFailed)
	require.Zero(t, stats.InFlight)

	failures := emitter.byStage(progress.StageFetchFailed)
	require.Len(t, failures, 1)
	require.Equal(t, 1, failures[0].Attempts)
	require.Contains(t, failures[0].Reason, "404")
}

func TestPipeline_DiscoveredUnitsFeedBack(t *testing.T) {
	t.Parallel()

	seed := mustUnit(t, "https://example.com/", 0)
	childA := mustUnit(t, "https://example.com/a", 1)
	childB := mustUnit(t, "https://example.com/b", 1)

	fetcher := newFakeFetcher()
	sink := &captureSink{}
	deps := newTestDeps(fetcher, sink)
	deps.Extractor = &stubExtractor{
		fn: func(page crawler.Page) (crawler.Extraction, error) {
			if page.Unit == seed {
				return crawler.Extraction{Title: "seed", Discovered: []crawler.WorkUnit{childA, childB}}, nil
			}
			return crawler.Extraction{Title: "leaf"}, nil
		},
	}
	feedback := &captureSubmitter{}
	deps.Feedback = feedback
	p := newPipeline(t, Config{}, deps)

	p.Start(context.Background())
	feed(t, p, seed)
	p.CloseEntry()
	require.NoError(t, p.Wait())

	require.Equal(t, []crawler.WorkUnit{childA, childB}, feedback.Units())
	stats := p.deps.Stats.Snapshot()
	require.Equal(t, int64(2), stats.Discovered)
	records := sink.Records()
	require.Len(t, records, 1)
	require.Equal(t, 2, records[0].Links)
}

func TestPipeline_FullIntakeCountsOverflowDrops(t *testing.T) {
	t.Parallel()

	seed := mustUnit(t, "https://example.com/", 0)
	child := mustUnit(t, "https://example.com/a", 1)

	fetcher := newFakeFetcher()
	sink := &captureSink{}
	deps := newTestDeps(fetcher, sink)
	deps.Extractor = &stubExtractor{
		fn: func(crawler.Page) (crawler.Extraction, error) {
			return crawler.Extraction{Discovered: []crawler.WorkUnit{child}}, nil
		},
	}
	deps.Feedback = &captureSubmitter{err: worker.ErrIntakeFull}
	emitter := &captureEmitter{}
	deps.Progress = emitter
	p := newPipeline(t, Config{}, deps)

	p.Start(context.Background())
	feed(t, p, seed)
	p.CloseEntry()
	require.NoError(t, p.Wait())

	stats := p.deps.Stats.Snapshot()
	require.Equal(t, int64(1), stats.Discovered)
	require.Equal(t, int64(1), stats.OverflowDropped)
	drops := emitter.byStage(progress.StageUnitDropped)
	require.Len(t, drops, 1)
	require.Equal(t, "overflow", drops[0].Reason)
}

func TestPipeline_ClosedPoolDropsDiscoveredSilently(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	sink := &captureSink{}
	deps := newTestDeps(fetcher, sink)
	deps.Extractor = &stubExtractor{
		fn: func(page crawler.Page) (crawler.Extraction, error) {
			child, _ := page.Unit.Child("/next")
			return crawler.Extraction{Discovered: []crawler.WorkUnit{child}}, nil
		},
	}
	deps.Feedback = &captureSubmitter{err: worker.ErrPoolClosed}
	p := newPipeline(t, Config{}, deps)

	p.Start(context.Background())
	feed(t, p, mustUnit(t, "https://example.com/", 0))
	p.CloseEntry()
	require.NoError(t, p.Wait())

	require.Zero(t, p.deps.Stats.OverflowDropped.Load())
	require.Len(t, sink.Records(), 1)
}

func TestPipeline_SnapshotArchiveSetsURI(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	sink := &captureSink{}
	deps := newTestDeps(fetcher, sink)
	blobs := memstore.NewBlobStore()
	deps.Blobs = blobs
	p := newPipeline(t, Config{SnapshotPrefix: "archive"}, deps)

	p.Start(context.Background())
	feed(t, p, mustUnit(t, "https://example.com/page", 0))
	p.CloseEntry()
	require.NoError(t, p.Wait())

	records := sink.Records()
	require.Len(t, records, 1)
	require.True(t, strings.HasPrefix(records[0].SnapshotURI, "memory://archive/example.com/"), records[0].SnapshotURI)
	require.True(t, strings.HasSuffix(records[0].SnapshotURI, ".html"))
	require.Equal(t, 1, blobs.Len())
	require.Contains(t, records[0].SnapshotURI, records[0].ContentHash)
}

func TestPipeline_HeadlessPromotionReplacesProbe(t *testing.T) {
	t.Parallel()

	unit := mustUnit(t, "https://spa.example.com/", 0)
	fetcher := newFakeFetcher()
	fetcher.body = []byte(`<html><div id="root"></div><script>boot()</script></html>`)
	rendered := []byte("<html><body><p>rendered content</p></body></html>")
	sink := &captureSink{}
	deps := newTestDeps(fetcher, sink)
	deps.Detector = promoteAlways{}
	deps.Headless = &fakeFetcher{body: rendered, failures: map[string][]error{}, calls: map[string]int{}}
	p := newPipeline(t, Config{}, deps)

	p.Start(context.Background())
	feed(t, p, unit)
	p.CloseEntry()
	require.NoError(t, p.Wait())

	records := sink.Records()
	require.Len(t, records, 1)
	require.Equal(t, len(rendered), records[0].Bytes)
	wantHash, err := sha256hash.New().Hash(rendered)
	require.NoError(t, err)
	require.Equal(t, wantHash, records[0].ContentHash)
}

func TestPipeline_StoreErrorsAreStageLocal(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	sink := &captureSink{err: errors.New("disk full")}
	p := newPipeline(t, Config{}, newTestDeps(fetcher, sink))

	p.Start(context.Background())
	feed(t, p,
		mustUnit(t, "https://example.com/a", 0),
		mustUnit(t, "https://example.com/b", 0),
	)
	p.CloseEntry()
	require.NoError(t, p.Wait())

	stats := p.deps.Stats.Snapshot()
	require.Equal(t, int64(2), stats.StoreFailed)
	require.Zero(t, stats.Stored)
	require.Zero(t, stats.InFlight)
}

func TestPipeline_RecordNoticesPublished(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	sink := &captureSink{}
	deps := newTestDeps(fetcher, sink)
	pub := &capturePublisher{}
	deps.Publisher = pub
	p := newPipeline(t, Config{NoticePerRecord: true}, deps)

	p.Start(context.Background())
	feed(t, p, mustUnit(t, "https://example.com/", 0))
	p.CloseEntry()
	require.NoError(t, p.Wait())

	notices := pub.Notices()
	require.Len(t, notices, 1)
	require.Equal(t, crawler.NoticeRecordStored, notices[0].Kind)
	require.Equal(t, "run-pipeline-test", notices[0].RunID)
	require.NotEmpty(t, notices[0].RecordID)
}

func TestPipeline_StalledSinkBoundsBuffering(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	sink := newStallSink()
	deps := newTestDeps(fetcher, sink)
	p := newPipeline(t, Config{EntryCapacity: 2, OutcomeCapacity: 1, RecordCapacity: 1}, deps)

	ctx := context.Background()
	p.Start(ctx)

	// With the sink stalled, everything past the channel bounds must block
	// upstream rather than buffer.
	const total = 8
	fed := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			unit := mustUnitNoT(fmt.Sprintf("https://example.com/p%d", i), 0)
			p.deps.Stats.InFlight.Add(1)
			p.entry <- unit
		}
		close(fed)
	}()

	select {
	case <-fed:
		t.Fatal("feeder finished while the sink was stalled; backpressure did not hold")
	case <-time.After(300 * time.Millisecond):
	}
	require.LessOrEqual(t, len(p.entry), 2)

	sink.release()
	select {
	case <-fed:
	case <-time.After(2 * time.Second):
		t.Fatal("feeder still blocked after the sink recovered")
	}
	p.CloseEntry()
	require.NoError(t, p.Wait())
	require.Equal(t, int64(total), p.deps.Stats.Stored.Load())
	require.Zero(t, p.deps.Stats.InFlight.Load())
}

func TestPipeline_NewValidatesRequiredDeps(t *testing.T) {
	t.Parallel()

	deps := newTestDeps(newFakeFetcher(), &captureSink{})
	deps.Fetcher = nil
	_, err := New(Config{}, deps)
	require.Error(t, err)

	deps = newTestDeps(newFakeFetcher(), &captureSink{})
	deps.Sink = nil
	_, err = New(Config{}, deps)
	require.Error(t, err)

	deps = newTestDeps(newFakeFetcher(), &captureSink{})
	deps.Clock = nil
	_, err = New(Config{}, deps)
	require.Error(t, err)
}

func mustUnitNoT(rawURL string, depth int) crawler.WorkUnit {
	unit, err := crawler.NewWorkUnit(rawURL, depth)
	if err != nil {
		panic(err)
	}
	return unit
}

// fakeFetcher serves a canned body and per-URL scripted failures before
// succeeding.
type fakeFetcher struct {
	mu       sync.Mutex
	body     []byte
	failures map[string][]error
	calls    map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		body:     []byte("<html><head><title>ok</title></head><body>hello</body></html>"),
		failures: map[string][]error{},
		calls:    map[string]int{},
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, unit crawler.WorkUnit) (crawler.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[unit.URL]++
	if queue := f.failures[unit.URL]; len(queue) > 0 {
		err := queue[0]
		f.failures[unit.URL] = queue[1:]
		return crawler.Page{}, err
	}
	return crawler.Page{
		Unit:        unit,
		FinalURL:    unit.URL,
		StatusCode:  200,
		ContentType: "text/html",
		Body:        append([]byte(nil), f.body...),
		Duration:    5 * time.Millisecond,
		FetchedAt:   time.Date(2026, 2, 11, 8, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type stubExtractor struct {
	fn func(crawler.Page) (crawler.Extraction, error)
}

func (s *stubExtractor) Extract(page crawler.Page) (crawler.Extraction, error) {
	if s.fn != nil {
		return s.fn(page)
	}
	return crawler.Extraction{Title: "ok", Text: "hello"}, nil
}

type captureSink struct {
	mu      sync.Mutex
	records []crawler.Record
	err     error
}

func (c *captureSink) Store(_ context.Context, rec crawler.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.records = append(c.records, rec)
	return nil
}

func (c *captureSink) Close(context.Context) error { return nil }

func (c *captureSink) Records() []crawler.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]crawler.Record(nil), c.records...)
}

// stallSink blocks every Store until released.
type stallSink struct {
	gate chan struct{}
	once sync.Once
}

func newStallSink() *stallSink {
	return &stallSink{gate: make(chan struct{})}
}

func (s *stallSink) Store(context.Context, crawler.Record) error {
	<-s.gate
	return nil
}

func (s *stallSink) Close(context.Context) error { return nil }

func (s *stallSink) release() {
	s.once.Do(func() { close(s.gate) })
}

type captureSubmitter struct {
	mu    sync.Mutex
	units []crawler.WorkUnit
	err   error
}

func (c *captureSubmitter) TrySubmit(unit crawler.WorkUnit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.units = append(c.units, unit)
	return nil
}

func (c *captureSubmitter) Units() []crawler.WorkUnit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]crawler.WorkUnit(nil), c.units...)
}

type capturePublisher struct {
	mu      sync.Mutex
	notices []crawler.Notice
}

func (c *capturePublisher) Publish(_ context.Context, notice crawler.Notice) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, notice)
	return fmt.Sprintf("msg-%d", len(c.notices)), nil
}

func (c *capturePublisher) Close() error { return nil }

func (c *capturePublisher) Notices() []crawler.Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]crawler.Notice(nil), c.notices...)
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

func (c *captureEmitter) byStage(stage progress.Stage) []progress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []progress.Event
	for _, evt := range c.events {
		if evt.Stage == stage {
			out = append(out, evt)
		}
	}
	return out
}

type promoteAlways struct{}

func (promoteAlways) ShouldPromote(crawler.Page) bool { return true }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("rec-%04d", s.n), nil
}

type fixedClock struct {
	at time.Time
}

func (f *fixedClock) Now() time.Time { return f.at }
