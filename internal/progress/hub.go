package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 4096).
//   - MaxBatchEvents: flush once this many events queue (default 1000).
//   - MaxBatchWait: flush at least this often while events trickle in (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropWarnInterval      = 5 * time.Second
)

// Hub collects crawl events from the pool and the pipeline stages and fans
// them out to the registered sinks in batches. Emit never blocks the engine;
// when the buffer is full events are counted as dropped instead.
type Hub struct {
	cfg      Config
	sinks    []Sink
	events   chan Event
	quit     chan struct{}
	done     chan struct{}
	logger   *zap.Logger
	dropped  atomic.Int64
	lastWarn atomic.Int64
	closing  atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine over the supplied sinks. The returned
// Hub accepts events immediately.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan Event, cfg.BufferSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: cfg.Logger,
	}
	go h.run()
	return h
}

// Emit enqueues an Event for batching. It never blocks; with a full buffer
// the event is dropped and a rate-limited warning is logged.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closing.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		return
	default:
	}
	h.dropped.Add(1)
	h.warnDrops()
}

// warnDrops logs the accumulated drop count at most once per interval.
func (h *Hub) warnDrops() {
	now := time.Now().UnixNano()
	last := h.lastWarn.Load()
	if now-last < dropWarnInterval.Nanoseconds() {
		return
	}
	if !h.lastWarn.CompareAndSwap(last, now) {
		return
	}
	h.logger.Warn("progress events dropped due to backpressure",
		zap.Int64("dropped", h.dropped.Swap(0)),
	)
}

// Close drains remaining events, flushes and closes the sinks, and blocks
// until the background goroutine exits. Safe to call more than once.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closing.Store(true)
		h.closeCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)
	pending := make([]Event, 0, h.cfg.MaxBatchEvents)
	ticker := time.NewTicker(h.cfg.MaxBatchWait)
	defer ticker.Stop()
	for {
		select {
		case evt := <-h.events:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents {
				pending = h.deliver(pending)
			}
		case <-ticker.C:
			pending = h.deliver(pending)
		case <-h.quit:
			h.deliver(h.drainPending(pending))
			h.closeSinks()
			return
		}
	}
}

// drainPending empties whatever is still buffered after quit, flushing full
// batches along the way so the final deliver stays bounded.
func (h *Hub) drainPending(pending []Event) []Event {
	for {
		select {
		case evt := <-h.events:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents {
				pending = h.deliver(pending)
			}
		default:
			return pending
		}
	}
}

// deliver hands one batch to every sink and returns the reusable slice,
// emptied. Sinks receive their own copy so a slow sink cannot observe later
// mutation of the scratch buffer.
func (h *Hub) deliver(pending []Event) []Event {
	if len(pending) == 0 {
		return pending
	}
	batch := make([]Event, len(pending))
	copy(batch, pending)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := h.sinkContext()
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
	return pending[:0]
}

func (h *Hub) sinkContext() (context.Context, context.CancelFunc) {
	if h.cfg.SinkTimeout <= 0 {
		return h.cfg.BaseContext, func() {}
	}
	return context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
