package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/deepcrawl/internal/api"
	"github.com/JakeFAU/deepcrawl/internal/clock/system"
	"github.com/JakeFAU/deepcrawl/internal/config"
	"github.com/JakeFAU/deepcrawl/internal/crawler"
	"github.com/JakeFAU/deepcrawl/internal/extract"
	collyfetcher "github.com/JakeFAU/deepcrawl/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/deepcrawl/internal/fetcher/headless"
	"github.com/JakeFAU/deepcrawl/internal/hash/sha256"
	"github.com/JakeFAU/deepcrawl/internal/headless/detector"
	"github.com/JakeFAU/deepcrawl/internal/id/uuid"
	"github.com/JakeFAU/deepcrawl/internal/metrics"
	"github.com/JakeFAU/deepcrawl/internal/pipeline"
	"github.com/JakeFAU/deepcrawl/internal/policy/admit"
	"github.com/JakeFAU/deepcrawl/internal/policy/ratelimit"
	"github.com/JakeFAU/deepcrawl/internal/progress"
	"github.com/JakeFAU/deepcrawl/internal/progress/sinks"
	"github.com/JakeFAU/deepcrawl/internal/publisher"
	seenbloom "github.com/JakeFAU/deepcrawl/internal/seen/bloom"
	seenmemory "github.com/JakeFAU/deepcrawl/internal/seen/memory"
	seenredis "github.com/JakeFAU/deepcrawl/internal/seen/redis"
	"github.com/JakeFAU/deepcrawl/internal/storage/blob"
	gcsstorage "github.com/JakeFAU/deepcrawl/internal/storage/gcs"
	localstorage "github.com/JakeFAU/deepcrawl/internal/storage/local"
	memorystorage "github.com/JakeFAU/deepcrawl/internal/storage/memory"
	"github.com/JakeFAU/deepcrawl/internal/storage/postgres"
	"github.com/JakeFAU/deepcrawl/internal/worker"
)

// Build assembles a Supervisor from configuration. Everything that can fail
// fails here, before any goroutine is spawned.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	clock := system.New()
	ids := uuid.New()
	runID, err := ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	stats := &crawler.RunStats{}

	seen, seenClose, err := buildClaimSet(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize claim set: %w", err)
	}
	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize blob store: %w", err)
	}
	sink, err := buildRecordSink(ctx, cfg, blobs)
	if err != nil {
		return nil, fmt.Errorf("initialize record sink: %w", err)
	}
	pub, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize publisher: %w", err)
	}
	hub, err := buildProgressHub(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize progress hub: %w", err)
	}

	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Crawl.UserAgent,
		Timeout:      cfg.FetchTimeout(),
		MaxBodyBytes: int(cfg.Pipeline.MaxBodyBytes),
		MaxIdleConns: cfg.HTTP.MaxIdleConns,
		IdleTimeout:  time.Duration(cfg.HTTP.IdleTimeoutSec) * time.Second,
	})
	headless, detect := buildHeadless(cfg, logger)

	var archive crawler.BlobStore
	if cfg.Storage.ArchiveHTML {
		archive = blobs
	}
	var headlessFetcher crawler.Fetcher
	if headless != nil {
		headlessFetcher = headless
	}

	pipe, err := pipeline.New(pipeline.Config{
		EntryCapacity:   cfg.Pipeline.FetchBuffer,
		OutcomeCapacity: cfg.Pipeline.OutcomeBuffer,
		RecordCapacity:  cfg.Pipeline.RecordBuffer,
		SnapshotPrefix:  cfg.Storage.Prefix,
		NoticePerRecord: cfg.PubSub.Enabled && cfg.PubSub.PerRecord,
	}, pipeline.Deps{
		Fetcher:   probe,
		Headless:  headlessFetcher,
		Detector:  detect,
		Retry:     crawler.NewRetryPolicy(cfg.HTTP.MaxAttempts, cfg.BackoffInitial(), cfg.BackoffMax()),
		Limiter: ratelimit.New(ratelimit.Config{
			RPS:          cfg.RateLimit.RPS,
			Burst:        cfg.RateLimit.Burst,
			PerHostRPS:   cfg.RateLimit.PerHostRPS,
			PerHostBurst: cfg.RateLimit.PerHostBurst,
		}),
		Extractor: extract.NewGoquery(),
		Sink:      sink,
		Blobs:     archive,
		Publisher: pub,
		Hasher:    sha256.New(),
		IDs:       ids,
		Clock:     clock,
		Stats:     stats,
		Progress:  hub,
		RunID:     runID,
		Logger:    logger.Named("pipeline"),
	})
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	pool, err := worker.New(
		worker.Config{
			Workers:        cfg.Pool.Workers,
			IntakeCapacity: cfg.Pool.IntakeCapacity,
			MaxDepth:       cfg.Crawl.MaxDepth,
		},
		seen,
		admit.New(cfg.Crawl.AllowedHosts, cfg.Crawl.DeniedHosts),
		pipe.Entry(),
		stats,
		hub,
		runID,
		clock,
		logger.Named("worker"),
	)
	if err != nil {
		return nil, fmt.Errorf("build worker pool: %w", err)
	}
	pipe.SetFeedback(pool)

	s := &Supervisor{
		cfg:       cfg,
		logger:    logger,
		runID:     runID,
		clock:     clock,
		stats:     stats,
		pool:      pool,
		pipe:      pipe,
		hub:       hub,
		sink:      sink,
		pub:       pub,
		headless:  headless,
		seenClose: seenClose,
		startedAt: clock.Now(),
	}
	if cfg.Server.Enabled {
		s.ops = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           api.NewServer(s, logger.Named("api")).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return s, nil
}

// Status reports the live run state for the ops endpoints.
func (s *Supervisor) Status() api.Status {
	st := s.currentState()
	return api.Status{
		RunID:         s.runID,
		State:         st.String(),
		Ready:         st == StateRunning || st == StateDraining,
		UptimeSeconds: s.clock.Now().Sub(s.startedAt).Seconds(),
		IntakeDepth:   s.pool.QueueLen(),
		ActiveWorkers: s.pool.Active(),
		Counts:        s.stats.Snapshot(),
	}
}

func buildClaimSet(ctx context.Context, cfg config.Config) (crawler.ClaimSet, func() error, error) {
	switch cfg.Dedup.Kind {
	case "memory":
		return seenmemory.New(), nil, nil
	case "bloom":
		return seenbloom.New(cfg.Dedup.Bloom.ExpectedItems, cfg.Dedup.Bloom.FalsePositiveRate), nil, nil
	case "redis":
		set, err := seenredis.New(ctx, seenredis.Config{
			Addr:      cfg.Dedup.Redis.Addr,
			Password:  cfg.Dedup.Redis.Password,
			DB:        cfg.Dedup.Redis.DB,
			KeyPrefix: cfg.Dedup.Redis.KeyPrefix,
			TTL:       cfg.RedisTTL(),
		})
		if err != nil {
			return nil, nil, err
		}
		return set, set.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown dedup kind %q", cfg.Dedup.Kind)
	}
}

// buildBlobStore returns nil when neither the blob record sink nor HTML
// archiving is configured.
func buildBlobStore(ctx context.Context, cfg config.Config) (crawler.BlobStore, error) {
	if cfg.Sink.Kind != "blob" && !cfg.Storage.ArchiveHTML {
		return nil, nil
	}
	switch cfg.Storage.Kind {
	case "memory":
		return memorystorage.NewBlobStore(), nil
	case "local":
		return localstorage.New(localstorage.Config{BaseDir: cfg.Storage.LocalDir})
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Storage.GCSBucket})
	default:
		return nil, fmt.Errorf("unknown storage kind %q", cfg.Storage.Kind)
	}
}

func buildRecordSink(ctx context.Context, cfg config.Config, blobs crawler.BlobStore) (crawler.RecordSink, error) {
	switch cfg.Sink.Kind {
	case "memory":
		return memorystorage.NewRecordStore(), nil
	case "blob":
		return blob.NewSink(blobs, "")
	case "postgres":
		return postgres.New(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
	default:
		return nil, fmt.Errorf("unknown sink kind %q", cfg.Sink.Kind)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawler.Publisher, error) {
	if !cfg.PubSub.Enabled {
		return publisher.NewNoop(), nil
	}
	return publisher.NewPubSub(ctx, publisher.Config{
		ProjectID: cfg.PubSub.ProjectID,
		TopicName: cfg.PubSub.TopicName,
	}, logger.Named("publisher"))
}

func buildProgressHub(cfg config.Config, logger *zap.Logger) (*progress.Hub, error) {
	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, err
	}
	hubCfg := progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(cfg.Progress.SinkTimeoutSeconds) * time.Second,
		Logger:         logger.Named("progress"),
	}
	return progress.NewHub(hubCfg, sinks.NewLogSink(logger.Named("progress")), promSink), nil
}

// buildHeadless starts the chromedp fetcher when enabled. A failed init is
// logged and the run proceeds with the probe fetcher alone.
func buildHeadless(cfg config.Config, logger *zap.Logger) (*headlessfetcher.Fetcher, crawler.HeadlessDetector) {
	if !cfg.Headless.Enabled {
		return nil, nil
	}
	f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         cfg.Crawl.UserAgent,
		NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
	})
	if err != nil {
		logger.Warn("headless fetcher init failed", zap.Error(err))
		return nil, nil
	}
	return f, detector.NewHeuristic(cfg.Headless.BodyThreshold)
}
