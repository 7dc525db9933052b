// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all engine configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Sink      SinkConfig      `mapstructure:"sink"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the operational HTTP endpoints.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// CrawlConfig governs seeding, depth, and run lifecycle.
type CrawlConfig struct {
	Seeds               []string `mapstructure:"seeds"`
	MaxDepth            int      `mapstructure:"max_depth"`
	UserAgent           string   `mapstructure:"user_agent"`
	AllowedHosts        []string `mapstructure:"allowed_hosts"`
	DeniedHosts         []string `mapstructure:"denied_hosts"`
	ExitWhenIdle        bool     `mapstructure:"exit_when_idle"`
	DrainTimeoutSeconds int      `mapstructure:"drain_timeout_seconds"`
}

// PoolConfig sizes the worker pool and its intake queue.
type PoolConfig struct {
	Workers        int `mapstructure:"workers"`
	IntakeCapacity int `mapstructure:"intake_capacity"`
}

// PipelineConfig sizes the bounded channels between stages.
type PipelineConfig struct {
	FetchBuffer   int   `mapstructure:"fetch_buffer"`
	OutcomeBuffer int   `mapstructure:"outcome_buffer"`
	RecordBuffer  int   `mapstructure:"record_buffer"`
	MaxBodyBytes  int64 `mapstructure:"max_body_bytes"`
}

// HTTPConfig configures the fetch transport and retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
	MaxIdleConns     int `mapstructure:"max_idle_conns"`
	IdleTimeoutSec   int `mapstructure:"idle_timeout_seconds"`
}

// RateLimitConfig bounds outbound fetch rates. Zero or negative RPS means
// unlimited; the per-host bucket is off unless per_host_rps is positive.
type RateLimitConfig struct {
	RPS          float64 `mapstructure:"rps"`
	Burst        int     `mapstructure:"burst"`
	PerHostRPS   float64 `mapstructure:"per_host_rps"`
	PerHostBurst int     `mapstructure:"per_host_burst"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	BodyThreshold int  `mapstructure:"body_threshold_bytes"`
}

// DedupConfig selects and tunes the claim-set implementation.
type DedupConfig struct {
	Kind  string      `mapstructure:"kind"`
	Bloom BloomConfig `mapstructure:"bloom"`
	Redis RedisConfig `mapstructure:"redis"`
}

// BloomConfig sizes the approximate claim set.
type BloomConfig struct {
	ExpectedItems     uint    `mapstructure:"expected_items"`
	FalsePositiveRate float64 `mapstructure:"false_positive_rate"`
}

// RedisConfig points the shared claim set at a redis instance.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	KeyPrefix  string `mapstructure:"key_prefix"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// SinkConfig selects where records are persisted.
type SinkConfig struct {
	Kind string `mapstructure:"kind"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	Table    string `mapstructure:"table"`
}

// StorageConfig selects and tunes the blob backend used for snapshots and
// the blob record sink.
type StorageConfig struct {
	Kind        string `mapstructure:"kind"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
	LocalDir    string `mapstructure:"local_dir"`
	ArchiveHTML bool   `mapstructure:"archive_html"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	PerRecord bool   `mapstructure:"per_record"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	BufferSize         int `mapstructure:"buffer_size"`
	MaxBatchEvents     int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs     int `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutSeconds int `mapstructure:"sink_timeout_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DEEPCRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawl.max_depth", 2)
	v.SetDefault("crawl.user_agent", "deepcrawl-bot/0.1")
	v.SetDefault("crawl.exit_when_idle", true)
	v.SetDefault("crawl.drain_timeout_seconds", 30)
	v.SetDefault("pool.workers", 4)
	v.SetDefault("pool.intake_capacity", 100)
	v.SetDefault("pipeline.fetch_buffer", 64)
	v.SetDefault("pipeline.outcome_buffer", 64)
	v.SetDefault("pipeline.record_buffer", 64)
	v.SetDefault("pipeline.max_body_bytes", int64(5*1024*1024))
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("http.max_idle_conns", 100)
	v.SetDefault("http.idle_timeout_seconds", 90)
	v.SetDefault("ratelimit.rps", 5)
	v.SetDefault("ratelimit.burst", 10)
	v.SetDefault("ratelimit.per_host_rps", 0)
	v.SetDefault("ratelimit.per_host_burst", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.body_threshold_bytes", 2048)
	v.SetDefault("dedup.kind", "memory")
	v.SetDefault("dedup.bloom.expected_items", 1_000_000)
	v.SetDefault("dedup.bloom.false_positive_rate", 0.001)
	v.SetDefault("dedup.redis.key_prefix", "deepcrawl:seen:")
	v.SetDefault("dedup.redis.ttl_seconds", 0)
	v.SetDefault("sink.kind", "memory")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.table", "records")
	v.SetDefault("storage.kind", "memory")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("storage.archive_html", false)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.per_record", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 512)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_seconds", 10)
}

// Validate enforces required values and reasonable limits. A failure here
// aborts startup before any goroutine is spawned.
func (c Config) Validate() error {
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawl.MaxDepth < 0 {
		return fmt.Errorf("crawl.max_depth must be >= 0")
	}
	if c.Pool.Workers <= 0 {
		return fmt.Errorf("pool.workers must be > 0")
	}
	if c.Pool.IntakeCapacity <= 0 {
		return fmt.Errorf("pool.intake_capacity must be > 0")
	}
	if c.Pipeline.FetchBuffer <= 0 || c.Pipeline.OutcomeBuffer <= 0 || c.Pipeline.RecordBuffer <= 0 {
		return fmt.Errorf("pipeline buffers must be > 0")
	}
	if c.Pipeline.MaxBodyBytes <= 0 {
		return fmt.Errorf("pipeline.max_body_bytes must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxAttempts <= 0 {
		return fmt.Errorf("http.max_attempts must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Dedup.Kind {
	case "memory":
	case "bloom":
		if c.Dedup.Bloom.ExpectedItems == 0 {
			return fmt.Errorf("dedup.bloom.expected_items must be > 0")
		}
		if c.Dedup.Bloom.FalsePositiveRate <= 0 || c.Dedup.Bloom.FalsePositiveRate >= 1 {
			return fmt.Errorf("dedup.bloom.false_positive_rate must be in (0, 1)")
		}
	case "redis":
		if c.Dedup.Redis.Addr == "" {
			return fmt.Errorf("dedup.redis.addr must be set when dedup.kind is redis")
		}
	default:
		return fmt.Errorf("unknown dedup.kind %q", c.Dedup.Kind)
	}
	switch c.Sink.Kind {
	case "memory", "blob":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when sink.kind is postgres")
		}
	default:
		return fmt.Errorf("unknown sink.kind %q", c.Sink.Kind)
	}
	switch c.Storage.Kind {
	case "memory", "local":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.kind is gcs")
		}
	default:
		return fmt.Errorf("unknown storage.kind %q", c.Storage.Kind)
	}
	if c.Storage.Kind == "local" && (c.Sink.Kind == "blob" || c.Storage.ArchiveHTML) && c.Storage.LocalDir == "" {
		return fmt.Errorf("storage.local_dir must be set when the local backend is used")
	}
	if c.PubSub.Enabled {
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
		}
	}
	return nil
}

// FetchTimeout is the per-attempt fetch budget.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// BackoffInitial is the first retry delay.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps retry delays.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond
}

// DrainTimeout bounds how long shutdown waits for the pipeline to drain.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.Crawl.DrainTimeoutSeconds) * time.Second
}

// RedisTTL converts the configured claim TTL; zero means keys never expire.
func (c Config) RedisTTL() time.Duration {
	return time.Duration(c.Dedup.Redis.TTLSeconds) * time.Second
}
