// Package ratelimit bounds fetch throughput with token buckets, one
// global bucket shared by every fetch plus an optional bucket per host.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/JakeFAU/deepcrawl/internal/metrics"
	"golang.org/x/time/rate"
)

// Config holds limiter settings. An RPS of zero or less disables that
// bucket entirely.
type Config struct {
	RPS          float64
	Burst        int
	PerHostRPS   float64
	PerHostBurst int
}

// Limiter gates fetch attempts.
type Limiter struct {
	global *rate.Limiter

	mu           sync.Mutex
	perHost      map[string]*rate.Limiter
	perHostRate  rate.Limit
	perHostBurst int
}

// New creates a Limiter from cfg.
func New(cfg Config) *Limiter {
	l := &Limiter{
		global: rate.NewLimiter(toLimit(cfg.RPS), clampBurst(cfg.Burst)),
	}
	if cfg.PerHostRPS > 0 {
		l.perHost = make(map[string]*rate.Limiter)
		l.perHostRate = rate.Limit(cfg.PerHostRPS)
		l.perHostBurst = clampBurst(cfg.PerHostBurst)
	}
	return l
}

// Wait blocks until the global bucket and the host bucket for rawURL
// both grant a token, or ctx is done.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	start := time.Now()

	if err := l.global.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if hl := l.hostLimiter(rawURL); hl != nil {
		if err := hl.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(rawURL, d)
	}
	return nil
}

func (l *Limiter) hostLimiter(rawURL string) *rate.Limiter {
	if l.perHost == nil {
		return nil
	}
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	hl, ok := l.perHost[host]
	if !ok {
		hl = rate.NewLimiter(l.perHostRate, l.perHostBurst)
		l.perHost[host] = hl
	}
	return hl
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func clampBurst(b int) int {
	if b <= 0 {
		return 1
	}
	return b
}
