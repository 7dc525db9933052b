// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/deepcrawl/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
	MaxIdleConns int
	IdleTimeout  time.Duration
}

// Fetcher implements crawler.Fetcher using the Colly collector. The
// base collector is cloned per fetch so collectors never share visit
// state across work units.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}

	transport := newHTTPTransport(cfg)
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET for unit. Non-2xx responses come
// back as a crawler.HTTPError so callers can classify them.
func (f *Fetcher) Fetch(ctx context.Context, unit crawler.WorkUnit) (crawler.Page, error) {
	var (
		page     crawler.Page
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(unit, start, &page, &fetchErr)

	if err := f.runCollector(ctx, collector, unit.URL, &fetchErr); err != nil {
		return crawler.Page{}, err
	}
	return page, nil
}

func (f *Fetcher) buildCollector(
	unit crawler.WorkUnit,
	start time.Time,
	page *crawler.Page,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(f.transport)

	page.Unit = unit
	f.configureCollectorHooks(collector, unit, start, page, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	unit crawler.WorkUnit,
	start time.Time,
	page *crawler.Page,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*page = crawler.Page{
			Unit:        unit,
			FinalURL:    r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: headers.Get("Content-Type"),
			Headers:     headers,
			Body:        append([]byte(nil), r.Body...),
			Duration:    time.Since(start),
			FetchedAt:   time.Now().UTC(),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			*fetchErr = &crawler.HTTPError{
				StatusCode: r.StatusCode,
				URL:        r.Request.URL.String(),
			}
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		// The OnError value carries the typed status error, so it wins
		// over the plain error Visit returns for the same response.
		if *fetchErr != nil {
			return fmt.Errorf("colly fetch: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport(cfg Config) *http.Transport {
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 90 * time.Second
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          maxIdle,
		IdleConnTimeout:       idleTimeout,
	}
}
