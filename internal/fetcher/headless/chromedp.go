// Package headless contains fetchers that execute JavaScript via browsers.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/deepcrawl/internal/crawler"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

const (
	defaultNavTimeout = 45 * time.Second
	// settleDelay gives late script-driven DOM writes a moment to land
	// after the body is ready.
	settleDelay = 500 * time.Millisecond
)

// Fetcher renders pages in headless Chrome via chromedp. One browser
// allocator is shared across fetches; each Fetch runs in its own tab, and
// the semaphore bounds how many tabs are open at once.
type Fetcher struct {
	cfg       Config
	sem       chan struct{}
	allocCtx  context.Context
	stopAlloc context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	f := &Fetcher{cfg: cfg}
	if cfg.MaxParallel > 0 {
		f.sem = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	f.allocCtx, f.stopAlloc = chromedp.NewExecAllocator(context.Background(), opts...)
	return f, nil
}

// Close tears down the browser allocator.
func (f *Fetcher) Close() {
	f.stopAlloc()
}

// Fetch navigates with a headless browser and returns the fully rendered
// DOM for unit.
func (f *Fetcher) Fetch(ctx context.Context, unit crawler.WorkUnit) (crawler.Page, error) {
	if f.sem != nil {
		select {
		case f.sem <- struct{}{}:
			defer func() { <-f.sem }()
		case <-ctx.Done():
			return crawler.Page{}, fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
		}
	}

	tabCtx, closeTab := chromedp.NewContext(f.allocCtx)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.navTimeout())
	defer cancel()

	doc := &docCapture{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	var (
		html     string
		landedAt string
	)
	started := time.Now()
	err := chromedp.Run(tabCtx,
		f.sessionSetup(),
		chromedp.Navigate(unit.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
		chromedp.Location(&landedAt),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("chromedp run: %w", err)
	}

	status, headers, finalURL := doc.result(unit.URL, landedAt)
	return crawler.Page{
		Unit:         unit,
		FinalURL:     finalURL,
		StatusCode:   status,
		ContentType:  headers.Get("Content-Type"),
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(started),
		FetchedAt:    time.Now().UTC(),
		UsedHeadless: true,
	}, nil
}

func (f *Fetcher) sessionSetup() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

// docCapture records the document response seen on the tab's network event
// stream. Chrome reports subresource responses on the same stream, so only
// ResourceTypeDocument is kept.
type docCapture struct {
	mu      sync.Mutex
	status  int
	headers http.Header
	url     string
}

func (d *docCapture) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(resp.Response.Status)
	d.headers = cdpHeaders(resp.Response.Headers)
	d.url = resp.Response.URL
}

// result returns the captured document metadata, falling back to the landed
// location, then the request URL, and a 200 status when the browser never
// reported a document response.
func (d *docCapture) result(requestURL, landedAt string) (int, http.Header, string) {
	d.mu.Lock()
	status, headers, url := d.status, d.headers, d.url
	d.mu.Unlock()

	if headers == nil {
		headers = http.Header{}
	}
	if url == "" {
		url = landedAt
	}
	if url == "" {
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

// cdpHeaders converts the loosely typed CDP header map to http.Header.
func cdpHeaders(raw network.Headers) http.Header {
	headers := http.Header{}
	for key, value := range raw {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	return headers
}
