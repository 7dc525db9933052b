package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/deepcrawl/internal/crawler"
)

// Noop is the fetcher used when headless rendering is disabled. Every
// fetch fails, which keeps promotion a no-op.
type Noop struct{}

// NewNoop creates a disabled headless fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails.
func (*Noop) Fetch(_ context.Context, _ crawler.WorkUnit) (crawler.Page, error) {
	return crawler.Page{}, errors.New("headless fetching disabled")
}

// Close is a no-op.
func (*Noop) Close() {}
