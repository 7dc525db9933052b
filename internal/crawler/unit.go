package crawler

import (
	"fmt"
	"net/url"
)

// WorkUnit identifies one crawlable resource at a specific depth. The URL is
// normalized at construction, so two units naming the same resource compare
// equal; a WorkUnit is immutable once created.
type WorkUnit struct {
	URL   string
	Depth int
}

// NewWorkUnit builds a unit from a raw URL at the given depth.
func NewWorkUnit(rawURL string, depth int) (WorkUnit, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return WorkUnit{}, fmt.Errorf("work unit %q: %w", rawURL, err)
	}
	if depth < 0 {
		return WorkUnit{}, fmt.Errorf("work unit %q: negative depth %d", rawURL, depth)
	}
	return WorkUnit{URL: normalized, Depth: depth}, nil
}

// Child resolves href against the unit's URL and returns the discovered unit
// one level deeper.
func (u WorkUnit) Child(href string) (WorkUnit, error) {
	base, err := url.Parse(u.URL)
	if err != nil {
		return WorkUnit{}, fmt.Errorf("parse base %q: %w", u.URL, err)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return WorkUnit{}, fmt.Errorf("parse href %q: %w", href, err)
	}
	return NewWorkUnit(base.ResolveReference(ref).String(), u.Depth+1)
}

// Key returns the dedup key for the unit. Depth is deliberately excluded:
// the same URL reached by a shorter and a longer path is still one fetch.
func (u WorkUnit) Key() string {
	return u.URL
}

// Host returns the lowercased host portion of the unit's URL, or "" when the
// URL does not parse (normalized units always parse).
func (u WorkUnit) Host() string {
	parsed, err := url.Parse(u.URL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}
