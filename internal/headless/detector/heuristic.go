// Package detector decides when a fetched page needs a headless
// re-fetch to render its content.
package detector

import (
	"bytes"

	"github.com/JakeFAU/deepcrawl/internal/crawler"
)

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector. A zero threshold selects the
// default of 2048 bytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

// Markers left in the initial HTML by the common SPA frameworks.
var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

// ShouldPromote reports whether probe looks like a JavaScript shell
// that a plain HTTP fetch cannot render.
func (h *Heuristic) ShouldPromote(probe crawler.Page) bool {
	if probe.StatusCode != 200 {
		return false
	}
	body := probe.Body
	if len(body) == 0 {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return len(body) < h.BodyLengthThreshold && scriptDensityHigh(body)
}

var (
	scriptOpen  = []byte("<script")
	scriptClose = []byte("</script>")
)

// scriptDensityHigh reports whether script tags cover at least a quarter of
// the document.
func scriptDensityHigh(body []byte) bool {
	doc := bytes.ToLower(body)
	if len(doc) == 0 {
		return false
	}

	covered := 0
	cursor := doc
	for {
		i := bytes.Index(cursor, scriptOpen)
		if i < 0 {
			break
		}
		tag := cursor[i:]
		gt := bytes.IndexByte(tag, '>')
		if gt < 0 {
			// Malformed open tag: the rest of the document belongs to it.
			covered += len(tag)
			break
		}
		end := bytes.Index(tag[gt+1:], scriptClose)
		if end < 0 {
			// Script never closes; count everything left.
			covered += len(tag)
			break
		}
		span := gt + 1 + end + len(scriptClose)
		covered += span
		cursor = tag[span:]
	}

	return covered > 0 && covered*4 >= len(doc)
}
