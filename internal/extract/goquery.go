// Package extract turns fetched pages into titles, text, and
// discovered links.
package extract

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/deepcrawl/internal/crawler"
)

// GoqueryExtractor implements crawler.Extractor with CSS selectors.
// Malformed or non-HTML input yields an empty extraction, never an
// error that would stop the run.
type GoqueryExtractor struct{}

// NewGoquery creates a GoqueryExtractor.
func NewGoquery() *GoqueryExtractor {
	return &GoqueryExtractor{}
}

// Extract parses page and returns its title, visible text, and the
// work units one level deeper discovered through anchors. Relative
// links resolve against the page's final URL so redirected pages link
// correctly.
func (e *GoqueryExtractor) Extract(page crawler.Page) (crawler.Extraction, error) {
	if !looksLikeHTML(page.ContentType) {
		return crawler.Extraction{}, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return crawler.Extraction{}, nil
	}

	out := crawler.Extraction{
		Title:      strings.TrimSpace(doc.Find("title").First().Text()),
		Discovered: discoverLinks(doc, page),
	}

	doc.Find("script, style, noscript").Remove()
	out.Text = strings.Join(strings.Fields(doc.Find("body").Text()), " ")

	return out, nil
}

func discoverLinks(doc *goquery.Document, page crawler.Page) []crawler.WorkUnit {
	base := parseBase(page)
	if base == nil {
		return nil
	}

	seen := make(map[string]struct{})
	var units []crawler.WorkUnit

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" || isNonHTTPLink(href) {
			return
		}

		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(ref).String()

		unit, err := crawler.NewWorkUnit(resolved, page.Unit.Depth+1)
		if err != nil {
			return
		}
		if _, dup := seen[unit.Key()]; dup {
			return
		}
		seen[unit.Key()] = struct{}{}
		units = append(units, unit)
	})

	return units
}

func parseBase(page crawler.Page) *url.URL {
	for _, raw := range []string{page.FinalURL, page.Unit.URL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err == nil {
			return u
		}
	}
	return nil
}

func isNonHTTPLink(href string) bool {
	lower := strings.ToLower(href)
	for _, prefix := range []string{"javascript:", "mailto:", "tel:", "data:", "ftp:", "#"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// looksLikeHTML treats an absent content type as HTML since many
// servers omit the header.
func looksLikeHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "html") || strings.Contains(ct, "xml")
}
