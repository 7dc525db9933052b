package detector

import (
	"strings"
	"testing"

	"github.com/JakeFAU/deepcrawl/internal/crawler"
)

func page(status int, body string) crawler.Page {
	return crawler.Page{StatusCode: status, Body: []byte(body)}
}

func TestShouldPromote(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)

	cases := []struct {
		name string
		in   crawler.Page
		want bool
	}{
		{"non-200 never promotes", page(404, ""), false},
		{"empty body promotes", page(200, ""), true},
		{"react root marker", page(200, `<html><body><div id="root"></div></body></html>`), true},
		{"next marker", page(200, `<html><div class="__next"></div></html>`), true},
		{
			"small script-heavy shell",
			page(200, `<html><script>window.bootstrap={};renderApp();hydrate();</script><p>x</p></html>`),
			true,
		},
		{
			"plain article",
			page(200, `<html><body>`+strings.Repeat("<p>real server rendered content</p>", 100)+`</body></html>`),
			false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := h.ShouldPromote(tc.in); got != tc.want {
				t.Errorf("ShouldPromote() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestScriptDensity(t *testing.T) {
	t.Parallel()

	if scriptDensityHigh(nil) {
		t.Error("empty body should not count as script heavy")
	}
	if !scriptDensityHigh([]byte("<script>var x = 1; var y = 2; never closes")) {
		t.Error("unclosed script tag should cover the rest of the document")
	}
	if scriptDensityHigh([]byte(strings.Repeat("text ", 100) + "<script>x</script>")) {
		t.Error("tiny script in large document counted as heavy")
	}
}

func TestThresholdDefault(t *testing.T) {
	t.Parallel()

	if h := NewHeuristic(0); h.BodyLengthThreshold != 2048 {
		t.Fatalf("default threshold = %d, want 2048", h.BodyLengthThreshold)
	}
	if h := NewHeuristic(512); h.BodyLengthThreshold != 512 {
		t.Fatalf("explicit threshold = %d, want 512", h.BodyLengthThreshold)
	}
}
