package crawler

import (
	"net/http"
	"time"
)

// Page is the successful result of one fetch.
type Page struct {
	Unit         WorkUnit
	FinalURL     string
	StatusCode   int
	ContentType  string
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	Attempts     int
	FetchedAt    time.Time
	UsedHeadless bool
}

// Source returns the unit the page was fetched for.
func (p Page) Source() WorkUnit { return p.Unit }

func (Page) sealedOutcome() {}

// FetchFailure is the terminal result of a fetch that did not produce a page.
type FetchFailure struct {
	Unit     WorkUnit
	Err      error
	Attempts int
	Duration time.Duration
	At       time.Time
}

// Source returns the unit the failed fetch was attempted for.
func (f FetchFailure) Source() WorkUnit { return f.Unit }

func (FetchFailure) sealedOutcome() {}

// FetchOutcome is what the fetch stage hands to the extract stage: either a
// Page or a FetchFailure, never both. The interface is sealed so consumers
// type-switch over exactly two variants.
type FetchOutcome interface {
	Source() WorkUnit
	sealedOutcome()
}

// Record is the structured output of extraction. Ownership transfers to the
// store stage when the record is sent downstream; it is never mutated after
// that point.
type Record struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Host        string    `json:"host"`
	Depth       int       `json:"depth"`
	Title       string    `json:"title"`
	Text        string    `json:"text"`
	ContentHash string    `json:"content_hash"`
	StatusCode  int       `json:"status_code"`
	Attempts    int       `json:"attempts"`
	Bytes       int       `json:"bytes"`
	Links       int       `json:"links"`
	SnapshotURI string    `json:"snapshot_uri,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Extraction carries what the extractor pulled out of one page: the content
// fields for the record plus the child units discovered in it.
type Extraction struct {
	Title      string
	Text       string
	Discovered []WorkUnit
}

// Notice kinds published to the broker.
const (
	NoticeRecordStored = "record_stored"
	NoticeRunCompleted = "run_completed"
)

// Notice is the message published when a record lands or a run finishes.
type Notice struct {
	Kind     string    `json:"kind"`
	RunID    string    `json:"run_id"`
	URL      string    `json:"url,omitempty"`
	RecordID string    `json:"record_id,omitempty"`
	Summary  *Summary  `json:"summary,omitempty"`
	At       time.Time `json:"at"`
}
