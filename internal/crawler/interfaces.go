package crawler

import (
	"context"
	"time"
)

// Fetcher fetches one unit and returns the page plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, unit WorkUnit) (Page, error)
}

// Extractor turns a fetched page into content fields and child units.
// Implementations must be pure: no I/O, no shared state, and malformed input
// yields an empty Extraction rather than an error that stops the run.
type Extractor interface {
	Extract(page Page) (Extraction, error)
}

// RecordSink persists extracted records.
type RecordSink interface {
	Store(ctx context.Context, rec Record) error
	Close(ctx context.Context) error
}

// ClaimSet records work-unit keys exactly once. TryClaim returns true iff
// the key was not previously claimed; implementations must be safe under
// unbounded concurrent callers.
type ClaimSet interface {
	TryClaim(ctx context.Context, key string) (bool, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes notices to Pub/Sub (or similar) and returns a message ID.
type Publisher interface {
	Publish(ctx context.Context, notice Notice) (string, error)
	Close() error
}

// HeadlessDetector decides whether a headless refetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(probe Page) bool
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record and run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
