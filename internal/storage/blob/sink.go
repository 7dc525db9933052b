// Package blob persists records as JSON objects in any blob store.
package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/JakeFAU/deepcrawl/internal/crawler"
)

// Sink writes one JSON object per record, partitioned by fetch date so
// downstream batch jobs can scan a day at a time.
type Sink struct {
	store  crawler.BlobStore
	prefix string
}

// NewSink creates a record sink on top of store. An empty prefix
// defaults to "records".
func NewSink(store crawler.BlobStore, prefix string) (*Sink, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if prefix == "" {
		prefix = "records"
	}
	return &Sink{store: store, prefix: prefix}, nil
}

// Store marshals rec and uploads it under the date-partitioned path.
func (s *Sink) Store(ctx context.Context, rec crawler.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	objPath := path.Join(s.prefix, rec.FetchedAt.UTC().Format("2006/01/02"), rec.ID+".json")
	if _, err := s.store.PutObject(ctx, objPath, "application/json", data); err != nil {
		return fmt.Errorf("put record object: %w", err)
	}
	return nil
}

// Close is a no-op; the underlying blob store owns its connections.
func (s *Sink) Close(_ context.Context) error {
	return nil
}
