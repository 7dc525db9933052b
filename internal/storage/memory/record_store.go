package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/deepcrawl/internal/crawler"
)

// RecordStore provides an in-memory crawler.RecordSink for
// development and testing.
type RecordStore struct {
	mu      sync.RWMutex
	records []crawler.Record
	byID    map[string]int
}

// NewRecordStore constructs a RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		byID: make(map[string]int),
	}
}

// Store appends a record, rejecting duplicate IDs.
func (s *RecordStore) Store(_ context.Context, rec crawler.Record) error {
	if rec.ID == "" {
		return errors.New("record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[rec.ID]; exists {
		return errors.New("record already exists")
	}
	s.byID[rec.ID] = len(s.records)
	s.records = append(s.records, rec)
	return nil
}

// Close is a no-op.
func (s *RecordStore) Close(_ context.Context) error {
	return nil
}

// Records returns a copy of everything stored, in arrival order.
func (s *RecordStore) Records() []crawler.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Record, len(s.records))
	copy(out, s.records)
	return out
}

// Get fetches a record by ID.
func (s *RecordStore) Get(id string) (crawler.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return crawler.Record{}, false
	}
	return s.records[idx], true
}

// Len reports how many records are stored.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
