// Package bloom tracks claimed URLs with a Bloom filter, trading a
// bounded false positive rate for constant memory on very large crawls.
package bloom

import (
	"context"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// ClaimSet records claimed URL keys in a Bloom filter. A false positive
// rejects a never-seen URL; the rate is bounded by the fpRate the set
// was built with. False negatives cannot occur, so a key is never
// claimed twice.
type ClaimSet struct {
	mu sync.Mutex
	f  *bloom.BloomFilter
}

// New creates a ClaimSet sized for expectedItems keys at the given
// false positive rate.
func New(expectedItems uint, fpRate float64) *ClaimSet {
	if expectedItems == 0 {
		expectedItems = 1_000_000
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.001
	}
	return &ClaimSet{f: bloom.NewWithEstimates(expectedItems, fpRate)}
}

// TryClaim claims key for the caller. It returns true only for the
// first caller of a given key.
func (s *ClaimSet) TryClaim(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f.TestString(key) {
		return false, nil
	}
	s.f.AddString(key)
	return true, nil
}

// EstimatedCount returns the approximate number of claimed keys.
func (s *ClaimSet) EstimatedCount() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint(s.f.ApproximatedSize())
}
