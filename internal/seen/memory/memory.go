// Package memory tracks claimed URLs in process memory.
package memory

import (
	"context"
	"sync"
)

// ClaimSet records which URL keys have been claimed for fetching.
// LoadOrStore makes each key claimable exactly once no matter how many
// workers race for it.
type ClaimSet struct {
	seen sync.Map
}

// New creates an empty ClaimSet.
func New() *ClaimSet {
	return &ClaimSet{}
}

// TryClaim claims key for the caller. It returns true only for the
// first caller of a given key.
func (s *ClaimSet) TryClaim(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	_, loaded := s.seen.LoadOrStore(key, struct{}{})
	return !loaded, nil
}
