package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/deepcrawl/internal/crawler"
)

// Noop discards every notice. Used when publishing is disabled.
type Noop struct{}

// NewNoop creates a disabled publisher.
func NewNoop() *Noop {
	return &Noop{}
}

// Publish does nothing and returns an empty message ID.
func (*Noop) Publish(_ context.Context, _ crawler.Notice) (string, error) {
	return "", nil
}

// Close does nothing.
func (*Noop) Close() error { return nil }

// Memory records notices in process memory for tests and development.
type Memory struct {
	mu      sync.Mutex
	notices []crawler.Notice
	closed  bool
}

// NewMemory creates an in-memory publisher.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish appends notice and returns a sequential message ID.
func (m *Memory) Publish(_ context.Context, notice crawler.Notice) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", errors.New("publisher closed")
	}
	m.notices = append(m.notices, notice)
	return fmt.Sprintf("mem-%d", len(m.notices)), nil
}

// Close stops accepting notices.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Notices returns a copy of everything published.
func (m *Memory) Notices() []crawler.Notice {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]crawler.Notice, len(m.notices))
	copy(out, m.notices)
	return out
}
