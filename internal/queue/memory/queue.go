// Package memory provides the bounded in-memory intake queue that feeds
// the worker pool.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/deepcrawl/internal/crawler"
)

// ErrClosed is returned for submissions after Close.
var ErrClosed = errors.New("intake closed")

// ErrFull is returned by TrySubmit when the queue has no free slot.
var ErrFull = errors.New("intake full")

// Intake is a bounded queue of work units. Submitters hold the read
// lock across the channel send and Close takes the write lock, so a
// send can never race the close of the underlying channel.
type Intake struct {
	ch     chan crawler.WorkUnit
	mu     sync.RWMutex
	closed bool
}

// NewIntake constructs a queue with the provided capacity.
func NewIntake(capacity int) *Intake {
	if capacity < 1 {
		capacity = 1
	}
	return &Intake{
		ch: make(chan crawler.WorkUnit, capacity),
	}
}

// Submit enqueues unit, blocking until a slot frees up or ctx ends.
// Close waits for in-flight submissions, so cancel ctx before closing
// if submitters may be blocked on a full queue.
func (q *Intake) Submit(ctx context.Context, unit crawler.WorkUnit) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("submit canceled: %w", ctx.Err())
	case q.ch <- unit:
		return nil
	}
}

// TrySubmit enqueues unit without blocking. It returns ErrFull when no
// slot is free.
func (q *Intake) TrySubmit(unit crawler.WorkUnit) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- unit:
		return nil
	default:
		return ErrFull
	}
}

// Items exposes the queue for consumption. The channel closes after
// Close once no submission is in flight; buffered units remain
// readable.
func (q *Intake) Items() <-chan crawler.WorkUnit {
	return q.ch
}

// Close stops intake. Safe to call more than once.
func (q *Intake) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Len reports how many units are buffered.
func (q *Intake) Len() int {
	return len(q.ch)
}

// Cap reports the queue capacity.
func (q *Intake) Cap() int {
	return cap(q.ch)
}
