// Package events carries trace events and log lines from running crews
// to the store through bounded queues and batching background writers.
// Producers never block: a full queue drops the item and counts the
// drop.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Queue is a bounded single-consumer queue. TryEnqueue is non-blocking;
// when the buffer is full the item is dropped and counted. Close stops
// accepting items and lets the consumer drain what remains.
type Queue[T any] struct {
	mu      sync.RWMutex
	ch      chan T
	closed  bool
	dropped atomic.Int64
}

func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// TryEnqueue offers v to the queue. It returns false when the queue is
// full or closed; the caller decides whether that counts as a drop.
func (q *Queue[T]) TryEnqueue(v T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- v:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Dequeue waits up to timeout for the next item. ok is false on timeout,
// context end, or when the queue is closed and drained; closed reports
// the latter so consumers can tell "nothing yet" from "nothing ever".
func (q *Queue[T]) Dequeue(ctx context.Context, timeout time.Duration) (v T, ok bool, closed bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case item, open := <-q.ch:
		if !open {
			return v, false, true
		}
		return item, true, false
	case <-timer.C:
		return v, false, false
	case <-ctx.Done():
		return v, false, false
	}
}

// Len reports the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.ch)
}

// Dropped reports how many items TryEnqueue rejected for lack of space.
func (q *Queue[T]) Dropped() int64 { return q.dropped.Load() }

// Close rejects further enqueues and unblocks the consumer once the
// buffer drains. Closing twice is safe.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
