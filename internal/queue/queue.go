// Package queue implements the bounded producer/consumer FIFO
// described in spec.md §4.B: non-blocking Put, blocking-with-timeout
// Get, and a best-effort Drain for batch formation.
//
// It is grounded on the shape of
// control-plane/internal/buffer.ResultBuffer (Push/Pop/Len) from the
// teacher repo, reimplemented in-process with a mutex-guarded slice
// and a one-slot wake channel instead of Redis, since spec.md's non-goals exclude
// cross-process persistence of pending events.
package queue

import (
	"sync"
	"time"

	"github.com/pilot-net/posthog-go/internal/message"
)

// Queue is a fixed-capacity, thread-safe FIFO of records.
type Queue struct {
	mu       sync.Mutex
	items    []*message.Record
	capacity int
	wake     chan struct{}
}

// New creates a bounded queue with the given capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		items:    make([]*message.Record, 0, capacity),
		capacity: capacity,
		wake:     make(chan struct{}, 1),
	}
}

// Put enqueues a record if there is capacity. It never blocks.
// Returns false immediately when the queue is full, per spec.md's
// Testable Property 1.
func (q *Queue) Put(rec *message.Record) bool {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, rec)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Get blocks until a record is available or timeout elapses, in
// which case ok is false. A zero or negative timeout polls once
// without blocking.
func (q *Queue) Get(timeout time.Duration) (rec *message.Record, ok bool) {
	deadline := time.Now().Add(timeout)

	for {
		if rec, ok := q.pop(); ok {
			return rec, true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}

		timer := time.NewTimer(remaining)
		select {
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
			return nil, false
		}
	}
}

func (q *Queue) pop() (*message.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	rec := q.items[0]
	q.items = q.items[1:]
	return rec, true
}

// Empty reports whether the queue currently has no items. This is
// advisory: the result may be stale the instant it is observed under
// concurrent access, per spec.md §4.B.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Len returns the current number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DrainInto appends up to max queued records to buf without blocking
// beyond acquiring the internal lock, returning the extended slice
// and the count drained.
func (q *Queue) DrainInto(buf []*message.Record, max int) ([]*message.Record, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := max
	if n > len(q.items) {
		n = len(q.items)
	}
	buf = append(buf, q.items[:n]...)
	q.items = q.items[n:]
	return buf, n
}
