package msgsock

import (
	"context"
	"sync"
)

// compactThreshold is the number of delivered entries a Queue keeps before it
// considers shifting the backing slice.
const compactThreshold = 64

// Queue is an ordered, unbounded hand-off from receive loops to a consumer.
//
// Any number of goroutines may Enqueue concurrently. Dequeue reads and advances
// the cursor in one step under the lock, so no entry is delivered twice or skipped
// even with several consumers. Delivered entries are dropped once the cursor has
// passed half of the backing slice.
type Queue struct {
	mu      sync.Mutex
	entries []Entry
	head    int

	// ready holds at most one pending wake-up for Wait.
	ready chan struct{}
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Enqueue appends e. It never blocks.
func (q *Queue) Enqueue(e Entry) {
	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.mu.Unlock()

	q.signal()
}

// Dequeue returns the entry at the cursor and advances it.
// It returns false immediately when no undelivered entry exists.
func (q *Queue) Dequeue() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head >= len(q.entries) {
		return Entry{}, false
	}

	e := q.entries[q.head]
	q.entries[q.head] = Entry{}
	q.head++
	q.compact()
	return e, true
}

// Wait blocks until an entry is available or ctx is done.
func (q *Queue) Wait(ctx context.Context) (Entry, error) {
	for {
		if e, ok := q.Dequeue(); ok {
			// pass the wake-up on so other waiters see what is left
			if q.Len() > 0 {
				q.signal()
			}
			return e, nil
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		}
	}
}

// Len returns the number of undelivered entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) - q.head
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// compact must be called with q.mu held.
func (q *Queue) compact() {
	if q.head == len(q.entries) {
		q.entries = q.entries[:0]
		q.head = 0
		return
	}
	if q.head < compactThreshold || q.head < len(q.entries)/2 {
		return
	}
	n := copy(q.entries, q.entries[q.head:])
	clear(q.entries[n:])
	q.entries = q.entries[:n]
	q.head = 0
}
