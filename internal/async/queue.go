// Package async holds the small concurrency utilities shared by the sync
// subsystem: a mutex-serialized FIFO queue and a retry-with-backoff helper.
package async

import "sync"

// Queue is a mutex-guarded FIFO. All access is serialized behind one
// exclusive lock, so a concurrent producer can never interleave an enqueue
// with an in-progress drain. Critical sections are a slice append or
// re-slice, which keeps lock hold time negligible at personal-finance
// volumes.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Enqueue appends v to the tail of the queue.
func (q *Queue[T]) Enqueue(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

// Dequeue removes and returns the head of the queue. The second return is
// false when the queue is empty.
func (q *Queue[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]

	return v, true
}

// Drain atomically removes and returns every queued item in FIFO order.
// Producers blocked on the lock enqueue into the fresh backing slice, so
// no item is lost or delivered twice.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil

	return items
}

// Peek returns the head of the queue without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	return q.items[0], true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// IsEmpty reports whether the queue holds no items.
func (q *Queue[T]) IsEmpty() bool {
	return q.Len() == 0
}
