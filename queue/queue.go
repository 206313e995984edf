// Package queue provides the unbounded FIFO hand-off between instrumented
// call sites and the batch writer.
package queue

import "sync"

// Queue is an unbounded, goroutine-safe FIFO. Any number of producers may
// Push concurrently; a single consumer empties it with Drain.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push appends v. It never blocks on the consumer and never drops.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

// Drain removes and returns everything currently queued, oldest first.
// It returns nil straight away when the queue is empty.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// Len reports how many items are waiting.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
