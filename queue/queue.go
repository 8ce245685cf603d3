package queue

import (
	"context"
	"sync"
)

// Queue is a bounded, blocking FIFO shared by one producer and one consumer.
// Closing the queue acts as the end-of-input sentinel: items already enqueued
// are still delivered, after which Dequeue reports ok=false.
type Queue[T any] struct {
	items  chan T
	closed chan struct{}
	once   sync.Once
	mu     sync.RWMutex
}

// New creates a queue that holds at most size items before Enqueue blocks.
func New[T any](size int) *Queue[T] {
	if size <= 0 {
		size = 1
	}
	return &Queue[T]{
		items:  make(chan T, size),
		closed: make(chan struct{}),
	}
}

// Enqueue adds an item to the end of the queue, blocking while it is full.
// It returns false if the queue was closed or ctx ended before the item was accepted.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	select {
	case <-q.closed:
		return false
	default:
	}

	select {
	case q.items <- item:
		return true
	case <-q.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

// Dequeue removes and returns the front item, blocking while the queue is empty.
// The boolean is false once the queue is closed and drained, or when ctx ends.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, bool) {
	select {
	case item, ok := <-q.items:
		return item, ok
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

// Close marks the end of input. It is safe to call more than once and from
// any goroutine.
func (q *Queue[T]) Close() {
	q.once.Do(func() {
		close(q.closed)
		// Wait out any Enqueue still holding the read lock before closing items.
		q.mu.Lock()
		close(q.items)
		q.mu.Unlock()
	})
}

// Len returns the number of items waiting in the queue.
func (q *Queue[T]) Len() int {
	return len(q.items)
}
