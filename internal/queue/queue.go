package queue

import (
	"context"
	"sync"
	"time"
)

// Queue is a thread-safe unbounded FIFO whose consumers can block until an item arrives
type Queue[T any] struct {
	items  []T
	mu     sync.Mutex
	signal chan struct{}
}

// New creates an empty queue
func New[T any]() *Queue[T] {
	return &Queue[T]{
		items:  make([]T, 0),
		signal: make(chan struct{}, 1),
	}
}

// Len returns the number of queued items
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Put appends a value. It never blocks.
func (q *Queue[T]) Put(value T) {
	q.mu.Lock()
	q.items = append(q.items, value)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryGet removes and returns the oldest item without blocking
func (q *Queue[T]) TryGet() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var zero T
		return zero, false
	}

	item := q.items[0]
	var zero T
	q.items[0] = zero // avoid memory leak
	q.items = q.items[1:]
	return item, true
}

// Get blocks until an item is available, the timeout expires or ctx is done.
// The bool is false when nothing was dequeued.
func (q *Queue[T]) Get(ctx context.Context, timeout time.Duration) (T, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if item, ok := q.TryGet(); ok {
			// wake another waiter if items remain
			if q.Len() > 0 {
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			return item, true
		}

		select {
		case <-q.signal:
		case <-timer.C:
			var zero T
			return zero, false
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// Drain removes and returns every queued item in FIFO order
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = make([]T, 0)
	return items
}
