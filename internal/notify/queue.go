package notify

import "sync"

// Queue is an unbounded, coalescing hand-off between producers that must
// never block and a single consumer that drains in batches. Push appends
// and wakes the consumer through Ready(); Drain takes everything queued so
// far.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{ready: make(chan struct{}, 1)}
}

// Push appends v. It never blocks.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready receives a value whenever the queue may be non-empty. Several
// pushes between drains produce a single wakeup.
func (q *Queue[T]) Ready() <-chan struct{} { return q.ready }

// Drain returns and clears everything queued, oldest first.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len returns the number of queued values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
