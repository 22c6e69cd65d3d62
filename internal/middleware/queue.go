package middleware

import "sync"

// Queue is an unbounded FIFO with blocking receive. When maxLen is
// positive, pushing onto a full queue evicts the oldest item.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	maxLen int
	closed bool

	pushed  int64
	popped  int64
	dropped int64
}

func NewQueue[T any](maxLen int) *Queue[T] {
	q := &Queue[T]{maxLen: maxLen}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends item without blocking. It returns false if the queue is
// closed and whether an older item had to be evicted.
func (q *Queue[T]) Push(item T) (ok bool, evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, false
	}
	if q.maxLen > 0 && len(q.items) >= q.maxLen {
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.dropped++
		evicted = true
	}
	q.items = append(q.items, item)
	q.pushed++
	q.cond.Signal()
	return true, evicted
}

// Pop blocks until an item is available. It returns false once the queue
// is closed and empty.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.popped++
	return item, true
}

// Close stops intake. Items already queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Discard empties the queue and returns how many items were removed.
func (q *Queue[T]) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	q.dropped += int64(n)
	return n
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// QueueStats contains queue counters.
type QueueStats struct {
	Pending int   `json:"pending"`
	Pushed  int64 `json:"pushed"`
	Popped  int64 `json:"popped"`
	Dropped int64 `json:"dropped"`
}

func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{Pending: len(q.items), Pushed: q.pushed, Popped: q.popped, Dropped: q.dropped}
}
