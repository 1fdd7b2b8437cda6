package transport

import "sync"

// Queue is a bounded FIFO for received frames. Push never blocks; a full
// queue rejects the new item and the caller decides what an overflow means.
type Queue[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int
	n     int
	ready chan struct{}
}

// NewQueue creates a queue holding at most size items.
func NewQueue[T any](size int) *Queue[T] {
	if size < 1 {
		size = 1
	}
	return &Queue[T]{buf: make([]T, size), ready: make(chan struct{}, 1)}
}

// Push appends v. It returns false when the queue is full.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.n == len(q.buf) {
		q.mu.Unlock()
		return false
	}
	q.buf[(q.head+q.n)%len(q.buf)] = v
	q.n++
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Pop moves the oldest item into dst. It returns false when empty.
func (q *Queue[T]) Pop(dst *T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return false
	}
	var zero T
	*dst = q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return true
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

func (q *Queue[T]) Cap() int { return len(q.buf) }

// Ready is signalled after a Push. One signal may cover many items.
func (q *Queue[T]) Ready() <-chan struct{} { return q.ready }

// Reset drops everything queued.
func (q *Queue[T]) Reset() {
	q.mu.Lock()
	clear(q.buf)
	q.head, q.n = 0, 0
	q.mu.Unlock()
}
