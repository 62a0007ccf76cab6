package canbus

import "sync"

// DefaultQueueSize is the capacity of the receive queue of every backend.
const DefaultQueueSize = 10000

// RxQueue is a bounded FIFO of frames with drop-oldest overflow.
//
// When the queue is full, Push evicts the oldest frame to admit the newest,
// so a consumer always sees the most recent traffic. Evictions are counted.
// RxQueue is safe for one producer and any number of consumers.
type RxQueue struct {
	mu      sync.Mutex
	buf     []Frame
	head    int // index of the oldest frame
	n       int
	dropped uint64
}

// NewRxQueue returns a queue holding at most capacity frames. A
// non-positive capacity selects DefaultQueueSize.
func NewRxQueue(capacity int) *RxQueue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &RxQueue{buf: make([]Frame, capacity)}
}

// Push appends f and reports whether an older frame had to be evicted.
func (q *RxQueue) Push(f Frame) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == len(q.buf) {
		q.buf[q.head] = Frame{}
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		q.dropped++
		evicted = true
	}
	q.buf[(q.head+q.n)%len(q.buf)] = f
	q.n++
	return evicted
}

// Drain removes and returns up to max frames in capture order. It never
// blocks on producers beyond the internal lock.
func (q *RxQueue) Drain(max int) []Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 || q.n == 0 {
		return nil
	}
	if max > q.n {
		max = q.n
	}
	out := make([]Frame, max)
	for i := range out {
		out[i] = q.buf[q.head]
		q.buf[q.head] = Frame{}
		q.head = (q.head + 1) % len(q.buf)
	}
	q.n -= max
	return out
}

// Len returns the number of queued frames.
func (q *RxQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Cap returns the queue capacity.
func (q *RxQueue) Cap() int {
	return len(q.buf)
}

// Dropped returns the monotonically increasing count of evicted frames.
func (q *RxQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
