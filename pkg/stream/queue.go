package stream

import "sync"

// defaultQueueSize bounds how far the producer may run ahead of the SSE
// writer before pushes block (backpressure).
const defaultQueueSize = 256

// Queue is the bounded FIFO between the graph run (producer) and the HTTP
// handler (consumer). Workers push concurrently; Close releases the
// sentinel that ends consumption.
//
// After Close, Push becomes a silent no-op: a disconnected client must not
// stall or crash the run that is still finishing for durability. Events
// already buffered at Close time are still delivered by Next before it
// reports done.
type Queue struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// NewQueue creates a queue with the default capacity.
func NewQueue() *Queue {
	return NewQueueSize(defaultQueueSize)
}

// NewQueueSize creates a queue with an explicit capacity (tests use small
// sizes to exercise backpressure).
func NewQueueSize(size int) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Queue{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

// Push enqueues one event, blocking when the queue is full. Pushes after
// Close are dropped.
func (q *Queue) Push(ev Event) {
	select {
	case <-q.done:
		return
	default:
	}
	select {
	case q.ch <- ev:
	case <-q.done:
	}
}

// Next returns the next event. After Close it first drains what was
// buffered, then reports false.
func (q *Queue) Next() (Event, bool) {
	select {
	case ev := <-q.ch:
		return ev, true
	case <-q.done:
		select {
		case ev := <-q.ch:
			return ev, true
		default:
			return Event{}, false
		}
	}
}

// Close delivers the sentinel. Idempotent and safe to call from either
// side.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
}
