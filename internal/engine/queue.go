package engine

import (
	"sync"

	"github.com/roach88/slate/internal/remote"
)

type itemKind int

const (
	// itemRemoteEvent is a change notification from the collection.
	itemRemoteEvent itemKind = iota + 1
	// itemConnChange is a connectivity transition from the liveness signal.
	itemConnChange
	// itemResync asks the loop to (re)try snapshot catch-up.
	itemResync
	// itemDispatch is a pending remote write (first attempt or retry).
	itemDispatch
)

// item wraps everything the engine loop processes.
type item struct {
	kind   itemKind
	event  remote.Event
	online bool
	job    *dispatchJob
}

// itemQueue is a thread-safe FIFO for engine items.
//
// The queue is unbounded so a burst of change events or retries never
// blocks producers. A buffered signal channel of size 1 coalesces wakeups
// and lets the Run loop wait with context awareness.
type itemQueue struct {
	mu     sync.Mutex
	items  []item
	closed bool
	signal chan struct{}
}

func newItemQueue() *itemQueue {
	return &itemQueue{
		items:  make([]item, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// enqueue adds an item to the back of the queue.
// Returns false if the queue is closed.
func (q *itemQueue) enqueue(it item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, it)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// tryDequeue pops the front item without blocking.
func (q *itemQueue) tryDequeue() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return item{}, false
	}
	it := q.items[0]

	// Nil out the slot so the backing array does not retain the job and
	// event payloads until reallocation.
	q.items[0] = item{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return it, true
}

// wait returns the wakeup channel for select loops.
func (q *itemQueue) wait() <-chan struct{} {
	return q.signal
}

// len returns the number of queued items.
func (q *itemQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close marks the queue closed and wakes all waiters.
func (q *itemQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
