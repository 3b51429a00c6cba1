/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatch

import (
	"sync"
)

// workQueue holds pending work items in insertion order (FIFO, breadth-first chaining)
// and tracks how many popped items are still being processed.
// The queue is drained when it is empty and no processed item remains that could push more.
type workQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []*workItem
	active  int
	closed  bool
	seq     uint64
}

func newWorkQueue() *workQueue {
	q := &workQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends an item to the queue. It is safe to call from concurrent processing callbacks.
func (q *workQueue) push(it *workItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.seq++
	it.seq = q.seq
	q.pending = append(q.pending, it)
	q.cond.Signal()
	return nil
}

// pop removes and returns the oldest pending item, blocking while the queue is
// empty but some active item may still push follow-ups. It returns false when
// the queue is drained or closed. Every successful pop must be paired with done.
func (q *workQueue) pop() (*workItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 && q.active > 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed || len(q.pending) == 0 {
		return nil, false
	}
	it := q.pending[0]
	q.pending = q.pending[1:]
	q.active++
	return it, true
}

// done marks one popped item as fully processed. It may complete the drain condition.
func (q *workQueue) done() {
	q.mu.Lock()
	q.active--
	q.mu.Unlock()
	q.cond.Broadcast()
}

// close stops accepting pushes and wakes all blocked poppers. Idempotent.
func (q *workQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// drainPending removes and returns all still-pending items.
func (q *workQueue) drainPending() []*workItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.pending
	q.pending = nil
	return items
}

func (q *workQueue) stats() (pending, active int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), q.active
}
