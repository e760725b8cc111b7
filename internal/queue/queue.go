// Package queue implements the unbounded multi-producer multi-consumer
// work item FIFO (spec §4.3, component C4), with a sticky "closed"
// signal observed as closed-and-empty.
package queue

import "sync"

// Item is anything the queue can carry. The engine instantiates this
// with scan.WorkItem.
type Item any

// Queue is a thread-safe FIFO with a sticky closed flag.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Item
	closed bool
}

// New creates an open, empty queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a single item at the back.
func (q *Queue) Push(it Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, it)
	q.cond.Signal()
}

// PushBulk appends items atomically with respect to other producers and
// consumers (spec §4.3: "atomic w.r.t. other producers").
func (q *Queue) PushBulk(items []Item) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
	q.cond.Broadcast()
}

// PushFront re-queues an item at the front, for a worker that could not
// admit it (spec §4.6 admission gate: "push the work item back to the
// queue's front-equivalent position"). At-least-once delivery is
// permitted; this implementation guarantees the item is retried before
// the queue can report done.
func (q *Queue) PushFront(it Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]Item{it}, q.items...)
	q.cond.Signal()
}

// TryPop removes and returns the front item without blocking. ok is
// false if the queue is currently empty.
func (q *Queue) TryPop() (it Item, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// WaitPop blocks until an item is available or the queue becomes
// closed-and-empty, in which case ok is false.
func (q *Queue) WaitPop() (it Item, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	return q.popLocked()
}

func (q *Queue) popLocked() (Item, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it, true
}

// Close marks the queue closed. Pushes after Close are still accepted
// (a worker requeues with PushFront after the producer has closed the
// queue); once drained, IsDone reports true. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// IsDone reports closed-and-empty.
func (q *Queue) IsDone() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

// Len returns the current number of queued items (diagnostic only).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
