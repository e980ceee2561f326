// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package dc

import (
	"sync"

	"github.com/privcount/privcount/eventsource"
)

// boundedQueue is the single bounded channel between the event source
// and the DC's writer goroutine (spec §5/§7). Its Push implements the
// asymmetric back-pressure policy: a full queue silently drops its
// oldest pending *liveness* event to make room for a new one, but a
// counter-affecting event arriving to a full queue is never dropped —
// Push reports overflow instead, and the caller aborts the round with
// EventOverflow.
type boundedQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []*eventsource.Event
	capacity int
	closed   bool
}

func newBoundedQueue(capacity int) *boundedQueue {
	q := &boundedQueue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues ev. overflow is true iff ev is counter-affecting and the
// queue was already full of non-liveness events with no room to make by
// dropping a liveness entry — the caller must treat this as a fatal
// EventOverflow for the round.
func (q *boundedQueue) Push(ev *eventsource.Event) (overflow bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if len(q.items) >= q.capacity {
		if !q.evictOneLiveness() {
			if !ev.IsLiveness() {
				return true
			}
			// the queue holds only counter-affecting events and this is a
			// liveness event; drop it rather than any queued event.
			return false
		}
	}
	q.items = append(q.items, ev)
	q.cond.Signal()
	return false
}

func (q *boundedQueue) evictOneLiveness() bool {
	for i, e := range q.items {
		if e.IsLiveness() {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Pop blocks until an event is available or the queue is closed, in
// which case ok is false.
func (q *boundedQueue) Pop() (ev *eventsource.Event, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	ev = q.items[0]
	q.items = q.items[1:]
	return ev, true
}

// Close unblocks any pending Pop.
func (q *boundedQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
