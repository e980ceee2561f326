// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package dc

import (
	"container/heap"
	"time"
)

// entity is one open logical entity (circuit, stream, connection) being
// tracked until it ends or is rotated out (spec §4.3 "Entity tracking").
type entity struct {
	id         string
	kind       string
	opened     time.Time
	deadline   time.Time
	heapIndex  int
	sums       map[string]float64 // named running accumulators (bytes, cells, ...)
	identity   map[string]string  // identifying fields, erased on expiry/end
	sampledIn  bool
}

func newEntity(id, kind string, opened time.Time, rotatePeriod time.Duration) *entity {
	return &entity{
		id:       id,
		kind:     kind,
		opened:   opened,
		deadline: opened.Add(rotatePeriod),
		sums:     make(map[string]float64),
		identity: make(map[string]string),
	}
}

// addSum accumulates a named running total (e.g. "bytes", "cells").
func (e *entity) addSum(name string, v float64) { e.sums[name] += v }

// erase drops identifying fields, leaving only the accumulated sums —
// the rotation policy's "identifying fields erased" step (spec §4.3),
// ensuring sensitive intermediate data persists for at most
// 2 x rotate_period (one period open, one period until the expiry sweep
// observes it).
func (e *entity) erase() {
	for k := range e.identity {
		delete(e.identity, k)
	}
}

// entityHeap is a min-heap ordered by rotation deadline, giving O(log n)
// expiry-sweep scheduling instead of an O(n) scan per tick.
type entityHeap []*entity

func (h entityHeap) Len() int            { return len(h) }
func (h entityHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h entityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex, h[j].heapIndex = i, j
}
func (h *entityHeap) Push(x interface{}) {
	e := x.(*entity)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}
func (h *entityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*h = old[:n-1]
	return e
}

// entityTable tracks open entities by id and supports deadline-ordered
// expiry sweeps.
type entityTable struct {
	byID         map[string]*entity
	heap         entityHeap
	rotatePeriod time.Duration
}

func newEntityTable(rotatePeriod time.Duration) *entityTable {
	t := &entityTable{byID: make(map[string]*entity), rotatePeriod: rotatePeriod}
	heap.Init(&t.heap)
	return t
}

// open creates (or returns the existing) entity for id.
func (t *entityTable) open(id, kind string, now time.Time) *entity {
	if e, ok := t.byID[id]; ok {
		return e
	}
	e := newEntity(id, kind, now, t.rotatePeriod)
	t.byID[id] = e
	heap.Push(&t.heap, e)
	return e
}

func (t *entityTable) get(id string) (*entity, bool) {
	e, ok := t.byID[id]
	return e, ok
}

// close removes an entity that has ended normally (its accumulators
// should already have been flushed to counters by the caller).
func (t *entityTable) close(id string) {
	e, ok := t.byID[id]
	if !ok {
		return
	}
	heap.Remove(&t.heap, e.heapIndex)
	delete(t.byID, id)
}

// expired pops and returns every entity whose rotation deadline is at or
// before now, in deadline order, for the caller to flush and erase.
func (t *entityTable) expired(now time.Time) []*entity {
	var out []*entity
	for t.heap.Len() > 0 && !t.heap[0].deadline.After(now) {
		e := heap.Pop(&t.heap).(*entity)
		delete(t.byID, e.id)
		out = append(out, e)
	}
	return out
}
