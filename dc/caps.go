// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package dc

// capTracker enforces per-grouping-key caps (spec §4.3 step 3, e.g.
// "max_cell_events_per_circuit"): once a counter's cap fires for a given
// key, further increments for that key are suppressed and the overflow
// counter for that counter is recorded once.
type capTracker struct {
	counts   map[string]int  // counterName + "/" + key -> count so far
	overflow map[string]bool // same key space -> has the cap already fired
}

func newCapTracker() *capTracker {
	return &capTracker{counts: make(map[string]int), overflow: make(map[string]bool)}
}

// Allow reports whether one more increment of size weight is permitted
// for (counterName, key) under cap, and records it if so. A return of
// (false, true) means this call is the one that makes the cap fire
// (the overflow counter should be incremented exactly once).
func (t *capTracker) Allow(counterName, key string, cap int, weight int) (allowed bool, justOverflowed bool) {
	if cap <= 0 {
		return true, false
	}
	k := counterName + "/" + key
	if t.overflow[k] {
		return false, false
	}
	if t.counts[k]+weight > cap {
		t.overflow[k] = true
		return false, true
	}
	t.counts[k] += weight
	return true, false
}

// Forget drops all cap bookkeeping for a grouping key (e.g. a circuit
// that has closed), across every counter.
func (t *capTracker) Forget(key string) {
	suffix := "/" + key
	for k := range t.counts {
		if hasSuffix(k, suffix) {
			delete(t.counts, k)
		}
	}
	for k := range t.overflow {
		if hasSuffix(k, suffix) {
			delete(t.overflow, k)
		}
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
