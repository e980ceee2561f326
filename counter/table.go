// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

// Package counter implements the configuration-driven counter table of
// spec §4.4: counter declarations (name, bins, event subscription, field
// extractors, predicate) are data the core loads and applies, never code
// the core must be changed to add a counter to (spec §9).
package counter

import (
	"fmt"
	"math"
)

// Bin is a half-open interval [Lo, Hi) except when Hi is +Inf, in which
// case it is closed (spec §3 "Counter", and §8's boundary property).
type Bin struct {
	Lo float64 `json:"lo"`
	Hi float64 `json:"hi"`
}

func (b Bin) contains(v float64) bool {
	if math.IsInf(b.Hi, 1) {
		return v >= b.Lo
	}
	return v >= b.Lo && v < b.Hi
}

// Spec declares one counter: its bins, the event types and field it
// subscribes to, and the predicate/weight semantics needed to turn a
// matching event into a (bin index, increment) pair. Predicate and field
// extraction are named, not coded: the DC interprets FieldName/Predicate
// against the generic eventsource.Event field map, so adding a counter
// never requires a code change (spec §9).
type Spec struct {
	Name        string `json:"name"`
	Bins        []Bin  `json:"bins"`
	Sensitivity float64 `json:"sensitivity"`
	ExpectedValue float64 `json:"expected_value"`
	Sigma       float64 `json:"sigma,omitempty"` // explicit override; 0 means "compute from epsilon/delta"

	// Epsilon and Delta are the per-counter DP budget Sigma was derived
	// from (spec §4.1's epsilon split, and §4.6 step 4's requirement
	// that published outcomes record "per-counter (ε, δ, σ,
	// sensitivity)"). Set even when Sigma came from an explicit
	// per-counter override, so the outcome always reflects the budget
	// the round was configured with.
	Epsilon float64 `json:"epsilon,omitempty"`
	Delta   float64 `json:"delta,omitempty"`

	// EventTypes is the subscription set: this counter is only fed by
	// events whose Type is in this list.
	EventTypes []string `json:"event_types"`
	// FieldName names the numeric or categorical event field the bin
	// index is computed from.
	FieldName string `json:"field_name"`
	// Predicate, if non-empty, is a configuration-level filter
	// expression name; the DC's predicate registry (external to the
	// core, spec §1) decides whether an event matches.
	Predicate string `json:"predicate,omitempty"`
	// Increment, if non-empty, names how the weight is derived
	// ("count", "bytes", "cells", "sq_log_delay", ...); "" means 1.
	Increment string `json:"increment,omitempty"`
	// Cap, if > 0, is the per-grouping-key cap from spec §4.3
	// ("max_cell_events_per_circuit"-style caps); 0 means uncapped.
	Cap int `json:"cap,omitempty"`

	// Zero marks the validity ("zero") counter of spec §4.6: sensitivity
	// 0, expected value 0, exempt from name accept/reject filters.
	Zero bool `json:"zero,omitempty"`
}

// Validate enforces monotonic, non-overlapping bin edges and non-negative
// sensitivity/expected value (spec §4.3's DC validation gates).
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("counter: empty name")
	}
	if len(s.Bins) == 0 {
		return fmt.Errorf("counter %s: no bins", s.Name)
	}
	if s.Sensitivity < 0 {
		return fmt.Errorf("counter %s: negative sensitivity", s.Name)
	}
	if s.ExpectedValue < 0 {
		return fmt.Errorf("counter %s: negative expected value", s.Name)
	}
	for i, b := range s.Bins {
		if b.Hi <= b.Lo && !math.IsInf(b.Hi, 1) {
			return fmt.Errorf("counter %s: bin %d has non-monotonic edges [%v,%v)", s.Name, i, b.Lo, b.Hi)
		}
		if i > 0 && s.Bins[i-1].Hi != b.Lo {
			return fmt.Errorf("counter %s: bin %d is not contiguous with the previous bin", s.Name, i)
		}
	}
	return nil
}

// BinIndex finds the bin v falls into in O(log b) by binary search over
// the sorted Lo edges, returning ok=false when v falls outside every bin
// (the caller maps this to the designated overflow bin per spec invariant
// I5: "out-of-range bins map to a designated overflow bin, never dropped").
func (s *Spec) BinIndex(v float64) (idx int, ok bool) {
	// bins are stored and validated contiguous-ascending, so a single
	// binary search over Hi edges locates the (unique) candidate bin.
	lo, hi := 0, len(s.Bins)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.Bins[mid].Hi <= v && !math.IsInf(s.Bins[mid].Hi, 1) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(s.Bins) && s.Bins[lo].contains(v) {
		return lo, true
	}
	return 0, false
}

// Table is the parsed, ready-to-apply counter table: one Spec per
// declared counter plus a name index. It holds no overflow counter of its
// own; a bin lookup that falls outside every declared bin is handled by
// the caller of BinIndex.
type Table struct {
	byName map[string]*Spec
	order  []string
}

// NewTable builds a Table from the RoundConfig's declared counters,
// validating each and rejecting duplicate names.
func NewTable(specs []Spec) (*Table, error) {
	t := &Table{byName: make(map[string]*Spec, len(specs))}
	for i := range specs {
		s := specs[i]
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := t.byName[s.Name]; dup {
			return nil, fmt.Errorf("counter: duplicate name %q", s.Name)
		}
		t.byName[s.Name] = &s
		t.order = append(t.order, s.Name)
	}
	return t, nil
}

// Names returns every declared counter name in declaration order.
func (t *Table) Names() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Get returns the Spec for name, or nil if undeclared.
func (t *Table) Get(name string) *Spec {
	return t.byName[name]
}

// Subscribers returns every counter subscribed to the given event type,
// used by the DC event router (spec §4.3 step 2).
func (t *Table) Subscribers(eventType string) []*Spec {
	var out []*Spec
	for _, name := range t.order {
		s := t.byName[name]
		for _, et := range s.EventTypes {
			if et == eventType {
				out = append(out, s)
				break
			}
		}
	}
	return out
}
