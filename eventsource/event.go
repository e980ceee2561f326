// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

// Package eventsource models the external event feed a Data Collector
// subscribes to (spec §6 "Event source (DC ←)") and a minimal line
// protocol client for it. The Tor control-port semantics themselves are
// an external collaborator; this package only models the tagged-variant
// event record and the session/reconnect machinery around it (spec §9
// "Deep event-class hierarchy").
package eventsource

import "time"

// Event is a tagged record with a common header and per-kind fields
// referenced by name, never by kind-specific accessor methods — the
// counter table's field extractors look fields up by name regardless of
// Kind, so adding an event kind never requires a core code change.
type Event struct {
	Kind      string                 `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id"`
	Sequence  uint64                 `json:"sequence"`
	Fields    map[string]interface{} `json:"fields"`
}

// Field returns the named field and whether it was present.
func (e *Event) Field(name string) (interface{}, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

// Float64 returns the named field coerced to float64, for numeric bin
// lookups. Accepts float64, int, int64, and uint64 representations
// (JSON decoding produces float64; synthetic/injected events may carry
// native numeric types).
func (e *Event) Float64(name string) (float64, bool) {
	v, ok := e.Fields[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// String returns the named field coerced to string, for categorical
// predicates.
func (e *Event) String(name string) (string, bool) {
	v, ok := e.Fields[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IsLiveness reports whether this is a pure liveness/bookkeeping event
// that carries no counter-affecting data — such events may be dropped
// under back-pressure (spec §7 "Back-pressure") without violating
// conservation.
func (e *Event) IsLiveness() bool {
	return e.Kind == "ping" || e.Kind == "heartbeat"
}
