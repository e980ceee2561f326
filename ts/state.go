// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

// Package ts implements the Tally Server coordinator: the sole driver of
// the round state machine (spec §4.1). It listens for SK and DC
// sessions, tracks their status, distributes round configuration,
// signals start and stop, collects shares, reconstructs totals, and
// writes the outcome file.
package ts

// State is one node of the round lifecycle state machine of spec §4.1.
type State int

const (
	Idle State = iota
	Starting
	Collecting
	Stopping
	Tallying
	Published
	Aborting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Starting:
		return "STARTING"
	case Collecting:
		return "COLLECTING"
	case Stopping:
		return "STOPPING"
	case Tallying:
		return "TALLYING"
	case Published:
		return "PUBLISHED"
	case Aborting:
		return "ABORTING"
	default:
		return "UNKNOWN"
	}
}
