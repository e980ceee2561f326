// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package noise

import "time"

// PriorRound is the subset of the previous round's outcome context the
// delay policy needs: its sigma per counter and when its collection
// window ended.
type PriorRound struct {
	SigmaByCounter map[string]float64
	CollectionEnd  time.Time
}

// DelayRequired implements spec §4.1's delay policy: "If any sigma
// strictly decreases (beyond sigma_decrease_tolerance) relative to the
// previous round's sigma, or if always_delay is set, the start is
// deferred until at least delay_period seconds have elapsed since the
// prior round's collection end." tolerance is an absolute sigma
// difference, matching RoundConfig's sigma_decrease_tolerance.
func DelayRequired(proposed map[string]float64, prior *PriorRound, tolerance float64, alwaysDelay bool) bool {
	if alwaysDelay {
		return true
	}
	if prior == nil {
		return false
	}
	for name, newSigma := range proposed {
		oldSigma, ok := prior.SigmaByCounter[name]
		if !ok {
			continue
		}
		if oldSigma-newSigma > tolerance {
			return true
		}
	}
	return false
}

// EarliestStart returns the earliest time a round may start given a
// required delay, implementing the "≥ delay_period" bound of spec §4.1
// and the quantified invariant in §8: "start(R') − end(R) ≥ delay_period".
func EarliestStart(prior *PriorRound, delayPeriod time.Duration, delayRequired bool) time.Time {
	if !delayRequired || prior == nil {
		return time.Time{}
	}
	return prior.CollectionEnd.Add(delayPeriod)
}
