// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package counter

import (
	"fmt"
	"math"
)

// TrafficModelSpec declares an HMM-like state machine whose states and
// transitions each induce their own counters (spec §4.4 "Traffic-model
// counters", GLOSSARY "Traffic model"). TS and every DC derive the same
// counter set from the same TrafficModelSpec, so names and bins always
// agree without the TS enumerating them explicitly.
type TrafficModelSpec struct {
	Name        string   `json:"name"`
	States      []string `json:"states"`
	Directions  []string `json:"directions"` // e.g. "in", "out"
	Transitions []struct {
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"transitions"`
	// ObservationBins are the bins used for every derived state/direction
	// counter (e.g. inter-arrival delay histograms); transition counters
	// are always single-bin (a plain transition count).
	ObservationBins []Bin `json:"observation_bins"`
}

// StateDirectionCounterName returns the deterministic name of the counter
// tracking observations emitted while in state s, traveling in direction
// d, so DC and TS agree on the name without exchanging it explicitly.
func (m *TrafficModelSpec) StateDirectionCounterName(state, direction string) string {
	return fmt.Sprintf("TrafficModel.%s.state.%s.%s", m.Name, state, direction)
}

// TransitionCounterName returns the deterministic name of the counter
// tracking from->to transitions.
func (m *TrafficModelSpec) TransitionCounterName(from, to string) string {
	return fmt.Sprintf("TrafficModel.%s.transition.%s->%s", m.Name, from, to)
}

// Derive expands the traffic model into one Spec per state/direction pair
// and one per declared transition (spec §4.4: "for each state/direction
// pair and each state/state transition, one counter is added").
func (m *TrafficModelSpec) Derive() ([]Spec, error) {
	if m == nil {
		return nil, nil
	}
	if len(m.States) == 0 {
		return nil, fmt.Errorf("traffic model %s: no states declared", m.Name)
	}
	if len(m.ObservationBins) == 0 {
		return nil, fmt.Errorf("traffic model %s: no observation bins declared", m.Name)
	}
	var specs []Spec
	for _, state := range m.States {
		for _, dir := range m.Directions {
			specs = append(specs, Spec{
				Name:       m.StateDirectionCounterName(state, dir),
				Bins:       m.ObservationBins,
				EventTypes: []string{"TrafficModelObservation"},
				FieldName:  "delay",
			})
		}
	}
	for _, tr := range m.Transitions {
		specs = append(specs, Spec{
			Name:       m.TransitionCounterName(tr.From, tr.To),
			Bins:       []Bin{{Lo: 0, Hi: math.Inf(1)}},
			EventTypes: []string{"TrafficModelTransition"},
			FieldName:  "count",
		})
	}
	return specs, nil
}
