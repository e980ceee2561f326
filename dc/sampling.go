// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package dc

import "github.com/privcount/privcount/common"

// sampler decides, once per circuit and stably for its lifetime, whether
// that circuit contributes to counters (spec §4.3 "Sampling":
// circuit_sample_rate selects whether each newly observed circuit
// contributes; the decision is made once per circuit using a CSPRNG and
// is stable for that circuit's lifetime").
type sampler struct {
	rate     float64
	decided  map[string]bool
}

func newSampler(rate float64) *sampler {
	return &sampler{rate: rate, decided: make(map[string]bool)}
}

// Sample returns whether circuitID contributes, deciding and caching on
// first sight.
func (s *sampler) Sample(circuitID string) bool {
	if in, ok := s.decided[circuitID]; ok {
		return in
	}
	in := s.rate >= 1 || common.SampleUnit() < s.rate
	s.decided[circuitID] = in
	return in
}

// Forget drops a circuit's cached decision once it can no longer recur
// (closed and rotated out), bounding sampler memory to open circuits.
func (s *sampler) Forget(circuitID string) {
	delete(s.decided, circuitID)
}
