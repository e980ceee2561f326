// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package dc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSamplerRateOneAlwaysIncludes(t *testing.T) {
	s := newSampler(1)
	for i := 0; i < 20; i++ {
		require.True(t, s.Sample("circuit-a"))
	}
}

func TestSamplerDecisionStableForCircuitLifetime(t *testing.T) {
	s := newSampler(0.5)
	first := s.Sample("circuit-a")
	for i := 0; i < 50; i++ {
		require.Equal(t, first, s.Sample("circuit-a"), "sampling decision must not flip for the same circuit")
	}
}

func TestSamplerForgetAllowsRedecision(t *testing.T) {
	s := newSampler(1)
	require.True(t, s.Sample("circuit-a"))
	s.Forget("circuit-a")
	_, cached := s.decided["circuit-a"]
	require.False(t, cached)
}

func TestCapTrackerAllowsUpToCapThenOverflowsOnce(t *testing.T) {
	ct := newCapTracker()

	allowed, over := ct.Allow("c", "circuit-a", 10, 4)
	require.True(t, allowed)
	require.False(t, over)

	allowed, over = ct.Allow("c", "circuit-a", 10, 4)
	require.True(t, allowed)
	require.False(t, over)

	allowed, over = ct.Allow("c", "circuit-a", 10, 4)
	require.False(t, allowed)
	require.True(t, over, "the call that exceeds the cap reports justOverflowed")

	allowed, over = ct.Allow("c", "circuit-a", 10, 1)
	require.False(t, allowed)
	require.False(t, over, "overflow only fires once per key")
}

func TestCapTrackerZeroCapUncapped(t *testing.T) {
	ct := newCapTracker()
	allowed, over := ct.Allow("c", "circuit-a", 0, 1_000_000)
	require.True(t, allowed)
	require.False(t, over)
}

func TestCapTrackerForgetClearsAllCountersForKey(t *testing.T) {
	ct := newCapTracker()
	ct.Allow("a", "circuit-a", 5, 1)
	ct.Allow("b", "circuit-a", 5, 1)
	ct.Allow("a", "circuit-b", 5, 1)

	ct.Forget("circuit-a")

	_, hasA := ct.counts["a/circuit-a"]
	_, hasB := ct.counts["b/circuit-a"]
	_, hasOther := ct.counts["a/circuit-b"]
	require.False(t, hasA)
	require.False(t, hasB)
	require.True(t, hasOther, "forgetting one key must not affect another")
}
