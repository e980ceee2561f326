// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package noise

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSigmaPositiveAndMonotonicInDelta(t *testing.T) {
	s1 := Sigma(1.0, 0.5, 1e-5, 1)
	s2 := Sigma(1.0, 0.5, 1e-9, 1)
	require.Greater(t, s1, 0.0)
	require.Greater(t, s2, s1, "smaller delta must require a larger sigma")
}

func TestSigmaWeightScaling(t *testing.T) {
	full := Sigma(2.0, 0.1, 1e-6, 1)
	quarter := Sigma(2.0, 0.1, 1e-6, 0.25)
	require.InDelta(t, full*0.5, quarter, 1e-9, "weight w scales sigma by sqrt(w)")
}

func TestSigmaRejectsInvalidInputs(t *testing.T) {
	require.Equal(t, 0.0, Sigma(1, 0, 1e-5, 1))
	require.Equal(t, 0.0, Sigma(1, 0.5, 0, 1))
	require.Equal(t, 0.0, Sigma(1, 0.5, 1, 1))
	require.Equal(t, 0.0, Sigma(-1, 0.5, 1e-5, 1))
}

func TestSplitEpsilonUniform(t *testing.T) {
	require.Equal(t, 0.25, SplitEpsilon(1.0, 4))
	require.Equal(t, 0.0, SplitEpsilon(1.0, 0))
}

func TestSampleZeroSigma(t *testing.T) {
	require.Equal(t, 0.0, Sample(0))
}

func TestSampleCentersNearZero(t *testing.T) {
	const n = 4000
	var sum float64
	for i := 0; i < n; i++ {
		sum += Sample(3.0)
	}
	mean := sum / n
	require.Less(t, math.Abs(mean), 1.0, "sample mean should be near zero over many draws")
}

func TestSelfCheckPassesForReasonableSigma(t *testing.T) {
	require.NoError(t, SelfCheck(2.0, 20000))
}

func TestSelfCheckNoopForDegenerateInputs(t *testing.T) {
	require.NoError(t, SelfCheck(0, 100))
	require.NoError(t, SelfCheck(1.0, 0))
}

func TestDelayRequiredAlwaysDelay(t *testing.T) {
	require.True(t, DelayRequired(nil, nil, 0, true))
}

func TestDelayRequiredNoPriorRound(t *testing.T) {
	require.False(t, DelayRequired(map[string]float64{"c": 1}, nil, 0.1, false))
}

func TestDelayRequiredOnSigmaDecrease(t *testing.T) {
	prior := &PriorRound{SigmaByCounter: map[string]float64{"c": 5.0}}
	require.True(t, DelayRequired(map[string]float64{"c": 4.0}, prior, 0.5, false))
	require.False(t, DelayRequired(map[string]float64{"c": 4.8}, prior, 0.5, false))
}

func TestEarliestStart(t *testing.T) {
	end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	prior := &PriorRound{CollectionEnd: end}

	require.True(t, EarliestStart(prior, time.Hour, false).IsZero())
	require.Equal(t, end.Add(time.Hour), EarliestStart(prior, time.Hour, true))
}
