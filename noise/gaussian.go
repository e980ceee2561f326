// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package noise

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"

	"github.com/privcount/privcount/common"
)

// Sample draws one zero-mean Gaussian value with the given standard
// deviation using the Box-Muller transform over CSPRNG uniforms. Per
// spec's Open Question ("Which party... physically samples the noise"),
// PrivCount fixes this: the TS is the sole sampler, once per counter per
// round, after reconstruction (spec §4.6 step 3) — never a DC — so that
// I1 (conservation of the raw, unnoised sum) holds exactly on the
// submitted shares and noise is visibly a publish-time step recorded in
// the outcome context, not something hidden inside any peer's share
// arithmetic.
func Sample(sigma float64) float64 {
	if sigma <= 0 {
		return 0
	}
	u1 := common.SampleUnit()
	for u1 == 0 {
		u1 = common.SampleUnit()
	}
	u2 := common.SampleUnit()
	r := math.Sqrt(-2 * math.Log(u1))
	theta := 2 * math.Pi * u2
	return sigma * r * math.Cos(theta)
}

// ExpectedValue returns the noise mechanism's expected value, used to
// debias a published total per spec §4.6 step 3. The zero-mean Gaussian
// mechanism used here always has expectation zero; this indirection
// exists so ts.Coordinator.publish never hard-codes that assumption and a
// future non-zero-mean mechanism (e.g. one-sided Laplace) only needs a
// new implementation of this function.
func ExpectedValue(_ float64) float64 {
	return 0
}

// SelfCheck draws n samples at the given sigma and fails if their sample
// mean or standard deviation strays from the configured distribution
// beyond tolerance, catching a broken CSPRNG or transform before a round
// ever starts relying on it. The TS runs this once at startup, not per
// round, since the transform itself never changes across rounds.
func SelfCheck(sigma float64, n int) error {
	if sigma <= 0 || n <= 0 {
		return nil
	}
	draws := make([]float64, n)
	for i := range draws {
		draws[i] = Sample(sigma)
	}
	mean, err := stats.Mean(draws)
	if err != nil {
		return fmt.Errorf("noise: computing sample mean: %w", err)
	}
	stddev, err := stats.StandardDeviation(draws)
	if err != nil {
		return fmt.Errorf("noise: computing sample stddev: %w", err)
	}
	// loose bounds: ~4 standard errors on the mean, 10% on sigma itself,
	// generous enough that this never flakes on real randomness but
	// still catches a degenerate (e.g. constant-zero) sampler.
	meanTolerance := 4 * sigma / math.Sqrt(float64(n))
	if math.Abs(mean) > meanTolerance {
		return fmt.Errorf("noise: self-check failed: sample mean %.4f exceeds tolerance %.4f for sigma=%.4f", mean, meanTolerance, sigma)
	}
	if math.Abs(stddev-sigma) > 0.1*sigma {
		return fmt.Errorf("noise: self-check failed: sample stddev %.4f deviates from sigma=%.4f", stddev, sigma)
	}
	return nil
}
