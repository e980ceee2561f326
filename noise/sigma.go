// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

// Package noise implements the calibration and injection half of the
// protocol: per-counter sigma computation, Gaussian sampling, and the
// inter-round delay policy of spec §4.1.
package noise

import (
	"math/big"

	"github.com/ALTree/bigfloat"
)

// precisionBits is the working precision for the sigma calibration; the
// inputs (epsilon, delta, sensitivity) are ordinary float64s, but the
// sqrt(2 ln(1.25/delta)) term can lose meaningful precision in float64
// when delta is very small, which is exactly the regime DP deployments
// care about getting right.
const precisionBits = 200

// Sigma computes the Gaussian mechanism's standard deviation for one
// counter, per spec §4.1: "σ = sensitivity × sqrt(2 ln(1.25/δ)) / ε_c".
// weight scales the contribution for a single DC whose noise_weight has
// already been normalized to sum to 1 across DCs ("scale each DC's
// contribution by sqrt(weight_d)"); pass weight=1 for the TS-side
// aggregate sigma.
func Sigma(sensitivity, epsilonC, delta, weight float64) float64 {
	if epsilonC <= 0 || delta <= 0 || delta >= 1 || sensitivity < 0 {
		return 0
	}
	bf := func(f float64) *big.Float { return big.NewFloat(f).SetPrec(precisionBits) }

	ratio := new(big.Float).Quo(bf(1.25), bf(delta))
	lnTerm := bigfloat.Log(ratio)
	two := bf(2)
	inner := new(big.Float).Mul(two, lnTerm)
	root := bigfloat.Sqrt(inner)

	sigma := new(big.Float).Mul(bf(sensitivity), root)
	sigma.Quo(sigma, bf(epsilonC))

	if weight != 1 {
		sigma.Mul(sigma, bigfloat.Sqrt(bf(weight)))
	}

	out, _ := sigma.Float64()
	return out
}

// SplitEpsilon partitions a total epsilon budget uniformly across n
// counters, per spec §4.1's "partition the ε-budget uniformly across
// counters (or as configured)" default policy.
func SplitEpsilon(totalEpsilon float64, n int) float64 {
	if n <= 0 {
		return 0
	}
	return totalEpsilon / float64(n)
}
