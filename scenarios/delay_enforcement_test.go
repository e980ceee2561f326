// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package scenarios

import (
	"math"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/privcount/privcount/counter"
	"github.com/privcount/privcount/session"
)

// Scenario 4 (spec §8, scenario 4): a sigma decrease beyond tolerance
// between consecutive rounds must defer the next round's start by at
// least delay_period past the prior round's collection end (invariant
// I3), yet both rounds still publish.
var _ = Describe("Delay policy enforcement", func() {
	It("delays the next round by at least delay_period after a sigma decrease", func() {
		t := GinkgoT()

		skID := newIdentity(t)
		dcID := newIdentity(t)
		h := newHarness(t, []session.Fingerprint{skID.fp}, []session.Fingerprint{dcID.fp})

		skp := h.startSK(skID, 1e9)
		h.startDC(dcID, nil, 0, []string{"observe"})

		bins := []counter.Bin{{Lo: math.Inf(-1), Hi: math.Inf(1)}}

		cfg1 := smallEventTable("round-delay-1", bins, 100, skPeerSpecs(t, skp), 1, 1, 300*time.Millisecond)
		Expect(h.coord.RunRound(cfg1)).To(Succeed())
		out1 := loadOutcome(t, h.outcomeDir, cfg1.RoundID)

		delayPeriod := 1200 * time.Millisecond
		cfg2 := smallEventTable("round-delay-2", bins, 10, skPeerSpecs(t, skp), 1, 1, 300*time.Millisecond)
		cfg2.SigmaDecreaseTolerance = 1
		cfg2.DelayPeriod = delayPeriod

		Expect(h.coord.RunRound(cfg2)).To(Succeed())
		out2 := loadOutcome(t, h.outcomeDir, cfg2.RoundID)

		gap := out2.Context.StartTime.Sub(out1.Context.StopTime)
		Expect(gap).To(BeNumerically(">=", delayPeriod))
	})
})
