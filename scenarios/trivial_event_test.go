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
	"github.com/privcount/privcount/eventsource"
	"github.com/privcount/privcount/session"
)

// Scenario 1 (spec §8, scenario 1): single DC, single SK, one counter,
// trivial event. Counter E has one bin [-inf, +inf), sigma=0. Injecting
// 5 identical matching events with increment 1 must publish
// E.bins[0].count == 5 and ZeroCount == 0.
var _ = Describe("Trivial event counting", func() {
	It("counts five identical events into the single bin", func() {
		t := GinkgoT()

		skID := newIdentity(t)
		dcID := newIdentity(t)
		h := newHarness(t, []session.Fingerprint{skID.fp}, []session.Fingerprint{dcID.fp})

		events := make([]eventsource.Event, 5)
		for i := range events {
			events[i] = observeEvent(uint64(i), 1)
		}

		skp := h.startSK(skID, 1e9)
		h.startDC(dcID, events, 150*time.Millisecond, []string{"observe"})

		cfg := smallEventTable("round-1", []counter.Bin{{Lo: math.Inf(-1), Hi: math.Inf(1)}}, 0,
			skPeerSpecs(t, skp), 1, 1, 700*time.Millisecond)

		Expect(h.coord.RunRound(cfg)).To(Succeed())

		out := loadOutcome(t, h.outcomeDir, cfg.RoundID)
		Expect(out.Tally["E"].Bins).To(HaveLen(1))
		Expect(out.Tally["E"].Bins[0].Count).To(Equal(int64(5)))
		Expect(out.Tally["ZeroCount"].Bins[0].Count).To(Equal(int64(0)))
	})
})
