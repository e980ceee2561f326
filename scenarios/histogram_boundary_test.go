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

// Scenario 2 (spec §8, scenario 2): histogram boundary semantics. Bins
// [0,10), [10,20), [20,+inf), sigma=0. Values {0, 9, 10, 19, 20, 1e9}
// must land 2 per bin: half-open on the low edge, closed at +inf.
var _ = Describe("Histogram bin boundaries", func() {
	It("assigns boundary values to the correct half-open bins", func() {
		t := GinkgoT()

		skID := newIdentity(t)
		dcID := newIdentity(t)
		h := newHarness(t, []session.Fingerprint{skID.fp}, []session.Fingerprint{dcID.fp})

		values := []float64{0, 9, 10, 19, 20, 1e9}
		events := make([]eventsource.Event, len(values))
		for i, v := range values {
			events[i] = observeEvent(uint64(i), v)
		}

		skp := h.startSK(skID, 1e9)
		h.startDC(dcID, events, 150*time.Millisecond, []string{"observe"})

		bins := []counter.Bin{
			{Lo: 0, Hi: 10},
			{Lo: 10, Hi: 20},
			{Lo: 20, Hi: math.Inf(1)},
		}
		cfg := smallEventTable("round-boundary", bins, 0, skPeerSpecs(t, skp), 1, 1, 700*time.Millisecond)

		Expect(h.coord.RunRound(cfg)).To(Succeed())

		out := loadOutcome(t, h.outcomeDir, cfg.RoundID)
		Expect(out.Tally["E"].Bins).To(HaveLen(3))
		Expect(out.Tally["E"].Bins[0].Count).To(Equal(int64(2)))
		Expect(out.Tally["E"].Bins[1].Count).To(Equal(int64(2)))
		Expect(out.Tally["E"].Bins[2].Count).To(Equal(int64(2)))
	})
})
