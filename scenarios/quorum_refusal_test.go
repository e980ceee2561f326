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
	"github.com/privcount/privcount/round"
	"github.com/privcount/privcount/session"
)

// Scenario 3 (spec §8, scenario 3): sk_threshold=2 but only one SK ever
// connects and ACKs. Invariant I4 must keep the round out of COLLECTING
// entirely: RunRound fails, and no outcome file is ever written.
var _ = Describe("Quorum refusal", func() {
	It("refuses to collect when the configured SK threshold is not met", func() {
		t := GinkgoT()

		skID := newIdentity(t)
		missingSKID := newIdentity(t) // never started; exists only in RoundConfig.SKs
		dcID := newIdentity(t)
		h := newHarness(t, []session.Fingerprint{skID.fp, missingSKID.fp}, []session.Fingerprint{dcID.fp})

		skp := h.startSK(skID, 1e9)
		h.startDC(dcID, nil, 0, []string{"observe"})

		sks := skPeerSpecs(t, skp)
		pem, err := session.PublicKeyPEM(&missingSKID.priv.PublicKey)
		Expect(err).NotTo(HaveOccurred())
		sks = append(sks, round.PeerSpec{Fingerprint: string(missingSKID.fp), PublicKeyPEM: pem})

		cfg := smallEventTable("round-quorum", []counter.Bin{{Lo: math.Inf(-1), Hi: math.Inf(1)}}, 0,
			sks, 2, 1, 300*time.Millisecond)

		err = h.coord.RunRound(cfg)
		Expect(err).To(HaveOccurred())
		Expect(outcomeExists(h.outcomeDir, cfg.RoundID)).To(BeFalse())
	})
})
