// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package scenarios

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/privcount/privcount/counter"
	"github.com/privcount/privcount/dc"
	"github.com/privcount/privcount/eventsource"
	"github.com/privcount/privcount/round"
	"github.com/privcount/privcount/session"
	"github.com/privcount/privcount/wire"
)

// bareDropoutDC completes the real handshake/ConfigAck/seed exchange
// against a real dc.Collector, then on Stop deliberately withholds its
// ShareSubmit: the TS's threshold reconstruction (spec §6 "Tallying")
// must then see one share short of what DCThreshold requires.
func bareDropoutDC(h *harness, id identity, collector *dc.Collector) error {
	conn, err := tls.Dial("tcp", h.addr, h.ca.clientConfig())
	if err != nil {
		return fmt.Errorf("scenarios: dialing TS: %w", err)
	}
	defer conn.Close()

	sessConn, herr := session.Handshake(conn, session.KindDC, id.priv, h.secret, h.clientAllowList(), "")
	if herr != nil {
		return fmt.Errorf("scenarios: DC handshake failed: %w", herr)
	}

	for {
		env, err := sessConn.R.ReadEnvelope()
		if err != nil {
			return nil
		}
		switch env.Type {
		case wire.TypeRoundConfig:
			var payload wire.RoundConfigPayload
			if err := env.Unmarshal(&payload); err != nil {
				continue
			}
			var cfg round.Config
			if err := json.Unmarshal(payload.Config, &cfg); err != nil {
				continue
			}

			accept, reason := true, ""
			if verr := collector.ValidateGates(&cfg, 0); verr != nil {
				accept, reason = false, verr.Error()
			} else if cerr := collector.OnRoundConfig(&cfg, payload.Hash); cerr != nil {
				accept, reason = false, cerr.Error()
			}
			ack, _ := wire.Seal(wire.TypeConfigAck, cfg.RoundID, wire.ConfigAckPayload{Hash: payload.Hash, Accept: accept, Reason: reason}, h.secret)
			sessConn.W.WriteEnvelope(ack)
			if !accept {
				continue
			}

			skKeys, err := skPublicKeysFor(&cfg)
			if err != nil {
				continue
			}
			seeds, err := collector.GenerateSeeds(skKeys)
			if err != nil {
				continue
			}
			for skFP, ct := range seeds {
				sp := wire.SeedPayload{
					FromFingerprint: string(id.fp),
					ToFingerprint:   skFP,
					EncryptedSeed:   fmt.Sprintf("%x", ct),
				}
				senv, err := wire.Seal(wire.TypeSeed, cfg.RoundID, sp, h.secret)
				if err != nil {
					continue
				}
				sessConn.W.WriteEnvelope(senv)
			}

		case wire.TypeStart:
			collector.Start()

		case wire.TypeStop:
			collector.Stop()
			// Deliberately never sends ShareSubmit.

		case wire.TypeAbort, wire.TypeRoundEnd:
			return nil
		}
	}
}

// Scenario 5 (spec §8, scenario 5): two DCs observing counts 3 and 7 on
// the same bin reconstruct to a combined total of 10 once every share
// arrives; with one of the three submissions withheld, the TS instead
// aborts with MissingShares and writes no outcome.
var _ = Describe("Share reconstruction", func() {
	It("sums independently-submitted shares across DCs into one total", func() {
		t := GinkgoT()

		skID := newIdentity(t)
		dc1ID := newIdentity(t)
		dc2ID := newIdentity(t)
		h := newHarness(t, []session.Fingerprint{skID.fp}, []session.Fingerprint{dc1ID.fp, dc2ID.fp})

		skp := h.startSK(skID, 1e9)
		h.startDC(dc1ID, []eventsource.Event{observeEvent(0, 1), observeEvent(1, 1), observeEvent(2, 1)}, 150*time.Millisecond, []string{"observe"})
		h.startDC(dc2ID, []eventsource.Event{
			observeEvent(10, 1), observeEvent(11, 1), observeEvent(12, 1),
			observeEvent(13, 1), observeEvent(14, 1), observeEvent(15, 1), observeEvent(16, 1),
		}, 150*time.Millisecond, []string{"observe"})

		bins := []counter.Bin{{Lo: math.Inf(-1), Hi: math.Inf(1)}}
		cfg := smallEventTable("round-reconstruct", bins, 0, skPeerSpecs(t, skp), 1, 2, 700*time.Millisecond)

		Expect(h.coord.RunRound(cfg)).To(Succeed())

		out := loadOutcome(t, h.outcomeDir, cfg.RoundID)
		Expect(out.Tally["E"].Bins).To(HaveLen(1))
		Expect(out.Tally["E"].Bins[0].Count).To(Equal(int64(10)))
	})

	It("aborts with no outcome when a DC withholds its share", func() {
		t := GinkgoT()

		skID := newIdentity(t)
		dc1ID := newIdentity(t)
		dc2ID := newIdentity(t)
		h := newHarness(t, []session.Fingerprint{skID.fp}, []session.Fingerprint{dc1ID.fp, dc2ID.fp})

		skp := h.startSK(skID, 1e9)
		h.startDC(dc1ID, []eventsource.Event{observeEvent(0, 1), observeEvent(1, 1), observeEvent(2, 1)}, 150*time.Millisecond, []string{"observe"})

		collector2 := dc.New(string(dc2ID.fp), []string{"observe"}, nil)
		done := make(chan error, 1)
		go func() { done <- bareDropoutDC(h, dc2ID, collector2) }()

		bins := []counter.Bin{{Lo: math.Inf(-1), Hi: math.Inf(1)}}
		cfg := smallEventTable("round-reconstruct-missing", bins, 0, skPeerSpecs(t, skp), 1, 2, 300*time.Millisecond)

		err := h.coord.RunRound(cfg)
		Expect(err).To(HaveOccurred())
		Expect(outcomeExists(h.outcomeDir, cfg.RoundID)).To(BeFalse())

		Eventually(done, 2*time.Second).Should(Receive())
	})
})
