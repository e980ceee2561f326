// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package scenarios

import (
	"crypto/rsa"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/privcount/privcount/common"
	"github.com/privcount/privcount/counter"
	"github.com/privcount/privcount/dc"
	"github.com/privcount/privcount/round"
	"github.com/privcount/privcount/session"
	"github.com/privcount/privcount/wire"
)

func skPublicKeysFor(cfg *round.Config) (map[string]*rsa.PublicKey, error) {
	out := make(map[string]*rsa.PublicKey, len(cfg.SKs))
	for _, sk := range cfg.SKs {
		pub, err := session.ParsePublicKeyPEM(sk.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("scenarios: parsing SK %s public key: %w", sk.Fingerprint, err)
		}
		out[sk.Fingerprint] = pub
	}
	return out, nil
}

// bareOverflowDC drives the DC wire protocol by hand, exactly as
// dc.Client.Run does, except it never spawns Collector.Drain after
// Start: with nothing ever popping the bounded queue, pushing past its
// capacity overflows deterministically on the first counter-affecting
// event past that capacity, rather than racing a live drain loop. On
// overflow it reports EventOverflow to the TS (spec §7 "Back-pressure")
// exactly as the real intake/reportOverflow path does, then disconnects.
func bareOverflowDC(h *harness, id identity, collector *dc.Collector, burstCount int) error {
	conn, err := tls.Dial("tcp", h.addr, h.ca.clientConfig())
	if err != nil {
		return fmt.Errorf("scenarios: dialing TS: %w", err)
	}
	defer conn.Close()

	sessConn, herr := session.Handshake(conn, session.KindDC, id.priv, h.secret, h.clientAllowList(), "")
	if herr != nil {
		return fmt.Errorf("scenarios: DC handshake failed: %w", herr)
	}

	var roundID string
	for {
		env, err := sessConn.R.ReadEnvelope()
		if err != nil {
			return fmt.Errorf("scenarios: connection to TS ended: %w", err)
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
			roundID = cfg.RoundID

			accept, reason := true, ""
			if verr := collector.ValidateGates(&cfg, 0); verr != nil {
				accept, reason = false, verr.Error()
			} else if cerr := collector.OnRoundConfig(&cfg, payload.Hash); cerr != nil {
				accept, reason = false, cerr.Error()
			}
			ack, _ := wire.Seal(wire.TypeConfigAck, roundID, wire.ConfigAckPayload{Hash: payload.Hash, Accept: accept, Reason: reason}, h.secret)
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
					EncryptedSeed:   hex.EncodeToString(ct),
				}
				senv, err := wire.Seal(wire.TypeSeed, roundID, sp, h.secret)
				if err != nil {
					continue
				}
				sessConn.W.WriteEnvelope(senv)
			}

		case wire.TypeStart:
			collector.Start()
			var overflow *common.Error
			for i := 0; i < burstCount && overflow == nil; i++ {
				ev := observeEvent(uint64(i), 1)
				overflow = collector.Enqueue(&ev)
			}
			if overflow == nil {
				return fmt.Errorf("scenarios: burst of %d events never overflowed the queue", burstCount)
			}
			aenv, _ := wire.Seal(wire.TypeAbort, roundID, wire.AbortPayload{
				Kind:   string(common.EventOverflow),
				Reason: overflow.Error(),
			}, h.secret)
			sessConn.W.WriteEnvelope(aenv)
			return nil

		case wire.TypeStop, wire.TypeAbort, wire.TypeRoundEnd:
			return nil
		}
	}
}

// Scenario 6 (spec §8, scenario 6): a small event queue (1024, selected
// by configuring max_cell_events_per_circuit) overwhelmed by a burst of
// counter-affecting events must abort the round with EventOverflow,
// write no outcome, and have the TS's abort log identify the DC.
var _ = Describe("Event overflow back-pressure", func() {
	It("aborts the round and writes no outcome when a DC's queue overflows", func() {
		t := GinkgoT()

		skID := newIdentity(t)
		dcID := newIdentity(t)
		h := newHarness(t, []session.Fingerprint{skID.fp}, []session.Fingerprint{dcID.fp})

		skp := h.startSK(skID, 1e9)
		collector := dc.New(string(dcID.fp), []string{"observe"}, nil)

		done := make(chan error, 1)
		go func() { done <- bareOverflowDC(h, dcID, collector, 10000) }()

		cfg := smallEventTable("round-overflow", []counter.Bin{{Lo: math.Inf(-1), Hi: math.Inf(1)}}, 0,
			skPeerSpecs(t, skp), 1, 1, 500*time.Millisecond)
		cfg.MaxCellEventsPerCircuit = 1

		err := h.coord.RunRound(cfg)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring(string(dcID.fp)))

		Expect(outcomeExists(h.outcomeDir, cfg.RoundID)).To(BeFalse())

		Eventually(done, 2*time.Second).Should(Receive())
	})
})
