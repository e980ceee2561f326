// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package dc

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/privcount/privcount/common"
	"github.com/privcount/privcount/eventsource"
	"github.com/privcount/privcount/round"
	"github.com/privcount/privcount/session"
	"github.com/privcount/privcount/wire"
)

// Client drives one DC's TLS session with the TS and its event source
// intake concurrently: a reader goroutine dispatches TS protocol
// messages, an intake goroutine forwards eventsource.Events into the
// Collector's bounded queue, and Collector.Drain runs as the sole writer
// (spec §5 "One writer owns the counter state in the DC").
type Client struct {
	collector       *Collector
	priv            *rsa.PrivateKey
	handshakeSecret []byte
	allowed         *session.AllowList
	sweepEvery      time.Duration
}

// NewClient builds a Client. sweepEvery is the entity-expiry sweep
// interval (spec §4.3 "Entity tracking").
func NewClient(collector *Collector, priv *rsa.PrivateKey, handshakeSecret []byte, allowed *session.AllowList, sweepEvery time.Duration) *Client {
	return &Client{
		collector:       collector,
		priv:            priv,
		handshakeSecret: handshakeSecret,
		allowed:         allowed,
		sweepEvery:      sweepEvery,
	}
}

// Run connects to the TS at addr, subscribes to sub, and services both
// the TS protocol and the event feed until either ends.
func (c *Client) Run(addr string, tlsCfg *tls.Config, sub *eventsource.Subscription) error {
	conn, err := tls.Dial("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("dc: dialing TS %s: %w", addr, err)
	}
	defer conn.Close()

	sessConn, herr := session.Handshake(conn, session.KindDC, c.priv, c.handshakeSecret, c.allowed, "")
	if herr != nil {
		return fmt.Errorf("dc: handshake with TS failed: %w", herr)
	}
	log.Infof("dc: connected to TS %s", sessConn.Session.Fingerprint)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var writeMu sync.Mutex
	writeEnvelope := func(env *wire.Envelope) {
		writeMu.Lock()
		defer writeMu.Unlock()
		sessConn.W.WriteEnvelope(env)
	}

	// reportOverflow is intake's only way to talk back to the TS: it
	// seals one Abort envelope naming this DC's own EventOverflow (spec
	// §7 "Back-pressure") and then closes the connection, which unblocks
	// the ReadEnvelope loop below and ends Run.
	reportOverflow := func(overflow *common.Error) {
		env, err := wire.Seal(wire.TypeAbort, c.collector.RoundID(), wire.AbortPayload{
			Kind:   string(common.EventOverflow),
			Reason: overflow.Error(),
		}, c.handshakeSecret)
		if err == nil {
			writeEnvelope(env)
		}
		conn.Close()
	}

	intakeDone := make(chan struct{})
	go func() {
		defer close(intakeDone)
		c.intake(ctx, sub, reportOverflow)
	}()

	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				c.collector.SweepExpired(now)
			}
		}
	}()

	var roundID, roundHash string
	for {
		env, err := sessConn.R.ReadEnvelope()
		if err != nil {
			cancel()
			return fmt.Errorf("dc: connection to TS ended: %w", err)
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
			roundID, roundHash = cfg.RoundID, payload.Hash

			accept, reason := true, ""
			if verr := c.collector.ValidateGates(&cfg, 0); verr != nil {
				accept, reason = false, verr.Error()
			} else if cerr := c.collector.OnRoundConfig(&cfg, payload.Hash); cerr != nil {
				accept, reason = false, cerr.Error()
			}
			ack, _ := wire.Seal(wire.TypeConfigAck, roundID, wire.ConfigAckPayload{Hash: payload.Hash, Accept: accept, Reason: reason}, c.handshakeSecret)
			writeEnvelope(ack)
			if !accept {
				continue
			}

			skKeys, err := skPublicKeys(&cfg)
			if err != nil {
				log.Warnf("dc: %v", err)
				continue
			}
			seeds, err := c.collector.GenerateSeeds(skKeys)
			if err != nil {
				log.Warnf("dc: generating seeds: %v", err)
				continue
			}
			for skFP, ct := range seeds {
				payload := wire.SeedPayload{
					FromFingerprint: c.collector.fingerprint,
					ToFingerprint:   skFP,
					EncryptedSeed:   hex.EncodeToString(ct),
				}
				env, err := wire.Seal(wire.TypeSeed, roundID, payload, c.handshakeSecret)
				if err != nil {
					continue
				}
				writeEnvelope(env)
			}

		case wire.TypeStart:
			c.collector.Start()
			go c.collector.Drain()

		case wire.TypeStop:
			c.collector.Stop()
			sealed, err := c.collector.OnStop(sessConn.Session.PublicKey)
			if err != nil {
				log.Warnf("dc: on_stop: %v", err)
				continue
			}
			submit := wire.ShareSubmitPayload{
				Fingerprint: string(sessConn.Session.Fingerprint),
				WrappedKey:  hex.EncodeToString(sealed.WrappedKey),
				Nonce:       hex.EncodeToString(sealed.Nonce),
				Ciphertext:  hex.EncodeToString(sealed.Ciphertext),
			}
			env, err := wire.Seal(wire.TypeShareSubmit, roundID, submit, c.handshakeSecret)
			if err != nil {
				continue
			}
			writeEnvelope(env)

		case wire.TypeAbort, wire.TypeRoundEnd:
			c.collector.RoundEnd(time.Now())
			log.Infof("dc: round %s ended (%s)", roundHash, env.Type)
		}
	}
}

// intake forwards every event off sub into the Collector's queue,
// aborting the connection on EventOverflow (spec §7 "Back-pressure") and
// counting reconnect gaps (spec §6).
func (c *Client) intake(ctx context.Context, sub *eventsource.Subscription, reportOverflow func(*common.Error)) {
	var lastGaps int64
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if g := sub.Gaps(); g != lastGaps {
				c.collector.RecordSourceGap()
				lastGaps = g
			}
			if overflow := c.collector.Enqueue(ev); overflow != nil {
				log.Warnf("dc: %v", overflow)
				reportOverflow(overflow)
				return
			}
		}
	}
}

func skPublicKeys(cfg *round.Config) (map[string]*rsa.PublicKey, error) {
	out := make(map[string]*rsa.PublicKey, len(cfg.SKs))
	for _, sk := range cfg.SKs {
		pub, err := session.ParsePublicKeyPEM(sk.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("dc: parsing SK %s public key: %w", sk.Fingerprint, err)
		}
		out[sk.Fingerprint] = pub
	}
	return out, nil
}
