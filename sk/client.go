// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package sk

import (
	"crypto/rsa"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/privcount/privcount/round"
	"github.com/privcount/privcount/session"
	"github.com/privcount/privcount/wire"
)

// Client drives one SK's TLS session with the TS: handshake, then a
// message loop dispatching RoundConfig/Seed/Stop to a Keeper.
type Client struct {
	keeper          *Keeper
	priv            *rsa.PrivateKey
	handshakeSecret []byte
	allowed         *session.AllowList
}

// NewClient builds a Client.
func NewClient(keeper *Keeper, priv *rsa.PrivateKey, handshakeSecret []byte, allowed *session.AllowList) *Client {
	return &Client{keeper: keeper, priv: priv, handshakeSecret: handshakeSecret, allowed: allowed}
}

// Run connects to the TS at addr and services messages until the
// connection closes or ctxErr returns non-nil.
func (c *Client) Run(addr string, tlsCfg *tls.Config) error {
	conn, err := tls.Dial("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("sk: dialing TS %s: %w", addr, err)
	}
	defer conn.Close()

	sessConn, herr := session.Handshake(conn, session.KindSK, c.priv, c.handshakeSecret, c.allowed, "")
	if herr != nil {
		return fmt.Errorf("sk: handshake with TS failed: %w", herr)
	}
	log.Infof("sk: connected to TS %s", sessConn.Session.Fingerprint)

	var roundID, roundHash string
	for {
		env, err := sessConn.R.ReadEnvelope()
		if err != nil {
			return fmt.Errorf("sk: connection to TS ended: %w", err)
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
			accept, reason := c.keeper.OnRoundConfig(&cfg, payload.Hash)
			ack, _ := wire.Seal(wire.TypeConfigAck, roundID, wire.ConfigAckPayload{Hash: payload.Hash, Accept: accept, Reason: reason}, c.handshakeSecret)
			sessConn.W.WriteEnvelope(ack)

		case wire.TypeSeed:
			var payload wire.SeedPayload
			if err := env.Unmarshal(&payload); err != nil {
				continue
			}
			ct, err := hex.DecodeString(payload.EncryptedSeed)
			if err != nil {
				continue
			}
			if err := c.keeper.OnSeedExchange(payload.FromFingerprint, ct); err != nil {
				log.Warnf("sk: %v", err)
			}

		case wire.TypeStop:
			sealed, err := c.keeper.OnStop(sessConn.Session.PublicKey)
			if err != nil {
				log.Warnf("sk: on_stop: %v", err)
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
			sessConn.W.WriteEnvelope(env)

		case wire.TypeAbort, wire.TypeRoundEnd:
			log.Infof("sk: round %s ended (%s)", roundHash, env.Type)
		}
	}
}
