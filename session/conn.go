// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package session

import (
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/privcount/privcount/common"
	"github.com/privcount/privcount/wire"
)

// Conn is an established, handshaken peer connection: a framed
// Reader/Writer pair plus the Session identity learned during §4.5's
// handshake.
type Conn struct {
	Session *Session
	R       *wire.Reader
	W       *wire.Writer
	rwc     io.ReadWriteCloser
}

// Close tears down the underlying transport.
func (c *Conn) Close() error { return c.rwc.Close() }

// Handshake drives spec §4.5 over rwc: Hello/HelloAck exchange of RSA
// public keys and nonces, HMAC proof of the shared handshake secret, and
// fingerprint-based registration against allowed. ourKind/ourKey identify
// this side; roundID is "" before any round exists and is only used for
// error attribution.
func Handshake(rwc io.ReadWriteCloser, ourKind Kind, ourKey *rsa.PrivateKey, handshakeSecret []byte, allowed *AllowList, roundID string) (*Conn, *common.Error) {
	r := wire.NewReader(rwc, wire.MaxLineBytes)
	w := wire.NewWriter(rwc)

	ourNonce := common.RandomNonce32()
	ourPub, err := PublicKeyPEM(&ourKey.PublicKey)
	if err != nil {
		return nil, common.Wrap(common.BadHandshake, roundID, "", err)
	}
	helloEnv, err := wire.Seal(wire.TypeHello, roundID, wire.HelloPayload{
		Role:      string(ourKind),
		PublicKey: ourPub,
		Nonce:     hex.EncodeToString(ourNonce[:]),
	}, handshakeSecret)
	if err != nil {
		return nil, common.Wrap(common.BadHandshake, roundID, "", err)
	}
	if err := w.WriteEnvelope(helloEnv); err != nil {
		return nil, common.Wrap(common.BadHandshake, roundID, "", err)
	}

	theirHelloEnv, err := r.ReadEnvelope()
	if err != nil {
		return nil, common.Wrap(common.BadHandshake, roundID, "", err)
	}
	if theirHelloEnv.Type != wire.TypeHello {
		return nil, common.Wrap(common.BadHandshake, roundID, "", fmt.Errorf("expected Hello, got %s", theirHelloEnv.Type))
	}
	var theirHello wire.HelloPayload
	if err := theirHelloEnv.Unmarshal(&theirHello); err != nil {
		return nil, common.Wrap(common.BadHandshake, roundID, "", err)
	}
	theirPub, err := ParsePublicKeyPEM(theirHello.PublicKey)
	if err != nil {
		return nil, common.Wrap(common.BadHandshake, roundID, "", err)
	}
	theirNonceBz, err := hex.DecodeString(theirHello.Nonce)
	if err != nil || len(theirNonceBz) != 32 {
		return nil, common.Wrap(common.BadHandshake, roundID, "", fmt.Errorf("malformed nonce"))
	}
	var theirNonce [32]byte
	copy(theirNonce[:], theirNonceBz)

	theirFP, err := FingerprintOf(theirPub)
	if err != nil {
		return nil, common.Wrap(common.BadHandshake, roundID, "", err)
	}
	if !allowed.Permits(Kind(theirHello.Role), theirFP) {
		return nil, common.Wrap(common.UnknownPeer, roundID, string(theirFP), errUnknownPeer(Kind(theirHello.Role), theirFP))
	}

	ourFP, err := FingerprintOf(&ourKey.PublicKey)
	if err != nil {
		return nil, common.Wrap(common.BadHandshake, roundID, "", err)
	}
	ourProof := Proof(handshakeSecret, string(ourKind), theirNonce, ourNonce, ourFP)
	ackEnv, err := wire.Seal(wire.TypeHelloAck, roundID, wire.HelloAckPayload{
		Nonce: hex.EncodeToString(ourNonce[:]),
		Proof: hex.EncodeToString(ourProof),
	}, handshakeSecret)
	if err != nil {
		return nil, common.Wrap(common.BadHandshake, roundID, "", err)
	}
	if err := w.WriteEnvelope(ackEnv); err != nil {
		return nil, common.Wrap(common.BadHandshake, roundID, string(theirFP), err)
	}

	theirAckEnv, err := r.ReadEnvelope()
	if err != nil {
		return nil, common.Wrap(common.BadHandshake, roundID, string(theirFP), err)
	}
	var theirAck wire.HelloAckPayload
	if err := theirAckEnv.Unmarshal(&theirAck); err != nil {
		return nil, common.Wrap(common.BadHandshake, roundID, string(theirFP), err)
	}
	theirProof, err := hex.DecodeString(theirAck.Proof)
	if err != nil {
		return nil, common.Wrap(common.BadHandshake, roundID, string(theirFP), fmt.Errorf("malformed proof"))
	}
	if !VerifyProof(handshakeSecret, theirHello.Role, ourNonce, theirNonce, theirFP, theirProof) {
		return nil, common.Wrap(common.BadHandshake, roundID, string(theirFP), fmt.Errorf("handshake proof mismatch"))
	}

	return &Conn{
		Session: &Session{Kind: Kind(theirHello.Role), Fingerprint: theirFP, PublicKey: theirPub},
		R:       r,
		W:       w,
		rwc:     rwc,
	}, nil
}
