// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package session

import (
	"crypto/hmac"
	"crypto/sha256"
)

// Proof computes HMAC-SHA256(handshakeSecret, roleTag || theirNonce ||
// ourNonce || ourFingerprint), per spec §4.5: both sides "prove knowledge
// of a pre-shared symmetric handshake secret by transmitting" this value.
func Proof(handshakeSecret []byte, roleTag string, theirNonce, ourNonce [32]byte, ourFingerprint Fingerprint) []byte {
	mac := hmac.New(sha256.New, handshakeSecret)
	mac.Write([]byte(roleTag))
	mac.Write(theirNonce[:])
	mac.Write(ourNonce[:])
	mac.Write([]byte(ourFingerprint))
	return mac.Sum(nil)
}

// VerifyProof recomputes the expected proof from our side's perspective
// (ourNonce is the nonce *we* sent them, theirNonce is the one *they*
// sent us, swapped relative to Proof's own call when the verifier checks
// its peer's proof) and compares in constant time.
func VerifyProof(handshakeSecret []byte, roleTag string, ourNonceSentToThem, theirNonceSentToUs [32]byte, theirFingerprint Fingerprint, gotProof []byte) bool {
	want := Proof(handshakeSecret, roleTag, ourNonceSentToThem, theirNonceSentToUs, theirFingerprint)
	return hmac.Equal(want, gotProof)
}
