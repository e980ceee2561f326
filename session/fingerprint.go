// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

// Package session implements peer authentication (spec §4.5): RSA
// identity, fingerprints, the nonce/HMAC handshake, and the allow-list
// that gates UnknownPeer rejection.
package session

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
)

// Fingerprint is the SHA-256 of a peer's RSA public key in canonical DER
// encoding (spec GLOSSARY "Fingerprint"), hex-encoded.
type Fingerprint string

// FingerprintOf computes the fingerprint of pub.
func FingerprintOf(pub *rsa.PublicKey) (Fingerprint, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("session: marshaling public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return Fingerprint(hex.EncodeToString(sum[:])), nil
}

// Wildcard is the "*" fingerprint accepted for weight testing (spec §4.5,
// §6).
const Wildcard Fingerprint = "*"
