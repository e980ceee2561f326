// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package common

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

// RandomBytes returns n cryptographically strong pseudo-random bytes, or
// panics if the system CSPRNG cannot be read (a condition callers cannot
// meaningfully recover from: share seeds and RSA nonces with no entropy
// are a total loss of I2, not a transient failure).
func RandomBytes(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(errors.Wrap(err, "RandomBytes: system CSPRNG failure"))
	}
	return buf
}

// RandomSeed256 returns a fresh 256-bit share seed, per spec §3 "Share
// seed": "a 256-bit uniformly random value, generated fresh at round
// start".
func RandomSeed256() [32]byte {
	var seed [32]byte
	copy(seed[:], RandomBytes(32))
	return seed
}

// RandomNonce32 returns a 32-byte handshake nonce, per spec §4.5.
func RandomNonce32() [32]byte {
	var nonce [32]byte
	copy(nonce[:], RandomBytes(32))
	return nonce
}

// SampleUnit draws a uniform float64 in [0, 1) from the CSPRNG, the
// building block for circuit_sample_rate decisions (spec §4.3) and for
// anywhere else a stable, one-shot coin flip seeded from strong entropy
// is needed. It is deliberately not math/rand: the sampling decision
// gates whether a circuit's private data contributes to a published
// counter at all, so it must not be predictable.
func SampleUnit() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(errors.Wrap(err, "SampleUnit: system CSPRNG failure"))
	}
	// 53 bits of entropy, matching float64's mantissa, avoids rounding
	// bias from naively dividing a full 64-bit value.
	v := binary.BigEndian.Uint64(buf[:]) >> 11
	return float64(v) / float64(uint64(1)<<53)
}

// LogID derives a short, non-protocol-critical disambiguation suffix
// (e.g. for --log-id) from arbitrary seed bytes such as a hostname and
// start time. It uses blake3 rather than the DomainHash/SHA-256 used on
// the share-conservation path: this value never crosses the wire and
// never needs cross-peer determinism, only speed and low collision risk
// among processes on the same host.
func LogID(seed []byte) string {
	sum := blake3.Sum256(seed)
	return hex.EncodeToString(sum[:6])
}

// GroupKey maps an entity identifier (e.g. a circuit id from the event
// source) to a fixed-size in-memory table key. Same rationale as LogID:
// this key never crosses the wire, so a fast non-cross-peer-deterministic
// hash is preferable to carrying arbitrary-length identifiers as map
// keys for the lifetime of every open entity.
func GroupKey(id string) string {
	sum := blake3.Sum256([]byte(id))
	return hex.EncodeToString(sum[:16])
}
