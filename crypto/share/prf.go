// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package share

import (
	"crypto/sha256"
	"io"

	"github.com/cronokirby/saferith"
	"golang.org/x/crypto/hkdf"

	"github.com/privcount/privcount/common"
)

// domainLabel is the fixed domain-separation label from spec §9:
// "privcount/v1/share-stream". It must never change without a protocol
// version bump, since TS, SK and DC each reproduce the stream
// independently from nothing but (seed, counter name, bin index).
const domainLabel = "privcount/v1/share-stream"

// Seed is a 256-bit pairwise DC/SK share seed (spec §3 "Share seed").
type Seed [32]byte

// Stream derives the deterministic PRF output for (seed, counterName,
// binIndex) as an element of [0, P), per spec §3's keystream derivation
// and §9's exact encoding: "big-endian length prefixes; UTF-8 counter
// names; 64-bit bin indices". HKDF-SHA256 is used as the underlying PRF;
// its "info" parameter carries the exact domain-separated label the spec
// requires, and its output length is sized to be at least as large as P
// plus a 128-bit statistical security margin before reducing mod P, so
// the reduction bias is negligible.
func Stream(seed Seed, counterName string, binIndex uint64, mod *Modulus) *saferith.Nat {
	info := common.DomainHash(domainLabel, []byte(counterName), common.EncodeUint64(binIndex))
	outLen := len(mod.Bytes()) + 16
	r := hkdf.New(sha256.New, seed[:], nil, info)
	buf := make([]byte, outLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		// HKDF over SHA-256 can only fail this way if outLen exceeds
		// 255*32 bytes, which never happens for any modulus size this
		// protocol will ever configure.
		panic("share: HKDF expansion failed: " + err.Error())
	}
	nat := new(saferith.Nat).SetBytes(buf)
	return nat.Mod(nat, mod.m)
}
