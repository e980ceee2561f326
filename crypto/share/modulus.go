// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

// Package share implements the PrivEx-S2 additive secret-sharing scheme
// of spec §3/§4.4: per-(counter,bin) blinding streams derived from a
// pairwise DC/SK seed via a SHA-256 PRF, and the modular share arithmetic
// every peer performs on top of them.
//
// All arithmetic here runs over cronokirby/saferith's constant-time Nat
// type rather than math/big: share values and PRF outputs are exactly the
// secret data spec invariant I2 ("seed secrecy") requires never leak, and
// math/big's variable-time division is a textbook side channel on secret
// operands.
package share

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/cronokirby/saferith"
	"github.com/otiai10/primes"
)

// Modulus wraps the fixed prime P every peer must agree on (spec §3:
// "Counter values are held in a modular ring of size P... every
// implementation must use the same value").
type Modulus struct {
	m *saferith.Modulus
}

// NewModulus builds a Modulus from its big-endian byte encoding, as
// carried in RoundConfig.ModulusHex.
func NewModulus(bz []byte) *Modulus {
	return &Modulus{m: saferith.ModulusFromBytes(bz)}
}

// ParseModulusHex decodes a hex-encoded modulus as stored on RoundConfig.
func ParseModulusHex(hexStr string) (*Modulus, error) {
	bz, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("share: invalid modulus hex %q: %w", hexStr, err)
	}
	return NewModulus(bz), nil
}

// Bytes returns the big-endian encoding of P.
func (m *Modulus) Bytes() []byte {
	return m.m.Nat().Bytes()
}

// Big returns P as a math/big.Int, for boundary uses that are not
// security-sensitive (logging, the final signed-range interpretation in
// spec §4.6 step 2, which operates on an already-reconstructed public
// total).
func (m *Modulus) Big() *big.Int {
	return m.m.Nat().Big()
}

// CheckPrime validates that the configured modulus is at least 512 bits
// and actually prime, returning an error otherwise; sk.Keeper rejects a
// RoundConfig whose modulus fails it (a composite modulus breaks the
// ring arithmetic conservation invariant I1). Uses the reference
// corpus's own otiai10/primes library rather than an ad hoc inline
// Miller-Rabin call.
func (m *Modulus) CheckPrime() error {
	n := m.Big()
	if n.BitLen() < 512 {
		return fmt.Errorf("share: modulus is only %d bits, want >= 512", n.BitLen())
	}
	if !primes.IsPrime(n) {
		return fmt.Errorf("share: configured modulus is not prime")
	}
	return nil
}
