// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package share

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/cronokirby/saferith"
)

// Set holds one Nat per (counter, bin) for a single holder (a DC or an
// SK) in a single round: the s_{c,d} (or t_{c,k}) values of spec §3.
type Set struct {
	mod      *Modulus
	counters map[string][]*saferith.Nat
}

// NewSet allocates a zeroed Set for the given counter table shape.
func NewSet(mod *Modulus, binsPerCounter map[string]int) *Set {
	s := &Set{mod: mod, counters: make(map[string][]*saferith.Nat, len(binsPerCounter))}
	for name, n := range binsPerCounter {
		bins := make([]*saferith.Nat, n)
		for i := range bins {
			bins[i] = new(saferith.Nat).SetUint64(0)
		}
		s.counters[name] = bins
	}
	return s
}

// InitBlinded sets every bin of counter to the sum, mod P, of the PRF
// stream for every seed in seeds — spec §4.3: "Initial counter state is
// set to Σ_k stream(seed_{·,k}, c, bin) (mod P) for every (counter, bin)
// — i.e. all bins start blinded, not zero." Used identically by a DC
// (summing its seed with every SK) and, negated, would describe an SK's
// own share before the DC contributions are subtracted — SK shares are
// instead accumulated directly in NegateKeeperShare below since an SK never
// "counts", it only sums PRF outputs.
func (s *Set) InitBlinded(counterName string, seeds []Seed) {
	bins := s.counters[counterName]
	for i := range bins {
		acc := new(saferith.Nat).SetUint64(0)
		for _, seed := range seeds {
			stream := Stream(seed, counterName, uint64(i), s.mod)
			acc = acc.ModAdd(acc, stream, s.mod.m)
		}
		bins[i] = acc
	}
}

// AddObservation increments counterName's bin by increment, mod P,
// implementing s_{c,bin} += increment (mod P) from spec §4.3 step 2.
func (s *Set) AddObservation(counterName string, bin int, increment uint64) error {
	bins, ok := s.counters[counterName]
	if !ok {
		return fmt.Errorf("share: unknown counter %q", counterName)
	}
	if bin < 0 || bin >= len(bins) {
		return fmt.Errorf("share: bin %d out of range for counter %q", bin, counterName)
	}
	inc := new(saferith.Nat).SetUint64(increment)
	bins[bin] = bins[bin].ModAdd(bins[bin], inc, s.mod.m)
	return nil
}

// NegateKeeperShare computes an SK's own share for one counter/bin as the
// negation of the sum of every DC's PRF stream with this SK's seed for
// that DC, per spec §3: "Each SK k holds -Σ_d r_{c,d,k} (mod P)".
func (s *Set) NegateKeeperShare(counterName string, seedsByDC []Seed) {
	bins := s.counters[counterName]
	for i := range bins {
		acc := new(saferith.Nat).SetUint64(0)
		for _, seed := range seedsByDC {
			stream := Stream(seed, counterName, uint64(i), s.mod)
			acc = acc.ModAdd(acc, stream, s.mod.m)
		}
		bins[i] = acc.ModNeg(acc, s.mod.m)
	}
}

// Wire is the JSON-serializable form of a Set, carried inside a
// ShareSubmit payload (spec §6). Each bin value is hex-encoded bytes of
// the Nat, not a JSON number, since it can exceed 512 bits.
type Wire struct {
	Counters map[string][]string `json:"counters"`
}

// Marshal renders s as its Wire form.
func (s *Set) Marshal() *Wire {
	w := &Wire{Counters: make(map[string][]string, len(s.counters))}
	for name, bins := range s.counters {
		vals := make([]string, len(bins))
		for i, b := range bins {
			vals[i] = hex.EncodeToString(b.Bytes())
		}
		w.Counters[name] = vals
	}
	return w
}

// Unmarshal parses a Wire form back into a Set over the given modulus.
func Unmarshal(mod *Modulus, w *Wire) (*Set, error) {
	s := &Set{mod: mod, counters: make(map[string][]*saferith.Nat, len(w.Counters))}
	for name, vals := range w.Counters {
		bins := make([]*saferith.Nat, len(vals))
		for i, hv := range vals {
			bz, err := hex.DecodeString(hv)
			if err != nil {
				return nil, fmt.Errorf("share: decoding %s[%d]: %w", name, i, err)
			}
			bins[i] = new(saferith.Nat).SetBytes(bz)
		}
		s.counters[name] = bins
	}
	return s, nil
}

// JSON marshals the Wire form directly, a convenience for ShareSubmit
// payload construction.
func (s *Set) JSON() ([]byte, error) { return json.Marshal(s.Marshal()) }

// BinCount returns the number of bins held for counterName, or 0 if the
// Set has no entry for it.
func (s *Set) BinCount(counterName string) int {
	return len(s.counters[counterName])
}

// Reconstruct sums a collection of Sets (the DCs' and SKs' submissions
// for a round) per counter per bin, mod P — spec §4.6 step 1 — and
// returns the result as a Set in the same modulus.
func Reconstruct(mod *Modulus, sets []*Set, binsPerCounter map[string]int) *Set {
	out := NewSet(mod, binsPerCounter)
	for _, s := range sets {
		for name, bins := range s.counters {
			target := out.counters[name]
			for i, b := range bins {
				if i >= len(target) {
					continue
				}
				target[i] = target[i].ModAdd(target[i], b, mod.m)
			}
		}
	}
	return out
}

// SignedValue interprets a reconstructed bin's modular value as a signed
// integer in [-P/2, P/2), per spec §4.6 step 2: "legitimate results are
// small relative to P". Values in the upper half of the ring are
// interpreted as negative (a round whose true total is negative only
// arises from noise subtraction, never from the raw conservation sum).
func (s *Set) SignedValue(counterName string, bin int) (*big.Int, error) {
	bins, ok := s.counters[counterName]
	if !ok || bin < 0 || bin >= len(bins) {
		return nil, fmt.Errorf("share: no such counter/bin %s[%d]", counterName, bin)
	}
	v := bins[bin].Big()
	half := new(big.Int).Rsh(s.mod.Big(), 1)
	if v.Cmp(half) >= 0 {
		v = new(big.Int).Sub(v, s.mod.Big())
	}
	return v, nil
}

// Wipe zeroizes every Nat this Set holds, per spec §3 lifecycle ("a Share
// exists from start to submit on its holder, then is wiped") and §5
// ("Symmetric per-round keys live only on the stack/heap of the producing
// request and are zeroized on free" — the same discipline applies to
// shares and seeds).
func (s *Set) Wipe() {
	for _, bins := range s.counters {
		for _, b := range bins {
			b.SetUint64(0)
		}
	}
}
