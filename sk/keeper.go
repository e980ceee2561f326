// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

// Package sk implements the Share Keeper role of spec §4.2: receive a
// RoundConfig, establish pairwise seeds with each DC, hold blinding
// shares, and submit them at round end. An SK never observes an event.
package sk

import (
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"github.com/privcount/privcount/common"
	"github.com/privcount/privcount/crypto/seal"
	"github.com/privcount/privcount/crypto/share"
	"github.com/privcount/privcount/noise"
	"github.com/privcount/privcount/round"
)

var log = common.Logger("sk")

// Keeper holds one Share Keeper's per-round state.
type Keeper struct {
	priv           *rsa.PrivateKey
	localTolerance float64

	mu         sync.Mutex
	cfg        *round.Config
	cfgHash    string
	mod        *share.Modulus
	seeds      map[string]share.Seed // by DC fingerprint
	shares     *share.Set
	priorRound *noise.PriorRound
}

// New constructs a Keeper. priv decrypts seeds addressed to this SK;
// localTolerance is the SK's own sigma_decrease_tolerance policy, which
// may be stricter than the TS's configured value (spec §4.2: "sees a
// RoundConfig whose sigma decreases below its local tolerance refuses to
// participate").
func New(priv *rsa.PrivateKey, localTolerance float64) *Keeper {
	return &Keeper{priv: priv, localTolerance: localTolerance}
}

// OnRoundConfig implements the `on_round_config` contract: validate
// against local policy and accept or reject with reason.
func (k *Keeper) OnRoundConfig(cfg *round.Config, hash string) (accept bool, reason string) {
	if err := cfg.Validate(); err != nil {
		return false, err.Error()
	}
	mod, err := share.ParseModulusHex(cfg.ModulusHex)
	if err != nil {
		return false, fmt.Sprintf("invalid modulus: %v", err)
	}
	if err := mod.CheckPrime(); err != nil {
		return false, fmt.Sprintf("modulus failed primality check: %v", err)
	}

	k.mu.Lock()
	prior := k.priorRound
	k.mu.Unlock()
	if prior != nil {
		proposed := sigmasOf(cfg)
		if noise.DelayRequired(proposed, prior, k.localTolerance, false) {
			// local tolerance is stricter than the TS already enforced;
			// an SK that still sees a disallowed decrease refuses.
			return false, "sigma decreased below local tolerance"
		}
	}

	binsPerCounter := make(map[string]int, len(cfg.Counters))
	for _, cs := range cfg.Counters {
		binsPerCounter[cs.Name] = len(cs.Bins)
	}

	k.mu.Lock()
	k.cfg = cfg
	k.cfgHash = hash
	k.mod = mod
	k.seeds = make(map[string]share.Seed)
	k.shares = share.NewSet(mod, binsPerCounter)
	k.mu.Unlock()

	return true, ""
}

func sigmasOf(cfg *round.Config) map[string]float64 {
	out := make(map[string]float64, len(cfg.Counters))
	for _, cs := range cfg.Counters {
		out[cs.Name] = cs.Sigma
	}
	return out
}

// OnSeedExchange implements the `on_seed_exchange` contract: decrypt
// encryptedSeed with this SK's RSA private key and install it for
// dcFingerprint. A duplicate seed for the same DC is refused (spec §4.2
// "detects duplicate seeds... refuses to participate").
func (k *Keeper) OnSeedExchange(dcFingerprint string, encryptedSeed []byte) error {
	seed, err := seal.DecryptSeed(k.priv, encryptedSeed)
	if err != nil {
		return fmt.Errorf("sk: decrypting seed from %s: %w", dcFingerprint, err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.seeds == nil {
		return fmt.Errorf("sk: seed exchange before round config")
	}
	if _, dup := k.seeds[dcFingerprint]; dup {
		return fmt.Errorf("sk: duplicate seed from %s", dcFingerprint)
	}
	k.seeds[dcFingerprint] = share.Seed(seed)
	return nil
}

// OnStop implements the `on_stop` contract: for each counter, expand
// every DC's keystream and compute `t_{c,k} = -Σ_d stream(seed_{d,k}, c)
// (mod P)`, then seal the resulting share map under the TS's RSA public
// key for transmission.
func (k *Keeper) OnStop(tsPub *rsa.PublicKey) (*seal.Sealed, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.shares == nil {
		return nil, fmt.Errorf("sk: stop before round config")
	}
	seeds := make([]share.Seed, 0, len(k.seeds))
	for _, s := range k.seeds {
		seeds = append(seeds, s)
	}
	for _, cs := range k.cfg.Counters {
		k.shares.NegateKeeperShare(cs.Name, seeds)
	}
	bz, err := k.shares.JSON()
	if err != nil {
		return nil, fmt.Errorf("sk: marshaling share set: %w", err)
	}
	sealed, err := seal.SealPayload(tsPub, bz)
	if err != nil {
		return nil, fmt.Errorf("sk: sealing share submission: %w", err)
	}
	k.shares.Wipe()
	for fp := range k.seeds {
		delete(k.seeds, fp)
	}
	log.Infof("sk: submitted shares for round %s", k.cfg.RoundID)
	return sealed, nil
}

// RoundEnd finalizes this round's state, recording the prior-round
// context the next OnRoundConfig's delay-policy check needs, and wiping
// whatever shares/seeds remain (idempotent: a second call is a no-op).
func (k *Keeper) RoundEnd(collectionEnd time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cfg == nil {
		return
	}
	k.priorRound = &noise.PriorRound{SigmaByCounter: sigmasOf(k.cfg), CollectionEnd: collectionEnd}
	if k.shares != nil {
		k.shares.Wipe()
	}
	k.cfg, k.cfgHash, k.mod, k.shares = nil, "", nil, nil
	for fp := range k.seeds {
		delete(k.seeds, fp)
	}
}
