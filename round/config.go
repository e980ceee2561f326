// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

// Package round defines RoundConfig, the immutable, content-hashed
// parameter set distributed by the Tally Server at the start of every
// collection round (spec §3 "RoundConfig").
package round

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/privcount/privcount/common"
	"github.com/privcount/privcount/counter"
)

// PeerSpec names one Share Keeper by fingerprint and RSA public key, as
// distributed in RoundConfig.SKs (spec §3: "SK set (public keys +
// fingerprints)").
type PeerSpec struct {
	Fingerprint string `json:"fingerprint"`
	PublicKeyPEM string `json:"public_key_pem"`
}

// Config is the immutable-once-distributed RoundConfig of spec §3. Every
// field here is part of the content hash; process-local settings (TLS
// material, allow-lists, the handshake secret) live in config.PeerConfig
// instead and never cross the wire.
type Config struct {
	RoundID   string    `json:"round_id"`
	StartAfter time.Time `json:"start_after"`

	CollectPeriod  time.Duration `json:"collect_period"`
	EventPeriod    time.Duration `json:"event_period"`
	CheckinPeriod  time.Duration `json:"checkin_period"`
	DelayPeriod    time.Duration `json:"delay_period"`
	AlwaysDelay    bool          `json:"always_delay"`

	SigmaDecreaseTolerance float64 `json:"sigma_decrease_tolerance"`
	Continue               bool    `json:"continue"`

	CircuitSampleRate       float64 `json:"circuit_sample_rate"`
	MaxCellEventsPerCircuit int     `json:"max_cell_events_per_circuit"`

	// Modulus is the fixed prime P every peer performs share arithmetic
	// modulo; spec §3 requires every implementation to use the same
	// value. Encoded as a big-endian byte string so the content hash is
	// unambiguous.
	ModulusHex string `json:"modulus_hex"`

	Counters []counter.Spec `json:"counters"`

	// TrafficModel, when non-nil, causes Counters to be extended at
	// load time with the derived per-state/transition counters of
	// spec §4.4 "Traffic-model counters".
	TrafficModel *counter.TrafficModelSpec `json:"traffic_model,omitempty"`

	SKs         []PeerSpec         `json:"sks"`
	SKThreshold int                `json:"sk_threshold"`
	DCThreshold int                `json:"dc_threshold"`

	// NoiseWeight maps DC fingerprint to its normalized noise
	// contribution weight; "*" is the wildcard entry used for weight
	// testing (spec §6).
	NoiseWeight map[string]float64 `json:"noise_weight"`

	// EventSubscription is the set of event type names every DC must
	// be able to supply (spec §3 "event subscription set").
	EventSubscription []string `json:"event_subscription"`

	SoftwareVersion string `json:"software_version"`
	ProtocolVersion int    `json:"protocol_version"`
}

// Canonical returns the deterministic JSON encoding of c used for hashing:
// Go's encoding/json already sorts map keys and preserves struct field
// order, so two structurally-equal Configs always produce byte-identical
// output regardless of construction order or NoiseWeight's iteration
// history.
func (c *Config) Canonical() ([]byte, error) {
	return json.Marshal(c)
}

// Hash returns the content hash identifying this RoundConfig, included in
// every subsequent protocol message per spec §3 so stale messages from a
// prior round are detectable.
func (c *Config) Hash() (string, error) {
	canon, err := c.Canonical()
	if err != nil {
		return "", fmt.Errorf("round: canonicalizing config: %w", err)
	}
	sum := common.DomainHash("privcount/v1/round-config", canon)
	return fmt.Sprintf("%x", sum), nil
}

// Validate runs the structural checks common to all three roles: bin
// monotonicity, threshold sanity, and modulus well-formedness. Role-
// specific gates (spec §4.3's DC validation gates, §4.2's SK refusal
// conditions) live in the dc and sk packages and call this first.
func (c *Config) Validate() error {
	if c.RoundID == "" {
		return fmt.Errorf("round: empty round id")
	}
	if c.SKThreshold < 0 || c.DCThreshold < 0 {
		return fmt.Errorf("round: negative threshold")
	}
	if len(c.SKs) < c.SKThreshold {
		return fmt.Errorf("round: %d SKs configured but sk_threshold=%d", len(c.SKs), c.SKThreshold)
	}
	if c.CircuitSampleRate < 0 || c.CircuitSampleRate > 1 {
		return fmt.Errorf("round: circuit_sample_rate %f out of [0,1]", c.CircuitSampleRate)
	}
	if bz, err := hex.DecodeString(c.ModulusHex); err != nil || len(bz) == 0 {
		return fmt.Errorf("round: modulus_hex is not a non-empty hex string")
	}
	for _, ctr := range c.Counters {
		if err := ctr.Validate(); err != nil {
			return fmt.Errorf("round: counter %q: %w", ctr.Name, err)
		}
	}
	return nil
}
