// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

// Package config loads the YAML configuration files the CLI (spec §6)
// reads: the RoundConfig every role distributes/receives, and the
// process-local PeerConfig (TLS material, allow-lists, handshake secret
// path) that never crosses the wire. Parsing the file itself is the
// "external collaborator" spec.md names as out of scope; this package is
// the thin, swappable boundary around it.
package config

import (
	"time"

	"github.com/privcount/privcount/counter"
)

// RoundConfigFile is the on-disk YAML shape for spec §6's "Configuration
// keys (recognized by the TS)".
type RoundConfigFile struct {
	RoundID    string    `yaml:"round_id"`
	StartAfter time.Time `yaml:"start_after"`

	CollectPeriod time.Duration `yaml:"collect_period"`
	EventPeriod   time.Duration `yaml:"event_period"`
	CheckinPeriod time.Duration `yaml:"checkin_period"`
	DelayPeriod   time.Duration `yaml:"delay_period"`
	AlwaysDelay   bool          `yaml:"always_delay"`

	SigmaDecreaseTolerance float64 `yaml:"sigma_decrease_tolerance"`
	Continue               bool    `yaml:"continue"`

	CircuitSampleRate       float64 `yaml:"circuit_sample_rate"`
	MaxCellEventsPerCircuit int     `yaml:"max_cell_events_per_circuit"`

	Modulus string `yaml:"modulus_hex"`

	Counters []counter.Spec `yaml:"counters"`

	Noise struct {
		Epsilon float64 `yaml:"epsilon"`
		Delta   float64 `yaml:"delta"`
	} `yaml:"noise"`
	// Sigmas overrides per-counter computed sigma when non-empty (spec
	// §6: "noise or sigmas (one required)").
	Sigmas map[string]float64 `yaml:"sigmas"`

	TrafficModel *counter.TrafficModelSpec `yaml:"traffic_model"`

	CounterNameAccept []string `yaml:"counter_name_accept"`
	CounterNameReject []string `yaml:"counter_name_reject"`

	NoiseWeight map[string]float64 `yaml:"noise_weight"`

	SKFingerprints []string `yaml:"sk_fingerprints"`
	SKPublicKeys   []string `yaml:"sk_public_keys"`
	SKThreshold    int      `yaml:"sk_threshold"`
	DCThreshold    int      `yaml:"dc_threshold"`

	EventSubscription []string `yaml:"event_subscription"`

	SoftwareVersion string `yaml:"software_version"`
	ProtocolVersion int    `yaml:"protocol_version"`
}

// PeerConfig is process-local configuration: never part of the content
// hash, never transmitted.
type PeerConfig struct {
	PrivateKeyPath      string            `yaml:"private_key_path"`
	HandshakeSecretPath string            `yaml:"secret_handshake"`
	TLSCertPath         string            `yaml:"tls_cert_path"`
	TLSKeyPath          string            `yaml:"tls_key_path"`
	TLSCAPath           string            `yaml:"tls_ca_path"`
	ListenAddr          string            `yaml:"listen_addr"`
	TSAddr              string            `yaml:"ts_addr"`
	AllowedTS           []string          `yaml:"allowed_ts"`
	AllowedSK           []string          `yaml:"allowed_sk"`
	AllowedDC           []string          `yaml:"allowed_dc"`
	LogDir              string            `yaml:"log_dir"`
	EventSource         EventSourceConfig `yaml:"event_source"`
	RotatePeriod        time.Duration     `yaml:"rotate_period"`
}

// EventSourceConfig configures the DC's connection to the external event
// source of spec §6.
type EventSourceConfig struct {
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	CookiePath     string        `yaml:"cookie_path"`
	ReconnectEvery time.Duration `yaml:"reconnect_every"`
}
