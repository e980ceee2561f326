// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

// Package outcome writes the Tally Server's published outcome file (spec
// §6 "Outcome file (TS →)"), atomically via temp-file-plus-rename per
// spec §5 ("TS outcome files are written atomically").
package outcome

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// BinResult is one published [lo, hi, count] triple.
type BinResult struct {
	Lo    float64 `json:"lo"`
	Hi    float64 `json:"hi"`
	Count int64   `json:"count"`
}

// CounterResult is the published form of one counter, per spec §6: "map
// counter-name -> {bins, sigma, sensitivity, epsilon, delta}".
type CounterResult struct {
	Bins        []BinResult `json:"bins"`
	Sigma       float64     `json:"sigma"`
	Sensitivity float64     `json:"sensitivity"`
	Epsilon     float64     `json:"epsilon"`
	Delta       float64     `json:"delta"`
}

// Context carries the round metadata spec §4.6 step 4 requires: "round
// id, start/stop timestamps, per-counter (ε, δ, σ, sensitivity),
// participating DC and SK fingerprints, software and protocol versions."
type Context struct {
	RoundID             string    `json:"round_id"`
	RoundConfigHash     string    `json:"round_config_hash"`
	StartTime           time.Time `json:"start_time"`
	StopTime            time.Time `json:"stop_time"`
	ParticipatingDCs    []string  `json:"participating_dcs"`
	ParticipatingSKs    []string  `json:"participating_sks"`
	SoftwareVersion     string    `json:"software_version"`
	ProtocolVersion     int       `json:"protocol_version"`
	NoiseAllocation     string    `json:"noise_allocation"` // e.g. "uniform"
	NoiseSampledBy      string    `json:"noise_sampled_by"` // always "ts"; see noise.Sample doc
	ZeroCounterSuspect  bool      `json:"zero_counter_suspect"`
}

// Outcome is the full published outcome file.
type Outcome struct {
	Tally   map[string]CounterResult `json:"Tally"`
	Context Context                  `json:"Context"`
}

// WriteAtomic serializes o as indented JSON and writes it to path via a
// temp file in the same directory followed by rename, so a reader never
// observes a partially-written outcome (spec §5).
func WriteAtomic(path string, o *Outcome) error {
	bz, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("outcome: marshaling: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".outcome-*.tmp")
	if err != nil {
		return fmt.Errorf("outcome: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(bz); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("outcome: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("outcome: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("outcome: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("outcome: renaming into place: %w", err)
	}
	return nil
}
