// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/privcount/privcount/counter"
	"github.com/privcount/privcount/noise"
	"github.com/privcount/privcount/round"
)

// LoadRoundConfigFile reads and parses path as a RoundConfigFile.
func LoadRoundConfigFile(path string) (*RoundConfigFile, error) {
	bz, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var f RoundConfigFile
	if err := yaml.Unmarshal(bz, &f); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &f, nil
}

// LoadPeerConfig reads and parses path as a PeerConfig.
func LoadPeerConfig(path string) (*PeerConfig, error) {
	bz, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var p PeerConfig
	if err := yaml.Unmarshal(bz, &p); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &p, nil
}

// BuildRoundConfig turns a parsed RoundConfigFile into the in-memory,
// hashable round.Config, applying the traffic-model derivation (spec
// §4.4), the counter_name_accept/reject regex filters (spec §6, "zero and
// traffic-model counters exempt"), and sigma computation/override (spec
// §4.1).
func BuildRoundConfig(f *RoundConfigFile) (*round.Config, error) {
	counters := append([]counter.Spec(nil), f.Counters...)

	if f.TrafficModel != nil {
		derived, err := f.TrafficModel.Derive()
		if err != nil {
			return nil, fmt.Errorf("config: deriving traffic model: %w", err)
		}
		counters = append(counters, derived...)
	}

	filtered, err := filterCounterNames(counters, f.CounterNameAccept, f.CounterNameReject)
	if err != nil {
		return nil, err
	}

	if err := applySigmas(filtered, f); err != nil {
		return nil, err
	}

	skSpecs := make([]round.PeerSpec, 0, len(f.SKFingerprints))
	for i, fp := range f.SKFingerprints {
		var pub string
		if i < len(f.SKPublicKeys) {
			pub = f.SKPublicKeys[i]
		}
		skSpecs = append(skSpecs, round.PeerSpec{Fingerprint: fp, PublicKeyPEM: pub})
	}

	cfg := &round.Config{
		RoundID:                 f.RoundID,
		StartAfter:              f.StartAfter,
		CollectPeriod:           f.CollectPeriod,
		EventPeriod:             f.EventPeriod,
		CheckinPeriod:           f.CheckinPeriod,
		DelayPeriod:             f.DelayPeriod,
		AlwaysDelay:             f.AlwaysDelay,
		SigmaDecreaseTolerance:  f.SigmaDecreaseTolerance,
		Continue:                f.Continue,
		CircuitSampleRate:       f.CircuitSampleRate,
		MaxCellEventsPerCircuit: f.MaxCellEventsPerCircuit,
		ModulusHex:              f.Modulus,
		Counters:                filtered,
		TrafficModel:            f.TrafficModel,
		SKs:                     skSpecs,
		SKThreshold:             f.SKThreshold,
		DCThreshold:             f.DCThreshold,
		NoiseWeight:             f.NoiseWeight,
		EventSubscription:       f.EventSubscription,
		SoftwareVersion:         f.SoftwareVersion,
		ProtocolVersion:         f.ProtocolVersion,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// filterCounterNames applies counter_name_accept/reject regex filters,
// exempting zero and traffic-model-derived counters per spec §6.
func filterCounterNames(specs []counter.Spec, accept, reject []string) ([]counter.Spec, error) {
	acceptRe, err := compileAll(accept)
	if err != nil {
		return nil, fmt.Errorf("config: counter_name_accept: %w", err)
	}
	rejectRe, err := compileAll(reject)
	if err != nil {
		return nil, fmt.Errorf("config: counter_name_reject: %w", err)
	}
	var out []counter.Spec
	for _, s := range specs {
		if s.Zero || isTrafficModelDerived(s.Name) {
			out = append(out, s)
			continue
		}
		if len(rejectRe) > 0 && matchesAny(rejectRe, s.Name) {
			continue
		}
		if len(acceptRe) > 0 && !matchesAny(acceptRe, s.Name) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func isTrafficModelDerived(name string) bool {
	return len(name) > len("TrafficModel.") && name[:len("TrafficModel.")] == "TrafficModel."
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// applySigmas fills in each non-zero counter's Sigma (traffic-model
// counters included):
// an explicit f.Sigmas[name] override wins; otherwise it is computed from
// f.Noise.Epsilon/Delta split uniformly across counters (spec §4.1).
func applySigmas(specs []counter.Spec, f *RoundConfigFile) error {
	n := 0
	for _, s := range specs {
		if !s.Zero {
			n++
		}
	}
	epsilonPerCounter := noise.SplitEpsilon(f.Noise.Epsilon, n)
	for i := range specs {
		if specs[i].Zero {
			continue
		}
		specs[i].Epsilon = epsilonPerCounter
		specs[i].Delta = f.Noise.Delta
		if override, ok := f.Sigmas[specs[i].Name]; ok {
			specs[i].Sigma = override
			continue
		}
		if f.Noise.Epsilon > 0 && f.Noise.Delta > 0 {
			specs[i].Sigma = noise.Sigma(specs[i].Sensitivity, epsilonPerCounter, f.Noise.Delta, 1)
		}
	}
	return nil
}
