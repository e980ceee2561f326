// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package common

import "fmt"

// Kind enumerates the error kinds from spec §7. Each carries a fixed
// disposition (local recovery / round abort / process abort) looked up by
// Kind.Disposition, so callers never have to restate the policy table.
type Kind string

const (
	ConfigInvalid        Kind = "ConfigInvalid"
	BadHandshake         Kind = "BadHandshake"
	UnknownPeer          Kind = "UnknownPeer"
	QuorumNotMet         Kind = "QuorumNotMet"
	SigmaPolicyViolation Kind = "SigmaPolicyViolation"
	SeedExchangeFailed   Kind = "SeedExchangeFailed"
	EventOverflow        Kind = "EventOverflow"
	SourceGap            Kind = "SourceGap"
	SubmissionTimeout    Kind = "SubmissionTimeout"
	MissingShares        Kind = "MissingShares"
	CryptoFailure        Kind = "CryptoFailure"
	ProtocolViolation    Kind = "ProtocolViolation"
	Internal             Kind = "Internal"
)

// Disposition is spec §7's three-way outcome for a failed step.
type Disposition int

const (
	// LocalRecovery means the caller may retry or log-and-ignore.
	LocalRecovery Disposition = iota
	// RoundAbort means the round ends with no outcome and is surfaced to the TS.
	RoundAbort
	// ProcessAbort means the process exits non-zero.
	ProcessAbort
)

// Disposition reports how a Kind must be handled per spec §7's policy table.
func (k Kind) Disposition() Disposition {
	switch k {
	case SeedExchangeFailed, EventOverflow, SubmissionTimeout, MissingShares, SigmaPolicyViolation, QuorumNotMet:
		return RoundAbort
	case ConfigInvalid, CryptoFailure:
		return ProcessAbort
	default:
		return LocalRecovery
	}
}

// Error is the one error type every PrivCount subsystem wraps underlying
// causes in. It carries enough structure that the single warning-level
// abort line spec §7 mandates ("kind, round id, peer fingerprint if
// applicable, and a one-sentence reason") can be rendered from the value
// alone, mirroring the teacher's tss.Error (cause/round/victim/culprits).
type Error struct {
	Kind        Kind
	RoundID     string
	Fingerprint string // peer fingerprint, if applicable; empty otherwise
	cause       error
}

// Wrap builds an Error of the given kind around cause, for the named round
// and (optionally empty) peer fingerprint.
func Wrap(kind Kind, roundID, fingerprint string, cause error) *Error {
	return &Error{Kind: kind, RoundID: roundID, Fingerprint: fingerprint, cause: cause}
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Error() string {
	if e == nil || e.cause == nil {
		return fmt.Sprintf("%s: (no cause)", e.Kind)
	}
	if e.Fingerprint != "" {
		return fmt.Sprintf("%s round=%s peer=%s: %s", e.Kind, e.RoundID, e.Fingerprint, e.cause.Error())
	}
	return fmt.Sprintf("%s round=%s: %s", e.Kind, e.RoundID, e.cause.Error())
}
