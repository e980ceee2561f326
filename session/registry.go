// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package session

import (
	"crypto/rsa"
	"sync"

	"github.com/privcount/privcount/common"
)

// Kind is the role a connecting peer claims to be.
type Kind string

const (
	KindTS Kind = "ts"
	KindSK Kind = "sk"
	KindDC Kind = "dc"
)

// AllowList gates which fingerprints may register as a given Kind. An
// entry of Wildcard ("*") accepts any fingerprint of that kind, per spec
// §4.5: "Unknown fingerprints are rejected unless the TS configuration
// contains '*' for weight testing."
type AllowList struct {
	mu      sync.RWMutex
	allowed map[Kind]map[Fingerprint]bool
}

// NewAllowList builds an AllowList from role->fingerprints.
func NewAllowList(byKind map[Kind][]Fingerprint) *AllowList {
	a := &AllowList{allowed: make(map[Kind]map[Fingerprint]bool)}
	for k, fps := range byKind {
		m := make(map[Fingerprint]bool, len(fps))
		for _, fp := range fps {
			m[fp] = true
		}
		a.allowed[k] = m
	}
	return a
}

// Permits reports whether fp may register as kind.
func (a *AllowList) Permits(kind Kind, fp Fingerprint) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m := a.allowed[kind]
	if m == nil {
		return false
	}
	return m[Wildcard] || m[fp]
}

// Session represents one registered, authenticated peer connection
// (spec §3 lifecycle: "A peer Session spans a TLS connection and may
// outlive many rounds").
type Session struct {
	Kind        Kind
	Fingerprint Fingerprint
	PublicKey   *rsa.PublicKey
}

// Register validates a connecting peer against allowed and returns a
// Session, or an UnknownPeer *common.Error if the fingerprint is not on
// the list (spec §4.1 register contract).
func Register(allowed *AllowList, kind Kind, pub *rsa.PublicKey, roundID string) (*Session, *common.Error) {
	fp, err := FingerprintOf(pub)
	if err != nil {
		return nil, common.Wrap(common.BadHandshake, roundID, "", err)
	}
	if !allowed.Permits(kind, fp) {
		return nil, common.Wrap(common.UnknownPeer, roundID, string(fp), errUnknownPeer(kind, fp))
	}
	return &Session{Kind: kind, Fingerprint: fp, PublicKey: pub}, nil
}

type unknownPeerError struct {
	kind Kind
	fp   Fingerprint
}

func (e *unknownPeerError) Error() string {
	return "unrecognized " + string(e.kind) + " fingerprint " + string(e.fp)
}

func errUnknownPeer(kind Kind, fp Fingerprint) error {
	return &unknownPeerError{kind: kind, fp: fp}
}
