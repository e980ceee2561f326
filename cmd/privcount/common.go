// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package main

import (
	"github.com/privcount/privcount/common"
	"github.com/privcount/privcount/config"
	"github.com/privcount/privcount/session"
)

var log = common.Logger("cli")

// buildAllowList turns a PeerConfig's three fingerprint lists into the
// session.AllowList every role's handshake checks against (spec §4.5:
// "Unknown fingerprints are rejected unless the configuration contains
// '*' for weight testing").
func buildAllowList(peerCfg *config.PeerConfig) *session.AllowList {
	return session.NewAllowList(map[session.Kind][]session.Fingerprint{
		session.KindTS: toFingerprints(peerCfg.AllowedTS),
		session.KindSK: toFingerprints(peerCfg.AllowedSK),
		session.KindDC: toFingerprints(peerCfg.AllowedDC),
	})
}

func toFingerprints(ss []string) []session.Fingerprint {
	out := make([]session.Fingerprint, len(ss))
	for i, s := range ss {
		out[i] = session.Fingerprint(s)
	}
	return out
}
