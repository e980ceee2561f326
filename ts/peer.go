// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package ts

import (
	"github.com/privcount/privcount/crypto/share"
	"github.com/privcount/privcount/session"
	"github.com/privcount/privcount/wire"
)

// peerStatus is a peer's participation state within the current round,
// tracked by the coordinator only; a peer's Conn goroutine never
// touches this directly (spec §7 "One reactor thread... drives TLS I/O
// and timers").
type peerStatus int

const (
	statusConnected peerStatus = iota
	statusConfigAcked
	statusConfigNacked
	statusSubmitted
	statusDropped
)

// peer is everything the coordinator tracks about one registered
// session across a round's lifetime.
type peer struct {
	sess   *session.Session
	conn   *session.Conn
	status peerStatus
	nonce  uint64 // not read; duplicate ShareSubmits are filtered by status == statusSubmitted
	shares *share.Set
	send   chan *wire.Envelope
}

func newPeer(sess *session.Session, conn *session.Conn) *peer {
	return &peer{
		sess:   sess,
		conn:   conn,
		status: statusConnected,
		send:   make(chan *wire.Envelope, 16),
	}
}
