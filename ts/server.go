// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package ts

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/privcount/privcount/session"
)

// Serve accepts mutually-authenticated TLS connections on ln, drives the
// handshake of spec §4.5 over each, and registers the resulting session
// with the coordinator. It blocks until ln is closed.
func (c *Coordinator) Serve(ln net.Listener, tlsCfg *tls.Config) error {
	for {
		raw, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("ts: accept: %w", err)
		}
		go c.acceptOne(tls.Server(raw, tlsCfg))
	}
}

func (c *Coordinator) acceptOne(conn *tls.Conn) {
	if err := conn.Handshake(); err != nil {
		log.Warnf("ts: TLS handshake failed from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	sessConn, herr := session.Handshake(conn, session.KindTS, c.priv, c.handshakeSecret, c.allowed, c.currentRoundID())
	if herr != nil {
		log.Warnf("ts: %v", herr)
		conn.Close()
		return
	}
	if err := c.Register(sessConn); err != nil {
		log.Warnf("ts: %v", err)
		sessConn.Close()
		return
	}
	log.Infof("ts: registered %s %s", sessConn.Session.Kind, sessConn.Session.Fingerprint)
}
