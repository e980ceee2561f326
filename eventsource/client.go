// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package eventsource

import (
	"bufio"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/privcount/privcount/common"
)

var log = common.Logger("eventsource")

// maxLineBytes bounds one event line, mirroring wire.MaxLineBytes; the
// event source is a distinct line protocol from the inter-role wire
// protocol but shares the same framing discipline.
const maxLineBytes = 16 << 20

// Config describes how a DC reaches and authenticates to its event
// source, per spec §6 "Event source (DC ←)".
type Config struct {
	Addr           string
	Password       string
	CookiePath     string
	ReconnectEvery time.Duration
	EventTypes     []string
}

// Client is a single connection attempt to the event source. Callers
// drive reconnection via Run.
type Client struct {
	cfg  Config
	conn net.Conn
	r    *bufio.Scanner
	w    *bufio.Writer
}

// Dial opens a TCP (or local stream) connection to cfg.Addr,
// authenticates by password or cookie, and issues SETEVENTS naming
// cfg.EventTypes, per spec §6: "the source authenticates to the DC
// either by password... or by a cookie file... After authentication the
// DC issues SETEVENTS naming the required event types."
func Dial(cfg Config) (*Client, error) {
	conn, err := net.Dial("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("eventsource: dialing %s: %w", cfg.Addr, err)
	}
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	c := &Client{cfg: cfg, conn: conn, r: sc, w: bufio.NewWriter(conn)}

	if err := c.authenticate(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.setEvents(cfg.EventTypes); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) authenticate() error {
	secret := c.cfg.Password
	if secret == "" && c.cfg.CookiePath != "" {
		bz, err := os.ReadFile(c.cfg.CookiePath)
		if err != nil {
			return fmt.Errorf("eventsource: reading cookie %s: %w", c.cfg.CookiePath, err)
		}
		secret = strings.TrimSpace(string(bz))
	}
	if err := c.writeLine("AUTHENTICATE " + secret); err != nil {
		return err
	}
	return c.expectOK()
}

func (c *Client) setEvents(types []string) error {
	if err := c.writeLine("SETEVENTS " + strings.Join(types, " ")); err != nil {
		return err
	}
	return c.expectOK()
}

func (c *Client) writeLine(s string) error {
	if _, err := c.w.WriteString(s + "\n"); err != nil {
		return fmt.Errorf("eventsource: write: %w", err)
	}
	return c.w.Flush()
}

func (c *Client) expectOK() error {
	if !c.r.Scan() {
		if err := c.r.Err(); err != nil {
			return fmt.Errorf("eventsource: reading reply: %w", err)
		}
		return fmt.Errorf("eventsource: connection closed awaiting reply")
	}
	line := c.r.Text()
	if !strings.HasPrefix(line, "250") {
		return fmt.Errorf("eventsource: source rejected request: %s", line)
	}
	return nil
}

// Next reads and decodes one event line. It returns a non-nil error
// (not wrapping io.EOF) when the connection closes.
func (c *Client) Next() (*Event, error) {
	if !c.r.Scan() {
		if err := c.r.Err(); err != nil {
			return nil, fmt.Errorf("eventsource: read: %w", err)
		}
		return nil, fmt.Errorf("eventsource: connection closed")
	}
	var ev Event
	if err := json.Unmarshal(c.r.Bytes(), &ev); err != nil {
		return nil, fmt.Errorf("eventsource: decoding event: %w", err)
	}
	return &ev, nil
}

// Close tears down the connection.
func (c *Client) Close() error { return c.conn.Close() }

// VerifyPassword constant-time compares a presented secret against the
// configured one, for the harness server side of spec §6's "password
// (constant-time compared)" authentication.
func VerifyPassword(configured, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}
