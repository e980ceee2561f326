// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package eventsource

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// InjectServer is the `inject` CLI subcommand's test event source (spec
// §6 "inject <events> (test source)"): it replays a fixed, pre-recorded
// sequence of events to whichever DC connects and subscribes, speaking
// the same line protocol Client expects.
type InjectServer struct {
	Password string
	Events   []Event

	// Delay, if non-zero, is held after SETEVENTS and before replay
	// begins. The seed scenarios (spec §8) drive a DC through a real
	// round over real TLS, where a few round-trips of handshake and
	// RoundConfig distribution separate subscription from the DC's own
	// Start(); Delay lets a scenario's canned events land inside that
	// COLLECTING window instead of arriving - and being discarded per
	// spec §4.3 step 1 - before it opens.
	Delay time.Duration
}

// LoadInjectFile parses a newline-delimited JSON file of Event records,
// the format the seed test scenarios (spec §8) use to script a run.
func LoadInjectFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("eventsource: opening %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var events []Event
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("eventsource: parsing event line: %w", err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("eventsource: scanning %s: %w", path, err)
	}
	return events, nil
}

// ListenAndServe accepts connections on addr and, for each one, runs the
// authenticate/SETEVENTS handshake followed by a replay of s.Events
// filtered to the subscribed kinds. It serves connections sequentially;
// the injector is a single-shot test harness, not a production fan-out
// source.
func (s *InjectServer) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("eventsource: listening on %s: %w", addr, err)
	}
	defer ln.Close()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("eventsource: accept: %w", err)
		}
		s.serveOne(conn)
	}
}

func (s *InjectServer) serveOne(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewScanner(conn)
	r.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	w := bufio.NewWriter(conn)

	if !r.Scan() {
		return
	}
	auth := strings.TrimPrefix(r.Text(), "AUTHENTICATE ")
	if !VerifyPassword(s.Password, auth) {
		w.WriteString("515 authentication failed\n")
		w.Flush()
		return
	}
	w.WriteString("250 OK\n")
	w.Flush()

	if !r.Scan() {
		return
	}
	line := strings.TrimPrefix(r.Text(), "SETEVENTS ")
	wanted := make(map[string]bool)
	for _, k := range strings.Fields(line) {
		wanted[k] = true
	}
	w.WriteString("250 OK\n")
	w.Flush()

	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}

	for _, ev := range s.Events {
		if len(wanted) > 0 && !wanted[ev.Kind] {
			continue
		}
		bz, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if _, err := w.Write(append(bz, '\n')); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}
