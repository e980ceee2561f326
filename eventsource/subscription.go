// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package eventsource

import (
	"context"
	"sync/atomic"
	"time"
)

// Subscription drives Client reconnection and exposes a single channel
// of events to the DC's writer goroutine. It owns no counter state: the
// DC writer is the sole consumer and sole owner of everything downstream
// (spec §7 "One writer owns the counter state in the DC").
type Subscription struct {
	cfg    Config
	events chan *Event
	gaps   int64
}

// NewSubscription starts the background reconnect loop and returns a
// Subscription whose Events channel delivers events in source order.
// bufferSize is the bound on the channel spec §7 calls "a single bounded
// channel"; it is the caller's responsibility (the DC writer) to react
// to EventOverflow when the buffer is exhausted and the channel would
// block on a counter-affecting event (spec §7 "Back-pressure").
func NewSubscription(ctx context.Context, cfg Config, bufferSize int) *Subscription {
	s := &Subscription{cfg: cfg, events: make(chan *Event, bufferSize)}
	go s.run(ctx)
	return s
}

// Events is the channel of delivered events, in strict source order.
func (s *Subscription) Events() <-chan *Event { return s.events }

// Gaps returns the number of reconnect-induced event gaps observed so
// far, i.e. the SourceGap counter of spec §6: "missed events across
// reconnects are not recovered and are counted in a SourceGap counter."
func (s *Subscription) Gaps() int64 { return atomic.LoadInt64(&s.gaps) }

func (s *Subscription) run(ctx context.Context) {
	first := true
	for {
		if ctx.Err() != nil {
			close(s.events)
			return
		}
		if !first {
			atomic.AddInt64(&s.gaps, 1)
			log.Warnf("eventsource: reconnecting to %s after gap, total gaps=%d", s.cfg.Addr, s.Gaps())
			select {
			case <-ctx.Done():
				close(s.events)
				return
			case <-time.After(s.cfg.ReconnectEvery):
			}
		}
		first = false

		c, err := Dial(s.cfg)
		if err != nil {
			log.Warnf("eventsource: dial failed: %v", err)
			continue
		}
		s.drain(ctx, c)
	}
}

// drain reads events from c until the connection closes or ctx is done,
// delivering each onto s.events. It never drops a counter-affecting
// event itself; a full buffer simply makes this goroutine (and so the
// upstream TCP read) block, which is the intended propagation of
// back-pressure to the source connection.
func (s *Subscription) drain(ctx context.Context, c *Client) {
	defer c.Close()
	for {
		ev, err := c.Next()
		if err != nil {
			log.Infof("eventsource: connection ended: %v", err)
			return
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}
