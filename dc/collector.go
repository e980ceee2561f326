// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

// Package dc implements the Data Collector role of spec §4.3: a
// single-writer state machine that maintains the counter table under a
// live event stream, combines observations with SK blinding streams,
// and submits encrypted totals at round end.
package dc

import (
	"crypto/rsa"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/privcount/privcount/common"
	"github.com/privcount/privcount/counter"
	"github.com/privcount/privcount/crypto/seal"
	"github.com/privcount/privcount/crypto/share"
	"github.com/privcount/privcount/eventsource"
	"github.com/privcount/privcount/noise"
	"github.com/privcount/privcount/round"
)

var log = common.Logger("dc")

// Predicate is the external predicate registry spec §1 treats as
// configuration-driven data the core applies but does not define; the
// zero value matches every event, keeping a counter with no predicate
// unconditional.
type Predicate func(ev *eventsource.Event) bool

// Collector is a single DC's local counter state and the sole writer
// that mutates it (spec §5 "One writer owns the counter state in the
// DC").
type Collector struct {
	fingerprint     string
	providableTypes map[string]bool
	predicates      map[string]Predicate

	mu sync.Mutex

	cfg        *round.Config
	cfgHash    string
	table      *counter.Table
	mod        *share.Modulus
	shares     *share.Set
	seeds      []share.Seed
	entities   *entityTable
	sample     *sampler
	caps       *capTracker
	priorRound *noise.PriorRound

	collecting bool
	queue      *boundedQueue

	sourceGaps uint64
}

// New constructs a Collector. fingerprint is this DC's own identity,
// recorded in outgoing Seed messages.
// providableTypes is the set of event type names this DC's configured
// event source can actually deliver, used by the pre-COLLECTING
// validation gate.
func New(fingerprint string, providableTypes []string, predicates map[string]Predicate) *Collector {
	types := make(map[string]bool, len(providableTypes))
	for _, t := range providableTypes {
		types[t] = true
	}
	if predicates == nil {
		predicates = map[string]Predicate{}
	}
	return &Collector{fingerprint: fingerprint, providableTypes: types, predicates: predicates}
}

// ValidateGates implements spec §4.3's pre-COLLECTING validation gates:
// refuse to collect if any referenced counter has negative expected
// value or sensitivity, any bin edge sequence is non-monotonic, the SK
// set has fewer than sk_threshold known fingerprints, the event
// subscription includes events this DC cannot provide, or any sigma
// decreased below local tolerance without sufficient time since the
// previous round.
func (c *Collector) ValidateGates(cfg *round.Config, localTolerance time.Duration) error {
	var errs *multierror.Error
	if err := cfg.Validate(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("dc: %w", err))
	}
	if len(cfg.SKs) < cfg.SKThreshold {
		errs = multierror.Append(errs, fmt.Errorf("dc: only %d SKs configured, need %d", len(cfg.SKs), cfg.SKThreshold))
	}
	for _, want := range cfg.EventSubscription {
		if !c.providableTypes[want] {
			errs = multierror.Append(errs, fmt.Errorf("dc: event source cannot provide subscribed type %q", want))
		}
	}
	c.mu.Lock()
	prior := c.priorRound
	c.mu.Unlock()
	if prior != nil {
		for _, cs := range cfg.Counters {
			old, ok := prior.SigmaByCounter[cs.Name]
			if !ok {
				continue
			}
			if old-cs.Sigma > cfg.SigmaDecreaseTolerance && time.Since(prior.CollectionEnd) < localTolerance {
				errs = multierror.Append(errs, fmt.Errorf("dc: sigma for %q decreased below local tolerance too soon after previous round", cs.Name))
			}
		}
	}
	return errs.ErrorOrNil()
}

// OnRoundConfig installs cfg as the active round: builds the counter
// table, allocates share state, and resets per-round bookkeeping. Call
// only after ValidateGates succeeds.
func (c *Collector) OnRoundConfig(cfg *round.Config, hash string) error {
	table, err := counter.NewTable(cfg.Counters)
	if err != nil {
		return fmt.Errorf("dc: building counter table: %w", err)
	}
	mod, err := share.ParseModulusHex(cfg.ModulusHex)
	if err != nil {
		return fmt.Errorf("dc: parsing modulus: %w", err)
	}
	binsPerCounter := make(map[string]int, len(cfg.Counters))
	for _, cs := range cfg.Counters {
		binsPerCounter[cs.Name] = len(cs.Bins)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.cfgHash = hash
	c.table = table
	c.mod = mod
	c.shares = share.NewSet(mod, binsPerCounter)
	rotatePeriod := time.Hour
	if c.entities != nil {
		rotatePeriod = c.entities.rotatePeriod
	}
	c.entities = newEntityTable(rotatePeriod) // SetRotatePeriod may override before Start
	c.sample = newSampler(cfg.CircuitSampleRate)
	c.caps = newCapTracker()
	c.collecting = false
	return nil
}

// SetRotatePeriod configures the entity rotation period, a process-local
// setting (spec §4.3) not carried in RoundConfig.
func (c *Collector) SetRotatePeriod(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities = newEntityTable(d)
}

// GenerateSeeds creates one fresh 256-bit seed per configured SK,
// encrypts each under that SK's RSA public key, and initializes every
// counter's share state to the blinded sum (spec §4.3 "Seed exchange").
// It returns the per-SK encrypted seeds, keyed by SK fingerprint, for
// the caller to relay through the TS.
func (c *Collector) GenerateSeeds(skKeys map[string]*rsa.PublicKey) (map[string][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shares == nil {
		return nil, fmt.Errorf("dc: seed generation before round config")
	}
	out := make(map[string][]byte, len(skKeys))
	seeds := make([]share.Seed, 0, len(skKeys))
	for fp, pub := range skKeys {
		raw := common.RandomSeed256()
		seed := share.Seed(raw)
		seeds = append(seeds, seed)
		ct, err := seal.EncryptSeed(pub, raw)
		if err != nil {
			return nil, fmt.Errorf("dc: encrypting seed for %s: %w", fp, err)
		}
		out[fp] = ct
	}
	c.seeds = seeds
	for _, cs := range c.cfg.Counters {
		c.shares.InitBlinded(cs.Name, seeds)
	}
	return out, nil
}

// Start transitions to COLLECTING; events are discarded before this call
// except liveness bookkeeping (spec §4.3 step 1).
func (c *Collector) Start() {
	c.mu.Lock()
	c.collecting = true
	capacity := 4096
	if c.cfg != nil && c.cfg.MaxCellEventsPerCircuit > 0 {
		capacity = 1024
	}
	c.queue = newBoundedQueue(capacity)
	c.mu.Unlock()
}

// Enqueue is called by the event-source intake goroutine for every
// delivered event. It returns an EventOverflow *common.Error when the
// bounded queue cannot accept a counter-affecting event, at which point
// the caller must close the event source session and abort the round
// (spec §7 "Back-pressure").
func (c *Collector) Enqueue(ev *eventsource.Event) *common.Error {
	c.mu.Lock()
	q := c.queue
	roundID := c.roundIDLocked()
	c.mu.Unlock()
	if q == nil {
		return nil
	}
	if overflow := q.Push(ev); overflow {
		return common.Wrap(common.EventOverflow, roundID, "", fmt.Errorf("bounded event queue exhausted"))
	}
	return nil
}

func (c *Collector) roundIDLocked() string {
	if c.cfg == nil {
		return ""
	}
	return c.cfg.RoundID
}

// RoundID reports the round this Collector is currently configured for,
// for callers (the Client's intake goroutine) outside the single-writer
// boundary that only need the id, not the state it guards.
func (c *Collector) RoundID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roundIDLocked()
}

// RecordSourceGap increments the SourceGap counter after a reconnect
// (spec §6: "missed events across reconnects are not recovered and are
// counted in a SourceGap counter").
func (c *Collector) RecordSourceGap() {
	c.mu.Lock()
	c.sourceGaps++
	c.mu.Unlock()
}

// Drain runs the writer loop: pop events from the bounded queue and
// apply each, until the queue is closed. This is the only goroutine
// that ever mutates counter/entity/share state (spec §5).
func (c *Collector) Drain() {
	for {
		c.mu.Lock()
		q := c.queue
		c.mu.Unlock()
		if q == nil {
			return
		}
		ev, ok := q.Pop()
		if !ok {
			return
		}
		c.mu.Lock()
		c.applyLocked(ev)
		c.mu.Unlock()
	}
}

// SweepExpired flushes and erases every entity whose rotation deadline
// has passed as of now (spec §4.3 "Entities that outlive a configurable
// rotation period are expired, their accumulators flushed to counters,
// and their identifying fields erased"). Callers invoke this on a timer
// independent of the event stream.
func (c *Collector) SweepExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entities == nil {
		return
	}
	for _, e := range c.entities.expired(now) {
		c.flushEntityLocked(e, e.kind+"_end")
		e.erase()
		c.sample.Forget(e.id)
		c.caps.Forget(e.id)
	}
}

// Stop transitions out of COLLECTING and closes the intake queue,
// causing Drain to return once already-queued events are applied.
func (c *Collector) Stop() {
	c.mu.Lock()
	c.collecting = false
	q := c.queue
	c.mu.Unlock()
	if q != nil {
		q.Close()
	}
}

// applyLocked implements spec §4.3's per-event processing algorithm.
// Callers must hold c.mu.
func (c *Collector) applyLocked(ev *eventsource.Event) {
	if !c.collecting {
		return // step 1: discard (liveness events carry no counter effect anyway)
	}

	var key string
	if cid, ok := ev.String("circuit_id"); ok {
		key = common.GroupKey(cid)
		if !c.sample.Sample(key) {
			return
		}
		c.trackEntityLocked(ev, key)
	}

	c.flushEntityOnEnd(ev)

	for _, cs := range c.table.Subscribers(ev.Kind) {
		if p, ok := c.predicates[cs.Predicate]; ok && !p(ev) {
			continue
		}
		v, ok := c.fieldValueLocked(ev, cs, key)
		if !ok {
			continue
		}
		idx, ok := cs.BinIndex(v)
		if !ok {
			idx = len(cs.Bins) - 1 // designated overflow bin: never dropped (I5)
		}
		weight := incrementWeight(cs, ev)
		if weight <= 0 {
			continue
		}
		if cs.Cap > 0 {
			allowed, justOverflowed := c.caps.Allow(cs.Name, key, cs.Cap, weight)
			if justOverflowed {
				if ov := c.table.Get(cs.Name + ".Overflow"); ov != nil {
					c.shares.AddObservation(ov.Name, 0, 1)
				}
			}
			if !allowed {
				continue
			}
		}
		if err := c.shares.AddObservation(cs.Name, idx, uint64(weight)); err != nil {
			log.Warnf("dc: %v", err)
		}
	}

	if isEntityEnd(ev.Kind) && key != "" {
		c.entities.close(key)
		c.sample.Forget(key)
		c.caps.Forget(key)
	}
}

// trackEntityLocked opens (if new) and updates the running accumulators
// an entity-terminal event may later consume (spec §4.3 "Entity
// tracking").
func (c *Collector) trackEntityLocked(ev *eventsource.Event, id string) {
	if c.entities == nil {
		return
	}
	e := c.entities.open(id, "circuit", time.Now())
	for _, f := range []string{"bytes", "cells"} {
		if v, ok := ev.Float64(f); ok {
			e.addSum(f, v)
		}
	}
}

// flushEntityOnEnd is a no-op hook point kept distinct from
// fieldValueLocked's lookup so SweepExpired and a normal terminal event
// share one accumulator-consumption path; terminal events read directly
// through fieldValueLocked instead of double-counting here.
func (c *Collector) flushEntityOnEnd(ev *eventsource.Event) {}

// flushEntityLocked translates an expired entity's running sums directly
// into counter observations, for every counter subscribed to
// syntheticKind whose field name matches an accumulated sum.
func (c *Collector) flushEntityLocked(e *entity, syntheticKind string) {
	for _, cs := range c.table.Subscribers(syntheticKind) {
		v, ok := e.sums[cs.FieldName]
		if !ok {
			continue
		}
		idx, ok := cs.BinIndex(v)
		if !ok {
			idx = len(cs.Bins) - 1
		}
		if err := c.shares.AddObservation(cs.Name, idx, 1); err != nil {
			log.Warnf("dc: %v", err)
		}
	}
}

// fieldValueLocked resolves the numeric value a counter bins on: a
// terminal ("_end") event prefers its entity's accumulated sum (the
// running total over the entity's lifetime) over its own instantaneous
// field, since the two are the same field name by convention.
func (c *Collector) fieldValueLocked(ev *eventsource.Event, cs *counter.Spec, key string) (float64, bool) {
	if isEntityEnd(ev.Kind) && key != "" {
		if e, ok := c.entities.get(key); ok {
			if v, ok := e.sums[cs.FieldName]; ok {
				return v, true
			}
		}
	}
	return ev.Float64(cs.FieldName)
}

func isEntityEnd(kind string) bool {
	return len(kind) > 4 && kind[len(kind)-4:] == "_end"
}

// incrementWeight derives the integer weight of one observation per
// spec §4.3 step 2 ("typically 1, but sometimes a byte or cell count or
// a squared logarithmic delay").
func incrementWeight(cs *counter.Spec, ev *eventsource.Event) int {
	switch cs.Increment {
	case "", "count":
		return 1
	case "bytes", "cells":
		v, ok := ev.Float64(cs.Increment)
		if !ok {
			return 0
		}
		return int(v)
	case "sq_log_delay":
		v, ok := ev.Float64("delay")
		if !ok || v <= 0 {
			return 0
		}
		l := math.Log(v)
		return int(l * l)
	default:
		return 1
	}
}

// OnStop seals this DC's final share map for transmission to the TS,
// per spec §4.3 "Submission", and wipes seeds and plaintext shares.
func (c *Collector) OnStop(tsPub *rsa.PublicKey) (*seal.Sealed, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shares == nil {
		return nil, fmt.Errorf("dc: stop before round config")
	}
	bz, err := c.shares.JSON()
	if err != nil {
		return nil, fmt.Errorf("dc: marshaling share set: %w", err)
	}
	sealed, err := seal.SealPayload(tsPub, bz)
	if err != nil {
		return nil, fmt.Errorf("dc: sealing share submission: %w", err)
	}
	c.shares.Wipe()
	c.seeds = nil
	return sealed, nil
}

// RoundEnd records this round's sigmas as the prior round for the next
// ValidateGates delay-policy gate, and clears round state.
func (c *Collector) RoundEnd(collectionEnd time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg == nil {
		return
	}
	sigmas := make(map[string]float64, len(c.cfg.Counters))
	for _, cs := range c.cfg.Counters {
		sigmas[cs.Name] = cs.Sigma
	}
	c.priorRound = &noise.PriorRound{SigmaByCounter: sigmas, CollectionEnd: collectionEnd}
	c.cfg, c.cfgHash, c.table, c.mod, c.shares = nil, "", nil, nil, nil
}
