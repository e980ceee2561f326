// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package ts

import (
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/privcount/privcount/common"
	"github.com/privcount/privcount/crypto/seal"
	"github.com/privcount/privcount/crypto/share"
	"github.com/privcount/privcount/noise"
	"github.com/privcount/privcount/outcome"
	"github.com/privcount/privcount/round"
	"github.com/privcount/privcount/session"
	"github.com/privcount/privcount/wire"
)

var log = common.Logger("ts")

// Timeouts bounds every protocol step per spec §5 "every protocol step
// has a timeout in RoundConfig"; RoundConfig itself only carries the
// period durations actually used for scheduling, so the per-step wait
// budgets are configured here alongside it.
type Timeouts struct {
	ConfigAck    time.Duration
	ShareSubmit  time.Duration
}

// Coordinator is the Tally Server's round state machine (spec §4.1). A
// single goroutine (the one running RunRound) owns state and peers; every other goroutine
// (one per accepted connection) communicates with it exclusively
// through the events channel, matching the "one reactor thread" model
// of spec §5.
type Coordinator struct {
	priv            *rsa.PrivateKey
	handshakeSecret []byte
	allowed         *session.AllowList
	timeouts        Timeouts
	outcomeDir      string

	mu         sync.Mutex
	state      State
	cfg        *round.Config
	cfgHash    string
	peers      map[session.Fingerprint]*peer
	priorRound *noise.PriorRound

	events chan interface{}
}

// New constructs a Coordinator. priv and handshakeSecret authenticate
// this TS's side of every peer handshake (spec §4.5); allowed is the
// fingerprint allow-list enforced at registration.
func New(priv *rsa.PrivateKey, handshakeSecret []byte, allowed *session.AllowList, timeouts Timeouts, outcomeDir string) *Coordinator {
	return &Coordinator{
		priv:            priv,
		handshakeSecret: handshakeSecret,
		allowed:         allowed,
		timeouts:        timeouts,
		outcomeDir:      outcomeDir,
		state:           Idle,
		peers:           make(map[session.Fingerprint]*peer),
		events:          make(chan interface{}, 256),
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	log.Infof("ts: %s -> %s", c.state, s)
	c.state = s
	c.mu.Unlock()
}

// --- events posted by connection goroutines ---

type evRegistered struct {
	p *peer
}
type evConfigAck struct {
	fp     session.Fingerprint
	hash   string
	accept bool
	reason string
}
type evShareSubmit struct {
	fp     session.Fingerprint
	sealed *seal.Sealed
}
type evSeed struct {
	fp      session.Fingerprint
	payload wire.SeedPayload
}
type evPeerDropped struct {
	fp session.Fingerprint
}
type evPeerAbort struct {
	fp     session.Fingerprint
	kind   string
	reason string
}

// Register implements the `register` contract of spec §4.1: validate
// peer against the configured allow-list, then track the session for
// the coordinator's reactor loop to drive.
func (c *Coordinator) Register(conn *session.Conn) *common.Error {
	sess := conn.Session
	if !c.allowed.Permits(sess.Kind, sess.Fingerprint) {
		return common.Wrap(common.UnknownPeer, c.currentRoundID(), string(sess.Fingerprint), fmt.Errorf("fingerprint not in allow-list"))
	}
	p := newPeer(sess, conn)
	c.events <- evRegistered{p: p}
	go c.readLoop(p)
	return nil
}

func (c *Coordinator) currentRoundID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg == nil {
		return ""
	}
	return c.cfg.RoundID
}

// readLoop forwards one connection's envelopes into the coordinator's
// event channel; it never mutates coordinator state directly.
func (c *Coordinator) readLoop(p *peer) {
	for {
		env, err := p.conn.R.ReadEnvelope()
		if err != nil {
			c.events <- evPeerDropped{fp: p.sess.Fingerprint}
			return
		}
		switch env.Type {
		case wire.TypeConfigAck:
			var ack wire.ConfigAckPayload
			if err := env.Unmarshal(&ack); err != nil {
				continue
			}
			c.events <- evConfigAck{fp: p.sess.Fingerprint, hash: ack.Hash, accept: ack.Accept, reason: ack.Reason}
		case wire.TypeShareSubmit:
			var sub wire.ShareSubmitPayload
			if err := env.Unmarshal(&sub); err != nil {
				continue
			}
			sealed, err := decodeSealed(&sub)
			if err != nil {
				log.Warnf("ts: malformed ShareSubmit from %s: %v", p.sess.Fingerprint, err)
				continue
			}
			c.events <- evShareSubmit{fp: p.sess.Fingerprint, sealed: sealed}
		case wire.TypeSeed:
			var seed wire.SeedPayload
			if err := env.Unmarshal(&seed); err != nil {
				continue
			}
			c.events <- evSeed{fp: p.sess.Fingerprint, payload: seed}
		case wire.TypeAbort:
			var ab wire.AbortPayload
			if err := env.Unmarshal(&ab); err != nil {
				continue
			}
			c.events <- evPeerAbort{fp: p.sess.Fingerprint, kind: ab.Kind, reason: ab.Reason}
		default:
			log.Warnf("ts: unexpected message %s from %s", env.Type, p.sess.Fingerprint)
		}
	}
}

func (c *Coordinator) send(p *peer, env *wire.Envelope) {
	if err := p.conn.W.WriteEnvelope(env); err != nil {
		log.Warnf("ts: write to %s failed: %v", p.sess.Fingerprint, err)
	}
}

func (c *Coordinator) drainRegistrations() {
	for {
		select {
		case ev := <-c.events:
			if r, ok := ev.(evRegistered); ok {
				c.mu.Lock()
				c.peers[r.p.sess.Fingerprint] = r.p
				c.mu.Unlock()
				continue
			}
			c.requeue(ev)
			return
		default:
			return
		}
	}
}

// requeue is used when drainRegistrations/waitFor peek an event meant
// for a later phase; it is pushed back to the front conceptually by
// re-sending (the channel is FIFO so ordering across phases is
// preserved because registration events are always handled inline).
func (c *Coordinator) requeue(ev interface{}) {
	c.events <- ev
}

func (c *Coordinator) dcFingerprints() []session.Fingerprint {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []session.Fingerprint
	for fp, p := range c.peers {
		if p.sess.Kind == session.KindDC {
			out = append(out, fp)
		}
	}
	return out
}

func (c *Coordinator) skFingerprints() []session.Fingerprint {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []session.Fingerprint
	for fp, p := range c.peers {
		if p.sess.Kind == session.KindSK {
			out = append(out, fp)
		}
	}
	return out
}

// RunRound drives one full lifecycle: STARTING -> COLLECTING -> STOPPING
// -> TALLYING -> PUBLISHED, or ABORTING at any gated transition. cfg
// must already be Validate()d. It blocks until the round reaches a
// terminal state.
func (c *Coordinator) RunRound(cfg *round.Config) error {
	hash, err := cfg.Hash()
	if err != nil {
		return fmt.Errorf("ts: hashing round config: %w", err)
	}

	if dErr := c.checkDelayPolicy(cfg); dErr != nil {
		return dErr
	}

	c.mu.Lock()
	c.cfg = cfg
	c.cfgHash = hash
	for _, p := range c.peers {
		p.status = statusConnected
		p.shares = nil
	}
	c.mu.Unlock()

	c.setState(Starting)
	startTime := time.Now()

	if err := c.distributeRound(cfg, hash); err != nil {
		c.abort(cfg.RoundID, err)
		return err
	}

	if err := c.checkQuorum(cfg); err != nil {
		c.abort(cfg.RoundID, err)
		return err
	}

	if err := c.exchangeSeeds(cfg); err != nil {
		c.abort(cfg.RoundID, err)
		return err
	}

	c.broadcast(wire.TypeStart, cfg.RoundID, wire.StartPayload{StartTime: time.Now()})

	c.setState(Collecting)
	time.Sleep(cfg.CollectPeriod)
	collectEnd := time.Now()

	c.broadcast(wire.TypeStop, cfg.RoundID, wire.StopPayload{StopTime: time.Now()})
	c.setState(Stopping)

	totals, err := c.collectShares(cfg)
	if err != nil {
		c.abort(cfg.RoundID, err)
		return err
	}

	c.setState(Tallying)
	if err := c.publish(cfg, hash, totals, startTime, collectEnd); err != nil {
		c.abort(cfg.RoundID, err)
		return err
	}

	c.setState(Published)
	c.broadcast(wire.TypeRoundEnd, cfg.RoundID, wire.RoundEndPayload{Hash: hash, Published: true})
	c.mu.Lock()
	c.priorRound = &noise.PriorRound{SigmaByCounter: sigmasOf(cfg), CollectionEnd: collectEnd}
	c.mu.Unlock()
	c.setState(Idle)
	return nil
}

func sigmasOf(cfg *round.Config) map[string]float64 {
	out := make(map[string]float64, len(cfg.Counters))
	for _, cs := range cfg.Counters {
		out[cs.Name] = cs.Sigma
	}
	return out
}

// checkDelayPolicy implements spec §4.1 "Delay policy" / invariant I3.
func (c *Coordinator) checkDelayPolicy(cfg *round.Config) error {
	c.mu.Lock()
	prior := c.priorRound
	c.mu.Unlock()
	if prior == nil {
		return nil
	}
	proposed := sigmasOf(cfg)
	required := noise.DelayRequired(proposed, prior, cfg.SigmaDecreaseTolerance, cfg.AlwaysDelay)
	if !required {
		return nil
	}
	earliest := noise.EarliestStart(prior, cfg.DelayPeriod, true)
	if time.Now().Before(earliest) {
		wait := time.Until(earliest)
		log.Infof("ts: delaying round %s by %s per sigma-decrease policy (I3)", cfg.RoundID, wait)
		time.Sleep(wait)
	}
	return nil
}

// distributeRound implements the `distribute_round` contract: send
// identical bytes to all peers and record acknowledgement of hash(cfg).
func (c *Coordinator) distributeRound(cfg *round.Config, hash string) error {
	c.drainRegistrations()
	c.broadcast(wire.TypeRoundConfig, cfg.RoundID, wire.RoundConfigPayload{Hash: hash, Config: mustMarshalConfig(cfg)})

	expected := c.peerCount()
	acked := 0
	var errs *multierror.Error
	deadline := time.After(c.timeouts.ConfigAck)
	for acked+numSettled(errs) < expected {
		select {
		case ev := <-c.events:
			switch e := ev.(type) {
			case evRegistered:
				c.mu.Lock()
				c.peers[e.p.sess.Fingerprint] = e.p
				c.mu.Unlock()
				expected++
			case evConfigAck:
				c.mu.Lock()
				p, ok := c.peers[e.fp]
				c.mu.Unlock()
				if !ok || e.hash != hash {
					continue
				}
				if !e.accept {
					errs = multierror.Append(errs, fmt.Errorf("ts: peer %s NACKed round config: %s", e.fp, e.reason))
					continue
				}
				p.status = statusConfigAcked
				acked++
			case evPeerDropped:
				errs = multierror.Append(errs, fmt.Errorf("ts: peer %s dropped during config distribution", e.fp))
			}
		case <-deadline:
			errs = multierror.Append(errs, fmt.Errorf("ts: timed out waiting for ConfigAck (%d/%d)", acked, expected))
			return errs.ErrorOrNil()
		}
	}
	return errs.ErrorOrNil()
}

// numSettled reports how many peers have already been accounted for by a
// recorded NACK or drop, so distributeRound's wait loop doesn't hang
// forever on a peer that will never ACK.
func numSettled(errs *multierror.Error) int {
	if errs == nil {
		return 0
	}
	return len(errs.Errors)
}

func (c *Coordinator) peerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

// checkQuorum implements invariant I4: no counting occurs unless
// dc_threshold DCs and sk_threshold SKs have confirmed the round config.
func (c *Coordinator) checkQuorum(cfg *round.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	dcs, sks := 0, 0
	for _, p := range c.peers {
		if p.status != statusConfigAcked {
			continue
		}
		switch p.sess.Kind {
		case session.KindDC:
			dcs++
		case session.KindSK:
			sks++
		}
	}
	var errs *multierror.Error
	if dcs < cfg.DCThreshold {
		errs = multierror.Append(errs, fmt.Errorf("ts: only %d/%d DCs confirmed: %w", dcs, cfg.DCThreshold, errQuorumNotMet))
	}
	if sks < cfg.SKThreshold {
		errs = multierror.Append(errs, fmt.Errorf("ts: only %d/%d SKs confirmed: %w", sks, cfg.SKThreshold, errQuorumNotMet))
	}
	return errs.ErrorOrNil()
}

// exchangeSeeds relays each DC's per-SK encrypted seed to its target SK,
// per spec §3: "exchanged pairwise between each DC/SK pair encrypted
// under the peer's RSA public key". The TS never sees a seed in the
// clear; it only forwards the already-encrypted envelope.
func (c *Coordinator) exchangeSeeds(cfg *round.Config) error {
	dcs := 0
	c.mu.Lock()
	for _, p := range c.peers {
		if p.sess.Kind == session.KindDC && p.status == statusConfigAcked {
			dcs++
		}
	}
	c.mu.Unlock()

	expected := dcs * len(cfg.SKs)
	if expected == 0 {
		return nil
	}
	received := 0
	deadline := time.After(c.timeouts.ConfigAck)
	for received < expected {
		select {
		case ev := <-c.events:
			switch e := ev.(type) {
			case evSeed:
				c.mu.Lock()
				target, ok := c.peers[session.Fingerprint(e.payload.ToFingerprint)]
				c.mu.Unlock()
				if !ok || target.sess.Kind != session.KindSK {
					continue
				}
				env, err := wire.Seal(wire.TypeSeed, cfg.RoundID, e.payload, c.handshakeSecret)
				if err != nil {
					continue
				}
				c.send(target, env)
				received++
			case evPeerDropped:
				return fmt.Errorf("ts: peer %s dropped during seed exchange: %w", e.fp, errMissingShares)
			}
		case <-deadline:
			return fmt.Errorf("ts: timed out during seed exchange (%d/%d): %w", received, expected, errMissingShares)
		}
	}
	return nil
}

// collectShares implements the `collect_shares` contract: sums received
// shares modulo P, per counter, per bin, failing with MissingShares if
// any expected submission never arrives.
func (c *Coordinator) collectShares(cfg *round.Config) (*share.Set, error) {
	mod, err := parseModulus(cfg.ModulusHex)
	if err != nil {
		return nil, err
	}
	binsPerCounter := binCounts(cfg)

	expected := c.peerCount()
	sets := make([]*share.Set, 0, expected)
	received := 0
	var errs *multierror.Error
	deadline := time.After(c.timeouts.ShareSubmit)
	for received+numSettled(errs) < expected {
		select {
		case ev := <-c.events:
			switch e := ev.(type) {
			case evShareSubmit:
				c.mu.Lock()
				p, ok := c.peers[e.fp]
				c.mu.Unlock()
				if !ok || p.status == statusSubmitted {
					continue // idempotence: a duplicate Stop/submit has no effect beyond the first
				}
				set, err := unsealShareSet(c.priv, mod, e.sealed)
				if err != nil {
					log.Warnf("ts: malformed share set from %s: %v", e.fp, err)
					continue
				}
				p.status = statusSubmitted
				sets = append(sets, set)
				received++
			case evPeerDropped:
				errs = multierror.Append(errs, fmt.Errorf("ts: peer %s dropped before submitting shares: %w", e.fp, errMissingShares))
			case evPeerAbort:
				errs = multierror.Append(errs, fmt.Errorf("ts: peer %s reported %s: %s: %w", e.fp, e.kind, e.reason, errEventOverflow))
			}
		case <-deadline:
			errs = multierror.Append(errs, fmt.Errorf("ts: timed out after %d/%d submissions: %w", received, expected, errMissingShares))
			return nil, errs.ErrorOrNil()
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return share.Reconstruct(mod, sets, binsPerCounter), nil
}

// publish implements the `publish` contract: subtract the configured
// noise expectation and write the outcome file atomically.
func (c *Coordinator) publish(cfg *round.Config, hash string, totals *share.Set, start, end time.Time) error {
	tally := make(map[string]outcome.CounterResult, len(cfg.Counters))
	zeroSuspect := false
	for _, cs := range cfg.Counters {
		n := totals.BinCount(cs.Name)
		bins := make([]outcome.BinResult, n)
		for i := 0; i < n; i++ {
			signed, serr := totals.SignedValue(cs.Name, i)
			if serr != nil {
				return serr
			}
			sampled := noise.Sample(cs.Sigma)
			expectedNoise := noise.ExpectedValue(cs.Sigma)
			count := float64(signed.Int64()) + sampled - expectedNoise
			lo, hi := float64(0), float64(0)
			if i < len(cs.Bins) {
				lo, hi = cs.Bins[i].Lo, cs.Bins[i].Hi
			}
			bins[i] = outcome.BinResult{Lo: lo, Hi: hi, Count: int64(count)}
		}
		if cs.Name == "ZeroCount" {
			for _, b := range bins {
				if b.Count != 0 {
					zeroSuspect = true
				}
			}
		}
		tally[cs.Name] = outcome.CounterResult{
			Bins:        bins,
			Sigma:       cs.Sigma,
			Sensitivity: cs.Sensitivity,
			Epsilon:     cs.Epsilon,
			Delta:       cs.Delta,
		}
	}

	out := &outcome.Outcome{
		Tally: tally,
		Context: outcome.Context{
			RoundID:            cfg.RoundID,
			RoundConfigHash:    hash,
			StartTime:          start,
			StopTime:           end,
			ParticipatingDCs:   fingerprintStrings(c.dcFingerprints()),
			ParticipatingSKs:   fingerprintStrings(c.skFingerprints()),
			SoftwareVersion:    cfg.SoftwareVersion,
			ProtocolVersion:    cfg.ProtocolVersion,
			NoiseAllocation:    "uniform",
			NoiseSampledBy:     "ts",
			ZeroCounterSuspect: zeroSuspect,
		},
	}
	path := fmt.Sprintf("%s/privcount.outcome.%s.json", c.outcomeDir, cfg.RoundID)
	return outcome.WriteAtomic(path, out)
}

func fingerprintStrings(fps []session.Fingerprint) []string {
	out := make([]string, len(fps))
	for i, fp := range fps {
		out[i] = string(fp)
	}
	return out
}

func binCounts(cfg *round.Config) map[string]int {
	out := make(map[string]int, len(cfg.Counters))
	for _, cs := range cfg.Counters {
		out[cs.Name] = len(cs.Bins)
	}
	return out
}

// broadcast fans the same message out to every peer concurrently
// (distribute_round, spec §4.1): each peer's TLS write is an independent
// blocking I/O call, and a single slow peer must not delay the rest.
func (c *Coordinator) broadcast(t wire.Type, roundID string, payload interface{}) {
	c.mu.Lock()
	peers := make([]*peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()

	var wg errgroup.Group
	for _, p := range peers {
		p := p
		wg.Go(func() error {
			env, err := wire.Seal(t, roundID, payload, c.handshakeSecret)
			if err != nil {
				log.Warnf("ts: sealing %s for %s: %v", t, p.sess.Fingerprint, err)
				return nil
			}
			c.send(p, env)
			return nil
		})
	}
	_ = wg.Wait()
}

func (c *Coordinator) abort(roundID string, cause error) {
	c.setState(Aborting)
	log.Warnf("ts: round %s aborting: %v", roundID, cause)
	c.broadcast(wire.TypeAbort, roundID, wire.AbortPayload{
		Hash:   c.currentConfigHash(),
		Kind:   string(kindOf(cause)),
		Reason: cause.Error(),
	})
	c.setState(Idle)
}

func (c *Coordinator) currentConfigHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfgHash
}

// kindOf recovers the common.Kind behind an abort cause, falling back to
// Internal when the cause was not one of this package's sentinel errors.
func kindOf(cause error) common.Kind {
	switch {
	case errors.Is(cause, errQuorumNotMet):
		return common.QuorumNotMet
	case errors.Is(cause, errMissingShares):
		return common.MissingShares
	case errors.Is(cause, errEventOverflow):
		return common.EventOverflow
	default:
		return common.Internal
	}
}

func mustMarshalConfig(cfg *round.Config) []byte {
	bz, err := cfg.Canonical()
	if err != nil {
		panic(fmt.Sprintf("ts: round config must already be validated: %v", err))
	}
	return bz
}

func parseModulus(hexStr string) (*share.Modulus, error) {
	return share.ParseModulusHex(hexStr)
}

func decodeSealed(sub *wire.ShareSubmitPayload) (*seal.Sealed, error) {
	wrapped, err := hex.DecodeString(sub.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("ts: decoding wrapped key: %w", err)
	}
	nonce, err := hex.DecodeString(sub.Nonce)
	if err != nil {
		return nil, fmt.Errorf("ts: decoding nonce: %w", err)
	}
	ciphertext, err := hex.DecodeString(sub.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("ts: decoding ciphertext: %w", err)
	}
	return &seal.Sealed{WrappedKey: wrapped, Nonce: nonce, Ciphertext: ciphertext}, nil
}

func unsealShareSet(priv *rsa.PrivateKey, mod *share.Modulus, sealed *seal.Sealed) (*share.Set, error) {
	pt, err := seal.UnsealPayload(priv, sealed)
	if err != nil {
		return nil, fmt.Errorf("ts: unsealing share submission: %w", err)
	}
	var w share.Wire
	if err := json.Unmarshal(pt, &w); err != nil {
		return nil, fmt.Errorf("ts: decoding share wire form: %w", err)
	}
	return share.Unmarshal(mod, &w)
}

var (
	errQuorumNotMet   = fmt.Errorf("%s", string(common.QuorumNotMet))
	errMissingShares  = fmt.Errorf("%s", string(common.MissingShares))
	errEventOverflow  = fmt.Errorf("%s", string(common.EventOverflow))
)
