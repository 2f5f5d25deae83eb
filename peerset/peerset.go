// Copyright 2025 Meshnet Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package peerset decides, for every remote peer, whether a connection
// attempt may proceed, and tracks each admitted connection through its
// negotiation lifecycle. It enforces a bounded pool of regular connection
// slots that reserved (operator-designated) peers are exempt from.
//
// All mutable state is owned by a single dispatch goroutine fed through a
// command channel, so events for a peer are applied strictly one at a time
// and admission decisions plus their slot accounting happen in the same
// step. Late or duplicate transport notifications are logged and discarded;
// no input can abort the process.
package peerset

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshnet-io/ferret/event"
)

const (
	commandQueueSize    = 64
	backoffSweepPeriod  = 30 * time.Second
	cooldownCacheSize   = 1024
	cooldownAttribution = 10 * time.Minute
)

type PeerSet struct {
	config    PeerSetConfig
	commands  chan func()
	done      chan struct{}
	loopDone  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	clock     clock.Clock
	backoff   BackoffConfig
	metrics   *peerSetMetrics

	// State below is owned by the dispatch loop and never touched outside it
	peers         map[PeerID]*peerRecord
	slots         slotLedger
	reservedPeers map[PeerID]struct{}
	reservedOnly  bool
	// cooled remembers recently evicted peers so late transport events can
	// be attributed in logs instead of looking like noise
	cooled *lru.Cache[PeerID, time.Time]
}

type PeerSetConfig struct {
	Logger          *slog.Logger
	EventBus        *event.EventBus
	Clock           clock.Clock
	PromRegistry    prometheus.Registerer
	MaxRegularSlots int
	ReservedOnly    bool
	ReservedPeers   []PeerID
	Backoff         BackoffConfig
}

func New(cfg PeerSetConfig) *PeerSet {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	cfg.Logger = cfg.Logger.With("component", "peerset")
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	// Errors only on non-positive size, which the constant isn't
	cooled, _ := lru.New[PeerID, time.Time](cooldownCacheSize)
	p := &PeerSet{
		config:        cfg,
		commands:      make(chan func(), commandQueueSize),
		done:          make(chan struct{}),
		loopDone:      make(chan struct{}),
		clock:         cfg.Clock,
		backoff:       cfg.Backoff.withDefaults(),
		peers:         make(map[PeerID]*peerRecord),
		reservedPeers: make(map[PeerID]struct{}),
		cooled:        cooled,
	}
	p.slots.setMax(cfg.MaxRegularSlots)
	p.reservedOnly = cfg.ReservedOnly
	for _, peer := range cfg.ReservedPeers {
		p.reservedPeers[peer] = struct{}{}
	}
	p.initMetrics(cfg.PromRegistry)
	return p
}

func (p *PeerSet) Start() error {
	p.startOnce.Do(func() {
		go p.dispatchLoop()
	})
	return nil
}

// Stop terminates the dispatch loop. Commands submitted after Stop are
// rejected; in-flight commands complete first
func (p *PeerSet) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		<-p.loopDone
	})
}

func (p *PeerSet) dispatchLoop() {
	defer close(p.loopDone)
	sweep := p.clock.Ticker(backoffSweepPeriod)
	defer sweep.Stop()
	for {
		select {
		case <-p.done:
			return
		case fn := <-p.commands:
			fn()
			p.syncMetrics()
		case <-sweep.C:
			p.sweepBackoff()
			p.syncMetrics()
		}
	}
}

// do submits a command and waits for the dispatch loop to run it. It
// returns false if the peerset has been stopped
func (p *PeerSet) do(fn func()) bool {
	doneCh := make(chan struct{})
	select {
	case p.commands <- func() {
		fn()
		close(doneCh)
	}:
	case <-p.done:
		return false
	}
	select {
	case <-doneCh:
		return true
	case <-p.loopDone:
		return false
	}
}

// InboundAttempt asks whether a connection attempt initiated by the remote
// peer may proceed. The decision is computed synchronously
func (p *PeerSet) InboundAttempt(peer PeerID) Decision {
	return p.attempt(peer, DirectionInbound)
}

// OutboundAttempt asks whether a locally initiated connection attempt to
// the peer may proceed. The decision is computed synchronously
func (p *PeerSet) OutboundAttempt(peer PeerID) Decision {
	return p.attempt(peer, DirectionOutbound)
}

func (p *PeerSet) attempt(peer PeerID, direction Direction) Decision {
	decision := rejected(ReasonShuttingDown)
	p.do(func() {
		decision = p.handleAttempt(peer, direction)
		p.countDecision(direction, decision)
	})
	return decision
}

// SubstreamOpened reports that the transport layer confirmed the substream
// for an admitted attempt
func (p *PeerSet) SubstreamOpened(peer PeerID) {
	p.do(func() { p.handleOpened(peer) })
}

// SubstreamOpenFailed reports that an admitted attempt failed before the
// substream was confirmed
func (p *PeerSet) SubstreamOpenFailed(peer PeerID, reason error) {
	p.do(func() { p.handleOpenFailed(peer, reason) })
}

// SubstreamClosed reports that an established substream was closed, cleanly
// or otherwise
func (p *PeerSet) SubstreamClosed(peer PeerID, reason error) {
	p.do(func() { p.handleClosed(peer, reason) })
}

// Disconnect locally abandons the peer's attempt or connection. An
// in-flight attempt moves to cancelled and keeps its slot until the
// transport layer reports how the attempt resolved
func (p *PeerSet) Disconnect(peer PeerID) {
	p.do(func() { p.handleDisconnect(peer) })
}

// ReportProtocolViolation forces closure of the peer's connection and puts
// the peer into backoff
func (p *PeerSet) ReportProtocolViolation(peer PeerID, detail string) {
	p.do(func() {
		rec, ok := p.peers[peer]
		if !ok || !rec.phase.active() {
			p.logSpurious(peer, "protocol violation", "no active connection")
			return
		}
		p.violation(rec, detail)
	})
}

// SetReservedOnly toggles reserved-only mode. Enabling it cancels in-flight
// attempts of non-reserved peers but leaves established connections alone;
// repeated calls with the same value are no-ops
func (p *PeerSet) SetReservedOnly(reservedOnly bool) {
	p.do(func() { p.handleSetReservedOnly(reservedOnly) })
}

// AddReservedPeer marks the peer as reserved. A connected regular peer
// releases its slot immediately
func (p *PeerSet) AddReservedPeer(peer PeerID) {
	p.do(func() { p.handleAddReserved(peer) })
}

// RemoveReservedPeer removes the peer from the reserved set. A connected
// peer is reclassified as regular if a slot is free, and disconnected
// otherwise
func (p *PeerSet) RemoveReservedPeer(peer PeerID) {
	p.do(func() { p.handleRemoveReserved(peer) })
}

// SetMaxRegularSlots reconfigures the regular slot limit. Lowering it below
// current occupancy rejects new admissions until occupancy drains; existing
// connections are not evicted
func (p *PeerSet) SetMaxRegularSlots(max int) {
	p.do(func() { p.slots.setMax(max) })
}

// PeerPhase returns the peer's current connection phase. The second return
// is false for peers the peerset has no record of
func (p *PeerSet) PeerPhase(peer PeerID) (ConnectionPhase, bool) {
	phase := PhaseDisconnected
	known := false
	p.do(func() {
		if rec, ok := p.peers[peer]; ok {
			phase = rec.phase
			known = true
		}
	})
	return phase, known
}

// Peers returns a snapshot of all tracked peers
func (p *PeerSet) Peers() []PeerInfo {
	var infos []PeerInfo
	p.do(func() {
		infos = make([]PeerInfo, 0, len(p.peers))
		for _, rec := range p.peers {
			infos = append(infos, rec.info())
		}
	})
	return infos
}

// SlotsInUse returns the number of occupied regular slots
func (p *PeerSet) SlotsInUse() int {
	var occupied int
	p.do(func() { occupied = p.slots.occupied })
	return occupied
}

// MaxSlots returns the configured regular slot limit
func (p *PeerSet) MaxSlots() int {
	var max int
	p.do(func() { max = p.slots.max })
	return max
}

// ReservedOnly returns whether reserved-only mode is engaged
func (p *PeerSet) ReservedOnly() bool {
	var reservedOnly bool
	p.do(func() { reservedOnly = p.reservedOnly })
	return reservedOnly
}

//
// Everything below runs inside the dispatch loop
//

func (p *PeerSet) isReserved(peer PeerID) bool {
	_, ok := p.reservedPeers[peer]
	return ok
}

func (p *PeerSet) handleAttempt(peer PeerID, direction Direction) Decision {
	rec, known := p.peers[peer]
	if known && rec.phase.active() {
		return rejected(ReasonAlreadyConnected)
	}
	now := p.clock.Now()
	var backoffRemaining time.Duration
	if known && rec.phase == PhaseBackoff && now.Before(rec.backoffUntil) {
		backoffRemaining = rec.backoffUntil.Sub(now)
	}
	reserved := p.isReserved(peer)
	decision := admit(admissionSnapshot{
		reserved:         reserved,
		reservedOnly:     p.reservedOnly,
		slotAvailable:    p.slots.hasFree(),
		backoffRemaining: backoffRemaining,
	})
	if !decision.Accepted {
		p.config.Logger.Debug(
			fmt.Sprintf("rejected %s attempt: %s", direction, decision.Reason),
			"peer", string(peer),
		)
		// A record whose backoff has expired carries no information worth
		// keeping through a rejection
		if known && decision.Reason != ReasonBackingOff {
			p.evict(rec)
		}
		return decision
	}
	if !known {
		rec = &peerRecord{id: peer}
		p.peers[peer] = rec
	}
	rec.phase = PhaseOpening
	rec.direction = direction
	rec.reserved = reserved
	// Slot acquisition and the phase transition happen in this same
	// dispatch step, so a slot is never counted without an opening peer
	if !reserved {
		p.slots.acquire()
		rec.holdsSlot = true
	}
	p.config.Logger.Debug(
		fmt.Sprintf("admitted %s attempt", direction),
		"peer", string(peer),
		"reserved", reserved,
	)
	p.publish(PeerAdmittedEventType, PeerAdmittedEvent{
		Peer:      peer,
		Direction: direction,
	})
	return decision
}

func (p *PeerSet) handleOpened(peer PeerID) {
	rec, ok := p.peers[peer]
	if !ok {
		p.logSpurious(peer, "substream confirmation", "unknown peer")
		return
	}
	switch rec.phase {
	case PhaseOpening:
		rec.phase = PhaseOpen
		rec.failStreak = 0
		p.config.Logger.Debug(
			"substream open",
			"peer", string(peer),
			"direction", rec.direction.String(),
		)
		p.publish(PeerConnectedEventType, PeerConnectedEvent{
			Peer:      peer,
			Direction: rec.direction,
		})
	case PhaseOpen:
		// A second substream while one is already open is peer misbehavior
		p.violation(rec, "duplicate substream confirmation")
	case PhaseCancelled:
		// The attempt we abandoned confirmed anyway. Ask the transport to
		// close it and resolve the record; this is the non-failure arm, so
		// no backoff is applied
		p.requestDisconnect(rec, "attempt was cancelled")
		p.disconnected(rec, false)
	default:
		p.logSpurious(peer, "substream confirmation", rec.phase.String())
	}
}

func (p *PeerSet) handleOpenFailed(peer PeerID, reason error) {
	rec, ok := p.peers[peer]
	if !ok {
		p.logSpurious(peer, "substream open failure", "unknown peer")
		return
	}
	switch rec.phase {
	case PhaseOpening, PhaseCancelled:
		p.config.Logger.Debug(
			fmt.Sprintf("substream open failed: %s", errString(reason)),
			"peer", string(peer),
		)
		p.disconnected(rec, true)
	default:
		p.logSpurious(peer, "substream open failure", rec.phase.String())
	}
}

func (p *PeerSet) handleClosed(peer PeerID, reason error) {
	rec, ok := p.peers[peer]
	if !ok {
		p.logSpurious(peer, "substream close", "unknown peer")
		return
	}
	switch rec.phase {
	case PhaseOpen:
		p.disconnected(rec, reason != nil)
	case PhaseClosing:
		// Backoff for the closure's cause (e.g. a violation) was recorded
		// when closure was requested, so the close itself is not a failure
		p.disconnected(rec, false)
	case PhaseOpening:
		// Connection died before the substream was confirmed
		p.disconnected(rec, true)
	case PhaseCancelled:
		p.disconnected(rec, reason != nil)
	default:
		p.logSpurious(peer, "substream close", rec.phase.String())
	}
}

func (p *PeerSet) handleDisconnect(peer PeerID) {
	rec, ok := p.peers[peer]
	if !ok {
		p.config.Logger.Debug(
			"disconnect for unknown peer",
			"peer", string(peer),
		)
		return
	}
	switch rec.phase {
	case PhaseOpening:
		rec.phase = PhaseCancelled
		p.requestDisconnect(rec, "locally cancelled")
	case PhaseOpen:
		rec.phase = PhaseClosing
		p.requestDisconnect(rec, "locally requested")
	default:
		// Already on its way down
	}
}

func (p *PeerSet) handleSetReservedOnly(reservedOnly bool) {
	if p.reservedOnly == reservedOnly {
		return
	}
	p.reservedOnly = reservedOnly
	p.config.Logger.Info(
		fmt.Sprintf("reserved-only mode: %t", reservedOnly),
	)
	if !reservedOnly {
		return
	}
	// Established connections survive the mode change; attempts still in
	// negotiation do not
	for _, rec := range p.peers {
		if rec.phase == PhaseOpening && !p.isReserved(rec.id) {
			rec.phase = PhaseCancelled
			p.requestDisconnect(rec, "reserved-only mode enabled")
		}
	}
}

func (p *PeerSet) handleAddReserved(peer PeerID) {
	if _, ok := p.reservedPeers[peer]; ok {
		return
	}
	p.reservedPeers[peer] = struct{}{}
	rec, ok := p.peers[peer]
	if !ok || !rec.phase.active() {
		return
	}
	if rec.holdsSlot {
		p.slots.release()
		rec.holdsSlot = false
	}
	rec.reserved = true
}

func (p *PeerSet) handleRemoveReserved(peer PeerID) {
	if _, ok := p.reservedPeers[peer]; !ok {
		return
	}
	delete(p.reservedPeers, peer)
	rec, ok := p.peers[peer]
	if !ok || !rec.phase.active() || !rec.reserved {
		return
	}
	if p.slots.hasFree() {
		p.slots.acquire()
		rec.holdsSlot = true
		rec.reserved = false
		return
	}
	// No capacity to keep it as a regular peer. The record keeps its
	// reserved classification through teardown so slot accounting stays
	// consistent
	switch rec.phase {
	case PhaseOpening:
		rec.phase = PhaseCancelled
	case PhaseOpen, PhaseClosing:
		rec.phase = PhaseClosing
	}
	p.requestDisconnect(rec, "removed from reserved set with no free slot")
}

// violation applies the forced-closure-plus-backoff policy for peer
// misbehavior. The backoff deadline is set immediately so the peer can't
// race a fresh attempt in before the closure completes
func (p *PeerSet) violation(rec *peerRecord, detail string) {
	p.countViolation()
	rec.failStreak++
	rec.backoffUntil = p.clock.Now().Add(p.backoff.delay(rec.failStreak))
	p.config.Logger.Warn(
		fmt.Sprintf("protocol violation: %s", detail),
		"peer", string(rec.id),
	)
	switch rec.phase {
	case PhaseOpening:
		rec.phase = PhaseCancelled
	case PhaseOpen, PhaseClosing:
		rec.phase = PhaseClosing
	default:
		// Not connected; the extended backoff deadline is the whole effect
		return
	}
	p.requestDisconnect(rec, fmt.Sprintf("protocol violation: %s", detail))
}

// disconnected finishes a connection's lifecycle: the slot is released, a
// failure grows the backoff streak, and the record either parks in backoff
// or is evicted entirely
func (p *PeerSet) disconnected(rec *peerRecord, failure bool) {
	if rec.holdsSlot {
		p.slots.release()
		rec.holdsSlot = false
	}
	rec.direction = DirectionNone
	if failure {
		rec.failStreak++
		rec.backoffUntil = p.clock.Now().Add(p.backoff.delay(rec.failStreak))
	}
	p.publish(PeerDisconnectedEventType, PeerDisconnectedEvent{
		Peer:    rec.id,
		Failure: failure,
	})
	if p.clock.Now().Before(rec.backoffUntil) {
		rec.phase = PhaseBackoff
		return
	}
	rec.phase = PhaseDisconnected
	p.evict(rec)
}

func (p *PeerSet) evict(rec *peerRecord) {
	delete(p.peers, rec.id)
	p.cooled.Add(rec.id, p.clock.Now())
}

// sweepBackoff evicts records whose backoff deadline has passed. Expiry is
// also checked lazily on each attempt, so the sweep only bounds memory
func (p *PeerSet) sweepBackoff() {
	now := p.clock.Now()
	for _, rec := range p.peers {
		if rec.phase == PhaseBackoff && !now.Before(rec.backoffUntil) {
			rec.phase = PhaseDisconnected
			p.evict(rec)
		}
	}
}

func (p *PeerSet) requestDisconnect(rec *peerRecord, reason string) {
	p.publish(DisconnectRequestEventType, DisconnectRequestEvent{
		Peer:   rec.id,
		Reason: reason,
	})
}

// logSpurious records a transport notification that doesn't match any
// expected phase. These are normal under event races and never fatal
func (p *PeerSet) logSpurious(peer PeerID, what string, context string) {
	p.countSpurious()
	if evictedAt, ok := p.cooled.Get(peer); ok &&
		p.clock.Now().Sub(evictedAt) < cooldownAttribution {
		p.config.Logger.Debug(
			fmt.Sprintf("ignoring late %s for recently evicted peer", what),
			"peer", string(peer),
		)
		return
	}
	p.config.Logger.Debug(
		fmt.Sprintf("ignoring spurious %s (%s)", what, context),
		"peer", string(peer),
	)
}

func (p *PeerSet) publish(evtType event.EventType, data any) {
	if p.config.EventBus == nil {
		return
	}
	p.config.EventBus.Publish(evtType, event.NewEvent(evtType, data))
}

func errString(err error) string {
	if err == nil {
		return "none"
	}
	return err.Error()
}
