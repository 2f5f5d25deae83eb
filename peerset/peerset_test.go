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

package peerset_test

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/meshnet-io/ferret/event"
	"github.com/meshnet-io/ferret/peerset"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestPeerSet(t *testing.T, cfg peerset.PeerSetConfig) *peerset.PeerSet {
	t.Helper()
	ps := peerset.New(cfg)
	require.NoError(t, ps.Start())
	t.Cleanup(ps.Stop)
	return ps
}

func waitForEvent(t *testing.T, ch <-chan event.Event) event.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return event.Event{}
	}
}

func TestSlotExhaustion(t *testing.T) {
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		MaxRegularSlots: 2,
	})

	assert.True(t, ps.InboundAttempt("peer1").Accepted)
	assert.True(t, ps.InboundAttempt("peer2").Accepted)
	assert.Equal(t, 2, ps.SlotsInUse())

	decision := ps.InboundAttempt("peer3")
	assert.False(t, decision.Accepted)
	assert.Equal(t, peerset.ReasonSlotsExhausted, decision.Reason)
	assert.Equal(t, 2, ps.SlotsInUse())
}

func TestReservedPeerBypassesSlots(t *testing.T) {
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		MaxRegularSlots: 1,
		ReservedPeers:   []peerset.PeerID{"vip"},
	})

	assert.True(t, ps.InboundAttempt("peer1").Accepted)
	assert.False(t, ps.InboundAttempt("peer2").Accepted)

	// A reserved peer is admitted past a full slot ledger and does not
	// occupy a slot
	assert.True(t, ps.InboundAttempt("vip").Accepted)
	assert.Equal(t, 1, ps.SlotsInUse())
}

func TestSlotReleasedOnOpenFailure(t *testing.T) {
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		Clock:           clock.NewMock(),
		MaxRegularSlots: 1,
	})

	require.True(t, ps.OutboundAttempt("peer1").Accepted)
	require.Equal(t, 1, ps.SlotsInUse())

	ps.SubstreamOpenFailed("peer1", errors.New("connection refused"))
	assert.Equal(t, 0, ps.SlotsInUse())

	// The freed slot is immediately available to someone else
	assert.True(t, ps.OutboundAttempt("peer2").Accepted)
}

func TestSlotReleasedOnClose(t *testing.T) {
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		MaxRegularSlots: 1,
	})

	require.True(t, ps.InboundAttempt("peer1").Accepted)
	ps.SubstreamOpened("peer1")
	require.Equal(t, 1, ps.SlotsInUse())

	ps.SubstreamClosed("peer1", nil)
	assert.Equal(t, 0, ps.SlotsInUse())

	// Clean closure carries no backoff
	assert.True(t, ps.InboundAttempt("peer1").Accepted)
}

func TestBackoffAfterFailure(t *testing.T) {
	mockClock := clock.NewMock()
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		Clock:           mockClock,
		MaxRegularSlots: 4,
		Backoff: peerset.BackoffConfig{
			Initial: 1 * time.Second,
			Max:     8 * time.Second,
			Factor:  2,
		},
	})

	require.True(t, ps.OutboundAttempt("peer1").Accepted)
	ps.SubstreamOpenFailed("peer1", errors.New("connection refused"))

	phase, known := ps.PeerPhase("peer1")
	require.True(t, known)
	assert.Equal(t, peerset.PhaseBackoff, phase)

	decision := ps.OutboundAttempt("peer1")
	require.False(t, decision.Accepted)
	assert.Equal(t, peerset.ReasonBackingOff, decision.Reason)
	assert.Equal(t, 1*time.Second, decision.RetryAfter)

	// Part of the way through the window the remaining time shrinks
	mockClock.Add(400 * time.Millisecond)
	decision = ps.OutboundAttempt("peer1")
	require.False(t, decision.Accepted)
	assert.Equal(t, 600*time.Millisecond, decision.RetryAfter)

	// Once the deadline passes the next attempt is admitted
	mockClock.Add(600 * time.Millisecond)
	assert.True(t, ps.OutboundAttempt("peer1").Accepted)
}

func TestBackoffGrowsWithConsecutiveFailures(t *testing.T) {
	mockClock := clock.NewMock()
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		Clock:           mockClock,
		MaxRegularSlots: 4,
		Backoff: peerset.BackoffConfig{
			Initial: 1 * time.Second,
			Max:     8 * time.Second,
			Factor:  2,
		},
	})

	expectedDelays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		// Capped
		8 * time.Second,
	}
	for _, expected := range expectedDelays {
		require.True(t, ps.OutboundAttempt("peer1").Accepted)
		ps.SubstreamOpenFailed("peer1", errors.New("connection refused"))
		decision := ps.OutboundAttempt("peer1")
		require.False(t, decision.Accepted)
		assert.Equal(t, expected, decision.RetryAfter)
		mockClock.Add(expected)
	}
}

func TestBackoffStreakResetsOnOpen(t *testing.T) {
	mockClock := clock.NewMock()
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		Clock:           mockClock,
		MaxRegularSlots: 4,
	})

	// Two consecutive failures
	require.True(t, ps.OutboundAttempt("peer1").Accepted)
	ps.SubstreamOpenFailed("peer1", errors.New("connection refused"))
	mockClock.Add(1 * time.Second)
	require.True(t, ps.OutboundAttempt("peer1").Accepted)
	ps.SubstreamOpenFailed("peer1", errors.New("connection refused"))
	mockClock.Add(2 * time.Second)

	// A successful open resets the streak, so the next failure is back to
	// the initial delay
	require.True(t, ps.OutboundAttempt("peer1").Accepted)
	ps.SubstreamOpened("peer1")
	ps.SubstreamClosed("peer1", errors.New("connection reset"))
	decision := ps.OutboundAttempt("peer1")
	require.False(t, decision.Accepted)
	assert.Equal(t, 1*time.Second, decision.RetryAfter)
}

func TestCancelledAttemptHoldsSlotUntilResolution(t *testing.T) {
	bus := event.NewEventBus(nil)
	defer bus.Shutdown()
	_, disconnectCh := bus.Subscribe(peerset.DisconnectRequestEventType)
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		EventBus:        bus,
		MaxRegularSlots: 1,
	})

	require.True(t, ps.OutboundAttempt("peer1").Accepted)
	ps.Disconnect("peer1")

	phase, known := ps.PeerPhase("peer1")
	require.True(t, known)
	assert.Equal(t, peerset.PhaseCancelled, phase)
	evt := waitForEvent(t, disconnectCh)
	assert.Equal(t, peerset.PeerID("peer1"), evt.Data.(peerset.DisconnectRequestEvent).Peer)

	// The slot stays held while the attempt's fate is unknown, so nobody
	// else can squat on it
	assert.Equal(t, 1, ps.SlotsInUse())
	assert.False(t, ps.InboundAttempt("peer2").Accepted)

	// The abandoned attempt confirms anyway: the peerset asks for closure
	// again and resolves the record without penalty
	ps.SubstreamOpened("peer1")
	evt = waitForEvent(t, disconnectCh)
	assert.Equal(t, peerset.PeerID("peer1"), evt.Data.(peerset.DisconnectRequestEvent).Peer)
	_, known = ps.PeerPhase("peer1")
	assert.False(t, known)
	assert.Equal(t, 0, ps.SlotsInUse())
	assert.True(t, ps.InboundAttempt("peer2").Accepted)
}

func TestCancelledAttemptResolvedByFailure(t *testing.T) {
	mockClock := clock.NewMock()
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		Clock:           mockClock,
		MaxRegularSlots: 1,
	})

	require.True(t, ps.OutboundAttempt("peer1").Accepted)
	ps.Disconnect("peer1")
	ps.SubstreamOpenFailed("peer1", errors.New("connection refused"))

	assert.Equal(t, 0, ps.SlotsInUse())
	phase, known := ps.PeerPhase("peer1")
	require.True(t, known)
	assert.Equal(t, peerset.PhaseBackoff, phase)
}

func TestReservedOnlyMode(t *testing.T) {
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		MaxRegularSlots: 4,
		ReservedOnly:    true,
		ReservedPeers:   []peerset.PeerID{"vip"},
	})

	decision := ps.InboundAttempt("peer1")
	require.False(t, decision.Accepted)
	assert.Equal(t, peerset.ReasonNotReserved, decision.Reason)
	// The rejected peer leaves no record behind
	_, known := ps.PeerPhase("peer1")
	assert.False(t, known)
	assert.True(t, ps.InboundAttempt("vip").Accepted)

	// Disabling the mode lets regular peers back in
	ps.SetReservedOnly(false)
	assert.True(t, ps.InboundAttempt("peer1").Accepted)
}

func TestEnablingReservedOnlyCancelsOpeningPeers(t *testing.T) {
	bus := event.NewEventBus(nil)
	defer bus.Shutdown()
	_, disconnectCh := bus.Subscribe(peerset.DisconnectRequestEventType)
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		EventBus:        bus,
		MaxRegularSlots: 4,
		ReservedPeers:   []peerset.PeerID{"vip"},
	})

	require.True(t, ps.InboundAttempt("regular-opening").Accepted)
	require.True(t, ps.InboundAttempt("regular-open").Accepted)
	ps.SubstreamOpened("regular-open")
	require.True(t, ps.InboundAttempt("vip").Accepted)

	ps.SetReservedOnly(true)

	// The in-flight regular attempt is cancelled
	phase, known := ps.PeerPhase("regular-opening")
	require.True(t, known)
	assert.Equal(t, peerset.PhaseCancelled, phase)
	evt := waitForEvent(t, disconnectCh)
	assert.Equal(
		t,
		peerset.PeerID("regular-opening"),
		evt.Data.(peerset.DisconnectRequestEvent).Peer,
	)

	// Established regular connections and reserved attempts are untouched
	phase, _ = ps.PeerPhase("regular-open")
	assert.Equal(t, peerset.PhaseOpen, phase)
	phase, _ = ps.PeerPhase("vip")
	assert.Equal(t, peerset.PhaseOpening, phase)
}

func TestSetReservedOnlyIsIdempotent(t *testing.T) {
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		MaxRegularSlots: 4,
	})

	require.True(t, ps.InboundAttempt("peer1").Accepted)
	ps.SetReservedOnly(false)
	ps.SetReservedOnly(false)

	// No-op toggles leave the in-flight attempt alone
	phase, known := ps.PeerPhase("peer1")
	require.True(t, known)
	assert.Equal(t, peerset.PhaseOpening, phase)
	assert.False(t, ps.ReservedOnly())
}

func TestAddReservedPeerReleasesSlot(t *testing.T) {
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		MaxRegularSlots: 1,
	})

	require.True(t, ps.InboundAttempt("peer1").Accepted)
	ps.SubstreamOpened("peer1")
	require.Equal(t, 1, ps.SlotsInUse())
	require.False(t, ps.InboundAttempt("peer2").Accepted)

	ps.AddReservedPeer("peer1")
	assert.Equal(t, 0, ps.SlotsInUse())
	assert.True(t, ps.InboundAttempt("peer2").Accepted)
}

func TestRemoveReservedPeerConvertsWhenSlotFree(t *testing.T) {
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		MaxRegularSlots: 1,
		ReservedPeers:   []peerset.PeerID{"vip"},
	})

	require.True(t, ps.InboundAttempt("vip").Accepted)
	ps.SubstreamOpened("vip")
	require.Equal(t, 0, ps.SlotsInUse())

	ps.RemoveReservedPeer("vip")
	phase, known := ps.PeerPhase("vip")
	require.True(t, known)
	assert.Equal(t, peerset.PhaseOpen, phase)
	assert.Equal(t, 1, ps.SlotsInUse())
}

func TestRemoveReservedPeerDisconnectsWhenSlotsFull(t *testing.T) {
	bus := event.NewEventBus(nil)
	defer bus.Shutdown()
	_, disconnectCh := bus.Subscribe(peerset.DisconnectRequestEventType)
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		EventBus:        bus,
		MaxRegularSlots: 1,
		ReservedPeers:   []peerset.PeerID{"vip"},
	})

	require.True(t, ps.InboundAttempt("peer1").Accepted)
	require.True(t, ps.InboundAttempt("vip").Accepted)
	ps.SubstreamOpened("vip")

	ps.RemoveReservedPeer("vip")
	phase, known := ps.PeerPhase("vip")
	require.True(t, known)
	assert.Equal(t, peerset.PhaseClosing, phase)
	evt := waitForEvent(t, disconnectCh)
	assert.Equal(t, peerset.PeerID("vip"), evt.Data.(peerset.DisconnectRequestEvent).Peer)

	// The forced closure does not touch the regular slot ledger
	ps.SubstreamClosed("vip", nil)
	assert.Equal(t, 1, ps.SlotsInUse())
}

func TestDuplicateAttemptRejected(t *testing.T) {
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		MaxRegularSlots: 4,
	})

	require.True(t, ps.InboundAttempt("peer1").Accepted)
	decision := ps.OutboundAttempt("peer1")
	require.False(t, decision.Accepted)
	assert.Equal(t, peerset.ReasonAlreadyConnected, decision.Reason)

	ps.SubstreamOpened("peer1")
	decision = ps.InboundAttempt("peer1")
	require.False(t, decision.Accepted)
	assert.Equal(t, peerset.ReasonAlreadyConnected, decision.Reason)
}

func TestSpuriousEventsAreHarmless(t *testing.T) {
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		MaxRegularSlots: 2,
	})

	// Notifications for peers the peerset has never heard of
	ps.SubstreamOpened("stranger")
	ps.SubstreamOpenFailed("stranger", errors.New("connection refused"))
	ps.SubstreamClosed("stranger", nil)
	ps.ReportProtocolViolation("stranger", "garbage")
	ps.Disconnect("stranger")

	// Late duplicates after a clean lifecycle has already finished
	require.True(t, ps.InboundAttempt("peer1").Accepted)
	ps.SubstreamOpened("peer1")
	ps.SubstreamClosed("peer1", nil)
	ps.SubstreamClosed("peer1", nil)
	ps.SubstreamOpenFailed("peer1", nil)
	ps.SubstreamOpened("peer1")

	assert.Empty(t, ps.Peers())
	assert.Equal(t, 0, ps.SlotsInUse())
	assert.True(t, ps.InboundAttempt("peer2").Accepted)
}

func TestOpenFailedWhileOpenIsIgnored(t *testing.T) {
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		MaxRegularSlots: 2,
	})

	require.True(t, ps.InboundAttempt("peer1").Accepted)
	ps.SubstreamOpened("peer1")
	require.Equal(t, 1, ps.SlotsInUse())

	// A late open-failure for an attempt that already confirmed must not
	// disturb the established connection's state
	ps.SubstreamOpenFailed("peer1", errors.New("connection refused"))
	phase, known := ps.PeerPhase("peer1")
	require.True(t, known)
	assert.Equal(t, peerset.PhaseOpen, phase)
	assert.Equal(t, 1, ps.SlotsInUse())

	// And it must not have recorded a failure: the eventual clean close
	// carries no backoff
	ps.SubstreamClosed("peer1", nil)
	assert.True(t, ps.InboundAttempt("peer1").Accepted)
}

func TestProtocolViolationForcesClosureAndBackoff(t *testing.T) {
	bus := event.NewEventBus(nil)
	defer bus.Shutdown()
	_, disconnectCh := bus.Subscribe(peerset.DisconnectRequestEventType)
	mockClock := clock.NewMock()
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		EventBus:        bus,
		Clock:           mockClock,
		MaxRegularSlots: 4,
	})

	require.True(t, ps.InboundAttempt("peer1").Accepted)
	ps.SubstreamOpened("peer1")

	ps.ReportProtocolViolation("peer1", "sent data on idle substream")
	phase, known := ps.PeerPhase("peer1")
	require.True(t, known)
	assert.Equal(t, peerset.PhaseClosing, phase)
	evt := waitForEvent(t, disconnectCh)
	assert.Equal(t, peerset.PeerID("peer1"), evt.Data.(peerset.DisconnectRequestEvent).Peer)

	// Backoff is in force before the closure completes
	decision := ps.InboundAttempt("peer1")
	require.False(t, decision.Accepted)
	assert.Equal(t, peerset.ReasonAlreadyConnected, decision.Reason)

	ps.SubstreamClosed("peer1", nil)
	decision = ps.InboundAttempt("peer1")
	require.False(t, decision.Accepted)
	assert.Equal(t, peerset.ReasonBackingOff, decision.Reason)
	assert.Equal(t, 0, ps.SlotsInUse())
}

func TestDuplicateSubstreamConfirmationIsViolation(t *testing.T) {
	bus := event.NewEventBus(nil)
	defer bus.Shutdown()
	_, disconnectCh := bus.Subscribe(peerset.DisconnectRequestEventType)
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		EventBus:        bus,
		MaxRegularSlots: 4,
	})

	require.True(t, ps.InboundAttempt("peer1").Accepted)
	ps.SubstreamOpened("peer1")
	ps.SubstreamOpened("peer1")

	phase, known := ps.PeerPhase("peer1")
	require.True(t, known)
	assert.Equal(t, peerset.PhaseClosing, phase)
	evt := waitForEvent(t, disconnectCh)
	assert.Equal(t, peerset.PeerID("peer1"), evt.Data.(peerset.DisconnectRequestEvent).Peer)
}

func TestLoweringMaxSlotsDrainsLazily(t *testing.T) {
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		MaxRegularSlots: 2,
	})

	require.True(t, ps.InboundAttempt("peer1").Accepted)
	require.True(t, ps.InboundAttempt("peer2").Accepted)
	ps.SubstreamOpened("peer1")
	ps.SubstreamOpened("peer2")

	ps.SetMaxRegularSlots(1)
	assert.Equal(t, 1, ps.MaxSlots())

	// Nobody is evicted, but no new admissions until occupancy drains below
	// the new limit
	assert.Equal(t, 2, ps.SlotsInUse())
	assert.False(t, ps.InboundAttempt("peer3").Accepted)

	ps.SubstreamClosed("peer1", nil)
	assert.False(t, ps.InboundAttempt("peer3").Accepted)
	ps.SubstreamClosed("peer2", nil)
	assert.True(t, ps.InboundAttempt("peer3").Accepted)
}

func TestLifecycleEvents(t *testing.T) {
	bus := event.NewEventBus(nil)
	defer bus.Shutdown()
	_, admittedCh := bus.Subscribe(peerset.PeerAdmittedEventType)
	_, connectedCh := bus.Subscribe(peerset.PeerConnectedEventType)
	_, disconnectedCh := bus.Subscribe(peerset.PeerDisconnectedEventType)
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		EventBus:        bus,
		MaxRegularSlots: 4,
	})

	require.True(t, ps.OutboundAttempt("peer1").Accepted)
	evt := waitForEvent(t, admittedCh)
	admitted := evt.Data.(peerset.PeerAdmittedEvent)
	assert.Equal(t, peerset.PeerID("peer1"), admitted.Peer)
	assert.Equal(t, peerset.DirectionOutbound, admitted.Direction)

	ps.SubstreamOpened("peer1")
	evt = waitForEvent(t, connectedCh)
	connected := evt.Data.(peerset.PeerConnectedEvent)
	assert.Equal(t, peerset.PeerID("peer1"), connected.Peer)

	ps.SubstreamClosed("peer1", errors.New("connection reset"))
	evt = waitForEvent(t, disconnectedCh)
	disconnected := evt.Data.(peerset.PeerDisconnectedEvent)
	assert.Equal(t, peerset.PeerID("peer1"), disconnected.Peer)
	assert.True(t, disconnected.Failure)
}

func TestSweepEvictsExpiredBackoff(t *testing.T) {
	mockClock := clock.NewMock()
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		Clock:           mockClock,
		MaxRegularSlots: 4,
	})
	// Let the dispatch loop register its sweep ticker before moving the
	// clock
	time.Sleep(10 * time.Millisecond)

	require.True(t, ps.OutboundAttempt("peer1").Accepted)
	ps.SubstreamOpenFailed("peer1", errors.New("connection refused"))
	_, known := ps.PeerPhase("peer1")
	require.True(t, known)

	// Run the clock well past both the backoff deadline and a sweep period
	mockClock.Add(2 * time.Minute)
	require.Eventually(t, func() bool {
		_, known := ps.PeerPhase("peer1")
		return !known
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStoppedPeerSetRejectsAttempts(t *testing.T) {
	ps := peerset.New(peerset.PeerSetConfig{
		MaxRegularSlots: 4,
	})
	require.NoError(t, ps.Start())
	ps.Stop()

	decision := ps.InboundAttempt("peer1")
	require.False(t, decision.Accepted)
	assert.Equal(t, peerset.ReasonShuttingDown, decision.Reason)
}

func TestPeersSnapshot(t *testing.T) {
	ps := newTestPeerSet(t, peerset.PeerSetConfig{
		MaxRegularSlots: 4,
		ReservedPeers:   []peerset.PeerID{"vip"},
	})

	require.True(t, ps.InboundAttempt("peer1").Accepted)
	ps.SubstreamOpened("peer1")
	require.True(t, ps.OutboundAttempt("vip").Accepted)

	infos := ps.Peers()
	require.Len(t, infos, 2)
	byID := make(map[peerset.PeerID]peerset.PeerInfo)
	for _, info := range infos {
		byID[info.ID] = info
	}
	assert.Equal(t, peerset.PhaseOpen, byID["peer1"].Phase)
	assert.Equal(t, "open", byID["peer1"].PhaseName)
	assert.False(t, byID["peer1"].Reserved)
	assert.Equal(t, peerset.PhaseOpening, byID["vip"].Phase)
	assert.Equal(t, "outbound", byID["vip"].DirectionStr)
	assert.True(t, byID["vip"].Reserved)
}
