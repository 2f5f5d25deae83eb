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

// Package ferret implements an embeddable gossip-network node whose core is
// the peerset: the admission and lifecycle controller for peer connections
package ferret

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshnet-io/ferret/connmanager"
	"github.com/meshnet-io/ferret/event"
	"github.com/meshnet-io/ferret/peerset"
	"github.com/meshnet-io/ferret/peerstore"
)

type Node struct {
	config        Config
	eventBus      *event.EventBus
	peerSet       *peerset.PeerSet
	connManager   *connmanager.ConnectionManager
	peerStore     *peerstore.Store
	shutdown      chan struct{}
	stopOnce      sync.Once
	shutdownFuncs []func(context.Context) error
}

func New(cfg Config) (*Node, error) {
	n := &Node{
		config:   cfg,
		shutdown: make(chan struct{}),
	}
	if n.config.identity == "" {
		n.config.identity = uuid.NewString()
	}
	if err := n.configValidate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return n, nil
}

// Run starts all subsystems and blocks until Stop is called
func (n *Node) Run() error {
	if n.config.tracing {
		if err := n.setupTracing(); err != nil {
			return err
		}
	}
	n.eventBus = event.NewEventBus(n.config.promRegistry)
	// Peer registry
	var err error
	if n.config.dataDir == "" {
		n.peerStore, err = peerstore.NewInMemory(n.config.logger)
	} else {
		n.peerStore, err = peerstore.NewPersistent(n.config.dataDir, n.config.logger)
	}
	if err != nil {
		return fmt.Errorf("failed to open peer registry: %w", err)
	}
	// Reserved peers come from explicit config, the topology, and records
	// persisted in the registry by earlier runs
	reservedPeers := n.collectReservedPeers()
	n.peerSet = peerset.New(peerset.PeerSetConfig{
		Logger:          n.config.logger,
		EventBus:        n.eventBus,
		PromRegistry:    n.config.promRegistry,
		MaxRegularSlots: n.config.maxRegularSlots,
		ReservedOnly:    n.config.reservedOnly,
		ReservedPeers:   reservedPeers,
		Backoff:         n.config.backoff,
	})
	if err := n.peerSet.Start(); err != nil {
		return err
	}
	n.connManager = connmanager.NewConnectionManager(
		connmanager.ConnectionManagerConfig{
			Logger:             n.config.logger,
			EventBus:           n.eventBus,
			LocalID:            peerset.PeerID(n.config.identity),
			Listeners:          n.config.listeners,
			OutboundSourcePort: n.config.outboundSourcePort,
		},
	)
	// Wire transport notifications to the peerset and peerset directives
	// back to the transport
	n.eventBus.SubscribeFunc(
		connmanager.InboundConnectionEventType,
		n.handleInboundConnectionEvent,
	)
	n.eventBus.SubscribeFunc(
		connmanager.ConnectionClosedEventType,
		n.handleConnectionClosedEvent,
	)
	n.eventBus.SubscribeFunc(
		peerset.DisconnectRequestEventType,
		n.handleDisconnectRequestEvent,
	)
	if err := n.connManager.Start(); err != nil {
		return err
	}
	n.seedPeerRegistry()
	n.startOutboundConnections()
	<-n.shutdown
	return nil
}

// Stop shuts down all subsystems and unblocks Run
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.shutdown)
		if n.connManager != nil {
			n.connManager.Stop()
		}
		if n.peerSet != nil {
			n.peerSet.Stop()
		}
		if n.eventBus != nil {
			n.eventBus.Shutdown()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, fn := range n.shutdownFuncs {
			if err := fn(ctx); err != nil {
				n.config.logger.Error(
					fmt.Sprintf("shutdown: %s", err),
				)
			}
		}
	})
}

// PeerSet exposes the admission controller for queries
func (n *Node) PeerSet() *peerset.PeerSet {
	return n.peerSet
}

// The methods below forward peerset queries so a Node can back the
// management API even before Run has created the peerset

func (n *Node) Peers() []peerset.PeerInfo {
	if n.peerSet == nil {
		return nil
	}
	return n.peerSet.Peers()
}

func (n *Node) PeerPhase(peer peerset.PeerID) (peerset.ConnectionPhase, bool) {
	if n.peerSet == nil {
		return peerset.PhaseDisconnected, false
	}
	return n.peerSet.PeerPhase(peer)
}

func (n *Node) SlotsInUse() int {
	if n.peerSet == nil {
		return 0
	}
	return n.peerSet.SlotsInUse()
}

func (n *Node) MaxSlots() int {
	if n.peerSet == nil {
		return 0
	}
	return n.peerSet.MaxSlots()
}

func (n *Node) ReservedOnly() bool {
	if n.peerSet == nil {
		return false
	}
	return n.peerSet.ReservedOnly()
}

func (n *Node) collectReservedPeers() []peerset.PeerID {
	seen := make(map[peerset.PeerID]struct{})
	var ret []peerset.PeerID
	add := func(peer peerset.PeerID) {
		if _, ok := seen[peer]; ok {
			return
		}
		seen[peer] = struct{}{}
		ret = append(ret, peer)
	}
	for _, peer := range n.config.reservedPeers {
		add(peerset.PeerID(peer))
	}
	if n.config.topologyConfig != nil {
		for _, peer := range n.config.topologyConfig.ReservedPeers {
			add(peerset.PeerID(peer.HostPort()))
		}
	}
	if recs, err := n.peerStore.ReservedPeers(); err == nil {
		for _, rec := range recs {
			add(peerset.PeerID(rec.PeerID))
		}
	} else {
		n.config.logger.Error(
			fmt.Sprintf("failed to load reserved peers from registry: %s", err),
		)
	}
	return ret
}

func (n *Node) seedPeerRegistry() {
	if n.config.topologyConfig == nil {
		return
	}
	for _, peer := range n.config.topologyConfig.ReservedPeers {
		err := n.peerStore.UpsertPeer(peerstore.PeerRecord{
			PeerID:   peer.HostPort(),
			Address:  peer.HostPort(),
			Source:   peerstore.SourceTopologyReserved,
			Reserved: true,
		})
		if err != nil {
			n.config.logger.Error(
				fmt.Sprintf("failed to seed peer registry: %s", err),
			)
		}
	}
	for _, peer := range n.config.topologyConfig.RegularPeers {
		err := n.peerStore.UpsertPeer(peerstore.PeerRecord{
			PeerID:  peer.HostPort(),
			Address: peer.HostPort(),
			Source:  peerstore.SourceTopologyRegular,
		})
		if err != nil {
			n.config.logger.Error(
				fmt.Sprintf("failed to seed peer registry: %s", err),
			)
		}
	}
}

func (n *Node) handleInboundConnectionEvent(evt event.Event) {
	e, ok := evt.Data.(connmanager.InboundConnectionEvent)
	if !ok {
		return
	}
	decision := n.peerSet.InboundAttempt(e.Peer)
	if !decision.Accepted {
		n.config.logger.Info(
			fmt.Sprintf(
				"rejecting inbound connection from %s: %s",
				e.RemoteAddr,
				decision.Reason,
			),
			"component", "network",
			"peer", string(e.Peer),
		)
		if conn := n.connManager.GetConnectionByID(e.ConnectionID); conn != nil {
			conn.Close()
		}
		return
	}
	// The transport connection is fully established once the handshake
	// completes, so the substream confirmation follows immediately
	n.peerSet.SubstreamOpened(e.Peer)
	if err := n.peerStore.RecordSeen(
		string(e.Peer),
		e.RemoteAddr.String(),
		peerstore.SourceInbound,
	); err != nil {
		n.config.logger.Error(
			fmt.Sprintf("failed to record peer in registry: %s", err),
		)
	}
}

func (n *Node) handleConnectionClosedEvent(evt event.Event) {
	e, ok := evt.Data.(connmanager.ConnectionClosedEvent)
	if !ok {
		return
	}
	// The peerset tracks at most one connection per peer, but the transport
	// can briefly hold more: a rejected duplicate claiming an established
	// peer's identity is closed too, and its closure must not be mistaken
	// for the tracked connection going away
	if conn := n.connManager.GetConnectionByPeer(e.Peer); conn != nil &&
		conn.ID() != e.ConnectionID {
		n.config.logger.Debug(
			"ignoring closure of untracked connection",
			"component", "network",
			"peer", string(e.Peer),
			"connection_id", e.ConnectionID.String(),
		)
		return
	}
	if errors.Is(e.Error, connmanager.ErrUnexpectedData) {
		// Report the violation before the closure so the forced-close
		// bookkeeping (backoff) is in place when the close resolves
		n.peerSet.ReportProtocolViolation(e.Peer, "sent data on idle substream")
		n.peerSet.SubstreamClosed(e.Peer, nil)
		return
	}
	if e.Error != nil {
		n.config.logger.Error(
			fmt.Sprintf("unexpected connection failure: %s", e.Error),
			"component", "network",
			"connection_id", e.ConnectionID.String(),
		)
		if err := n.peerStore.RecordFailure(string(e.Peer)); err != nil {
			n.config.logger.Error(
				fmt.Sprintf("failed to record peer failure in registry: %s", err),
			)
		}
	} else {
		n.config.logger.Info(
			"connection closed",
			"component", "network",
			"connection_id", e.ConnectionID.String(),
		)
	}
	n.peerSet.SubstreamClosed(e.Peer, e.Error)
}

func (n *Node) handleDisconnectRequestEvent(evt event.Event) {
	e, ok := evt.Data.(peerset.DisconnectRequestEvent)
	if !ok {
		return
	}
	n.config.logger.Debug(
		fmt.Sprintf("closing connection: %s", e.Reason),
		"component", "network",
		"peer", string(e.Peer),
	)
	n.connManager.ClosePeer(e.Peer)
}
