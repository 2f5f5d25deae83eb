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

package ferret

import (
	"fmt"
	"time"

	"github.com/meshnet-io/ferret/connmanager"
	"github.com/meshnet-io/ferret/event"
	"github.com/meshnet-io/ferret/peerset"
	"github.com/meshnet-io/ferret/peerstore"
)

// outboundRecheckPeriod paces retries for rejections that carry no explicit
// retry-after hint (slots exhausted, reserved-only mode)
const outboundRecheckPeriod = 30 * time.Second

func (n *Node) startOutboundConnections() {
	if n.config.topologyConfig == nil {
		return
	}
	n.config.logger.Debug(
		"starting connections",
		"role", "client",
	)
	for _, peer := range n.config.topologyConfig.ReservedPeers {
		go n.maintainOutboundConnection(peer.HostPort())
	}
	for _, peer := range n.config.topologyConfig.RegularPeers {
		go n.maintainOutboundConnection(peer.HostPort())
	}
}

// maintainOutboundConnection keeps one configured peer connected for the
// node's lifetime. Every attempt goes through peerset admission first, so
// backoff, reserved-only mode, and slot limits all apply to our own dials
func (n *Node) maintainOutboundConnection(address string) {
	peer := peerset.PeerID(address)
	_, closedCh := n.eventBus.Subscribe(connmanager.ConnectionClosedEventType)
	for {
		select {
		case <-n.shutdown:
			return
		default:
		}
		decision := n.peerSet.OutboundAttempt(peer)
		if !decision.Accepted {
			if decision.Reason == peerset.ReasonShuttingDown {
				return
			}
			wait := outboundRecheckPeriod
			if decision.Reason == peerset.ReasonBackingOff && decision.RetryAfter > 0 {
				wait = decision.RetryAfter
			}
			n.config.logger.Debug(
				fmt.Sprintf(
					"outbound: attempt to %s rejected (%s), retrying in %s",
					address,
					decision.Reason,
					wait,
				),
				"component", "network",
			)
			if !n.sleep(wait) {
				return
			}
			continue
		}
		// The connection manager verifies the remote identifies as the
		// dialed address, so a mismatch surfaces here as a failed dial
		if _, err := n.connManager.CreateOutboundConn(address); err != nil {
			n.config.logger.Error(
				fmt.Sprintf(
					"outbound: failed to establish connection to %s: %s",
					address,
					err,
				),
				"component", "network",
			)
			n.peerSet.SubstreamOpenFailed(peer, err)
			continue
		}
		n.peerSet.SubstreamOpened(peer)
		if err := n.peerStore.RecordSeen(
			string(peer),
			address,
			peerstore.SourceTopologyRegular,
		); err != nil {
			n.config.logger.Error(
				fmt.Sprintf("failed to record peer in registry: %s", err),
			)
		}
		if !n.waitForDisconnect(peer, closedCh) {
			return
		}
	}
}

// waitForDisconnect blocks until the peer's connection terminates or the
// node shuts down. Closed events can be dropped under load, so presence in
// the connection manager is rechecked periodically
func (n *Node) waitForDisconnect(
	peer peerset.PeerID,
	closedCh <-chan event.Event,
) bool {
	for {
		select {
		case <-n.shutdown:
			return false
		case evt, ok := <-closedCh:
			if !ok {
				return false
			}
			if e, ok := evt.Data.(connmanager.ConnectionClosedEvent); ok &&
				e.Peer == peer {
				return true
			}
		case <-time.After(outboundRecheckPeriod):
			if n.connManager.GetConnectionByPeer(peer) == nil {
				return true
			}
		}
	}
}

// sleep waits for the given duration unless the node shuts down first
func (n *Node) sleep(d time.Duration) bool {
	select {
	case <-n.shutdown:
		return false
	case <-time.After(d):
		return true
	}
}
