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

package peerset

import (
	"github.com/meshnet-io/ferret/event"
)

const (
	// PeerAdmittedEventType is emitted when an attempt is admitted and the
	// peer enters the opening phase
	PeerAdmittedEventType event.EventType = "peerset.admitted"
	// PeerConnectedEventType is emitted when the transport layer confirms
	// the substream and the peer enters the open phase
	PeerConnectedEventType event.EventType = "peerset.connected"
	// PeerDisconnectedEventType is emitted when a peer returns to the
	// disconnected (or backoff) phase
	PeerDisconnectedEventType event.EventType = "peerset.disconnected"
	// DisconnectRequestEventType asks the transport layer to tear down the
	// peer's connection. Emitted for protocol violations, cancelled
	// attempts that confirmed late, and reserved-set evictions
	DisconnectRequestEventType event.EventType = "peerset.disconnect_request"
)

type PeerAdmittedEvent struct {
	Peer      PeerID
	Direction Direction
}

type PeerConnectedEvent struct {
	Peer      PeerID
	Direction Direction
}

type PeerDisconnectedEvent struct {
	Peer    PeerID
	Failure bool
}

type DisconnectRequestEvent struct {
	Peer   PeerID
	Reason string
}
