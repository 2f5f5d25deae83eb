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

package connmanager

import (
	"net"

	"github.com/google/uuid"

	"github.com/meshnet-io/ferret/event"
	"github.com/meshnet-io/ferret/peerset"
)

const (
	// InboundConnectionEventType is emitted after an inbound connection
	// completes the identity handshake
	InboundConnectionEventType event.EventType = "connmanager.inbound_connection"
	// ConnectionClosedEventType is emitted when any connection terminates
	ConnectionClosedEventType event.EventType = "connmanager.connection_closed"
)

type InboundConnectionEvent struct {
	ConnectionID uuid.UUID
	Peer         peerset.PeerID
	LocalAddr    net.Addr
	RemoteAddr   net.Addr
}

type ConnectionClosedEvent struct {
	ConnectionID uuid.UUID
	Peer         peerset.PeerID
	Error        error
}
