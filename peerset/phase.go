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

// PeerID is an opaque identifier for a remote peer. The transport layer
// decides what it actually contains (we use the peer's advertised address)
type PeerID string

type Direction uint16

const (
	DirectionNone     Direction = 0
	DirectionInbound  Direction = 1
	DirectionOutbound Direction = 2
)

func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return "none"
	}
}

// ConnectionPhase describes where a peer currently sits in its connection
// lifecycle. Transitions only happen inside the peerset dispatch loop
type ConnectionPhase uint16

const (
	// PhaseDisconnected is the implicit phase of any peer we don't have a
	// record for
	PhaseDisconnected ConnectionPhase = 0
	// PhaseBackoff means the peer recently failed and new attempts are
	// rejected until the backoff deadline passes
	PhaseBackoff ConnectionPhase = 1
	// PhaseOpening means an attempt was admitted and we're waiting for the
	// transport layer to confirm the substream
	PhaseOpening ConnectionPhase = 2
	// PhaseOpen means the substream was confirmed
	PhaseOpen ConnectionPhase = 3
	// PhaseClosing means closure was requested and we're waiting for the
	// transport layer to confirm it
	PhaseClosing ConnectionPhase = 4
	// PhaseCancelled means we abandoned an in-flight attempt locally but the
	// transport layer hasn't yet told us how the attempt resolved. The slot
	// stays held until it does
	PhaseCancelled ConnectionPhase = 5
)

func (p ConnectionPhase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseBackoff:
		return "backoff"
	case PhaseOpening:
		return "opening"
	case PhaseOpen:
		return "open"
	case PhaseClosing:
		return "closing"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// active returns whether the phase corresponds to an outstanding connection
// attempt or connection. A regular peer in an active phase holds a slot
func (p ConnectionPhase) active() bool {
	switch p {
	case PhaseOpening, PhaseOpen, PhaseClosing, PhaseCancelled:
		return true
	default:
		return false
	}
}

// connectionPhases lists every phase for metrics labeling
var connectionPhases = []ConnectionPhase{
	PhaseDisconnected,
	PhaseBackoff,
	PhaseOpening,
	PhaseOpen,
	PhaseClosing,
	PhaseCancelled,
}
