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
	"time"
)

// peerRecord is the per-peer state owned by the dispatch loop. Records are
// created lazily when a peer is first admitted and evicted once the peer is
// disconnected with no pending backoff
type peerRecord struct {
	id        PeerID
	phase     ConnectionPhase
	direction Direction
	// reserved is the classification the peer was admitted under. It only
	// changes while the peer stays connected (reserved-set edits); slot
	// accounting follows it via holdsSlot
	reserved bool
	// holdsSlot tracks whether this record has a regular slot acquired.
	// Invariant: holdsSlot implies phase.active() and !reserved
	holdsSlot    bool
	backoffUntil time.Time
	failStreak   int
}

// PeerInfo is the externally visible snapshot of a peer record
type PeerInfo struct {
	ID           PeerID          `json:"id"`
	Phase        ConnectionPhase `json:"-"`
	PhaseName    string          `json:"phase"`
	Direction    Direction       `json:"-"`
	DirectionStr string          `json:"direction"`
	Reserved     bool            `json:"reserved"`
	BackoffUntil time.Time       `json:"backoffUntil"`
}

func (r *peerRecord) info() PeerInfo {
	return PeerInfo{
		ID:           r.id,
		Phase:        r.phase,
		PhaseName:    r.phase.String(),
		Direction:    r.direction,
		DirectionStr: r.direction.String(),
		Reserved:     r.reserved,
		BackoffUntil: r.backoffUntil,
	}
}
