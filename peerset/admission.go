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

// RejectReason is the typed reason attached to a rejected connection
// attempt. Rejection is an expected outcome, not an error
type RejectReason string

const (
	ReasonNone             RejectReason = ""
	ReasonBackingOff       RejectReason = "backing-off"
	ReasonNotReserved      RejectReason = "not-reserved"
	ReasonSlotsExhausted   RejectReason = "slots-exhausted"
	ReasonAlreadyConnected RejectReason = "already-connected"
	ReasonShuttingDown     RejectReason = "shutting-down"
)

// Decision is the synchronous answer to a connection attempt
type Decision struct {
	Accepted bool
	Reason   RejectReason
	// RetryAfter is set on backing-off rejections to tell the caller how
	// long until the peer becomes eligible again
	RetryAfter time.Duration
}

func accepted() Decision {
	return Decision{Accepted: true}
}

func rejected(reason RejectReason) Decision {
	return Decision{Reason: reason}
}

func rejectedBackingOff(retryAfter time.Duration) Decision {
	return Decision{Reason: ReasonBackingOff, RetryAfter: retryAfter}
}

// admissionSnapshot carries everything the admission check needs, captured
// inside the same dispatch step that will apply the resulting transition
type admissionSnapshot struct {
	reserved         bool
	reservedOnly     bool
	slotAvailable    bool
	backoffRemaining time.Duration
}

// admit evaluates the admission checks in their documented order: backoff
// first, then reserved-only mode, then slot capacity. First match wins
func admit(snap admissionSnapshot) Decision {
	if snap.backoffRemaining > 0 {
		return rejectedBackingOff(snap.backoffRemaining)
	}
	if snap.reservedOnly && !snap.reserved {
		return rejected(ReasonNotReserved)
	}
	if !snap.reserved && !snap.slotAvailable {
		return rejected(ReasonSlotsExhausted)
	}
	return accepted()
}
