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

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 128 * time.Second
	defaultBackoffFactor  = 2
)

// BackoffConfig controls how long a peer is barred from reconnecting after
// a failure. The delay grows by Factor for every consecutive failure and is
// capped at Max
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
	Factor  int
}

func (b *BackoffConfig) withDefaults() BackoffConfig {
	ret := *b
	if ret.Initial <= 0 {
		ret.Initial = defaultInitialBackoff
	}
	if ret.Max <= 0 {
		ret.Max = defaultMaxBackoff
	}
	if ret.Factor < 1 {
		ret.Factor = defaultBackoffFactor
	}
	return ret
}

// delay returns the backoff duration for the given consecutive failure
// streak. A streak of zero or one yields the initial delay
func (b BackoffConfig) delay(streak int) time.Duration {
	delay := b.Initial
	for i := 1; i < streak; i++ {
		delay *= time.Duration(b.Factor)
		if delay >= b.Max {
			return b.Max
		}
	}
	if delay > b.Max {
		return b.Max
	}
	return delay
}
