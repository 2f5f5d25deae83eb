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

// slotLedger counts regular (non-reserved) connection slots. Reserved peers
// never touch it. It is not safe for concurrent use on its own: all access
// happens inside the dispatch loop
type slotLedger struct {
	occupied int
	max      int
}

func (s *slotLedger) hasFree() bool {
	return s.occupied < s.max
}

func (s *slotLedger) acquire() {
	s.occupied++
}

func (s *slotLedger) release() {
	if s.occupied > 0 {
		s.occupied--
	}
}

// setMax adjusts the slot limit. Lowering it below current occupancy does
// not evict anyone; occupancy drains naturally since new admissions check
// hasFree before acquiring
func (s *slotLedger) setMax(max int) {
	if max < 0 {
		max = 0
	}
	s.max = max
}
