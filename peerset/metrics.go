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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type peerSetMetrics struct {
	slotsOccupied  prometheus.Gauge
	slotsMax       prometheus.Gauge
	peersByPhase   *prometheus.GaugeVec
	decisionsTotal *prometheus.CounterVec
	spuriousTotal  prometheus.Counter
	violations     prometheus.Counter
}

func (p *PeerSet) initMetrics(promRegistry prometheus.Registerer) {
	if promRegistry == nil {
		return
	}
	promautoFactory := promauto.With(promRegistry)
	p.metrics = &peerSetMetrics{
		slotsOccupied: promautoFactory.NewGauge(
			prometheus.GaugeOpts{
				Name: "peerset_slots_occupied",
				Help: "regular connection slots currently occupied",
			},
		),
		slotsMax: promautoFactory.NewGauge(
			prometheus.GaugeOpts{
				Name: "peerset_slots_max",
				Help: "configured maximum regular connection slots",
			},
		),
		peersByPhase: promautoFactory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "peerset_peers",
				Help: "tracked peers by connection phase",
			},
			[]string{"phase"},
		),
		decisionsTotal: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peerset_decisions_total",
				Help: "admission decisions by direction and result",
			},
			[]string{"direction", "result"},
		),
		spuriousTotal: promautoFactory.NewCounter(
			prometheus.CounterOpts{
				Name: "peerset_spurious_events_total",
				Help: "transport events discarded as spurious or late",
			},
		),
		violations: promautoFactory.NewCounter(
			prometheus.CounterOpts{
				Name: "peerset_protocol_violations_total",
				Help: "protocol violations reported against peers",
			},
		),
	}
}

// syncMetrics refreshes the gauges from dispatcher-owned state. Called at
// the end of each dispatch step, so values always describe a consistent
// snapshot
func (p *PeerSet) syncMetrics() {
	if p.metrics == nil {
		return
	}
	p.metrics.slotsOccupied.Set(float64(p.slots.occupied))
	p.metrics.slotsMax.Set(float64(p.slots.max))
	counts := make(map[ConnectionPhase]int)
	for _, rec := range p.peers {
		counts[rec.phase]++
	}
	for _, phase := range connectionPhases {
		p.metrics.peersByPhase.WithLabelValues(phase.String()).
			Set(float64(counts[phase]))
	}
}

func (p *PeerSet) countDecision(direction Direction, decision Decision) {
	if p.metrics == nil {
		return
	}
	result := "accepted"
	if !decision.Accepted {
		result = string(decision.Reason)
	}
	p.metrics.decisionsTotal.WithLabelValues(direction.String(), result).Inc()
}

func (p *PeerSet) countSpurious() {
	if p.metrics == nil {
		return
	}
	p.metrics.spuriousTotal.Inc()
}

func (p *PeerSet) countViolation() {
	if p.metrics == nil {
		return
	}
	p.metrics.violations.Inc()
}
