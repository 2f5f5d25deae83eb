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

package event

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type busMetrics struct {
	eventsTotal  *prometheus.CounterVec
	droppedTotal *prometheus.CounterVec
	subscribers  *prometheus.GaugeVec
}

func (e *EventBus) initMetrics(promRegistry prometheus.Registerer) {
	if promRegistry == nil {
		return
	}
	promautoFactory := promauto.With(promRegistry)
	e.metrics = &busMetrics{
		eventsTotal: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "event_total",
				Help: "total events by type",
			},
			[]string{"type"},
		),
		droppedTotal: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "event_dropped_total",
				Help: "events dropped due to full subscriber queues by type",
			},
			[]string{"type"},
		),
		subscribers: promautoFactory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "event_subscribers",
				Help: "subscribers by event type",
			},
			[]string{"type"},
		),
	}
}

func (e *EventBus) countPublished(eventType EventType) {
	if e.metrics == nil {
		return
	}
	e.metrics.eventsTotal.WithLabelValues(string(eventType)).Inc()
}

func (e *EventBus) countDropped(eventType EventType) {
	if e.metrics == nil {
		return
	}
	e.metrics.droppedTotal.WithLabelValues(string(eventType)).Inc()
}

func (e *EventBus) countSubscribe(eventType EventType) {
	if e.metrics == nil {
		return
	}
	e.metrics.subscribers.WithLabelValues(string(eventType)).Inc()
}

func (e *EventBus) countUnsubscribe(eventType EventType) {
	if e.metrics == nil {
		return
	}
	e.metrics.subscribers.WithLabelValues(string(eventType)).Dec()
}
