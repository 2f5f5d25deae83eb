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

// Package event provides the in-process pub/sub bus that connects the
// transport layer, the peerset, and the node wiring
package event

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// SubscriberQueueSize bounds each subscriber's channel. Publish never
	// blocks: an event for a full subscriber is dropped and counted, so a
	// slow consumer cannot stall the peerset dispatch loop
	SubscriberQueueSize = 64
)

type EventType string

type SubscriberID int

type HandlerFunc func(Event)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      any
}

func NewEvent(eventType EventType, eventData any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      eventData,
	}
}

type EventBus struct {
	mutex       sync.Mutex
	subscribers map[EventType]map[SubscriberID]chan Event
	lastSubID   SubscriberID
	metrics     *busMetrics
	shutdown    bool
}

// NewEventBus creates a new EventBus. A nil registerer disables metrics
func NewEventBus(promRegistry prometheus.Registerer) *EventBus {
	e := &EventBus{
		subscribers: make(map[EventType]map[SubscriberID]chan Event),
	}
	e.initMetrics(promRegistry)
	return e
}

// Subscribe returns a channel receiving events of the given type
func (e *EventBus) Subscribe(eventType EventType) (SubscriberID, <-chan Event) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	evtCh := make(chan Event, SubscriberQueueSize)
	e.lastSubID++
	subID := e.lastSubID
	if _, ok := e.subscribers[eventType]; !ok {
		e.subscribers[eventType] = make(map[SubscriberID]chan Event)
	}
	e.subscribers[eventType][subID] = evtCh
	e.countSubscribe(eventType)
	return subID, evtCh
}

// SubscribeFunc invokes the handler for each event of the given type. The
// handler goroutine exits when the subscription is removed or the bus shuts
// down
func (e *EventBus) SubscribeFunc(eventType EventType, handlerFunc HandlerFunc) SubscriberID {
	subID, evtCh := e.Subscribe(eventType)
	go func() {
		for evt := range evtCh {
			handlerFunc(evt)
		}
	}()
	return subID
}

// Unsubscribe removes a subscription and closes its channel
func (e *EventBus) Unsubscribe(eventType EventType, subID SubscriberID) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	evtTypeSubs, ok := e.subscribers[eventType]
	if !ok {
		return
	}
	if evtCh, ok := evtTypeSubs[subID]; ok {
		delete(evtTypeSubs, subID)
		close(evtCh)
		e.countUnsubscribe(eventType)
	}
}

// Publish delivers an event to all subscribers for its type without
// blocking. Events for subscribers with full queues are dropped
func (e *EventBus) Publish(eventType EventType, evt Event) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.shutdown {
		return
	}
	for _, subCh := range e.subscribers[eventType] {
		select {
		case subCh <- evt:
		default:
			e.countDropped(eventType)
		}
	}
	e.countPublished(eventType)
}

// Shutdown closes all subscriber channels and rejects further publishes
func (e *EventBus) Shutdown() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.shutdown {
		return
	}
	e.shutdown = true
	for eventType, evtTypeSubs := range e.subscribers {
		for subID, evtCh := range evtTypeSubs {
			delete(evtTypeSubs, subID)
			close(evtCh)
		}
		delete(e.subscribers, eventType)
	}
}
