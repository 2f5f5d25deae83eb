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

// Package connmanager owns the transport layer: TCP listeners, outbound
// dials, and the identity handshake. It reports attempts and closures on
// the event bus and takes no admission decisions of its own; the node
// wires it to the peerset
package connmanager

import (
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/meshnet-io/ferret/event"
	"github.com/meshnet-io/ferret/peerset"
)

type ConnectionManager struct {
	config           ConnectionManagerConfig
	connections      map[uuid.UUID]*Connection
	connectionsMutex sync.Mutex
	listeners        []net.Listener
	listenersMutex   sync.Mutex
	shutdown         chan struct{}
	shutdownOnce     sync.Once
}

type ConnectionManagerConfig struct {
	Logger   *slog.Logger
	EventBus *event.EventBus
	// LocalID is the identity this node advertises during the handshake
	LocalID            peerset.PeerID
	Listeners          []ListenerConfig
	OutboundSourcePort uint
}

func NewConnectionManager(cfg ConnectionManagerConfig) *ConnectionManager {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	cfg.Logger = cfg.Logger.With("component", "connmanager")
	return &ConnectionManager{
		config:      cfg,
		connections: make(map[uuid.UUID]*Connection),
		shutdown:    make(chan struct{}),
	}
}

func (c *ConnectionManager) Start() error {
	return c.startListeners()
}

// Stop closes all listeners and open connections
func (c *ConnectionManager) Stop() {
	c.shutdownOnce.Do(func() {
		close(c.shutdown)
		c.listenersMutex.Lock()
		for _, l := range c.listeners {
			l.Close()
		}
		c.listenersMutex.Unlock()
		c.connectionsMutex.Lock()
		for _, conn := range c.connections {
			conn.Close()
		}
		c.connectionsMutex.Unlock()
	})
}

// AddConnection registers an established connection and watches it for
// closure, publishing a ConnectionClosedEvent when it terminates
func (c *ConnectionManager) AddConnection(conn *Connection) {
	connID := conn.ID()
	c.connectionsMutex.Lock()
	c.connections[connID] = conn
	c.connectionsMutex.Unlock()
	go func() {
		err := <-conn.ErrorChan()
		c.RemoveConnection(connID)
		if c.config.EventBus != nil {
			c.config.EventBus.Publish(
				ConnectionClosedEventType,
				event.NewEvent(
					ConnectionClosedEventType,
					ConnectionClosedEvent{
						ConnectionID: connID,
						Peer:         conn.Peer(),
						Error:        err,
					},
				),
			)
		}
	}()
}

func (c *ConnectionManager) RemoveConnection(connID uuid.UUID) {
	c.connectionsMutex.Lock()
	delete(c.connections, connID)
	c.connectionsMutex.Unlock()
}

func (c *ConnectionManager) GetConnectionByID(connID uuid.UUID) *Connection {
	c.connectionsMutex.Lock()
	defer c.connectionsMutex.Unlock()
	return c.connections[connID]
}

func (c *ConnectionManager) GetConnectionByPeer(peer peerset.PeerID) *Connection {
	c.connectionsMutex.Lock()
	defer c.connectionsMutex.Unlock()
	for _, conn := range c.connections {
		if conn.Peer() == peer {
			return conn
		}
	}
	return nil
}

// ClosePeer tears down the peer's connection if one exists. Closure is
// confirmed asynchronously via ConnectionClosedEvent
func (c *ConnectionManager) ClosePeer(peer peerset.PeerID) {
	if conn := c.GetConnectionByPeer(peer); conn != nil {
		conn.Close()
	}
}
