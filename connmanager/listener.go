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
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/meshnet-io/ferret/event"
)

type ListenerConfig struct {
	Listener      net.Listener
	ListenNetwork string
	ListenAddress string
	ReuseAddress  bool
}

func (c *ConnectionManager) startListeners() error {
	for _, l := range c.config.Listeners {
		if err := c.startListener(l); err != nil {
			return err
		}
	}
	return nil
}

func (c *ConnectionManager) startListener(l ListenerConfig) error {
	// Create listener if none is provided
	if l.Listener == nil {
		listenConfig := net.ListenConfig{}
		if l.ReuseAddress {
			listenConfig.Control = socketControl
		}
		listener, err := listenConfig.Listen(
			context.Background(),
			l.ListenNetwork,
			l.ListenAddress,
		)
		if err != nil {
			return fmt.Errorf("failed to open listening socket: %w", err)
		}
		l.Listener = listener
	}
	c.listenersMutex.Lock()
	c.listeners = append(c.listeners, l.Listener)
	c.listenersMutex.Unlock()
	go func() {
		for {
			conn, err := l.Listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				c.config.Logger.Error(
					fmt.Sprintf("listener: accept failed: %s", err),
				)
				continue
			}
			c.config.Logger.Info(
				fmt.Sprintf(
					"listener: accepted connection from %s",
					conn.RemoteAddr(),
				),
			)
			// Handshake in its own goroutine so a stalled peer can't hold
			// up the accept loop
			go c.setupInboundConnection(conn)
		}
	}()
	return nil
}

func (c *ConnectionManager) setupInboundConnection(conn net.Conn) {
	pConn, err := newConnection(conn, c.config.LocalID)
	if err != nil {
		c.config.Logger.Error(
			fmt.Sprintf("listener: handshake failed with %s: %s", conn.RemoteAddr(), err),
		)
		return
	}
	c.AddConnection(pConn)
	if c.config.EventBus != nil {
		c.config.EventBus.Publish(
			InboundConnectionEventType,
			event.NewEvent(
				InboundConnectionEventType,
				InboundConnectionEvent{
					ConnectionID: pConn.ID(),
					Peer:         pConn.Peer(),
					LocalAddr:    pConn.LocalAddr(),
					RemoteAddr:   pConn.RemoteAddr(),
				},
			),
		)
	}
}
