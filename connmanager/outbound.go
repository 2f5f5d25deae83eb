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
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const dialTimeout = 10 * time.Second

// CreateOutboundConn dials the given address, performs the identity
// handshake, and registers the resulting connection
func (c *ConnectionManager) CreateOutboundConn(address string) (*Connection, error) {
	t := otel.Tracer("connmanager")
	if t != nil {
		_, span := t.Start(context.TODO(), "create outbound connection")
		defer span.End()
		span.SetAttributes(
			attribute.String("peer.address", address),
		)
	}

	var clientAddr net.Addr
	dialer := net.Dialer{
		Timeout: dialTimeout,
	}
	if c.config.OutboundSourcePort > 0 {
		// Use our listening port as the source port so the remote can dial
		// us back at the address we advertise
		clientAddr, _ = net.ResolveTCPAddr(
			"tcp",
			fmt.Sprintf(":%d", c.config.OutboundSourcePort),
		)
		dialer.LocalAddr = clientAddr
		dialer.Control = socketControl
	}
	c.config.Logger.Debug(
		fmt.Sprintf("establishing TCP connection to: %s", address),
		"role", "client",
	)
	tmpConn, err := dialer.Dial("tcp", address)
	if err != nil {
		return nil, err
	}
	pConn, err := newConnection(tmpConn, c.config.LocalID)
	if err != nil {
		return nil, err
	}
	// The dialed address is the identity the caller attributes this
	// connection to, so the remote must identify as that address. The
	// mismatched connection is never registered, so no closed event is
	// published for the identity it claimed
	if string(pConn.Peer()) != address {
		pConn.Close()
		return nil, fmt.Errorf(
			"peer identity mismatch: dialed %s, got %s",
			address,
			pConn.Peer(),
		)
	}
	c.config.Logger.Info(
		fmt.Sprintf("connected to %s", address),
		"role", "client",
		"peer", string(pConn.Peer()),
		"connection_id", pConn.ID().String(),
	)
	c.AddConnection(pConn)
	return pConn, nil
}
