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
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshnet-io/ferret/peerset"
)

const (
	handshakeTimeout   = 10 * time.Second
	maxHandshakeLength = 256
)

// ErrUnexpectedData is reported when a peer sends payload bytes on a
// substream this node only keeps idle. Upper protocol layers are out of
// scope here, so any payload is peer misbehavior
var ErrUnexpectedData = errors.New("unexpected data on idle substream")

// Connection wraps an established transport connection after the identity
// handshake has completed
type Connection struct {
	id         uuid.UUID
	peer       peerset.PeerID
	conn       net.Conn
	errorChan  chan error
	reportOnce sync.Once
	closeOnce  sync.Once
}

// newConnection performs the identity handshake on a raw connection: each
// side sends its own advertised identity as a single line and reads the
// remote's. The handshake is symmetric, so it works regardless of which
// side dialed
func newConnection(conn net.Conn, localID peerset.PeerID) (*Connection, error) {
	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := fmt.Fprintf(conn, "%s\n", localID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake write: %w", err)
	}
	r := bufio.NewReaderSize(conn, maxHandshakeLength)
	line, err := r.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake read: %w", err)
	}
	remoteID := strings.TrimSpace(line)
	if remoteID == "" {
		conn.Close()
		return nil, errors.New("handshake: empty peer identity")
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}
	c := &Connection{
		id:        uuid.New(),
		peer:      peerset.PeerID(remoteID),
		conn:      conn,
		errorChan: make(chan error, 1),
	}
	go c.readLoop()
	return c, nil
}

func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) Peer() peerset.PeerID {
	return c.peer
}

func (c *Connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ErrorChan delivers exactly one value when the connection terminates: nil
// for a clean close (local or remote), or the terminating error
func (c *Connection) ErrorChan() <-chan error {
	return c.errorChan
}

func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// readLoop watches the otherwise idle connection for closure. Any payload
// byte is surfaced as ErrUnexpectedData so the node can treat it as a
// protocol violation
func (c *Connection) readLoop() {
	buf := make([]byte, 1)
	_, err := c.conn.Read(buf)
	switch {
	case err == nil:
		c.Close()
		c.reportClose(ErrUnexpectedData)
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		c.reportClose(nil)
	default:
		c.Close()
		c.reportClose(err)
	}
}

func (c *Connection) reportClose(err error) {
	c.reportOnce.Do(func() {
		c.errorChan <- err
	})
}
