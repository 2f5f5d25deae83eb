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

// Package topology loads the operator-provided list of peers this node
// should maintain connections to
package topology

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
)

type TopologyConfig struct {
	// ReservedPeers are exempt from slot limits and survive reserved-only
	// mode
	ReservedPeers []TopologyPeer `json:"reservedPeers"`
	// RegularPeers are dialed opportunistically and occupy regular slots
	RegularPeers []TopologyPeer `json:"regularPeers"`
}

type TopologyPeer struct {
	Address string `json:"address"`
	Port    uint   `json:"port"`
}

// HostPort returns the peer's dialable host:port form
func (p TopologyPeer) HostPort() string {
	return net.JoinHostPort(p.Address, fmt.Sprintf("%d", p.Port))
}

func NewTopologyConfigFromReader(r io.Reader) (*TopologyConfig, error) {
	t := &TopologyConfig{}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(t); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}
	return t, nil
}

func NewTopologyConfigFromFile(path string) (*TopologyConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewTopologyConfigFromReader(f)
}
