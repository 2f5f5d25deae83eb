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

package ferret

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshnet-io/ferret/connmanager"
	"github.com/meshnet-io/ferret/peerset"
	"github.com/meshnet-io/ferret/topology"
)

const defaultMaxRegularSlots = 8

type Config struct {
	logger             *slog.Logger
	dataDir            string
	identity           string
	listeners          []connmanager.ListenerConfig
	topologyConfig     *topology.TopologyConfig
	maxRegularSlots    int
	reservedOnly       bool
	reservedPeers      []string
	backoff            peerset.BackoffConfig
	outboundSourcePort uint
	promRegistry       prometheus.Registerer
	tracing            bool
	tracingStdout      bool
}

// ConfigOptionFunc is a type that represents functions that modify the node config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new node config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger:          slog.New(slog.NewJSONHandler(io.Discard, nil)),
		maxRegularSlots: defaultMaxRegularSlots,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (n *Node) configValidate() error {
	if n.config.maxRegularSlots < 0 {
		return fmt.Errorf(
			"invalid max regular slots value: %d",
			n.config.maxRegularSlots,
		)
	}
	hasOutbound := n.config.topologyConfig != nil &&
		(len(n.config.topologyConfig.ReservedPeers) > 0 ||
			len(n.config.topologyConfig.RegularPeers) > 0)
	if len(n.config.listeners) == 0 && !hasOutbound {
		return fmt.Errorf("no listeners or outbound peers defined")
	}
	for _, listener := range n.config.listeners {
		if listener.Listener != nil {
			continue
		}
		if listener.ListenNetwork != "" && listener.ListenAddress != "" {
			continue
		}
		return fmt.Errorf(
			"listener must provide net.Listener or listen network/address values",
		)
	}
	return nil
}

// WithLogger specifies the logger to use. This defaults to discarding log output
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithDataDir specifies the persistent data directory for the peer
// registry. The default is to keep the registry in memory
func WithDataDir(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithIdentity specifies the identity advertised to peers during the
// handshake. This should be the address other nodes can dial back; a random
// identity is generated when unset
func WithIdentity(identity string) ConfigOptionFunc {
	return func(c *Config) {
		c.identity = identity
	}
}

// WithListeners specifies the listener config(s) to use
func WithListeners(listeners ...connmanager.ListenerConfig) ConfigOptionFunc {
	return func(c *Config) {
		c.listeners = append(c.listeners, listeners...)
	}
}

// WithTopologyConfig specifies the topology listing outbound peers
func WithTopologyConfig(topologyConfig *topology.TopologyConfig) ConfigOptionFunc {
	return func(c *Config) {
		c.topologyConfig = topologyConfig
	}
}

// WithMaxRegularSlots specifies how many non-reserved peers may be
// connected concurrently
func WithMaxRegularSlots(max int) ConfigOptionFunc {
	return func(c *Config) {
		c.maxRegularSlots = max
	}
}

// WithReservedOnly specifies whether only reserved peers may establish new
// connections. This is disabled by default
func WithReservedOnly(reservedOnly bool) ConfigOptionFunc {
	return func(c *Config) {
		c.reservedOnly = reservedOnly
	}
}

// WithReservedPeers specifies peer identities exempt from slot limits
func WithReservedPeers(peers ...string) ConfigOptionFunc {
	return func(c *Config) {
		c.reservedPeers = append(c.reservedPeers, peers...)
	}
}

// WithBackoff specifies the reconnection backoff policy
func WithBackoff(backoff peerset.BackoffConfig) ConfigOptionFunc {
	return func(c *Config) {
		c.backoff = backoff
	}
}

// WithOutboundSourcePort specifies the source port to use for outbound
// connections. This defaults to dynamic source ports
func WithOutboundSourcePort(port uint) ConfigOptionFunc {
	return func(c *Config) {
		c.outboundSourcePort = port
	}
}

// WithPrometheusRegistry specifies the registry for node metrics. Metrics
// are disabled when unset
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithTracing enables tracing. By default, spans are submitted to a HTTP(s) endpoint using OTLP. This can be configured
// using the OTEL_EXPORTER_OTLP_* env vars documented in the README for [go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp]
func WithTracing(tracing bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracing = tracing
	}
}

// WithTracingStdout enables tracing output to stdout. This also requires tracing to enabled separately. This is mostly useful for debugging
func WithTracingStdout(stdout bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracingStdout = stdout
	}
}
