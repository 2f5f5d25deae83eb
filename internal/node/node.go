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

package node

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/meshnet-io/ferret"
	"github.com/meshnet-io/ferret/api"
	"github.com/meshnet-io/ferret/connmanager"
	"github.com/meshnet-io/ferret/internal/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func Run(logger *slog.Logger, configFile string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	logger.Debug(fmt.Sprintf("config: %+v", cfg))
	logger.Debug(
		fmt.Sprintf("topology: %+v", config.GetTopologyConfig()),
	)
	listenAddr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port)
	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	logger.Info(
		fmt.Sprintf(
			"node: listening for peer connections on %s",
			listenAddr,
		),
	)
	identity := cfg.Identity
	if identity == "" {
		// Advertise the listen address so peers can attribute us on dial-back
		identity = listenAddr
	}
	n, err := ferret.New(
		ferret.NewConfig(
			ferret.WithLogger(logger),
			ferret.WithIdentity(identity),
			ferret.WithDataDir(cfg.DataDir),
			ferret.WithMaxRegularSlots(cfg.MaxRegularSlots),
			ferret.WithReservedOnly(cfg.ReservedOnly),
			ferret.WithListeners(
				connmanager.ListenerConfig{
					Listener: l,
				},
			),
			// Enable metrics with default prometheus registry
			ferret.WithPrometheusRegistry(prometheus.DefaultRegisterer),
			// TODO: make this configurable
			//ferret.WithTracing(true),
			ferret.WithTopologyConfig(config.GetTopologyConfig()),
		),
	)
	if err != nil {
		return err
	}
	// Metrics and debug listener
	http.Handle("/metrics", promhttp.Handler())
	logger.Info(
		fmt.Sprintf(
			"node: serving prometheus metrics on %s:%d",
			cfg.Metrics.BindAddr,
			cfg.Metrics.Port,
		),
	)
	go func() {
		if err := http.ListenAndServe(fmt.Sprintf("%s:%d", cfg.Metrics.BindAddr, cfg.Metrics.Port), nil); err != nil {
			logger.Error(
				fmt.Sprintf("node: failed to start metrics listener: %s", err),
			)
			os.Exit(1)
		}
	}()
	// Management API listener
	logger.Info(
		fmt.Sprintf(
			"node: serving management API on %s:%d",
			cfg.Api.BindAddr,
			cfg.Api.Port,
		),
	)
	go func() {
		apiServer := &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Api.BindAddr, cfg.Api.Port),
			Handler:      api.NewServer(n, logger).Handler(),
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
		}
		if err := apiServer.ListenAndServe(); err != nil {
			logger.Error(
				fmt.Sprintf("node: failed to start API listener: %s", err),
			)
			os.Exit(1)
		}
	}()
	if err := n.Run(); err != nil {
		return err
	}
	return nil
}
