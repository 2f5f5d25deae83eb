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

package config

import (
	"fmt"
	"os"
	"path"

	"github.com/meshnet-io/ferret/topology"
	"gopkg.in/yaml.v3"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	path            string
	BindAddr        string `split_words:"true" yaml:"bindAddr"`
	Port            uint
	Identity        string
	DataDir         string `split_words:"true"       yaml:"dataDir"`
	Topology        string
	MaxRegularSlots int  `split_words:"true"       yaml:"maxRegularSlots"`
	ReservedOnly    bool `split_words:"true"       yaml:"reservedOnly"`
	Metrics         MetricsConfig
	Api             ApiConfig
}

type MetricsConfig struct {
	BindAddr string `yaml:"bindAddr"`
	Port     uint
}

type ApiConfig struct {
	BindAddr string `yaml:"bindAddr"`
	Port     uint
}

var globalConfig = &Config{
	BindAddr: "0.0.0.0",
	Port:     7777,
	Metrics: MetricsConfig{
		BindAddr: "127.0.0.1",
		Port:     12788,
	},
	Api: ApiConfig{
		BindAddr: "127.0.0.1",
		Port:     8090,
	},
	MaxRegularSlots: 8,
}

func LoadConfig(configFile string) (*Config, error) {
	// Load YAML config if provided
	if configFile != "" {
		f, err := os.Open(configFile)
		if err != nil {
			return nil, err
		}
		dec := yaml.NewDecoder(f)
		// Require all fields provided in YAML to exist in our target object
		dec.KnownFields(true)
		if err := dec.Decode(&globalConfig); err != nil {
			return nil, err
		}
		globalConfig.path = path.Dir(configFile)
	}
	// Load environment variables
	err := envconfig.Process("ferret", globalConfig)
	if err != nil {
		return nil, fmt.Errorf("error processing environment: %+v", err)
	}
	_, err = LoadTopologyConfig()
	if err != nil {
		return nil, fmt.Errorf("error loading topology: %+v", err)
	}
	return globalConfig, nil
}

func GetConfig() *Config {
	return globalConfig
}

var globalTopologyConfig *topology.TopologyConfig

// LoadTopologyConfig reads the topology file named in the config, resolved
// relative to the config file's directory. No topology at all is valid: the
// node then only accepts inbound connections
func LoadTopologyConfig() (*topology.TopologyConfig, error) {
	if globalConfig.Topology == "" {
		return globalTopologyConfig, nil
	}
	topologyPath := path.Join(
		globalConfig.path,
		globalConfig.Topology,
	)
	tc, err := topology.NewTopologyConfigFromFile(topologyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load topology file: %+v", err)
	}
	// update globalTopologyConfig
	globalTopologyConfig = tc
	return globalTopologyConfig, nil
}

func GetTopologyConfig() *topology.TopologyConfig {
	return globalTopologyConfig
}
