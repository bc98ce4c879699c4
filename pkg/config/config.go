// Copyright 2023 The shardmq Authors
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

// Package config provides configuration management for a shardmq node:
// its own position in the cluster, the ordered broker list every node must
// agree on, resource limits and the ops endpoints.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/turtacn/shardmq/pkg/logging"
	"github.com/turtacn/shardmq/pkg/partition"
	"gopkg.in/yaml.v2"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Environment variables read by ApplyEnv.
const (
	EnvIndex        = "SHARDMQ_INDEX"
	EnvListen       = "SHARDMQ_LISTEN"
	EnvBrokers      = "SHARDMQ_BROKERS"
	EnvAdminListen  = "SHARDMQ_ADMIN_LISTEN"
	EnvHealthListen = "SHARDMQ_HEALTH_LISTEN"
	EnvLogLevel     = "SHARDMQ_LOG_LEVEL"
	EnvLogFormat    = "SHARDMQ_LOG_FORMAT"
)

// Duration is a time.Duration written as "3s" in YAML and JSON files.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.set(s)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"3s\": %w", err)
	}
	return d.set(s)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// NodeConfig identifies this node.
type NodeConfig struct {
	// Index is this node's position in Cluster.Brokers; -1 infers it from
	// the port of Listen.
	Index  int    `yaml:"index" json:"index"`
	Listen string `yaml:"listen" json:"listen"`
}

// ClusterConfig lists every broker, in the same order on every node.
type ClusterConfig struct {
	Brokers     []string `yaml:"brokers" json:"brokers"`
	DialTimeout Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

// LimitsConfig bounds memory use. Zero means unbounded, except for
// MaxLineBytes which must be positive.
type LimitsConfig struct {
	MaxTopics              int `yaml:"max_topics" json:"max_topics"`
	MaxSubscribersPerTopic int `yaml:"max_subscribers_per_topic" json:"max_subscribers_per_topic"`
	MaxLineBytes           int `yaml:"max_line_bytes" json:"max_line_bytes"`
}

// AdminConfig holds the ops endpoints. An empty address disables it.
type AdminConfig struct {
	Listen       string `yaml:"listen" json:"listen"`
	HealthListen string `yaml:"health_listen" json:"health_listen"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Config holds the complete configuration
type Config struct {
	Node    NodeConfig    `yaml:"node" json:"node"`
	Cluster ClusterConfig `yaml:"cluster" json:"cluster"`
	Limits  LimitsConfig  `yaml:"limits" json:"limits"`
	Admin   AdminConfig   `yaml:"admin" json:"admin"`
	Log     LogConfig     `yaml:"log" json:"log"`
}

// DefaultConfig returns a single-node configuration listening on :9000.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Index:  -1,
			Listen: ":9000",
		},
		Cluster: ClusterConfig{
			Brokers:     []string{"127.0.0.1:9000"},
			DialTimeout: Duration(3 * time.Second),
		},
		Limits: LimitsConfig{
			MaxLineBytes: 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatConsole,
		},
	}
}

// LoadConfig loads configuration from a file on top of the defaults. An
// empty path returns the defaults. The result is not validated; callers
// apply overrides first and then call Validate.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()
	if configPath == "" {
		slog.Debug("No config file specified, using default configuration")
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	slog.Info("Configuration loaded", slog.String("path", configPath))
	return config, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}
	return nil
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment. Variables that are already set win. A missing file is not an
// error.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load env file %s: %w", path, err)
}

// ApplyEnv overrides fields from SHARDMQ_* variables found by lookup,
// normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvIndex); ok && v != "" {
		idx, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvIndex, err)
		}
		c.Node.Index = idx
	}
	if v, ok := lookup(EnvListen); ok && v != "" {
		c.Node.Listen = v
	}
	if v, ok := lookup(EnvBrokers); ok && v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Cluster.Brokers = brokers
	}
	if v, ok := lookup(EnvAdminListen); ok {
		c.Admin.Listen = v
	}
	if v, ok := lookup(EnvHealthListen); ok {
		c.Admin.HealthListen = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		c.Log.Format = v
	}
	return nil
}

// ApplyArgs applies the positional form "<port> <host:port>...": the node
// listens on every interface at port and the remaining arguments replace
// the broker list.
func (c *Config) ApplyArgs(args []string) error {
	if len(args) == 0 {
		return nil
	}
	port, err := strconv.Atoi(args[0])
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("%w: invalid port %q", ErrInvalidConfig, args[0])
	}
	c.Node.Listen = ":" + strconv.Itoa(port)
	if len(args) > 1 {
		c.Cluster.Brokers = append([]string(nil), args[1:]...)
	}
	return nil
}

// Validate checks everything that must hold before the node starts.
func (c *Config) Validate() error {
	if err := validateConfig(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Table builds the partition table for this node, resolving the self index
// from the listen port when Node.Index is -1.
func (c *Config) Table() (*partition.Table, error) {
	endpoints, err := partition.ParseEndpoints(c.Cluster.Brokers)
	if err != nil {
		return nil, err
	}
	if len(endpoints) == 0 {
		return nil, partition.ErrNoBrokers
	}
	self := c.Node.Index
	if self < 0 {
		port, err := listenPort(c.Node.Listen)
		if err != nil {
			return nil, err
		}
		self, err = partition.IndexForPort(endpoints, port)
		if err != nil {
			return nil, err
		}
	}
	return partition.NewTable(endpoints, self)
}

func validateConfig(config *Config) error {
	if config.Node.Listen == "" {
		return fmt.Errorf("node.listen cannot be empty")
	}
	if _, err := listenPort(config.Node.Listen); err != nil {
		return err
	}
	if _, err := config.Table(); err != nil {
		return err
	}
	if config.Cluster.DialTimeout < 0 {
		return fmt.Errorf("cluster.dial_timeout cannot be negative")
	}
	if config.Limits.MaxTopics < 0 || config.Limits.MaxSubscribersPerTopic < 0 {
		return fmt.Errorf("limits cannot be negative")
	}
	if config.Limits.MaxLineBytes <= 0 {
		return fmt.Errorf("limits.max_line_bytes must be positive")
	}
	if _, err := logging.ParseLevel(config.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(config.Log.Format) {
	case "", logging.FormatConsole, logging.FormatJSON:
	default:
		return fmt.Errorf("%w: %q", logging.ErrUnknownFormat, config.Log.Format)
	}
	return nil
}

func listenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("node.listen %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("node.listen %q: invalid port", addr)
	}
	return port, nil
}
