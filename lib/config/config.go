// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable that overrides a
// config value.
const EnvPrefix = "PEERBRIDGE_"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the configuration of the peer-bridge process.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment" env:"ENVIRONMENT"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths" envPrefix:"PATHS_"`

	// Log configures the process logger.
	Log LogConfig `yaml:"log" envPrefix:"LOG_"`

	// Broker configures the local message broker.
	Broker BrokerConfig `yaml:"broker" envPrefix:"BROKER_"`

	// Bridge configures outbound bridging.
	Bridge BridgeConfig `yaml:"bridge" envPrefix:"BRIDGE_"`

	// Listen configures the inbound peer server.
	Listen ListenConfig `yaml:"listen" envPrefix:"LISTEN_"`

	// Telemetry configures metric export.
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`

	// Node, when Node.Identity is set, runs an embedded node-side
	// control publisher announcing Node's inbox and routes.
	Node NodeConfig `yaml:"node" envPrefix:"NODE_"`

	// Per-environment overrides, applied after the base config is
	// loaded and then discarded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths     *PathsConfig     `yaml:"paths,omitempty"`
	Log       *LogConfig       `yaml:"log,omitempty"`
	Broker    *BrokerConfig    `yaml:"broker,omitempty"`
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for peer-bridge data.
	Root string `yaml:"root" env:"ROOT"`

	// State holds the broker journal.
	State string `yaml:"state" env:"STATE"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info
	Level string `yaml:"level" env:"LEVEL"`

	// Format is text or json. Default: text (development), json (production)
	Format string `yaml:"format" env:"FORMAT"`
}

// BrokerConfig configures the local message broker.
type BrokerConfig struct {
	// Journal is the SQLite database holding durable queues.
	// Default: ${PEERBRIDGE_STATE}/broker.db
	Journal string `yaml:"journal" env:"JOURNAL"`

	// Synchronous is the journal durability level: full or normal.
	// Default: full
	Synchronous string `yaml:"synchronous" env:"SYNCHRONOUS"`

	// Queues are durable queues created at startup if missing.
	Queues []string `yaml:"queues" env:"QUEUES"`
}

// BridgeConfig configures outbound bridging.
type BridgeConfig struct {
	// Identity is announced on the notify address. Default: random.
	Identity string `yaml:"identity" env:"IDENTITY"`

	// LocalIdentity is the identity this bridge presents to peers.
	LocalIdentity string `yaml:"local_identity" env:"LOCAL_IDENTITY"`

	// Loopback short-circuits routes to inboxes on the local broker.
	// Default: true
	Loopback bool `yaml:"loopback" env:"LOOPBACK"`

	// MaxMessageSize is the largest body forwarded. Default: 10 MiB
	MaxMessageSize int `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`

	// AckBatchSize is how many peer acknowledgments are committed
	// together. Default: 32
	AckBatchSize int `yaml:"ack_batch_size" env:"ACK_BATCH_SIZE"`

	// EventLoopThreads sizes the shared transport event loop group.
	// Default: 4
	EventLoopThreads int `yaml:"event_loop_threads" env:"EVENT_LOOP_THREADS"`

	// RetryInterval and MaxRetryInterval bound reconnect backoff.
	// Default: 1s and 1m
	RetryInterval    time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
	MaxRetryInterval time.Duration `yaml:"max_retry_interval" env:"MAX_RETRY_INTERVAL"`

	// Compression is none, lz4, or zstd. Default: lz4
	Compression string `yaml:"compression" env:"COMPRESSION"`

	// TLS configures mutual TLS for peer connections, inbound and
	// outbound.
	TLS TLSConfig `yaml:"tls" envPrefix:"TLS_"`
}

// TLSConfig names PEM files. All empty means plain TCP.
type TLSConfig struct {
	Certificate string `yaml:"certificate" env:"CERTIFICATE"`
	Key         string `yaml:"key" env:"KEY"`
	// CA verifies peers. Required when Certificate is set.
	CA string `yaml:"ca" env:"CA"`
}

// Enabled reports whether TLS is configured.
func (t TLSConfig) Enabled() bool {
	return t.Certificate != "" || t.Key != "" || t.CA != ""
}

// ListenConfig configures the inbound peer server.
type ListenConfig struct {
	// Address is the host:port to accept peers on. Empty disables the
	// inbound server.
	Address string `yaml:"address" env:"ADDRESS"`

	// LocalIdentities restricts accepted destination identities.
	LocalIdentities []string `yaml:"local_identities" env:"LOCAL_IDENTITIES"`
}

// TelemetryConfig configures metric export.
type TelemetryConfig struct {
	// Endpoint is the OTLP/HTTP metrics URL. Empty disables export.
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`

	// Interval is the export period. Default: 1m
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
}

// NodeConfig configures the embedded node-side control publisher.
type NodeConfig struct {
	// Identity is the node's identity. Empty disables the publisher.
	Identity string `yaml:"identity" env:"IDENTITY"`

	// PublicKey is the node's own key; its inbox is derived from it.
	PublicKey string `yaml:"public_key" env:"PUBLIC_KEY"`

	// Routes are the peers the node sends to. Overridable per index:
	// PEERBRIDGE_NODE_ROUTES_0_PEER_KEY and so on.
	Routes []RouteConfig `yaml:"routes" envPrefix:"ROUTES_"`
}

// RouteConfig is one peer the node sends to.
type RouteConfig struct {
	// PeerKey is the peer's public key; the outbound queue is derived
	// from it.
	PeerKey        string   `yaml:"peer_key" env:"PEER_KEY"`
	Targets        []string `yaml:"targets" env:"TARGETS"`
	LegalNames     []string `yaml:"legal_names" env:"LEGAL_NAMES"`
	ServiceAddress bool     `yaml:"service_address" env:"SERVICE_ADDRESS"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "peerbridge")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:  defaultRoot,
			State: filepath.Join(defaultRoot, "state"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Broker: BrokerConfig{
			Journal:     "${PEERBRIDGE_STATE}/broker.db",
			Synchronous: "full",
		},
		Bridge: BridgeConfig{
			Loopback:         true,
			MaxMessageSize:   10 << 20,
			AckBatchSize:     32,
			EventLoopThreads: 4,
			RetryInterval:    time.Second,
			MaxRetryInterval: time.Minute,
			Compression:      "lz4",
		},
		Telemetry: TelemetryConfig{
			Interval: time.Minute,
		},
	}
}

// Load loads configuration from the PEERBRIDGE_CONFIG environment
// variable. There are no fallbacks: if it is not set, Load fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvPrefix + "CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("PEERBRIDGE_CONFIG environment variable not set; " +
			"set it to the path of your peerbridge.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// Order of precedence, lowest first: defaults, the file, the file's
// section for the selected environment, PEERBRIDGE_* environment
// variables. ${VAR} references in paths are expanded last.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: applying %s environment overrides: %w", EnvPrefix, err)
	}

	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the section matching Environment
// and drops every section.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: machine-readable logs.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Log: &LogConfig{Format: "json"},
			}
		}
	}
	c.Development, c.Staging, c.Production = nil, nil, nil

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.State != "" {
			c.Paths.State = overrides.Paths.State
		}
	}

	if overrides.Log != nil {
		if overrides.Log.Level != "" {
			c.Log.Level = overrides.Log.Level
		}
		if overrides.Log.Format != "" {
			c.Log.Format = overrides.Log.Format
		}
	}

	if overrides.Broker != nil {
		if overrides.Broker.Journal != "" {
			c.Broker.Journal = overrides.Broker.Journal
		}
		if overrides.Broker.Synchronous != "" {
			c.Broker.Synchronous = overrides.Broker.Synchronous
		}
		c.Broker.Queues = append(c.Broker.Queues, overrides.Broker.Queues...)
	}

	if overrides.Telemetry != nil {
		if overrides.Telemetry.Endpoint != "" {
			c.Telemetry.Endpoint = overrides.Telemetry.Endpoint
		}
		if overrides.Telemetry.Interval != 0 {
			c.Telemetry.Interval = overrides.Telemetry.Interval
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"PEERBRIDGE_ROOT": c.Paths.Root,
		"HOME":            os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["PEERBRIDGE_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.State = expandVars(c.Paths.State, vars)
	vars["PEERBRIDGE_STATE"] = c.Paths.State

	c.Broker.Journal = expandVars(c.Broker.Journal, vars)
	c.Bridge.TLS.Certificate = expandVars(c.Bridge.TLS.Certificate, vars)
	c.Bridge.TLS.Key = expandVars(c.Bridge.TLS.Key, vars)
	c.Bridge.TLS.CA = expandVars(c.Bridge.TLS.CA, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.State == "" {
		errs = append(errs, fmt.Errorf("paths.state is required"))
	}
	if c.Broker.Journal == "" {
		errs = append(errs, fmt.Errorf("broker.journal is required"))
	}

	oneOf := func(field, value string, allowed ...string) {
		if !slices.Contains(allowed, value) {
			errs = append(errs, fmt.Errorf("%s must be one of: %v", field, allowed))
		}
	}
	oneOf("log.level", c.Log.Level, "debug", "info", "warn", "error")
	oneOf("log.format", c.Log.Format, "text", "json")
	oneOf("broker.synchronous", c.Broker.Synchronous, "full", "normal")
	oneOf("bridge.compression", c.Bridge.Compression, "none", "lz4", "zstd")

	if c.Bridge.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("bridge.max_message_size must be positive"))
	}
	if c.Bridge.AckBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("bridge.ack_batch_size must be positive"))
	}
	if c.Bridge.EventLoopThreads <= 0 {
		errs = append(errs, fmt.Errorf("bridge.event_loop_threads must be positive"))
	}
	if c.Bridge.RetryInterval <= 0 || c.Bridge.MaxRetryInterval < c.Bridge.RetryInterval {
		errs = append(errs, fmt.Errorf("bridge.retry_interval must be positive and at most bridge.max_retry_interval"))
	}

	tls := c.Bridge.TLS
	if tls.Enabled() && (tls.Certificate == "" || tls.Key == "" || tls.CA == "") {
		errs = append(errs, fmt.Errorf("bridge.tls needs certificate, key, and ca together"))
	}

	if c.Node.Identity != "" {
		if c.Node.PublicKey == "" {
			errs = append(errs, fmt.Errorf("node.public_key is required when node.identity is set"))
		}
		for i, route := range c.Node.Routes {
			if route.PeerKey == "" || len(route.Targets) == 0 || len(route.LegalNames) == 0 {
				errs = append(errs, fmt.Errorf("node.routes[%d] needs peer_key, targets, and legal_names", i))
			}
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.State,
		filepath.Dir(c.Broker.Journal),
	}

	for _, path := range paths {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}
