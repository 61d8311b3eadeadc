// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "peerbridge.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return configPath
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}

	if !cfg.Bridge.Loopback {
		t.Error("expected loopback=true by default")
	}

	if cfg.Bridge.AckBatchSize != 32 {
		t.Errorf("expected ack_batch_size=32, got %d", cfg.Bridge.AckBatchSize)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoad_RequiresPeerbridgeConfig(t *testing.T) {
	t.Setenv("PEERBRIDGE_CONFIG", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when PEERBRIDGE_CONFIG not set, got nil")
	}

	expectedMsg := "PEERBRIDGE_CONFIG environment variable not set"
	if !strings.HasPrefix(err.Error(), expectedMsg) {
		t.Errorf("expected error message to start with %q, got %q", expectedMsg, err.Error())
	}
}

func TestLoad_WithPeerbridgeConfig(t *testing.T) {
	configPath := writeConfig(t, `
environment: staging
paths:
  root: /test/root
  state: /test/state
`)
	t.Setenv("PEERBRIDGE_CONFIG", configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}

	if cfg.Broker.Journal != "/test/state/broker.db" {
		t.Errorf("expected journal under the state directory, got %s", cfg.Broker.Journal)
	}
}

func TestLoadFile(t *testing.T) {
	configPath := writeConfig(t, `
environment: staging

bridge:
  loopback: false
  ack_batch_size: 8
  retry_interval: 250ms
  compression: zstd
  tls:
    certificate: ${PEERBRIDGE_ROOT}/tls/bridge.crt

listen:
  address: 0.0.0.0:10005
  local_identities: ["O=Local"]

node:
  identity: O=Local
  public_key: local-key
  routes:
    - peer_key: bob-key
      targets: ["bob.example:10005"]
      legal_names: ["O=Bob"]
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Bridge.Loopback {
		t.Error("expected loopback=false")
	}

	if cfg.Bridge.AckBatchSize != 8 {
		t.Errorf("expected ack_batch_size=8, got %d", cfg.Bridge.AckBatchSize)
	}

	if cfg.Bridge.RetryInterval != 250*time.Millisecond {
		t.Errorf("expected retry_interval=250ms, got %s", cfg.Bridge.RetryInterval)
	}

	if want := filepath.Join(cfg.Paths.Root, "tls", "bridge.crt"); cfg.Bridge.TLS.Certificate != want {
		t.Errorf("expected certificate=%s, got %s", want, cfg.Bridge.TLS.Certificate)
	}

	if len(cfg.Node.Routes) != 1 || cfg.Node.Routes[0].LegalNames[0] != "O=Bob" {
		t.Errorf("unexpected node routes: %+v", cfg.Node.Routes)
	}

	// The certificate without a key and CA fails validation.
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "bridge.tls") {
		t.Errorf("expected a bridge.tls validation error, got %v", err)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	configPath := writeConfig(t, `
environment: production

log:
  level: debug

production:
  paths:
    state: /prod/state
  telemetry:
    endpoint: http://collector:4318/v1/metrics
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Paths.State != "/prod/state" {
		t.Errorf("expected state=/prod/state, got %s", cfg.Paths.State)
	}

	if cfg.Telemetry.Endpoint != "http://collector:4318/v1/metrics" {
		t.Errorf("expected the production telemetry endpoint, got %q", cfg.Telemetry.Endpoint)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("expected level=debug from the base config, got %s", cfg.Log.Level)
	}

	if cfg.Production != nil {
		t.Error("expected override sections to be discarded after loading")
	}
}

func TestProductionDefaultsToJSONLogs(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, "environment: production\n"))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Log.Format != "json" {
		t.Errorf("expected format=json in production, got %s", cfg.Log.Format)
	}
}

func TestEnvironmentVariablesOverrideFile(t *testing.T) {
	configPath := writeConfig(t, `
bridge:
  ack_batch_size: 8
listen:
  address: 127.0.0.1:1
`)
	t.Setenv("PEERBRIDGE_BRIDGE_ACK_BATCH_SIZE", "64")
	t.Setenv("PEERBRIDGE_LISTEN_ADDRESS", "0.0.0.0:10005")
	t.Setenv("PEERBRIDGE_BROKER_QUEUES", "internal.peers.a,internal.peers.b")
	t.Setenv("PEERBRIDGE_BRIDGE_MAX_RETRY_INTERVAL", "2m")

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Bridge.AckBatchSize != 64 {
		t.Errorf("expected ack_batch_size=64, got %d", cfg.Bridge.AckBatchSize)
	}

	if cfg.Listen.Address != "0.0.0.0:10005" {
		t.Errorf("expected address from the environment, got %s", cfg.Listen.Address)
	}

	if len(cfg.Broker.Queues) != 2 || cfg.Broker.Queues[1] != "internal.peers.b" {
		t.Errorf("unexpected queues: %v", cfg.Broker.Queues)
	}

	if cfg.Bridge.MaxRetryInterval != 2*time.Minute {
		t.Errorf("expected max_retry_interval=2m, got %s", cfg.Bridge.MaxRetryInterval)
	}
}

func TestEnvironmentVariableParseError(t *testing.T) {
	t.Setenv("PEERBRIDGE_BRIDGE_ACK_BATCH_SIZE", "many")

	if _, err := LoadFile(writeConfig(t, "environment: development\n")); err == nil {
		t.Fatal("expected an error for a non-numeric ack batch size")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad environment", func(c *Config) { c.Environment = "qa" }, "invalid environment"},
		{"bad compression", func(c *Config) { c.Bridge.Compression = "gzip" }, "bridge.compression"},
		{"bad synchronous", func(c *Config) { c.Broker.Synchronous = "off" }, "broker.synchronous"},
		{"bad level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"zero batch", func(c *Config) { c.Bridge.AckBatchSize = 0 }, "bridge.ack_batch_size"},
		{"inverted retry", func(c *Config) { c.Bridge.MaxRetryInterval = time.Millisecond }, "bridge.retry_interval"},
		{"node without key", func(c *Config) { c.Node.Identity = "O=Local" }, "node.public_key"},
		{"incomplete route", func(c *Config) {
			c.Node = NodeConfig{Identity: "O=Local", PublicKey: "k", Routes: []RouteConfig{{PeerKey: "p"}}}
		}, "node.routes[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEnsurePaths(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Paths.Root = root
	cfg.Paths.State = filepath.Join(root, "state")
	cfg.Broker.Journal = filepath.Join(root, "journal", "broker.db")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths failed: %v", err)
	}

	for _, dir := range []string{cfg.Paths.State, filepath.Join(root, "journal")} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s to exist", dir)
		}
	}
}
