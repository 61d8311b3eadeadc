// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/peerbridge/broker"
	"github.com/bureau-foundation/peerbridge/lib/clock"
	"github.com/bureau-foundation/peerbridge/lib/compress"
	"github.com/bureau-foundation/peerbridge/lib/eventloop"
	"github.com/bureau-foundation/peerbridge/transport"
)

// Manager deploys and destroys bridges. Implemented by RemoteManager
// and LoopbackManager; consumed by the control listener.
type Manager interface {
	// DeployBridge creates a bridge for queueName unless one already
	// targets any of targets. sourceIdentity, when non-empty, restricts
	// the bridge to messages sent by that identity.
	DeployBridge(sourceIdentity, queueName string, targets, peerIdentities []string)

	// DestroyBridge stops and removes the bridges of queueName that
	// target any of targets. Unknown routes are ignored.
	DestroyBridge(queueName string, targets []string)

	Start() error
	Stop()
	Close() error
}

// InboxObserver is implemented by managers whose routing depends on
// which inboxes the local broker hosts. Each call carries only the
// inboxes whose state changed, sorted.
type InboxObserver interface {
	InboxesAdded(inboxes []string)
	InboxesRemoved(inboxes []string)
}

// ClientFactory builds the transport client for a new bridge.
type ClientFactory func(config transport.ClientConfig) (transport.Client, error)

// TCPClientFactory builds transport.TCPClient values.
func TCPClientFactory(config transport.ClientConfig) (transport.Client, error) {
	return transport.NewTCPClient(config)
}

// DefaultMaxMessageSize is the largest message body a bridge forwards.
const DefaultMaxMessageSize = 10 << 20

// ManagerConfig configures a RemoteManager.
type ManagerConfig struct {
	// Broker supplies the connection bridges draw sessions from.
	// Required.
	Broker broker.Broker

	// ClientFactory defaults to TCPClientFactory.
	ClientFactory ClientFactory

	// LocalIdentity is announced to peers.
	LocalIdentity string

	// TLS is passed to every transport client. Nil means plain TCP.
	TLS *tls.Config

	// Compression is the preferred wire compression.
	Compression compress.Tag

	// RetryInterval and MaxRetryInterval bound reconnect backoff.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration

	// Clock times reconnect backoff. Defaults to clock.Real().
	Clock clock.Clock

	// MaxMessageSize defaults to DefaultMaxMessageSize. Larger messages
	// are acknowledged and dropped.
	MaxMessageSize int

	// AckBatchSize is how many peer acknowledgments a bridge stages
	// before committing them. Defaults to 32.
	AckBatchSize int

	// EventLoopThreads sizes the loop group shared by all transport
	// clients. Defaults to 4.
	EventLoopThreads int

	// Auditor defaults to NopAuditor.
	Auditor Auditor

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// RemoteManager owns the routing table of network bridges.
type RemoteManager struct {
	config   ManagerConfig
	logger   *slog.Logger
	auditor  Auditor
	provider *sessionProvider

	mu      sync.Mutex
	running bool
	loops   *eventloop.Group
	table   map[string][]*Bridge
}

var _ Manager = (*RemoteManager)(nil)

// NewRemoteManager validates config and returns a stopped manager.
func NewRemoteManager(config ManagerConfig) (*RemoteManager, error) {
	if config.Broker == nil {
		return nil, fmt.Errorf("bridge: manager broker is required")
	}
	if config.ClientFactory == nil {
		config.ClientFactory = TCPClientFactory
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.AckBatchSize <= 0 {
		config.AckBatchSize = 32
	}
	if config.EventLoopThreads <= 0 {
		config.EventLoopThreads = 4
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	auditor := config.Auditor
	if auditor == nil {
		auditor = NopAuditor{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteManager{
		config:   config,
		logger:   logger,
		auditor:  auditor,
		provider: &sessionProvider{},
		table:    make(map[string][]*Bridge),
	}, nil
}

// Start allocates the event loop group and connects to the broker.
// Starting a running manager is a no-op.
func (m *RemoteManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	connection := m.config.Broker.Connect()
	if err := connection.Start(); err != nil {
		return fmt.Errorf("bridge: starting broker connection: %w", err)
	}
	m.provider.mu.Lock()
	m.provider.connection = connection
	m.provider.mu.Unlock()

	m.loops = eventloop.NewGroup(m.config.EventLoopThreads, m.logger)
	m.running = true
	m.logger.Info("bridge manager started", "event_loop_threads", m.config.EventLoopThreads)
	return nil
}

// Stop stops every bridge, releases the event loops, clears the table,
// and disconnects from the broker. Idempotent.
func (m *RemoteManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	var bridges []*Bridge
	for _, bucket := range m.table {
		bridges = append(bridges, bucket...)
	}
	m.table = make(map[string][]*Bridge)
	loops := m.loops
	m.loops = nil
	m.mu.Unlock()

	for _, b := range bridges {
		b.stop()
		m.auditor.BridgeDestroyed(b.route.Targets())
	}
	loops.Close()

	m.provider.mu.Lock()
	connection := m.provider.connection
	m.provider.connection = nil
	m.provider.mu.Unlock()
	if connection != nil {
		if err := connection.Stop(); err != nil {
			m.logger.Warn("stopping broker connection failed", "error", err)
		}
	}
	m.logger.Info("bridge manager stopped", "bridges", len(bridges))
}

// Close is Stop.
func (m *RemoteManager) Close() error {
	m.Stop()
	return nil
}

func (m *RemoteManager) DeployBridge(sourceIdentity, queueName string, targets, peerIdentities []string) {
	route, err := NewRoute(queueName, targets, peerIdentities)
	if err != nil {
		m.logger.Error("refusing to deploy invalid route", "error", err)
		return
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		m.logger.Error("deploy requested while the bridge manager is stopped", "queue", queueName)
		return
	}
	for _, existing := range m.table[queueName] {
		if existing.route.HasAnyTarget(targets) {
			m.mu.Unlock()
			return
		}
	}
	client, err := m.config.ClientFactory(transport.ClientConfig{
		Targets:          route.targets,
		PeerIdentities:   route.peerIdentities,
		LocalIdentity:    m.config.LocalIdentity,
		TLS:              m.config.TLS,
		Loop:             m.loops.Next(),
		Clock:            m.config.Clock,
		Compression:      m.config.Compression,
		RetryInterval:    m.config.RetryInterval,
		MaxRetryInterval: m.config.MaxRetryInterval,
		Logger:           m.logger.With("queue", queueName),
	})
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("creating transport client failed", "queue", queueName, "error", err)
		return
	}
	b := &Bridge{
		route:          route,
		sourceIdentity: sourceIdentity,
		client:         client,
		provider:       m.provider,
		maxMessageSize: m.config.MaxMessageSize,
		ackBatchSize:   m.config.AckBatchSize,
		auditor:        m.auditor,
		logger: m.logger.With(
			"queue", queueName,
			"targets", route.targets,
			"source", sourceIdentity,
		),
	}
	m.table[queueName] = append(m.table[queueName], b)
	m.mu.Unlock()

	m.logger.Info("deploying bridge",
		"queue", queueName,
		"targets", route.targets,
		"peer_identities", route.peerIdentities,
		"source", sourceIdentity,
	)
	m.auditor.BridgeCreated(route.Targets(), route.PeerIdentities())
	b.start()
}

func (m *RemoteManager) DestroyBridge(queueName string, targets []string) {
	m.mu.Lock()
	var removed []*Bridge
	for _, target := range targets {
		bucket := m.table[queueName]
		index := slices.IndexFunc(bucket, func(b *Bridge) bool {
			return slices.Contains(b.route.targets, target)
		})
		if index < 0 {
			continue
		}
		removed = append(removed, bucket[index])
		bucket = slices.Delete(bucket, index, index+1)
		if len(bucket) == 0 {
			delete(m.table, queueName)
		} else {
			m.table[queueName] = bucket
		}
	}
	m.mu.Unlock()

	for _, b := range removed {
		m.logger.Info("destroying bridge", "queue", queueName, "targets", b.route.targets)
		b.stop()
		m.auditor.BridgeDestroyed(b.route.Targets())
	}
}

// DestroyAllBridges stops every bridge of queueName and returns their
// routes grouped by source identity.
func (m *RemoteManager) DestroyAllBridges(queueName string) map[string][]Route {
	m.mu.Lock()
	removed := m.table[queueName]
	delete(m.table, queueName)
	m.mu.Unlock()

	routes := make(map[string][]Route)
	for _, b := range removed {
		m.logger.Info("destroying bridge", "queue", queueName, "targets", b.route.targets)
		b.stop()
		m.auditor.BridgeDestroyed(b.route.Targets())
		routes[b.sourceIdentity] = append(routes[b.sourceIdentity], b.route)
	}
	return routes
}

// Bridges returns the bridges currently deployed for queueName.
func (m *RemoteManager) Bridges(queueName string) []*Bridge {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.table[queueName])
}

// Queues returns the queues that have at least one bridge.
func (m *RemoteManager) Queues() []string {
	m.mu.Lock()
	names := make([]string, 0, len(m.table))
	for name := range m.table {
		names = append(names, name)
	}
	m.mu.Unlock()
	slices.Sort(names)
	return names
}
