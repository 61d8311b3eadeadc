// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/bureau-foundation/peerbridge/broker"
	"github.com/bureau-foundation/peerbridge/lib/address"
)

// NodeConfig configures a Node.
type NodeConfig struct {
	// Broker carries the control traffic. Required.
	Broker broker.Broker

	// Identity is the node's identity. Bridges filter the node's
	// outbound queues on it. Required.
	Identity string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Node is the node side of the control plane. It holds the node's
// inboxes and routes, publishes them as a snapshot on Start and
// whenever a bridge asks, and publishes Create and Delete as routes
// change.
type Node struct {
	broker   broker.Broker
	identity string
	logger   *slog.Logger

	mu         sync.Mutex
	connection broker.Connection
	producer   broker.Producer
	inboxes    map[string]struct{}
	routes     map[string]BridgeEntry
}

// NewNode returns a stopped node publisher.
func NewNode(config NodeConfig) (*Node, error) {
	if config.Broker == nil {
		return nil, fmt.Errorf("control: node broker is required")
	}
	if config.Identity == "" {
		return nil, fmt.Errorf("control: node identity is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		broker:   config.Broker,
		identity: config.Identity,
		logger:   logger.With("node", config.Identity),
		inboxes:  make(map[string]struct{}),
		routes:   make(map[string]BridgeEntry),
	}, nil
}

// Start subscribes to bridge announcements and publishes a snapshot.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.connection != nil {
		return nil
	}
	connection := n.broker.Connect()
	if err := connection.Start(); err != nil {
		return fmt.Errorf("control: starting node broker connection: %w", err)
	}
	session, err := connection.CreateSession(broker.SessionOptions{AutoCommitAcks: true})
	if err != nil {
		connection.Stop()
		return fmt.Errorf("control: creating node session: %w", err)
	}
	producer, err := session.CreateProducer()
	if err != nil {
		connection.Stop()
		return fmt.Errorf("control: creating node producer: %w", err)
	}
	queueName := address.BridgeNotify + ".node." + uuid.NewString()
	if err := session.CreateTemporaryQueue(address.BridgeNotify, queueName); err != nil {
		connection.Stop()
		return fmt.Errorf("control: creating queue %s: %w", queueName, err)
	}
	consumer, err := session.CreateConsumer(queueName, nil)
	if err != nil {
		connection.Stop()
		return fmt.Errorf("control: consuming %s: %w", queueName, err)
	}
	if err := consumer.SetHandler(n.handleNotify); err != nil {
		connection.Stop()
		return fmt.Errorf("control: registering notify handler: %w", err)
	}
	if err := session.Start(); err != nil {
		connection.Stop()
		return fmt.Errorf("control: starting node session: %w", err)
	}
	n.connection = connection
	n.producer = producer
	if err := n.publishLocked(NewSnapshot(n.snapshotLocked())); err != nil {
		n.logger.Warn("publishing initial snapshot failed", "error", err)
	}
	n.logger.Info("node control publisher started")
	return nil
}

// Stop disconnects from the broker. Idempotent.
func (n *Node) Stop() {
	n.mu.Lock()
	connection := n.connection
	n.connection = nil
	n.producer = nil
	n.mu.Unlock()
	if connection != nil {
		if err := connection.Stop(); err != nil {
			n.logger.Warn("stopping node broker connection failed", "error", err)
		}
	}
}

// Snapshot returns the node's current routing state with inboxes and
// send queues sorted.
func (n *Node) Snapshot() NodeToBridgeSnapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.snapshotLocked()
}

// AddInbox registers an inbox the node hosts and republishes the
// snapshot.
func (n *Node) AddInbox(inbox string) error {
	if !address.IsInbox(inbox) {
		return fmt.Errorf("control: %q is not an inbox address", inbox)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inboxes[inbox] = struct{}{}
	return n.publishLocked(NewSnapshot(n.snapshotLocked()))
}

// RemoveInbox unregisters an inbox and republishes the snapshot.
func (n *Node) RemoveInbox(inbox string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.inboxes[inbox]; !ok {
		return nil
	}
	delete(n.inboxes, inbox)
	return n.publishLocked(NewSnapshot(n.snapshotLocked()))
}

// AddRoute records a route and publishes a Create. Adding a route for
// a queue that already has one replaces it.
func (n *Node) AddRoute(entry BridgeEntry) error {
	if !address.IsPeerQueue(entry.QueueName) {
		return fmt.Errorf("control: %q is not a peer queue", entry.QueueName)
	}
	if len(entry.Targets) == 0 || len(entry.LegalNames) == 0 {
		return fmt.Errorf("control: route for %s needs targets and legal names", entry.QueueName)
	}
	entry.Targets = slices.Clone(entry.Targets)
	entry.LegalNames = slices.Clone(entry.LegalNames)

	n.mu.Lock()
	defer n.mu.Unlock()
	if previous, ok := n.routes[entry.QueueName]; ok {
		if err := n.publishLocked(NewDelete(n.identity, previous)); err != nil {
			return err
		}
	}
	n.routes[entry.QueueName] = entry
	return n.publishLocked(NewCreate(n.identity, entry))
}

// RemoveRoute forgets the route of queueName and publishes a Delete.
func (n *Node) RemoveRoute(queueName string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	entry, ok := n.routes[queueName]
	if !ok {
		return nil
	}
	delete(n.routes, queueName)
	return n.publishLocked(NewDelete(n.identity, entry))
}

func (n *Node) snapshotLocked() NodeToBridgeSnapshot {
	snapshot := NodeToBridgeSnapshot{
		NodeIdentity: n.identity,
		InboxQueues:  slices.Sorted(maps.Keys(n.inboxes)),
	}
	for _, queueName := range slices.Sorted(maps.Keys(n.routes)) {
		snapshot.SendQueues = append(snapshot.SendQueues, n.routes[queueName])
	}
	return snapshot
}

// publishLocked sends message on the control address. Before Start it
// does nothing; the state goes out with the initial snapshot.
func (n *Node) publishLocked(message Message) error {
	if n.producer == nil {
		return nil
	}
	data, err := Encode(message)
	if err != nil {
		return err
	}
	if err := n.producer.Send(address.BridgeControl, &broker.Message{Body: data}); err != nil {
		return fmt.Errorf("control: publishing %s: %w", message.Kind, err)
	}
	return nil
}

func (n *Node) handleNotify(delivery broker.Delivery) {
	defer func() {
		if err := delivery.Acknowledge(); err != nil {
			n.logger.Warn("acknowledging notify message failed", "error", err)
		}
	}()
	message, err := Decode(delivery.Message().Body)
	if err != nil {
		n.logger.Error("discarding malformed notify message", "error", err)
		return
	}
	if message.Kind != KindSnapshotRequest {
		return
	}
	n.logger.Info("bridge requested a snapshot", "bridge_identity", message.SnapshotRequest.BridgeIdentity)
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.publishLocked(NewSnapshot(n.snapshotLocked())); err != nil {
		n.logger.Error("answering snapshot request failed", "error", err)
	}
}
