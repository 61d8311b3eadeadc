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

	"github.com/bureau-foundation/peerbridge/bridge"
	"github.com/bureau-foundation/peerbridge/broker"
	"github.com/bureau-foundation/peerbridge/lib/address"
	"github.com/bureau-foundation/peerbridge/lib/event"
	"github.com/bureau-foundation/peerbridge/lib/process"
)

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// Manager receives deploy and destroy calls. When it also
	// implements bridge.InboxObserver it is told about inbox changes.
	// Required.
	Manager bridge.Manager

	// Broker carries the control traffic. Required.
	Broker broker.Broker

	// Identity is announced on the notify address. Defaults to a
	// random UUID.
	Identity string

	// Terminate is called when another bridge controller is detected.
	// Defaults to process.Fatal.
	Terminate func(error)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Listener applies control messages from nodes to a bridge.Manager and
// tracks which inboxes this bridge serves.
type Listener struct {
	manager   bridge.Manager
	observer  bridge.InboxObserver
	broker    broker.Broker
	identity  string
	terminate func(error)
	logger    *slog.Logger

	activeChanges event.Feed[bool]

	mu         sync.Mutex
	connection broker.Connection
	session    broker.Session
	consumers  []broker.Consumer
	temporary  []string
	// inboxes holds the latest inbox set of each node; valid is their
	// union.
	inboxes map[string]map[string]struct{}
	valid   map[string]struct{}
}

var _ bridge.TopicValidator = (*Listener)(nil)

// NewListener returns a stopped listener.
func NewListener(config ListenerConfig) (*Listener, error) {
	if config.Manager == nil {
		return nil, fmt.Errorf("control: listener manager is required")
	}
	if config.Broker == nil {
		return nil, fmt.Errorf("control: listener broker is required")
	}
	identity := config.Identity
	if identity == "" {
		identity = uuid.NewString()
	}
	terminate := config.Terminate
	if terminate == nil {
		terminate = process.Fatal
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer, _ := config.Manager.(bridge.InboxObserver)
	return &Listener{
		manager:   config.Manager,
		observer:  observer,
		broker:    config.Broker,
		identity:  identity,
		terminate: terminate,
		logger:    logger.With("bridge_identity", identity),
		inboxes:   make(map[string]map[string]struct{}),
		valid:     make(map[string]struct{}),
	}, nil
}

// Identity returns the identity announced on the notify address.
func (l *Listener) Identity() string { return l.identity }

// Active reports whether any node has registered an inbox.
func (l *Listener) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.valid) > 0
}

// ActiveChanges publishes every transition of Active. Values are
// delivered on the control consumer goroutine, or on the goroutine
// calling Stop.
func (l *Listener) ActiveChanges() *event.Feed[bool] { return &l.activeChanges }

// ValidInboundQueues returns the inboxes this bridge currently
// serves, sorted.
func (l *Listener) ValidInboundQueues() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Sorted(maps.Keys(l.valid))
}

// ValidateReceiveTopic reports whether inbound traffic for topic may be
// delivered.
func (l *Listener) ValidateReceiveTopic(topic string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.valid[topic]
	return ok
}

// Start restarts the listener: it starts the manager, subscribes to
// the control and notify addresses, and asks nodes for snapshots.
func (l *Listener) Start() error {
	l.Stop()
	if err := l.manager.Start(); err != nil {
		return fmt.Errorf("control: starting bridge manager: %w", err)
	}

	connection := l.broker.Connect()
	if err := connection.Start(); err != nil {
		return fmt.Errorf("control: starting broker connection: %w", err)
	}
	session, consumers, temporary, err := l.subscribe(connection)
	if err != nil {
		connection.Stop()
		return err
	}

	l.mu.Lock()
	l.connection = connection
	l.session = session
	l.consumers = consumers
	l.temporary = temporary
	l.mu.Unlock()

	if err := session.Start(); err != nil {
		return fmt.Errorf("control: starting control session: %w", err)
	}
	producer, err := session.CreateProducer()
	if err != nil {
		return fmt.Errorf("control: creating producer: %w", err)
	}
	defer producer.Close()
	data, err := Encode(NewSnapshotRequest(l.identity))
	if err != nil {
		return err
	}
	if err := producer.Send(address.BridgeNotify, &broker.Message{Body: data}); err != nil {
		return fmt.Errorf("control: requesting snapshots: %w", err)
	}
	l.logger.Info("bridge control listener started")
	return nil
}

func (l *Listener) subscribe(connection broker.Connection) (broker.Session, []broker.Consumer, []string, error) {
	session, err := connection.CreateSession(broker.SessionOptions{AutoCommitAcks: true})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("control: creating session: %w", err)
	}
	subscriptions := []struct {
		address string
		handle  func(Message)
	}{
		{address.BridgeControl, l.handleControl},
		{address.BridgeNotify, l.handleNotify},
	}
	var consumers []broker.Consumer
	var temporary []string
	for _, subscription := range subscriptions {
		queueName := subscription.address + "." + l.identity
		if err := session.CreateTemporaryQueue(subscription.address, queueName); err != nil {
			return nil, nil, nil, fmt.Errorf("control: creating queue %s: %w", queueName, err)
		}
		temporary = append(temporary, queueName)
		consumer, err := session.CreateConsumer(queueName, nil)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("control: consuming %s: %w", queueName, err)
		}
		handle := subscription.handle
		if err := consumer.SetHandler(func(delivery broker.Delivery) { l.dispatch(delivery, handle) }); err != nil {
			return nil, nil, nil, fmt.Errorf("control: registering handler on %s: %w", queueName, err)
		}
		consumers = append(consumers, consumer)
	}
	return session, consumers, temporary, nil
}

// Stop clears the inbox set, unsubscribes, and stops the manager.
// Idempotent.
func (l *Listener) Stop() {
	l.mu.Lock()
	wasActive := len(l.valid) > 0
	clear(l.valid)
	clear(l.inboxes)
	connection := l.connection
	session := l.session
	consumers := l.consumers
	temporary := l.temporary
	l.connection = nil
	l.session = nil
	l.consumers = nil
	l.temporary = nil
	l.mu.Unlock()

	if wasActive {
		l.activeChanges.Publish(false)
	}
	for _, consumer := range consumers {
		consumer.Close()
	}
	if session != nil {
		for _, queueName := range temporary {
			if err := session.DeleteQueue(queueName); err != nil {
				l.logger.Warn("deleting control queue failed", "queue", queueName, "error", err)
			}
		}
	}
	if connection != nil {
		if err := connection.Stop(); err != nil {
			l.logger.Warn("stopping control broker connection failed", "error", err)
		}
		l.logger.Info("bridge control listener stopped")
	}
	l.manager.Stop()
}

// dispatch decodes and handles one delivery. Every delivery is
// acknowledged, including malformed ones.
func (l *Listener) dispatch(delivery broker.Delivery, handle func(Message)) {
	message, err := Decode(delivery.Message().Body)
	if err != nil {
		l.logger.Error("discarding malformed control message", "error", err)
	} else {
		handle(message)
	}
	if err := delivery.Acknowledge(); err != nil {
		l.logger.Warn("acknowledging control message failed", "error", err)
	}
}

func (l *Listener) handleControl(message Message) {
	switch message.Kind {
	case KindSnapshot:
		l.applySnapshot(message.Snapshot)
	case KindCreate:
		l.create(message.Create)
	case KindDelete:
		l.delete(message.Delete)
	case KindSnapshotRequest:
		l.logger.Error("snapshot request received on the control address",
			"requester", message.SnapshotRequest.BridgeIdentity,
		)
	}
}

func (l *Listener) handleNotify(message Message) {
	if message.Kind != KindSnapshotRequest {
		l.logger.Warn("ignoring unexpected message on the notify address", "kind", message.Kind)
		return
	}
	other := message.SnapshotRequest.BridgeIdentity
	if other == l.identity {
		return
	}
	l.logger.Error("another bridge controller is active", "other_bridge_identity", other)
	l.terminate(fmt.Errorf("control: another bridge controller %s is active alongside %s", other, l.identity))
}

func (l *Listener) applySnapshot(snapshot *NodeToBridgeSnapshot) {
	logger := l.logger.With("node", snapshot.NodeIdentity)
	for _, inbox := range snapshot.InboxQueues {
		if !address.IsInbox(inbox) || !l.queueExists(inbox) {
			logger.Error("discarding snapshot with an invalid inbox", "inbox", inbox)
			return
		}
	}
	for _, entry := range snapshot.SendQueues {
		if !address.IsPeerQueue(entry.QueueName) || !l.queueExists(entry.QueueName) {
			logger.Error("discarding snapshot with an invalid send queue", "queue", entry.QueueName)
			return
		}
	}

	for _, entry := range snapshot.SendQueues {
		l.manager.DeployBridge(snapshot.NodeIdentity, entry.QueueName, entry.Targets, entry.LegalNames)
	}

	next := make(map[string]struct{}, len(snapshot.InboxQueues))
	for _, inbox := range snapshot.InboxQueues {
		next[inbox] = struct{}{}
	}
	l.mu.Lock()
	if l.session == nil {
		l.mu.Unlock()
		return
	}
	wasActive := len(l.valid) > 0
	previous := l.valid
	l.inboxes[snapshot.NodeIdentity] = next
	l.valid = make(map[string]struct{}, len(previous))
	for _, inboxes := range l.inboxes {
		maps.Copy(l.valid, inboxes)
	}
	var added, removed []string
	for inbox := range previous {
		if _, ok := l.valid[inbox]; !ok {
			removed = append(removed, inbox)
		}
	}
	for inbox := range l.valid {
		if _, ok := previous[inbox]; !ok {
			added = append(added, inbox)
		}
	}
	active := len(l.valid) > 0
	l.mu.Unlock()

	slices.Sort(added)
	slices.Sort(removed)
	logger.Info("applied node snapshot",
		"inboxes", len(snapshot.InboxQueues),
		"send_queues", len(snapshot.SendQueues),
		"removed_inboxes", len(removed),
	)
	if l.observer != nil {
		if len(removed) > 0 {
			l.observer.InboxesRemoved(removed)
		}
		if len(added) > 0 {
			l.observer.InboxesAdded(added)
		}
	}
	if active != wasActive {
		l.activeChanges.Publish(active)
	}
}

func (l *Listener) create(create *Create) {
	entry := create.BridgeInfo
	if !address.IsPeerQueue(entry.QueueName) || !l.queueExists(entry.QueueName) {
		l.logger.Error("discarding create for an invalid queue", "queue", entry.QueueName, "node", create.NodeIdentity)
		return
	}
	l.manager.DeployBridge(create.NodeIdentity, entry.QueueName, entry.Targets, entry.LegalNames)
}

// delete does not require the queue to exist; it may already have
// been removed.
func (l *Listener) delete(del *Delete) {
	entry := del.BridgeInfo
	if !address.IsPeerQueue(entry.QueueName) {
		l.logger.Error("discarding delete for an invalid queue", "queue", entry.QueueName, "node", del.NodeIdentity)
		return
	}
	l.manager.DestroyBridge(entry.QueueName, entry.Targets)
}

func (l *Listener) queueExists(name string) bool {
	l.mu.Lock()
	session := l.session
	l.mu.Unlock()
	if session == nil {
		return false
	}
	exists, err := session.QueueExists(name)
	if err != nil {
		l.logger.Warn("checking queue existence failed", "queue", name, "error", err)
		return false
	}
	return exists
}
