// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/bureau-foundation/peerbridge/broker"
	"github.com/bureau-foundation/peerbridge/lib/address"
)

// LoopbackConfig configures a LoopbackManager.
type LoopbackConfig struct {
	// Remote handles every route whose inbox is not local. Required.
	Remote *RemoteManager

	// Broker is the local broker. Required.
	Broker broker.Broker

	// IsLocalInbox reports whether a node on this host currently
	// owns inbox. Nil treats every existing inbox queue as local. An
	// inbox is only served by loopback while its queue also exists.
	IsLocalInbox func(inbox string) bool

	// Auditor defaults to NopAuditor.
	Auditor Auditor

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// LoopbackManager short-circuits routes whose destination inbox lives
// on the local broker and delegates the rest to a RemoteManager.
type LoopbackManager struct {
	remote       *RemoteManager
	broker       broker.Broker
	isLocalInbox func(string) bool
	auditor      Auditor
	logger       *slog.Logger

	mu         sync.Mutex
	connection broker.Connection
	query      broker.Session
	// table is keyed by queue, then by source identity.
	table map[string]map[string]*loopbackBridge
}

var (
	_ Manager       = (*LoopbackManager)(nil)
	_ InboxObserver = (*LoopbackManager)(nil)
)

// NewLoopbackManager returns a stopped manager.
func NewLoopbackManager(config LoopbackConfig) (*LoopbackManager, error) {
	if config.Remote == nil {
		return nil, fmt.Errorf("bridge: loopback manager needs a remote manager")
	}
	if config.Broker == nil {
		return nil, fmt.Errorf("bridge: loopback manager broker is required")
	}
	auditor := config.Auditor
	if auditor == nil {
		auditor = NopAuditor{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LoopbackManager{
		remote:       config.Remote,
		broker:       config.Broker,
		isLocalInbox: config.IsLocalInbox,
		auditor:      auditor,
		logger:       logger,
		table:        make(map[string]map[string]*loopbackBridge),
	}, nil
}

// Remote returns the wrapped manager.
func (l *LoopbackManager) Remote() *RemoteManager { return l.remote }

// Start starts the remote manager and opens the loopback connection.
func (l *LoopbackManager) Start() error {
	if err := l.remote.Start(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connection != nil {
		return nil
	}
	connection := l.broker.Connect()
	if err := connection.Start(); err != nil {
		return fmt.Errorf("bridge: starting loopback broker connection: %w", err)
	}
	query, err := connection.CreateSession(broker.SessionOptions{AutoCommitAcks: true})
	if err != nil {
		connection.Stop()
		return fmt.Errorf("bridge: creating loopback query session: %w", err)
	}
	l.connection = connection
	l.query = query
	return nil
}

// Stop stops every loopback bridge, then the remote manager.
// Idempotent.
func (l *LoopbackManager) Stop() {
	l.mu.Lock()
	var bridges []*loopbackBridge
	for _, bySource := range l.table {
		for _, lb := range bySource {
			bridges = append(bridges, lb)
		}
	}
	l.table = make(map[string]map[string]*loopbackBridge)
	connection := l.connection
	l.connection = nil
	l.query = nil
	l.mu.Unlock()

	for _, lb := range bridges {
		lb.stop()
		l.auditor.BridgeDestroyed(lb.route.Targets())
	}
	if connection != nil {
		if err := connection.Stop(); err != nil {
			l.logger.Warn("stopping loopback broker connection failed", "error", err)
		}
	}
	l.remote.Stop()
}

// Close is Stop.
func (l *LoopbackManager) Close() error {
	l.Stop()
	return nil
}

func (l *LoopbackManager) DeployBridge(sourceIdentity, queueName string, targets, peerIdentities []string) {
	route, err := NewRoute(queueName, targets, peerIdentities)
	if err != nil {
		l.logger.Error("refusing to deploy invalid route", "error", err)
		return
	}
	inbox := address.InboxForQueue(queueName)
	if !l.servesLocally(inbox) {
		l.remote.DeployBridge(sourceIdentity, queueName, targets, peerIdentities)
		return
	}
	l.deployLoopback(sourceIdentity, route, inbox)
}

func (l *LoopbackManager) deployLoopback(sourceIdentity string, route Route, inbox string) {
	l.mu.Lock()
	if l.connection == nil {
		l.mu.Unlock()
		l.logger.Error("deploy requested while the loopback manager is stopped", "queue", route.queueName)
		return
	}
	bySource := l.table[route.queueName]
	if bySource == nil {
		bySource = make(map[string]*loopbackBridge)
		l.table[route.queueName] = bySource
	}
	if _, exists := bySource[sourceIdentity]; exists {
		l.mu.Unlock()
		return
	}
	lb := &loopbackBridge{
		route:          route,
		sourceIdentity: sourceIdentity,
		inbox:          inbox,
		auditor:        l.auditor,
		failed:         l.reroute,
		logger: l.logger.With(
			"queue", route.queueName,
			"inbox", inbox,
			"source", sourceIdentity,
		),
	}
	bySource[sourceIdentity] = lb
	connection := l.connection
	l.mu.Unlock()

	l.logger.Info("deploying loopback bridge",
		"queue", route.queueName,
		"inbox", inbox,
		"source", sourceIdentity,
	)
	l.auditor.BridgeCreated(route.Targets(), route.PeerIdentities())
	if err := lb.start(connection); err != nil {
		lb.logger.Error("starting loopback bridge failed", "error", err)
		l.remove(route.queueName, sourceIdentity, lb)
	}
}

// DestroyBridge destroys the matching remote bridges and any loopback
// bridge of queueName whose route shares a target.
func (l *LoopbackManager) DestroyBridge(queueName string, targets []string) {
	l.remote.DestroyBridge(queueName, targets)

	l.mu.Lock()
	var removed []*loopbackBridge
	bySource := l.table[queueName]
	for source, lb := range bySource {
		if lb.route.HasAnyTarget(targets) {
			removed = append(removed, lb)
			delete(bySource, source)
		}
	}
	if len(bySource) == 0 {
		delete(l.table, queueName)
	}
	l.mu.Unlock()

	for _, lb := range removed {
		l.logger.Info("destroying loopback bridge", "queue", queueName, "source", lb.sourceIdentity)
		lb.stop()
		l.auditor.BridgeDestroyed(lb.route.Targets())
	}
}

// InboxesAdded converts the remote bridges feeding each newly local
// inbox into loopback bridges.
func (l *LoopbackManager) InboxesAdded(inboxes []string) {
	for _, inbox := range inboxes {
		queueName := address.QueueForInbox(inbox)
		routesBySource := l.remote.DestroyAllBridges(queueName)
		for _, source := range slices.Sorted(maps.Keys(routesBySource)) {
			for _, route := range routesBySource[source] {
				l.logger.Info("replacing remote bridge with loopback",
					"queue", queueName,
					"inbox", inbox,
					"source", source,
				)
				l.deployLoopback(source, route, inbox)
			}
		}
	}
}

// InboxesRemoved tears down the loopback bridges feeding inboxes that
// are no longer local and redeploys their routes through the remote
// manager.
func (l *LoopbackManager) InboxesRemoved(inboxes []string) {
	for _, inbox := range inboxes {
		queueName := address.QueueForInbox(inbox)

		l.mu.Lock()
		bySource := l.table[queueName]
		delete(l.table, queueName)
		l.mu.Unlock()

		for _, source := range slices.Sorted(maps.Keys(bySource)) {
			lb := bySource[source]
			lb.stop()
			l.auditor.BridgeDestroyed(lb.route.Targets())
			l.logger.Info("inbox no longer local, redeploying route as remote bridge",
				"queue", queueName,
				"inbox", inbox,
				"source", source,
			)
			l.remote.DeployBridge(source, queueName, lb.route.targets, lb.route.peerIdentities)
		}
	}
}

// LoopbackSources returns the source identities with a loopback bridge
// on queueName, sorted.
func (l *LoopbackManager) LoopbackSources(queueName string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Sorted(maps.Keys(l.table[queueName]))
}

// reroute replaces a loopback bridge that could not deliver into its
// inbox. Its undelivered messages are already back on the queue.
func (l *LoopbackManager) reroute(lb *loopbackBridge) {
	queueName := lb.route.queueName
	l.mu.Lock()
	current := l.table[queueName][lb.sourceIdentity]
	l.mu.Unlock()
	if current != lb {
		return
	}
	l.remove(queueName, lb.sourceIdentity, lb)
	lb.stop()
	l.auditor.BridgeDestroyed(lb.route.Targets())
	l.logger.Warn("loopback delivery failed, redeploying route",
		"queue", queueName,
		"inbox", lb.inbox,
		"source", lb.sourceIdentity,
	)
	l.DeployBridge(lb.sourceIdentity, queueName, lb.route.targets, lb.route.peerIdentities)
}

func (l *LoopbackManager) servesLocally(inbox string) bool {
	if !address.IsInbox(inbox) {
		return false
	}
	if l.isLocalInbox != nil && !l.isLocalInbox(inbox) {
		return false
	}
	l.mu.Lock()
	query := l.query
	l.mu.Unlock()
	if query == nil {
		return false
	}
	exists, err := query.QueueExists(inbox)
	if err != nil {
		l.logger.Warn("checking for local inbox failed", "inbox", inbox, "error", err)
		return false
	}
	return exists
}

func (l *LoopbackManager) remove(queueName, source string, lb *loopbackBridge) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bySource := l.table[queueName]
	if bySource[source] == lb {
		delete(bySource, source)
	}
	if len(bySource) == 0 {
		delete(l.table, queueName)
	}
}

// loopbackBridge republishes messages from a queue into a local inbox.
type loopbackBridge struct {
	route          Route
	sourceIdentity string
	inbox          string
	auditor        Auditor
	failed         func(*loopbackBridge)
	logger         *slog.Logger

	mu      sync.Mutex
	session broker.Session
	stopped bool
}

func (lb *loopbackBridge) start(connection broker.Connection) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.stopped {
		return nil
	}
	session, err := connection.CreateSession(broker.SessionOptions{AutoCommitAcks: true})
	if err != nil {
		return fmt.Errorf("bridge: creating loopback session: %w", err)
	}
	producer, err := session.CreateProducer()
	if err != nil {
		session.Close()
		return fmt.Errorf("bridge: creating loopback producer: %w", err)
	}
	var filter *broker.Filter
	if lb.sourceIdentity != "" {
		filter = broker.PropertyEquals(SenderSubjectName, lb.sourceIdentity)
	}
	consumer, err := session.CreateConsumer(lb.route.queueName, filter)
	if err != nil {
		session.Close()
		return fmt.Errorf("bridge: creating loopback consumer: %w", err)
	}
	if err := consumer.SetHandler(func(delivery broker.Delivery) { lb.republish(producer, delivery) }); err != nil {
		session.Close()
		return fmt.Errorf("bridge: registering loopback handler: %w", err)
	}
	if err := session.Start(); err != nil {
		session.Close()
		return fmt.Errorf("bridge: starting loopback session: %w", err)
	}
	lb.session = session
	return nil
}

func (lb *loopbackBridge) republish(producer broker.Producer, delivery broker.Delivery) {
	message := delivery.Message()
	size := len(message.Body)
	destination := lb.route.peerIdentities[0]
	lb.auditor.PacketAccepted(lb.route.queueName, destination, size)

	copied := &broker.Message{
		Body:       message.Body,
		Properties: maps.Clone(message.Properties),
	}
	if err := producer.SendToQueue(lb.inbox, copied); err != nil {
		lb.logger.Error("republishing into local inbox failed",
			"message_id", message.ID,
			"error", err,
		)
		lb.fail()
		return
	}
	if err := delivery.Acknowledge(); err != nil {
		lb.logger.Warn("acknowledging loopback message failed", "message_id", message.ID, "error", err)
		return
	}
	lb.auditor.PacketReceived(lb.inbox, lb.sourceIdentity, size)
}

// fail closes the session, which returns the unacknowledged delivery
// to the queue, and hands the bridge back to its manager.
func (lb *loopbackBridge) fail() {
	lb.mu.Lock()
	if lb.stopped {
		lb.mu.Unlock()
		return
	}
	if lb.session != nil {
		if err := lb.session.Close(); err != nil {
			lb.logger.Warn("closing loopback session failed", "error", err)
		}
		lb.session = nil
	}
	lb.mu.Unlock()
	if lb.failed != nil {
		lb.failed(lb)
	}
}

func (lb *loopbackBridge) stop() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.stopped {
		return
	}
	lb.stopped = true
	if lb.session != nil {
		if err := lb.session.Close(); err != nil {
			lb.logger.Warn("closing loopback session failed", "error", err)
		}
		lb.session = nil
	}
}
