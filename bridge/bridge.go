// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"log/slog"
	"sync"

	"github.com/bureau-foundation/peerbridge/broker"
	"github.com/bureau-foundation/peerbridge/lib/address"
	"github.com/bureau-foundation/peerbridge/transport"
)

// sessionProvider hands out sessions on the manager's broker
// connection. Its lock is taken before any bridge lock.
type sessionProvider struct {
	mu         sync.Mutex
	connection broker.Connection
}

// Bridge forwards one route over one transport client. Bridges are
// created by RemoteManager.DeployBridge.
type Bridge struct {
	route          Route
	sourceIdentity string
	client         transport.Client
	provider       *sessionProvider
	maxMessageSize int
	ackBatchSize   int
	auditor        Auditor
	logger         *slog.Logger

	mu          sync.Mutex
	session     broker.Session
	consumer    broker.Consumer
	staged      int
	unsubscribe func()
	started     bool
	stopped     bool
}

// Route returns the bridge's route.
func (b *Bridge) Route() Route { return b.route }

// SourceIdentity returns the sender identity the bridge's consumer is
// filtered on, empty if unfiltered.
func (b *Bridge) SourceIdentity() string { return b.sourceIdentity }

// Connected reports whether the bridge currently holds a consumer.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumer != nil
}

func (b *Bridge) start() {
	b.mu.Lock()
	if b.started || b.stopped {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.unsubscribe = b.client.ConnectionChanges().Subscribe(b.onConnectionChange)
	b.mu.Unlock()

	b.client.Start()
}

func (b *Bridge) stop() {
	b.provider.mu.Lock()
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.provider.mu.Unlock()
		return
	}
	b.stopped = true
	b.teardownLocked()
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	b.mu.Unlock()
	b.provider.mu.Unlock()

	b.client.Stop()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// onConnectionChange runs on the client's event loop.
func (b *Bridge) onConnectionChange(change transport.ConnectionChange) {
	if change.Connected {
		b.connected(change)
	} else {
		b.disconnected(change)
	}
}

func (b *Bridge) connected(change transport.ConnectionChange) {
	b.provider.mu.Lock()
	defer b.provider.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.auditor.BridgeConnected(change.Target, change.PeerIdentity)
	b.logger.Info("bridge connected", "target", change.Target, "peer", change.PeerIdentity)

	// A connect without an intervening disconnect replaces the old
	// session.
	b.teardownLocked()

	if b.provider.connection == nil {
		b.logger.Error("bridge connected but the broker connection is not available")
		return
	}
	session, err := b.provider.connection.CreateSession(broker.SessionOptions{})
	if err != nil {
		b.logger.Error("creating bridge session failed", "error", err)
		return
	}
	var filter *broker.Filter
	if b.sourceIdentity != "" {
		filter = broker.PropertyEquals(SenderSubjectName, b.sourceIdentity)
	}
	consumer, err := session.CreateConsumer(b.route.queueName, filter)
	if err != nil {
		b.logger.Error("creating bridge consumer failed", "error", err)
		session.Close()
		return
	}
	if err := consumer.SetHandler(func(delivery broker.Delivery) { b.forward(session, delivery) }); err != nil {
		b.logger.Error("registering bridge handler failed", "error", err)
		session.Close()
		return
	}
	if err := session.Start(); err != nil {
		b.logger.Error("starting bridge session failed", "error", err)
		session.Close()
		return
	}
	b.session = session
	b.consumer = consumer
	b.staged = 0
}

func (b *Bridge) disconnected(change transport.ConnectionChange) {
	b.provider.mu.Lock()
	defer b.provider.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.auditor.BridgeDisconnected(change.Target, change.PeerIdentity)
	if change.Err != nil {
		b.logger.Warn("bridge disconnected", "target", change.Target, "peer", change.PeerIdentity, "error", change.Err)
	} else {
		b.logger.Info("bridge disconnected", "target", change.Target, "peer", change.PeerIdentity)
	}
	b.teardownLocked()
}

// teardownLocked closes the consumer and session. Acknowledgments
// already staged were confirmed by the peer and are committed first;
// closing the session returns everything else to the queue.
func (b *Bridge) teardownLocked() {
	if b.consumer != nil {
		if err := b.consumer.Close(); err != nil {
			b.logger.Warn("closing bridge consumer failed", "error", err)
		}
		b.consumer = nil
	}
	if b.session != nil {
		if b.staged > 0 {
			if err := b.session.Commit(); err != nil {
				b.logger.Warn("committing staged acknowledgments failed", "error", err)
			}
		}
		if err := b.session.Close(); err != nil {
			b.logger.Warn("closing bridge session failed", "error", err)
		}
		b.session = nil
	}
	b.staged = 0
}

// forward runs on the consumer's goroutine, one delivery at a time.
func (b *Bridge) forward(session broker.Session, delivery broker.Delivery) {
	message := delivery.Message()
	size := len(message.Body)
	if size > b.maxMessageSize {
		b.logger.Warn("dropping message larger than the maximum message size",
			"message_id", message.ID,
			"size", size,
			"max_message_size", b.maxMessageSize,
		)
		b.auditor.PacketDropped(b.route.queueName, size, "message exceeds maximum size")
		b.dropOversize(session, delivery)
		return
	}

	destination := b.route.peerIdentities[0]
	outbound := transport.NewMessage(
		message.Body,
		address.InboxForQueue(b.route.queueName),
		destination,
		forwardedProperties(message.Properties),
	)
	outbound.OnComplete(func(status transport.Status) {
		b.complete(session, delivery, status)
	})
	b.auditor.PacketAccepted(b.route.queueName, destination, size)
	if err := b.client.Send(outbound); err != nil {
		// The message is completed with Rejected, which rolls it back.
		b.logger.Debug("send failed", "message_id", message.ID, "error", err)
	}
}

func (b *Bridge) dropOversize(session broker.Session, delivery broker.Delivery) {
	b.provider.mu.Lock()
	defer b.provider.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != session {
		return
	}
	if err := delivery.Acknowledge(); err != nil {
		b.logger.Warn("acknowledging dropped message failed", "error", err)
		return
	}
	if err := session.Commit(); err != nil {
		b.logger.Warn("committing dropped message failed", "error", err)
	}
	b.staged = 0
}

// complete settles a forwarded delivery. It runs on the client's event
// loop.
func (b *Bridge) complete(session broker.Session, delivery broker.Delivery, status transport.Status) {
	b.provider.mu.Lock()
	defer b.provider.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session != session || session.Closed() {
		// The session this delivery belonged to is gone; the broker
		// has already returned the message to the queue.
		b.logger.Debug("ignoring completion for a replaced session",
			"message_id", delivery.Message().ID,
			"status", status.String(),
		)
		return
	}

	if status == transport.Acknowledged {
		if err := delivery.Acknowledge(); err != nil {
			b.logger.Warn("acknowledging forwarded message failed",
				"message_id", delivery.Message().ID,
				"error", err,
			)
			return
		}
		b.staged++
		if b.staged >= b.ackBatchSize {
			if err := session.Commit(); err != nil {
				b.logger.Warn("committing acknowledgments failed", "error", err)
			}
			b.staged = 0
		}
		return
	}

	b.logger.Info("peer did not accept message, rolling back",
		"message_id", delivery.Message().ID,
		"status", status.String(),
	)
	if err := session.Commit(); err != nil {
		b.logger.Warn("committing before rollback failed", "error", err)
	}
	b.staged = 0
	if err := session.Rollback(); err != nil {
		b.logger.Warn("rollback failed", "error", err)
	}
}
