// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/bureau-foundation/peerbridge/broker"
	"github.com/bureau-foundation/peerbridge/transport"
)

// TopicValidator decides whether an inbound topic may be delivered.
// control.Listener implements it.
type TopicValidator interface {
	ValidateReceiveTopic(topic string) bool
}

// InboundConfig configures an Inbound receiver.
type InboundConfig struct {
	// Broker is the local broker inbound messages are produced into.
	// Required.
	Broker broker.Broker

	// Validator admits topics. Required.
	Validator TopicValidator

	// LocalIdentities, when non-empty, are the only destination
	// identities accepted.
	LocalIdentities []string

	// MaxMessageSize defaults to DefaultMaxMessageSize.
	MaxMessageSize int

	// Auditor defaults to NopAuditor.
	Auditor Auditor

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Inbound produces messages received from peers into local inboxes. It
// implements transport.Receiver.
type Inbound struct {
	config  InboundConfig
	auditor Auditor
	logger  *slog.Logger

	mu         sync.Mutex
	connection broker.Connection
	producer   broker.Producer
}

var _ transport.Receiver = (*Inbound)(nil)

// NewInbound returns a stopped receiver. Until Start, every message is
// rejected.
func NewInbound(config InboundConfig) (*Inbound, error) {
	if config.Broker == nil {
		return nil, fmt.Errorf("bridge: inbound broker is required")
	}
	if config.Validator == nil {
		return nil, fmt.Errorf("bridge: inbound topic validator is required")
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	auditor := config.Auditor
	if auditor == nil {
		auditor = NopAuditor{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbound{config: config, auditor: auditor, logger: logger}, nil
}

// Start connects to the broker.
func (in *Inbound) Start() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.connection != nil {
		return nil
	}
	connection := in.config.Broker.Connect()
	if err := connection.Start(); err != nil {
		return fmt.Errorf("bridge: starting inbound broker connection: %w", err)
	}
	session, err := connection.CreateSession(broker.SessionOptions{AutoCommitAcks: true})
	if err != nil {
		connection.Stop()
		return fmt.Errorf("bridge: creating inbound session: %w", err)
	}
	producer, err := session.CreateProducer()
	if err != nil {
		connection.Stop()
		return fmt.Errorf("bridge: creating inbound producer: %w", err)
	}
	in.connection = connection
	in.producer = producer
	return nil
}

// Stop disconnects from the broker. Idempotent.
func (in *Inbound) Stop() {
	in.mu.Lock()
	connection := in.connection
	in.connection = nil
	in.producer = nil
	in.mu.Unlock()
	if connection != nil {
		if err := connection.Stop(); err != nil {
			in.logger.Warn("stopping inbound broker connection failed", "error", err)
		}
	}
}

// Receive admits a message when its topic is a validated inbox, it is
// addressed to a local identity, and it fits the size limit. The
// message is acknowledged to the peer only after the broker accepted
// it.
func (in *Inbound) Receive(_ context.Context, message *transport.InboundMessage) transport.Status {
	logger := in.logger.With("topic", message.Topic, "peer", message.SenderIdentity)
	if !in.config.Validator.ValidateReceiveTopic(message.Topic) {
		logger.Warn("rejecting message for an inbox this bridge does not serve")
		return transport.Rejected
	}
	if len(in.config.LocalIdentities) > 0 && !slices.Contains(in.config.LocalIdentities, message.DestinationIdentity) {
		logger.Warn("rejecting message addressed to another identity", "destination", message.DestinationIdentity)
		return transport.Rejected
	}
	if len(message.Payload) > in.config.MaxMessageSize {
		logger.Warn("rejecting message larger than the maximum message size",
			"size", len(message.Payload),
			"max_message_size", in.config.MaxMessageSize,
		)
		in.auditor.PacketDropped(message.Topic, len(message.Payload), "inbound message exceeds maximum size")
		return transport.Rejected
	}

	properties := forwardedProperties(message.Properties)
	if properties == nil {
		properties = make(map[string]any, 1)
	}
	properties[SenderSubjectName] = message.SenderIdentity

	in.mu.Lock()
	producer := in.producer
	in.mu.Unlock()
	if producer == nil {
		logger.Warn("rejecting message, inbound receiver is stopped")
		return transport.Rejected
	}
	if err := producer.SendToQueue(message.Topic, &broker.Message{Body: message.Payload, Properties: properties}); err != nil {
		logger.Error("producing inbound message failed", "error", err)
		return transport.Rejected
	}
	in.auditor.PacketReceived(message.Topic, message.SenderIdentity, len(message.Payload))
	return transport.Acknowledged
}
