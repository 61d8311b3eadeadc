// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bureau-foundation/peerbridge/lib/event"
)

var (
	// ErrNotConnected is returned by Send when the client has no live
	// connection. The message is completed with Rejected.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrIdentityMismatch is returned when a peer presents an identity
	// the route does not expect.
	ErrIdentityMismatch = errors.New("transport: unexpected peer identity")
)

// Client is an outbound peer connection.
type Client interface {
	// Start begins connecting in the background. Idempotent.
	Start()

	// Stop closes the connection, rejects every unsettled message, and
	// stops reconnecting. Idempotent.
	Stop()

	// ConnectionChanges publishes connect and disconnect events.
	ConnectionChanges() *event.Feed[ConnectionChange]

	// Send queues message for delivery. Every message passed to Send is
	// completed exactly once, including when Send returns an error.
	// Send may block while the outbound buffer is full.
	Send(message *Message) error

	// Connected reports whether a connection is currently established.
	Connected() bool
}

// ConnectionChange describes a connect or disconnect.
type ConnectionChange struct {
	Connected bool

	// Target is the address connected to or lost.
	Target string

	// PeerIdentity is the authenticated identity of the remote side.
	PeerIdentity string

	// Err is the reason for a disconnect, nil on an orderly Stop.
	Err error
}

// Status is the outcome of a send.
type Status int

const (
	// Acknowledged means the remote broker accepted the message.
	Acknowledged Status = iota + 1

	// Rejected means the message was refused or its connection was lost
	// before it was settled.
	Rejected
)

func (s Status) String() string {
	switch s {
	case Acknowledged:
		return "acknowledged"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Message is an outbound transfer.
type Message struct {
	// Payload is the opaque message body.
	Payload []byte

	// Topic is the destination address on the remote broker.
	Topic string

	// DestinationIdentity is the identity of the intended recipient.
	DestinationIdentity string

	// Properties are forwarded application headers.
	Properties map[string]any

	mu         sync.Mutex
	onComplete func(Status)
	completed  bool
}

// NewMessage builds an outbound message.
func NewMessage(payload []byte, topic, destinationIdentity string, properties map[string]any) *Message {
	return &Message{
		Payload:             payload,
		Topic:               topic,
		DestinationIdentity: destinationIdentity,
		Properties:          properties,
	}
}

// OnComplete registers the settlement callback. It must be called
// before Send.
func (m *Message) OnComplete(callback func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onComplete = callback
}

// Complete settles the message. Only the first call has any effect.
func (m *Message) Complete(status Status) {
	m.mu.Lock()
	if m.completed {
		m.mu.Unlock()
		return
	}
	m.completed = true
	callback := m.onComplete
	m.mu.Unlock()

	if callback != nil {
		callback(status)
	}
}

// Completed reports whether Complete has been called.
func (m *Message) Completed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed
}
