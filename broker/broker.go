// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

// Broker hands out client connections. [Engine] implements it; the
// bridge manager and control listener each connect on Start and
// disconnect on Stop.
type Broker interface {
	Connect() Connection
}

// Connection is a client connection from which sessions are created.
type Connection interface {
	// Start makes the connection usable. Sessions cannot be created
	// before Start.
	Start() error

	// Stop closes every session created from the connection. A
	// stopped connection cannot be restarted. Idempotent.
	Stop() error

	// CreateSession opens a new session.
	CreateSession(options SessionOptions) (Session, error)
}

// SessionOptions configures a session.
type SessionOptions struct {
	// AutoCommitAcks commits every acknowledgment immediately. When
	// false, acknowledgments are staged until Commit.
	AutoCommitAcks bool
}

// Session is a single-threaded unit of work against the broker. The
// methods are safe to call concurrently, but acknowledgment, commit,
// and rollback of one session should be serialized by the caller when
// their relative order matters.
type Session interface {
	// CreateConsumer opens a consumer on queueName. A nil filter
	// receives every message.
	CreateConsumer(queueName string, filter *Filter) (Consumer, error)

	// CreateProducer opens a producer. Sends are committed
	// immediately.
	CreateProducer() (Producer, error)

	// Commit makes every acknowledgment staged in this session
	// permanent.
	Commit() error

	// Rollback returns every uncommitted delivery of this session to
	// its queue for redelivery.
	Rollback() error

	// QueueExists reports whether a queue with the given name exists.
	QueueExists(name string) (bool, error)

	// CreateTemporaryQueue binds a new non-durable queue name to
	// address. The queue is deleted when the session closes.
	CreateTemporaryQueue(address, name string) error

	// DeleteQueue removes a queue and any messages in it.
	DeleteQueue(name string) error

	// Start begins delivery to this session's consumers.
	Start() error

	// Close closes all consumers and producers and rolls back any
	// uncommitted deliveries. Idempotent.
	Close() error

	// Closed reports whether Close has been called.
	Closed() bool
}

// Consumer receives deliveries from one queue.
type Consumer interface {
	// SetHandler installs the delivery handler and starts delivery
	// once the session is started. It may be called once.
	SetHandler(handler Handler) error

	// Close stops delivery. A handler invocation already in progress
	// runs to completion. Idempotent.
	Close() error

	// Closed reports whether Close has been called.
	Closed() bool
}

// Producer sends messages to addresses.
type Producer interface {
	// Send copies message into every queue bound to address. A
	// message sent to an address with no bound queue is discarded.
	Send(address string, message *Message) error

	// SendToQueue copies message into the named queue. Returns an
	// error wrapping ErrQueueNotFound if the queue does not exist.
	SendToQueue(queueName string, message *Message) error

	// Close releases the producer. Idempotent.
	Close() error
}

// Handler is called on the consumer's goroutine for each delivery.
type Handler func(delivery Delivery)

// Delivery is one message handed to a consumer.
type Delivery interface {
	// Message returns the delivered message. Callers must not modify
	// it.
	Message() *Message

	// Acknowledge marks the delivery as consumed. Unless the session
	// auto-commits acknowledgments, the acknowledgment is permanent
	// only after Session.Commit.
	Acknowledge() error
}
