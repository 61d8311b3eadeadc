// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import "context"

// QueueConfig describes a queue.
type QueueConfig struct {
	// Name is the queue name. Required.
	Name string

	// Address the queue is bound to. Defaults to Name (anycast).
	Address string

	// Durable queues and their messages are written to the Store and
	// survive restarts. Temporary queues are never durable.
	Durable bool

	// Temporary queues are owned by the session that created them.
	Temporary bool
}

// Store persists durable queues and their unconsumed messages.
// Implementations must be safe for concurrent use. The engine calls
// Append before a message becomes visible to consumers and Remove when
// its acknowledgment commits, so a crash between the two redelivers the
// message after restart.
type Store interface {
	// Queues lists the durable queues.
	Queues(ctx context.Context) ([]QueueConfig, error)

	// CreateQueue records a durable queue.
	CreateQueue(ctx context.Context, config QueueConfig) error

	// DeleteQueue removes a queue and its messages.
	DeleteQueue(ctx context.Context, name string) error

	// Append stores message (with its ID assigned) in queue.
	Append(ctx context.Context, queue string, message *Message) error

	// Remove deletes the messages with the given IDs from queue.
	Remove(ctx context.Context, queue string, ids []uint64) error

	// Messages returns the stored messages of queue in ID order.
	Messages(ctx context.Context, queue string) ([]*Message, error)
}
