// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import "errors"

var (
	// ErrClosed is returned by operations on a closed engine,
	// connection, session, consumer, or producer.
	ErrClosed = errors.New("broker: closed")

	// ErrNotStarted is returned when a session is requested from a
	// connection that has not been started.
	ErrNotStarted = errors.New("broker: connection not started")

	// ErrQueueNotFound is returned for operations on a queue that does
	// not exist.
	ErrQueueNotFound = errors.New("broker: queue not found")

	// ErrQueueExists is returned by CreateQueue for a name in use.
	ErrQueueExists = errors.New("broker: queue already exists")

	// ErrStaleDelivery is returned when acknowledging a delivery that
	// has since been rolled back or handed to another session.
	ErrStaleDelivery = errors.New("broker: delivery no longer owned by this session")
)
