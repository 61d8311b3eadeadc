// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker defines the queue broker contract the bridge is
// written against, and provides [Engine], an in-process broker that
// implements it.
//
// The contract mirrors a JMS/Artemis-style client: a [Connection]
// yields [Session] values; a Session creates consumers (optionally
// filtered on a message property) and producers; deliveries are
// acknowledged individually and acknowledgments only become permanent
// when the session commits. Rolling a session back returns every
// uncommitted delivery to its queue, where it is redelivered in
// original order. Sessions created with AutoCommitAcks commit each
// acknowledgment as it happens.
//
// Addresses and queues are distinct: producers send to an address and
// the engine copies the message into every queue bound to it. A durable
// anycast queue is bound to the address of the same name; temporary
// multicast queues (used by the control protocol) bind a private queue
// to a shared address so every subscriber gets its own copy.
//
// Each consumer runs its handler on a dedicated goroutine and invokes
// it for one delivery at a time. A handler that returns before the
// delivery is settled (the bridge hands it to an asynchronous send)
// lets the next delivery through; the settlement happens later through
// [Delivery.Acknowledge] or [Session.Rollback].
//
// Durability is delegated to a [Store]. Without one the engine is
// purely in memory, which is what most tests use; the binary plugs in
// the SQLite store from package sqlitestore.
package broker
