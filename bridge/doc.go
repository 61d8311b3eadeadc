// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge moves messages from local outbound broker queues to
// remote peers.
//
// A [Bridge] owns one route: a queue, the network targets of one peer,
// and the identities that peer may present. It subscribes to its
// transport client's connection changes; while connected it holds a
// broker session and a consumer on the queue and forwards each message
// as a transport send. A peer acknowledgment acknowledges the broker
// message. A rejection or lost connection commits the acknowledgments
// already staged in the session and then rolls the session back, so
// only the unsettled messages are redelivered.
//
// [RemoteManager] keeps the routing table of bridges, keyed by queue
// with at most one bridge per target, and the resources they share:
// the broker connection sessions are drawn from and the event loop
// group on which transport clients deliver their callbacks.
//
// [LoopbackManager] wraps a RemoteManager. When the inbox a queue
// would be delivered to is hosted by the local broker it deploys a
// loopback bridge that republishes into the inbox directly, and it
// converts remote bridges to loopback ones (and back) as inboxes are
// reported present or gone.
//
// [Inbound] is the receiving end: a transport.Receiver that admits
// messages addressed to inboxes the control listener has validated and
// produces them into the local broker.
//
// Locks are taken in a fixed order: a manager's table lock, then the
// shared session provider lock, then a bridge's own lock. The table
// lock is never held while a bridge starts or stops.
package bridge
