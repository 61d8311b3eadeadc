// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package control is the control plane between a node and its bridge.
//
// The node publishes [Message] values on [address.BridgeControl]:
// complete snapshots of the routes and inboxes it owns, and
// incremental Create and Delete messages. A [Listener] on the bridge
// side validates each message and turns it into deploy and destroy
// calls on a bridge.Manager. Both sides announce themselves on
// [address.BridgeNotify]; a bridge that hears another bridge's
// announcement terminates, since two controllers would forward every
// message twice.
//
// [Node] is the node-side publisher.
package control
