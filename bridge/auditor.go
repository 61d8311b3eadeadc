// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

// Auditor is notified of bridge lifecycle and traffic events. Calls are
// made synchronously from bridge goroutines and must not block or call
// back into the bridge. Implementations never influence control flow.
type Auditor interface {
	BridgeCreated(targets, peerIdentities []string)
	BridgeConnected(target, peerIdentity string)
	BridgeDisconnected(target, peerIdentity string)
	BridgeDestroyed(targets []string)

	// PacketDropped records a message discarded by policy.
	PacketDropped(queueName string, size int, reason string)

	// PacketAccepted records a message handed on for delivery to
	// destination.
	PacketAccepted(queueName, destinationIdentity string, size int)

	// PacketReceived records a message delivered into a local inbox.
	PacketReceived(inbox, sourceIdentity string, size int)
}

// NopAuditor discards every event.
type NopAuditor struct{}

func (NopAuditor) BridgeCreated([]string, []string)   {}
func (NopAuditor) BridgeConnected(string, string)     {}
func (NopAuditor) BridgeDisconnected(string, string)  {}
func (NopAuditor) BridgeDestroyed([]string)           {}
func (NopAuditor) PacketDropped(string, int, string)  {}
func (NopAuditor) PacketAccepted(string, string, int) {}
func (NopAuditor) PacketReceived(string, string, int) {}
