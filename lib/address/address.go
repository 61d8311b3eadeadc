// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package address defines the broker address and queue naming scheme
// shared by the node, the bridge, and the inbound peer server.
//
// Outbound traffic for a peer is queued locally on
// "internal.peers.<keyhash>". The same peer receives on its own broker
// at "p2p.inbound.<keyhash>". A bridge therefore translates the queue
// it consumes into the inbox it delivers to by swapping the prefix,
// and a loopback bridge uses the same translation to find a co-located
// inbox. The key hash is a BLAKE3 keyed hash of the peer's public key,
// so every component derives identical names without coordination.
package address

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	// InternalPrefix marks addresses reserved for the node and bridge.
	InternalPrefix = "internal."

	// PeersPrefix is the prefix of outbound queues that bridges consume.
	PeersPrefix = InternalPrefix + "peers."

	// P2PPrefix is the prefix of inbox queues that receive peer traffic.
	P2PPrefix = "p2p.inbound."

	// BridgeControl is the multicast address on which the node sends
	// control messages to the bridge.
	BridgeControl = InternalPrefix + "bridge.control"

	// BridgeNotify is the multicast address on which bridges and nodes
	// announce themselves and request snapshots.
	BridgeNotify = InternalPrefix + "bridge.notify"
)

// keyHashDomain separates key hashes from any other BLAKE3 use in the
// module. Changing it renames every queue.
var keyHashDomain = [32]byte{
	'p', 'e', 'e', 'r', 'b', 'r', 'i', 'd', 'g', 'e', '.', 'a', 'd', 'd', 'r', 'e',
	's', 's', '.', 'k', 'e', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// KeyHash returns the hex-encoded, 16-byte BLAKE3 keyed hash of a
// peer's public key. It is the suffix of that peer's queue and inbox
// names.
func KeyHash(publicKey []byte) string {
	hasher, err := blake3.NewKeyed(keyHashDomain[:])
	if err != nil {
		// NewKeyed only fails on a key that is not 32 bytes.
		panic("address: " + err.Error())
	}
	hasher.Write(publicKey)
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// PeerQueue returns the outbound queue name for a peer's public key.
func PeerQueue(publicKey []byte) string {
	return PeersPrefix + KeyHash(publicKey)
}

// Inbox returns the inbox queue name for a node's public key.
func Inbox(publicKey []byte) string {
	return P2PPrefix + KeyHash(publicKey)
}

// IsPeerQueue reports whether name is an outbound peer queue.
func IsPeerQueue(name string) bool {
	return strings.HasPrefix(name, PeersPrefix) && len(name) > len(PeersPrefix)
}

// IsInbox reports whether name is an inbox queue.
func IsInbox(name string) bool {
	return strings.HasPrefix(name, P2PPrefix) && len(name) > len(P2PPrefix)
}

// InboxForQueue translates an outbound peer queue to the inbox address
// of the same peer. Names without the peers prefix are returned
// unchanged.
func InboxForQueue(queueName string) string {
	if !strings.HasPrefix(queueName, PeersPrefix) {
		return queueName
	}
	return P2PPrefix + strings.TrimPrefix(queueName, PeersPrefix)
}

// QueueForInbox is the inverse of InboxForQueue.
func QueueForInbox(inbox string) string {
	if !strings.HasPrefix(inbox, P2PPrefix) {
		return inbox
	}
	return PeersPrefix + strings.TrimPrefix(inbox, P2PPrefix)
}
