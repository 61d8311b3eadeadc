// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"fmt"

	"github.com/bureau-foundation/peerbridge/lib/codec"
)

// Kind discriminates the body of a control Message.
type Kind string

const (
	// KindSnapshot carries a node's complete routing state.
	KindSnapshot Kind = "node_to_bridge_snapshot"

	// KindSnapshotRequest asks nodes to resend their snapshot. It is
	// published on the notify address only.
	KindSnapshotRequest Kind = "bridge_to_node_snapshot_request"

	// KindCreate adds one route.
	KindCreate Kind = "create"

	// KindDelete removes one route.
	KindDelete Kind = "delete"
)

// BridgeEntry is one outbound queue and where its messages go.
type BridgeEntry struct {
	QueueName string `cbor:"queue_name"`

	// Targets are host:port addresses of the peer, tried in order.
	Targets []string `cbor:"targets"`

	// LegalNames are the identities the peer may authenticate as.
	LegalNames []string `cbor:"legal_names"`

	// ServiceAddress marks a queue that serves a distributed service
	// rather than a single peer. Carried for the node's benefit.
	ServiceAddress bool `cbor:"service_address,omitempty"`
}

// NodeToBridgeSnapshot replaces everything the bridge knows about one
// node: the inboxes it hosts and the queues it sends from.
type NodeToBridgeSnapshot struct {
	NodeIdentity string        `cbor:"node_identity"`
	InboxQueues  []string      `cbor:"inbox_queues"`
	SendQueues   []BridgeEntry `cbor:"send_queues"`
}

// BridgeToNodeSnapshotRequest is a bridge announcing itself.
type BridgeToNodeSnapshotRequest struct {
	BridgeIdentity string `cbor:"bridge_identity"`
}

// Create asks for a bridge on BridgeInfo.QueueName.
type Create struct {
	NodeIdentity string      `cbor:"node_identity"`
	BridgeInfo   BridgeEntry `cbor:"bridge_info"`
}

// Delete asks for the bridges of BridgeInfo.QueueName that target any
// of BridgeInfo.Targets to be destroyed.
type Delete struct {
	NodeIdentity string      `cbor:"node_identity"`
	BridgeInfo   BridgeEntry `cbor:"bridge_info"`
}

// Message is the control protocol envelope. Exactly the body named by
// Kind is set.
type Message struct {
	Kind            Kind                         `cbor:"kind"`
	Snapshot        *NodeToBridgeSnapshot        `cbor:"snapshot,omitempty"`
	SnapshotRequest *BridgeToNodeSnapshotRequest `cbor:"snapshot_request,omitempty"`
	Create          *Create                      `cbor:"create,omitempty"`
	Delete          *Delete                      `cbor:"delete,omitempty"`
}

// Validate checks that the body named by Kind is present and no other
// body is.
func (m *Message) Validate() error {
	bodies := 0
	for _, present := range []bool{m.Snapshot != nil, m.SnapshotRequest != nil, m.Create != nil, m.Delete != nil} {
		if present {
			bodies++
		}
	}
	if bodies != 1 {
		return fmt.Errorf("control: %s message has %d bodies, want 1", m.Kind, bodies)
	}
	var ok bool
	switch m.Kind {
	case KindSnapshot:
		ok = m.Snapshot != nil
	case KindSnapshotRequest:
		ok = m.SnapshotRequest != nil
	case KindCreate:
		ok = m.Create != nil
	case KindDelete:
		ok = m.Delete != nil
	default:
		return fmt.Errorf("control: unknown message kind %q", m.Kind)
	}
	if !ok {
		return fmt.Errorf("control: %s message carries the wrong body", m.Kind)
	}
	return nil
}

// Encode validates and serializes a message.
func Encode(message Message) ([]byte, error) {
	if err := message.Validate(); err != nil {
		return nil, err
	}
	data, err := codec.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("control: encoding %s: %w", message.Kind, err)
	}
	return data, nil
}

// Decode parses and validates a message.
func Decode(data []byte) (Message, error) {
	var message Message
	if err := codec.Unmarshal(data, &message); err != nil {
		return Message{}, fmt.Errorf("control: decoding message: %w", err)
	}
	if err := message.Validate(); err != nil {
		return Message{}, err
	}
	return message, nil
}

// NewSnapshot wraps a snapshot in a Message.
func NewSnapshot(snapshot NodeToBridgeSnapshot) Message {
	return Message{Kind: KindSnapshot, Snapshot: &snapshot}
}

// NewSnapshotRequest wraps a snapshot request in a Message.
func NewSnapshotRequest(bridgeIdentity string) Message {
	return Message{Kind: KindSnapshotRequest, SnapshotRequest: &BridgeToNodeSnapshotRequest{BridgeIdentity: bridgeIdentity}}
}

// NewCreate wraps a Create in a Message.
func NewCreate(nodeIdentity string, entry BridgeEntry) Message {
	return Message{Kind: KindCreate, Create: &Create{NodeIdentity: nodeIdentity, BridgeInfo: entry}}
}

// NewDelete wraps a Delete in a Message.
func NewDelete(nodeIdentity string, entry BridgeEntry) Message {
	return Message{Kind: KindDelete, Delete: &Delete{NodeIdentity: nodeIdentity, BridgeInfo: entry}}
}
