// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

// SenderSubjectName is the message property carrying the identity of
// the node that sent a message. Outbound queues may be shared by
// several local identities, so bridges filter on it; the inbound side
// sets it from the authenticated peer.
const SenderSubjectName = "sender-subject-name"

// ForwardedHeaders are the broker properties copied onto the wire.
// Everything else stays local.
var ForwardedHeaders = []string{
	"platform-topic",
	"vendor",
	"release-version",
	"platform-version",
	"sender-uuid",
	"sender-seq-no",
	"dedup-id",
}

// forwardedProperties returns the allow-listed subset of properties,
// or nil when none are present.
func forwardedProperties(properties map[string]any) map[string]any {
	var selected map[string]any
	for _, key := range ForwardedHeaders {
		value, ok := properties[key]
		if !ok {
			continue
		}
		if selected == nil {
			selected = make(map[string]any, len(ForwardedHeaders))
		}
		selected[key] = value
	}
	return selected
}
