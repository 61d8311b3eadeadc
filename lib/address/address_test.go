// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package address

import (
	"strings"
	"testing"
)

func TestKeyHashStableAndDistinct(t *testing.T) {
	first := KeyHash([]byte("public-key-a"))
	if first != KeyHash([]byte("public-key-a")) {
		t.Fatal("KeyHash is not deterministic")
	}
	if first == KeyHash([]byte("public-key-b")) {
		t.Fatal("different keys produced the same hash")
	}
	if len(first) != 32 {
		t.Errorf("hash length = %d, want 32 hex characters", len(first))
	}
}

func TestQueueInboxTranslationRoundTrips(t *testing.T) {
	key := []byte("node-key")
	queue := PeerQueue(key)
	inbox := Inbox(key)

	if !IsPeerQueue(queue) || IsInbox(queue) {
		t.Errorf("%q classified incorrectly", queue)
	}
	if !IsInbox(inbox) || IsPeerQueue(inbox) {
		t.Errorf("%q classified incorrectly", inbox)
	}
	if got := InboxForQueue(queue); got != inbox {
		t.Errorf("InboxForQueue(%q) = %q, want %q", queue, got, inbox)
	}
	if got := QueueForInbox(inbox); got != queue {
		t.Errorf("QueueForInbox(%q) = %q, want %q", inbox, got, queue)
	}
}

func TestTranslationLeavesForeignNamesAlone(t *testing.T) {
	for _, name := range []string{"other.queue", BridgeControl, ""} {
		if got := InboxForQueue(name); got != name {
			t.Errorf("InboxForQueue(%q) = %q", name, got)
		}
		if got := QueueForInbox(name); got != name {
			t.Errorf("QueueForInbox(%q) = %q", name, got)
		}
	}
}

func TestBarePrefixIsNotAQueue(t *testing.T) {
	if IsPeerQueue(PeersPrefix) {
		t.Error("bare peers prefix accepted as a queue name")
	}
	if IsInbox(P2PPrefix) {
		t.Error("bare inbox prefix accepted as an inbox name")
	}
	if !strings.HasPrefix(BridgeNotify, InternalPrefix) {
		t.Error("notify address must be internal")
	}
}
