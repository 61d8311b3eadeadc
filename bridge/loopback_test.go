// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/peerbridge/broker"
	"github.com/bureau-foundation/peerbridge/lib/testutil"
)

func newLoopback(t *testing.T, h *harness) *LoopbackManager {
	t.Helper()
	return newLoopbackWith(t, h, nil)
}

func newLoopbackWith(t *testing.T, h *harness, isLocalInbox func(string) bool) *LoopbackManager {
	t.Helper()
	loopback, err := NewLoopbackManager(LoopbackConfig{
		Remote:       h.manager,
		Broker:       h.engine,
		IsLocalInbox: isLocalInbox,
		Auditor:      h.auditor,
		Logger:       discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewLoopbackManager: %v", err)
	}
	if err := loopback.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(loopback.Stop)
	return loopback
}

// localInboxes stands in for the control listener's inbox set.
type localInboxes struct {
	mu      sync.Mutex
	inboxes map[string]bool
}

func (l *localInboxes) set(inbox string, local bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inboxes == nil {
		l.inboxes = make(map[string]bool)
	}
	l.inboxes[inbox] = local
}

func (l *localInboxes) contains(inbox string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inboxes[inbox]
}

func createInbox(t *testing.T, h *harness) {
	t.Helper()
	if err := h.engine.CreateQueue(broker.QueueConfig{Name: bobInbox}); err != nil {
		t.Fatalf("CreateQueue(%s): %v", bobInbox, err)
	}
}

func TestLoopbackDeliversToLocalInbox(t *testing.T) {
	h := newHarness(t, nil)
	createInbox(t, h)
	loopback := newLoopback(t, h)

	loopback.DeployBridge("", bobQueue, []string{"bob.example:10005"}, []string{"O=Bob"})
	if got := loopback.LoopbackSources(bobQueue); !slices.Equal(got, []string{""}) {
		t.Fatalf("loopback sources = %v", got)
	}
	if got := len(h.clients.all()); got != 0 {
		t.Fatalf("transport clients created for a local inbox: %d", got)
	}

	inbox := h.drain(t, bobInbox)
	h.produce(t, bobQueue, "hello", map[string]any{"platform-topic": "chat"})

	message := testutil.RequireReceive(t, inbox, testTimeout, "loopback delivery")
	if string(message.Body) != "hello" || message.Properties["platform-topic"] != "chat" {
		t.Errorf("delivered %q %v", message.Body, message.Properties)
	}
	testutil.RequireReceive(t, h.auditor.received, testTimeout, "received audit")
	testutil.Eventually(t, testTimeout, func() bool { return h.engine.Depth(bobQueue) == 0 },
		"loopback did not acknowledge the source message")
	if got := h.auditor.count("accepted"); got != 1 {
		t.Errorf("accepted events = %d, want 1", got)
	}
}

func TestLoopbackFiltersOnSource(t *testing.T) {
	h := newHarness(t, nil)
	createInbox(t, h)
	loopback := newLoopback(t, h)
	loopback.DeployBridge("O=Alice", bobQueue, []string{"bob.example:10005"}, []string{"O=Bob"})

	inbox := h.drain(t, bobInbox)
	h.produce(t, bobQueue, "from carol", map[string]any{SenderSubjectName: "O=Carol"})
	h.produce(t, bobQueue, "from alice", map[string]any{SenderSubjectName: "O=Alice"})

	message := testutil.RequireReceive(t, inbox, testTimeout, "alice's message")
	if string(message.Body) != "from alice" {
		t.Errorf("delivered %q, want alice's message", message.Body)
	}
	testutil.RequireNoReceive(t, inbox, 50*time.Millisecond, "carol's message was delivered")
	if got := h.engine.Depth(bobQueue); got != 1 {
		t.Errorf("queue depth = %d, want carol's message left behind", got)
	}
}

func TestLoopbackDelegatesRemoteInbox(t *testing.T) {
	h := newHarness(t, nil)
	loopback := newLoopback(t, h)

	loopback.DeployBridge("", bobQueue, []string{"bob.example:10005"}, []string{"O=Bob"})
	if len(h.manager.Bridges(bobQueue)) != 1 {
		t.Fatal("route was not delegated to the remote manager")
	}
	if got := loopback.LoopbackSources(bobQueue); len(got) != 0 {
		t.Errorf("loopback sources = %v, want none", got)
	}
}

func TestInboxesAddedConvertsRemoteBridges(t *testing.T) {
	h := newHarness(t, nil)
	loopback := newLoopback(t, h)
	loopback.DeployBridge("O=Alice", bobQueue, []string{"a:1"}, []string{"O=Bob"})
	loopback.DeployBridge("O=Carol", bobQueue, []string{"b:1"}, []string{"O=Bob"})
	remoteClients := h.clients.all()

	createInbox(t, h)
	loopback.InboxesAdded([]string{bobInbox})

	if len(h.manager.Bridges(bobQueue)) != 0 {
		t.Error("remote bridges remain after the inbox became local")
	}
	for i, client := range remoteClients {
		if client.stopCount() != 1 {
			t.Errorf("client %d stopped %d times, want 1", i, client.stopCount())
		}
	}
	if got := loopback.LoopbackSources(bobQueue); !slices.Equal(got, []string{"O=Alice", "O=Carol"}) {
		t.Errorf("loopback sources = %v", got)
	}
}

func TestInboxesRemovedRevertsToRemote(t *testing.T) {
	h := newHarness(t, nil)
	createInbox(t, h)
	local := &localInboxes{}
	local.set(bobInbox, true)
	loopback := newLoopbackWith(t, h, local.contains)
	loopback.DeployBridge("O=Alice", bobQueue, []string{"a:1"}, []string{"O=Bob"})
	if got := loopback.LoopbackSources(bobQueue); !slices.Equal(got, []string{"O=Alice"}) {
		t.Fatalf("loopback sources = %v", got)
	}

	// The node stops serving the inbox; its queue stays on the broker.
	local.set(bobInbox, false)
	loopback.InboxesRemoved([]string{bobInbox})

	if got := loopback.LoopbackSources(bobQueue); len(got) != 0 {
		t.Errorf("loopback sources = %v, want none", got)
	}
	bridges := h.manager.Bridges(bobQueue)
	if len(bridges) != 1 || bridges[0].SourceIdentity() != "O=Alice" {
		t.Fatalf("remote bridges = %v", bridges)
	}
	if got := h.clients.last(t).config.Targets; !slices.Equal(got, []string{"a:1"}) {
		t.Errorf("remote targets = %v", got)
	}
}

func TestLoopbackFollowsLocalInboxSet(t *testing.T) {
	h := newHarness(t, nil)
	createInbox(t, h)
	local := &localInboxes{}
	loopback := newLoopbackWith(t, h, local.contains)

	// The queue exists but no node serves it.
	loopback.DeployBridge("O=Alice", bobQueue, []string{"a:1"}, []string{"O=Bob"})
	if len(h.manager.Bridges(bobQueue)) != 1 || len(loopback.LoopbackSources(bobQueue)) != 0 {
		t.Fatal("route for an unserved inbox was not sent to the remote manager")
	}

	local.set(bobInbox, true)
	loopback.InboxesAdded([]string{bobInbox})
	if got := loopback.LoopbackSources(bobQueue); !slices.Equal(got, []string{"O=Alice"}) {
		t.Errorf("loopback sources = %v", got)
	}
}

func TestLoopbackKeepsMessagesWhenInboxDisappears(t *testing.T) {
	h := newHarness(t, nil)
	createInbox(t, h)
	loopback := newLoopback(t, h)
	loopback.DeployBridge("", bobQueue, []string{"a:1"}, []string{"O=Bob"})

	if err := h.engine.DeleteQueue(bobInbox); err != nil {
		t.Fatalf("DeleteQueue: %v", err)
	}
	h.produce(t, bobQueue, "precious", nil)

	testutil.Eventually(t, testTimeout, func() bool {
		clients := h.clients.all()
		return len(clients) == 1 && clients[0].startCount() == 1
	}, "route was not redeployed as a remote bridge")
	if len(h.manager.Bridges(bobQueue)) != 1 {
		t.Fatal("no remote bridge for the queue")
	}
	if got := loopback.LoopbackSources(bobQueue); len(got) != 0 {
		t.Errorf("loopback sources = %v, want none", got)
	}
	if got := h.auditor.count("received"); got != 0 {
		t.Errorf("received events = %d, want 0", got)
	}

	// The message went back to the queue and now leaves over the wire.
	client := h.clients.last(t)
	client.connect(t)
	sent := testutil.RequireReceive(t, client.sent, testTimeout, "forwarded message")
	if string(sent.Payload) != "precious" {
		t.Errorf("forwarded %q, want precious", sent.Payload)
	}
}

func TestLoopbackDestroyBridge(t *testing.T) {
	h := newHarness(t, nil)
	createInbox(t, h)
	loopback := newLoopback(t, h)
	loopback.DeployBridge("", bobQueue, []string{"a:1"}, []string{"O=Bob"})

	loopback.DestroyBridge(bobQueue, []string{"z:1"})
	if len(loopback.LoopbackSources(bobQueue)) != 1 {
		t.Fatal("unrelated target destroyed the loopback bridge")
	}
	loopback.DestroyBridge(bobQueue, []string{"a:1"})
	if len(loopback.LoopbackSources(bobQueue)) != 0 {
		t.Fatal("loopback bridge survived DestroyBridge")
	}

	// Messages stay queued once the loopback is gone.
	h.produce(t, bobQueue, "late", nil)
	if got := h.engine.Depth(bobQueue); got != 1 {
		t.Errorf("queue depth = %d, want 1", got)
	}
}

func TestNewLoopbackManagerValidation(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := NewLoopbackManager(LoopbackConfig{Broker: h.engine}); err == nil {
		t.Error("missing remote manager accepted")
	}
	if _, err := NewLoopbackManager(LoopbackConfig{Remote: h.manager}); err == nil {
		t.Error("missing broker accepted")
	}
}
