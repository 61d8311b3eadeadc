// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/peerbridge/broker"
	"github.com/bureau-foundation/peerbridge/lib/address"
	"github.com/bureau-foundation/peerbridge/lib/testutil"
)

const testTimeout = 5 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func queueOf(name string) string { return address.PeerQueue([]byte(name)) }
func inboxOf(name string) string { return address.Inbox([]byte(name)) }

// managerCall is one DeployBridge or DestroyBridge invocation.
type managerCall struct {
	op      string
	source  string
	queue   string
	targets []string
}

// fakeManager records calls. It implements bridge.InboxObserver.
type fakeManager struct {
	calls   chan managerCall
	added   chan []string
	removed chan []string

	mu     sync.Mutex
	starts int
	stops  int
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		calls:   make(chan managerCall, 64),
		added:   make(chan []string, 16),
		removed: make(chan []string, 16),
	}
}

func (m *fakeManager) DeployBridge(source, queue string, targets, _ []string) {
	m.calls <- managerCall{op: "deploy", source: source, queue: queue, targets: targets}
}

func (m *fakeManager) DestroyBridge(queue string, targets []string) {
	m.calls <- managerCall{op: "destroy", queue: queue, targets: targets}
}

func (m *fakeManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	return nil
}

func (m *fakeManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
}

func (m *fakeManager) Close() error {
	m.Stop()
	return nil
}

func (m *fakeManager) InboxesAdded(inboxes []string)   { m.added <- inboxes }
func (m *fakeManager) InboxesRemoved(inboxes []string) { m.removed <- inboxes }

func (m *fakeManager) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

type fixture struct {
	engine     *broker.Engine
	manager    *fakeManager
	listener   *Listener
	terminated chan error
}

func newEngine(t *testing.T, queues ...string) *broker.Engine {
	t.Helper()
	engine, err := broker.Open(context.Background(), broker.Config{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("broker.Open: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	for _, name := range queues {
		if err := engine.CreateQueue(broker.QueueConfig{Name: name}); err != nil {
			t.Fatalf("CreateQueue(%s): %v", name, err)
		}
	}
	return engine
}

// newFixture starts a listener on a fresh engine holding queues.
func newFixture(t *testing.T, queues ...string) *fixture {
	t.Helper()
	f := &fixture{
		engine:     newEngine(t, queues...),
		manager:    newFakeManager(),
		terminated: make(chan error, 4),
	}
	f.listener = f.newListener(t, "bridge-under-test")
	if err := f.listener.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(f.listener.Stop)
	return f
}

func (f *fixture) newListener(t *testing.T, identity string) *Listener {
	t.Helper()
	listener, err := NewListener(ListenerConfig{
		Manager:   f.manager,
		Broker:    f.engine,
		Identity:  identity,
		Terminate: func(err error) { f.terminated <- err },
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	return listener
}

// publish sends a control message to addr.
func (f *fixture) publish(t *testing.T, addr string, message Message) {
	t.Helper()
	data, err := Encode(message)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	f.publishRaw(t, addr, data)
}

func (f *fixture) publishRaw(t *testing.T, addr string, data []byte) {
	t.Helper()
	connection := f.engine.Connect()
	connection.Start()
	defer connection.Stop()
	session, err := connection.CreateSession(broker.SessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	producer, _ := session.CreateProducer()
	if err := producer.Send(addr, &broker.Message{Body: data}); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func (f *fixture) nextCall(t *testing.T) managerCall {
	t.Helper()
	return testutil.RequireReceive(t, f.manager.calls, testTimeout, "manager call")
}

// entry returns a route to peer with one target.
func entry(peer string) BridgeEntry {
	return BridgeEntry{
		QueueName:  queueOf(peer),
		Targets:    []string{fmt.Sprintf("%s.example:10005", peer)},
		LegalNames: []string{"O=" + peer},
	}
}
