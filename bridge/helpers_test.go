// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/peerbridge/broker"
	"github.com/bureau-foundation/peerbridge/lib/address"
	"github.com/bureau-foundation/peerbridge/lib/event"
	"github.com/bureau-foundation/peerbridge/lib/testutil"
	"github.com/bureau-foundation/peerbridge/transport"
)

const testTimeout = 5 * time.Second

var (
	bobQueue = address.PeerQueue([]byte("bob public key"))
	bobInbox = address.InboxForQueue(bobQueue)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient is a transport.Client driven by the test.
type fakeClient struct {
	config  transport.ClientConfig
	changes event.Feed[transport.ConnectionChange]
	sent    chan *transport.Message

	mu        sync.Mutex
	starts    int
	stops     int
	connected bool
}

func (f *fakeClient) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
}

func (f *fakeClient) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.connected = false
}

func (f *fakeClient) ConnectionChanges() *event.Feed[transport.ConnectionChange] {
	return &f.changes
}

func (f *fakeClient) Send(message *transport.Message) error {
	f.sent <- message
	return nil
}

func (f *fakeClient) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeClient) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// onLoop runs task on the client's event loop and waits for it, the
// way the real client delivers its callbacks.
func (f *fakeClient) onLoop(t *testing.T, task func()) {
	t.Helper()
	done := make(chan struct{})
	if !f.config.Loop.Execute(func() {
		defer close(done)
		task()
	}) {
		t.Fatal("event loop closed")
	}
	testutil.RequireClosed(t, done, testTimeout, "event loop task")
}

func (f *fakeClient) connect(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	change := transport.ConnectionChange{
		Connected:    true,
		Target:       f.config.Targets[0],
		PeerIdentity: f.config.PeerIdentities[0],
	}
	f.onLoop(t, func() { f.changes.Publish(change) })
}

func (f *fakeClient) disconnect(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	change := transport.ConnectionChange{Target: f.config.Targets[0], PeerIdentity: f.config.PeerIdentities[0]}
	f.onLoop(t, func() { f.changes.Publish(change) })
}

func (f *fakeClient) complete(t *testing.T, message *transport.Message, status transport.Status) {
	t.Helper()
	f.onLoop(t, func() { message.Complete(status) })
}

// fakeClients is a ClientFactory recording every client it builds.
type fakeClients struct {
	mu      sync.Mutex
	clients []*fakeClient
}

func (f *fakeClients) factory(config transport.ClientConfig) (transport.Client, error) {
	client := &fakeClient{config: config, sent: make(chan *transport.Message, 64)}
	f.mu.Lock()
	f.clients = append(f.clients, client)
	f.mu.Unlock()
	return client, nil
}

func (f *fakeClients) all() []*fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeClient(nil), f.clients...)
}

func (f *fakeClients) last(t *testing.T) *fakeClient {
	t.Helper()
	clients := f.all()
	if len(clients) == 0 {
		t.Fatal("no transport client was created")
	}
	return clients[len(clients)-1]
}

// recordingAuditor counts events.
type recordingAuditor struct {
	mu       sync.Mutex
	counts   map[string]int
	received chan string
}

func newRecordingAuditor() *recordingAuditor {
	return &recordingAuditor{counts: make(map[string]int), received: make(chan string, 64)}
}

func (a *recordingAuditor) record(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[name]++
}

func (a *recordingAuditor) count(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[name]
}

func (a *recordingAuditor) BridgeCreated([]string, []string)   { a.record("created") }
func (a *recordingAuditor) BridgeConnected(string, string)     { a.record("connected") }
func (a *recordingAuditor) BridgeDisconnected(string, string)  { a.record("disconnected") }
func (a *recordingAuditor) BridgeDestroyed([]string)           { a.record("destroyed") }
func (a *recordingAuditor) PacketDropped(string, int, string)  { a.record("dropped") }
func (a *recordingAuditor) PacketAccepted(string, string, int) { a.record("accepted") }
func (a *recordingAuditor) PacketReceived(inbox, _ string, _ int) {
	a.record("received")
	a.received <- inbox
}

type harness struct {
	engine  *broker.Engine
	clients *fakeClients
	auditor *recordingAuditor
	manager *RemoteManager
}

func newHarness(t *testing.T, configure func(*ManagerConfig)) *harness {
	t.Helper()
	engine, err := broker.Open(context.Background(), broker.Config{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("broker.Open: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	if err := engine.CreateQueue(broker.QueueConfig{Name: bobQueue}); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}

	h := &harness{engine: engine, clients: &fakeClients{}, auditor: newRecordingAuditor()}
	config := ManagerConfig{
		Broker:           engine,
		ClientFactory:    h.clients.factory,
		EventLoopThreads: 2,
		AckBatchSize:     1,
		Auditor:          h.auditor,
		Logger:           discardLogger(),
	}
	if configure != nil {
		configure(&config)
	}
	manager, err := NewRemoteManager(config)
	if err != nil {
		t.Fatalf("NewRemoteManager: %v", err)
	}
	h.manager = manager
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.manager.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(h.manager.Stop)
}

// produce sends a message into queueName on its own session.
func (h *harness) produce(t *testing.T, queueName, body string, properties map[string]any) {
	t.Helper()
	connection := h.engine.Connect()
	connection.Start()
	defer connection.Stop()
	session, err := connection.CreateSession(broker.SessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	producer, _ := session.CreateProducer()
	if err := producer.Send(queueName, &broker.Message{Body: []byte(body), Properties: properties}); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

// drain consumes queueName with an auto-committing session, forwarding
// deliveries to the returned channel.
func (h *harness) drain(t *testing.T, queueName string) <-chan *broker.Message {
	t.Helper()
	connection := h.engine.Connect()
	connection.Start()
	t.Cleanup(func() { connection.Stop() })
	session, _ := connection.CreateSession(broker.SessionOptions{AutoCommitAcks: true})
	consumer, err := session.CreateConsumer(queueName, nil)
	if err != nil {
		t.Fatalf("CreateConsumer(%s): %v", queueName, err)
	}
	messages := make(chan *broker.Message, 64)
	consumer.SetHandler(func(d broker.Delivery) {
		messages <- d.Message()
		d.Acknowledge()
	})
	session.Start()
	return messages
}
