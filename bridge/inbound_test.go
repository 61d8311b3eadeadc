// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"testing"

	"github.com/bureau-foundation/peerbridge/broker"
	"github.com/bureau-foundation/peerbridge/lib/testutil"
	"github.com/bureau-foundation/peerbridge/transport"
)

type topicSet map[string]bool

func (s topicSet) ValidateReceiveTopic(topic string) bool { return s[topic] }

func newInbound(t *testing.T, h *harness, configure func(*InboundConfig)) *Inbound {
	t.Helper()
	if err := h.engine.EnsureQueue(broker.QueueConfig{Name: bobInbox}); err != nil {
		t.Fatalf("EnsureQueue: %v", err)
	}
	config := InboundConfig{
		Broker:    h.engine,
		Validator: topicSet{bobInbox: true},
		Auditor:   h.auditor,
		Logger:    discardLogger(),
	}
	if configure != nil {
		configure(&config)
	}
	inbound, err := NewInbound(config)
	if err != nil {
		t.Fatalf("NewInbound: %v", err)
	}
	if err := inbound.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(inbound.Stop)
	return inbound
}

func TestInboundDeliversWithSenderIdentity(t *testing.T) {
	h := newHarness(t, nil)
	inbound := newInbound(t, h, nil)
	messages := h.drain(t, bobInbox)

	status := inbound.Receive(context.Background(), &transport.InboundMessage{
		SenderIdentity: "O=Alice",
		Topic:          bobInbox,
		Properties: map[string]any{
			"dedup-id":        "d-1",
			SenderSubjectName: "O=Forged",
			"local-only":      true,
		},
		Payload: []byte("hi"),
	})
	if status != transport.Acknowledged {
		t.Fatalf("status = %v, want Acknowledged", status)
	}

	message := testutil.RequireReceive(t, messages, testTimeout, "inbound delivery")
	if string(message.Body) != "hi" {
		t.Errorf("body = %q", message.Body)
	}
	if got := message.Properties[SenderSubjectName]; got != "O=Alice" {
		t.Errorf("%s = %v, want the authenticated sender", SenderSubjectName, got)
	}
	if message.Properties["dedup-id"] != "d-1" {
		t.Errorf("dedup-id not forwarded: %v", message.Properties)
	}
	if _, ok := message.Properties["local-only"]; ok {
		t.Error("non-allow-listed property was delivered")
	}
	if got := h.auditor.count("received"); got != 1 {
		t.Errorf("received events = %d, want 1", got)
	}
}

func TestInboundRejections(t *testing.T) {
	h := newHarness(t, nil)
	inbound := newInbound(t, h, func(config *InboundConfig) {
		config.LocalIdentities = []string{"O=Bob"}
		config.MaxMessageSize = 4
	})

	cases := map[string]*transport.InboundMessage{
		"unknown topic":       {Topic: "p2p.inbound.elsewhere", DestinationIdentity: "O=Bob", Payload: []byte("x")},
		"foreign destination": {Topic: bobInbox, DestinationIdentity: "O=Mallory", Payload: []byte("x")},
		"oversize payload":    {Topic: bobInbox, DestinationIdentity: "O=Bob", Payload: []byte("too large")},
	}
	for name, message := range cases {
		t.Run(name, func(t *testing.T) {
			if status := inbound.Receive(context.Background(), message); status != transport.Rejected {
				t.Errorf("status = %v, want Rejected", status)
			}
		})
	}
	if got := h.engine.Depth(bobInbox); got != 0 {
		t.Errorf("inbox depth = %d, want 0", got)
	}
	if got := h.auditor.count("dropped"); got != 1 {
		t.Errorf("dropped events = %d, want 1", got)
	}
}

func TestInboundRejectsMissingInboxQueue(t *testing.T) {
	h := newHarness(t, nil)
	inbound := newInbound(t, h, nil)
	if err := h.engine.DeleteQueue(bobInbox); err != nil {
		t.Fatalf("DeleteQueue: %v", err)
	}

	// The topic is still valid, but acknowledging would lose the message.
	status := inbound.Receive(context.Background(), &transport.InboundMessage{Topic: bobInbox, Payload: []byte("x")})
	if status != transport.Rejected {
		t.Errorf("status = %v, want Rejected", status)
	}
	if got := h.auditor.count("received"); got != 0 {
		t.Errorf("received events = %d, want 0", got)
	}
}

func TestInboundStoppedRejects(t *testing.T) {
	h := newHarness(t, nil)
	inbound := newInbound(t, h, nil)
	inbound.Stop()
	status := inbound.Receive(context.Background(), &transport.InboundMessage{Topic: bobInbox, Payload: []byte("x")})
	if status != transport.Rejected {
		t.Errorf("status = %v, want Rejected", status)
	}
}

func TestNewInboundValidation(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := NewInbound(InboundConfig{Validator: topicSet{}}); err == nil {
		t.Error("missing broker accepted")
	}
	if _, err := NewInbound(InboundConfig{Broker: h.engine}); err == nil {
		t.Error("missing validator accepted")
	}
}
