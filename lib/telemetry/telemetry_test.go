// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/bureau-foundation/peerbridge/bridge"
)

var _ bridge.Auditor = (*Auditor)(nil)

// collect sums every data point of each int64 sum instrument.
func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var data metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &data); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	totals := make(map[string]int64)
	for _, scope := range data.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, point := range sum.DataPoints {
				totals[m.Name] += point.Value
			}
		}
	}
	return totals
}

func TestAuditorCounts(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	auditor, err := NewAuditor(provider)
	if err != nil {
		t.Fatalf("NewAuditor: %v", err)
	}
	auditor.BridgeCreated([]string{"a:1"}, []string{"O=A"})
	auditor.BridgeCreated([]string{"b:1"}, []string{"O=B"})
	auditor.BridgeConnected("a:1", "O=A")
	auditor.PacketAccepted("internal.peers.a", "O=A", 100)
	auditor.PacketAccepted("internal.peers.a", "O=A", 50)
	auditor.PacketDropped("internal.peers.a", 1<<30, "message exceeds maximum size")
	auditor.PacketReceived("p2p.inbound.c", "O=C", 7)
	auditor.BridgeDisconnected("a:1", "O=A")
	auditor.BridgeDestroyed([]string{"a:1"})

	totals := collect(t, reader)
	want := map[string]int64{
		"peerbridge.bridge.created":       2,
		"peerbridge.bridge.destroyed":     1,
		"peerbridge.bridge.active":        1,
		"peerbridge.bridge.connections":   1,
		"peerbridge.bridge.connected":     0,
		"peerbridge.packet.accepted":      2,
		"peerbridge.packet.accepted.size": 150,
		"peerbridge.packet.dropped":       1,
		"peerbridge.packet.received":      1,
		"peerbridge.packet.received.size": 7,
	}
	for name, value := range want {
		if totals[name] != value {
			t.Errorf("%s = %d, want %d", name, totals[name], value)
		}
	}
}

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	provider, shutdown, err := Setup(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if _, err := NewAuditor(provider); err != nil {
		t.Errorf("NewAuditor on the no-op provider: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
