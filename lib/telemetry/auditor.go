// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of the bridge instruments.
const MeterName = "github.com/bureau-foundation/peerbridge/bridge"

// Auditor records bridge lifecycle and packet events as counters. It
// satisfies bridge.Auditor.
type Auditor struct {
	bridgesCreated   metric.Int64Counter
	bridgesDestroyed metric.Int64Counter
	bridgesActive    metric.Int64UpDownCounter
	connections      metric.Int64Counter
	disconnections   metric.Int64Counter
	connected        metric.Int64UpDownCounter
	packetsDropped   metric.Int64Counter
	packetsAccepted  metric.Int64Counter
	packetsReceived  metric.Int64Counter
	bytesAccepted    metric.Int64Counter
	bytesReceived    metric.Int64Counter
}

// NewAuditor creates the instruments on provider.
func NewAuditor(provider metric.MeterProvider) (*Auditor, error) {
	meter := provider.Meter(MeterName)
	var errs []error
	counter := func(name, description, unit string) metric.Int64Counter {
		instrument, err := meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit(unit))
		errs = append(errs, err)
		return instrument
	}
	gauge := func(name, description string) metric.Int64UpDownCounter {
		instrument, err := meter.Int64UpDownCounter(name, metric.WithDescription(description), metric.WithUnit("{bridge}"))
		errs = append(errs, err)
		return instrument
	}
	a := &Auditor{
		bridgesCreated:   counter("peerbridge.bridge.created", "Bridges deployed.", "{bridge}"),
		bridgesDestroyed: counter("peerbridge.bridge.destroyed", "Bridges destroyed.", "{bridge}"),
		bridgesActive:    gauge("peerbridge.bridge.active", "Bridges currently deployed."),
		connections:      counter("peerbridge.bridge.connections", "Transport connections established.", "{connection}"),
		disconnections:   counter("peerbridge.bridge.disconnections", "Transport connections lost.", "{connection}"),
		connected:        gauge("peerbridge.bridge.connected", "Bridges currently connected."),
		packetsDropped:   counter("peerbridge.packet.dropped", "Messages dropped.", "{message}"),
		packetsAccepted:  counter("peerbridge.packet.accepted", "Messages handed to a transport.", "{message}"),
		packetsReceived:  counter("peerbridge.packet.received", "Messages delivered into a local inbox.", "{message}"),
		bytesAccepted:    counter("peerbridge.packet.accepted.size", "Payload bytes handed to a transport.", "By"),
		bytesReceived:    counter("peerbridge.packet.received.size", "Payload bytes delivered into a local inbox.", "By"),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Auditor) BridgeCreated(targets, _ []string) {
	ctx := context.Background()
	a.bridgesCreated.Add(ctx, 1, targetAttribute(targets))
	a.bridgesActive.Add(ctx, 1)
}

func (a *Auditor) BridgeConnected(target, peerIdentity string) {
	ctx := context.Background()
	a.connections.Add(ctx, 1, metric.WithAttributes(attribute.String("target", target), attribute.String("peer", peerIdentity)))
	a.connected.Add(ctx, 1)
}

func (a *Auditor) BridgeDisconnected(target, peerIdentity string) {
	ctx := context.Background()
	a.disconnections.Add(ctx, 1, metric.WithAttributes(attribute.String("target", target), attribute.String("peer", peerIdentity)))
	a.connected.Add(ctx, -1)
}

func (a *Auditor) BridgeDestroyed(targets []string) {
	ctx := context.Background()
	a.bridgesDestroyed.Add(ctx, 1, targetAttribute(targets))
	a.bridgesActive.Add(ctx, -1)
}

func (a *Auditor) PacketDropped(_ string, _ int, reason string) {
	a.packetsDropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (a *Auditor) PacketAccepted(_, destinationIdentity string, size int) {
	ctx := context.Background()
	attributes := metric.WithAttributes(attribute.String("destination", destinationIdentity))
	a.packetsAccepted.Add(ctx, 1, attributes)
	a.bytesAccepted.Add(ctx, int64(size), attributes)
}

func (a *Auditor) PacketReceived(_, sourceIdentity string, size int) {
	ctx := context.Background()
	attributes := metric.WithAttributes(attribute.String("source", sourceIdentity))
	a.packetsReceived.Add(ctx, 1, attributes)
	a.bytesReceived.Add(ctx, int64(size), attributes)
}

// targetAttribute labels with the first target. Queue names never
// become attributes.
func targetAttribute(targets []string) metric.AddOption {
	target := ""
	if len(targets) > 0 {
		target = targets[0]
	}
	return metric.WithAttributes(attribute.String("target", target))
}
