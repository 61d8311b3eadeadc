// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry exports bridge metrics over OTLP/HTTP and records
// bridge audit events as OpenTelemetry instruments.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures metric export.
type Config struct {
	// Endpoint is the OTLP/HTTP collector URL, for example
	// "http://localhost:4318/v1/metrics". Empty disables export.
	Endpoint string

	// ServiceName identifies this process in exported resources.
	ServiceName string

	// Interval is the export period. Defaults to one minute.
	Interval time.Duration
}

// Setup builds a meter provider and installs it as the global
// provider. With no endpoint it returns a no-op provider. The returned
// shutdown function flushes pending metrics.
func Setup(ctx context.Context, config Config) (metric.MeterProvider, func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }
	if config.Endpoint == "" {
		return noop.NewMeterProvider(), noopShutdown, nil
	}
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.ServiceName == "" {
		config.ServiceName = "peer-bridge"
	}

	exporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(config.Endpoint))
	if err != nil {
		return nil, noopShutdown, fmt.Errorf("telemetry: creating OTLP exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(config.ServiceName)))
	if err != nil {
		return nil, noopShutdown, fmt.Errorf("telemetry: building resource: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(config.Interval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)
	return provider, provider.Shutdown, nil
}
