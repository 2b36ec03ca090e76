// Package telemetry wires the OpenTelemetry metric pipeline to a
// Prometheus registry so counters recorded anywhere in the process
// surface on the dashboard's scrape endpoint.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const serviceName = "agentd"

// Telemetry owns the process MeterProvider. Instrumented packages
// reach it through the otel global; when telemetry was never
// initialized they fall back to no-op meters.
type Telemetry struct {
	meterProvider *sdkmetric.MeterProvider
}

// New builds a MeterProvider backed by the default Prometheus
// registry and installs it globally.
func New(version string) (*Telemetry, error) {
	exporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return &Telemetry{meterProvider: mp}, nil
}

// Shutdown flushes and stops the metric pipeline.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}
	return t.meterProvider.Shutdown(ctx)
}
