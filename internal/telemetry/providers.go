package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderOption configures NewTracerProvider and NewMeterProvider
type ProviderOption func(*providerSettings)

// providerSettings is shared by both providers. Each reads the fields it needs.
type providerSettings struct {
	serviceName    string
	serviceVersion string
	endpoint       string
	insecure       bool

	tracing      *TracingConfig
	spanExporter sdktrace.SpanExporter

	metrics    *MetricsConfig
	registerer prometheus.Registerer
}

func newProviderSettings(opts []ProviderOption) *providerSettings {
	s := &providerSettings{
		serviceName:    DefaultServiceName,
		serviceVersion: "unknown",
		endpoint:       DefaultEndpoint,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithService sets the service name and version reported on the resource
func WithService(name, version string) ProviderOption {
	return func(s *providerSettings) {
		if name != "" {
			s.serviceName = name
		}
		if version != "" {
			s.serviceVersion = version
		}
	}
}

// WithOTLPEndpoint sets the OTLP/HTTP collector endpoint. Insecure sends over plain HTTP.
func WithOTLPEndpoint(endpoint string, insecure bool) ProviderOption {
	return func(s *providerSettings) {
		if endpoint != "" {
			s.endpoint = endpoint
		}
		s.insecure = insecure
	}
}

// WithTracingConfig enables tracing when the config is enabled
func WithTracingConfig(tc *TracingConfig) ProviderOption {
	return func(s *providerSettings) {
		s.tracing = tc
	}
}

// WithSpanExporter replaces the OTLP span exporter, e.g. with an in-memory exporter in tests
func WithSpanExporter(exporter sdktrace.SpanExporter) ProviderOption {
	return func(s *providerSettings) {
		s.spanExporter = exporter
	}
}

// WithMetricsConfig enables metrics when the config is enabled
func WithMetricsConfig(mc *MetricsConfig) ProviderOption {
	return func(s *providerSettings) {
		s.metrics = mc
	}
}

// WithPrometheusRegisterer sets the registry the Prometheus exporter registers with.
// Without it the exporter uses the Prometheus default registerer.
func WithPrometheusRegisterer(reg prometheus.Registerer) ProviderOption {
	return func(s *providerSettings) {
		s.registerer = reg
	}
}

// resource.New avoids schema URL conflicts with resource.Default()
func (s *providerSettings) resource(ctx context.Context) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(s.serviceName),
			semconv.ServiceVersion(s.serviceVersion),
		),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}
