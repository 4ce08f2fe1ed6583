// Package metrics records receiver and sender activity as OpenTelemetry
// instruments and bootstraps an OTLP meter provider.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Exporter owns a meter provider that pushes to an OTLP collector.
type Exporter struct {
	meterProvider    *sdkmetric.MeterProvider
	meter            metric.Meter
	resource         *resource.Resource
	serviceName      string
	serviceNamespace string
	serviceVersion   string
	otlpEndpoint     string
	otlpGRPCEndpoint string
	environment      string
	interval         time.Duration
	reader           sdkmetric.Reader
	setGlobal        bool
}

type Option func(*Exporter)

func WithServiceName(name string) Option {
	return func(e *Exporter) {
		e.serviceName = name
	}
}

func WithServiceNamespace(namespace string) Option {
	return func(e *Exporter) {
		e.serviceNamespace = namespace
	}
}

func WithServiceVersion(version string) Option {
	return func(e *Exporter) {
		e.serviceVersion = version
	}
}

// WithOTLPEndpoint sets the OTLP HTTP endpoint.
func WithOTLPEndpoint(endpoint string) Option {
	return func(e *Exporter) {
		e.otlpEndpoint = endpoint
	}
}

// WithOTLPGRPCEndpoint sets the OTLP gRPC endpoint. It takes precedence over HTTP.
func WithOTLPGRPCEndpoint(endpoint string) Option {
	return func(e *Exporter) {
		e.otlpGRPCEndpoint = endpoint
	}
}

func WithEnvironment(env string) Option {
	return func(e *Exporter) {
		e.environment = env
	}
}

// WithInterval sets the push interval of the periodic reader.
func WithInterval(d time.Duration) Option {
	return func(e *Exporter) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithReader replaces the OTLP pipeline with reader.
func WithReader(reader sdkmetric.Reader) Option {
	return func(e *Exporter) {
		e.reader = reader
	}
}

// WithGlobal controls whether the provider is installed as the otel global.
func WithGlobal(enabled bool) Option {
	return func(e *Exporter) {
		e.setGlobal = enabled
	}
}

func defaultConfig() *Exporter {
	return &Exporter{
		serviceName:      "servicebus",
		serviceNamespace: "default",
		serviceVersion:   "1.0.0",
		otlpEndpoint:     "localhost:4318",
		environment:      "development",
		interval:         10 * time.Second,
		setGlobal:        true,
	}
}

// NewExporter builds the meter provider. The returned func shuts it down.
func NewExporter(ctx context.Context, opts ...Option) (*Exporter, func(), error) {
	e := defaultConfig()
	for _, opt := range opts {
		opt(e)
	}

	if e.reader == nil && e.otlpGRPCEndpoint == "" && e.otlpEndpoint == "" {
		return nil, nil, fmt.Errorf("OTLP HTTP endpoint is required when gRPC endpoint is not configured")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(e.serviceName),
			semconv.ServiceNamespace(e.serviceNamespace),
			semconv.ServiceVersion(e.serviceVersion),
			semconv.DeploymentEnvironment(e.environment),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	reader := e.reader
	if reader == nil {
		var exporter sdkmetric.Exporter
		if e.otlpGRPCEndpoint != "" {
			exporter, err = otlpmetricgrpc.New(ctx,
				otlpmetricgrpc.WithEndpoint(e.otlpGRPCEndpoint),
				otlpmetricgrpc.WithInsecure(),
			)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
			}
		} else {
			exporter, err = otlpmetrichttp.New(ctx,
				otlpmetrichttp.WithEndpoint(e.otlpEndpoint),
				otlpmetrichttp.WithInsecure(),
			)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
			}
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(e.interval))
	}

	e.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	if e.setGlobal {
		otel.SetMeterProvider(e.meterProvider)
	}
	e.meter = e.meterProvider.Meter(instrumentationName)
	e.resource = res

	return e, func() {
		_ = e.meterProvider.Shutdown(context.Background())
	}, nil
}

func (e *Exporter) Meter() metric.Meter { return e.meter }

func (e *Exporter) MeterProvider() metric.MeterProvider { return e.meterProvider }

// Close flushes and shuts down the meter provider.
func (e *Exporter) Close(ctx context.Context) error {
	return e.meterProvider.Shutdown(ctx)
}
