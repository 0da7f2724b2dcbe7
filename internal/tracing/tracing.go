// Package tracing wires OpenTelemetry tracing for mixbridge.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Environment variables read by GetConfig.
const (
	EnvEnabled     = "MIXBRIDGE_OTEL_ENABLED"
	EnvSampleRatio = "MIXBRIDGE_OTEL_SAMPLE_RATIO"
	EnvEndpoint    = "OTEL_EXPORTER_OTLP_ENDPOINT"

	DefaultEndpoint = "localhost:4317"
)

// Config holds tracing configuration for one connector process.
type Config struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	Version     string
	// Connector is the definition name, attached to every exported span.
	Connector string
	// SampleRatio applies to root spans; 1 records every poll cycle.
	SampleRatio float64
}

// GetConfig reads tracing configuration from the environment.
// MIXBRIDGE_OTEL_ENABLED must be "true" to enable tracing. An unparsable
// or out of range MIXBRIDGE_OTEL_SAMPLE_RATIO falls back to 1.
func GetConfig(serviceName, version, connector string) Config {
	endpoint := os.Getenv(EnvEndpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	ratio := 1.0
	if v, err := strconv.ParseFloat(os.Getenv(EnvSampleRatio), 64); err == nil && v >= 0 && v <= 1 {
		ratio = v
	}
	return Config{
		Enabled:     strings.EqualFold(os.Getenv(EnvEnabled), "true"),
		Endpoint:    endpoint,
		ServiceName: serviceName,
		Version:     version,
		Connector:   connector,
		SampleRatio: ratio,
	}
}

// Resource describes the connector process to the collector. Attributes
// are schemaless so they merge with the SDK's detected resource whatever
// semconv version it was built against.
func Resource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.Version))
	}
	if cfg.Connector != "" {
		attrs = append(attrs,
			semconv.ServiceInstanceID(cfg.Connector),
			ConnectorAttr(cfg.Connector),
		)
	}
	return resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithFromEnv(),
		resource.WithAttributes(attrs...),
	)
}

// Initialize sets up the global tracer provider and propagator.
// When tracing is disabled it returns a no-op tracer and a no-op shutdown.
func Initialize(cfg Config, logger *slog.Logger) (trace.Tracer, func(context.Context) error, error) {
	if !cfg.Enabled {
		logger.Info("tracing disabled, using no-op tracer")
		return noop.NewTracerProvider().Tracer(cfg.ServiceName), func(context.Context) error { return nil }, nil
	}

	res, err := Resource(context.Background(), cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("build trace resource for %s: %w", cfg.Connector, err)
	}

	exporter, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	logger.Info("initializing tracing",
		"endpoint", cfg.Endpoint,
		"connector", cfg.Connector,
		"version", cfg.Version,
		"sample_ratio", cfg.SampleRatio,
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	shutdown := func(ctx context.Context) error {
		logger.Info("flushing spans", "connector", cfg.Connector)
		return tp.Shutdown(ctx)
	}
	return tp.Tracer(cfg.ServiceName, trace.WithInstrumentationVersion(cfg.Version)), shutdown, nil
}

// Propagator returns the global text map propagator.
func Propagator() propagation.TextMapPropagator {
	return otel.GetTextMapPropagator()
}
