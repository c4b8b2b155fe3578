// Package tracing provides OpenTelemetry tracing setup and trace-context
// serialization for Daedalus operator hosts
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// InstrumentationName names the tracer hosts derive per-input spans from
const InstrumentationName = "github.com/wehubfusion/Daedalus/pkg/jsoperator"

// shutdownTimeout bounds the final span flush
const shutdownTimeout = 10 * time.Second

// TracingConfig holds configuration for tracing setup
type TracingConfig struct {
	ServiceName    string  `yaml:"service_name" toml:"service_name"`
	ServiceVersion string  `yaml:"service_version" toml:"service_version"`
	Environment    string  `yaml:"environment" toml:"environment"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" toml:"otlp_endpoint"` // host:port only, path added by exporter
	SampleRatio    float64 `yaml:"sample_ratio" toml:"sample_ratio"`

	// Secure enables TLS towards the collector
	Secure bool `yaml:"secure" toml:"secure"`

	// Headers are sent with every export request, e.g. collector auth
	Headers map[string]string `yaml:"headers" toml:"headers"`
}

// DefaultConfig returns a default tracing configuration
func DefaultConfig(serviceName string) TracingConfig {
	return TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "127.0.0.1:4318",
		SampleRatio:    1.0,
	}
}

// Sampler returns the sampler for ratio. Remote parents decide for their own
// traces; root spans are sampled by ratio.
func Sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// SetupTracing initializes OpenTelemetry tracing with an OTLP exporter and returns
// the provider. Call ShutdownTracing with provider.Shutdown when the process exits.
func SetupTracing(ctx context.Context, config TracingConfig, logger *zap.Logger) (*sdktrace.TracerProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	logger.Info("Setting up tracing",
		zap.String("service_name", config.ServiceName),
		zap.String("otlp_endpoint", config.OTLPEndpoint),
		zap.String("environment", config.Environment),
		zap.Float64("sample_ratio", config.SampleRatio))

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.OTLPEndpoint)}
	if !config.Secure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(config.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(config.Headers))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		logger.Error("Failed to create OTLP exporter", zap.Error(err))
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		logger.Error("Failed to create resource", zap.Error(err))
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(config.SampleRatio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info("Tracing setup completed successfully")
	return tp, nil
}

// OperatorTracer returns the tracer hosts use for per-input spans
func OperatorTracer(provider trace.TracerProvider) trace.Tracer {
	return provider.Tracer(InstrumentationName)
}

// ShutdownTracing flushes pending spans and shuts the provider down
func ShutdownTracing(shutdown func(context.Context) error, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	logger.Info("Shutting down tracing")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown tracing", zap.Error(err))
		return err
	}
	logger.Info("Tracing shutdown completed")
	return nil
}
