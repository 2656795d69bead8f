// Package tracing sets up OpenTelemetry with a Jaeger exporter and gives the
// rest of the service a process-wide tracer.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultServiceName = "nexusbiz"

// Config holds tracing configuration.
type Config struct {
	Enabled     bool
	Endpoint    string // Jaeger collector, e.g. "http://localhost:14268/api/traces"
	ServiceName string
	Environment string
	SampleRatio float64
}

// Tracer wraps OpenTelemetry tracer functionality.
type Tracer struct {
	tracer trace.Tracer
}

var globalTracer *Tracer

// InitTracing installs the W3C propagator and, when enabled, a batching
// Jaeger pipeline as the global tracer provider. The propagator is installed
// either way so trace context still crosses Kafka and HTTP.
func InitTracing(cfg Config) (*Tracer, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		globalTracer = &Tracer{tracer: noop.NewTracerProvider().Tracer("noop")}
		return globalTracer, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}
	tp, err := newProvider(cfg, tracesdk.WithBatcher(exp))
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)

	globalTracer = &Tracer{tracer: tp.Tracer(cfg.ServiceName)}
	return globalTracer, nil
}

func newProvider(cfg Config, opts ...tracesdk.TracerProviderOption) (*tracesdk.TracerProvider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String("1.0.0"),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts = append(opts, tracesdk.WithResource(res), tracesdk.WithSampler(sampler(cfg.SampleRatio)))
	return tracesdk.NewTracerProvider(opts...), nil
}

// sampler keeps every trace unless a ratio in (0,1) is set, in which case
// root spans are sampled by trace id and children follow their parent.
func sampler(ratio float64) tracesdk.Sampler {
	if ratio > 0 && ratio < 1 {
		return tracesdk.ParentBased(tracesdk.TraceIDRatioBased(ratio))
	}
	return tracesdk.AlwaysSample()
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// GetTracer returns the global tracer, or one bound to the current global
// provider when InitTracing has not run.
func GetTracer() *Tracer {
	if globalTracer == nil {
		return &Tracer{tracer: otel.Tracer(defaultServiceName)}
	}
	return globalTracer
}

// Fail marks span as failed with err. It is a no-op for a nil error.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// String is a shorthand for a string span attribute.
func String(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Shutdown flushes and stops the tracer provider.
func Shutdown(ctx context.Context) error {
	if tp, ok := otel.GetTracerProvider().(*tracesdk.TracerProvider); ok {
		return tp.Shutdown(ctx)
	}
	return nil
}
