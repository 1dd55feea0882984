package tracing

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationPrefix = "github.com/emperorhan/supply-aggregator/"

type Config struct {
	ServiceName string
	// Endpoint is the OTLP/gRPC collector address. Empty disables export.
	Endpoint string
	Insecure bool
	// SampleRatio is the fraction of root traces kept; values outside (0,1)
	// keep everything.
	SampleRatio float64
}

// ShutdownFunc flushes pending spans. Safe to call more than once.
type ShutdownFunc func(context.Context) error

// Init installs the global tracer provider and propagators.
func Init(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if cfg.Endpoint == "" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Tracer returns the tracer for one component of the aggregator.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(instrumentationPrefix + component)
}

// Start opens a span named "<component>.<op>".
func Start(ctx context.Context, component, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer(component).Start(ctx, component+"."+op, trace.WithAttributes(attrs...))
}

// RecordError marks span as failed. A caller abandoning the request is
// recorded as an event, not a failure.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		span.AddEvent("canceled")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
