// Package tracing wires OpenTelemetry into the router's hot paths: pool
// acquisition and statement execution each get a span, batched to an OTLP
// collector over gRPC, sampled at a fixed ratio so tracing overhead stays
// bounded under load.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// InitTracer wires the global tracer provider to an OTLP/gRPC collector at
// endpoint, sampling 10% of traces. Callers should defer tp.Shutdown(ctx).
func InitTracer(serviceName, endpoint string) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String("0.1.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(0.1),
		)),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// Tracer returns the package-wide tracer. Safe to call before InitTracer;
// otel falls back to a no-op tracer until a provider is installed.
func Tracer() trace.Tracer {
	return otel.Tracer("dbrouter")
}

// StartAcquireSpan traces one pool.Acquire call.
func StartAcquireSpan(ctx context.Context, endpointID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "pool.acquire",
		trace.WithAttributes(attribute.String("dbrouter.endpoint_id", endpointID)),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartExecuteSpan traces one Router.Execute call.
func StartExecuteSpan(ctx context.Context, target string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "router.execute",
		trace.WithAttributes(attribute.String("dbrouter.target", target)),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// RecordOutcome sets standard span attributes/status after a traced call.
func RecordOutcome(span trace.Span, endpointID string, err error) {
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(attribute.String("dbrouter.resolved_endpoint", endpointID))
	if err != nil {
		span.RecordError(err)
	}
}
