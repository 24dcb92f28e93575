// Package tracing wires OpenTelemetry with a Jaeger exporter around the
// histogram collector path. Kept almost verbatim from the teacher
// repository's internal/tracing/tracing.go; retargeted from instrumenting
// S3 PUT/GET/DELETE/LIST operations to instrumenting the collector loop's
// histogram.Histogram.Collect and replicate.Replicator.Publish calls, and
// moved from the teacher's bare log.Printf to logrus for the ambient
// logging stack this repository carries throughout (see moby-moby's
// go.mod for the corpus precedent).
package tracing

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName    = "enterprise-histogram"
	serviceVersion = "1.0.0"
)

// tracerProvider holds the global tracer provider.
var tracerProvider *tracesdk.TracerProvider

// InitTracing initializes OpenTelemetry tracing with a Jaeger exporter.
func InitTracing(jaegerEndpoint string) error {
	if jaegerEndpoint == "" {
		jaegerEndpoint = "http://jaeger:14268/api/traces"
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)))
	if err != nil {
		return fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	tracerProvider = tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.AlwaysSample()),
	)
	otel.SetTracerProvider(tracerProvider)

	logrus.WithField("jaeger_endpoint", jaegerEndpoint).Info("tracing initialized")
	return nil
}

// Shutdown gracefully shuts down the tracer provider.
func Shutdown(ctx context.Context) error {
	if tracerProvider != nil {
		return tracerProvider.Shutdown(ctx)
	}
	return nil
}

// GetTracer returns a tracer for the given component.
func GetTracer(component string) trace.Tracer {
	return otel.Tracer(fmt.Sprintf("%s/%s", serviceName, component))
}

// StartSpan creates a new span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, operationName)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// AddSpanAttributes adds attributes to the current span.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// RecordError records an error in the current span.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
	}
}

// TraceCollect wraps a histogram collect call in a span named
// "histogram.collect", recording the resulting sample count and sum as
// attributes. count is expected to run (*histogram.Histogram).Collect, or an
// equivalent collection over a HistogramVec/tenant registry, and return the
// snapshot's count and sum; kept generic
// over the caller-supplied collect function so this package doesn't import
// the histogram package for a single call shape.
func TraceCollect(ctx context.Context, name string, count func() (observations uint64, sum float64)) {
	tracer := GetTracer("collector")
	ctx, span := StartSpan(ctx, tracer, "histogram.collect", attribute.String("histogram", name))
	defer span.End()

	observations, sum := count()
	AddSpanAttributes(ctx,
		attribute.Int64("histogram.count", int64(observations)),
		attribute.Float64("histogram.sum", sum),
	)
	AddSpanEvent(ctx, "collected")
}

// TracePublish wraps a snapshot-replication call in a span named
// "histogram.publish", recording the failure as a span error rather than
// letting it surface only as a log line.
func TracePublish(ctx context.Context, name string, publish func(context.Context) error) error {
	tracer := GetTracer("replicator")
	ctx, span := StartSpan(ctx, tracer, "histogram.publish", attribute.String("histogram", name))
	defer span.End()

	err := publish(ctx)
	if err != nil {
		RecordError(ctx, err)
	}
	return err
}
