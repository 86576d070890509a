// Copyright 2025 James Ross
package obs

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig is the subset of observability config tracing needs; kept
// standalone so obs does not import the config package back.
type TracingConfig struct {
	Enabled          bool
	Endpoint         string
	Environment      string
	SamplingStrategy string
	SamplingRate     float64
}

// MaybeInitTracing optionally initializes a global tracer provider with
// sampling and W3C trace-context propagation. Returns (nil, nil) when
// tracing is disabled or no endpoint is configured.
func MaybeInitTracing(cfg TracingConfig) (*sdktrace.TracerProvider, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil, nil
	}

	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	))
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("trino-lb"),
		semconv.ServiceVersionKey.String("1.0.0"),
		semconv.HostNameKey.String(hostname),
		attribute.String("environment", cfg.Environment),
	)

	var sampler sdktrace.Sampler
	switch cfg.SamplingStrategy {
	case "always":
		sampler = sdktrace.AlwaysSample()
	case "never":
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// StartDispatchSpan creates a span around a cluster-group dispatch call.
func StartDispatchSpan(ctx context.Context, statementID, cluster string) (context.Context, trace.Span) {
	tracer := otel.Tracer("clustergroup")
	return tracer.Start(ctx, "statement.dispatch",
		trace.WithAttributes(
			attribute.String("statement.id", statementID),
			attribute.String("cluster.name", cluster),
		),
	)
}

// StartPollSpan creates a span around a backend poll call.
func StartPollSpan(ctx context.Context, statementID string) (context.Context, trace.Span) {
	tracer := otel.Tracer("clustergroup")
	return tracer.Start(ctx, "statement.poll",
		trace.WithAttributes(attribute.String("statement.id", statementID)),
	)
}

// RecordError records an error on the span if one exists in the context.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks the span as successful.
func SetSpanSuccess(ctx context.Context) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(codes.Ok, "success")
	}
}

// TracerShutdown gracefully shuts down the tracer provider.
func TracerShutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// KeyValue creates an attribute key-value pair for use in spans and events.
func KeyValue(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
