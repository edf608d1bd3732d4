// Package otelhelper bootstraps distributed tracing for the enrollment
// engine and holds the shared span attribute keys.
package otelhelper

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys shared across scheduler and engine spans.
const (
	AutomationIDKey = "dripmail.automation.id"
	EnrollmentIDKey = "dripmail.enrollment.id"
	ExecutionIDKey  = "dripmail.execution.id"
	ContactIDKey    = "dripmail.contact.id"
	StepIDKey       = "dripmail.step.id"
	StepTypeKey     = "dripmail.step.type"
	TriggerTypeKey  = "dripmail.trigger.type"
	WorkerIDKey     = "dripmail.worker.id"
)

// NewTracer wires an OTLP/HTTP exporter into a provider registered as the
// global one and returns a tracer for the service. Exporter endpoint and
// headers come from the standard OTEL_* environment variables.
func NewTracer(ctx context.Context, serviceName string) (trace.Tracer, error) { //nolint:ireturn
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}))

	return provider.Tracer(serviceName), nil
}

// StartSpan opens a span with the given attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) { //nolint:ireturn,spancheck
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
