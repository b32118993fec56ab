// Package otelhelper provides distributed tracing for flow execution.
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
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/dukex/chatflow/pkg/models"
)

const (
	// Common attribute keys.
	TenantIDKey       = "chatflow.tenant.id"
	ContactIDKey      = "chatflow.contact.id"
	FlowIDKey         = "chatflow.flow.id"
	FlowVersionKey    = "chatflow.flow.version"
	InstanceIDKey     = "chatflow.instance.id"
	InstanceStatusKey = "chatflow.instance.status"
	NodeIDKey         = "chatflow.node.id"
	MessageIDKey      = "chatflow.message.id"
	ActionsCountKey   = "chatflow.actions.count"
	MatchesCountKey   = "chatflow.matches.count"
	EventIDKey        = "chatflow.event.id"
	EventTypeKey      = "chatflow.event.type"
	FailureReasonKey  = "chatflow.failure.reason"
)

// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func NewTracer(ctx context.Context, serviceName string) (trace.Tracer, error) {
	provider, err := newTracerProvider(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	return provider.Tracer(serviceName), nil
}

// NoopTracer returns a tracer that records nothing, for tests and for
// processes started without an OTLP endpoint.
//
// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func NoopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("chatflow")
}

// InstanceAttributes describes an instance on a span.
func InstanceAttributes(instance *models.Instance) []attribute.KeyValue {
	if instance == nil {
		return nil
	}

	attrs := []attribute.KeyValue{
		attribute.String(InstanceIDKey, instance.ID),
		attribute.String(TenantIDKey, instance.TenantID),
		attribute.String(ContactIDKey, instance.ContactID),
		attribute.String(FlowIDKey, instance.FlowID),
		attribute.Int(FlowVersionKey, instance.FlowVersion),
		attribute.String(InstanceStatusKey, string(instance.Status)),
		attribute.String(NodeIDKey, instance.CurrentNodeID),
	}

	if instance.FailureReason != "" {
		attrs = append(attrs, attribute.String(FailureReasonKey, string(instance.FailureReason)))
	}

	return attrs
}

// nolint:ireturn,spancheck // Returning interface is intentional for OpenTelemetry tracing
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func newTracerProvider(ctx context.Context, serviceName string) (*sdktrace.TracerProvider, error) {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}))

	return tp, nil
}
