package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new internal span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan creates a new server span (for incoming requests).
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartActionSpan creates the span wrapping one claimed action.
func StartActionSpan(ctx context.Context, actionType string, actionID int64) (context.Context, trace.Span) {
	return StartSpan(ctx, "action "+actionType,
		AttrActionType.String(actionType),
		AttrActionID.Int64(actionID),
	)
}

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// SetSpanError marks the span as errored.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// GetTraceID returns the trace ID from context as a string, for log
// correlation.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().HasTraceID() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// Common attribute keys for unit spans
var (
	AttrActionType  = attribute.Key("lmunit.action.type")
	AttrActionID    = attribute.Key("lmunit.action.id")
	AttrRequestID   = attribute.Key("lmunit.request.id")
	AttrRequestType = attribute.Key("lmunit.request.type")
	AttrMachineID   = attribute.Key("lmunit.machine.id")
	AttrHostMoRef   = attribute.Key("lmunit.host.moref")
)
