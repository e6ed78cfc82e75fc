package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan starts a span under the tracer with the given attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan ends a span, recording err when non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID extracts the trace id from ctx, or "" outside a trace.
func TraceID(ctx context.Context) string {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// SetSpanAttributes adds attributes to the span in ctx.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// SetSpanError records an error on the span in ctx.
func SetSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AddSpanEvent adds an event to the span in ctx.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// Attribute keys shared across spans.
var (
	AttrAggregateID      = attribute.Key("aggregate.id")
	AttrAggregateVersion = attribute.Key("aggregate.version")

	AttrCommandType = attribute.Key("command.type")

	AttrEventID    = attribute.Key("event.id")
	AttrEventType  = attribute.Key("event.type")
	AttrEventCount = attribute.Key("event.count")

	AttrStream     = attribute.Key("stream")
	AttrPartition  = attribute.Key("partition")
	AttrProjection = attribute.Key("projection")

	AttrSnapshotHit = attribute.Key("snapshot.hit")

	AttrErrorType = attribute.Key("error.type")
)

// AggregateAttrs returns the span attributes identifying an aggregate.
func AggregateAttrs(id string, version uint32) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAggregateID.String(id),
		AttrAggregateVersion.Int64(int64(version)),
	}
}

// EventAttrs returns the span attributes identifying an event.
func EventAttrs(eventType uint32, eventID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEventType.Int64(int64(eventType)),
	}
	if eventID != "" {
		attrs = append(attrs, AttrEventID.String(eventID))
	}
	return attrs
}

// ErrorAttrs returns the span attributes describing an error.
func ErrorAttrs(err error) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrErrorType.String(fmt.Sprintf("%T", err)),
	}
}
