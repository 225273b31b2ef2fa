package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "taskpilot"

// Span attribute keys.
const (
	AttrTaskID     = "taskpilot.task_id"
	AttrOperation  = "taskpilot.operation"
	AttrHTTPStatus = "http.response.status_code"
)

// StartSpan opens a client span on the global tracer provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TaskAttrs returns the standard attributes for a task operation.
func TaskAttrs(operation, taskID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrOperation, operation)}
	if taskID != "" {
		attrs = append(attrs, attribute.String(AttrTaskID, taskID))
	}
	return attrs
}
