package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "pegbridge"

// StartTracing starts a span with the given name when tracing is enabled,
// otherwise returns the context unchanged and a nil span.
func StartTracing(ctx context.Context, spanName string, enabled bool, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	if !enabled {
		return ctx, nil
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	if len(attributes) > 0 {
		span.SetAttributes(attributes...)
	}
	return ctx, span
}

// EndTracing ends the given span if one was started.
func EndTracing(span trace.Span) {
	if span == nil {
		return
	}
	span.End()
}
