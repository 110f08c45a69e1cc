// Package otel provides OpenTelemetry span helpers shared by the sync pipeline.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used on pipeline spans
const (
	AttrRunID        = attribute.Key("sync.run_id")
	AttrPartition    = attribute.Key("sync.partition")
	AttrMode         = attribute.Key("sync.mode")
	AttrForceFull    = attribute.Key("sync.force_full")
	AttrRecordCount  = attribute.Key("sync.records")
	AttrDeleteCount  = attribute.Key("sync.deleted")
	AttrCheckpoint   = attribute.Key("sync.checkpoint")
	AttrPageCount    = attribute.Key("sync.pages")
	AttrRestartCount = attribute.Key("sync.cursor_restarts")
)

// StartSpan starts a new span if the tracer is non-nil, otherwise returns the span
// already in ctx, which is a no-op span when tracing is disabled.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError records err on span and marks the span as failed.
// Nil spans and nil errors are ignored. The status description stays generic,
// the error itself is attached as a span event.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
