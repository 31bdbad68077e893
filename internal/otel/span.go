// Package otel holds small tracing helpers shared by the backup pipeline.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys attached to run and phase spans.
const (
	AttrRunID           = attribute.Key("run.id")
	AttrRunPhase        = attribute.Key("run.phase")
	AttrBackupEngine    = attribute.Key("backup.engine")
	AttrBackupRecords   = attribute.Key("backup.records")
	AttrBackupDatabases = attribute.Key("backup.databases")
	AttrGitStep         = attribute.Key("git.step")
	AttrGitCommit       = attribute.Key("git.commit")
)

// StartSpan starts a span on tracer, or returns the span already in ctx when tracer is nil.
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
// The status description stays generic because errors may embed connection strings;
// the full error is kept in the span event.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
