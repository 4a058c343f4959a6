package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "tenantgate"

// StartStageSpan starts a span for one access pipeline stage.
func StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "access."+stage)
}

// StartPartitionSpan starts a span covering a partition binding. The
// partition id is not recorded; the tenant id is enough to correlate.
func StartPartitionSpan(ctx context.Context, tenantID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "partition.bind",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)),
	)
}

// StartAuditSpan starts a span for an audit write.
func StartAuditSpan(ctx context.Context, action string, sensitive bool) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "audit.record",
		trace.WithAttributes(
			attribute.String("audit.action", action),
			attribute.Bool("audit.sensitive", sensitive),
		),
	)
}
