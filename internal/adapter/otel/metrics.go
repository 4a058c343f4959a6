package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "tenantgate"

// Metrics holds all tenantgate metric instruments. Instruments come from the
// global meter provider, so they are no-ops until Init installs a real one.
type Metrics struct {
	Decisions          metric.Int64Counter
	PartitionActive    metric.Int64UpDownCounter
	PartitionDiscards  metric.Int64Counter
	PartitionBind      metric.Float64Histogram
	AuditWrites        metric.Int64Counter
	DirectoryLookups   metric.Int64Counter
	StatusTransitions  metric.Int64Counter
	BreakerTransitions metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.Decisions, err = meter.Int64Counter("tenantgate.access.decisions",
		metric.WithDescription("Access pipeline decisions by stage and outcome"))
	if err != nil {
		return nil, err
	}

	m.PartitionActive, err = meter.Int64UpDownCounter("tenantgate.partition.active",
		metric.WithDescription("Connections currently bound to a partition"))
	if err != nil {
		return nil, err
	}

	m.PartitionDiscards, err = meter.Int64Counter("tenantgate.partition.discards",
		metric.WithDescription("Connections discarded because they could not be reset"))
	if err != nil {
		return nil, err
	}

	m.PartitionBind, err = meter.Float64Histogram("tenantgate.partition.bind_seconds",
		metric.WithDescription("Time to acquire and bind a partition connection"))
	if err != nil {
		return nil, err
	}

	m.AuditWrites, err = meter.Int64Counter("tenantgate.audit.writes",
		metric.WithDescription("Audit writes by path (store, queue, dropped, failed)"))
	if err != nil {
		return nil, err
	}

	m.DirectoryLookups, err = meter.Int64Counter("tenantgate.directory.lookups",
		metric.WithDescription("Directory lookups by kind and cache result"))
	if err != nil {
		return nil, err
	}

	m.StatusTransitions, err = meter.Int64Counter("tenantgate.subscription.transitions",
		metric.WithDescription("Subscription status transitions"))
	if err != nil {
		return nil, err
	}

	m.BreakerTransitions, err = meter.Int64Counter("tenantgate.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Decision records one pipeline outcome. Nil-safe.
func (m *Metrics) Decision(ctx context.Context, stage, outcome string) {
	if m == nil {
		return
	}
	m.Decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	))
}

// Bound records a successful bind and its latency. Nil-safe.
func (m *Metrics) Bound(ctx context.Context, took time.Duration) {
	if m == nil {
		return
	}
	m.PartitionActive.Add(ctx, 1)
	m.PartitionBind.Record(ctx, took.Seconds())
}

// Unbound records the end of a binding. Nil-safe.
func (m *Metrics) Unbound(ctx context.Context, discarded bool) {
	if m == nil {
		return
	}
	m.PartitionActive.Add(ctx, -1)
	if discarded {
		m.PartitionDiscards.Add(ctx, 1)
	}
}

// Audit records an audit write on path. Nil-safe.
func (m *Metrics) Audit(ctx context.Context, path string, sensitive bool) {
	if m == nil {
		return
	}
	m.AuditWrites.Add(ctx, 1, metric.WithAttributes(
		attribute.String("path", path),
		attribute.Bool("sensitive", sensitive),
	))
}

// Lookup records a directory lookup. Nil-safe.
func (m *Metrics) Lookup(ctx context.Context, kind string, hit bool) {
	if m == nil {
		return
	}
	m.DirectoryLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("cache_hit", hit),
	))
}

// Transition records a subscription status change. Nil-safe.
func (m *Metrics) Transition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.StatusTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// Breaker records a circuit breaker state change. Nil-safe.
func (m *Metrics) Breaker(ctx context.Context, name, from, to string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
