package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Strob0t/tenantgate/internal/adapter/otel"
	"github.com/Strob0t/tenantgate/internal/config"
	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/record"
	"github.com/Strob0t/tenantgate/internal/domain/tenant"
	"github.com/Strob0t/tenantgate/internal/port/partition"
)

// errBindingReleased is returned by a session used after its binding ended.
var errBindingReleased = fmt.Errorf("%w: binding already released", domain.ErrPartitionUnavailable)

// PartitionRouter binds a request to its tenant's partition on a connection
// checked out for that request alone, and guarantees the connection is reset
// before anyone else can use it.
type PartitionRouter struct {
	pool    partition.Pool
	cfg     config.Partition
	metrics *otel.Metrics
}

// NewPartitionRouter creates a PartitionRouter over pool.
func NewPartitionRouter(pool partition.Pool, cfg config.Partition, metrics *otel.Metrics) *PartitionRouter {
	return &PartitionRouter{pool: pool, cfg: cfg, metrics: metrics}
}

// Binding is one request's hold on a bound connection. Unbind must be called
// exactly once on every path; further calls are no-ops.
type Binding struct {
	router  *PartitionRouter
	conn    partition.Conn
	session *guardedSession
	once    sync.Once
	ctx     context.Context
}

// Session returns the partition-scoped data surface.
func (b *Binding) Session() partition.Session {
	return b.session
}

// Bind acquires a connection and selects t's partition on it. Acquisition is
// bounded by the configured acquire timeout.
func (r *PartitionRouter) Bind(ctx context.Context, t *tenant.Tenant) (*Binding, error) {
	if t == nil || t.PartitionID == "" {
		return nil, fmt.Errorf("%w: tenant has no partition", domain.ErrPartitionUnavailable)
	}
	ctx, span := otel.StartPartitionSpan(ctx, t.ID)
	defer span.End()

	start := time.Now()
	acquireCtx := ctx
	if r.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
		defer cancel()
	}
	conn, err := r.pool.Acquire(acquireCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire: %w", domain.ErrPartitionUnavailable, err)
	}
	sess, err := conn.Bind(ctx, t.PartitionID)
	if err != nil {
		r.reset(ctx, conn)
		if errors.Is(err, domain.ErrPartitionUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: bind: %w", domain.ErrPartitionUnavailable, err)
	}
	r.metrics.Bound(ctx, time.Since(start))
	return &Binding{
		router:  r,
		conn:    conn,
		session: &guardedSession{inner: sess},
		ctx:     context.WithoutCancel(ctx),
	}, nil
}

// Unbind ends the binding. The session stops working immediately; the
// connection is reset and released, or discarded if the reset fails or
// does not finish within the release timeout.
func (b *Binding) Unbind() {
	b.once.Do(func() {
		b.session.released.Store(true)
		b.router.reset(b.ctx, b.conn)
	})
}

// reset returns conn to neutral and releases it. Any failure, including a
// reset that hangs past the release timeout, discards the connection.
func (r *PartitionRouter) reset(ctx context.Context, conn partition.Conn) {
	timeout := r.cfg.ReleaseTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- conn.Reset(resetCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-resetCtx.Done():
		err = resetCtx.Err()
	}
	if err != nil {
		slog.WarnContext(ctx, "partition reset failed, discarding connection", "error", err)
		conn.Discard()
		r.metrics.Unbound(ctx, true)
		return
	}
	conn.Release()
	r.metrics.Unbound(ctx, false)
}

// Run binds t's partition, calls fn with the session and always unbinds,
// including when fn panics.
func (r *PartitionRouter) Run(ctx context.Context, t *tenant.Tenant, fn func(ctx context.Context, s partition.Session) error) error {
	b, err := r.Bind(ctx, t)
	if err != nil {
		return err
	}
	defer b.Unbind()
	return fn(ctx, b.Session())
}

// guardedSession refuses every call once its binding is released, so a
// handler holding on to the session cannot reach a recycled connection.
type guardedSession struct {
	inner    partition.Session
	released atomic.Bool
}

func (s *guardedSession) PartitionID() string {
	return s.inner.PartitionID()
}

func (s *guardedSession) ListRecords(ctx context.Context) ([]record.Record, error) {
	if s.released.Load() {
		return nil, errBindingReleased
	}
	return s.inner.ListRecords(ctx)
}

func (s *guardedSession) GetRecord(ctx context.Context, id string) (*record.Record, error) {
	if s.released.Load() {
		return nil, errBindingReleased
	}
	return s.inner.GetRecord(ctx, id)
}

func (s *guardedSession) CreateRecord(ctx context.Context, r *record.Record) error {
	if s.released.Load() {
		return errBindingReleased
	}
	return s.inner.CreateRecord(ctx, r)
}

func (s *guardedSession) DeleteRecord(ctx context.Context, id string) error {
	if s.released.Load() {
		return errBindingReleased
	}
	return s.inner.DeleteRecord(ctx, id)
}
