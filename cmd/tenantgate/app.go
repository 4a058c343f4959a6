package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/tenantgate/internal/adapter/memory"
	tgnats "github.com/Strob0t/tenantgate/internal/adapter/nats"
	"github.com/Strob0t/tenantgate/internal/adapter/natskv"
	"github.com/Strob0t/tenantgate/internal/adapter/otel"
	"github.com/Strob0t/tenantgate/internal/adapter/postgres"
	"github.com/Strob0t/tenantgate/internal/adapter/ristretto"
	"github.com/Strob0t/tenantgate/internal/adapter/tiered"
	"github.com/Strob0t/tenantgate/internal/config"
	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/port/cache"
	"github.com/Strob0t/tenantgate/internal/port/database"
	"github.com/Strob0t/tenantgate/internal/port/messagequeue"
	"github.com/Strob0t/tenantgate/internal/port/partition"
	"github.com/Strob0t/tenantgate/internal/resilience"
	"github.com/Strob0t/tenantgate/internal/secrets"
	"github.com/Strob0t/tenantgate/internal/service"
)

// partitionProvider is the partition pool together with its provisioner.
type partitionProvider interface {
	partition.Pool
	partition.Provisioner
}

// app holds every wired component. Both the server and the admin commands
// build one, so an operator change goes through the same services, audit
// and cache invalidation as a request would.
type app struct {
	cfg     *config.Config
	vault   *secrets.Vault
	metrics *otel.Metrics

	store database.Store
	pool  partitionProvider
	queue messagequeue.Queue
	cache cache.Cache

	verifier      *service.PrincipalVerifier
	directory     *service.Directory
	guard         *service.MembershipGuard
	router        *service.PartitionRouter
	audit         *service.AuditService
	tenants       *service.TenantService
	members       *service.MembershipService
	features      *service.FeatureService
	records       *service.RecordService
	subscriptions *service.SubscriptionService

	ready   func(ctx context.Context) error
	closers []func()
}

type appOptions struct {
	inMemory bool
}

// newApp connects the backing stores and wires the services. The caller
// must call close.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.vault, err = secrets.NewVault(secrets.EnvLoader(cfg.Auth.SecretKey, cfg.Billing.SecretKey))
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	if _, err := a.vault.Require(cfg.Auth.SecretKey); err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}

	a.metrics, err = otel.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	if err := a.openStores(ctx, opts); err != nil {
		return nil, err
	}
	if err := a.openMessaging(ctx); err != nil {
		return nil, err
	}

	// A duplicate entry id means the store answered; it must not trip the breaker.
	breaker := resilience.NewBreaker(cfg.Audit.BreakerMaxFailures, cfg.Audit.BreakerTimeout,
		resilience.IgnoreErrors(domain.ErrConflict))

	a.directory = service.NewDirectory(a.store, a.cache, a.queue, cfg.Directory.CacheTTL, a.metrics)
	a.audit = service.NewAuditService(a.store, a.queue, breaker, a.metrics)
	a.verifier = service.NewPrincipalVerifier(a.vault, cfg.Auth, a.store)
	a.guard = service.NewMembershipGuard(a.directory)
	a.router = service.NewPartitionRouter(a.pool, cfg.Partition, a.metrics)
	a.tenants = service.NewTenantService(a.store, a.directory, a.audit, a.pool)
	a.members = service.NewMembershipService(a.store, a.directory, a.audit)
	a.features = service.NewFeatureService(a.store, a.directory, a.audit)
	a.records = service.NewRecordService(a.audit)
	a.subscriptions = service.NewSubscriptionService(
		a.store, a.directory, a.audit, a.pool, a.queue, cfg.Subscription, a.metrics)
	return a, nil
}

func (a *app) openStores(ctx context.Context, opts appOptions) error {
	if opts.inMemory {
		slog.Warn("running with in-memory stores, state is lost on exit")
		a.store = memory.NewStore()
		a.pool = memory.NewPool(int(a.cfg.Postgres.MaxConns))
		a.ready = func(context.Context) error { return nil }
		return nil
	}

	if err := postgres.RunMigrations(ctx, a.cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	meta, err := postgres.NewPool(ctx, a.cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	a.closers = append(a.closers, meta.Close)

	// Partition traffic holds a connection for a whole request; it gets its
	// own pool so it cannot starve directory and audit queries.
	data, err := postgres.NewPool(ctx, a.cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres partition pool: %w", err)
	}
	a.closers = append(a.closers, data.Close)

	store := postgres.NewStore(meta)
	a.store = store
	a.pool = postgres.NewPartitionPool(data)
	a.ready = func(ctx context.Context) error {
		return errors.Join(store.Ping(ctx), pingPool(ctx, data))
	}
	slog.Info("postgres connected", "max_conns", a.cfg.Postgres.MaxConns)
	return nil
}

func pingPool(ctx context.Context, p *pgxpool.Pool) error {
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("partition pool: %w", err)
	}
	return nil
}

// openMessaging connects NATS and builds the directory cache. Without NATS
// the queue is in-process and the cache is L1 only.
func (a *app) openMessaging(ctx context.Context) error {
	l1, err := ristretto.New(a.cfg.Directory.L1MaxSizeMB, a.cfg.Directory.CacheTTL)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	a.closers = append(a.closers, l1.Close)

	if !a.cfg.NATS.Enabled {
		a.queue = memory.NewQueue()
		a.cache = l1
		return nil
	}

	// Invalidations published while disconnected are lost, so drop all of
	// L1 on reconnect and let entries reload from L2 or the store.
	var tc *tiered.Cache
	var tcReady atomic.Bool
	q, err := tgnats.Connect(ctx, a.cfg.NATS.URL, tgnats.WithReconnectHandler(func() {
		slog.Info("nats reconnected, clearing l1 cache")
		if tcReady.Load() {
			tc.Clear()
			return
		}
		l1.Clear()
	}))
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	a.closers = append(a.closers, func() { _ = q.Close() })
	a.queue = q

	kv, err := q.KeyValue(ctx, a.cfg.NATS.KVBucket, a.cfg.Directory.CacheTTL)
	if err != nil {
		return fmt.Errorf("nats kv: %w", err)
	}
	tc = tiered.New(l1, natskv.New(kv), a.cfg.Directory.CacheTTL)
	tcReady.Store(true)
	a.cache = tc

	storeReady := a.ready
	a.ready = func(ctx context.Context) error {
		if !q.IsConnected() {
			return errors.New("nats disconnected")
		}
		return storeReady(ctx)
	}
	slog.Info("nats connected", "url", a.cfg.NATS.URL, "kv_bucket", a.cfg.NATS.KVBucket)
	return nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
