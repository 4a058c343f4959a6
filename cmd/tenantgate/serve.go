package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	tghttp "github.com/Strob0t/tenantgate/internal/adapter/http"
	"github.com/Strob0t/tenantgate/internal/adapter/otel"
	"github.com/Strob0t/tenantgate/internal/middleware"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	var opts appOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.inMemory, "in-memory", false, "use in-memory stores instead of PostgreSQL (development only)")
	return cmd
}

func runServe(ctx context.Context, opts appOptions) error {
	cfg, logCloser, err := loadConfig()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"pg_max_conns", cfg.Postgres.MaxConns,
		"nats_enabled", cfg.NATS.Enabled,
	)

	otelShutdown, err := otel.Init(ctx, cfg.Telemetry, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Error("telemetry shutdown", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.close()

	// --- Subscribers ---
	for name, start := range map[string]func(context.Context) (func(), error){
		"directory invalidation": a.directory.Start,
		"audit queue":            a.audit.Start,
		"billing events":         a.subscriptions.Start,
	} {
		cancel, err := start(ctx)
		if err != nil {
			return fmt.Errorf("%s subscriber: %w", name, err)
		}
		defer cancel()
	}

	// --- HTTP ---
	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
	defer stopCleanup()

	handlers := &tghttp.Handlers{
		Verifier:      a.verifier,
		Guard:         a.guard,
		Router:        a.router,
		Members:       a.members,
		Features:      a.features,
		Records:       a.records,
		Audit:         a.audit,
		Subscriptions: a.subscriptions,
		Metrics:       a.metrics,
		BillingSecret: func() string { return a.vault.Get(cfg.Billing.SecretKey) },
		Events:        a.cache,
		Ready:         a.ready,
		BodyLimit:     cfg.Server.BodyLimit,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(tghttp.SecurityHeaders)
	r.Use(tghttp.CORS(cfg.Server.CORSOrigin))
	r.Use(tghttp.Logger)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(chimw.Recoverer)
	r.Use(limiter.Handler)
	r.Use(chimw.Timeout(cfg.Server.RequestTimeout))
	tghttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	g.Go(func() error {
		runSweeper(gctx, a, cfg.Subscription.SweepInterval)
		return nil
	})

	g.Go(func() error {
		watchReload(gctx, a)
		return nil
	})

	return g.Wait()
}

// runSweeper drives the subscription sweepers and revocation purge until ctx
// is done.
func runSweeper(ctx context.Context, a *app, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.subscriptions.Sweep(ctx)
			if n, err := a.verifier.PurgeRevocations(ctx); err != nil {
				slog.ErrorContext(ctx, "purge revoked tokens", "error", err)
			} else if n > 0 {
				slog.InfoContext(ctx, "purged revoked tokens", "count", n)
			}
		}
	}
}

// watchReload reloads secrets on SIGHUP so signing and webhook keys can be
// rotated without a restart.
func watchReload(ctx context.Context, a *app) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := a.vault.Reload(); err != nil {
				slog.Error("secrets reload failed, keeping previous values", "error", err)
				continue
			}
			slog.Info("secrets reloaded", "version", a.vault.Version())
		}
	}
}
