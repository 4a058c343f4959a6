// Command tenantgate runs the multi-tenant access gateway and its operator
// commands.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Strob0t/tenantgate/internal/config"
	"github.com/Strob0t/tenantgate/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

var configPath string

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "tenantgate",
		Short:         "Tenant isolation and access control gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config (default tenantgate.yaml)")

	root.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newAdminCommand(),
	)
	return root
}

// loadConfig reads configuration and installs the process logger. The
// returned closer flushes an async log handler.
func loadConfig() (*config.Config, logger.Closer, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}

	log, closer := logger.New(cfg.Logging)
	slog.SetDefault(log)
	return cfg, closer, nil
}
