package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.MaxConns != 15 {
		t.Errorf("expected max_conns 15, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Audit.BreakerTimeout != 30*time.Second {
		t.Errorf("expected audit breaker timeout 30s, got %v", cfg.Audit.BreakerTimeout)
	}
	if cfg.Directory.CacheTTL > time.Minute {
		t.Errorf("directory cache ttl %v exceeds one minute", cfg.Directory.CacheTTL)
	}
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
  cors_origin: "http://example.com"
postgres:
  max_conns: 20
logging:
  level: "debug"
subscription:
  past_due_grace: 72h
partition:
  release_timeout: 500ms
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.CORSOrigin != "http://example.com" {
		t.Errorf("expected cors http://example.com, got %s", cfg.Server.CORSOrigin)
	}
	if cfg.Postgres.MaxConns != 20 {
		t.Errorf("expected max_conns 20, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Subscription.PastDueGrace != 72*time.Hour {
		t.Errorf("expected grace 72h, got %v", cfg.Subscription.PastDueGrace)
	}
	if cfg.Partition.ReleaseTimeout != 500*time.Millisecond {
		t.Errorf("expected release timeout 500ms, got %v", cfg.Partition.ReleaseTimeout)
	}
	// Unchanged fields keep defaults
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL, got %s", cfg.NATS.URL)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	err := loadYAML(&cfg, "/nonexistent/path.yaml")
	if err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestLoadYAMLInvalid(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(yamlPath, []byte("server: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err == nil {
		t.Error("expected parse error for invalid YAML")
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("TENANTGATE_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/test")
	t.Setenv("TENANTGATE_PG_MAX_CONNS", "25")
	t.Setenv("TENANTGATE_LOG_LEVEL", "warn")
	t.Setenv("TENANTGATE_AUDIT_BREAKER_TIMEOUT", "1m")
	t.Setenv("TENANTGATE_NATS_ENABLED", "false")
	t.Setenv("TENANTGATE_RATE_RPS", "2.5")
	t.Setenv("TENANTGATE_DIRECTORY_CACHE_TTL", "5s")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("expected test DSN, got %s", cfg.Postgres.DSN)
	}
	if cfg.Postgres.MaxConns != 25 {
		t.Errorf("expected max_conns 25, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
	if cfg.Audit.BreakerTimeout != time.Minute {
		t.Errorf("expected breaker timeout 1m, got %v", cfg.Audit.BreakerTimeout)
	}
	if cfg.NATS.Enabled {
		t.Error("expected nats disabled")
	}
	if cfg.Rate.RequestsPerSecond != 2.5 {
		t.Errorf("expected rps 2.5, got %v", cfg.Rate.RequestsPerSecond)
	}
	if cfg.Directory.CacheTTL != 5*time.Second {
		t.Errorf("expected cache ttl 5s, got %v", cfg.Directory.CacheTTL)
	}
}

func TestEnvInvalidValuesIgnored(t *testing.T) {
	cfg := Defaults()

	t.Setenv("TENANTGATE_PG_MAX_CONNS", "not-a-number")
	t.Setenv("TENANTGATE_PARTITION_RELEASE_TIMEOUT", "soon")
	t.Setenv("TENANTGATE_LOG_ASYNC", "maybe")

	loadEnv(&cfg)

	if cfg.Postgres.MaxConns != 15 {
		t.Errorf("invalid int should keep default, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Partition.ReleaseTimeout != 2*time.Second {
		t.Errorf("invalid duration should keep default, got %v", cfg.Partition.ReleaseTimeout)
	}
	if cfg.Logging.Async {
		t.Error("invalid bool should keep default false")
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "empty port",
			modify: func(c *Config) { c.Server.Port = "" },
			errMsg: "server.port is required",
		},
		{
			name:   "empty DSN",
			modify: func(c *Config) { c.Postgres.DSN = "" },
			errMsg: "postgres.dsn is required",
		},
		{
			name:   "empty NATS URL",
			modify: func(c *Config) { c.NATS.URL = "" },
			errMsg: "nats.url is required",
		},
		{
			name:   "zero max_conns",
			modify: func(c *Config) { c.Postgres.MaxConns = 0 },
			errMsg: "postgres.max_conns must be >= 1",
		},
		{
			name:   "missing audience",
			modify: func(c *Config) { c.Auth.Audience = "" },
			errMsg: "auth.issuer and auth.audience are required",
		},
		{
			name:   "cache ttl above one minute",
			modify: func(c *Config) { c.Directory.CacheTTL = 2 * time.Minute },
			errMsg: "directory.cache_ttl must be in (0, 1m]",
		},
		{
			name:   "zero release timeout",
			modify: func(c *Config) { c.Partition.ReleaseTimeout = 0 },
			errMsg: "partition.release_timeout must be > 0",
		},
		{
			name:   "zero grace",
			modify: func(c *Config) { c.Subscription.PastDueGrace = 0 },
			errMsg: "subscription.past_due_grace must be > 0",
		},
		{
			name:   "zero breaker failures",
			modify: func(c *Config) { c.Audit.BreakerMaxFailures = 0 },
			errMsg: "audit.breaker_max_failures must be >= 1",
		},
		{
			name:   "zero rate burst",
			modify: func(c *Config) { c.Rate.Burst = 0 },
			errMsg: "rate.burst must be >= 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.errMsg)
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidateNATSDisabledAllowsEmptyURL(t *testing.T) {
	cfg := Defaults()
	cfg.NATS.Enabled = false
	cfg.NATS.URL = ""
	if err := validate(&cfg); err != nil {
		t.Errorf("expected no error with nats disabled, got %v", err)
	}
}
