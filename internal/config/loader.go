package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "tenantgate.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "TENANTGATE_PORT")
	setString(&cfg.Server.CORSOrigin, "TENANTGATE_CORS_ORIGIN")
	setDuration(&cfg.Server.RequestTimeout, "TENANTGATE_REQUEST_TIMEOUT")
	setInt64(&cfg.Server.BodyLimit, "TENANTGATE_BODY_LIMIT")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "TENANTGATE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "TENANTGATE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "TENANTGATE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "TENANTGATE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "TENANTGATE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setBool(&cfg.NATS.Enabled, "TENANTGATE_NATS_ENABLED")
	setString(&cfg.NATS.KVBucket, "TENANTGATE_NATS_KV_BUCKET")
	setString(&cfg.Logging.Level, "TENANTGATE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "TENANTGATE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "TENANTGATE_LOG_ASYNC")

	// Auth
	setString(&cfg.Auth.Issuer, "TENANTGATE_AUTH_ISSUER")
	setString(&cfg.Auth.Audience, "TENANTGATE_AUTH_AUDIENCE")
	setDuration(&cfg.Auth.Leeway, "TENANTGATE_AUTH_LEEWAY")
	setDuration(&cfg.Auth.TokenTTL, "TENANTGATE_AUTH_TOKEN_TTL")

	// Directory
	setDuration(&cfg.Directory.CacheTTL, "TENANTGATE_DIRECTORY_CACHE_TTL")
	setInt64(&cfg.Directory.L1MaxSizeMB, "TENANTGATE_DIRECTORY_L1_SIZE_MB")

	// Subscription
	setDuration(&cfg.Subscription.PastDueGrace, "TENANTGATE_PAST_DUE_GRACE")
	setDuration(&cfg.Subscription.SweepInterval, "TENANTGATE_SWEEP_INTERVAL")
	setDuration(&cfg.Subscription.Retention, "TENANTGATE_RETENTION")

	// Partition
	setDuration(&cfg.Partition.AcquireTimeout, "TENANTGATE_PARTITION_ACQUIRE_TIMEOUT")
	setDuration(&cfg.Partition.ReleaseTimeout, "TENANTGATE_PARTITION_RELEASE_TIMEOUT")

	// Audit
	setInt(&cfg.Audit.BreakerMaxFailures, "TENANTGATE_AUDIT_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Audit.BreakerTimeout, "TENANTGATE_AUDIT_BREAKER_TIMEOUT")

	setFloat64(&cfg.Rate.RequestsPerSecond, "TENANTGATE_RATE_RPS")
	setInt(&cfg.Rate.Burst, "TENANTGATE_RATE_BURST")

	// Telemetry
	setBool(&cfg.Telemetry.Enabled, "TENANTGATE_OTEL_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setFloat64(&cfg.Telemetry.SampleRate, "TENANTGATE_OTEL_SAMPLE_RATE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.Enabled && cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Auth.Issuer == "" || cfg.Auth.Audience == "" {
		return errors.New("auth.issuer and auth.audience are required")
	}
	if cfg.Directory.CacheTTL <= 0 || cfg.Directory.CacheTTL > time.Minute {
		return errors.New("directory.cache_ttl must be in (0, 1m]")
	}
	if cfg.Partition.ReleaseTimeout <= 0 {
		return errors.New("partition.release_timeout must be > 0")
	}
	if cfg.Subscription.PastDueGrace <= 0 {
		return errors.New("subscription.past_due_grace must be > 0")
	}
	if cfg.Audit.BreakerMaxFailures < 1 {
		return errors.New("audit.breaker_max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
