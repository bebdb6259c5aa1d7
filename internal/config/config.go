package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every runtime option recognised by the transmission service.
type Config struct {
	ServiceName string
	Environment string

	// HTTP control/observability server.
	HTTPPort string

	// Scheduler.
	SchedulerTickInterval      time.Duration
	DeviceMonitorInterval      time.Duration
	MaxConcurrentTransmissions int64
	MaxActiveDevices           int

	// Connection pool.
	PoolMaxIdle            time.Duration
	PoolHealthInterval     time.Duration
	PublishTimeout         time.Duration
	RetryBackoffCapSeconds int

	// Circuit breaker.
	BreakerFailureThreshold int
	BreakerBaseRecovery     time.Duration
	BreakerMaxRecovery      time.Duration

	// Metadata caches.
	ConnectionCacheTTL time.Duration
	DatasetCacheTTL    time.Duration

	// Dataset files.
	DatasetBaseDir      string
	DatasetLegacyPrefix string

	// Transmission logs. Payloads larger than LogPayloadMaxBytes are stored
	// as NULL message_content; zero disables the cap.
	LogPayloadMaxBytes int

	// Optional base64 key for decrypting sensitive connection fields.
	SecretsKey string

	// Database.
	DatabaseDSN         string
	DatabaseMaxOpen     int
	DatabaseMaxIdle     int
	DatabaseMaxLifetime time.Duration

	// Telemetry.
	LogLevel          string
	TraceOTLPEndpoint string
}

// DefaultConfig returns the configuration defaults documented in the
// operations guide.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:                "transmission-service",
		Environment:                "development",
		HTTPPort:                   "8081",
		SchedulerTickInterval:      250 * time.Millisecond,
		DeviceMonitorInterval:      15 * time.Second,
		MaxConcurrentTransmissions: 100,
		MaxActiveDevices:           1000,
		PoolMaxIdle:                300 * time.Second,
		PoolHealthInterval:         60 * time.Second,
		PublishTimeout:             30 * time.Second,
		RetryBackoffCapSeconds:     30,
		BreakerFailureThreshold:    5,
		BreakerBaseRecovery:        30 * time.Second,
		BreakerMaxRecovery:         300 * time.Second,
		ConnectionCacheTTL:         30 * time.Second,
		DatasetCacheTTL:            60 * time.Second,
		DatasetBaseDir:             "./data",
		LogPayloadMaxBytes:         65536,
		DatabaseMaxOpen:            25,
		DatabaseMaxIdle:            5,
		DatabaseMaxLifetime:        5 * time.Minute,
		LogLevel:                   "info",
	}
}

// Load builds a Config from environment variables on top of the defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	cfg.ServiceName = getEnv("SERVICE_NAME", cfg.ServiceName)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)

	var err error
	if cfg.SchedulerTickInterval, err = getEnvMillis("SCHEDULER_TICK_INTERVAL_MS", cfg.SchedulerTickInterval); err != nil {
		return nil, err
	}
	if cfg.DeviceMonitorInterval, err = getEnvSeconds("DEVICE_MONITOR_INTERVAL_SECONDS", cfg.DeviceMonitorInterval); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentTransmissions, err = getEnvInt64("MAX_CONCURRENT_TRANSMISSIONS", cfg.MaxConcurrentTransmissions); err != nil {
		return nil, err
	}
	if cfg.MaxActiveDevices, err = getEnvInt("MAX_ACTIVE_DEVICES", cfg.MaxActiveDevices); err != nil {
		return nil, err
	}
	if cfg.PoolMaxIdle, err = getEnvSeconds("CONNECTION_POOL_MAX_IDLE_SECONDS", cfg.PoolMaxIdle); err != nil {
		return nil, err
	}
	if cfg.PoolHealthInterval, err = getEnvSeconds("CONNECTION_POOL_HEALTH_CHECK_INTERVAL_SECONDS", cfg.PoolHealthInterval); err != nil {
		return nil, err
	}
	if cfg.PublishTimeout, err = getEnvSeconds("PUBLISH_TIMEOUT_SECONDS", cfg.PublishTimeout); err != nil {
		return nil, err
	}
	if cfg.RetryBackoffCapSeconds, err = getEnvInt("RETRY_BACKOFF_CAP_SECONDS", cfg.RetryBackoffCapSeconds); err != nil {
		return nil, err
	}
	if cfg.BreakerFailureThreshold, err = getEnvInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", cfg.BreakerFailureThreshold); err != nil {
		return nil, err
	}
	if cfg.BreakerBaseRecovery, err = getEnvSeconds("CIRCUIT_BREAKER_BASE_RECOVERY_SECONDS", cfg.BreakerBaseRecovery); err != nil {
		return nil, err
	}
	if cfg.BreakerMaxRecovery, err = getEnvSeconds("CIRCUIT_BREAKER_MAX_RECOVERY_SECONDS", cfg.BreakerMaxRecovery); err != nil {
		return nil, err
	}
	if cfg.ConnectionCacheTTL, err = getEnvSeconds("CONNECTION_CACHE_TTL_SECONDS", cfg.ConnectionCacheTTL); err != nil {
		return nil, err
	}
	if cfg.DatasetCacheTTL, err = getEnvSeconds("DATASET_CACHE_TTL_SECONDS", cfg.DatasetCacheTTL); err != nil {
		return nil, err
	}
	if cfg.LogPayloadMaxBytes, err = getEnvInt("LOG_PAYLOAD_MAX_BYTES", cfg.LogPayloadMaxBytes); err != nil {
		return nil, err
	}
	if cfg.DatabaseMaxOpen, err = getEnvInt("DATABASE_MAX_OPEN_CONNS", cfg.DatabaseMaxOpen); err != nil {
		return nil, err
	}
	if cfg.DatabaseMaxIdle, err = getEnvInt("DATABASE_MAX_IDLE_CONNS", cfg.DatabaseMaxIdle); err != nil {
		return nil, err
	}
	if cfg.DatabaseMaxLifetime, err = getEnvSeconds("DATABASE_CONN_MAX_LIFETIME_SECONDS", cfg.DatabaseMaxLifetime); err != nil {
		return nil, err
	}

	cfg.DatasetBaseDir = getEnv("DATASET_BASE_DIR", cfg.DatasetBaseDir)
	cfg.DatasetLegacyPrefix = getEnv("DATASET_LEGACY_PREFIX", cfg.DatasetLegacyPrefix)
	cfg.SecretsKey = getEnv("SECRETS_KEY", cfg.SecretsKey)
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", cfg.DatabaseDSN)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.TraceOTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.TraceOTLPEndpoint)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration bounds.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return errors.New("service name is required")
	}
	if c.SchedulerTickInterval <= 0 {
		return errors.New("scheduler tick interval must be positive")
	}
	if c.DeviceMonitorInterval <= 0 {
		return errors.New("device monitor interval must be positive")
	}
	if c.MaxConcurrentTransmissions <= 0 {
		return errors.New("max concurrent transmissions must be positive")
	}
	if c.MaxActiveDevices <= 0 {
		return errors.New("max active devices must be positive")
	}
	if c.PublishTimeout <= 0 {
		return errors.New("publish timeout must be positive")
	}
	if c.RetryBackoffCapSeconds <= 0 {
		return errors.New("retry backoff cap must be positive")
	}
	if c.BreakerFailureThreshold <= 0 {
		return errors.New("circuit breaker failure threshold must be positive")
	}
	if c.BreakerBaseRecovery <= 0 || c.BreakerMaxRecovery < c.BreakerBaseRecovery {
		return errors.New("circuit breaker recovery delays are inconsistent")
	}
	if c.LogPayloadMaxBytes < 0 {
		return errors.New("log payload cap cannot be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvSeconds(key string, fallback time.Duration) (time.Duration, error) {
	n, err := getEnvInt(key, int(fallback/time.Second))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func getEnvMillis(key string, fallback time.Duration) (time.Duration, error) {
	n, err := getEnvInt(key, int(fallback/time.Millisecond))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}
