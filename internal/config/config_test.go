package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.SchedulerTickInterval)
	assert.Equal(t, 15*time.Second, cfg.DeviceMonitorInterval)
	assert.Equal(t, int64(100), cfg.MaxConcurrentTransmissions)
	assert.Equal(t, 1000, cfg.MaxActiveDevices)
	assert.Equal(t, 300*time.Second, cfg.PoolMaxIdle)
	assert.Equal(t, 30*time.Second, cfg.ConnectionCacheTTL)
	assert.Equal(t, 60*time.Second, cfg.DatasetCacheTTL)
	assert.Equal(t, 5, cfg.BreakerFailureThreshold)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SCHEDULER_TICK_INTERVAL_MS", "500")
	t.Setenv("MAX_CONCURRENT_TRANSMISSIONS", "1000")
	t.Setenv("CIRCUIT_BREAKER_BASE_RECOVERY_SECONDS", "10")
	t.Setenv("CIRCUIT_BREAKER_MAX_RECOVERY_SECONDS", "120")
	t.Setenv("DATABASE_CONN_MAX_LIFETIME_SECONDS", "600")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.SchedulerTickInterval)
	assert.Equal(t, int64(1000), cfg.MaxConcurrentTransmissions)
	assert.Equal(t, 10*time.Second, cfg.BreakerBaseRecovery)
	assert.Equal(t, 120*time.Second, cfg.BreakerMaxRecovery)
	assert.Equal(t, 10*time.Minute, cfg.DatabaseMaxLifetime)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("MAX_ACTIVE_DEVICES", "many")

	_, err := Load()
	require.Error(t, err)
}

func TestValidateBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero tick", func(c *Config) { c.SchedulerTickInterval = 0 }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrentTransmissions = 0 }},
		{"zero threshold", func(c *Config) { c.BreakerFailureThreshold = 0 }},
		{"max recovery below base", func(c *Config) { c.BreakerMaxRecovery = c.BreakerBaseRecovery - time.Second }},
		{"negative payload cap", func(c *Config) { c.LogPayloadMaxBytes = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
