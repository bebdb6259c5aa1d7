package postgres

import "time"

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
	defaultPingTimeout     = 5 * time.Second
	defaultMaxElapsed      = 30 * time.Second
	defaultRetryInterval   = 2 * time.Second
)

// config holds the internal configuration for the metadata store connection.
type config struct {
	dsn             string
	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
	connMaxIdleTime time.Duration
	pingTimeout     time.Duration
	retryInterval   time.Duration
	maxElapsed      time.Duration
}

func defaultConfig() *config {
	return &config{
		maxOpenConns:    defaultMaxOpenConns,
		maxIdleConns:    defaultMaxIdleConns,
		connMaxLifetime: defaultConnMaxLifetime,
		connMaxIdleTime: defaultConnMaxIdleTime,
		pingTimeout:     defaultPingTimeout,
		retryInterval:   defaultRetryInterval,
		maxElapsed:      defaultMaxElapsed,
	}
}

// Option is a functional option for configuring the metadata store.
type Option func(*config)

// WithDSN sets the connection string.
// Example: "host=localhost port=5432 user=postgres dbname=iot sslmode=disable".
func WithDSN(dsn string) Option {
	return func(c *config) {
		if dsn != "" {
			c.dsn = dsn
		}
	}
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxOpenConns = n
		}
	}
}

// WithMaxIdleConns sets the maximum number of idle connections.
func WithMaxIdleConns(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxIdleConns = n
		}
	}
}

// WithConnMaxLifetime sets the maximum lifetime of a pooled connection.
func WithConnMaxLifetime(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.connMaxLifetime = d
		}
	}
}

// WithPingTimeout sets the timeout for health check pings.
func WithPingTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.pingTimeout = d
		}
	}
}

// WithRetryInterval sets the initial interval between connect attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.retryInterval = d
		}
	}
}
