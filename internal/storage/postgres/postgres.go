package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/XSAM/otelsql"
	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Database is the metadata store connection manager.
type Database interface {
	Connect(ctx context.Context) error
	DB() *sql.DB
	HealthCheck(ctx context.Context) error
	Close() error
}

type database struct {
	db     *sql.DB
	config *config
}

// New creates a metadata store handle with the provided options. Connect
// must be called before use.
func New(opts ...Option) Database {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	return &database{config: cfg}
}

// Connect opens the pgx stdlib driver wrapped with otelsql instrumentation
// and pings until the database answers, with exponential backoff.
func (d *database) Connect(ctx context.Context) error {
	if d.db != nil {
		return ErrAlreadyConnected
	}

	driverName, err := otelsql.Register("pgx",
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	var db *sql.DB
	operation := func() error {
		var openErr error
		db, openErr = sql.Open(driverName, d.config.dsn)
		if openErr != nil {
			return fmt.Errorf("%w: %v", ErrConnectionFailed, openErr)
		}
		if pingErr := db.PingContext(ctx); pingErr != nil {
			_ = db.Close()
			return fmt.Errorf("%w: %v", ErrPingFailed, pingErr)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.config.retryInterval
	policy.MaxElapsedTime = d.config.maxElapsed

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return err
	}

	db.SetMaxOpenConns(d.config.maxOpenConns)
	db.SetMaxIdleConns(d.config.maxIdleConns)
	db.SetConnMaxLifetime(d.config.connMaxLifetime)
	db.SetConnMaxIdleTime(d.config.connMaxIdleTime)

	d.db = db
	return nil
}

// DB returns the underlying *sql.DB instance.
func (d *database) DB() *sql.DB {
	return d.db
}

// HealthCheck verifies the database connection is alive.
func (d *database) HealthCheck(ctx context.Context) error {
	if d.db == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.pingTimeout)
	defer cancel()

	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrHealthCheckFailed, err)
	}
	return nil
}

// Close gracefully closes the database connection.
func (d *database) Close() error {
	if d.db == nil {
		return ErrNotConnected
	}

	if err := d.db.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrCloseFailed, err)
	}

	d.db = nil
	return nil
}
