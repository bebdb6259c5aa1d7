package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/iotforge/transmission-service/internal/api"
	"github.com/iotforge/transmission-service/internal/breaker"
	"github.com/iotforge/transmission-service/internal/cache"
	"github.com/iotforge/transmission-service/internal/config"
	"github.com/iotforge/transmission-service/internal/dataset"
	"github.com/iotforge/transmission-service/internal/domain"
	"github.com/iotforge/transmission-service/internal/engine"
	"github.com/iotforge/transmission-service/internal/metadata"
	"github.com/iotforge/transmission-service/internal/pool"
	"github.com/iotforge/transmission-service/internal/protocols"
	"github.com/iotforge/transmission-service/internal/runtime"
	"github.com/iotforge/transmission-service/internal/secrets"
	"github.com/iotforge/transmission-service/internal/storage"
	"github.com/iotforge/transmission-service/internal/storage/postgres"
	"github.com/iotforge/transmission-service/internal/storage/uow"
	"github.com/iotforge/transmission-service/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	logger, err := telemetry.NewLogger(cfg.ServiceName, cfg.Environment, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTracer, err := telemetry.NewTracer(ctx, cfg.ServiceName, cfg.TraceOTLPEndpoint)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(promRegistry)

	db := postgres.New(
		postgres.WithDSN(cfg.DatabaseDSN),
		postgres.WithMaxOpenConns(cfg.DatabaseMaxOpen),
		postgres.WithMaxIdleConns(cfg.DatabaseMaxIdle),
		postgres.WithConnMaxLifetime(cfg.DatabaseMaxLifetime),
	)
	if err := db.Connect(ctx); err != nil {
		return fmt.Errorf("metadata store: %w", err)
	}
	defer func() { _ = db.Close() }()
	sqlDB := db.DB()

	unit := uow.New(sqlDB)
	store := metadata.NewStore(metrics)

	decryptor, err := secrets.New(cfg.SecretsKey)
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}

	reader := dataset.NewReader(cfg.DatasetBaseDir, cfg.DatasetLegacyPrefix)
	datasets := cache.NewDatasetCache(cfg.DatasetCacheTTL,
		newDatasetLoader(store.Datasets, sqlDB, reader), reader.FileHash, metrics)
	connections := cache.NewConnectionCache(cfg.ConnectionCacheTTL,
		func(ctx context.Context, connectionID string) (*domain.Connection, error) {
			return store.Connections.GetByID(ctx, sqlDB, connectionID)
		}, metrics)

	adapters := protocols.NewRegistry()
	connPool := pool.New(adapters, cfg.PoolMaxIdle, metrics, logger)
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryDelay:    cfg.BreakerBaseRecovery,
		MaxRecoveryDelay: cfg.BreakerMaxRecovery,
	}, metrics)
	states := runtime.NewMap(metrics)

	dispatcher := engine.NewDispatcher(engine.DispatcherDeps{
		Connections:    connections,
		Adapters:       adapters,
		Pool:           connPool,
		Breakers:       breakers,
		Decryptor:      decryptor,
		UnitOfWork:     unit,
		Devices:        store.Devices,
		Logs:           store.Logs,
		States:         states,
		Metrics:        metrics,
		Logger:         logger,
		Tracer:         tracer,
		PublishTimeout: cfg.PublishTimeout,
		BackoffCap:     time.Duration(cfg.RetryBackoffCapSeconds) * time.Second,
		PayloadLogMax:  cfg.LogPayloadMaxBytes,
	})

	scheduler := engine.NewScheduler(states, dispatcher, breakers,
		cfg.MaxConcurrentTransmissions, cfg.SchedulerTickInterval, metrics, logger)
	monitor := engine.NewMonitor(sqlDB, store.Devices, store.Datasets, datasets,
		states, cfg.DeviceMonitorInterval, cfg.MaxActiveDevices, metrics, logger)
	controller := engine.NewController(sqlDB, store.Devices, store.Devices,
		store.Datasets, datasets, states, connPool, breakers, unit, logger)
	stats := engine.NewStatsSource(states, scheduler, dispatcher, connPool, breakers)

	server := api.New(":"+cfg.HTTPPort, controller, stats, promRegistry, logger,
		api.WithServiceName(cfg.ServiceName),
		api.WithHealthCheck("database", db.HealthCheck),
	)

	go scheduler.Run(ctx)
	go monitor.Run(ctx)
	go poolMaintenance(ctx, connPool, cfg.PoolHealthInterval, logger)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("control server failed", zap.Error(err))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control server shutdown incomplete", zap.Error(err))
	}
	scheduler.Stop()
	connPool.CloseAll()
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("trace exporter shutdown incomplete", zap.Error(err))
	}

	logger.Info("transmission service stopped")
	return nil
}

// newDatasetLoader composes the repository fetch with the file reader.
// Stored file paths are handed to the reader as-is: Read and FileHash
// resolve them against the base directory themselves, and the cache
// revalidates hashes with the same stored path.
func newDatasetLoader(datasets *metadata.DatasetRepository, db storage.DBTX, reader *dataset.Reader) cache.DatasetLoader {
	return func(ctx context.Context, datasetID string) ([]domain.Row, string, string, error) {
		ds, err := datasets.GetByID(ctx, db, datasetID)
		if err != nil {
			return nil, "", "", err
		}
		if !strings.EqualFold(ds.Status, "ready") {
			return nil, "", "", fmt.Errorf("dataset %s is not ready (status %q)", datasetID, ds.Status)
		}

		rows, err := reader.Read(ds.FilePath, ds.FileFormat)
		if err != nil {
			return nil, "", "", err
		}
		hash, err := reader.FileHash(ds.FilePath)
		if err != nil {
			return nil, "", "", err
		}
		return rows, ds.FilePath, hash, nil
	}
}

// poolMaintenance evicts idle handles and drops unhealthy ones on the
// configured interval.
func poolMaintenance(ctx context.Context, connPool *pool.Pool, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := connPool.EvictIdle(); evicted > 0 {
				logger.Info("idle connections evicted", zap.Int("count", evicted))
			}
			connPool.HealthCheckAll(ctx)
		}
	}
}
