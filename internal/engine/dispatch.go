package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/iotforge/transmission-service/internal/breaker"
	"github.com/iotforge/transmission-service/internal/domain"
	"github.com/iotforge/transmission-service/internal/protocols"
	"github.com/iotforge/transmission-service/internal/runtime"
	"github.com/iotforge/transmission-service/internal/secrets"
	"github.com/iotforge/transmission-service/internal/storage"
	"github.com/iotforge/transmission-service/internal/storage/uow"
	"github.com/iotforge/transmission-service/internal/telemetry"
)

const messageTypeDatasetRow = "dataset_row"

// defaultMQTTTopic is used when an MQTT connection config carries no topic.
const defaultMQTTTopic = "iot/data"

// ConnectionSource serves decoded connection records, normally through the
// TTL cache.
type ConnectionSource interface {
	Get(ctx context.Context, id string) (*domain.Connection, error)
}

// AdapterResolver resolves protocol adapters by name.
type AdapterResolver interface {
	Resolve(protocol domain.Protocol) protocols.Adapter
}

// HandlePool is the dispatch-facing slice of the connection pool.
type HandlePool interface {
	Acquire(ctx context.Context, conn *domain.Connection, config map[string]any) (protocols.Handle, error)
	Invalidate(connectionID string)
}

// DeviceUpdater applies partial device state updates.
type DeviceUpdater interface {
	ApplyUpdate(ctx context.Context, db storage.DBTX, id string, upd domain.DeviceStateUpdate) error
}

// LogAppender persists the attempt records of one dispatch.
type LogAppender interface {
	InsertBatch(ctx context.Context, db storage.DBTX, records []domain.TransmissionLog) error
}

// StateRemover drops a device from the runtime map.
type StateRemover interface {
	Remove(deviceID string) bool
}

// Dispatcher runs the transmit-for-device routine: select the batch, gate
// on the breaker, publish with retry, and persist logs plus progress in one
// transaction.
type Dispatcher struct {
	connections ConnectionSource
	adapters    AdapterResolver
	pool        HandlePool
	breakers    *breaker.Registry
	decryptor   *secrets.Decryptor
	uow         uow.UnitOfWork
	devices     DeviceUpdater
	logs        LogAppender
	states      StateRemover
	metrics     *telemetry.Metrics
	logger      *zap.Logger
	tracer      trace.Tracer

	publishTimeout time.Duration
	backoffCap     time.Duration
	payloadLogMax  int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	messagesSent   atomic.Uint64
	messagesFailed atomic.Uint64
	bytesSent      atomic.Uint64
}

// DispatcherDeps carries the collaborators the dispatcher wires together.
type DispatcherDeps struct {
	Connections ConnectionSource
	Adapters    AdapterResolver
	Pool        HandlePool
	Breakers    *breaker.Registry
	Decryptor   *secrets.Decryptor
	UnitOfWork  uow.UnitOfWork
	Devices     DeviceUpdater
	Logs        LogAppender
	States      StateRemover
	Metrics     *telemetry.Metrics
	Logger      *zap.Logger
	Tracer      trace.Tracer

	PublishTimeout time.Duration
	BackoffCap     time.Duration
	PayloadLogMax  int
}

func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("")
	}
	return &Dispatcher{
		connections:    deps.Connections,
		adapters:       deps.Adapters,
		pool:           deps.Pool,
		breakers:       deps.Breakers,
		decryptor:      deps.Decryptor,
		uow:            deps.UnitOfWork,
		devices:        deps.Devices,
		logs:           deps.Logs,
		states:         deps.States,
		metrics:        deps.Metrics,
		logger:         logger,
		tracer:         tracer,
		publishTimeout: deps.PublishTimeout,
		backoffCap:     deps.BackoffCap,
		payloadLogMax:  deps.PayloadLogMax,
		now:            time.Now,
		sleep:          sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// resolveTarget picks the topic or endpoint for a publish per protocol.
func resolveTarget(protocol domain.Protocol, config map[string]any) string {
	switch protocol {
	case domain.ProtocolMQTT:
		if topic, ok := config["topic"].(string); ok && topic != "" {
			return topic
		}
		return defaultMQTTTopic
	case domain.ProtocolKafka:
		topic, _ := config["topic"].(string)
		return topic
	default:
		endpoint, _ := config["endpoint_url"].(string)
		return endpoint
	}
}

// Transmit runs one dispatch for a device whose in-flight flag is already
// claimed. Errors never escape: every failure path logs and returns.
func (d *Dispatcher) Transmit(ctx context.Context, state *runtime.DeviceState) {
	view := state.Snapshot()
	rowCount := len(view.Rows)
	if rowCount == 0 {
		return
	}

	startIndex := view.RowIndex
	if startIndex >= rowCount {
		if !view.AutoReset {
			d.pause(ctx, view)
			return
		}
		startIndex = 0
		state.SetRowIndex(0)
	}

	br := d.breakers.For(view.ConnectionID)
	if !br.Allow() {
		return
	}

	ctx, span := d.tracer.Start(ctx, "engine.dispatch", trace.WithAttributes(
		attribute.String("device.id", view.DeviceID),
		attribute.String("connection.id", view.ConnectionID),
	))
	defer span.End()

	end := startIndex + view.BatchSize
	if end > rowCount {
		end = rowCount
	}
	batch := view.Rows[startIndex:end]

	conn, err := d.connections.Get(ctx, view.ConnectionID)
	if err != nil {
		d.logger.Error("connection config unavailable",
			zap.String("device_id", view.DeviceID),
			zap.String("connection_id", view.ConnectionID),
			zap.Error(err))
		return
	}

	adapter := d.adapters.Resolve(conn.Protocol)
	if adapter == nil {
		d.logger.Error("no adapter for protocol",
			zap.String("device_id", view.DeviceID),
			zap.String("protocol", string(conn.Protocol)))
		return
	}

	config := d.decryptor.DecryptConfig(conn.Config)
	target := resolveTarget(conn.Protocol, config)

	handle, acquireErr := d.pool.Acquire(ctx, conn, config)
	pooled := acquireErr == nil && handle != nil
	if acquireErr != nil {
		d.logger.Warn("pool acquire failed, falling back to direct publish",
			zap.String("connection_id", view.ConnectionID),
			zap.Error(acquireErr))
	}

	payload, err := BuildPayload(view, batch, startIndex, d.now())
	if err != nil {
		d.logger.Error("payload build failed",
			zap.String("device_id", view.DeviceID), zap.Error(err))
		return
	}

	result, records := d.publishWithRetry(ctx, publishJob{
		view:    view,
		conn:    conn,
		adapter: adapter,
		handle:  handle,
		pooled:  pooled,
		config:  config,
		target:  target,
		payload: payload,
		batch:   len(batch),
		index:   startIndex,
		breaker: br,
		state:   state,
	})

	newIndex := startIndex
	status := domain.DeviceStatusError
	if result.Success {
		newIndex = startIndex + len(batch)
		status = domain.DeviceStatusTransmitting
		if newIndex >= rowCount && !view.AutoReset {
			status = domain.DeviceStatusIdle
		}
	}

	lastAt := d.now().UTC()
	update := domain.DeviceStateUpdate{
		CurrentRowIndex:    &newIndex,
		Status:             &status,
		LastTransmissionAt: &lastAt,
	}

	err = d.uow.Do(ctx, func(ctx context.Context, db storage.DBTX) error {
		if err := d.logs.InsertBatch(ctx, db, records); err != nil {
			return err
		}
		return d.devices.ApplyUpdate(ctx, db, view.DeviceID, update)
	})
	if err != nil {
		// The row-index advance is discarded with the transaction; the rows
		// go out again on the next due tick.
		d.logger.Error("dispatch bookkeeping failed",
			zap.String("device_id", view.DeviceID), zap.Error(err))
		return
	}

	if result.Success {
		state.RecordSuccess(newIndex)
	}
}

type publishJob struct {
	view    runtime.View
	conn    *domain.Connection
	adapter protocols.Adapter
	handle  protocols.Handle
	pooled  bool
	config  map[string]any
	target  string
	payload []byte
	batch   int
	index   int
	breaker *breaker.Breaker
	state   *runtime.DeviceState
}

// publishWithRetry publishes one payload up to max_retries times with
// min(2^attempt, cap) second sleeps in between, producing one log record
// per attempt.
func (d *Dispatcher) publishWithRetry(ctx context.Context, job publishJob) (protocols.Result, []domain.TransmissionLog) {
	maxAttempts := 1
	if job.view.RetryOnError && job.view.MaxRetries > 1 {
		maxAttempts = job.view.MaxRetries
	}

	var (
		result  protocols.Result
		records []domain.TransmissionLog
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, d.retryDelay(attempt)); err != nil {
				break
			}
		}

		if job.pooled {
			result = job.adapter.PublishPooled(ctx, job.handle, job.config, job.target, job.payload, d.publishTimeout)
		} else {
			result = job.adapter.Publish(ctx, job.config, job.target, job.payload, d.publishTimeout)
		}

		records = append(records, d.buildLogRecord(job, result, attempt))
		d.observePublish(job.conn.Protocol, result, len(job.payload))

		if result.Success {
			job.state.ClearFailures()
			job.breaker.RecordSuccess()
			break
		}

		streak := job.state.RecordFailure()
		job.breaker.RecordFailure()
		// Persistent failure: the final bookkeeping write records the error
		// status; the stale handle is dropped here so the next attempt
		// reconnects from scratch.
		if job.view.MaxRetries > 0 && streak >= job.view.MaxRetries {
			d.pool.Invalidate(job.view.ConnectionID)
			break
		}
	}
	return result, records
}

func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	delay := time.Duration(1<<uint(attempt-1)) * time.Second
	if delay > d.backoffCap {
		delay = d.backoffCap
	}
	return delay
}

func (d *Dispatcher) buildLogRecord(job publishJob, result protocols.Result, attempt int) domain.TransmissionLog {
	direction := domain.LogDirectionSent
	status := domain.LogStatusSuccess
	if !result.Success {
		direction = domain.LogDirectionFailed
		status = domain.LogStatusFailed
	}

	meta := map[string]any{
		"row_index":  job.index,
		"batch_size": job.batch,
		"pooled":     job.pooled,
	}
	if !result.Success {
		meta["error_code"] = result.ErrorCode
		meta["error_message"] = result.Message
		if len(result.Details) > 0 {
			meta["error_details"] = result.Details
		}
		meta["consecutive_failures"] = job.state.ConsecutiveErrors()
	}
	meta["circuit_state"] = string(job.breaker.State())

	var content []byte
	if d.payloadLogMax == 0 || len(job.payload) <= d.payloadLogMax {
		content = job.payload
	}

	return domain.TransmissionLog{
		ID:             ulid.Make().String(),
		Timestamp:      d.now().UTC(),
		ProjectID:      job.view.ProjectID,
		DeviceID:       job.view.DeviceID,
		ConnectionID:   job.view.ConnectionID,
		MessageType:    messageTypeDatasetRow,
		Direction:      direction,
		PayloadSize:    len(job.payload),
		MessageContent: content,
		Protocol:       job.conn.Protocol,
		Topic:          job.target,
		Status:         status,
		LatencyMS:      result.LatencyMS,
		RetryCount:     attempt,
		IsSimulated:    false,
		Metadata:       meta,
	}
}

func (d *Dispatcher) observePublish(protocol domain.Protocol, result protocols.Result, size int) {
	if result.Success {
		d.messagesSent.Add(1)
		d.bytesSent.Add(uint64(size))
	} else {
		d.messagesFailed.Add(1)
	}

	if d.metrics == nil {
		return
	}
	status := "success"
	if !result.Success {
		status = "failed"
	}
	d.metrics.MessagesTotal.WithLabelValues(string(protocol), status).Inc()
	d.metrics.TransmissionLatency.WithLabelValues(string(protocol)).Observe(float64(result.LatencyMS) / 1000)
	if result.Success {
		d.metrics.BytesTransmitted.WithLabelValues(string(protocol)).Add(float64(size))
	}
}

// pause applies the end-of-dataset policy for auto_reset=false devices:
// disable transmission, set the device idle, drop the runtime state. The
// row index is deliberately left where it is.
func (d *Dispatcher) pause(ctx context.Context, view runtime.View) {
	idle := domain.DeviceStatusIdle
	disabled := false
	update := domain.DeviceStateUpdate{Status: &idle, TransmissionEnabled: &disabled}

	err := d.uow.Do(ctx, func(ctx context.Context, db storage.DBTX) error {
		return d.devices.ApplyUpdate(ctx, db, view.DeviceID, update)
	})
	if err != nil {
		d.logger.Error("failed to pause exhausted device",
			zap.String("device_id", view.DeviceID), zap.Error(err))
		return
	}

	d.states.Remove(view.DeviceID)
	d.logger.Info("device paused at end of dataset",
		zap.String("device_id", view.DeviceID),
		zap.Int("row_index", view.RowIndex))
}
