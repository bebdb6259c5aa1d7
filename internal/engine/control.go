package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/iotforge/transmission-service/internal/breaker"
	"github.com/iotforge/transmission-service/internal/domain"
	"github.com/iotforge/transmission-service/internal/metadata"
	"github.com/iotforge/transmission-service/internal/runtime"
	"github.com/iotforge/transmission-service/internal/storage"
	"github.com/iotforge/transmission-service/internal/storage/uow"
)

// ErrDeviceNotFound is surfaced to the control API when a start or stop
// names an unknown device.
var ErrDeviceNotFound = metadata.ErrDeviceNotFound

// DeviceGetter fetches one device row regardless of transmission state.
type DeviceGetter interface {
	GetByID(ctx context.Context, db storage.DBTX, id string) (*domain.Device, error)
}

// Controller handles the out-of-band start/stop callbacks from the control
// plane. It never blocks on the scheduler loop; a stop may race an
// in-flight dispatch, which finishes, writes its log, and then finds its
// state gone.
type Controller struct {
	db       storage.DBTX
	devices  DeviceGetter
	updater  DeviceUpdater
	loader   *rowLoader
	states   *runtime.Map
	pool     HandlePool
	breakers *breaker.Registry
	uow      uow.UnitOfWork
	logger   *zap.Logger
	now      func() time.Time
}

func NewController(db storage.DBTX, devices DeviceGetter, updater DeviceUpdater,
	links LinkLister, datasets DatasetSource, states *runtime.Map,
	pool HandlePool, breakers *breaker.Registry, unit uow.UnitOfWork, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		db:       db,
		devices:  devices,
		updater:  updater,
		loader:   &rowLoader{db: db, links: links, datasets: datasets},
		states:   states,
		pool:     pool,
		breakers: breakers,
		uow:      unit,
		logger:   logger,
		now:      time.Now,
	}
}

// Start adopts or refreshes a device immediately. A device that does not
// currently qualify for transmission is a no-op, not an error; the monitor
// would not adopt it either.
func (c *Controller) Start(ctx context.Context, deviceID string) error {
	device, err := c.devices.GetByID(ctx, c.db, deviceID)
	if err != nil {
		return err
	}
	if device.IsDeleted || !device.IsActive || !device.TransmissionEnabled || device.ConnectionID == "" {
		c.logger.Info("start ignored, device not transmittable",
			zap.String("device_id", deviceID))
		return nil
	}

	rows, hash, err := c.loader.load(ctx, deviceID)
	if err != nil {
		return err
	}

	c.states.Put(runtime.NewDeviceState(device, rows, hash))
	c.logger.Info("device started",
		zap.String("device_id", deviceID),
		zap.String("device_ref", device.DeviceRef),
		zap.Int("rows", len(rows)))
	return nil
}

// Stop removes a device from the runtime map immediately. With reset, the
// persisted row cursor is cleared and the device set idle. The shared pool
// handle and breaker are released only when no other runtime device uses
// the same connection.
func (c *Controller) Stop(ctx context.Context, deviceID string, resetRowIndex bool) error {
	state := c.states.Get(deviceID)
	removed := c.states.Remove(deviceID)

	if resetRowIndex {
		zero := 0
		idle := domain.DeviceStatusIdle
		update := domain.DeviceStateUpdate{CurrentRowIndex: &zero, Status: &idle}

		err := c.uow.Do(ctx, func(ctx context.Context, db storage.DBTX) error {
			return c.updater.ApplyUpdate(ctx, db, deviceID, update)
		})
		if err != nil && !errors.Is(err, ErrDeviceNotFound) {
			return err
		}
	}

	if state != nil {
		connectionID := state.ConnectionID()
		if connectionID != "" && c.states.UsersOfConnection(connectionID, deviceID) == 0 {
			c.pool.Invalidate(connectionID)
			c.breakers.Reset(connectionID)
			c.logger.Info("released connection after last device stopped",
				zap.String("connection_id", connectionID))
		}
	}

	c.logger.Info("device stopped",
		zap.String("device_id", deviceID),
		zap.Bool("was_running", removed),
		zap.Bool("reset_row_index", resetRowIndex))
	return nil
}
