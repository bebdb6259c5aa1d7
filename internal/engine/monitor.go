package engine

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iotforge/transmission-service/internal/domain"
	"github.com/iotforge/transmission-service/internal/runtime"
	"github.com/iotforge/transmission-service/internal/storage"
	"github.com/iotforge/transmission-service/internal/telemetry"
)

// DeviceLister is the monitor's read surface over the devices table.
type DeviceLister interface {
	FetchTransmittable(ctx context.Context, db storage.DBTX, limit int) ([]domain.Device, error)
}

// LinkLister lists a device's dataset links in stable order.
type LinkLister interface {
	LinksForDevice(ctx context.Context, db storage.DBTX, deviceID string) ([]domain.DatasetLink, error)
}

// DatasetSource serves parsed dataset rows with their load-time hash,
// normally the dataset cache.
type DatasetSource interface {
	GetWithHash(ctx context.Context, datasetID string) ([]domain.Row, string, error)
}

// rowLoader concatenates a device's linked datasets into one logical row
// sequence in link order. Shared by the monitor and the control handler.
type rowLoader struct {
	db       storage.DBTX
	links    LinkLister
	datasets DatasetSource
}

func (l *rowLoader) load(ctx context.Context, deviceID string) ([]domain.Row, string, error) {
	links, err := l.links.LinksForDevice(ctx, l.db, deviceID)
	if err != nil {
		return nil, "", err
	}

	var (
		rows   []domain.Row
		hashes []string
	)
	for _, link := range links {
		datasetRows, hash, err := l.datasets.GetWithHash(ctx, link.DatasetID)
		if err != nil {
			return nil, "", err
		}
		rows = append(rows, datasetRows...)
		hashes = append(hashes, hash)
	}
	return rows, strings.Join(hashes, "|"), nil
}

// Monitor reconciles the runtime map with the metadata store on a fixed
// cadence: adopt newly-enabled devices, refresh changed ones, drop the
// rest.
type Monitor struct {
	devices  DeviceLister
	loader   *rowLoader
	states   *runtime.Map
	interval time.Duration
	maxAct   int
	metrics  *telemetry.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewMonitor(db storage.DBTX, devices DeviceLister, links LinkLister, datasets DatasetSource,
	states *runtime.Map, interval time.Duration, maxActive int,
	metrics *telemetry.Metrics, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		devices:  devices,
		loader:   &rowLoader{db: db, links: links, datasets: datasets},
		states:   states,
		interval: interval,
		maxAct:   maxActive,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Run reconciles once immediately and then on every interval until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.Reconcile(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reconcile(ctx)
		}
	}
}

// Reconcile converges the runtime map to the transmittable device set.
func (m *Monitor) Reconcile(ctx context.Context) {
	start := m.now()
	defer func() {
		if m.metrics != nil {
			m.metrics.MonitorDuration.Observe(time.Since(start).Seconds())
		}
	}()

	devices, err := m.devices.FetchTransmittable(ctx, m.loader.db, m.maxAct)
	if err != nil {
		m.logger.Error("device reconciliation fetch failed", zap.Error(err))
		return
	}

	seen := make(map[string]struct{}, len(devices))
	for i := range devices {
		device := &devices[i]
		seen[device.ID] = struct{}{}

		if state := m.states.Get(device.ID); state != nil {
			m.refresh(ctx, state, device)
			continue
		}
		m.adopt(ctx, device)
	}

	for id := range m.states.IDs() {
		if _, ok := seen[id]; ok {
			continue
		}
		if m.states.Remove(id) {
			m.logger.Info("device dropped from runtime", zap.String("device_id", id))
		}
	}
}

func (m *Monitor) adopt(ctx context.Context, device *domain.Device) {
	rows, hash, err := m.loader.load(ctx, device.ID)
	if err != nil {
		m.logger.Error("failed to load datasets for device",
			zap.String("device_id", device.ID), zap.Error(err))
		return
	}

	m.states.Put(runtime.NewDeviceState(device, rows, hash))
	m.logger.Info("device adopted",
		zap.String("device_id", device.ID),
		zap.String("device_ref", device.DeviceRef),
		zap.Int("rows", len(rows)))
}

func (m *Monitor) refresh(ctx context.Context, state *runtime.DeviceState, device *domain.Device) {
	state.UpdateFromDevice(device)

	rows, hash, err := m.loader.load(ctx, device.ID)
	if err != nil {
		m.logger.Warn("dataset refresh failed, keeping previous rows",
			zap.String("device_id", device.ID), zap.Error(err))
		return
	}
	if hash != state.DatasetHash() {
		state.SetDataset(rows, hash)
		m.logger.Info("dataset rows refreshed",
			zap.String("device_id", device.ID),
			zap.Int("rows", len(rows)))
	}
}
