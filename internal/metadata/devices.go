package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/iotforge/transmission-service/internal/domain"
	"github.com/iotforge/transmission-service/internal/storage"
	"github.com/iotforge/transmission-service/internal/telemetry"
)

var ErrDeviceNotFound = errors.New("device not found")

const deviceColumns = `id, device_ref, device_type, COALESCE(connection_id, ''), COALESCE(project_id, ''),
	transmission_enabled, transmission_frequency, transmission_config, current_row_index,
	status, last_transmission_at, is_active, is_deleted`

// DeviceRepository reads device rows and applies partial state updates.
type DeviceRepository struct {
	metrics *telemetry.Metrics
}

// FetchTransmittable returns the devices the monitor should hold in the
// runtime map: enabled, active, connected, not deleted, capped at limit.
func (r *DeviceRepository) FetchTransmittable(ctx context.Context, db storage.DBTX, limit int) ([]domain.Device, error) {
	defer observe(r.metrics, "devices_fetch_transmittable", time.Now())

	query := `SELECT ` + deviceColumns + `
		FROM devices
		WHERE is_deleted = false
		  AND is_active = true
		  AND transmission_enabled = true
		  AND connection_id IS NOT NULL
		ORDER BY id
		LIMIT $1`

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transmittable devices: %w", err)
	}
	defer rows.Close()

	var devices []domain.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

// GetByID fetches a single device regardless of its transmission state.
func (r *DeviceRepository) GetByID(ctx context.Context, db storage.DBTX, id string) (*domain.Device, error) {
	defer observe(r.metrics, "devices_get", time.Now())

	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`

	rows, err := db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch device %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrDeviceNotFound
	}

	device, err := scanDevice(rows)
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// ApplyUpdate writes a partial device state update atomically. Nil fields
// are left untouched; an empty update is a no-op.
func (r *DeviceRepository) ApplyUpdate(ctx context.Context, db storage.DBTX, id string, upd domain.DeviceStateUpdate) error {
	if upd.IsEmpty() {
		return nil
	}
	defer observe(r.metrics, "devices_update", time.Now())

	sets := make([]string, 0, 4)
	args := make([]any, 0, 5)

	if upd.CurrentRowIndex != nil {
		args = append(args, *upd.CurrentRowIndex)
		sets = append(sets, "current_row_index = $"+strconv.Itoa(len(args)))
	}
	if upd.Status != nil {
		args = append(args, string(*upd.Status))
		sets = append(sets, "status = $"+strconv.Itoa(len(args)))
	}
	if upd.LastTransmissionAt != nil {
		args = append(args, *upd.LastTransmissionAt)
		sets = append(sets, "last_transmission_at = $"+strconv.Itoa(len(args)))
	}
	if upd.TransmissionEnabled != nil {
		args = append(args, *upd.TransmissionEnabled)
		sets = append(sets, "transmission_enabled = $"+strconv.Itoa(len(args)))
	}

	args = append(args, id)
	query := "UPDATE devices SET " + strings.Join(sets, ", ") + " WHERE id = $" + strconv.Itoa(len(args))

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update device %s: %w", id, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (domain.Device, error) {
	var (
		device    domain.Device
		rawConfig []byte
		lastAt    sql.NullTime
	)

	err := row.Scan(
		&device.ID,
		&device.DeviceRef,
		&device.DeviceType,
		&device.ConnectionID,
		&device.ProjectID,
		&device.TransmissionEnabled,
		&device.FrequencySeconds,
		&rawConfig,
		&device.CurrentRowIndex,
		&device.Status,
		&lastAt,
		&device.IsActive,
		&device.IsDeleted,
	)
	if err != nil {
		return domain.Device{}, fmt.Errorf("failed to scan device row: %w", err)
	}

	if lastAt.Valid {
		t := lastAt.Time
		device.LastTransmissionAt = &t
	}
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &device.Transmission); err != nil {
			return domain.Device{}, fmt.Errorf("invalid transmission_config for device %s: %w", device.ID, err)
		}
	}
	return device, nil
}
