package domain

import (
	"strings"
	"time"
)

// DeviceType distinguishes single-reading sensors from multi-row dataloggers.
type DeviceType string

const (
	DeviceTypeSensor     DeviceType = "sensor"
	DeviceTypeDatalogger DeviceType = "datalogger"
)

// DeviceStatus is the persisted lifecycle status of a device.
type DeviceStatus string

const (
	DeviceStatusIdle         DeviceStatus = "idle"
	DeviceStatusTransmitting DeviceStatus = "transmitting"
	DeviceStatusPaused       DeviceStatus = "paused"
	DeviceStatusError        DeviceStatus = "error"
)

// TransmissionConfig is the per-device transmission tuning stored as a JSON
// column on the devices table.
type TransmissionConfig struct {
	BatchSize       int  `json:"batch_size"`
	AutoReset       bool `json:"auto_reset"`
	IncludeDeviceID bool `json:"include_device_id"`
	IncludeTime     bool `json:"include_timestamp"`
	JitterMS        int  `json:"jitter_ms"`
	RetryOnError    bool `json:"retry_on_error"`
	MaxRetries      int  `json:"max_retries"`
}

// Device is the engine's read view of a device row. The engine only ever
// writes back current_row_index, status, last_transmission_at and, on pause,
// transmission_enabled.
type Device struct {
	ID                  string
	DeviceRef           string
	DeviceType          DeviceType
	ConnectionID        string
	ProjectID           string
	TransmissionEnabled bool
	FrequencySeconds    int
	Transmission        TransmissionConfig
	CurrentRowIndex     int
	Status              DeviceStatus
	LastTransmissionAt  *time.Time
	IsActive            bool
	IsDeleted           bool
}

// NormalizedType lowercases the stored device type. The column is stored as
// provided but compared case-insensitively downstream.
func (d *Device) NormalizedType() DeviceType {
	if strings.EqualFold(string(d.DeviceType), string(DeviceTypeDatalogger)) {
		return DeviceTypeDatalogger
	}
	return DeviceTypeSensor
}

// DeviceStateUpdate is a partial update applied atomically by the repository
// layer. Nil fields are left untouched.
type DeviceStateUpdate struct {
	CurrentRowIndex     *int
	Status              *DeviceStatus
	LastTransmissionAt  *time.Time
	TransmissionEnabled *bool
}

// IsEmpty reports whether the update carries no changes.
func (u DeviceStateUpdate) IsEmpty() bool {
	return u.CurrentRowIndex == nil && u.Status == nil &&
		u.LastTransmissionAt == nil && u.TransmissionEnabled == nil
}
