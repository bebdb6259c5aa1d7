// Package runtime holds the in-memory per-device records the scheduler
// reads each tick. The scheduler owns the map; the monitor and the control
// handler mutate it through the narrow API here.
package runtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/iotforge/transmission-service/internal/domain"
)

// DeviceState is the mutable runtime record for one transmitting device.
// The in-flight flag serialises dispatches per device; everything else is
// guarded by the mutex.
type DeviceState struct {
	DeviceID string

	mu       sync.Mutex
	inFlight atomic.Bool

	deviceRef    string
	connectionID string
	projectID    string
	deviceType   domain.DeviceType

	frequencySeconds int
	config           domain.TransmissionConfig

	rows        []domain.Row
	datasetHash string

	currentRowIndex   int
	lastTransmission  time.Time
	nextJitterOffset  time.Duration
	consecutiveErrors int
}

// NewDeviceState builds the runtime record for a device adopted by the
// monitor or the control handler.
func NewDeviceState(device *domain.Device, rows []domain.Row, datasetHash string) *DeviceState {
	s := &DeviceState{DeviceID: device.ID}
	s.apply(device)
	s.rows = rows
	s.datasetHash = datasetHash
	s.currentRowIndex = device.CurrentRowIndex
	return s
}

// Transmission frequency bounds, one second up to 48 hours. Values outside
// the range are clamped here as a safety net; the control plane rejects
// them upstream.
const (
	minFrequencySeconds = 1
	maxFrequencySeconds = 172800
)

func (s *DeviceState) apply(device *domain.Device) {
	s.deviceRef = device.DeviceRef
	s.connectionID = device.ConnectionID
	s.projectID = device.ProjectID
	s.deviceType = device.NormalizedType()
	s.frequencySeconds = device.FrequencySeconds
	if s.frequencySeconds < minFrequencySeconds {
		s.frequencySeconds = minFrequencySeconds
	}
	if s.frequencySeconds > maxFrequencySeconds {
		s.frequencySeconds = maxFrequencySeconds
	}
	s.config = device.Transmission
}

// View is a consistent copy of the state taken at dispatch start. The rows
// slice is shared and must be treated as read-only.
type View struct {
	DeviceID     string
	DeviceRef    string
	ConnectionID string
	ProjectID    string
	DeviceType   domain.DeviceType

	BatchSize       int
	AutoReset       bool
	IncludeDeviceID bool
	IncludeTime     bool
	RetryOnError    bool
	MaxRetries      int
	JitterMS        int

	RowIndex int
	Rows     []domain.Row
}

// Snapshot returns a copy of the dispatch-relevant fields. Sensors are
// capped to batch size 1 here as a safety net; the control plane rejects
// larger values upstream.
func (s *DeviceState) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.config.BatchSize
	if batch < 1 || s.deviceType == domain.DeviceTypeSensor {
		batch = 1
	}
	return View{
		DeviceID:        s.DeviceID,
		DeviceRef:       s.deviceRef,
		ConnectionID:    s.connectionID,
		ProjectID:       s.projectID,
		DeviceType:      s.deviceType,
		AutoReset:       s.config.AutoReset,
		IncludeDeviceID: s.config.IncludeDeviceID,
		IncludeTime:     s.config.IncludeTime,
		RetryOnError:    s.config.RetryOnError,
		MaxRetries:      s.config.MaxRetries,
		JitterMS:        s.config.JitterMS,
		RowIndex:        s.currentRowIndex,
		Rows:            s.rows,
		BatchSize:       batch,
	}
}

// TryBeginDispatch claims the in-flight flag. It returns false when a
// dispatch for this device is already running.
func (s *DeviceState) TryBeginDispatch() bool {
	return s.inFlight.CompareAndSwap(false, true)
}

// EndDispatch releases the in-flight flag. Must run on every exit path.
func (s *DeviceState) EndDispatch() {
	s.inFlight.Store(false)
}

// InFlight reports whether a dispatch is currently running.
func (s *DeviceState) InFlight() bool {
	return s.inFlight.Load()
}

// Due reports whether the device's next transmission time has arrived.
func (s *DeviceState) Due(now time.Time) bool {
	if s.inFlight.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	wait := time.Duration(s.frequencySeconds)*time.Second + s.nextJitterOffset
	return s.lastTransmission.IsZero() || now.Sub(s.lastTransmission) >= wait
}

// MarkDispatched stamps the dispatch start time and samples the next jitter
// offset. Called once the dispatch actually starts, never while waiting on
// the semaphore.
func (s *DeviceState) MarkDispatched(now time.Time, jitter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTransmission = now
	s.nextJitterOffset = jitter
}

// SetRowIndex overwrites the row cursor.
func (s *DeviceState) SetRowIndex(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentRowIndex = index
}

// RowIndex returns the current row cursor.
func (s *DeviceState) RowIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRowIndex
}

// RecordSuccess advances the row cursor and clears the error streak.
func (s *DeviceState) RecordSuccess(newIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentRowIndex = newIndex
	s.consecutiveErrors = 0
}

// ClearFailures resets the error streak without touching the row cursor.
func (s *DeviceState) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveErrors = 0
}

// RecordFailure bumps the error streak and returns the new count.
func (s *DeviceState) RecordFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveErrors++
	return s.consecutiveErrors
}

// ConsecutiveErrors returns the current error streak.
func (s *DeviceState) ConsecutiveErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveErrors
}

// ConnectionID returns the connection the device publishes through.
func (s *DeviceState) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

// DatasetHash returns the combined hash of the loaded dataset files.
func (s *DeviceState) DatasetHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.datasetHash
}

// UpdateFromDevice refreshes the mutable configuration from a fresh
// metadata row. The row cursor is only re-synced when no dispatch is in
// flight, so an uncommitted advance is never overwritten.
func (s *DeviceState) UpdateFromDevice(device *domain.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apply(device)
	if !s.inFlight.Load() {
		s.currentRowIndex = device.CurrentRowIndex
	}
}

// SetDataset swaps in freshly loaded rows.
func (s *DeviceState) SetDataset(rows []domain.Row, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = rows
	s.datasetHash = hash
}
