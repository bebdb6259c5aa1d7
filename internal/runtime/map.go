package runtime

import (
	"sync"

	"github.com/iotforge/transmission-service/internal/telemetry"
)

// Map is the registry of runtime device states. The scheduler iterates a
// snapshot each tick; the monitor and the control handler add and remove
// entries concurrently.
type Map struct {
	mu      sync.RWMutex
	devices map[string]*DeviceState
	metrics *telemetry.Metrics
}

func NewMap(metrics *telemetry.Metrics) *Map {
	return &Map{
		devices: make(map[string]*DeviceState),
		metrics: metrics,
	}
}

// Get returns the state for a device id, or nil.
func (m *Map) Get(deviceID string) *DeviceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.devices[deviceID]
}

// Put installs or replaces a device's runtime state.
func (m *Map) Put(state *DeviceState) {
	m.mu.Lock()
	m.devices[state.DeviceID] = state
	m.mu.Unlock()
	m.observe()
}

// Remove drops a device's runtime state and reports whether it existed.
func (m *Map) Remove(deviceID string) bool {
	m.mu.Lock()
	_, ok := m.devices[deviceID]
	delete(m.devices, deviceID)
	m.mu.Unlock()
	m.observe()
	return ok
}

// Len returns the number of tracked devices.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices)
}

// Snapshot copies the current state set. Iterating the copy keeps the tick
// loop free of the map lock.
func (m *Map) Snapshot() []*DeviceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*DeviceState, 0, len(m.devices))
	for _, s := range m.devices {
		out = append(out, s)
	}
	return out
}

// IDs returns the tracked device ids.
func (m *Map) IDs() map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{}, len(m.devices))
	for id := range m.devices {
		out[id] = struct{}{}
	}
	return out
}

// UsersOfConnection counts devices publishing through a connection id,
// excluding one device. The control handler uses this to decide whether a
// stop may release the shared pool handle.
func (m *Map) UsersOfConnection(connectionID, excludeDeviceID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for id, s := range m.devices {
		if id == excludeDeviceID {
			continue
		}
		if s.ConnectionID() == connectionID {
			count++
		}
	}
	return count
}

func (m *Map) observe() {
	if m.metrics == nil {
		return
	}
	m.metrics.ActiveDevices.Set(float64(m.Len()))
}
