// Package engine contains the transmission engine: the scheduler loop, the
// per-device dispatch routine, the device monitor and the control handler.
package engine

import (
	"encoding/json"
	"time"

	"github.com/iotforge/transmission-service/internal/domain"
	"github.com/iotforge/transmission-service/internal/runtime"
)

type batchEntry struct {
	Row  int        `json:"row"`
	Data domain.Row `json:"data"`
}

// Field order is part of the wire contract: device_id, timestamp, then the
// data or batch body. Map values inside rows serialise with sorted keys.
type singlePayload struct {
	DeviceID  string     `json:"device_id,omitempty"`
	Timestamp string     `json:"timestamp,omitempty"`
	Data      domain.Row `json:"data"`
}

type batchPayload struct {
	DeviceID  string       `json:"device_id,omitempty"`
	Timestamp string       `json:"timestamp,omitempty"`
	Batch     []batchEntry `json:"batch"`
}

// BuildPayload serialises one message for a batch of rows starting at the
// absolute index startIndex. Dataloggers emit the batched shape only when
// the batch holds more than one row; sensors always emit the single-row
// shape. The result is a pure function of its inputs, including now.
func BuildPayload(view runtime.View, batch []domain.Row, startIndex int, now time.Time) ([]byte, error) {
	var deviceID, timestamp string
	if view.IncludeDeviceID {
		deviceID = view.DeviceRef
	}
	if view.IncludeTime {
		timestamp = now.UTC().Format(time.RFC3339)
	}

	if view.DeviceType == domain.DeviceTypeDatalogger && len(batch) > 1 {
		entries := make([]batchEntry, len(batch))
		for i, row := range batch {
			entries[i] = batchEntry{Row: startIndex + i, Data: row}
		}
		return json.Marshal(batchPayload{DeviceID: deviceID, Timestamp: timestamp, Batch: entries})
	}

	var row domain.Row
	if len(batch) > 0 {
		row = batch[0]
	}
	return json.Marshal(singlePayload{DeviceID: deviceID, Timestamp: timestamp, Data: row})
}
