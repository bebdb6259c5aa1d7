// Package metadata holds the repositories for the shared metadata store.
// The engine reads device, connection and dataset rows and writes only
// device progress fields and transmission logs.
package metadata

import (
	"time"

	"github.com/iotforge/transmission-service/internal/telemetry"
)

// Store bundles the repositories over one metadata store.
type Store struct {
	Devices     *DeviceRepository
	Connections *ConnectionRepository
	Datasets    *DatasetRepository
	Logs        *LogRepository
}

// NewStore builds the repository set. Metrics may be nil.
func NewStore(metrics *telemetry.Metrics) *Store {
	return &Store{
		Devices:     &DeviceRepository{metrics: metrics},
		Connections: &ConnectionRepository{metrics: metrics},
		Datasets:    &DatasetRepository{metrics: metrics},
		Logs:        &LogRepository{metrics: metrics},
	}
}

func observe(metrics *telemetry.Metrics, operation string, start time.Time) {
	if metrics == nil {
		return
	}
	metrics.DBQueries.WithLabelValues(operation).Inc()
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
