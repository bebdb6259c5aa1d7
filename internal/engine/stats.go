package engine

import (
	"time"

	"github.com/iotforge/transmission-service/internal/breaker"
	"github.com/iotforge/transmission-service/internal/pool"
	"github.com/iotforge/transmission-service/internal/runtime"
)

// PoolStats is the stats-facing slice of the connection pool.
type PoolStats interface {
	Stats() []pool.Stat
	LiveCount() int
}

// Stats is the engine snapshot served by GET /stats.
type Stats struct {
	Timestamp        time.Time          `json:"timestamp"`
	ActiveDevices    int                `json:"active_devices"`
	InFlight         int64              `json:"in_flight_dispatches"`
	MessagesSent     uint64             `json:"messages_sent"`
	MessagesFailed   uint64             `json:"messages_failed"`
	BytesTransmitted uint64             `json:"bytes_transmitted"`
	LiveConnections  int                `json:"live_connections"`
	Pool             []pool.Stat        `json:"pool"`
	Breakers         []breaker.Snapshot `json:"breakers"`
}

// StatsSource assembles the engine snapshot from the live components.
type StatsSource struct {
	states     *runtime.Map
	scheduler  *Scheduler
	dispatcher *Dispatcher
	pool       PoolStats
	breakers   *breaker.Registry
}

func NewStatsSource(states *runtime.Map, scheduler *Scheduler, dispatcher *Dispatcher,
	poolStats PoolStats, breakers *breaker.Registry) *StatsSource {
	return &StatsSource{
		states:     states,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		pool:       poolStats,
		breakers:   breakers,
	}
}

// Snapshot captures the current engine counters.
func (s *StatsSource) Snapshot() Stats {
	return Stats{
		Timestamp:        time.Now().UTC(),
		ActiveDevices:    s.states.Len(),
		InFlight:         s.scheduler.InFlight(),
		MessagesSent:     s.dispatcher.messagesSent.Load(),
		MessagesFailed:   s.dispatcher.messagesFailed.Load(),
		BytesTransmitted: s.dispatcher.bytesSent.Load(),
		LiveConnections:  s.pool.LiveCount(),
		Pool:             s.pool.Stats(),
		Breakers:         s.breakers.Snapshots(),
	}
}
