package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every series the engine exposes for scraping.
type Metrics struct {
	MessagesTotal           *prometheus.CounterVec
	TransmissionLatency     *prometheus.HistogramVec
	BytesTransmitted        *prometheus.CounterVec
	ActiveDevices           prometheus.Gauge
	ActiveConnections       prometheus.Gauge
	ConcurrentTransmissions prometheus.Gauge
	LoopDuration            prometheus.Histogram
	MonitorDuration         prometheus.Histogram
	DBQueries               *prometheus.CounterVec
	DBQueryDuration         *prometheus.HistogramVec
	CacheHits               *prometheus.CounterVec
	CacheMisses             *prometheus.CounterVec
	BreakerOpen             *prometheus.GaugeVec
}

// NewMetrics registers the engine metric set on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Messages attempted, by protocol and terminal status.",
		}, []string{"protocol", "status"}),
		TransmissionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transmission_latency_seconds",
			Help:    "Publish latency as reported by the protocol adapters.",
			Buckets: prometheus.DefBuckets,
		}, []string{"protocol"}),
		BytesTransmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bytes_transmitted_total",
			Help: "Serialized payload bytes sent, by protocol.",
		}, []string{"protocol"}),
		ActiveDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_devices",
			Help: "Devices currently held in the runtime map.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Live protocol handles held by the connection pool.",
		}),
		ConcurrentTransmissions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "concurrent_transmissions",
			Help: "Dispatches currently in flight.",
		}),
		LoopDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transmission_loop_duration_seconds",
			Help:    "Wall time of one scheduler tick.",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1},
		}),
		MonitorDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "device_monitor_duration_seconds",
			Help:    "Wall time of one device monitor reconciliation.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15},
		}),
		DBQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "db_queries_total",
			Help: "Metadata store queries, by operation.",
		}, []string{"operation"}),
		DBQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Metadata store query latency, by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Metadata cache hits, by cache type.",
		}, []string{"cache_type"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Metadata cache misses, by cache type.",
		}, []string{"cache_type"}),
		BreakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_open",
			Help: "Circuit breaker open state by connection (1 = open or half-open).",
		}, []string{"connection_id"}),
	}

	reg.MustRegister(
		m.MessagesTotal,
		m.TransmissionLatency,
		m.BytesTransmitted,
		m.ActiveDevices,
		m.ActiveConnections,
		m.ConcurrentTransmissions,
		m.LoopDuration,
		m.MonitorDuration,
		m.DBQueries,
		m.DBQueryDuration,
		m.CacheHits,
		m.CacheMisses,
		m.BreakerOpen,
	)

	return m
}

// NewTestMetrics returns a metric set bound to a throwaway registry.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
