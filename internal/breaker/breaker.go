// Package breaker guards shared connections against repeated publish
// failures. One breaker exists per connection id; every device publishing
// through that connection shares its state.
package breaker

import (
	"sync"
	"time"

	"github.com/iotforge/transmission-service/internal/telemetry"
)

// State is the breaker's position in the trip cycle.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config bounds the trip cycle.
type Config struct {
	// FailureThreshold consecutive failures trip the breaker.
	FailureThreshold int
	// RecoveryDelay is the initial open interval. It doubles every time a
	// half-open probe fails, up to MaxRecoveryDelay.
	RecoveryDelay    time.Duration
	MaxRecoveryDelay time.Duration
}

// Breaker is a single connection's circuit breaker. All methods are safe
// for concurrent use.
type Breaker struct {
	mu sync.Mutex

	config Config
	now    func() time.Time

	state            State
	failures         int
	currentDelay     time.Duration
	openedAt         time.Time
	probeOutstanding bool
}

func newBreaker(config Config, now func() time.Time) *Breaker {
	return &Breaker{
		config:       config,
		now:          now,
		state:        StateClosed,
		currentDelay: config.RecoveryDelay,
	}
}

// Allow reports whether a publish may proceed. In the open state it flips
// to half-open once the recovery delay elapses and admits exactly one
// probe; further calls are rejected until the probe reports back.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.currentDelay {
			return false
		}
		b.state = StateHalfOpen
		b.probeOutstanding = true
		return true
	case StateHalfOpen:
		if b.probeOutstanding {
			return false
		}
		b.probeOutstanding = true
		return true
	}
	return false
}

// RecordSuccess closes the breaker and resets the failure count and the
// recovery delay.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.currentDelay = b.config.RecoveryDelay
	b.probeOutstanding = false
}

// RecordFailure counts a failed publish. A failed half-open probe reopens
// immediately with a doubled delay; in the closed state the breaker trips
// once the threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probeOutstanding = false
		b.reopen(true)
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.reopen(false)
		}
	case StateOpen:
		b.failures++
	}
}

func (b *Breaker) reopen(double bool) {
	if double {
		b.currentDelay *= 2
		if b.currentDelay > b.config.MaxRecoveryDelay {
			b.currentDelay = b.config.MaxRecoveryDelay
		}
	}
	b.state = StateOpen
	b.openedAt = b.now()
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is the breaker view exposed over the stats endpoint.
type Snapshot struct {
	ConnectionID string `json:"connection_id"`
	State        State  `json:"state"`
	Failures     int    `json:"failures"`
	RecoveryMS   int64  `json:"recovery_delay_ms"`
}

// Registry holds one breaker per connection id.
type Registry struct {
	mu       sync.Mutex
	config   Config
	now      func() time.Time
	metrics  *telemetry.Metrics
	breakers map[string]*Breaker
}

func NewRegistry(config Config, metrics *telemetry.Metrics) *Registry {
	return &Registry{
		config:   config,
		now:      time.Now,
		metrics:  metrics,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for a connection, creating it closed on first use.
func (r *Registry) For(connectionID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[connectionID]
	if !ok {
		b = newBreaker(r.config, r.now)
		r.breakers[connectionID] = b
	}
	return b
}

// Reset drops a connection's breaker so the next use starts closed.
func (r *Registry) Reset(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, connectionID)
	if r.metrics != nil {
		r.metrics.BreakerOpen.WithLabelValues(connectionID).Set(0)
	}
}

// Observe pushes every breaker's open/closed position to the metrics
// gauge. Called from the scheduler loop.
func (r *Registry) Observe() {
	if r.metrics == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, b := range r.breakers {
		open := 0.0
		if b.State() != StateClosed {
			open = 1.0
		}
		r.metrics.BreakerOpen.WithLabelValues(id).Set(open)
	}
}

// Snapshots returns the stats view of every known breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for id, b := range r.breakers {
		b.mu.Lock()
		out = append(out, Snapshot{
			ConnectionID: id,
			State:        b.state,
			Failures:     b.failures,
			RecoveryMS:   b.currentDelay.Milliseconds(),
		})
		b.mu.Unlock()
	}
	return out
}
