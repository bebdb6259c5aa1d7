// Package pool keeps one live protocol handle per connection id so devices
// sharing a connection share its client. Handles are opened lazily on the
// first publish and replaced when the stored config changes.
package pool

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/iotforge/transmission-service/internal/domain"
	"github.com/iotforge/transmission-service/internal/protocols"
	"github.com/iotforge/transmission-service/internal/telemetry"
)

// AdapterResolver resolves the protocol adapter used to open handles.
type AdapterResolver interface {
	Resolve(protocol domain.Protocol) protocols.Adapter
}

type entry struct {
	mu       sync.Mutex
	handle   protocols.Handle
	protocol domain.Protocol
	snapshot string
	lastUsed time.Time
	opens    int
}

// Pool is the shared connection pool. The global mutex guards the entry
// map only; each entry carries its own lock so a slow broker connect on
// one connection never blocks publishes on another.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
	live    atomic.Int64

	resolver AdapterResolver
	idleTTL  time.Duration
	metrics  *telemetry.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func New(resolver AdapterResolver, idleTTL time.Duration, metrics *telemetry.Metrics, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		entries:  make(map[string]*entry),
		resolver: resolver,
		idleTTL:  idleTTL,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// snapshot produces a canonical form of the config for change detection.
// Map keys sort during encoding, so equal configs encode identically.
func snapshot(config map[string]any) string {
	raw, err := json.Marshal(config)
	if err != nil {
		return ""
	}
	return string(raw)
}

func (p *Pool) entryFor(id string) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		e = &entry{}
		p.entries[id] = e
	}
	return e
}

// Acquire returns the live handle for a connection, opening or reopening
// it as needed. The decrypted config must be passed in; the pool compares
// it against the config the current handle was opened with.
func (p *Pool) Acquire(ctx context.Context, conn *domain.Connection, config map[string]any) (protocols.Handle, error) {
	adapter := p.resolver.Resolve(conn.Protocol)
	if adapter == nil {
		return nil, domain.ErrUnsupportedProtocol
	}

	e := p.entryFor(conn.ID)
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := snapshot(config)
	if e.handle != nil && e.snapshot == snap {
		e.lastUsed = p.now()
		return e.handle, nil
	}

	if e.handle != nil {
		p.logger.Info("connection config changed, reopening handle",
			zap.String("connection_id", conn.ID),
			zap.String("protocol", string(conn.Protocol)))
		e.handle.Close()
		e.handle = nil
		p.live.Add(-1)
	}

	handle, err := adapter.Open(ctx, config)
	if err != nil {
		return nil, err
	}
	e.handle = handle
	e.protocol = conn.Protocol
	e.snapshot = snap
	e.lastUsed = p.now()
	e.opens++
	p.live.Add(1)
	p.observeActive()
	return handle, nil
}

// Invalidate closes and drops a connection's handle. The next Acquire
// reopens it from scratch.
func (p *Pool) Invalidate(connectionID string) {
	p.mu.Lock()
	e, ok := p.entries[connectionID]
	if ok {
		delete(p.entries, connectionID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.handle != nil {
		e.handle.Close()
		e.handle = nil
		p.live.Add(-1)
	}
	e.mu.Unlock()
	p.observeActive()
}

// EvictIdle closes handles that have not been used within the idle TTL.
// Entry locks are only taken after the global lock is released; an Acquire
// blocked in a slow adapter.Open must not stall the rest of the pool.
func (p *Pool) EvictIdle() int {
	cutoff := p.now().Add(-p.idleTTL)

	p.mu.Lock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	evicted := 0
	for _, id := range ids {
		p.mu.Lock()
		e, ok := p.entries[id]
		p.mu.Unlock()
		if !ok {
			continue
		}

		e.mu.Lock()
		idle := e.handle != nil && e.lastUsed.Before(cutoff)
		e.mu.Unlock()

		if idle {
			p.logger.Info("evicting idle connection", zap.String("connection_id", id))
			p.Invalidate(id)
			evicted++
		}
	}
	return evicted
}

// HealthCheckAll probes every live handle and drops the unhealthy ones.
func (p *Pool) HealthCheckAll(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.mu.Lock()
		e, ok := p.entries[id]
		p.mu.Unlock()
		if !ok {
			continue
		}

		e.mu.Lock()
		unhealthy := e.handle != nil && !e.handle.Healthy(ctx)
		e.mu.Unlock()

		if unhealthy {
			p.logger.Warn("dropping unhealthy connection", zap.String("connection_id", id))
			p.Invalidate(id)
		}
	}
}

// CloseAll tears the pool down during shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.handle != nil {
			e.handle.Close()
			e.handle = nil
			p.live.Add(-1)
		}
		e.mu.Unlock()
	}
	p.observeActive()
}

func (p *Pool) observeActive() {
	if p.metrics == nil {
		return
	}
	p.metrics.ActiveConnections.Set(float64(p.live.Load()))
}

// LiveCount reports the number of open handles.
func (p *Pool) LiveCount() int {
	return int(p.live.Load())
}

// Stat is one pool entry's view for the stats endpoint.
type Stat struct {
	ConnectionID string    `json:"connection_id"`
	Protocol     string    `json:"protocol"`
	Live         bool      `json:"live"`
	LastUsedAt   time.Time `json:"last_used_at"`
	Opens        int       `json:"opens"`
}

// Stats reports every entry currently tracked by the pool.
func (p *Pool) Stats() []Stat {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Stat, 0, len(p.entries))
	for id, e := range p.entries {
		e.mu.Lock()
		out = append(out, Stat{
			ConnectionID: id,
			Protocol:     string(e.protocol),
			Live:         e.handle != nil,
			LastUsedAt:   e.lastUsed,
			Opens:        e.opens,
		})
		e.mu.Unlock()
	}
	return out
}
