// Package cache provides the short-TTL metadata caches shared by all
// dispatches: decoded connection configurations and parsed dataset rows.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/iotforge/transmission-service/internal/domain"
	"github.com/iotforge/transmission-service/internal/telemetry"
)

// ConnectionLoader fetches a connection from the metadata store on a miss.
type ConnectionLoader func(ctx context.Context, connectionID string) (*domain.Connection, error)

type connectionEntry struct {
	connection *domain.Connection
	cachedAt   time.Time
}

// ConnectionCache caches decoded connection configurations. Entries carry
// primitive data only, never live database handles.
type ConnectionCache struct {
	mu      sync.RWMutex
	entries map[string]*connectionEntry
	ttl     time.Duration
	loader  ConnectionLoader
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewConnectionCache creates a connection cache with the given TTL.
func NewConnectionCache(ttl time.Duration, loader ConnectionLoader, metrics *telemetry.Metrics) *ConnectionCache {
	return &ConnectionCache{
		entries: make(map[string]*connectionEntry),
		ttl:     ttl,
		loader:  loader,
		metrics: metrics,
		now:     time.Now,
	}
}

// Get returns the cached connection or loads it on miss/expiry. Readers of
// a fresh entry never block behind a reload of another key.
func (c *ConnectionCache) Get(ctx context.Context, connectionID string) (*domain.Connection, error) {
	c.mu.RLock()
	entry, ok := c.entries[connectionID]
	c.mu.RUnlock()

	if ok && c.now().Sub(entry.cachedAt) < c.ttl {
		c.hit()
		return entry.connection, nil
	}
	c.miss()

	conn, err := c.loader(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[connectionID] = &connectionEntry{connection: conn, cachedAt: c.now()}
	c.mu.Unlock()

	return conn, nil
}

// Invalidate drops one entry.
func (c *ConnectionCache) Invalidate(connectionID string) {
	c.mu.Lock()
	delete(c.entries, connectionID)
	c.mu.Unlock()
}

func (c *ConnectionCache) hit() {
	if c.metrics != nil {
		c.metrics.CacheHits.WithLabelValues("connection").Inc()
	}
}

func (c *ConnectionCache) miss() {
	if c.metrics != nil {
		c.metrics.CacheMisses.WithLabelValues("connection").Inc()
	}
}
