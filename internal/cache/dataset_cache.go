package cache

import (
	"context"
	"sync"
	"time"

	"github.com/iotforge/transmission-service/internal/domain"
	"github.com/iotforge/transmission-service/internal/telemetry"
)

// DatasetLoader fetches and parses a dataset on a miss. It returns the rows,
// the resolved file path and the file hash at load time.
type DatasetLoader func(ctx context.Context, datasetID string) (rows []domain.Row, filePath, fileHash string, err error)

// HashFunc recomputes the cheap file fingerprint for revalidation.
type HashFunc func(filePath string) (string, error)

type datasetEntry struct {
	rows     []domain.Row
	filePath string
	fileHash string
	loadedAt time.Time
}

// DatasetCache caches parsed dataset rows. Even non-expired entries are
// revalidated against the current file hash before being served, so edits
// to the underlying file surface within one Get.
type DatasetCache struct {
	mu      sync.RWMutex
	entries map[string]*datasetEntry
	ttl     time.Duration
	loader  DatasetLoader
	hash    HashFunc
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewDatasetCache creates a dataset cache with the given TTL.
func NewDatasetCache(ttl time.Duration, loader DatasetLoader, hash HashFunc, metrics *telemetry.Metrics) *DatasetCache {
	return &DatasetCache{
		entries: make(map[string]*datasetEntry),
		ttl:     ttl,
		loader:  loader,
		hash:    hash,
		metrics: metrics,
		now:     time.Now,
	}
}

// Get returns the cached rows, reloading on expiry or when the file hash no
// longer matches.
func (c *DatasetCache) Get(ctx context.Context, datasetID string) ([]domain.Row, error) {
	rows, _, err := c.GetWithHash(ctx, datasetID)
	return rows, err
}

// GetWithHash returns the cached rows together with the file hash they were
// loaded at. The monitor compares hashes to decide whether a runtime
// device's row snapshot needs swapping.
func (c *DatasetCache) GetWithHash(ctx context.Context, datasetID string) ([]domain.Row, string, error) {
	c.mu.RLock()
	entry, ok := c.entries[datasetID]
	c.mu.RUnlock()

	if ok && c.now().Sub(entry.loadedAt) < c.ttl {
		current, err := c.hash(entry.filePath)
		if err == nil && current == entry.fileHash {
			c.hit()
			return entry.rows, entry.fileHash, nil
		}
	}
	c.miss()

	rows, filePath, fileHash, err := c.loader(ctx, datasetID)
	if err != nil {
		return nil, "", err
	}

	c.mu.Lock()
	c.entries[datasetID] = &datasetEntry{
		rows:     rows,
		filePath: filePath,
		fileHash: fileHash,
		loadedAt: c.now(),
	}
	c.mu.Unlock()

	return rows, fileHash, nil
}

// Invalidate drops one entry.
func (c *DatasetCache) Invalidate(datasetID string) {
	c.mu.Lock()
	delete(c.entries, datasetID)
	c.mu.Unlock()
}

func (c *DatasetCache) hit() {
	if c.metrics != nil {
		c.metrics.CacheHits.WithLabelValues("dataset").Inc()
	}
}

func (c *DatasetCache) miss() {
	if c.metrics != nil {
		c.metrics.CacheMisses.WithLabelValues("dataset").Inc()
	}
}
