package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotforge/transmission-service/internal/domain"
)

func TestConnectionCacheServesFreshEntry(t *testing.T) {
	calls := 0
	loader := func(ctx context.Context, id string) (*domain.Connection, error) {
		calls++
		return &domain.Connection{ID: id, Protocol: domain.ProtocolMQTT}, nil
	}

	c := NewConnectionCache(30*time.Second, loader, nil)

	for i := 0; i < 3; i++ {
		conn, err := c.Get(context.Background(), "conn-1")
		require.NoError(t, err)
		assert.Equal(t, "conn-1", conn.ID)
	}
	assert.Equal(t, 1, calls)
}

func TestConnectionCacheReloadsOnExpiry(t *testing.T) {
	calls := 0
	loader := func(ctx context.Context, id string) (*domain.Connection, error) {
		calls++
		return &domain.Connection{ID: id}, nil
	}

	c := NewConnectionCache(30*time.Second, loader, nil)

	now := time.Now()
	c.now = func() time.Time { return now }
	_, err := c.Get(context.Background(), "conn-1")
	require.NoError(t, err)

	c.now = func() time.Time { return now.Add(31 * time.Second) }
	_, err = c.Get(context.Background(), "conn-1")
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}

func TestConnectionCacheInvalidate(t *testing.T) {
	calls := 0
	loader := func(ctx context.Context, id string) (*domain.Connection, error) {
		calls++
		return &domain.Connection{ID: id}, nil
	}

	c := NewConnectionCache(time.Minute, loader, nil)
	_, _ = c.Get(context.Background(), "conn-1")
	c.Invalidate("conn-1")
	_, _ = c.Get(context.Background(), "conn-1")

	assert.Equal(t, 2, calls)
}

func TestConnectionCachePropagatesLoaderError(t *testing.T) {
	boom := errors.New("db down")
	c := NewConnectionCache(time.Minute, func(ctx context.Context, id string) (*domain.Connection, error) {
		return nil, boom
	}, nil)

	_, err := c.Get(context.Background(), "conn-1")
	require.ErrorIs(t, err, boom)
}

func TestDatasetCacheRevalidatesHash(t *testing.T) {
	loads := 0
	hash := "1:10"
	loader := func(ctx context.Context, id string) ([]domain.Row, string, string, error) {
		loads++
		return []domain.Row{{"v": "1"}}, "/data/rows.csv", hash, nil
	}
	hashFn := func(path string) (string, error) { return hash, nil }

	c := NewDatasetCache(time.Minute, loader, func(path string) (string, error) { return hashFn(path) }, nil)

	_, err := c.Get(context.Background(), "ds-1")
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "ds-1")
	require.NoError(t, err)
	assert.Equal(t, 1, loads)

	// File changed on disk: hash mismatch forces a reload inside the TTL.
	hashFn = func(path string) (string, error) { return "2:20", nil }
	hash = "2:20"
	rows, err := c.Get(context.Background(), "ds-1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 2, loads)
}

func TestDatasetCacheReloadsOnExpiry(t *testing.T) {
	loads := 0
	loader := func(ctx context.Context, id string) ([]domain.Row, string, string, error) {
		loads++
		return nil, "/data/rows.csv", "1:1", nil
	}

	c := NewDatasetCache(60*time.Second, loader, func(string) (string, error) { return "1:1", nil }, nil)

	now := time.Now()
	c.now = func() time.Time { return now }
	_, err := c.Get(context.Background(), "ds-1")
	require.NoError(t, err)

	c.now = func() time.Time { return now.Add(61 * time.Second) }
	_, err = c.Get(context.Background(), "ds-1")
	require.NoError(t, err)

	assert.Equal(t, 2, loads)
}
