package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotforge/transmission-service/internal/domain"
	"github.com/iotforge/transmission-service/internal/protocols"
)

type fakeHandle struct {
	mu      sync.Mutex
	closed  bool
	healthy bool
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) Healthy(_ context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy && !h.closed
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeAdapter struct {
	mu      sync.Mutex
	opens   int
	openErr error
	handles []*fakeHandle
}

func (a *fakeAdapter) Protocol() domain.Protocol           { return domain.ProtocolMQTT }
func (a *fakeAdapter) ValidateConfig(map[string]any) error { return nil }

func (a *fakeAdapter) Publish(context.Context, map[string]any, string, []byte, time.Duration) protocols.Result {
	return protocols.Result{}
}
func (a *fakeAdapter) PublishPooled(context.Context, protocols.Handle, map[string]any, string, []byte, time.Duration) protocols.Result {
	return protocols.Result{}
}

func (a *fakeAdapter) Open(_ context.Context, _ map[string]any) (protocols.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.openErr != nil {
		return nil, a.openErr
	}
	a.opens++
	h := &fakeHandle{healthy: true}
	a.handles = append(a.handles, h)
	return h, nil
}

type fakeResolver struct {
	adapter *fakeAdapter
}

func (r *fakeResolver) Resolve(protocol domain.Protocol) protocols.Adapter {
	if protocol == domain.ProtocolMQTT {
		return r.adapter
	}
	return nil
}

func newTestPool(t *testing.T) (*Pool, *fakeAdapter) {
	t.Helper()
	adapter := &fakeAdapter{}
	p := New(&fakeResolver{adapter: adapter}, 300*time.Second, nil, nil)
	return p, adapter
}

func mqttConn(id string) *domain.Connection {
	return &domain.Connection{ID: id, Protocol: domain.ProtocolMQTT}
}

func TestAcquireReusesHandle(t *testing.T) {
	p, adapter := newTestPool(t)
	config := map[string]any{"broker_url": "mqtt://broker:1883"}

	h1, err := p.Acquire(context.Background(), mqttConn("conn-1"), config)
	require.NoError(t, err)
	h2, err := p.Acquire(context.Background(), mqttConn("conn-1"), config)
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Equal(t, 1, adapter.opens)
	assert.Equal(t, 1, p.LiveCount())
}

func TestAcquireReopensOnConfigChange(t *testing.T) {
	p, adapter := newTestPool(t)

	h1, err := p.Acquire(context.Background(), mqttConn("conn-1"), map[string]any{"broker_url": "mqtt://a:1883"})
	require.NoError(t, err)
	h2, err := p.Acquire(context.Background(), mqttConn("conn-1"), map[string]any{"broker_url": "mqtt://b:1883"})
	require.NoError(t, err)

	assert.NotSame(t, h1, h2)
	assert.Equal(t, 2, adapter.opens)
	assert.True(t, adapter.handles[0].isClosed())
	assert.Equal(t, 1, p.LiveCount())
}

func TestAcquireEquivalentConfigDoesNotReopen(t *testing.T) {
	p, adapter := newTestPool(t)

	// Same keys, different map construction order: snapshots must match.
	_, err := p.Acquire(context.Background(), mqttConn("conn-1"), map[string]any{"a": "1", "b": "2"})
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), mqttConn("conn-1"), map[string]any{"b": "2", "a": "1"})
	require.NoError(t, err)

	assert.Equal(t, 1, adapter.opens)
}

func TestAcquireUnsupportedProtocol(t *testing.T) {
	p, _ := newTestPool(t)

	_, err := p.Acquire(context.Background(), &domain.Connection{ID: "conn-1", Protocol: "amqp"}, nil)
	assert.ErrorIs(t, err, domain.ErrUnsupportedProtocol)
}

func TestAcquirePropagatesOpenError(t *testing.T) {
	p, adapter := newTestPool(t)
	adapter.openErr = errors.New("broker down")

	_, err := p.Acquire(context.Background(), mqttConn("conn-1"), nil)
	require.Error(t, err)
	assert.Equal(t, 0, p.LiveCount())
}

func TestInvalidateClosesHandle(t *testing.T) {
	p, adapter := newTestPool(t)

	_, err := p.Acquire(context.Background(), mqttConn("conn-1"), nil)
	require.NoError(t, err)

	p.Invalidate("conn-1")
	assert.True(t, adapter.handles[0].isClosed())
	assert.Equal(t, 0, p.LiveCount())

	// Re-acquire opens a fresh handle.
	_, err = p.Acquire(context.Background(), mqttConn("conn-1"), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, adapter.opens)
}

func TestEvictIdle(t *testing.T) {
	p, adapter := newTestPool(t)
	now := time.Now()
	p.now = func() time.Time { return now }

	_, err := p.Acquire(context.Background(), mqttConn("conn-1"), nil)
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), mqttConn("conn-2"), nil)
	require.NoError(t, err)

	now = now.Add(200 * time.Second)
	_, err = p.Acquire(context.Background(), mqttConn("conn-2"), nil)
	require.NoError(t, err)

	now = now.Add(150 * time.Second)
	evicted := p.EvictIdle()

	assert.Equal(t, 1, evicted)
	assert.True(t, adapter.handles[0].isClosed())
	assert.False(t, adapter.handles[1].isClosed())
}

func TestEvictIdleDoesNotHoldGlobalLockAcrossEntries(t *testing.T) {
	p, _ := newTestPool(t)
	now := time.Now()
	p.now = func() time.Time { return now }

	_, err := p.Acquire(context.Background(), mqttConn("conn-1"), nil)
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), mqttConn("conn-2"), nil)
	require.NoError(t, err)
	now = now.Add(400 * time.Second)

	// Simulate an Acquire stuck in a slow adapter.Open on conn-1.
	p.mu.Lock()
	stuck := p.entries["conn-1"]
	p.mu.Unlock()
	stuck.mu.Lock()

	done := make(chan int, 1)
	go func() { done <- p.EvictIdle() }()
	time.Sleep(50 * time.Millisecond)

	// While the sweep waits on conn-1's entry lock, the global lock must
	// stay available to other connections.
	acquired := make(chan struct{})
	go func() {
		p.mu.Lock()
		p.mu.Unlock()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("global pool lock held while waiting on an entry lock")
	}

	stuck.mu.Unlock()
	select {
	case evicted := <-done:
		assert.Equal(t, 2, evicted)
	case <-time.After(2 * time.Second):
		t.Fatal("EvictIdle did not finish")
	}
}

func TestHealthCheckDropsUnhealthy(t *testing.T) {
	p, adapter := newTestPool(t)

	_, err := p.Acquire(context.Background(), mqttConn("conn-1"), nil)
	require.NoError(t, err)

	adapter.handles[0].mu.Lock()
	adapter.handles[0].healthy = false
	adapter.handles[0].mu.Unlock()

	p.HealthCheckAll(context.Background())
	assert.Equal(t, 0, p.LiveCount())
	assert.True(t, adapter.handles[0].isClosed())
}

func TestCloseAll(t *testing.T) {
	p, adapter := newTestPool(t)

	_, err := p.Acquire(context.Background(), mqttConn("conn-1"), nil)
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), mqttConn("conn-2"), nil)
	require.NoError(t, err)

	p.CloseAll()
	assert.Equal(t, 0, p.LiveCount())
	for _, h := range adapter.handles {
		assert.True(t, h.isClosed())
	}
}

func TestStats(t *testing.T) {
	p, _ := newTestPool(t)

	_, err := p.Acquire(context.Background(), mqttConn("conn-1"), nil)
	require.NoError(t, err)

	stats := p.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "conn-1", stats[0].ConnectionID)
	assert.Equal(t, "mqtt", stats[0].Protocol)
	assert.True(t, stats[0].Live)
	assert.Equal(t, 1, stats[0].Opens)
}
