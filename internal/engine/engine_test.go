package engine

import (
	"context"
	"sync"
	"time"

	"github.com/iotforge/transmission-service/internal/breaker"
	"github.com/iotforge/transmission-service/internal/domain"
	"github.com/iotforge/transmission-service/internal/protocols"
	"github.com/iotforge/transmission-service/internal/storage"
)

type publishCall struct {
	payload string
	target  string
	pooled  bool
}

// scriptedAdapter replays a fixed result sequence and records every publish.
type scriptedAdapter struct {
	mu       sync.Mutex
	protocol domain.Protocol
	results  []protocols.Result
	cursor   int
	calls    []publishCall
}

func okResult() protocols.Result {
	return protocols.Result{Success: true, Message: "published", LatencyMS: 5, Timestamp: time.Now()}
}

func failedResult(code string) protocols.Result {
	return protocols.Result{Success: false, Message: "publish failed", ErrorCode: code, LatencyMS: 5}
}

func (a *scriptedAdapter) next() protocols.Result {
	if len(a.results) == 0 {
		return okResult()
	}
	r := a.results[a.cursor]
	if a.cursor < len(a.results)-1 {
		a.cursor++
	}
	return r
}

func (a *scriptedAdapter) record(payload []byte, target string, pooled bool) protocols.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, publishCall{payload: string(payload), target: target, pooled: pooled})
	return a.next()
}

func (a *scriptedAdapter) Protocol() domain.Protocol           { return a.protocol }
func (a *scriptedAdapter) ValidateConfig(map[string]any) error { return nil }

func (a *scriptedAdapter) Open(context.Context, map[string]any) (protocols.Handle, error) {
	return &stubHandle{}, nil
}

func (a *scriptedAdapter) Publish(_ context.Context, _ map[string]any, target string, payload []byte, _ time.Duration) protocols.Result {
	return a.record(payload, target, false)
}

func (a *scriptedAdapter) PublishPooled(_ context.Context, _ protocols.Handle, _ map[string]any, target string, payload []byte, _ time.Duration) protocols.Result {
	return a.record(payload, target, true)
}

func (a *scriptedAdapter) publishCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type stubHandle struct{}

func (h *stubHandle) Close() error                 { return nil }
func (h *stubHandle) Healthy(context.Context) bool { return true }

type fakeResolver struct {
	adapter *scriptedAdapter
}

func (r *fakeResolver) Resolve(domain.Protocol) protocols.Adapter { return r.adapter }

type fakeConnSource struct {
	conn *domain.Connection
	err  error
}

func (s *fakeConnSource) Get(context.Context, string) (*domain.Connection, error) {
	return s.conn, s.err
}

type fakePool struct {
	mu          sync.Mutex
	handle      protocols.Handle
	acquireErr  error
	invalidated []string
}

func (p *fakePool) Acquire(context.Context, *domain.Connection, map[string]any) (protocols.Handle, error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	if p.handle == nil {
		p.handle = &stubHandle{}
	}
	return p.handle, nil
}

func (p *fakePool) Invalidate(connectionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidated = append(p.invalidated, connectionID)
}

type fakeUOW struct {
	err   error
	calls int
}

func (u *fakeUOW) Do(ctx context.Context, fn func(ctx context.Context, db storage.DBTX) error) error {
	u.calls++
	if u.err != nil {
		return u.err
	}
	return fn(ctx, nil)
}

type appliedUpdate struct {
	deviceID string
	update   domain.DeviceStateUpdate
}

type fakeUpdater struct {
	mu      sync.Mutex
	err     error
	updates []appliedUpdate
}

func (f *fakeUpdater) ApplyUpdate(_ context.Context, _ storage.DBTX, id string, upd domain.DeviceStateUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.updates = append(f.updates, appliedUpdate{deviceID: id, update: upd})
	return nil
}

func (f *fakeUpdater) last() *appliedUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		return nil
	}
	u := f.updates[len(f.updates)-1]
	return &u
}

type fakeLogs struct {
	mu      sync.Mutex
	records []domain.TransmissionLog
}

func (f *fakeLogs) InsertBatch(_ context.Context, _ storage.DBTX, records []domain.TransmissionLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, records...)
	return nil
}

func (f *fakeLogs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func testBreakers() *breaker.Registry {
	return breaker.NewRegistry(breaker.Config{
		FailureThreshold: 5,
		RecoveryDelay:    30 * time.Second,
		MaxRecoveryDelay: 300 * time.Second,
	}, nil)
}
