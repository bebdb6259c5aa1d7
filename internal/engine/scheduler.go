package engine

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/iotforge/transmission-service/internal/breaker"
	"github.com/iotforge/transmission-service/internal/runtime"
	"github.com/iotforge/transmission-service/internal/telemetry"
)

// Scheduler drives the tick loop: every tick it scans the runtime map,
// claims due devices and dispatches them concurrently under the global
// semaphore. The loop itself never performs I/O.
type Scheduler struct {
	states     *runtime.Map
	dispatcher *Dispatcher
	breakers   *breaker.Registry
	sem        *semaphore.Weighted
	tick       time.Duration
	metrics    *telemetry.Metrics
	logger     *zap.Logger

	running  atomic.Bool
	inFlight atomic.Int64
	wg       sync.WaitGroup
	cancel   context.CancelFunc

	now    func() time.Time
	jitter func(maxMS int) time.Duration
}

func NewScheduler(states *runtime.Map, dispatcher *Dispatcher, breakers *breaker.Registry,
	maxConcurrent int64, tick time.Duration, metrics *telemetry.Metrics, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		states:     states,
		dispatcher: dispatcher,
		breakers:   breakers,
		sem:        semaphore.NewWeighted(maxConcurrent),
		tick:       tick,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
		jitter:     uniformJitter,
	}
}

func uniformJitter(maxMS int) time.Duration {
	if maxMS <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(maxMS)+1)) * time.Millisecond
}

// Run blocks until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info("scheduler started", zap.Duration("tick", s.tick))
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

// runTick selects due devices and launches their dispatches. The selection
// phase only reads in-memory state.
func (s *Scheduler) runTick(ctx context.Context) {
	start := s.now()

	for _, state := range s.states.Snapshot() {
		if !state.Due(start) {
			continue
		}
		if !state.TryBeginDispatch() {
			continue
		}
		s.wg.Add(1)
		go s.dispatchOne(ctx, state)
	}

	if s.breakers != nil {
		s.breakers.Observe()
	}
	if s.metrics != nil {
		s.metrics.LoopDuration.Observe(time.Since(start).Seconds())
	}
}

func (s *Scheduler) dispatchOne(ctx context.Context, state *runtime.DeviceState) {
	defer s.wg.Done()
	defer state.EndDispatch()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("dispatch panicked",
				zap.String("device_id", state.DeviceID),
				zap.Any("panic", r))
		}
	}()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	// The due-time stamp moves only once the dispatch actually starts, so a
	// semaphore wait never speeds a device up past its frequency.
	view := state.Snapshot()
	state.MarkDispatched(s.now(), s.jitter(view.JitterMS))

	s.observeInFlight(s.inFlight.Add(1))
	defer func() { s.observeInFlight(s.inFlight.Add(-1)) }()

	s.dispatcher.Transmit(ctx, state)
}

func (s *Scheduler) observeInFlight(n int64) {
	if s.metrics != nil {
		s.metrics.ConcurrentTransmissions.Set(float64(n))
	}
}

// Stop cancels the loop and all in-flight dispatches, then waits for them
// to drain.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// InFlight reports the number of dispatches currently running.
func (s *Scheduler) InFlight() int64 {
	return s.inFlight.Load()
}
