package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotforge/transmission-service/internal/domain"
	"github.com/iotforge/transmission-service/internal/pool"
)

func newTestScheduler(env *dispatchEnv) *Scheduler {
	s := NewScheduler(env.states, env.dispatcher, testBreakers(), 10, 250*time.Millisecond, nil, nil)
	s.jitter = func(int) time.Duration { return 0 }
	return s
}

func TestSchedulerDispatchesDueDevices(t *testing.T) {
	env := newDispatchEnv(t, mqttConnection())
	state := sensorState([]domain.Row{{"v": "10"}, {"v": "20"}})
	env.states.Put(state)

	s := newTestScheduler(env)
	s.runTick(context.Background())
	s.wg.Wait()

	assert.Equal(t, 1, env.adapter.publishCount())
	assert.Equal(t, 1, state.RowIndex())
}

func TestSchedulerHonoursFrequency(t *testing.T) {
	env := newDispatchEnv(t, mqttConnection())
	state := sensorState([]domain.Row{{"v": "10"}, {"v": "20"}})
	env.states.Put(state)

	s := newTestScheduler(env)
	s.runTick(context.Background())
	s.wg.Wait()

	// The device transmits at most once per frequency window; an immediate
	// second tick selects nothing.
	s.runTick(context.Background())
	s.wg.Wait()
	assert.Equal(t, 1, env.adapter.publishCount())
}

func TestSchedulerSkipsInFlightDevices(t *testing.T) {
	env := newDispatchEnv(t, mqttConnection())
	state := sensorState([]domain.Row{{"v": "10"}})
	env.states.Put(state)

	require.True(t, state.TryBeginDispatch())
	s := newTestScheduler(env)
	s.runTick(context.Background())
	s.wg.Wait()

	assert.Zero(t, env.adapter.publishCount())
	state.EndDispatch()
}

func TestSchedulerRecoversFromDispatchPanic(t *testing.T) {
	env := newDispatchEnv(t, mqttConnection())

	// A nil connection makes the dispatcher dereference it and panic; the
	// scheduler must absorb it and release the in-flight flag.
	env.dispatcher.connections = &fakeConnSource{conn: nil}
	state := sensorState([]domain.Row{{"v": "10"}})
	env.states.Put(state)

	s := newTestScheduler(env)
	s.runTick(context.Background())
	s.wg.Wait()

	assert.False(t, state.InFlight())
}

func TestSchedulerStopDrains(t *testing.T) {
	env := newDispatchEnv(t, mqttConnection())
	env.states.Put(sensorState([]domain.Row{{"v": "10"}}))

	s := newTestScheduler(env)
	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	time.Sleep(300 * time.Millisecond)
	s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Zero(t, s.InFlight())
}

func TestStatsSnapshot(t *testing.T) {
	env := newDispatchEnv(t, mqttConnection())
	state := sensorState([]domain.Row{{"v": "10"}})
	env.states.Put(state)

	s := newTestScheduler(env)
	env.dispatcher.Transmit(context.Background(), state)

	source := NewStatsSource(env.states, s, env.dispatcher, stubPoolStats{}, testBreakers())
	stats := source.Snapshot()

	assert.Equal(t, 1, stats.ActiveDevices)
	assert.Equal(t, uint64(1), stats.MessagesSent)
	assert.NotZero(t, stats.BytesTransmitted)
	assert.Zero(t, stats.MessagesFailed)
}

type stubPoolStats struct{}

func (stubPoolStats) Stats() []pool.Stat { return nil }
func (stubPoolStats) LiveCount() int     { return 0 }

func TestResolveTarget(t *testing.T) {
	assert.Equal(t, "iot/data", resolveTarget(domain.ProtocolMQTT, map[string]any{}))
	assert.Equal(t, "plant/7", resolveTarget(domain.ProtocolMQTT, map[string]any{"topic": "plant/7"}))
	assert.Equal(t, "telemetry", resolveTarget(domain.ProtocolKafka, map[string]any{"topic": "telemetry"}))
	assert.Equal(t, "", resolveTarget(domain.ProtocolKafka, map[string]any{}))
	assert.Equal(t, "http://sink/ingest", resolveTarget(domain.ProtocolHTTP, map[string]any{"endpoint_url": "http://sink/ingest"}))
}
