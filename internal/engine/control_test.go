package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotforge/transmission-service/internal/domain"
	"github.com/iotforge/transmission-service/internal/runtime"
	"github.com/iotforge/transmission-service/internal/storage"
)

type fakeDeviceGetter struct {
	device *domain.Device
	err    error
}

func (f *fakeDeviceGetter) GetByID(context.Context, storage.DBTX, string) (*domain.Device, error) {
	return f.device, f.err
}

type controlEnv struct {
	controller *Controller
	states     *runtime.Map
	pool       *fakePool
	updater    *fakeUpdater
	getter     *fakeDeviceGetter
}

func newControlEnv(t *testing.T) *controlEnv {
	t.Helper()

	env := &controlEnv{
		states:  runtime.NewMap(nil),
		pool:    &fakePool{},
		updater: &fakeUpdater{},
		getter:  &fakeDeviceGetter{},
	}
	links := &fakeLinkLister{links: map[string][]domain.DatasetLink{
		"dev-1": {{DeviceID: "dev-1", DatasetID: "ds-1"}},
	}}
	datasets := &fakeDatasetSource{
		rows:   map[string][]domain.Row{"ds-1": {{"v": "10"}}},
		hashes: map[string]string{"ds-1": "1:10"},
	}

	env.controller = NewController(nil, env.getter, env.updater, links, datasets,
		env.states, env.pool, testBreakers(), &fakeUOW{}, nil)
	return env
}

func TestControllerStartAdoptsDevice(t *testing.T) {
	env := newControlEnv(t)
	device := transmittableDevice("dev-1")
	env.getter.device = &device

	require.NoError(t, env.controller.Start(context.Background(), "dev-1"))

	state := env.states.Get("dev-1")
	require.NotNil(t, state)
	assert.Len(t, state.Snapshot().Rows, 1)
}

func TestControllerStartIgnoresNonTransmittable(t *testing.T) {
	env := newControlEnv(t)
	device := transmittableDevice("dev-1")
	device.TransmissionEnabled = false
	env.getter.device = &device

	require.NoError(t, env.controller.Start(context.Background(), "dev-1"))
	assert.Nil(t, env.states.Get("dev-1"))
}

func TestControllerStartUnknownDevice(t *testing.T) {
	env := newControlEnv(t)
	env.getter.err = ErrDeviceNotFound

	assert.ErrorIs(t, env.controller.Start(context.Background(), "dev-x"), ErrDeviceNotFound)
}

func TestControllerStopWithResetWritesIdleState(t *testing.T) {
	env := newControlEnv(t)
	device := transmittableDevice("dev-1")
	env.states.Put(runtime.NewDeviceState(&device, nil, ""))

	require.NoError(t, env.controller.Stop(context.Background(), "dev-1", true))

	assert.Nil(t, env.states.Get("dev-1"))

	last := env.updater.last()
	require.NotNil(t, last)
	require.NotNil(t, last.update.CurrentRowIndex)
	assert.Equal(t, 0, *last.update.CurrentRowIndex)
	require.NotNil(t, last.update.Status)
	assert.Equal(t, domain.DeviceStatusIdle, *last.update.Status)

	// Last user of conn-1: handle released, breaker reset.
	assert.Equal(t, []string{"conn-1"}, env.pool.invalidated)
}

func TestControllerStopWithoutResetLeavesRowIndex(t *testing.T) {
	env := newControlEnv(t)
	device := transmittableDevice("dev-1")
	env.states.Put(runtime.NewDeviceState(&device, nil, ""))

	require.NoError(t, env.controller.Stop(context.Background(), "dev-1", false))

	assert.Nil(t, env.states.Get("dev-1"))
	assert.Nil(t, env.updater.last())
}

func TestControllerStopKeepsSharedConnection(t *testing.T) {
	env := newControlEnv(t)
	first := transmittableDevice("dev-1")
	second := transmittableDevice("dev-2")
	env.states.Put(runtime.NewDeviceState(&first, nil, ""))
	env.states.Put(runtime.NewDeviceState(&second, nil, ""))

	require.NoError(t, env.controller.Stop(context.Background(), "dev-1", false))

	// dev-2 still publishes through conn-1: the handle stays pooled.
	assert.Empty(t, env.pool.invalidated)
	assert.NotNil(t, env.states.Get("dev-2"))
}

func TestControllerStopUnknownDeviceIsNoOp(t *testing.T) {
	env := newControlEnv(t)
	require.NoError(t, env.controller.Stop(context.Background(), "dev-missing", false))
}
