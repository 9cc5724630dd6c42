package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isorun/isorun/internal/models"
	"github.com/isorun/isorun/internal/tools"
	"github.com/isorun/isorun/internal/worker"
)

type fakeIsolate struct {
	id       string
	mu       sync.Mutex
	killed   bool
	nextOut  models.Output
}

func (f *fakeIsolate) ID() string { return f.id }
func (f *fakeIsolate) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
}
func (f *fakeIsolate) isKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}
func (f *fakeIsolate) Run(ctx context.Context, packet models.Packet, timeoutMs int, internal *tools.Internal) models.Output {
	return f.nextOut
}

type fakeDriver struct {
	mu      sync.Mutex
	spawned []*fakeIsolate
	out     models.Output
}

func (d *fakeDriver) Spawn(id string) (worker.Isolate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	iso := &fakeIsolate{id: id, nextOut: d.out}
	d.spawned = append(d.spawned, iso)
	return iso, nil
}

func TestWarmup_NeverExceedsMax(t *testing.T) {
	drv := &fakeDriver{out: models.Output{OK: true}}
	c := New(drv, Config{Min: 1, Max: 2, Idle: time.Minute})
	defer c.Destroy()

	require.NoError(t, c.Warmup(10))
	assert.Equal(t, 2, c.Stats().Size)
}

func TestAcquire_SpawnsBelowMaxThenExhausts(t *testing.T) {
	drv := &fakeDriver{out: models.Output{OK: true}}
	c := New(drv, Config{Min: 0, Max: 1, Idle: time.Minute})
	defer c.Destroy()

	w1, err := c.Acquire()
	require.NoError(t, err)
	require.NotNil(t, w1)

	w2, err := c.Acquire()
	require.NoError(t, err)
	assert.Nil(t, w2)
}

func TestRun_TimeoutKillsWorker(t *testing.T) {
	drv := &fakeDriver{out: models.Output{
		OK:   false,
		Logs: []models.LogEntry{{Name: models.ErrNameTimeoutError}},
	}}
	c := New(drv, Config{Min: 0, Max: 2, Idle: time.Minute})
	defer c.Destroy()

	out := c.Run(context.Background(), models.Packet{}, 10, nil)
	assert.False(t, out.OK)

	require.Len(t, drv.spawned, 1)
	assert.True(t, drv.spawned[0].isKilled())
	assert.Equal(t, 0, c.Stats().OK)
}

func TestRun_SuccessReleasesWorkerForReuse(t *testing.T) {
	drv := &fakeDriver{out: models.Output{OK: true, Result: 42}}
	c := New(drv, Config{Min: 0, Max: 1, Idle: time.Minute})
	defer c.Destroy()

	out := c.Run(context.Background(), models.Packet{}, 1000, nil)
	require.True(t, out.OK)

	w, err := c.Acquire()
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Len(t, drv.spawned, 1, "worker reused, not respawned")
}
