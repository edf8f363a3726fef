package watchdog

import (
	"context"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerLimitFallsBackToNormalForUnknownLevel(t *testing.T) {
	assert.Equal(t, WorkerLimit(LevelNormal, MemoryLimit), WorkerLimit(Level(99), MemoryLimit))
}

func TestWorkerLimitDisabledHasNoMemoryBound(t *testing.T) {
	assert.Equal(t, uint64(0), WorkerLimit(LevelDisabled, MemoryLimit))
}

func TestWorkerLimitRestrictiveTighterThanNormal(t *testing.T) {
	assert.Less(t, WorkerLimit(LevelRestrictive, MemoryLimit), WorkerLimit(LevelNormal, MemoryLimit))
	assert.Less(t, WorkerLimit(LevelRestrictive, LatencyLimit), WorkerLimit(LevelNormal, LatencyLimit))
}

// fakeInspector lets tests script exactly what Usage/Alive report per pid
// without needing a real process tree.
type fakeInspector struct {
	mu     sync.Mutex
	alive  map[int]bool
	usage  map[int]Usage
	errPid map[int]bool
}

func newFakeInspector() *fakeInspector {
	return &fakeInspector{alive: map[int]bool{}, usage: map[int]Usage{}, errPid: map[int]bool{}}
}

func (f *fakeInspector) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeInspector) Usage(pid int) (Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errPid[pid] {
		return Usage{}, assert.AnError
	}
	return f.usage[pid], nil
}

func (f *fakeInspector) setAlive(pid int, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[pid] = alive
}

func (f *fakeInspector) setUsage(pid int, u Usage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage[pid] = u
}

// realSleepSpawner starts a genuinely long-lived child process (sleep)
// so the watchdog has a real *exec.Cmd/pid to track, while the fake
// Inspector drives the health verdicts deterministically.
func realSleepSpawner(t *testing.T) Spawner {
	return func(ctx context.Context) (*exec.Cmd, error) {
		cmd := exec.Command("sleep", "300")
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		t.Cleanup(func() { _ = cmd.Process.Kill() })
		return cmd, nil
	}
}

func TestRespawnsChildAfterExit(t *testing.T) {
	insp := newFakeInspector()
	var spawnCount int32

	spawn := func(ctx context.Context) (*exec.Cmd, error) {
		atomic.AddInt32(&spawnCount, 1)
		cmd := exec.Command("sleep", "300")
		require.NoError(t, cmd.Start())
		t.Cleanup(func() { _ = cmd.Process.Kill() })
		insp.setAlive(cmd.Process.Pid, true)
		insp.setUsage(cmd.Process.Pid, Usage{MemoryBytes: 1024})
		return cmd, nil
	}

	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	w := New(cfg, insp, spawn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&spawnCount))

	// simulate the worker exiting
	w.mu.Lock()
	pid := w.worker.cmd.Process.Pid
	w.mu.Unlock()
	insp.setAlive(pid, false)

	time.Sleep(50 * time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&spawnCount), int32(2))
}

func TestRespawnLimitStopsRespawningAfterExceedingWindow(t *testing.T) {
	insp := newFakeInspector()
	var spawnCount int32
	spawn := func(ctx context.Context) (*exec.Cmd, error) {
		atomic.AddInt32(&spawnCount, 1)
		cmd := exec.Command("sleep", "300")
		require.NoError(t, cmd.Start())
		t.Cleanup(func() { _ = cmd.Process.Kill() })
		insp.setAlive(cmd.Process.Pid, false) // always reports dead: crash loop
		return cmd, nil
	}

	cfg := DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	w := New(cfg, insp, spawn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)

	limit := WorkerLimit(LevelNormal, RespawnLimit)
	assert.LessOrEqual(t, int64(atomic.LoadInt32(&spawnCount)), int64(limit)+1)
}

func TestBindFatesInvokesOnWorkerDiedInsteadOfRespawn(t *testing.T) {
	insp := newFakeInspector()
	spawn := realSleepSpawner(t)
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	w := New(cfg, insp, spawn)
	w.BindFates()

	var died int32
	w.OnWorkerDied = func() { atomic.AddInt32(&died, 1) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	w.mu.Lock()
	pid := w.worker.cmd.Process.Pid
	w.mu.Unlock()
	insp.setAlive(pid, false)

	time.Sleep(30 * time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&died), int32(1))
}

func TestEvaluateHealthFlagsMemoryOverLimit(t *testing.T) {
	w := &Watchdog{cfg: Config{Level: LevelNormal, TickInterval: 3 * time.Second}}
	c := &managedChild{}
	limitMB := WorkerLimit(LevelNormal, MemoryLimit)
	healthy := w.evaluateHealth(c, Usage{MemoryBytes: (limitMB + 1) * 1024 * 1024})
	assert.False(t, healthy)
}

func TestEvaluateHealthOkUnderLimit(t *testing.T) {
	w := &Watchdog{cfg: Config{Level: LevelNormal, TickInterval: 3 * time.Second}}
	c := &managedChild{}
	healthy := w.evaluateHealth(c, Usage{MemoryBytes: 1024})
	assert.True(t, healthy)
}

func TestEvaluateHealthAlwaysHealthyWhenDisabled(t *testing.T) {
	w := &Watchdog{cfg: Config{Level: LevelDisabled, TickInterval: 3 * time.Second}}
	c := &managedChild{}
	healthy := w.evaluateHealth(c, Usage{MemoryBytes: 1 << 40})
	assert.True(t, healthy)
}

func TestSustainedLatencyAccumulatesThenTriggersStop(t *testing.T) {
	insp := newFakeInspector()
	spawn := realSleepSpawner(t)
	cfg := DefaultConfig()
	w := New(cfg, insp, spawn)

	cmd, err := spawn(context.Background())
	require.NoError(t, err)
	w.worker.cmd = cmd
	pid := cmd.Process.Pid
	insp.setAlive(pid, true)
	overLimit := Usage{MemoryBytes: (WorkerLimit(LevelNormal, MemoryLimit) + 1) * 1024 * 1024}
	insp.setUsage(pid, overLimit)

	limit := int(WorkerLimit(LevelNormal, LatencyLimit))
	for i := 0; i < limit; i++ {
		w.checkChild(context.Background(), w.worker)
	}
	assert.Equal(t, limit, w.worker.state.SustainedLatency)

	// one more unhealthy tick crosses the tolerance and stops the child
	w.checkChild(context.Background(), w.worker)
	assert.Greater(t, w.worker.state.SustainedLatency, limit)
}

func TestWatcherWatcherExitsWhenParentChanges(t *testing.T) {
	ww := NewWatcherWatcher(12345)
	var exited int32
	ww.Exit = func() { atomic.AddInt32(&exited, 1) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		ww.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcherwatcher never detected parent change")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&exited))
}
