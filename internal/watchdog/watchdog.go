// Package watchdog implements hostlens's process-supervision layer: the
// top-level watcher process forks a worker (and any autoloaded extension
// processes), re-execing the same binary with a marker environment
// variable, and polls each child's resource usage on a fixed tick,
// respawning or killing children that exceed their level's limits —
// mirroring osquery's Watcher/WatcherRunner split in osquery/core/watcher.h.
package watchdog

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WorkerMarkerEnv is set in a spawned worker's environment so cmd/hostlensd
// can tell, at startup, whether it is the top-level watcher or the forked
// worker re-exec of itself.
const WorkerMarkerEnv = "HOSTLENSD_WORKER"

// Level is one of the four watchdog rigor levels; Level 0 disables limit
// enforcement entirely (the watcher still respawns on exit, it just never
// kills a child for resource use).
type Level int

const (
	LevelDisabled Level = iota
	LevelNormal
	LevelRestrictive
	LevelDebug
)

// LimitType names one of the performance categories a Level's table
// bounds, mirroring osquery's WatchdogLimitType enum.
type LimitType int

const (
	MemoryLimit LimitType = iota
	UtilizationLimit
	RespawnLimit
	RespawnDelay
	LatencyLimit
	IntervalLimit
)

// limits[level][type] reproduces osquery's per-level getWorkerLimit table:
// memory in MB, utilization in percent of a core, respawn count per
// window, respawn delay in seconds, latency tolerance in ticks, and the
// tick interval in seconds.
var limits = map[Level]map[LimitType]uint64{
	LevelDisabled: {
		MemoryLimit: 0, UtilizationLimit: 0, RespawnLimit: 1000000,
		RespawnDelay: 0, LatencyLimit: 1000000, IntervalLimit: 3,
	},
	LevelNormal: {
		MemoryLimit: 200, UtilizationLimit: 30, RespawnLimit: 4,
		RespawnDelay: 20, LatencyLimit: 6, IntervalLimit: 3,
	},
	LevelRestrictive: {
		MemoryLimit: 100, UtilizationLimit: 18, RespawnLimit: 4,
		RespawnDelay: 20, LatencyLimit: 3, IntervalLimit: 3,
	},
	LevelDebug: {
		MemoryLimit: 1000, UtilizationLimit: 100, RespawnLimit: 1000000,
		RespawnDelay: 0, LatencyLimit: 1000000, IntervalLimit: 3,
	},
}

// WorkerLimit returns the configured bound for limit at level, the Go
// equivalent of getWorkerLimit(WatchdogLimitType).
func WorkerLimit(level Level, limit LimitType) uint64 {
	table, ok := limits[level]
	if !ok {
		table = limits[LevelNormal]
	}
	return table[limit]
}

// respawnWindow is the sliding window RespawnLimit is evaluated over,
// default 60s per spec.
const respawnWindow = 60 * time.Second

// PerformanceState is the per-child snapshot the monitor keeps between
// ticks, matching osquery's PerformanceState.
type PerformanceState struct {
	SustainedLatency int
	UserTime         uint64
	SystemTime       uint64
	LastRespawnTime  time.Time
	InitialFootprint uint64
	respawns         []time.Time
}

// Usage is one tick's resource snapshot for a child process.
type Usage struct {
	MemoryBytes uint64
	UserTicks   uint64
	SystemTicks uint64
}

// Inspector reads a child process's resource usage. The production
// implementation reads /proc/<pid>/stat and /proc/<pid>/status on Linux;
// no pack dependency offers cross-platform process introspection cheaper
// than the stdlib os package plus a small /proc parser, so this one
// concern is justified stdlib-only (see DESIGN.md).
type Inspector interface {
	Usage(pid int) (Usage, error)
	Alive(pid int) bool
}

// Child is a managed process: the worker, or one autoloaded extension.
type Child struct {
	Name string
	cmd  *exec.Cmd
	pid  int
}

// Spawner starts a managed child process. The worker spawner re-execs
// the current binary with WorkerMarkerEnv set; an extension spawner
// starts the extension binary at its configured path.
type Spawner func(ctx context.Context) (*exec.Cmd, error)

type managedChild struct {
	name    string
	spawn   Spawner
	cmd     *exec.Cmd
	state   PerformanceState
	started time.Time
}

// Config bounds the watchdog's behavior.
type Config struct {
	Level           Level
	TickInterval    time.Duration
	StartDelay      time.Duration
	GraceBeforeKill time.Duration
}

// DefaultConfig returns the spec's stated defaults: 3s tick, no start
// delay, 5s grace between a graceful stop request and a hard kill.
func DefaultConfig() Config {
	return Config{
		Level:           LevelNormal,
		TickInterval:    3 * time.Second,
		StartDelay:      0,
		GraceBeforeKill: 5 * time.Second,
	}
}

// Watchdog is the watcher-side supervisor: it owns the worker Spawner and
// zero or more extension Spawners, and runs the monitoring cycle described
// in spec §4.5 until its context is canceled.
type Watchdog struct {
	cfg       Config
	inspector Inspector
	log       zerolog.Logger

	mu         sync.Mutex
	worker     *managedChild
	extensions map[string]*managedChild
	fatesBound bool
	startedAt  time.Time
	selfState  PerformanceState

	// OnWorkerDied is invoked instead of respawning the worker once
	// BindFates has been called and the worker exits.
	OnWorkerDied func()
	// OnSelfExceeded is invoked when the watcher process itself exceeds
	// its own memory limit; the caller is expected to exit the process
	// so the kernel can reclaim it, per spec.
	OnSelfExceeded func()
}

// New builds a Watchdog. workerSpawn starts the worker process; fatesBound
// false (the default, matching bindFates() never having been called)
// means a worker exit triggers a respawn rather than watcher shutdown.
func New(cfg Config, inspector Inspector, workerSpawn Spawner) *Watchdog {
	return &Watchdog{
		cfg:        cfg,
		inspector:  inspector,
		log:        log.With().Str("component", "watchdog").Logger(),
		worker:     &managedChild{name: "worker", spawn: workerSpawn},
		extensions: make(map[string]*managedChild),
	}
}

// BindFates ties the watcher's survival to the worker's: once called, if
// the worker exits the watcher stops respawning it and exits too, instead
// of the default auto-respawn behavior.
func (w *Watchdog) BindFates() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fatesBound = true
}

// AddExtension registers an autoloaded extension the watcher should spawn
// and supervise alongside the worker.
func (w *Watchdog) AddExtension(name string, spawn Spawner) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.extensions[name] = &managedChild{name: name, spawn: spawn}
}

// Run starts the worker and every registered extension, then loops the
// monitoring cycle every cfg.TickInterval until ctx is canceled. It
// returns once the watcher itself should exit (self resource limit
// exceeded, or fates bound and the worker has permanently died).
func (w *Watchdog) Run(ctx context.Context) {
	w.startedAt = time.Now()
	w.startChild(ctx, w.worker)
	w.mu.Lock()
	for _, ext := range w.extensions {
		w.startChild(ctx, ext)
	}
	w.mu.Unlock()

	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.withinStartDelay() {
				continue
			}
			if w.checkSelf() {
				if w.OnSelfExceeded != nil {
					w.OnSelfExceeded()
				}
				return
			}
			if done := w.tick(ctx); done {
				return
			}
		}
	}
}

func (w *Watchdog) withinStartDelay() bool {
	return time.Since(w.startedAt) < w.cfg.StartDelay
}

func (w *Watchdog) startChild(ctx context.Context, c *managedChild) {
	cmd, err := c.spawn(ctx)
	if err != nil {
		w.log.Error().Str("child", c.name).Err(err).Msg("failed to spawn managed child")
		return
	}
	c.cmd = cmd
	c.started = time.Now()
	c.state.LastRespawnTime = c.started
	c.state.respawns = append(c.state.respawns, c.started)
	w.log.Info().Str("child", c.name).Msg("spawned managed child")
}

// tick runs one monitoring cycle across the worker and every extension,
// returning true if the watcher itself should now exit.
func (w *Watchdog) tick(ctx context.Context) bool {
	w.mu.Lock()
	children := append([]*managedChild{w.worker}, extensionSlice(w.extensions)...)
	w.mu.Unlock()

	for _, c := range children {
		w.checkChild(ctx, c)
	}
	w.mu.Lock()
	bound := w.fatesBound
	w.mu.Unlock()
	worker := w.worker.cmd
	return bound && worker != nil && worker.Process != nil && !w.inspector.Alive(worker.Process.Pid)
}

func extensionSlice(m map[string]*managedChild) []*managedChild {
	out := make([]*managedChild, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

func (w *Watchdog) checkChild(ctx context.Context, c *managedChild) {
	if c.cmd == nil || c.cmd.Process == nil {
		w.respawn(ctx, c)
		return
	}
	pid := c.cmd.Process.Pid
	if !w.inspector.Alive(pid) {
		w.log.Warn().Str("child", c.name).Int("pid", pid).Msg("managed child exited")
		if c.name == "worker" {
			w.mu.Lock()
			bound := w.fatesBound
			w.mu.Unlock()
			if bound {
				if w.OnWorkerDied != nil {
					w.OnWorkerDied()
				}
				return
			}
		}
		w.respawn(ctx, c)
		return
	}

	usage, err := w.inspector.Usage(pid)
	if err != nil {
		w.log.Warn().Str("child", c.name).Err(err).Msg("failed to read child resource usage")
		return
	}
	if c.state.InitialFootprint == 0 {
		c.state.InitialFootprint = usage.MemoryBytes
	}

	healthy := w.evaluateHealth(c, usage)
	if healthy {
		c.state.SustainedLatency = 0
		c.state.UserTime = usage.UserTicks
		c.state.SystemTime = usage.SystemTicks
		return
	}

	c.state.SustainedLatency++
	limit := int(WorkerLimit(w.cfg.Level, LatencyLimit))
	if w.cfg.Level == LevelDisabled || c.state.SustainedLatency <= limit {
		return
	}
	w.log.Warn().Str("child", c.name).Int("sustained", c.state.SustainedLatency).Msg("child exceeded sustained limit, stopping")
	w.stopChild(c)
}

// evaluateHealth mirrors isChildSane: memory must stay under the level's
// bound, and CPU ticks per wall-second since the last tick must stay
// under the utilization bound.
func (w *Watchdog) evaluateHealth(c *managedChild, usage Usage) bool {
	if w.cfg.Level == LevelDisabled {
		return true
	}
	memLimitMB := WorkerLimit(w.cfg.Level, MemoryLimit)
	if memLimitMB > 0 && usage.MemoryBytes > memLimitMB*1024*1024 {
		return false
	}
	utilLimit := WorkerLimit(w.cfg.Level, UtilizationLimit)
	deltaTicks := (usage.UserTicks + usage.SystemTicks) - (c.state.UserTime + c.state.SystemTime)
	intervalSecs := uint64(w.cfg.TickInterval / time.Second)
	if intervalSecs == 0 {
		intervalSecs = 1
	}
	if utilLimit > 0 && deltaTicks/intervalSecs > utilLimit {
		return false
	}
	return true
}

// stopChild sends a graceful stop, then escalates to a hard kill if the
// child hasn't exited within cfg.GraceBeforeKill.
func (w *Watchdog) stopChild(c *managedChild) {
	if c.cmd == nil || c.cmd.Process == nil {
		return
	}
	_ = c.cmd.Process.Signal(os.Interrupt)
	go func(cmd *exec.Cmd, grace time.Duration) {
		done := make(chan struct{})
		go func() { cmd.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(grace):
			_ = cmd.Process.Kill()
		}
	}(c.cmd, w.cfg.GraceBeforeKill)
}

// checkSelf evaluates the watcher's own memory footprint against its
// level's limit; the watcher enforces no CPU or latency self-limit, only
// memory, per spec ("if the watcher exceeds memory, it exits").
func (w *Watchdog) checkSelf() bool {
	if w.cfg.Level == LevelDisabled {
		return false
	}
	usage, err := w.inspector.Usage(os.Getpid())
	if err != nil {
		return false
	}
	limitMB := WorkerLimit(w.cfg.Level, MemoryLimit)
	if limitMB == 0 {
		return false
	}
	exceeded := usage.MemoryBytes > limitMB*1024*1024
	if exceeded {
		w.log.Error().Uint64("bytes", usage.MemoryBytes).Msg("watcher process exceeded its own memory limit, exiting")
	}
	return exceeded
}

// respawn enforces the respawn-limit-per-window before starting a fresh
// instance of c: exceeding RespawnLimit within respawnWindow means the
// child is repeatedly crash-looping and is left dead rather than
// respawned again immediately.
func (w *Watchdog) respawn(ctx context.Context, c *managedChild) {
	cutoff := time.Now().Add(-respawnWindow)
	kept := c.state.respawns[:0]
	for _, t := range c.state.respawns {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.state.respawns = kept

	limit := WorkerLimit(w.cfg.Level, RespawnLimit)
	if uint64(len(c.state.respawns)) >= limit {
		w.log.Error().Str("child", c.name).Msg("respawn limit exceeded within window, giving up")
		return
	}
	w.startChild(ctx, c)
}
