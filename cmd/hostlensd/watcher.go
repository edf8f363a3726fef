package main

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/hostlens/hostlens/internal/watchdog"
)

// runWatcher is the top-level process: it spawns and supervises a worker
// child re-execing this same binary with HOSTLENSD_WORKER set, polling
// its resource usage per watchdog.Config until the process should exit.
func runWatcher(cfg daemonConfig) {
	wcfg := watchdog.DefaultConfig()
	wcfg.Level = cfg.watchdogLevel

	wd := watchdog.New(wcfg, watchdog.NewInspector(), workerSpawner())
	wd.OnSelfExceeded = func() {
		log.Error().Msg("watcher exceeded its own resource limit, exiting so it can be restarted")
		os.Exit(1)
	}
	// wd.BindFates is intentionally left unset: the worker always respawns on
	// exit here. A caller that wants the watcher to exit alongside a worker
	// that shut down cleanly (rather than crashed) should call BindFates
	// before Run once that distinction is plumbed through.

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("level", watchdogLevelName(cfg.watchdogLevel)).Msg("hostlensd watcher starting")
	wd.Run(ctx)
	log.Info().Msg("hostlensd watcher stopped")
}

// workerSpawner re-execs the currently running binary with its original
// arguments, adding watchdog.WorkerMarkerEnv so the child's main() takes
// the runWorker path instead of forking again itself.
func workerSpawner() watchdog.Spawner {
	return func(ctx context.Context) (*exec.Cmd, error) {
		cmd := exec.Command(os.Args[0], os.Args[1:]...)
		cmd.Env = append(os.Environ(), watchdog.WorkerMarkerEnv+"=1")
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return cmd, nil
	}
}

func watchdogLevelName(l watchdog.Level) string {
	switch l {
	case watchdog.LevelDisabled:
		return "disabled"
	case watchdog.LevelNormal:
		return "normal"
	case watchdog.LevelRestrictive:
		return "restrictive"
	case watchdog.LevelDebug:
		return "debug"
	default:
		return "unknown"
	}
}
