package watchdog

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// watcherWatcherInterval is how often the worker checks its parent is
// still alive; the spec doesn't name a default for this one, so it
// reuses the watchdog tick default (3s).
const watcherWatcherInterval = 3 * time.Second

// WatcherWatcher runs inside the worker process and exits the process
// the moment its parent (the watcher) is gone — detected by getppid()
// no longer returning the watcher's original pid (the orphaned worker has
// been reparented, usually to init) — since a worker with no watcher left to respawn it serves no
// purpose going forward.
type WatcherWatcher struct {
	watcherPID int
	log        zerolog.Logger
	// Exit is called once the parent is found to be gone; defaults to
	// os.Exit(0) if left nil.
	Exit func()
}

// NewWatcherWatcher captures the watcher's pid at worker startup time
// (os.Getppid(), read once before the worker does anything else) to
// compare against on every tick.
func NewWatcherWatcher(watcherPID int) *WatcherWatcher {
	return &WatcherWatcher{
		watcherPID: watcherPID,
		log:        log.With().Str("component", "watcherwatcher").Logger(),
	}
}

// Run blocks, polling every watcherWatcherInterval, until ctx is canceled
// or the parent process has changed out from under the worker.
func (ww *WatcherWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(watcherWatcherInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if os.Getppid() != ww.watcherPID {
				ww.log.Error().Int("original_parent", ww.watcherPID).Int("current_parent", os.Getppid()).
					Msg("watcher process is gone, exiting worker")
				if ww.Exit != nil {
					ww.Exit()
				} else {
					os.Exit(0)
				}
				return
			}
		}
	}
}
