package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchPaths triggers an immediate Refresh whenever one of paths (typically
// the filesystem config plugin's config file) reports a write or create
// event. It watches each path's containing directory, so editor
// atomic-rename saves are caught too, and ignores events for other files
// in those directories. This complements the periodic refresh thread with near-instant
// pickup of operator-driven edits. Errors opening the watcher are logged
// and watching is skipped rather than failing startup.
func (m *Manager) WatchPaths(ctx context.Context, paths ...string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := make(map[string]bool)
	for _, p := range paths {
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			m.log.Warn().Str("dir", dir).Err(err).Msg("could not watch config directory for hot reload")
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if !matchesWatchedPath(ev.Name, paths) {
					continue
				}
				if st := m.Refresh(); !st.Ok() {
					m.log.Warn().Str("status", st.Error()).Str("trigger", ev.Name).Msg("hot-reload refresh failed")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return nil
}

func matchesWatchedPath(name string, paths []string) bool {
	for _, p := range paths {
		if filepath.Clean(name) == filepath.Clean(p) {
			return true
		}
	}
	return false
}
