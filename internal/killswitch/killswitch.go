// Package killswitch implements hostlens's uniform feature-gate: a
// plugin-backed isEnabled(key) with a cached refresh window and a
// fail-open isNewCodeEnabled wrapper, mirroring osquery/killswitch/killswitch.cpp.
package killswitch

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hostlens/hostlens/internal/registry"
	"github.com/hostlens/hostlens/internal/status"
)

// DefaultRefreshWindow is how long a cached isEnabled result is trusted
// before the next call re-queries the active killswitch plugin.
const DefaultRefreshWindow = 60 * time.Second

// Killswitch evaluates feature-gate keys against the active
// registry.KindKillswitch plugin, caching results for RefreshWindow.
type Killswitch struct {
	reg           *registry.Registry
	log           zerolog.Logger
	refreshWindow time.Duration

	mu    sync.Mutex
	cache map[string]cachedResult
}

type cachedResult struct {
	enabled  bool
	cachedAt time.Time
}

// New builds a Killswitch backed by reg's active KindKillswitch plugin.
func New(reg *registry.Registry) *Killswitch {
	return &Killswitch{
		reg:           reg,
		log:           log.With().Str("component", "killswitch").Logger(),
		refreshWindow: DefaultRefreshWindow,
		cache:         make(map[string]cachedResult),
	}
}

// SetRefreshWindow overrides the default 60s cache lifetime.
func (k *Killswitch) SetRefreshWindow(d time.Duration) { k.refreshWindow = d }

// IsEnabled queries (or returns a cached verdict for) key. The error
// return distinguishes "no active plugin"/"call failed"/"malformed
// response" from a genuine false verdict, so isNewCodeEnabled can tell
// the two apart and fail open only on the former.
func (k *Killswitch) IsEnabled(key string) (bool, error) {
	k.mu.Lock()
	if cached, ok := k.cache[key]; ok && time.Since(cached.cachedAt) < k.refreshWindow {
		k.mu.Unlock()
		return cached.enabled, nil
	}
	k.mu.Unlock()

	enabled, err := k.query(key)
	if err != nil {
		return false, err
	}

	k.mu.Lock()
	k.cache[key] = cachedResult{enabled: enabled, cachedAt: time.Now()}
	k.mu.Unlock()
	return enabled, nil
}

func (k *Killswitch) query(key string) (bool, error) {
	resp, st := k.reg.CallActive(registry.KindKillswitch, registry.Request{
		"action": "isEnabled",
		"key":    key,
	})
	if !st.Ok() {
		return false, st
	}
	if len(resp) != 1 {
		return false, status.New(status.Malformed, "killswitch: expected one response row, got %d", len(resp))
	}
	v, ok := resp[0]["isEnabled"]
	if !ok {
		return false, status.New(status.Malformed, "killswitch: response missing isEnabled key")
	}
	switch v {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, status.New(status.Malformed, "killswitch: unrecognized isEnabled value %q", v)
	}
}

// IsNewCodeEnabled is the fail-open convenience wrapper: any error
// (missing plugin, call failure, malformed response) is logged and
// treated as enabled, so a killswitch outage never disables code that
// was meant to ship.
func (k *Killswitch) IsNewCodeEnabled(key string) bool {
	enabled, err := k.IsEnabled(key)
	if err != nil {
		k.log.Warn().Str("key", key).Err(err).Msg("killswitch check failed, failing open")
		return true
	}
	return enabled
}

// Refresh invalidates every cached verdict, forcing the next IsEnabled
// call for each key to re-query the active plugin. A config reload hook
// calls this so killswitch state tracks configuration changes instead of
// only expiring on the window's own timer.
func (k *Killswitch) Refresh() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.cache = make(map[string]cachedResult)
}
