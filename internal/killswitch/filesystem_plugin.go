package killswitch

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hostlens/hostlens/internal/registry"
	"github.com/hostlens/hostlens/internal/status"
)

// FilesystemPlugin is the default killswitch backend: a JSON document on
// disk mapping key -> bool, re-read on every refresh() call. Grounded on
// KillswitchRefreshablePlugin's call()+refresh() split, with refresh here
// simply re-reading the file rather than fetching over the network.
type FilesystemPlugin struct {
	path string
	log  zerolog.Logger

	mu    sync.RWMutex
	flags map[string]bool
}

// NewFilesystemPlugin returns a plugin reading key/bool pairs from a JSON
// object at path.
func NewFilesystemPlugin(path string) *FilesystemPlugin {
	return &FilesystemPlugin{
		path: path,
		log:  log.With().Str("component", "killswitch.filesystem").Str("path", path).Logger(),
	}
}

// SetUp performs the initial load, per registry.Plugin.
func (p *FilesystemPlugin) SetUp() status.Status {
	return p.refresh()
}

// TearDown is a no-op; nothing held needs releasing.
func (p *FilesystemPlugin) TearDown() status.Status { return status.OKStatus }

func (p *FilesystemPlugin) refresh() status.Status {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		p.mu.Lock()
		p.flags = map[string]bool{}
		p.mu.Unlock()
		return status.OKStatus
	}
	if err != nil {
		return status.New(status.TransientIO, "killswitch: read %s: %v", p.path, err)
	}

	var flags map[string]bool
	if err := json.Unmarshal(data, &flags); err != nil {
		return status.New(status.Malformed, "killswitch: parse %s: %v", p.path, err)
	}

	p.mu.Lock()
	p.flags = flags
	p.mu.Unlock()
	return status.OKStatus
}

// Call implements registry.Plugin's uniform action dispatch: "isEnabled"
// with a "key" argument, or "refresh" to reload the backing file.
func (p *FilesystemPlugin) Call(req registry.Request) (registry.Response, status.Status) {
	switch req["action"] {
	case "refresh":
		if st := p.refresh(); !st.Ok() {
			return nil, st
		}
		return registry.Response{}, status.OKStatus
	case "isEnabled":
		key := req["key"]
		p.mu.RLock()
		enabled := p.flags[key]
		p.mu.RUnlock()
		value := "0"
		if enabled {
			value = "1"
		}
		return registry.Response{{"isEnabled": value}}, status.OKStatus
	default:
		return nil, status.New(status.Unsupported, "killswitch: unsupported action %q", req["action"])
	}
}
