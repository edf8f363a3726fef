package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hostlens/hostlens/internal/registry"
	"github.com/hostlens/hostlens/internal/status"
)

// FilesystemPlugin is the default config plugin: genConfig reads one JSON
// file from disk and returns its raw text as a single source, named for
// the file's base name. Grounded verbatim on
// osquery/config/plugins/filesystem.cpp's FilesystemConfigPlugin::genConfig
// (missing file is an error, not an empty config — Manager.Refresh already
// treats "every source failed to parse" as malformed).
type FilesystemPlugin struct {
	path string
}

// NewFilesystemPlugin returns a config plugin reading path on every genConfig call.
func NewFilesystemPlugin(path string) *FilesystemPlugin {
	return &FilesystemPlugin{path: path}
}

func (p *FilesystemPlugin) SetUp() status.Status    { return status.OKStatus }
func (p *FilesystemPlugin) TearDown() status.Status { return status.OKStatus }

// Call implements registry.Plugin. "genConfig" reads the configured file;
// "genPack" (for pack refs resolved against the filesystem) reads a
// sibling file named by the "ref" field.
func (p *FilesystemPlugin) Call(req registry.Request) (registry.Response, status.Status) {
	switch req["action"] {
	case "genConfig":
		data, err := os.ReadFile(p.path)
		if err != nil {
			return nil, status.New(status.NotFound, "config: %v", err)
		}
		source := strings.TrimSuffix(filepath.Base(p.path), filepath.Ext(p.path))
		return registry.Response{{"source": source, "data": string(data)}}, status.OKStatus
	case "genPack":
		packPath := filepath.Join(filepath.Dir(p.path), req["ref"])
		data, err := os.ReadFile(packPath)
		if err != nil {
			return nil, status.New(status.NotFound, "config: pack %s: %v", req["ref"], err)
		}
		return registry.Response{{"data": string(data)}}, status.OKStatus
	default:
		return nil, status.New(status.Unsupported, "config: unsupported action %q", req["action"])
	}
}
