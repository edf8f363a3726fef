package logforwarder

import (
	"context"

	"github.com/hostlens/hostlens/internal/registry"
	"github.com/hostlens/hostlens/internal/status"
)

// LoggerPlugin adapts a Forwarder to the KindLogger registry.Plugin
// contract the scheduler's emit/flushStatusLogs calls dispatch against:
// "logQueryLogItem" and "logSnapshotQuery" both buffer the item's raw JSON
// for later delivery, and "flush" forces an immediate out-of-band send.
type LoggerPlugin struct {
	forwarder *Forwarder
}

// NewLoggerPlugin wraps f for registration under KindLogger.
func NewLoggerPlugin(f *Forwarder) *LoggerPlugin {
	return &LoggerPlugin{forwarder: f}
}

func (p *LoggerPlugin) SetUp() status.Status    { return status.OKStatus }
func (p *LoggerPlugin) TearDown() status.Status { return status.OKStatus }

func (p *LoggerPlugin) Call(req registry.Request) (registry.Response, status.Status) {
	switch req["action"] {
	case "logQueryLogItem", "logSnapshotQuery":
		item := req["item"]
		if item == "" {
			return nil, status.New(status.Malformed, "logforwarder: missing item")
		}
		p.forwarder.Buffer(item)
		return registry.Response{}, status.OKStatus
	case "flush":
		p.forwarder.flushOnce(context.Background())
		return registry.Response{}, status.OKStatus
	default:
		return nil, status.New(status.Unsupported, "logforwarder: unsupported action %q", req["action"])
	}
}
