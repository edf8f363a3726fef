// Package monitoring implements hostlens's numeric_monitoring plugin kind:
// a registry.Plugin that records scheduled-query performance counters as
// Prometheus metrics, grounded on the teacher's controller/pkg/metrics
// package (GaugeVec/CounterVec/HistogramVec registered at package init,
// one vector per measurement, labeled rather than one metric per entity).
package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hostlens/hostlens/internal/registry"
	"github.com/hostlens/hostlens/internal/status"
)

// Vectors mirror scheduler.QueryPerformance's fields, one per scheduled
// query name, following the teacher's namespaced-metric-name convention.
var (
	QueryExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostlens_query_executions_total",
			Help: "Total number of times a scheduled query has run",
		},
		[]string{"query"},
	)

	QueryWallTimeMs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hostlens_query_wall_time_ms",
			Help: "Wall-clock duration of a scheduled query's most recent run, in milliseconds",
		},
		[]string{"query"},
	)

	QueryMemoryDeltaBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hostlens_query_memory_delta_bytes",
			Help: "Memory delta observed around a scheduled query's most recent run",
		},
		[]string{"query"},
	)

	QueryResultSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hostlens_query_result_size_bytes",
			Help: "Estimated serialized size of a scheduled query's most recent result set",
		},
		[]string{"query"},
	)
)

// Registerer is the subset of prometheus.Registerer this package needs,
// so tests can pass a throwaway registry instead of the global default.
type Registerer interface {
	MustRegister(...prometheus.Collector)
}

// MustRegister registers every vector against reg, typically
// prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests to avoid cross-test collisions.
func MustRegister(reg Registerer) {
	reg.MustRegister(QueryExecutions, QueryWallTimeMs, QueryMemoryDeltaBytes, QueryResultSize)
}

// Plugin is the KindNumericMonitoring registry.Plugin: scheduler.emit-style
// callers report one query's performance sample per Call, keyed by action
// "recordQueryPerformance".
type Plugin struct{}

// New returns a stateless monitoring plugin recording into the package's
// package-level vectors (so promhttp.Handler() scrapes the same state
// regardless of how many Plugin instances exist).
func New() *Plugin { return &Plugin{} }

func (p *Plugin) SetUp() status.Status    { return status.OKStatus }
func (p *Plugin) TearDown() status.Status { return status.OKStatus }

// Call implements registry.Plugin. The one supported action,
// "recordQueryPerformance", expects "query", "wall_time_ms",
// "memory_delta_bytes", and "result_size_bytes" fields and increments the
// executions counter by one per call ("executions" is not read); each
// numeric field missing or unparseable is simply skipped rather than failing the call,
// since a monitoring sink should never be the reason a query run fails.
func (p *Plugin) Call(req registry.Request) (registry.Response, status.Status) {
	if req["action"] != "recordQueryPerformance" {
		return nil, status.New(status.Unsupported, "monitoring: unsupported action %q", req["action"])
	}
	query := req["query"]
	if query == "" {
		return nil, status.New(status.Malformed, "monitoring: missing query name")
	}

	QueryExecutions.WithLabelValues(query).Inc()
	if v, err := strconv.ParseFloat(req["wall_time_ms"], 64); err == nil {
		QueryWallTimeMs.WithLabelValues(query).Set(v)
	}
	if v, err := strconv.ParseFloat(req["memory_delta_bytes"], 64); err == nil {
		QueryMemoryDeltaBytes.WithLabelValues(query).Set(v)
	}
	if v, err := strconv.ParseFloat(req["result_size_bytes"], 64); err == nil {
		QueryResultSize.WithLabelValues(query).Set(v)
	}

	return registry.Response{}, status.OKStatus
}
