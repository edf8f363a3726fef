package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostlens/hostlens/internal/registry"
)

func newTestPlugin(t *testing.T) (*Plugin, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	MustRegister(reg)
	t.Cleanup(func() {
		QueryExecutions.Reset()
		QueryWallTimeMs.Reset()
		QueryMemoryDeltaBytes.Reset()
		QueryResultSize.Reset()
	})
	return New(), reg
}

func TestRecordQueryPerformanceUpdatesVectors(t *testing.T) {
	p, _ := newTestPlugin(t)

	_, st := p.Call(registry.Request{
		"action":             "recordQueryPerformance",
		"query":              "processes_snapshot",
		"wall_time_ms":       "12",
		"memory_delta_bytes": "2048",
		"result_size_bytes":  "4096",
	})
	require.True(t, st.Ok())

	assert.Equal(t, float64(1), testutil.ToFloat64(QueryExecutions.WithLabelValues("processes_snapshot")))
	assert.Equal(t, float64(12), testutil.ToFloat64(QueryWallTimeMs.WithLabelValues("processes_snapshot")))
	assert.Equal(t, float64(2048), testutil.ToFloat64(QueryMemoryDeltaBytes.WithLabelValues("processes_snapshot")))
	assert.Equal(t, float64(4096), testutil.ToFloat64(QueryResultSize.WithLabelValues("processes_snapshot")))
}

func TestRecordQueryPerformanceIncrementsAcrossCalls(t *testing.T) {
	p, _ := newTestPlugin(t)

	for i := 0; i < 3; i++ {
		_, st := p.Call(registry.Request{"action": "recordQueryPerformance", "query": "q"})
		require.True(t, st.Ok())
	}

	assert.Equal(t, float64(3), testutil.ToFloat64(QueryExecutions.WithLabelValues("q")))
}

func TestRecordQueryPerformanceMissingQueryIsError(t *testing.T) {
	p, _ := newTestPlugin(t)

	_, st := p.Call(registry.Request{"action": "recordQueryPerformance"})
	assert.False(t, st.Ok())
}

func TestUnsupportedActionIsError(t *testing.T) {
	p, _ := newTestPlugin(t)

	_, st := p.Call(registry.Request{"action": "bogus"})
	assert.False(t, st.Ok())
}

func TestUnparseableNumericFieldsAreSkippedNotFatal(t *testing.T) {
	p, _ := newTestPlugin(t)

	_, st := p.Call(registry.Request{
		"action":       "recordQueryPerformance",
		"query":        "q",
		"wall_time_ms": "not-a-number",
	})
	assert.True(t, st.Ok())
}
