package config

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostlens/hostlens/internal/registry"
	"github.com/hostlens/hostlens/internal/row"
	"github.com/hostlens/hostlens/internal/status"
	"github.com/hostlens/hostlens/internal/store"
)

type fakeConfigPlugin struct {
	sources map[string]string
	packs   map[string]string
}

func (f *fakeConfigPlugin) SetUp() status.Status    { return status.OKStatus }
func (f *fakeConfigPlugin) TearDown() status.Status { return status.OKStatus }
func (f *fakeConfigPlugin) Call(req registry.Request) (registry.Response, status.Status) {
	switch req["action"] {
	case "genConfig":
		resp := make(registry.Response, 0, len(f.sources))
		for src, data := range f.sources {
			resp = append(resp, map[string]string{"source": src, "data": data})
		}
		return resp, status.OKStatus
	case "genPack":
		data, ok := f.packs[req["ref"]]
		if !ok {
			return nil, status.New(status.NotFound, "no such pack ref")
		}
		return registry.Response{{"data": data}}, status.OKStatus
	}
	return nil, status.New(status.Unsupported, "unknown action")
}

type recordingParser struct {
	keys     []string
	received map[string]interface{}
}

func (p *recordingParser) SetUp() status.Status    { return status.OKStatus }
func (p *recordingParser) TearDown() status.Status { return status.OKStatus }
func (p *recordingParser) Call(req registry.Request) (registry.Response, status.Status) {
	switch req["action"] {
	case "keys":
		joined := ""
		for i, k := range p.keys {
			if i > 0 {
				joined += ","
			}
			joined += k
		}
		return registry.Response{{"keys": joined}}, status.OKStatus
	case "update":
		var m map[string]interface{}
		_ = json.Unmarshal([]byte(req["data"]), &m)
		p.received = m
		return registry.Response{}, status.OKStatus
	}
	return nil, status.New(status.Unsupported, "unknown action")
}

func newTestManager(t *testing.T, sources map[string]string) (*Manager, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	plugin := &fakeConfigPlugin{sources: sources}
	reg.RegisterPlugin(registry.KindConfig, "fake", func() registry.Plugin { return plugin })
	require.True(t, reg.SetActive(registry.KindConfig, "fake").Ok())

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return New(reg, db), reg
}

func TestLoadFailsWithoutActiveConfigPlugin(t *testing.T) {
	reg := registry.New()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	m := New(reg, db)
	st := m.Load()
	assert.False(t, st.Ok())
}

func TestStripComments(t *testing.T) {
	in := `{
		# hash comment
		"schedule": { // line comment
			"x": 1 /* block
			comment */
		}
	}`
	out := stripComments(in)
	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
}

func TestStripCommentsIgnoresHashInsideString(t *testing.T) {
	in := `{"path": "/etc/#weird"}`
	out := stripComments(in)
	var parsed map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	assert.Equal(t, "/etc/#weird", parsed["path"])
}

func TestRefreshAssemblesScheduleFromTopLevelKey(t *testing.T) {
	m, _ := newTestManager(t, map[string]string{
		"main": `{"schedule": {"processes": {"query": "select * from processes", "interval": 60}}}`,
	})
	require.True(t, m.Load().Ok())
	assert.True(t, m.IsValid())

	sched := m.Schedule()
	require.Contains(t, sched, "processes")
	assert.Equal(t, 60, sched["processes"].Interval)
	assert.GreaterOrEqual(t, sched["processes"].SplayedInterval, 60)
}

func TestRefreshAssemblesInlinePack(t *testing.T) {
	m, _ := newTestManager(t, map[string]string{
		"main": `{"packs": {"ops": {"queries": {"users": {"query": "select * from users", "interval": 3600}}}}}`,
	})
	require.True(t, m.Load().Ok())

	sched := m.Schedule()
	require.Contains(t, sched, "users")
	assert.Equal(t, "ops", sched["users"].Pack)
}

func TestPackFilteredOutByNonMatchingPlatform(t *testing.T) {
	m, _ := newTestManager(t, map[string]string{
		"main": `{"packs": {"ops": {"platform": "nonexistent-os", "queries": {"users": {"query": "select * from users", "interval": 3600}}}}}`,
	})
	require.True(t, m.Load().Ok())

	assert.NotContains(t, m.Schedule(), "users")
}

func TestPackActiveWithMatchingPlatform(t *testing.T) {
	m, _ := newTestManager(t, map[string]string{
		"main": `{"packs": {"ops": {"platform": "` + runtime.GOOS + `", "queries": {"users": {"query": "select * from users", "interval": 3600}}}}}`,
	})
	require.True(t, m.Load().Ok())

	assert.Contains(t, m.Schedule(), "users")
}

func TestPackFilteredOutByVersionTooHigh(t *testing.T) {
	m, _ := newTestManager(t, map[string]string{
		"main": `{"packs": {"ops": {"version": "99.0.0", "queries": {"users": {"query": "select * from users", "interval": 3600}}}}}`,
	})
	require.True(t, m.Load().Ok())

	assert.NotContains(t, m.Schedule(), "users")
}

func TestPackFilteredOutByShardBelowHost(t *testing.T) {
	m, _ := newTestManager(t, map[string]string{
		"main": `{"packs": {"ops": {"shard": 1, "queries": {"users": {"query": "select * from users", "interval": 3600}}}}}`,
	})
	m.SetHostIdentifier("host-whose-hash-wont-land-in-the-first-shard-bucket")

	require.True(t, m.Load().Ok())
	sched := m.Schedule()

	h := fnv.New32a()
	_, _ = h.Write([]byte("host-whose-hash-wont-land-in-the-first-shard-bucket"))
	hostShard := int(h.Sum32()%100) + 1
	if hostShard <= 1 {
		assert.Contains(t, sched, "users")
	} else {
		assert.NotContains(t, sched, "users")
	}
}

func TestPackFilteredOutByFailingDiscoveryQuery(t *testing.T) {
	m, _ := newTestManager(t, map[string]string{
		"main": `{"packs": {"ops": {"discovery": ["select 1 from sentinel"], "queries": {"users": {"query": "select * from users", "interval": 3600}}}}}`,
	})
	engine := &fakeDiscoveryEngine{results: map[string][]row.Row{}}
	m.SetEngine(engine)

	require.True(t, m.Load().Ok())
	assert.NotContains(t, m.Schedule(), "users")
}

func TestPackActiveWhenDiscoveryQueryReturnsRows(t *testing.T) {
	m, _ := newTestManager(t, map[string]string{
		"main": `{"packs": {"ops": {"discovery": ["select 1 from sentinel"], "queries": {"users": {"query": "select * from users", "interval": 3600}}}}}`,
	})
	engine := &fakeDiscoveryEngine{results: map[string][]row.Row{"select 1 from sentinel": {{"1": "1"}}}}
	m.SetEngine(engine)

	require.True(t, m.Load().Ok())
	assert.Contains(t, m.Schedule(), "users")
}

type fakeDiscoveryEngine struct {
	results map[string][]row.Row
}

func (e *fakeDiscoveryEngine) Execute(_ context.Context, query string) (row.QueryData, []string, bool, status.Status) {
	return row.QueryData(e.results[query]), nil, false, status.OKStatus
}

func TestRefreshResolvesStringPackRefViaGenPack(t *testing.T) {
	reg := registry.New()
	plugin := &fakeConfigPlugin{
		sources: map[string]string{"main": `{"packs": {"ops": "ops-ref"}}`},
		packs:   map[string]string{"ops-ref": `{"queries": {"disk": {"query": "select * from disk", "interval": 300}}}`},
	}
	reg.RegisterPlugin(registry.KindConfig, "fake", func() registry.Plugin { return plugin })
	require.True(t, reg.SetActive(registry.KindConfig, "fake").Ok())
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	m := New(reg, db)
	require.True(t, m.Load().Ok())

	sched := m.Schedule()
	require.Contains(t, sched, "disk")
}

func TestDuplicateHashSkipsReparse(t *testing.T) {
	m, reg := newTestManager(t, map[string]string{
		"main": `{"schedule": {"x": {"query": "select 1", "interval": 10}}}`,
	})
	require.True(t, m.Load().Ok())

	plugin := &fakeConfigPlugin{sources: map[string]string{
		"main": `{"schedule": {"x": {"query": "select 1", "interval": 10}}}`,
	}}
	reg.RegisterPlugin(registry.KindConfig, "fake", func() registry.Plugin { return plugin })
	require.True(t, reg.SetActive(registry.KindConfig, "fake").Ok())

	require.True(t, m.Refresh().Ok())
	assert.Contains(t, m.Schedule(), "x")
}

func TestInvalidJSONKeepsPreviousStateAndMarksInvalid(t *testing.T) {
	reg := registry.New()
	plugin := &fakeConfigPlugin{sources: map[string]string{
		"main": `{"schedule": {"x": {"query": "select 1", "interval": 10}}}`,
	}}
	reg.RegisterPlugin(registry.KindConfig, "fake", func() registry.Plugin { return plugin })
	require.True(t, reg.SetActive(registry.KindConfig, "fake").Ok())
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	m := New(reg, db)
	require.True(t, m.Load().Ok())

	plugin.sources["main"] = `{not valid json`
	require.False(t, m.Refresh().Ok())
	assert.Contains(t, m.Schedule(), "x", "previous schedule must survive an invalid source")
}

func TestAllSourcesInvalidMarksConfigInvalid(t *testing.T) {
	reg := registry.New()
	plugin := &fakeConfigPlugin{sources: map[string]string{"main": `{not valid`}}
	reg.RegisterPlugin(registry.KindConfig, "fake", func() registry.Plugin { return plugin })
	require.True(t, reg.SetActive(registry.KindConfig, "fake").Ok())
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	m := New(reg, db)
	st := m.Load()
	assert.False(t, st.Ok())
	assert.False(t, m.IsValid())
}

func TestParserPluginReceivesOnlyMatchingKeys(t *testing.T) {
	m, reg := newTestManager(t, map[string]string{
		"main": `{"schedule": {}, "file_paths": {"etc": ["/etc/%%"]}, "unrelated": {"a": 1}}`,
	})
	parser := &recordingParser{keys: []string{"file_paths"}}
	reg.RegisterPlugin(registry.KindConfigParser, "file_paths", func() registry.Plugin { return parser })

	require.True(t, m.Load().Ok())
	require.NotNil(t, parser.received)
	_, hasFilePaths := parser.received["file_paths"]
	assert.True(t, hasFilePaths)
	_, hasUnrelated := parser.received["unrelated"]
	assert.False(t, hasUnrelated)
}

func TestMergeObjectKeyRecursiveLastWriterWins(t *testing.T) {
	a := map[string]interface{}{"x": map[string]interface{}{"a": 1.0, "b": 2.0}}
	b := map[string]interface{}{"x": map[string]interface{}{"b": 3.0, "c": 4.0}}
	merged := mergeObjects(a, b)
	x := merged["x"].(map[string]interface{})
	assert.Equal(t, 1.0, x["a"])
	assert.Equal(t, 3.0, x["b"])
	assert.Equal(t, 4.0, x["c"])
}

func TestMergeArrayKeyConcatenates(t *testing.T) {
	got := mergeValue([]interface{}{"a", "b"}, []interface{}{"c"})
	assert.Equal(t, []interface{}{"a", "b", "c"}, got)
}

func TestSplayedIntervalDeterministicAndWithinBand(t *testing.T) {
	a := splayedInterval("processes", 100, 10)
	b := splayedInterval("processes", 100, 10)
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, 100)
	assert.Less(t, a, 100+10)
}

func TestSplayedIntervalZeroForZeroInterval(t *testing.T) {
	assert.Equal(t, 0, splayedInterval("x", 0, 10))
}

func TestPurgePolicyRetainsRecentlyRemovedQuery(t *testing.T) {
	reg := registry.New()
	plugin := &fakeConfigPlugin{sources: map[string]string{
		"main": `{"schedule": {"x": {"query": "select 1", "interval": 10}}}`,
	}}
	reg.RegisterPlugin(registry.KindConfig, "fake", func() registry.Plugin { return plugin })
	require.True(t, reg.SetActive(registry.KindConfig, "fake").Ok())
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	m := New(reg, db)
	require.True(t, m.Load().Ok())

	require.NoError(t, db.Put(store.DomainQueries, "x", `[]`))
	require.NoError(t, db.Put(store.DomainPersistentSettings, "timestamp.x", strconv.FormatInt(time.Now().Unix(), 10)))

	plugin.sources["main"] = `{"schedule": {}}`
	require.True(t, m.Refresh().Ok())

	_, found, err := db.Get(store.DomainQueries, "x")
	require.NoError(t, err)
	assert.True(t, found, "recently-timestamped removed query must be retained")
}

func TestPurgePolicyDeletesStaleRemovedQuery(t *testing.T) {
	reg := registry.New()
	plugin := &fakeConfigPlugin{sources: map[string]string{
		"main": `{"schedule": {"x": {"query": "select 1", "interval": 10}}}`,
	}}
	reg.RegisterPlugin(registry.KindConfig, "fake", func() registry.Plugin { return plugin })
	require.True(t, reg.SetActive(registry.KindConfig, "fake").Ok())
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	m := New(reg, db)
	require.True(t, m.Load().Ok())

	require.NoError(t, db.Put(store.DomainQueries, "x", `[]`))
	stale := time.Now().Add(-8 * 24 * time.Hour).Unix()
	require.NoError(t, db.Put(store.DomainPersistentSettings, "timestamp.x", strconv.FormatInt(stale, 10)))

	plugin.sources["main"] = `{"schedule": {}}`
	require.True(t, m.Refresh().Ok())

	_, found, err := db.Get(store.DomainQueries, "x")
	require.NoError(t, err)
	assert.False(t, found, "stale removed query must be purged")
}
