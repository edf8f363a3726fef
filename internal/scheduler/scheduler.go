// Package scheduler implements hostlens's query scheduler: a one-second
// tick main loop that launches scheduled queries on their splayed
// interval, runs configuration decorators every 60s, reloads the SQL
// engine every --schedule_reload seconds, flushes buffered status logs
// every 3s, and diffs/persists/logs each query's results.
//
// Grounded on osquery/dispatcher/scheduler.cpp (SchedulerRunner::start):
// the modular-arithmetic boundary-crossing test, the dirty-bit-before/
// clear-after invariant, and the events_optimize no-diff shortcut are all
// carried over verbatim from that loop. Ambient style (zerolog child
// logger) follows the teacher's service conventions.
package scheduler

import (
	"context"
	"encoding/json"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hostlens/hostlens/internal/config"
	"github.com/hostlens/hostlens/internal/registry"
	"github.com/hostlens/hostlens/internal/row"
	"github.com/hostlens/hostlens/internal/status"
	"github.com/hostlens/hostlens/internal/store"
)

// Engine is the minimal contract the (out-of-scope) SQL engine must
// satisfy for the scheduler to launch a scheduled query against it.
type Engine interface {
	// Execute runs query and returns its result rows, column order, and
	// whether the query reads exclusively from event tables (eligible for
	// the no-diff optimization).
	Execute(ctx context.Context, query string) (data row.QueryData, columns []string, eventBased bool, st status.Status)
	// Reset releases cached engine state (prepared statements, table
	// caches); called on --schedule_reload boundaries.
	Reset()
}

// Clock abstracts wall-clock seconds so tests can drive the loop without
// real sleeps.
type Clock interface {
	NowUnix() int64
}

type realClock struct{}

func (realClock) NowUnix() int64 { return time.Now().Unix() }

// QueryPerformance accumulates lightweight resource-accounting data for
// one scheduled query, sampled around each invocation.
type QueryPerformance struct {
	Executions      int64
	LastWallTimeMs  int64
	LastMemoryDelta int64 // bytes, may be negative
	LastSize        int64 // serialized byte estimate of the result set
}

// QueryLogItem is the unit handed to the active logger plugin.
type QueryLogItem struct {
	Name           string            `json:"name"`
	HostIdentifier string            `json:"hostIdentifier"`
	UnixTime       int64             `json:"unixTime"`
	CalendarTime   string            `json:"calendarTime"`
	Columns        []string          `json:"columns"`
	Epoch          int64             `json:"epoch"`
	Counter        int64             `json:"counter"`
	Decorations    map[string]string `json:"decorations,omitempty"`
	Snapshot       bool              `json:"snapshot"`
	SnapshotRows   row.QueryData     `json:"snapshotResults,omitempty"`
	Diff           row.DiffResults   `json:"diffResults,omitempty"`
}

type persistedResult struct {
	Epoch   int64         `json:"epoch"`
	Counter int64         `json:"counter"`
	Rows    row.QueryData `json:"rows"`
}

// Scheduler drives the main loop described in spec §4.3.
type Scheduler struct {
	Cfg            *config.Manager
	Registry       *registry.Registry
	DB             store.Database
	Engine         Engine
	Clock          Clock
	Sleep          func(time.Duration)
	Interval       int64 // seconds, normally 1
	Timeout        int64 // unix time (seconds) after which Run stops; 0 = unbounded
	ScheduleReload int64 // seconds, 0 disables
	Epoch          int64
	HostIdentifier string
	EventsOptimize bool

	// OnCatastrophic is invoked (and the loop exits after) when the active
	// logger plugin reports status.Catastrophic, mirroring osquery's
	// Initializer::requestShutdown(EXIT_CATASTROPHIC, ...).
	OnCatastrophic func(reason string)

	log         zerolog.Logger
	perf        map[string]*QueryPerformance
	decorations map[string]string
}

// New builds a Scheduler with production defaults (real clock, real
// sleep); tests override Clock/Sleep to drive the loop deterministically.
func New(cfg *config.Manager, reg *registry.Registry, db store.Database, engine Engine) *Scheduler {
	return &Scheduler{
		Cfg:            cfg,
		Registry:       reg,
		DB:             db,
		Engine:         engine,
		Clock:          realClock{},
		Sleep:          time.Sleep,
		Interval:       1,
		ScheduleReload: 300,
		log:            log.With().Str("component", "scheduler").Logger(),
		perf:           make(map[string]*QueryPerformance),
		decorations:    make(map[string]string),
	}
}

// Performance returns a snapshot of the current per-query accounting.
func (s *Scheduler) Performance(name string) (QueryPerformance, bool) {
	p, ok := s.perf[name]
	if !ok {
		return QueryPerformance{}, false
	}
	return *p, true
}

// crossedBoundary reports whether an interval-second boundary was crossed
// in (previous, i], using the same modular test as the original scheduler.
func crossedBoundary(i, previous, interval int64) bool {
	if interval <= 0 {
		return false
	}
	return i-previous >= interval || i%interval <= previous%interval
}

// Run executes the main loop until ctx is cancelled, the timeout expires,
// or OnCatastrophic triggers a shutdown request that the caller honors by
// cancelling ctx.
func (s *Scheduler) Run(ctx context.Context) {
	i := s.Clock.NowUnix()
	previous := i - 1

	for s.Timeout == 0 || i <= s.Timeout {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.runDueQueries(ctx, i, previous)

		if crossedBoundary(i, previous, 60) {
			s.runDecorators(ctx, "interval")
		}
		if s.ScheduleReload > 0 && crossedBoundary(i, previous, s.ScheduleReload) {
			s.Engine.Reset()
		}
		if crossedBoundary(i, previous, 3) {
			s.flushStatusLogs()
		}

		previous = i
		current := s.Clock.NowUnix()
		if i == current {
			i++
			s.Sleep(time.Duration(s.Interval) * time.Second)
		} else {
			i = current
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// runDueQueries launches every non-denylisted scheduled query whose
// splayed interval boundary was crossed in (previous, i]. Iteration order
// is lexical by name for determinism (the original iterates an unordered
// map; determinism only matters for hostlens's own test reproducibility).
func (s *Scheduler) runDueQueries(ctx context.Context, i, previous int64) {
	schedule := s.Cfg.Schedule()
	names := make([]string, 0, len(schedule))
	for name := range schedule {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sq := schedule[name]
		if sq.Options.Denylist {
			continue
		}
		if sq.SplayedInterval <= 0 {
			continue
		}
		if !crossedBoundary(i, previous, int64(sq.SplayedInterval)) {
			continue
		}
		s.launchQuery(ctx, name, sq)
	}
}

func (s *Scheduler) launchQuery(ctx context.Context, name string, sq config.ScheduledQuery) {
	s.runDecorators(ctx, "always")

	_ = s.DB.Put(store.DomainPersistentSettings, "dirty."+name, "1")

	var memBefore runtime.MemStats
	runtime.ReadMemStats(&memBefore)
	wallStart := time.Now()

	data, columns, eventBased, st := s.Engine.Execute(ctx, sq.Query)

	var memAfter runtime.MemStats
	runtime.ReadMemStats(&memAfter)

	perf := s.perf[name]
	if perf == nil {
		perf = &QueryPerformance{}
		s.perf[name] = perf
	}
	perf.Executions++
	perf.LastWallTimeMs = time.Since(wallStart).Milliseconds()
	perf.LastMemoryDelta = int64(memAfter.Alloc) - int64(memBefore.Alloc)
	if b, err := json.Marshal(data); err == nil {
		perf.LastSize = int64(len(b))
	}
	s.reportPerformance(name, perf)

	if !st.Ok() {
		s.log.Error().Str("query", name).Str("status", st.Error()).Msg("scheduled query execution failed")
		return
	}

	item := QueryLogItem{
		Name:           name,
		HostIdentifier: s.HostIdentifier,
		UnixTime:       time.Now().Unix(),
		CalendarTime:   time.Now().UTC().Format(time.RFC1123),
		Columns:        columns,
		Epoch:          s.Epoch,
		Decorations:    s.currentDecorations(),
	}

	if sq.Options.Snapshot {
		item.Snapshot = true
		item.SnapshotRows = data
		s.emit(item)
		return
	}

	counter := s.nextCounter(name)
	item.Counter = counter

	var diff row.DiffResults
	if s.EventsOptimize && eventBased {
		diff = row.DiffResults{Added: data}
	} else {
		prev := s.loadPrevious(name)
		diff = row.Diff(row.NewQueryDataSet(prev), row.NewQueryDataSet(data))
	}
	if !sq.Options.RemovedEnabled() {
		diff.Removed = nil
	}

	if err := s.persist(name, counter, data); err != nil {
		s.log.Error().Str("query", name).Err(err).Msg("failed persisting query results")
		if st := status.FromError(err); st.IsCatastrophic() && s.OnCatastrophic != nil {
			s.OnCatastrophic("database unavailable: " + err.Error())
		}
		return
	}

	_ = s.DB.Delete(store.DomainPersistentSettings, "dirty."+name)

	if diff.IsEmpty() {
		return
	}
	item.Diff = diff
	s.emit(item)
}

// currentDecorations returns a copy of the latest decorator results so
// callers can't mutate the scheduler's shared map through a log item.
func (s *Scheduler) currentDecorations() map[string]string {
	if len(s.decorations) == 0 {
		return nil
	}
	out := make(map[string]string, len(s.decorations))
	for k, v := range s.decorations {
		out[k] = v
	}
	return out
}

func (s *Scheduler) nextCounter(name string) int64 {
	key := "counter." + name
	v, found, err := s.DB.Get(store.DomainPersistentSettings, key)
	var counter int64
	if err == nil && found {
		var parsed persistedCounter
		if jsonErr := json.Unmarshal([]byte(v), &parsed); jsonErr == nil {
			counter = parsed.Counter
		}
	}
	counter++
	if b, err := json.Marshal(persistedCounter{Counter: counter}); err == nil {
		_ = s.DB.Put(store.DomainPersistentSettings, key, string(b))
	}
	return counter
}

type persistedCounter struct {
	Counter int64 `json:"counter"`
}

func (s *Scheduler) loadPrevious(name string) row.QueryData {
	v, found, err := s.DB.Get(store.DomainQueries, name)
	if err != nil || !found {
		return nil
	}
	var p persistedResult
	if err := json.Unmarshal([]byte(v), &p); err != nil {
		return nil
	}
	return p.Rows
}

func (s *Scheduler) persist(name string, counter int64, data row.QueryData) error {
	p := persistedResult{Epoch: s.Epoch, Counter: counter, Rows: data}
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.DB.Put(store.DomainQueries, name, string(b))
}

// reportPerformance forwards one query's latest performance sample to the
// active numeric_monitoring plugin, if any is registered. Absence of a
// monitoring plugin is not an error: monitoring is an optional sink, never
// a dependency of the scheduling loop itself.
func (s *Scheduler) reportPerformance(name string, perf *QueryPerformance) {
	if _, ok := s.Registry.ActiveName(registry.KindNumericMonitoring); !ok {
		return
	}
	s.Registry.CallActive(registry.KindNumericMonitoring, registry.Request{
		"action":             "recordQueryPerformance",
		"query":              name,
		"executions":         strconv.FormatInt(perf.Executions, 10),
		"wall_time_ms":       strconv.FormatInt(perf.LastWallTimeMs, 10),
		"memory_delta_bytes": strconv.FormatInt(perf.LastMemoryDelta, 10),
		"result_size_bytes":  strconv.FormatInt(perf.LastSize, 10),
	})
}

// emit hands item to the active logger plugin; a CATASTROPHIC response
// requests process shutdown, mirroring Initializer::requestShutdown.
func (s *Scheduler) emit(item QueryLogItem) {
	b, err := json.Marshal(item)
	if err != nil {
		s.log.Error().Err(err).Str("query", item.Name).Msg("failed to marshal query log item")
		return
	}
	action := "logQueryLogItem"
	if item.Snapshot {
		action = "logSnapshotQuery"
	}
	_, st := s.Registry.CallActive(registry.KindLogger, registry.Request{"action": action, "item": string(b)})
	if !st.Ok() {
		s.log.Error().Str("query", item.Name).Str("status", st.Error()).Msg("logger plugin failed")
		if st.IsCatastrophic() && s.OnCatastrophic != nil {
			s.OnCatastrophic("logger plugin: " + st.Error())
		}
	}
}

// runDecorators invokes every decorator query registered under trigger
// ("always" or "interval") via the engine and merges each query's first
// row into s.decorations, keyed by column name, so launchQuery can attach
// it to every subsequent QueryLogItem (spec: decorations are attached to
// every log item until the next decorator run overwrites them).
func (s *Scheduler) runDecorators(ctx context.Context, trigger string) {
	queries := s.Cfg.Decorators()[trigger]
	for _, q := range queries {
		data, _, _, st := s.Engine.Execute(ctx, q)
		if !st.Ok() {
			s.log.Warn().Str("trigger", trigger).Str("status", st.Error()).Msg("decorator query failed")
			continue
		}
		if len(data) == 0 {
			continue
		}
		for col, val := range data[0] {
			s.decorations[col] = val
		}
	}
}

// flushStatusLogs broadcasts a flush action to the active logger plugin;
// GLog's non-reentrancy justified a dedicated thread in the original, Go's
// logging has no such constraint but the 3s cadence is preserved since the
// logger plugin's own buffering may still benefit from a periodic nudge.
func (s *Scheduler) flushStatusLogs() {
	if _, ok := s.Registry.ActiveName(registry.KindLogger); !ok {
		return
	}
	_, st := s.Registry.CallActive(registry.KindLogger, registry.Request{"action": "flush"})
	if !st.Ok() {
		s.log.Debug().Str("status", st.Error()).Msg("status log flush failed")
	}
}
