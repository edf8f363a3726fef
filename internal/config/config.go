// Package config implements hostlens's configuration subsystem: pulling
// JSON fragments from the active config plugin, stripping comments,
// deduping by content hash, merging by top-level key, assembling the
// scheduled-query catalog (with splayed intervals) and pack set, and
// dispatching matching config_parser plugins — refreshed on a timer with
// exponential backoff on repeated failure.
//
// Grounded on osquery/config/plugins/filesystem.cpp (genConfig contract:
// a plugin returns {source -> raw text}, the subsystem itself owns
// parsing/merging) and osquery/config/parsers/file_paths.cpp (parser
// plugins declare keys() and receive only the matching top-level data).
// Ambient style (zerolog child logger, plain error returns) follows the
// teacher's service packages.
package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash/fnv"
	"math/rand"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hostlens/hostlens/internal/registry"
	"github.com/hostlens/hostlens/internal/row"
	"github.com/hostlens/hostlens/internal/status"
	"github.com/hostlens/hostlens/internal/store"
)

// AgentVersion is the running agent version pack "version" filters are
// evaluated against (spec: a pack is active only if this is >= the pack's
// configured minimum).
const AgentVersion = "1.0.0"

// DefaultDiscoveryCacheTTL bounds how long a discovery query's pass/fail
// result is trusted before it is re-run on the next pack evaluation.
const DefaultDiscoveryCacheTTL = 60 * time.Second

// DiscoveryEngine is the minimal contract for running a pack's discovery
// queries; satisfied by sqlengine.Engine (identical in shape to
// scheduler.Engine, duck-typed here to avoid importing either package).
type DiscoveryEngine interface {
	Execute(ctx context.Context, query string) (row.QueryData, []string, bool, status.Status)
}

type discoveryCacheEntry struct {
	active    bool
	expiresAt time.Time
}

// QueryOptions controls per-scheduled-query behavior.
type QueryOptions struct {
	Snapshot bool `json:"snapshot,omitempty"`
	// Removed defaults to true; a pointer distinguishes "absent" (true)
	// from an explicit false.
	Removed  *bool `json:"removed,omitempty"`
	Denylist bool  `json:"denylist,omitempty"`
}

// RemovedEnabled reports the effective value of Options.Removed.
func (o QueryOptions) RemovedEnabled() bool {
	if o.Removed == nil {
		return true
	}
	return *o.Removed
}

// rawQuery is the on-disk shape of one schedule/pack query entry.
type rawQuery struct {
	Query    string       `json:"query"`
	Interval int          `json:"interval"`
	Options  QueryOptions `json:"options,omitempty"`
}

// ScheduledQuery is one fully-assembled catalog entry: the raw query plus
// the deterministic splayed interval and the pack it came from (empty for
// the top-level "schedule" key).
type ScheduledQuery struct {
	Name            string
	Query           string
	Interval        int
	SplayedInterval int
	Options         QueryOptions
	Pack            string
}

// Pack is an assembled query pack, possibly platform/version/shard scoped.
type Pack struct {
	Name      string
	Platform  string
	Version   string
	Shard     int
	Discovery []string
	Queries   map[string]rawQuery
}

// PurgeHook lets a downstream subsystem invalidate source-scoped state
// before a changed source's new content is applied, per spec §4.2 step 3.
type PurgeHook interface {
	Purge(removedQueryNames []string)
}

// DefaultSplayPercent is the width of the jitter band, as a percentage of
// the interval, that splayedInterval adds; New sets every Manager to it.
const DefaultSplayPercent = 10

const purgeRetention = 7 * 24 * time.Hour

// Manager owns the assembled configuration and the refresh lifecycle.
type Manager struct {
	reg *registry.Registry
	db  store.Database
	log zerolog.Logger

	splayPercent int

	mu           sync.RWMutex
	sourceHashes map[string]string
	parsedBySrc  map[string]map[string]interface{}
	schedule     map[string]ScheduledQuery
	packs        map[string]Pack
	decorators   map[string][]string
	valid        bool

	hooksMu sync.Mutex
	hooks   []PurgeHook

	backoff             time.Duration
	refreshBaseInterval time.Duration
	refreshMaxBackoff   time.Duration
	cronRunner          *cron.Cron
	cronEntryID         cron.EntryID

	hostIdentifier string
	engine         DiscoveryEngine
	discoveryTTL   time.Duration
	discoveryCache map[string]discoveryCacheEntry
}

// New creates a Manager bound to reg (for genConfig/genPack/parser calls)
// and db (for persisted schedule state and purge-age checks).
func New(reg *registry.Registry, db store.Database) *Manager {
	return &Manager{
		reg:            reg,
		db:             db,
		log:            log.With().Str("component", "config").Logger(),
		splayPercent:   DefaultSplayPercent,
		sourceHashes:   make(map[string]string),
		parsedBySrc:    make(map[string]map[string]interface{}),
		schedule:       make(map[string]ScheduledQuery),
		packs:          make(map[string]Pack),
		decorators:     make(map[string][]string),
		discoveryTTL:   DefaultDiscoveryCacheTTL,
		discoveryCache: make(map[string]discoveryCacheEntry),
	}
}

// SetHostIdentifier records the host identifier pack shard evaluation hashes
// against; call before the first Load/Refresh for shard filters to apply
// correctly from the first pass.
func (m *Manager) SetHostIdentifier(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hostIdentifier = id
}

// SetEngine wires the query engine pack discovery queries run through; a
// pack with a Discovery filter is inactive until an engine is set.
func (m *Manager) SetEngine(e DiscoveryEngine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engine = e
}

// AddPurgeHook registers a downstream subsystem to be notified of removed
// query names whenever a changed source is applied or a query falls out
// of the merged schedule.
func (m *Manager) AddPurgeHook(h PurgeHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, h)
}

func (m *Manager) notifyPurge(removed []string) {
	if len(removed) == 0 {
		return
	}
	m.hooksMu.Lock()
	hooks := append([]PurgeHook(nil), m.hooks...)
	m.hooksMu.Unlock()
	for _, h := range hooks {
		h.Purge(removed)
	}
}

// Load confirms an active config plugin exists, then performs one refresh.
func (m *Manager) Load() status.Status {
	if _, ok := m.reg.ActiveName(registry.KindConfig); !ok {
		return status.New(status.NotFound, "config: no active config plugin")
	}
	return m.Refresh()
}

// IsValid reports whether at least one source parsed successfully on the
// most recent refresh, per spec §4.2 "Failure modes".
func (m *Manager) IsValid() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.valid
}

// Schedule returns a snapshot of the assembled scheduled-query catalog.
func (m *Manager) Schedule() map[string]ScheduledQuery {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ScheduledQuery, len(m.schedule))
	for k, v := range m.schedule {
		out[k] = v
	}
	return out
}

// Decorators returns the decorator queries grouped by trigger ("load",
// "interval", "always").
func (m *Manager) Decorators() map[string][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]string, len(m.decorators))
	for k, v := range m.decorators {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Refresh performs one full load cycle: genConfig, strip/hash/dedup,
// purge, parse, merge, assemble, parser dispatch.
func (m *Manager) Refresh() status.Status {
	resp, st := m.reg.CallActive(registry.KindConfig, registry.Request{"action": "genConfig"})
	if !st.Ok() {
		return st
	}

	sources := make(map[string]string, len(resp))
	for _, row := range resp {
		sources[row["source"]] = row["data"]
	}

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	m.mu.Lock()
	anyValid := false
	var preApplyPurge []string
	for _, name := range names {
		stripped := stripComments(sources[name])
		h := hashString(stripped)
		if prev, ok := m.sourceHashes[name]; ok && prev == h {
			if m.parsedBySrc[name] != nil {
				anyValid = true
			}
			continue
		}

		// Source changed: its old query names are queued for a purge
		// notification before the new content replaces them, per spec
		// §4.2 step 3.
		preApplyPurge = append(preApplyPurge, m.queryNamesForSource(name)...)

		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(stripped), &parsed); err != nil {
			m.log.Warn().Str("source", name).Err(err).Msg("config source invalid JSON, keeping previous state")
			continue
		}
		m.sourceHashes[name] = h
		m.parsedBySrc[name] = parsed
		anyValid = true
	}
	m.mu.Unlock()
	m.notifyPurge(preApplyPurge)
	m.mu.Lock()

	merged := m.mergeAllLocked(names)
	oldSchedule := m.schedule
	newSchedule, newPacks, newDecorators := m.assembleLocked(merged)

	var removedNames []string
	for name := range oldSchedule {
		if _, ok := newSchedule[name]; !ok {
			removedNames = append(removedNames, name)
		}
	}

	m.schedule = newSchedule
	m.packs = newPacks
	m.decorators = newDecorators
	m.valid = anyValid
	m.mu.Unlock()

	m.applyPurgePolicy(removedNames)
	m.notifyPurge(removedNames)
	m.dispatchParsers(merged)

	if !anyValid {
		return status.New(status.Malformed, "config: every source failed to parse")
	}
	return status.OKStatus
}

// queryNamesForSource returns the schedule entries currently attributed
// to source, used to seed the purge notification for a changed source.
func (m *Manager) queryNamesForSource(source string) []string {
	var names []string
	for name, sq := range m.schedule {
		if sq.Pack == source {
			names = append(names, name)
		}
	}
	return names
}

// mergeAllLocked merges every parsed source's top-level keys in lexical
// source-name order: object-valued keys recursive-merge (last writer
// wins per leaf), array-valued keys concatenate.
func (m *Manager) mergeAllLocked(names []string) map[string]interface{} {
	merged := make(map[string]interface{})
	for _, name := range names {
		parsed, ok := m.parsedBySrc[name]
		if !ok {
			continue
		}
		for key, val := range parsed {
			existing, ok := merged[key]
			if !ok {
				merged[key] = val
				continue
			}
			merged[key] = mergeValue(existing, val)
		}
	}
	return merged
}

func mergeValue(existing, incoming interface{}) interface{} {
	switch e := existing.(type) {
	case map[string]interface{}:
		in, ok := incoming.(map[string]interface{})
		if !ok {
			return incoming
		}
		return mergeObjects(e, in)
	case []interface{}:
		in, ok := incoming.([]interface{})
		if !ok {
			return incoming
		}
		return append(append([]interface{}{}, e...), in...)
	default:
		return incoming
	}
}

// mergeObjects recursively merges b into a, last writer (b) wins per leaf.
func mergeObjects(a, b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(a))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if existing, ok := out[k]; ok {
			out[k] = mergeValue(existing, v)
		} else {
			out[k] = v
		}
	}
	return out
}

// assembleLocked builds the scheduled-query catalog from the merged
// top-level config: the "schedule" key directly, plus each pack under
// "packs" (inline object or string identifier resolved via genPack).
func (m *Manager) assembleLocked(merged map[string]interface{}) (map[string]ScheduledQuery, map[string]Pack, map[string][]string) {
	schedule := make(map[string]ScheduledQuery)
	packs := make(map[string]Pack)
	decorators := make(map[string][]string)

	if rawSchedule, ok := merged["schedule"].(map[string]interface{}); ok {
		for name, v := range rawSchedule {
			rq, err := decodeRawQuery(v)
			if err != nil {
				m.log.Warn().Str("query", name).Err(err).Msg("malformed schedule entry, skipping")
				continue
			}
			m.addScheduledLocked(schedule, name, rq, "")
		}
	}

	if rawPacks, ok := merged["packs"].(map[string]interface{}); ok {
		packNames := make([]string, 0, len(rawPacks))
		for name := range rawPacks {
			packNames = append(packNames, name)
		}
		sort.Strings(packNames)

		for _, name := range packNames {
			body := rawPacks[name]
			if ref, isString := body.(string); isString {
				resolved, st := m.resolvePackRef(name, ref)
				if !st.Ok() {
					m.log.Warn().Str("pack", name).Str("status", st.Error()).Msg("genPack failed, skipping pack")
					continue
				}
				body = resolved
			}
			obj, ok := body.(map[string]interface{})
			if !ok {
				continue
			}
			pack := decodePack(name, obj)
			packs[name] = pack
			if !m.packActiveLocked(pack) {
				m.log.Debug().Str("pack", name).Msg("pack filtered out (platform/version/shard/discovery)")
				continue
			}
			for qname, rq := range pack.Queries {
				m.addScheduledLocked(schedule, qname, rq, name)
			}
		}
	}

	if rawDecorators, ok := merged["decorators"].(map[string]interface{}); ok {
		for trigger, v := range rawDecorators {
			arr, ok := v.([]interface{})
			if !ok {
				continue
			}
			var queries []string
			for _, item := range arr {
				if s, ok := item.(string); ok {
					queries = append(queries, s)
				}
			}
			decorators[trigger] = queries
		}
	}

	return schedule, packs, decorators
}

// addScheduledLocked inserts rq under name, warning on a cross-pack name
// collision; the later writer replaces the earlier entry, per spec §4.2.
func (m *Manager) addScheduledLocked(schedule map[string]ScheduledQuery, name string, rq rawQuery, pack string) {
	if _, exists := schedule[name]; exists {
		m.log.Warn().Str("query", name).Str("pack", pack).Msg("duplicate scheduled-query name, later source overrides")
	}
	schedule[name] = ScheduledQuery{
		Name:            name,
		Query:           rq.Query,
		Interval:        rq.Interval,
		SplayedInterval: splayedInterval(name, rq.Interval, m.splayPercent),
		Options:         rq.Options,
		Pack:            pack,
	}
}

func decodeRawQuery(v interface{}) (rawQuery, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return rawQuery{}, err
	}
	var rq rawQuery
	if err := json.Unmarshal(b, &rq); err != nil {
		return rawQuery{}, err
	}
	return rq, nil
}

func decodePack(name string, obj map[string]interface{}) Pack {
	p := Pack{Name: name, Queries: make(map[string]rawQuery)}
	if v, ok := obj["platform"].(string); ok {
		p.Platform = v
	}
	if v, ok := obj["version"].(string); ok {
		p.Version = v
	}
	if v, ok := obj["shard"].(float64); ok {
		p.Shard = int(v)
	}
	if v, ok := obj["discovery"].([]interface{}); ok {
		for _, d := range v {
			if s, ok := d.(string); ok {
				p.Discovery = append(p.Discovery, s)
			}
		}
	}
	if queries, ok := obj["queries"].(map[string]interface{}); ok {
		for qname, qv := range queries {
			if rq, err := decodeRawQuery(qv); err == nil {
				p.Queries[qname] = rq
			}
		}
	}
	return p
}

// packActiveLocked evaluates spec's pack activation predicate: platform
// matches, running version >= pack minimum, host's shard <= pack's shard
// threshold, and every discovery query returns at least one row. Called
// with m.mu held.
func (m *Manager) packActiveLocked(p Pack) bool {
	if !platformMatches(p.Platform) {
		return false
	}
	if !versionAtLeast(AgentVersion, p.Version) {
		return false
	}
	if !m.shardEligibleLocked(p.Shard) {
		return false
	}
	for _, q := range p.Discovery {
		if !m.discoveryPassesLocked(q) {
			return false
		}
	}
	return true
}

// platformMatches reports whether runtime.GOOS satisfies platform, a
// comma-separated list of osquery-style platform names ("linux", "darwin",
// "windows", "posix"). An empty/"all" filter always matches.
func platformMatches(platform string) bool {
	if platform == "" || platform == "all" {
		return true
	}
	host := runtime.GOOS
	for _, want := range strings.Split(platform, ",") {
		want = strings.TrimSpace(want)
		switch want {
		case host:
			return true
		case "posix":
			if host == "linux" || host == "darwin" || host == "freebsd" {
				return true
			}
		}
	}
	return false
}

// versionAtLeast reports whether running >= minimum, comparing dotted
// numeric components left to right (missing trailing components treated as
// 0). An empty minimum always passes.
func versionAtLeast(running, minimum string) bool {
	if minimum == "" {
		return true
	}
	r := strings.Split(running, ".")
	want := strings.Split(minimum, ".")
	for i := 0; i < len(want); i++ {
		var rv, wv int
		if i < len(r) {
			rv, _ = strconv.Atoi(r[i])
		}
		wv, _ = strconv.Atoi(want[i])
		if rv != wv {
			return rv > wv
		}
	}
	return true
}

// shardEligibleLocked reports whether the host's deterministic shard value
// (1-100, hashed from the host identifier) falls within a pack's shard
// threshold. shard <= 0 means unrestricted.
func (m *Manager) shardEligibleLocked(shard int) bool {
	if shard <= 0 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(m.hostIdentifier))
	hostShard := int(h.Sum32()%100) + 1
	return shard >= hostShard
}

// discoveryPassesLocked runs (or reuses a cached result for) one discovery
// query, true iff it returned at least one row. Missing engine wiring fails
// closed, matching osquery treating an unrunnable discovery query as "no
// match".
func (m *Manager) discoveryPassesLocked(query string) bool {
	if entry, ok := m.discoveryCache[query]; ok && time.Now().Before(entry.expiresAt) {
		return entry.active
	}
	active := false
	if m.engine != nil {
		data, _, _, st := m.engine.Execute(context.Background(), query)
		active = st.Ok() && len(data) > 0
	}
	m.discoveryCache[query] = discoveryCacheEntry{active: active, expiresAt: time.Now().Add(m.discoveryTTL)}
	return active
}

// resolvePackRef requests a pack body by string identifier via the active
// config plugin's genPack action.
func (m *Manager) resolvePackRef(name, ref string) (map[string]interface{}, status.Status) {
	resp, st := m.reg.CallActive(registry.KindConfig, registry.Request{"action": "genPack", "name": name, "ref": ref})
	if !st.Ok() {
		return nil, st
	}
	if len(resp) == 0 {
		return nil, status.New(status.NotFound, "config: genPack returned no data for %q", ref)
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(resp[0]["data"]), &obj); err != nil {
		return nil, status.New(status.Malformed, "config: genPack %q returned invalid JSON: %v", ref, err)
	}
	return obj, status.OKStatus
}

// dispatchParsers calls each registered config_parser plugin whose
// declared keys() intersect the merged top-level keys present, handing it
// only the matching subset — never the whole document — per spec §9's
// "typed accessors belong on the concrete trait only" guidance generalized
// to "parsers only see what they declared".
func (m *Manager) dispatchParsers(merged map[string]interface{}) {
	for _, name := range m.reg.Names(registry.KindConfigParser) {
		keysResp, st := m.reg.Call(registry.KindConfigParser, name, registry.Request{"action": "keys"})
		if !st.Ok() || len(keysResp) == 0 {
			continue
		}
		declared := strings.Split(keysResp[0]["keys"], ",")

		subset := make(map[string]interface{})
		var matched bool
		for _, k := range declared {
			k = strings.TrimSpace(k)
			if v, ok := merged[k]; ok {
				subset[k] = v
				matched = true
			}
		}
		if !matched {
			continue
		}

		data, err := json.Marshal(subset)
		if err != nil {
			continue
		}
		if _, st := m.reg.Call(registry.KindConfigParser, name, registry.Request{"action": "update", "data": string(data)}); !st.Ok() {
			m.log.Warn().Str("parser", name).Str("status", st.Error()).Msg("config parser update failed")
		}
	}
}

// applyPurgePolicy deletes the persisted state for a removed query only if
// its last-recorded timestamp is older than the retention window, per spec
// §4.2 "Purge policy" (transient config dropouts must not lose history).
func (m *Manager) applyPurgePolicy(removedNames []string) {
	for _, name := range removedNames {
		tsKey := "timestamp." + name
		tsVal, found, err := m.db.Get(store.DomainPersistentSettings, tsKey)
		if err != nil {
			continue
		}
		if found {
			ts, err := strconv.ParseInt(tsVal, 10, 64)
			if err == nil && time.Since(time.Unix(ts, 0)) < purgeRetention {
				continue // too recent, a transient dropout — retain
			}
		}
		_ = m.db.Delete(store.DomainQueries, name)
		_ = m.db.Delete(store.DomainPersistentSettings, tsKey)
		_ = m.db.Delete(store.DomainPersistentSettings, "interval."+name)
	}
}

// stripComments removes hash-style (# to end of line) and C-style (// and
// /* */) comments from text outside of JSON string literals, tolerating
// human-edited config files the way osquery's own config parser does.
func stripComments(text string) string {
	var out strings.Builder
	inString := false
	escaped := false
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		c := runes[i]

		if inString {
			out.WriteRune(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		switch {
		case c == '"':
			inString = true
			out.WriteRune(c)
		case c == '#':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			i--
		case c == '/' && i+1 < len(runes) && runes[i+1] == '/':
			i++
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			i--
		case c == '/' && i+1 < len(runes) && runes[i+1] == '*':
			i += 2
			for i+1 < len(runes) && !(runes[i] == '*' && runes[i+1] == '/') {
				i++
			}
			i++
		default:
			out.WriteRune(c)
		}
	}
	return out.String()
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// splayedInterval computes a deterministic jittered interval: the query
// name's hash modulo a splayPercent-wide band added to interval, so
// identically-configured hosts don't all fire the same query in lockstep.
func splayedInterval(name string, interval, splayPercent int) int {
	if interval <= 0 {
		return 0
	}
	if splayPercent <= 0 || splayPercent > 100 {
		splayPercent = DefaultSplayPercent
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	band := interval * splayPercent / 100
	if band <= 0 {
		return interval
	}
	jitter := int(h.Sum32()) % band
	if jitter < 0 {
		jitter = -jitter
	}
	return interval + jitter
}

// StartRefreshThread runs Refresh on a cron-scheduled cadence until ctx is
// cancelled. On repeated failure it backs off exponentially (capped at
// maxBackoff) by rescheduling the cron entry at a wider delay; the first
// success after a failure reschedules back to the base interval. Job
// rescheduling follows the teacher's PluginScheduler.Schedule overwrite
// idiom (remove the old entry, add a new one) rather than cron's static
// expressions, since the cadence itself must change at runtime.
func (m *Manager) StartRefreshThread(ctx context.Context, interval time.Duration, maxBackoff time.Duration) {
	if interval <= 0 {
		return
	}
	m.mu.Lock()
	m.refreshBaseInterval = interval
	m.refreshMaxBackoff = maxBackoff
	m.cronRunner = cron.New()
	m.mu.Unlock()

	m.rescheduleRefresh(interval)
	m.cronRunner.Start()

	go func() {
		<-ctx.Done()
		m.cronRunner.Stop()
	}()
}

// rescheduleRefresh replaces the current refresh cron entry (if any) with
// one firing every d, jittered by up to 10% so fleets of identically
// configured hosts don't all refresh in lockstep.
func (m *Manager) rescheduleRefresh(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cronRunner == nil {
		return
	}
	if m.cronEntryID != 0 {
		m.cronRunner.Remove(m.cronEntryID)
	}
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	m.cronEntryID = m.cronRunner.Schedule(cron.ConstantDelaySchedule{Delay: d + jitter}, cron.FuncJob(m.refreshTick))
}

// refreshTick is the cron job body: run Refresh, and on failure widen the
// cadence exponentially (capped), or narrow it back to baseline on the
// first success after a failure.
func (m *Manager) refreshTick() {
	st := m.Refresh()

	m.mu.Lock()
	backoff := m.backoff
	base := m.refreshBaseInterval
	maxB := m.refreshMaxBackoff
	m.mu.Unlock()

	if !st.Ok() {
		next := base
		if backoff > 0 {
			next = backoff * 2
		}
		if next > maxB {
			next = maxB
		}
		m.mu.Lock()
		m.backoff = next
		m.mu.Unlock()
		m.log.Warn().Str("status", st.Error()).Dur("next_backoff", next).Msg("config refresh failed")
		m.rescheduleRefresh(next)
		return
	}

	if backoff > 0 {
		m.mu.Lock()
		m.backoff = 0
		m.mu.Unlock()
		m.rescheduleRefresh(base)
	}
}

