package events

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// renameBufferLimit bounds the rename_path_mapper-equivalent below;
// reaching it drops the oldest half of the pending old-name records rather
// than growing unbounded when a new-name record never arrives. Dropped
// records are not returned as partial events; only FlushStale returns
// pending records to the caller.
const renameBufferLimit = 2000

// pathCacheLimit bounds the node-id -> {parent, name} cache; exceeding it
// evicts via LRU rather than growing unbounded, same 20000 default osquery's
// NTFS publisher uses for both its path components cache and its dedup map.
const pathCacheLimit = 20000

// dedupWindow is how long a (node ref, event type) pair is suppressed
// after it last fired, collapsing the repeated records a single native
// change can expand into.
const dedupWindow = time.Second

// nodeRef identifies a filesystem object by its stable node id (NTFS file
// reference number, inode number, ...); 0 means unknown/unset.
type nodeRef = uint64

// pendingRename is a half of a rename pair awaiting its match, keyed by
// nodeRef in RenameMerger.pending.
type pendingRename struct {
	record   EventContext
	buffered time.Time
}

// RenameMerger folds the old-name/new-name record pair a native rename
// produces into one EventContext carrying both OldPath and Path, keyed by
// the object's node id the way NTFSEventPublisher's rename_path_mapper
// does. Callers feed it every raw old-name and new-name record in arrival
// order; FeedOldName buffers, FeedNewName returns the merged pair (or
// false if no matching old-name record ever arrived).
type RenameMerger struct {
	pending map[nodeRef]pendingRename
}

// NewRenameMerger returns an empty merger.
func NewRenameMerger() *RenameMerger {
	return &RenameMerger{pending: make(map[nodeRef]pendingRename)}
}

// FeedOldName buffers the old-name half of a rename pair for ref,
// dropping the oldest half of the buffer first if it has reached
// renameBufferLimit.
func (m *RenameMerger) FeedOldName(ref nodeRef, ec EventContext) {
	if len(m.pending) >= renameBufferLimit {
		m.evictOldest(renameBufferLimit / 2)
	}
	m.pending[ref] = pendingRename{record: ec, buffered: time.Now()}
}

// FeedNewName consumes the buffered old-name record for ref (if any) and
// returns the merged event with OldPath/Path populated. ok is false when
// no old-name record was ever buffered for ref; the caller should still
// fire the new-name record alone, with Partial set.
func (m *RenameMerger) FeedNewName(ref nodeRef, ec EventContext) (EventContext, bool) {
	old, found := m.pending[ref]
	if !found {
		ec.Partial = true
		return ec, false
	}
	delete(m.pending, ref)
	ec.OldPath = old.record.Path
	return ec, true
}

// FlushStale drops every pending old-name record buffered longer than
// maxAge, returning each as a partial new-name-less event so a caller can
// still emit a best-effort notification instead of silently losing it.
func (m *RenameMerger) FlushStale(maxAge time.Duration) []EventContext {
	var flushed []EventContext
	cutoff := time.Now().Add(-maxAge)
	for ref, p := range m.pending {
		if p.buffered.Before(cutoff) {
			ec := p.record
			ec.Partial = true
			flushed = append(flushed, ec)
			delete(m.pending, ref)
		}
	}
	return flushed
}

func (m *RenameMerger) evictOldest(n int) {
	type entry struct {
		ref nodeRef
		at  time.Time
	}
	entries := make([]entry, 0, len(m.pending))
	for ref, p := range m.pending {
		entries = append(entries, entry{ref, p.buffered})
	}
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].at.Before(entries[i].at) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	for i := 0; i < n && i < len(entries); i++ {
		delete(m.pending, entries[i].ref)
	}
}

// nodeInfo is the resolvable unit in PathResolver's cache: a node's
// parent and its own leaf name, the same shape NTFSEventPublisher's
// PathComponentsCache entries carry.
type nodeInfo struct {
	parent nodeRef
	name   string
}

// FilesystemLookup resolves a single node id's parent and leaf name by
// querying the live filesystem, for PathResolver's cache-miss path. A
// concrete file-change publisher supplies this (backed by whatever native
// API the platform offers); it is not implemented here.
type FilesystemLookup func(ref nodeRef) (parent nodeRef, name string, ok bool)

// maxWalkDepth bounds PathResolver.Resolve's parent-link walk so a
// corrupted or cyclic chain of node references can never spin forever.
const maxWalkDepth = 256

// PathResolver reconstructs absolute paths from node ids by walking
// parent links to the volume root, backed by an LRU cache of observed
// (node -> {parent, name}) mappings populated passively as records are
// seen and, on a miss, by a live filesystem lookup.
type PathResolver struct {
	cache  *lru.Cache[nodeRef, nodeInfo]
	lookup FilesystemLookup
	roots  map[nodeRef]bool
}

// NewPathResolver builds a resolver bounded to pathCacheLimit entries,
// using lookup to resolve cache misses. roots names the node ids that
// terminate a walk (volume roots); reaching one ends reconstruction
// successfully instead of continuing to walk upward.
func NewPathResolver(lookup FilesystemLookup, roots ...nodeRef) *PathResolver {
	cache, _ := lru.New[nodeRef, nodeInfo](pathCacheLimit)
	rootSet := make(map[nodeRef]bool, len(roots))
	for _, r := range roots {
		rootSet[r] = true
	}
	return &PathResolver{cache: cache, lookup: lookup, roots: rootSet}
}

// Observe passively records a node's parent/name from an already-read
// journal record, the way the publisher's run loop updates its path
// components cache for every record regardless of type.
func (p *PathResolver) Observe(ref, parent nodeRef, name string) {
	if ref == 0 {
		return
	}
	p.cache.Add(ref, nodeInfo{parent: parent, name: name})
}

// Resolve reconstructs the path of ref relative to the known root it
// reaches by walking parent links, joining leaf names with "/" along the
// way (no leading "/", and the root's own name is not included). partial is
// true if the walk hit maxWalkDepth or a node with no cached or
// resolvable info before reaching a root — the caller should fall back to
// just the leaf name and mark the event Partial, per spec.
func (p *PathResolver) Resolve(ref nodeRef) (path string, partial bool) {
	var components []string
	cur := ref
	for depth := 0; depth < maxWalkDepth; depth++ {
		if cur == 0 {
			return joinPath(components), true
		}
		if p.roots[cur] {
			return joinPath(components), false
		}
		info, found := p.cache.Get(cur)
		if !found {
			parent, name, ok := p.lookup(cur)
			if !ok {
				return joinPath(components), true
			}
			info = nodeInfo{parent: parent, name: name}
			p.cache.Add(cur, info)
		}
		components = append([]string{info.name}, components...)
		cur = info.parent
	}
	return joinPath(components), true
}

func joinPath(components []string) string {
	out := ""
	for _, c := range components {
		if out == "" {
			out = c
			continue
		}
		out = out + "/" + c
	}
	return out
}

// dedupKey is (node ref, event type): the tuple osquery's USN journal
// reader dedups consecutive fires on, since a single native change can
// expand into several records carrying the same reason flags.
type dedupKey struct {
	ref      nodeRef
	lastType string
}

// Deduper suppresses repeated (node ref, event type) fires within
// dedupWindow of each other, bounded by an LRU of lastFireCap entries
// (evict-half-when-full per spec; golang-lru/v2 evicts one at a time on
// insert past capacity, which converges to the same steady-state bound).
type Deduper struct {
	cache *lru.Cache[dedupKey, time.Time]
}

const lastFireCap = 20000

// NewDeduper returns a Deduper bounded to lastFireCap tracked keys.
func NewDeduper() *Deduper {
	cache, _ := lru.New[dedupKey, time.Time](lastFireCap)
	return &Deduper{cache: cache}
}

// Admit reports whether an event for (ref, eventType) observed at now
// should fire: false if an identical (ref, eventType) pair fired within
// dedupWindow. Each call that returns true records now as the new
// last-fire-time for the pair.
func (d *Deduper) Admit(ref nodeRef, eventType string, now time.Time) bool {
	key := dedupKey{ref: ref, lastType: eventType}
	if last, found := d.cache.Get(key); found && now.Sub(last) < dedupWindow {
		return false
	}
	d.cache.Add(key, now)
	return true
}

// PathSet is the include/exclude path-matching state a file-access
// subscriber holds per category (write vs access), per spec §4.4's
// subscriber-side filtering: literal paths plus the node ids derived from
// observing matching events, so a later event on the same node (a write
// to a file opened by path, then renamed) still matches by node id.
type PathSet struct {
	paths   map[string]bool
	exclude map[string]bool
	nodes   map[nodeRef]bool
}

// NewPathSet builds a PathSet seeded with include and exclude path lists.
func NewPathSet(include, exclude []string) *PathSet {
	ps := &PathSet{
		paths:   make(map[string]bool, len(include)),
		exclude: make(map[string]bool, len(exclude)),
		nodes:   make(map[nodeRef]bool),
	}
	for _, p := range include {
		ps.paths[p] = true
	}
	for _, p := range exclude {
		ps.exclude[p] = true
	}
	return ps
}

// Matches reports whether ec belongs to this set: its node id or parent
// node id is already tracked (adding the node id if only the parent
// matched), or its Path/OldPath is in the literal path list — unless that
// same path also appears in the exclude list, which always wins.
func (ps *PathSet) Matches(ec EventContext) bool {
	if ps.exclude[ec.Path] || ps.exclude[ec.OldPath] {
		return false
	}
	if ps.nodes[ec.NodeRef] {
		return true
	}
	if ps.nodes[ec.ParentRef] {
		ps.nodes[ec.NodeRef] = true
		return true
	}
	if ps.paths[ec.Path] || (ec.OldPath != "" && ps.paths[ec.OldPath]) {
		ps.nodes[ec.NodeRef] = true
		return true
	}
	return false
}
