// Package registry implements hostlens's plugin registry: a process-wide
// collection of plugins keyed by kind and name, with one active plugin per
// kind that supports activity, uniform call/broadcast dispatch, and lazy
// registration for heavy kinds (tables).
//
// Grounded on the teacher's api/internal/plugins/registry.go (global,
// RWMutex-protected, factory-based registration) and discovery.go (the
// built-in/dynamic duality, mirrored here as internal/external plugins).
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hostlens/hostlens/internal/status"
)

// Kind identifies a category of plugin.
type Kind string

const (
	KindConfig            Kind = "config"
	KindLogger            Kind = "logger"
	KindTable             Kind = "table"
	KindEventPublisher    Kind = "event_publisher"
	KindEventSubscriber   Kind = "event_subscriber"
	KindConfigParser      Kind = "config_parser"
	KindKillswitch        Kind = "killswitch"
	KindDatabase          Kind = "database"
	KindNumericMonitoring Kind = "numeric_monitoring"
)

// activeKinds is the set of kinds that have a single "active" selection;
// all other kinds are merely registered and addressed individually or via
// broadcast (tables, parsers, subscribers, publishers).
var activeKinds = map[Kind]bool{
	KindConfig:            true,
	KindLogger:            true,
	KindKillswitch:        true,
	KindDatabase:          true,
	KindNumericMonitoring: true,
}

// SupportsActive reports whether a kind has a single active-plugin slot.
func SupportsActive(k Kind) bool { return activeKinds[k] }

// Request/Response are the uniform plugin call envelope, per spec §3.
type Request map[string]string
type Response []map[string]string

// Plugin is the uniform capability every registered implementation
// exposes, whether hosted in-process or behind an extension.
type Plugin interface {
	SetUp() status.Status
	TearDown() status.Status
	Call(req Request) (Response, status.Status)
}

// Factory lazily constructs a Plugin instance; used for heavy kinds
// (tables) so the cost of SetUp is paid only when first touched.
type Factory func() Plugin

// handle is the registry's slab entry: a plugin instance (or its factory,
// for lazily-registered kinds), its generation (bumped on teardown so
// stale references referring to a removed plugin can be detected), and
// whether it is backed by an external extension process.
type handle struct {
	name       string
	kind       Kind
	factory    Factory
	instance   Plugin
	generation uint64
	external   bool
	extRoute   *ExternalRoute
}

// ExternalRoute identifies the extension process backing an external
// plugin, used by Registry.DropExtension to atomically remove every
// plugin that process advertised.
type ExternalRoute struct {
	UUID   string
	Socket string
}

// Registry is the process-wide plugin collection.
type Registry struct {
	mu      sync.RWMutex
	plugins map[Kind]map[string]*handle
	active  map[Kind]string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		plugins: make(map[Kind]map[string]*handle),
		active:  make(map[Kind]string),
	}
}

// RegisterPlugin registers a plugin under kind/name via its factory. For
// non-lazy kinds the instance is constructed and SetUp immediately (a
// failed SetUp leaves no instance, so the next use constructs and SetUps
// again and reports the failure); for KindTable construction is deferred
// until first use, matching spec §4.1's "registration is lazy for heavy
// kinds" rule.
func (r *Registry) RegisterPlugin(kind Kind, name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.plugins[kind] == nil {
		r.plugins[kind] = make(map[string]*handle)
	}
	h := &handle{name: name, kind: kind, factory: factory}
	if kind != KindTable {
		if inst := factory(); inst.SetUp().Ok() {
			h.instance = inst
		}
	}
	r.plugins[kind][name] = h
}

// RegisterExternal registers a plugin backed by an extension process.
func (r *Registry) RegisterExternal(kind Kind, name string, route ExternalRoute, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.plugins[kind] == nil {
		r.plugins[kind] = make(map[string]*handle)
	}
	h := &handle{name: name, kind: kind, factory: factory, external: true, extRoute: &route}
	h.instance = factory()
	r.plugins[kind][name] = h
}

// lazyInstance returns h's plugin instance, constructing and SetUp'ing it
// on first access for lazily-registered kinds.
func (r *Registry) lazyInstance(h *handle) (Plugin, status.Status) {
	if h.instance != nil {
		return h.instance, status.OKStatus
	}
	inst := h.factory()
	if st := inst.SetUp(); !st.Ok() {
		return nil, st
	}
	h.instance = inst
	return inst, status.OKStatus
}

// SetActive selects the active plugin for kind. Fails if name isn't
// registered or its SetUp fails; the swap itself is a single pointer
// write under the registry mutex, so concurrent Call sees either the old
// or the new active plugin, never a partial swap (spec invariant).
func (r *Registry) SetActive(kind Kind, name string) status.Status {
	r.mu.Lock()
	h, ok := r.plugins[kind][name]
	if !ok {
		r.mu.Unlock()
		return status.New(status.NotFound, "registry: no plugin %s/%s", kind, name)
	}
	r.mu.Unlock()

	inst, st := r.withHandleInstance(h)
	if !st.Ok() {
		return st
	}
	_ = inst

	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[kind] = name
	return status.OKStatus
}

func (r *Registry) withHandleInstance(h *handle) (Plugin, status.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lazyInstance(h)
}

// ActiveName returns the currently active plugin name for kind, if any.
func (r *Registry) ActiveName(kind Kind) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.active[kind]
	return name, ok
}

// Call dispatches to the named plugin within kind.
func (r *Registry) Call(kind Kind, name string, req Request) (Response, status.Status) {
	r.mu.RLock()
	h, ok := r.plugins[kind][name]
	r.mu.RUnlock()
	if !ok {
		return nil, status.New(status.NotFound, "registry: no plugin %s/%s", kind, name)
	}

	inst, st := r.withHandleInstance(h)
	if !st.Ok() {
		return nil, st
	}
	return inst.Call(req)
}

// CallActive dispatches to kind's active plugin.
func (r *Registry) CallActive(kind Kind, req Request) (Response, status.Status) {
	r.mu.RLock()
	name, ok := r.active[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, status.New(status.NotFound, "registry: no active plugin for kind %s", kind)
	}
	return r.Call(kind, name, req)
}

// Broadcast fans the request out to every registered plugin in kind, in
// deterministic lexical-name order, collecting each response. A failing
// plugin's error does not abort the broadcast for the others.
func (r *Registry) Broadcast(kind Kind, req Request) map[string]Response {
	r.mu.RLock()
	names := make([]string, 0, len(r.plugins[kind]))
	handles := make(map[string]*handle, len(r.plugins[kind]))
	for name, h := range r.plugins[kind] {
		names = append(names, name)
		handles[name] = h
	}
	r.mu.RUnlock()

	sort.Strings(names)
	out := make(map[string]Response, len(names))
	for _, name := range names {
		inst, st := r.withHandleInstance(handles[name])
		if !st.Ok() {
			continue
		}
		resp, st := inst.Call(req)
		if !st.Ok() {
			continue
		}
		out[name] = resp
	}
	return out
}

// Names returns every registered plugin name for kind, in lexical order.
func (r *Registry) Names(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins[kind]))
	for name := range r.plugins[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetInactive removes the active selection for kind without deleting the
// plugin itself, per spec: "setting inactive never deletes."
func (r *Registry) SetInactive(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, kind)
}

// TearDownAll calls TearDown on every constructed instance, in an
// unspecified order, collecting the first error encountered (if any) for
// diagnostics while still attempting every plugin.
func (r *Registry) TearDownAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, byName := range r.plugins {
		for _, h := range byName {
			if h.instance == nil {
				continue
			}
			if st := h.instance.TearDown(); !st.Ok() && firstErr == nil {
				firstErr = fmt.Errorf("teardown %s/%s: %s", h.kind, h.name, st.Error())
			}
		}
	}
	return firstErr
}

// DropExtension atomically removes every plugin registered by the
// extension identified by uuid, across all kinds, and bumps their
// generation so any stale handle a caller is still holding is detected as
// invalid, per spec §4.1's "dropped extension" rule.
func (r *Registry) DropExtension(uuid string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for kind, byName := range r.plugins {
		for name, h := range byName {
			if h.external && h.extRoute != nil && h.extRoute.UUID == uuid {
				h.generation++
				delete(byName, name)
				if r.active[kind] == name {
					delete(r.active, kind)
				}
				removed = append(removed, string(kind)+"/"+name)
			}
		}
	}
	return removed
}

// Generation returns the current generation for kind/name, or 0 with
// found=false if it isn't registered. Callers that cached a handle can
// compare generations to detect a plugin that was torn down and possibly
// replaced since.
func (r *Registry) Generation(kind Kind, name string) (gen uint64, found bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.plugins[kind][name]
	if !ok {
		return 0, false
	}
	return h.generation, true
}
