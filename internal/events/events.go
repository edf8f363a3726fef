// Package events implements hostlens's in-process event pipeline: named
// publisher singletons that materialize raw OS events into EventContexts
// and fire them synchronously to subscribed callbacks, a Dispatcher pool
// for the heavier subscriber work that can't run on the publisher's own
// thread, and the USN-journal-style dedup/rename-merge/path-resolution
// machinery file-change publishers need. Publishers and subscribers are
// in-process only: unlike the table/config/logger plugin kinds, neither
// is ever proxied to an external extension process, so this package has
// no dependency on internal/extension or internal/registry's Plugin
// interface.
package events

import (
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hostlens/hostlens/internal/status"
	"github.com/hostlens/hostlens/internal/store"
)

// EventContext is the materialized form of one or more raw OS records, as
// handed to subscriber callbacks. NodeRef/ParentRef/Path/OldPath are only
// meaningful for file-change publishers; other publisher kinds populate
// Fields instead.
type EventContext struct {
	ID        int64
	Type      string
	Time      time.Time
	NodeRef   uint64
	ParentRef uint64
	Path      string
	OldPath   string
	Partial   bool
	Fields    map[string]string
}

// SubscriptionContext is the publisher-specific predicate state a
// subscriber registers at init time; ShouldFire consults it.
type SubscriptionContext struct {
	Fields map[string]string
}

// Callback is invoked synchronously on the publisher's own goroutine for
// every EventContext that ShouldFire admits. Per spec it MUST NOT block
// for longer than a few milliseconds; anything heavier should be handed
// off to a Dispatcher via Pool().Submit instead of doing the work inline.
type Callback func(ec EventContext, sc SubscriptionContext) error

// Publisher is implemented by every concrete event source (USN journal,
// inotify, auditd, ...). Exactly one instance exists per type per process;
// the Bus enforces that at RegisterPublisher time.
type Publisher interface {
	Type() string
	SetUp() status.Status
	Configure()
	Run(stop <-chan struct{}) status.Status
	TearDown()
}

// ShouldFirer lets a publisher implement a cheap admission predicate; a
// publisher that omits it is treated as always-fire.
type ShouldFirer interface {
	ShouldFire(sc SubscriptionContext, ec EventContext) bool
}

type subscription struct {
	subscriber string
	sc         SubscriptionContext
	cb         Callback
}

// Bus is the event-pipeline core: publisher registry, per-publisher
// subscription lists, a Dispatcher pool for offloaded work, and the
// id/bookmark persistence every subscriber relies on to resume after a
// restart without reprocessing or skipping events.
type Bus struct {
	db  store.Database
	log zerolog.Logger

	mu          sync.RWMutex
	publishers  map[string]Publisher
	subscribers map[string][]subscription
	nextID      map[string]*int64

	pool *Dispatcher
}

// New builds a Bus backed by db for bookmark persistence, with a
// Dispatcher pool of poolSize workers for offloaded subscriber work.
func New(db store.Database, poolSize int) *Bus {
	return &Bus{
		db:          db,
		log:         log.With().Str("component", "events").Logger(),
		publishers:  make(map[string]Publisher),
		subscribers: make(map[string][]subscription),
		nextID:      make(map[string]*int64),
		pool:        NewDispatcher(poolSize),
	}
}

// RegisterPublisher adds p to the bus. Registering a second publisher
// under the same Type is rejected: exactly one instance per type per
// process, per spec.
func (b *Bus) RegisterPublisher(p Publisher) status.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.publishers[p.Type()]; exists {
		return status.New(status.Malformed, "events: publisher %q already registered", p.Type())
	}
	if st := p.SetUp(); !st.Ok() {
		return st
	}
	b.publishers[p.Type()] = p
	zero := int64(0)
	b.nextID[p.Type()] = &zero
	return status.OKStatus
}

// Configure re-applies configuration to every registered publisher so
// publishers can adjust watches (e.g. a schedule's file_paths section
// changing which directories a file-change publisher monitors). The config
// Manager does not call it; a caller must invoke it after a refresh.
func (b *Bus) Configure() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range b.publishers {
		p.Configure()
	}
}

// Run starts every registered publisher's service loop in its own
// goroutine and blocks until stop is closed, at which point it tears
// every publisher down and stops the Dispatcher pool.
func (b *Bus) Run(stop <-chan struct{}) {
	b.mu.RLock()
	pubs := make([]Publisher, 0, len(b.publishers))
	for _, p := range b.publishers {
		pubs = append(pubs, p)
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range pubs {
		wg.Add(1)
		go func(p Publisher) {
			defer wg.Done()
			if st := p.Run(stop); !st.Ok() {
				b.log.Error().Str("publisher", p.Type()).Str("status", st.Error()).Msg("publisher run loop exited with error")
			}
		}(p)
	}
	<-stop
	wg.Wait()
	for _, p := range pubs {
		p.TearDown()
	}
	b.pool.Stop()
}

// Subscribe registers cb to receive every EventContext publisherType
// fires that sc admits, under the given subscriber name (used to
// namespace the resume bookmark in store.DomainEvents).
func (b *Bus) Subscribe(publisherType, subscriber string, sc SubscriptionContext, cb Callback) status.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.publishers[publisherType]; !exists {
		return status.New(status.NotFound, "events: no publisher registered for %q", publisherType)
	}
	b.subscribers[publisherType] = append(b.subscribers[publisherType], subscription{subscriber: subscriber, sc: sc, cb: cb})
	return status.OKStatus
}

// Fire is called by a publisher (from its own Run goroutine) once per
// materialized EventContext. It assigns a monotonically increasing id,
// evaluates ShouldFire for every subscription on that publisher type, and
// invokes the matching callbacks synchronously, in registration order, on
// the calling goroutine — exactly as the spec requires so a subscriber
// never observes two callbacks for the same publisher concurrently.
func (b *Bus) Fire(publisherType string, ec EventContext) {
	b.mu.RLock()
	p := b.publishers[publisherType]
	subs := append([]subscription(nil), b.subscribers[publisherType]...)
	counter := b.nextID[publisherType]
	b.mu.RUnlock()
	if counter == nil {
		return
	}

	ec.ID = nextID(counter)
	if ec.Time.IsZero() {
		ec.Time = time.Now()
	}

	var firer ShouldFirer
	if sf, ok := p.(ShouldFirer); ok {
		firer = sf
	}

	for _, sub := range subs {
		if firer != nil && !firer.ShouldFire(sub.sc, ec) {
			continue
		}
		if err := sub.cb(ec, sub.sc); err != nil {
			b.log.Warn().Str("publisher", publisherType).Str("subscriber", sub.subscriber).Err(err).Msg("subscriber callback failed")
		}
	}
}

func nextID(counter *int64) int64 {
	*counter++
	return *counter
}

// LastProcessedID returns the last event id subscriber persisted for
// publisherType, or 0 if none is recorded (resume-from-next-id per spec).
func (b *Bus) LastProcessedID(publisherType, subscriber string) (int64, error) {
	v, found, err := b.db.Get(store.DomainEvents, publisherType+"/"+subscriber)
	if err != nil || !found {
		return 0, err
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n, nil
}

// SetLastProcessedID bookmarks id as the last event subscriber has fully
// handled for publisherType, so a restart resumes from id+1.
func (b *Bus) SetLastProcessedID(publisherType, subscriber string, id int64) error {
	return b.db.Put(store.DomainEvents, publisherType+"/"+subscriber, strconv.FormatInt(id, 10))
}

// Pool exposes the Dispatcher so publishers/subscribers can offload
// heavier per-event work off the publisher's own thread.
func (b *Bus) Pool() *Dispatcher { return b.pool }
