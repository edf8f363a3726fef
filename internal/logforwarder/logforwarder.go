// Package logforwarder implements hostlens's buffered log forwarder: a
// logger-plugin consumer that durably buffers lines in the `logs` domain,
// flushes them in size-capped batches on a timer, and retries failed
// batches with exponential backoff, mirroring the batch-buffer-then-send
// shape of osquery's remote logger plugins (osquery/remote/http_client.cpp)
// while keeping the actual retry/backoff loop in the teacher's idiom.
package logforwarder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hostlens/hostlens/internal/status"
	"github.com/hostlens/hostlens/internal/store"
)

// Defaults per spec §4.6.
const (
	DefaultPeriod        = 4 * time.Second
	DefaultMaxPeriod     = 300 * time.Second
	DefaultMaxLineBytes  = 1048576
	DefaultMaxBatchLines = 1024
)

// Sender delivers one batch of already-buffered lines. Returning a non-OK
// status leaves the batch in place for retry; OK deletes it. Concrete
// senders (a websocket transport, a Logger-plugin call) implement this.
type Sender interface {
	Send(ctx context.Context, lines []string) status.Status
}

// SenderFunc adapts a plain function to Sender.
type SenderFunc func(ctx context.Context, lines []string) status.Status

func (f SenderFunc) Send(ctx context.Context, lines []string) status.Status { return f(ctx, lines) }

// Forwarder buffers lines durably (so a restart mid-batch never loses
// them) and flushes on a timer, backing off exponentially on failure.
type Forwarder struct {
	db     store.Database
	sender Sender
	log    zerolog.Logger

	mu        sync.Mutex
	seq       int64
	period    time.Duration
	maxPeriod time.Duration
	maxLine   int
	maxBatch  int
}

// Option configures a Forwarder at construction time.
type Option func(*Forwarder)

// WithPeriod overrides the default 4s flush period.
func WithPeriod(d time.Duration) Option { return func(f *Forwarder) { f.period = d } }

// WithMaxPeriod overrides the default 300s backoff cap.
func WithMaxPeriod(d time.Duration) Option { return func(f *Forwarder) { f.maxPeriod = d } }

// WithSizeCaps overrides the default 1MiB-per-line, 1024-lines-per-batch caps.
func WithSizeCaps(maxLineBytes, maxBatchLines int) Option {
	return func(f *Forwarder) { f.maxLine = maxLineBytes; f.maxBatch = maxBatchLines }
}

// New builds a Forwarder backed by db, delivering batches through sender.
func New(db store.Database, sender Sender, opts ...Option) *Forwarder {
	f := &Forwarder{
		db:        db,
		sender:    sender,
		log:       log.With().Str("component", "logforwarder").Logger(),
		period:    DefaultPeriod,
		maxPeriod: DefaultMaxPeriod,
		maxLine:   DefaultMaxLineBytes,
		maxBatch:  DefaultMaxBatchLines,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Buffer durably queues line for forwarding. Oversized lines are dropped
// and a warning logged, rather than ever being buffered, per spec.
func (f *Forwarder) Buffer(line string) {
	if len(line) > f.maxLine {
		f.log.Warn().Int("size", len(line)).Int("limit", f.maxLine).Msg("dropping oversized log line")
		return
	}
	f.mu.Lock()
	f.seq++
	key := bufferKey(time.Now(), f.seq)
	f.mu.Unlock()

	if err := f.db.Put(store.DomainLogs, key, line); err != nil {
		f.log.Error().Err(err).Msg("failed to buffer log line")
	}
}

// bufferKey produces a lexically sortable timestamp+sequence key so Scan
// with a prefix naturally returns lines in arrival order.
func bufferKey(t time.Time, seq int64) string {
	return fmt.Sprintf("%020d.%020d", t.UnixNano(), seq)
}

// Run flushes on Forwarder.period until ctx is canceled, backing off
// exponentially (capped at maxPeriod) after a failed flush and resetting
// to the base period after the first flush that succeeds again.
func (f *Forwarder) Run(ctx context.Context) {
	current := f.period
	timer := time.NewTimer(current)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if ok := f.flushOnce(ctx); ok {
				current = f.period
			} else {
				current = nextBackoff(current, f.maxPeriod)
			}
			timer.Reset(current)
		}
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	return next
}

// flushOnce drains up to maxBatch buffered lines in arrival order and
// attempts delivery. On success, every delivered line is deleted; on
// failure, the batch is left in place entirely for the next attempt.
func (f *Forwarder) flushOnce(ctx context.Context) bool {
	keys, err := f.db.Scan(store.DomainLogs, "", f.maxBatch)
	if err != nil {
		f.log.Error().Err(err).Msg("failed to scan buffered log lines")
		return false
	}
	if len(keys) == 0 {
		return true
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		v, found, err := f.db.Get(store.DomainLogs, k)
		if err != nil || !found {
			continue
		}
		lines = append(lines, v)
	}
	if len(lines) == 0 {
		return true
	}

	st := f.sender.Send(ctx, lines)
	if !st.Ok() {
		f.log.Warn().Str("status", st.Error()).Int("lines", len(lines)).Msg("log batch delivery failed, will retry")
		return false
	}

	if err := f.db.Batch(store.DomainLogs, func(b store.Batch) error {
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		f.log.Error().Err(err).Msg("failed to delete delivered log batch")
	}
	return true
}

// PendingCount reports how many lines are currently buffered, useful for
// monitoring backlog growth under sustained delivery failure.
func (f *Forwarder) PendingCount() (int, error) {
	keys, err := f.db.Scan(store.DomainLogs, "", 0)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
