package logforwarder

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostlens/hostlens/internal/status"
	"github.com/hostlens/hostlens/internal/store"
)

type recordingSender struct {
	mu      sync.Mutex
	batches [][]string
	fail    bool
}

func (s *recordingSender) Send(ctx context.Context, lines []string) status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return status.New(status.TransientIO, "simulated failure")
	}
	cp := append([]string(nil), lines...)
	s.batches = append(s.batches, cp)
	return status.OKStatus
}

func newTestForwarder(t *testing.T, sender Sender) (*Forwarder, store.Database) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, sender), db
}

func TestBufferThenFlushDeliversAndDeletes(t *testing.T) {
	sender := &recordingSender{}
	f, db := newTestForwarder(t, sender)

	f.Buffer("line one")
	f.Buffer("line two")

	ok := f.flushOnce(context.Background())
	assert.True(t, ok)

	require.Len(t, sender.batches, 1)
	assert.Equal(t, []string{"line one", "line two"}, sender.batches[0])

	count, err := f.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	_ = db
}

func TestFailedFlushRetainsBatch(t *testing.T) {
	sender := &recordingSender{fail: true}
	f, _ := newTestForwarder(t, sender)
	f.Buffer("line one")

	ok := f.flushOnce(context.Background())
	assert.False(t, ok)

	count, err := f.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestOversizedLineDroppedNotBuffered(t *testing.T) {
	sender := &recordingSender{}
	f, _ := newTestForwarder(t, sender)
	f.maxLine = 10
	f.Buffer(strings.Repeat("x", 20))

	count, err := f.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestMaxBatchLinesBoundsOneFlush(t *testing.T) {
	sender := &recordingSender{}
	f, _ := newTestForwarder(t, sender)
	f.maxBatch = 2
	f.Buffer("a")
	f.Buffer("b")
	f.Buffer("c")

	ok := f.flushOnce(context.Background())
	require.True(t, ok)
	require.Len(t, sender.batches, 1)
	assert.Len(t, sender.batches[0], 2)

	count, err := f.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	assert.Equal(t, 8*time.Second, nextBackoff(4*time.Second, 300*time.Second))
	assert.Equal(t, 300*time.Second, nextBackoff(250*time.Second, 300*time.Second))
}

func TestRunBacksOffOnFailureAndResetsOnSuccess(t *testing.T) {
	sender := &recordingSender{fail: true}
	f, _ := newTestForwarder(t, sender)
	f.period = 5 * time.Millisecond
	f.maxPeriod = 40 * time.Millisecond
	f.Buffer("retry me")

	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx)

	time.Sleep(60 * time.Millisecond)
	sender.mu.Lock()
	sender.fail = false
	sender.mu.Unlock()

	time.Sleep(100 * time.Millisecond)
	cancel()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.GreaterOrEqual(t, len(sender.batches), 1)
	assert.Equal(t, []string{"retry me"}, sender.batches[len(sender.batches)-1])
}

func TestBufferKeysPreserveArrivalOrderAcrossSameTimestamp(t *testing.T) {
	sender := &recordingSender{}
	f, _ := newTestForwarder(t, sender)
	for i := 0; i < 5; i++ {
		f.Buffer(string(rune('a' + i)))
	}
	ok := f.flushOnce(context.Background())
	require.True(t, ok)
	require.Len(t, sender.batches, 1)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, sender.batches[0])
}
