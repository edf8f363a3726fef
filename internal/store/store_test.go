package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTest(t)

	_, found, err := s.Get(DomainQueries, "missing")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.Put(DomainQueries, "q1", `[{"a":"1"}]`))
	v, found, err := s.Get(DomainQueries, "q1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, `[{"a":"1"}]`, v)

	require.NoError(t, s.Delete(DomainQueries, "q1"))
	_, found, err = s.Get(DomainQueries, "q1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestScanPrefix(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.Put(DomainPersistentSettings, "timestamp.a", "1"))
	require.NoError(t, s.Put(DomainPersistentSettings, "timestamp.b", "2"))
	require.NoError(t, s.Put(DomainPersistentSettings, "interval.a", "10"))

	keys, err := s.Scan(DomainPersistentSettings, "timestamp.", 0)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"timestamp.a", "timestamp.b"}, keys)
}

func TestDeleteRange(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.Put(DomainEvents, "a", "1"))
	require.NoError(t, s.Put(DomainEvents, "b", "2"))
	require.NoError(t, s.Put(DomainEvents, "c", "3"))

	require.NoError(t, s.DeleteRange(DomainEvents, "a", "c"))
	keys, err := s.Scan(DomainEvents, "", 0)
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, keys)
}

func TestBatchAtomic(t *testing.T) {
	s := openTest(t)
	err := s.Batch(DomainQueries, func(b Batch) error {
		require.NoError(t, b.Put("x", "1"))
		require.NoError(t, b.Put("y", "2"))
		return nil
	})
	require.NoError(t, err)

	keys, err := s.Scan(DomainQueries, "", 0)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"x", "y"}, keys)
}

func TestBatchRollsBackOnError(t *testing.T) {
	s := openTest(t)
	_ = s.Batch(DomainQueries, func(b Batch) error {
		_ = b.Put("x", "1")
		return assertErr{}
	})

	_, found, err := s.Get(DomainQueries, "x")
	require.NoError(t, err)
	require.False(t, found)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestPendingCarveBecomesFailedOnOpen(t *testing.T) {
	// Use a shared in-memory DB name so Open (second call) sees the
	// same database rather than a fresh one.
	s, err := Open("file:carvetest?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, s.Put(DomainCarves, "carve1", CarvePending))
	defer s.Close()

	s2, err := Open("file:carvetest?mode=memory&cache=shared")
	require.NoError(t, err)
	defer s2.Close()

	v, found, err := s2.Get(DomainCarves, "carve1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, CarveFailed, v)
}
