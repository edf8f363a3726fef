// Package store implements hostlens's backing-store abstraction: named
// byte-string domains with get/put/delete/deleteRange/scan and an atomic
// batch operation, backed by a single sqlite database file (pure Go, no
// cgo, via modernc.org/sqlite) the way the teacher's PluginStorage backs
// its key-value tier onto a SQL database rather than a bespoke file
// format.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/hostlens/hostlens/internal/status"
)

// Well-known domains, per spec §6.
const (
	DomainConfigurations     = "configurations"
	DomainQueries            = "queries"
	DomainEvents             = "events"
	DomainCarves             = "carves"
	DomainLogs               = "logs"
	DomainDistributed        = "distributed"
	DomainPersistentSettings = "persistent_settings"
)

// Carve states, per spec §9 open question #3: a carve observed PENDING at
// startup is treated as FAILED, since the source never documents what a
// restart mid-carve should do.
const (
	CarveStarting = "STARTING"
	CarvePending  = "PENDING"
	CarveSuccess  = "SUCCESS"
	CarveFailed   = "FAILED"
)

// Database is the backing-store contract every subsystem (config history,
// scheduler state, event bookmarks) is built against.
type Database interface {
	Get(domain, key string) (value string, found bool, err error)
	Put(domain, key, value string) error
	Delete(domain, key string) error
	DeleteRange(domain, low, high string) error
	Scan(domain, prefix string, limit int) ([]string, error)
	// Batch runs fn inside one atomic transaction scoped to domain;
	// every Put/Delete issued via the passed Batch either all land or
	// none do.
	Batch(domain string, fn func(b Batch) error) error
	Close() error
}

// Batch is the restricted read/write handle passed into Database.Batch.
type Batch interface {
	Put(key, value string) error
	Delete(key string) error
}

// SQLiteStore is the default Database implementation: one "kv" table
// (domain, key, value) in a single sqlite file, mirroring the teacher's
// PluginStorage table shape but generalized to hostlens's named domains
// instead of one fixed "plugin_storage" table.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens the sqlite-backed store at path. Passing ":memory:"
// yields a process-local, non-persistent store, useful for tests and for
// --disable_database style configurations.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid lock contention
	if _, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS kv (
			domain TEXT NOT NULL,
			key    TEXT NOT NULL,
			value  TEXT NOT NULL,
			PRIMARY KEY (domain, key)
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.resolvePendingCarves(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// resolvePendingCarves implements SPEC_FULL.md §6.3: any carve still
// PENDING at open time (i.e. the process died mid-carve) is marked FAILED.
func (s *SQLiteStore) resolvePendingCarves() error {
	_, err := s.db.Exec(
		`UPDATE kv SET value = ? WHERE domain = ? AND value = ?`,
		CarveFailed, DomainCarves, CarvePending,
	)
	return err
}

func (s *SQLiteStore) Get(domain, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE domain = ? AND key = ?`, domain, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *SQLiteStore) Put(domain, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (domain, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(domain, key) DO UPDATE SET value = excluded.value`,
		domain, key, value,
	)
	return err
}

func (s *SQLiteStore) Delete(domain, key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE domain = ? AND key = ?`, domain, key)
	return err
}

// DeleteRange removes every key in [low, high) within domain.
func (s *SQLiteStore) DeleteRange(domain, low, high string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE domain = ? AND key >= ? AND key < ?`, domain, low, high)
	return err
}

// Scan returns up to limit keys in domain whose key has the given prefix,
// lexically ordered. limit <= 0 means unbounded.
func (s *SQLiteStore) Scan(domain, prefix string, limit int) ([]string, error) {
	high := prefixUpperBound(prefix)
	query := `SELECT key FROM kv WHERE domain = ? AND key >= ? AND key < ? ORDER BY key`
	args := []interface{}{domain, prefix, high}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// prefixUpperBound returns the smallest string greater than every string
// with the given prefix, used to implement prefix scans as a range query.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return string(append(b, 0xff))
}

type sqlBatch struct {
	tx     *sql.Tx
	domain string
}

func (b *sqlBatch) Put(key, value string) error {
	_, err := b.tx.Exec(
		`INSERT INTO kv (domain, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(domain, key) DO UPDATE SET value = excluded.value`,
		b.domain, key, value,
	)
	return err
}

func (b *sqlBatch) Delete(key string) error {
	_, err := b.tx.Exec(`DELETE FROM kv WHERE domain = ? AND key = ?`, b.domain, key)
	return err
}

// Batch runs fn inside one sqlite transaction, committing iff fn returns
// nil. This is the atomic-batch-put/delete-on-one-domain primitive the
// spec requires (§3 Backing store).
func (s *SQLiteStore) Batch(domain string, fn func(b Batch) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(&sqlBatch{tx: tx, domain: domain}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// AsStatus adapts a plain error from a store call into a Status, used by
// callers that sit on a plugin boundary (e.g. a database *plugin* built
// atop this store).
func AsStatus(err error) status.Status {
	return status.FromError(err)
}

// SortedKeys is a small helper used by callers that need deterministic
// key ordering outside of Scan (e.g. merging two key lists).
func SortedKeys(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	return out
}
