// Package sqlite implements the key-value medium on an embedded SQLite file
// with one row per key. A monotonically increasing revision per row lets
// watchers poll for writes performed by sibling processes sharing the same
// database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cartcore/pkg/domain"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

const defaultPollInterval = 250 * time.Millisecond

// Store is a SQLite-backed medium.
type Store struct {
	db       *sql.DB
	origin   string
	maxBytes int64
	poll     time.Duration
	mu       sync.Mutex
}

var (
	_ domain.KeyValueStore = (*Store)(nil)
	_ domain.Watchable     = (*Store)(nil)
	_ domain.Origin        = (*Store)(nil)
)

// New opens (creating if needed) the database at path. maxBytes <= 0 means
// unbounded; poll <= 0 selects the default watch interval.
func New(path string, maxBytes int64, poll time.Duration) (*Store, error) {
	if path == "" {
		path = "cartcore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		revision INTEGER NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Store{db: db, origin: uuid.NewString(), maxBytes: maxBytes, poll: poll}, nil
}

// Get reads the value stored under key.
func (s *Store) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select %s: %w", key, err)
	}
	return value, true, nil
}

// Set upserts a value with the next global revision, enforcing the byte
// budget across all rows.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.maxBytes > 0 {
		var used int64
		if err := tx.QueryRow(
			`SELECT COALESCE(SUM(LENGTH(key) + LENGTH(value)), 0) FROM kv WHERE key <> ?`, key,
		).Scan(&used); err != nil {
			return fmt.Errorf("measure usage: %w", err)
		}
		attempted := used + int64(len(key)+len(value))
		if attempted > s.maxBytes {
			return domain.QuotaError{Key: key, Attempted: attempted, Limit: s.maxBytes}
		}
	}

	var next int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(revision), 0) + 1 FROM kv`).Scan(&next); err != nil {
		return fmt.Errorf("next revision: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO kv (key, value, revision) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, revision = excluded.revision`,
		key, value, next,
	); err != nil {
		return classifyExecErr(key, err)
	}
	if err := tx.Commit(); err != nil {
		return classifyExecErr(key, err)
	}
	return nil
}

// Remove deletes a key; removing an absent key is a no-op.
func (s *Store) Remove(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys lists every stored key, sorted.
func (s *Store) Keys() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Persistent reports true: rows survive a restart.
func (s *Store) Persistent() bool { return true }

// Driver identifies the backend.
func (s *Store) Driver() string { return "sqlite" }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// OriginID returns the handle identity. Revision polling cannot attribute a
// writer, so emitted events leave Origin empty and subscribers fall back to
// raw-value comparison.
func (s *Store) OriginID() string { return s.origin }

// Watch polls the row backing key and emits a change event when its revision
// advances or the row disappears.
func (s *Store) Watch(ctx context.Context, key string, fn func(domain.ChangeEvent)) (func(), error) {
	var lastRev int64
	present := false
	if err := s.db.QueryRow(`SELECT revision FROM kv WHERE key = ?`, key).Scan(&lastRev); err == nil {
		present = true
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("watch %s: %w", key, err)
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				var value string
				var rev int64
				err := s.db.QueryRow(`SELECT value, revision FROM kv WHERE key = ?`, key).Scan(&value, &rev)
				switch {
				case errors.Is(err, sql.ErrNoRows):
					if present {
						present = false
						fn(domain.ChangeEvent{Key: key, Removed: true})
					}
				case err != nil:
					// transient read failure; retry on the next tick
				case !present || rev > lastRev:
					present = true
					lastRev = rev
					fn(domain.ChangeEvent{Key: key, Value: value})
				}
			}
		}
	}()
	return stop, nil
}

// classifyExecErr maps a full database onto the capacity signal so quota
// recovery also covers SQLITE_FULL, not just the byte budget.
func classifyExecErr(key string, err error) error {
	if strings.Contains(err.Error(), "database or disk is full") {
		return domain.QuotaError{Key: key}
	}
	return fmt.Errorf("write %s: %w", key, err)
}
