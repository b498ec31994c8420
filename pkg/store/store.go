// Package store provides access to Iris's persistent state.
//
// Everything Iris remembers lives in a single SQLite database (state.db):
// conversation history, the personal-data domains (tasks, goals, journal,
// mood, workouts, focus sessions), daily reminders, nightly reflections and
// a small key-value table. The interactive path and the scheduler share one
// Store; all writes are serialized through Store.tx.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

const timeLayout = "2006-01-02 15:04:05"

// DefaultHistoryCapacity is the number of conversation turns kept.
const DefaultHistoryCapacity = 30

// Store is the persisted state shared by every Iris component.
type Store struct {
	db   *sql.DB
	path string

	// writeMu keeps a single writer inside the process; SQLite's
	// IMMEDIATE transactions cover other processes on the same file.
	writeMu sync.Mutex

	historyCap int
}

// Stats holds row counts for the main tables.
type Stats struct {
	Turns       int
	Tasks       int
	Journal     int
	Reminders   int
	Reflections int
	KVEntries   int
}

// Option configures a Store.
type Option func(*Store)

// WithHistoryCapacity sets how many conversation turns are retained.
func WithHistoryCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.historyCap = n
		}
	}
}

// Open opens (creating if needed) the store in the given directory.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dir, "state.db")

	// WAL for concurrent readers, IMMEDIATE so a write transaction takes the
	// lock up front instead of failing on upgrade.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping state db: %w", err)
	}

	s := &Store{db: db, path: dir, historyCap: DefaultHistoryCapacity}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	stats := s.Stats()
	slog.Info("store opened",
		"path", dbPath,
		"turns", stats.Turns,
		"tasks", stats.Tasks,
		"reminders", stats.Reminders,
	)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the data directory.
func (s *Store) Path() string {
	return s.path
}

// HistoryCapacity returns the configured history ring size.
func (s *Store) HistoryCapacity() int {
	return s.historyCap
}

// Stats returns counts for the main tables.
func (s *Store) Stats() Stats {
	var st Stats
	s.db.QueryRow("SELECT COUNT(*) FROM conversation_history").Scan(&st.Turns)
	s.db.QueryRow("SELECT COUNT(*) FROM tasks").Scan(&st.Tasks)
	s.db.QueryRow("SELECT COUNT(*) FROM journal_entries").Scan(&st.Journal)
	s.db.QueryRow("SELECT COUNT(*) FROM reminders WHERE active = 1").Scan(&st.Reminders)
	s.db.QueryRow("SELECT COUNT(*) FROM reflections").Scan(&st.Reflections)
	s.db.QueryRow("SELECT COUNT(*) FROM kv").Scan(&st.KVEntries)
	return st
}

// tx runs fn inside a single write transaction.
func (s *Store) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- KV Operations ---

// KVGet retrieves a value from the key-value store.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// KVSet stores a value in the key-value store.
func (s *Store) KVSet(ctx context.Context, key, value string) error {
	now := time.Now().UTC().Format(timeLayout)
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, now,
		)
		return err
	})
}

func parseTime(s string) time.Time {
	for _, layout := range []string{timeLayout, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
