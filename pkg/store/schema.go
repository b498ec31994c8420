package store

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversation_history (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		role       TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		text         TEXT NOT NULL,
		done         INTEGER NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL,
		completed_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_done ON tasks(done, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS weekly_goals (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		week      TEXT NOT NULL,
		text      TEXT NOT NULL,
		done      INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_weekly_goals_week ON weekly_goals(week)`,
	`CREATE TABLE IF NOT EXISTS journal_entries (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		day        TEXT NOT NULL,
		clock      TEXT NOT NULL,
		text       TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_journal_day ON journal_entries(day)`,
	`CREATE TABLE IF NOT EXISTS mood_entries (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		day        TEXT NOT NULL,
		level      INTEGER NOT NULL CHECK (level BETWEEN 1 AND 5),
		note       TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_mood_day ON mood_entries(day)`,
	`CREATE TABLE IF NOT EXISTS workouts (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		day        TEXT NOT NULL,
		kind       TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workouts_day ON workouts(day)`,
	`CREATE TABLE IF NOT EXISTS focus_sessions (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		day        TEXT NOT NULL,
		task       TEXT NOT NULL DEFAULT '',
		minutes    INTEGER NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_focus_day ON focus_sessions(day)`,
	`CREATE TABLE IF NOT EXISTS reflections (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		day        TEXT NOT NULL,
		summary    TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reminders (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		kind        TEXT NOT NULL,
		clock       TEXT NOT NULL,
		destination TEXT NOT NULL,
		active      INTEGER NOT NULL DEFAULT 1,
		created_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reminders_active ON reminders(active, id)`,
	`CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	// documents indexes free text from the other domains for recall.
	`CREATE TABLE IF NOT EXISTS documents (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		kind       TEXT NOT NULL,
		ref_id     INTEGER NOT NULL,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (kind, ref_id)
	)`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
		content, content='documents', content_rowid='id'
	)`,
	`CREATE TRIGGER IF NOT EXISTS documents_ai AFTER INSERT ON documents BEGIN
		INSERT INTO documents_fts(rowid, content) VALUES (new.id, new.content);
	END`,
	`CREATE TRIGGER IF NOT EXISTS documents_ad AFTER DELETE ON documents BEGIN
		INSERT INTO documents_fts(documents_fts, rowid, content) VALUES ('delete', old.id, old.content);
	END`,
	`CREATE TRIGGER IF NOT EXISTS documents_au AFTER UPDATE ON documents BEGIN
		INSERT INTO documents_fts(documents_fts, rowid, content) VALUES ('delete', old.id, old.content);
		INSERT INTO documents_fts(rowid, content) VALUES (new.id, new.content);
	END`,
}

func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}
