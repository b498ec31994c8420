package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Reminder is a persisted daily reminder.
type Reminder struct {
	ID          int64
	Kind        string
	Clock       string // "HH:MM", 24h
	Destination string
	CreatedAt   time.Time
}

// AddReminder persists an active reminder. The clock string is stored as
// given; the scheduler validates it when the reminder is registered.
func (s *Store) AddReminder(ctx context.Context, kind, clock, destination string) (Reminder, error) {
	now := time.Now().UTC()
	r := Reminder{Kind: kind, Clock: clock, Destination: destination, CreatedAt: now}
	err := s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO reminders (kind, clock, destination, created_at) VALUES (?, ?, ?, ?)",
			kind, clock, destination, now.Format(timeLayout))
		if err != nil {
			return fmt.Errorf("insert reminder: %w", err)
		}
		r.ID, err = res.LastInsertId()
		return err
	})
	return r, err
}

// ActiveReminders returns every active reminder in the order stored.
func (s *Store) ActiveReminders(ctx context.Context) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, kind, clock, destination, created_at FROM reminders WHERE active = 1 ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		var r Reminder
		var created string
		if err := rows.Scan(&r.ID, &r.Kind, &r.Clock, &r.Destination, &created); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClearReminders deactivates all active reminders and returns how many
// were cleared.
func (s *Store) ClearReminders(ctx context.Context) (int, error) {
	var n int64
	err := s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE reminders SET active = 0 WHERE active = 1")
		if err != nil {
			return fmt.Errorf("clear reminders: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}
