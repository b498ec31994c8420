package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Reflection is one nightly synthesis.
type Reflection struct {
	ID        int64
	Day       string
	Summary   string
	CreatedAt time.Time

	// Prior holds the older retained reflections, newest first. Only set
	// by LatestReflection.
	Prior []Reflection
}

// SaveReflection stores a reflection for day and keeps only the newest
// keep records.
func (s *Store) SaveReflection(ctx context.Context, day, summary string, keep int) (Reflection, error) {
	now := time.Now().UTC()
	r := Reflection{Day: day, Summary: summary, CreatedAt: now}
	if keep <= 0 {
		keep = 1
	}
	err := s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO reflections (day, summary, created_at) VALUES (?, ?, ?)",
			day, summary, now.Format(timeLayout))
		if err != nil {
			return fmt.Errorf("insert reflection: %w", err)
		}
		r.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		if err := indexDocument(ctx, tx, "reflection", r.ID, day+" "+summary, now); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx,
			"SELECT id FROM reflections ORDER BY id DESC LIMIT -1 OFFSET ?", keep)
		if err != nil {
			return fmt.Errorf("select old reflections: %w", err)
		}
		var stale []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			stale = append(stale, id)
		}
		rows.Close()
		for _, id := range stale {
			if _, err := tx.ExecContext(ctx, "DELETE FROM reflections WHERE id = ?", id); err != nil {
				return fmt.Errorf("evict reflection: %w", err)
			}
			if err := unindexDocument(ctx, tx, "reflection", id); err != nil {
				return err
			}
		}
		return nil
	})
	return r, err
}

// LatestReflection returns the newest reflection with the older retained
// ones in Prior. ErrNotFound if none exist.
func (s *Store) LatestReflection(ctx context.Context) (*Reflection, error) {
	all, err := s.Reflections(ctx, 0)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, ErrNotFound
	}
	latest := all[0]
	latest.Prior = all[1:]
	return &latest, nil
}

// Reflections returns up to n reflections, newest first. n <= 0 returns all.
func (s *Store) Reflections(ctx context.Context, n int) ([]Reflection, error) {
	if n <= 0 {
		n = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, day, summary, created_at FROM reflections ORDER BY id DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("query reflections: %w", err)
	}
	defer rows.Close()

	var out []Reflection
	for rows.Next() {
		var r Reflection
		var created string
		if err := rows.Scan(&r.ID, &r.Day, &r.Summary, &created); err != nil {
			return nil, fmt.Errorf("scan reflection: %w", err)
		}
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}
