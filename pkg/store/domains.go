package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DayLayout is the format of day keys ("2006-01-02") in the caller's zone.
const DayLayout = "2006-01-02"

// Day formats t as a day key.
func Day(t time.Time) string {
	return t.Format(DayLayout)
}

// WeekKey returns the goal-week key for t: the Monday of t's week
// formatted as YYYY-Www, with weeks numbered from the year's first Monday.
func WeekKey(t time.Time) string {
	offset := (int(t.Weekday()) + 6) % 7
	monday := t.AddDate(0, 0, -offset)
	week := (monday.YearDay()-1)/7 + 1
	return fmt.Sprintf("%d-W%02d", monday.Year(), week)
}

// --- Tasks ---

// Task is a to-do item.
type Task struct {
	ID          int64
	Text        string
	Done        bool
	CreatedAt   time.Time
	CompletedAt time.Time
}

// AddTask stores a new pending task.
func (s *Store) AddTask(ctx context.Context, text string, at time.Time) (Task, error) {
	t := Task{Text: text, CreatedAt: at}
	err := s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO tasks (text, created_at) VALUES (?, ?)",
			text, at.Format(timeLayout))
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		t.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		return indexDocument(ctx, tx, "task", t.ID, text, at)
	})
	return t, err
}

// PendingTasks returns tasks not yet done, oldest first.
func (s *Store) PendingTasks(ctx context.Context) ([]Task, error) {
	return s.queryTasks(ctx,
		"SELECT id, text, done, created_at, COALESCE(completed_at, '') FROM tasks WHERE done = 0 ORDER BY id")
}

// TasksCompletedOn returns tasks completed on the given day.
func (s *Store) TasksCompletedOn(ctx context.Context, day string) ([]Task, error) {
	return s.queryTasks(ctx,
		`SELECT id, text, done, created_at, COALESCE(completed_at, '') FROM tasks
		 WHERE done = 1 AND substr(completed_at, 1, 10) = ? ORDER BY completed_at`, day)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		var created, completed string
		if err := rows.Scan(&t.ID, &t.Text, &t.Done, &created, &completed); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.CreatedAt = parseTime(created)
		t.CompletedAt = parseTime(completed)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CompleteTask marks a pending task done. It returns ErrNotFound if the task
// does not exist or is already done.
func (s *Store) CompleteTask(ctx context.Context, id int64, at time.Time) (Task, error) {
	var t Task
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var created string
		err := tx.QueryRowContext(ctx,
			"SELECT id, text, created_at FROM tasks WHERE id = ? AND done = 0", id,
		).Scan(&t.ID, &t.Text, &created)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load task: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE tasks SET done = 1, completed_at = ? WHERE id = ?",
			at.Format(timeLayout), id,
		); err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		t.Done = true
		t.CreatedAt = parseTime(created)
		t.CompletedAt = at
		return nil
	})
	return t, err
}

// --- Weekly goals ---

// Goal is a weekly goal.
type Goal struct {
	ID   int64
	Week string
	Text string
	Done bool
}

// AddGoal stores a goal for the given week key.
func (s *Store) AddGoal(ctx context.Context, week, text string, at time.Time) (Goal, error) {
	g := Goal{Week: week, Text: text}
	err := s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO weekly_goals (week, text, created_at) VALUES (?, ?, ?)",
			week, text, at.Format(timeLayout))
		if err != nil {
			return fmt.Errorf("insert goal: %w", err)
		}
		g.ID, err = res.LastInsertId()
		return err
	})
	return g, err
}

// Goals returns the goals of a week in insertion order.
func (s *Store) Goals(ctx context.Context, week string) ([]Goal, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, week, text, done FROM weekly_goals WHERE week = ? ORDER BY id", week)
	if err != nil {
		return nil, fmt.Errorf("query goals: %w", err)
	}
	defer rows.Close()

	var goals []Goal
	for rows.Next() {
		var g Goal
		if err := rows.Scan(&g.ID, &g.Week, &g.Text, &g.Done); err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

// CompleteGoal marks a goal done. ErrNotFound if absent.
func (s *Store) CompleteGoal(ctx context.Context, id int64) (Goal, error) {
	var g Goal
	err := s.tx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			"SELECT id, week, text FROM weekly_goals WHERE id = ?", id,
		).Scan(&g.ID, &g.Week, &g.Text)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load goal: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE weekly_goals SET done = 1 WHERE id = ?", id); err != nil {
			return fmt.Errorf("complete goal: %w", err)
		}
		g.Done = true
		return nil
	})
	return g, err
}

// --- Journal ---

// JournalEntry is one diary note.
type JournalEntry struct {
	ID    int64
	Day   string
	Clock string
	Text  string
}

// AddJournalEntry appends a note and returns how many entries the day now has.
func (s *Store) AddJournalEntry(ctx context.Context, at time.Time, text string) (int, error) {
	var count int
	day := Day(at)
	err := s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO journal_entries (day, clock, text, created_at) VALUES (?, ?, ?, ?)",
			day, at.Format("15:04"), text, at.Format(timeLayout))
		if err != nil {
			return fmt.Errorf("insert journal entry: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if err := indexDocument(ctx, tx, "journal", id, day+" "+text, at); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM journal_entries WHERE day = ?", day).Scan(&count)
	})
	return count, err
}

// JournalEntries returns entries between two day keys, inclusive.
func (s *Store) JournalEntries(ctx context.Context, fromDay, toDay string) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, day, clock, text FROM journal_entries
		 WHERE day BETWEEN ? AND ? ORDER BY id`, fromDay, toDay)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.ID, &e.Day, &e.Clock, &e.Text); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Mood ---

// MoodEntry is a mood check-in on a 1..5 scale.
type MoodEntry struct {
	ID    int64
	Day   string
	Level int
	Note  string
}

// AddMood stores a mood check-in. Levels outside 1..5 are rejected.
func (s *Store) AddMood(ctx context.Context, at time.Time, level int, note string) (MoodEntry, error) {
	m := MoodEntry{Day: Day(at), Level: level, Note: note}
	if level < 1 || level > 5 {
		return m, fmt.Errorf("mood level %d out of range 1-5", level)
	}
	err := s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO mood_entries (day, level, note, created_at) VALUES (?, ?, ?, ?)",
			m.Day, level, note, at.Format(timeLayout))
		if err != nil {
			return fmt.Errorf("insert mood: %w", err)
		}
		m.ID, err = res.LastInsertId()
		return err
	})
	return m, err
}

// Moods returns mood entries between two day keys, inclusive.
func (s *Store) Moods(ctx context.Context, fromDay, toDay string) ([]MoodEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, day, level, note FROM mood_entries WHERE day BETWEEN ? AND ? ORDER BY id",
		fromDay, toDay)
	if err != nil {
		return nil, fmt.Errorf("query moods: %w", err)
	}
	defer rows.Close()

	var moods []MoodEntry
	for rows.Next() {
		var m MoodEntry
		if err := rows.Scan(&m.ID, &m.Day, &m.Level, &m.Note); err != nil {
			return nil, fmt.Errorf("scan mood: %w", err)
		}
		moods = append(moods, m)
	}
	return moods, rows.Err()
}

// --- Workouts ---

// Workout is a logged training session.
type Workout struct {
	ID   int64
	Day  string
	Kind string
}

// AddWorkout logs a workout.
func (s *Store) AddWorkout(ctx context.Context, at time.Time, kind string) (Workout, error) {
	w := Workout{Day: Day(at), Kind: kind}
	err := s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO workouts (day, kind, created_at) VALUES (?, ?, ?)",
			w.Day, kind, at.Format(timeLayout))
		if err != nil {
			return fmt.Errorf("insert workout: %w", err)
		}
		w.ID, err = res.LastInsertId()
		return err
	})
	return w, err
}

// Workouts returns workouts between two day keys, inclusive.
func (s *Store) Workouts(ctx context.Context, fromDay, toDay string) ([]Workout, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, day, kind FROM workouts WHERE day BETWEEN ? AND ? ORDER BY id",
		fromDay, toDay)
	if err != nil {
		return nil, fmt.Errorf("query workouts: %w", err)
	}
	defer rows.Close()

	var out []Workout
	for rows.Next() {
		var w Workout
		if err := rows.Scan(&w.ID, &w.Day, &w.Kind); err != nil {
			return nil, fmt.Errorf("scan workout: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// --- Focus sessions ---

// FocusSession is a completed pomodoro.
type FocusSession struct {
	ID      int64
	Day     string
	Task    string
	Minutes int
}

// AddFocusSession records a completed focus session.
func (s *Store) AddFocusSession(ctx context.Context, at time.Time, task string, minutes int) (FocusSession, error) {
	f := FocusSession{Day: Day(at), Task: task, Minutes: minutes}
	err := s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO focus_sessions (day, task, minutes, created_at) VALUES (?, ?, ?, ?)",
			f.Day, task, minutes, at.Format(timeLayout))
		if err != nil {
			return fmt.Errorf("insert focus session: %w", err)
		}
		f.ID, err = res.LastInsertId()
		return err
	})
	return f, err
}

// FocusSessions returns focus sessions between two day keys, inclusive.
func (s *Store) FocusSessions(ctx context.Context, fromDay, toDay string) ([]FocusSession, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, day, task, minutes FROM focus_sessions WHERE day BETWEEN ? AND ? ORDER BY id",
		fromDay, toDay)
	if err != nil {
		return nil, fmt.Errorf("query focus sessions: %w", err)
	}
	defer rows.Close()

	var out []FocusSession
	for rows.Next() {
		var f FocusSession
		if err := rows.Scan(&f.ID, &f.Day, &f.Task, &f.Minutes); err != nil {
			return nil, fmt.Errorf("scan focus session: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
