package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MaxTurnChars bounds the stored text of a single conversation turn.
const MaxTurnChars = 1000

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one entry of the conversation history.
type Turn struct {
	ID        int64
	Role      string
	Text      string
	CreatedAt time.Time
}

// AppendTurn stores a turn and evicts the oldest turns beyond capacity.
func (s *Store) AppendTurn(ctx context.Context, role, text string) error {
	if role != RoleUser && role != RoleAssistant {
		return fmt.Errorf("append turn: invalid role %q", role)
	}
	text = truncateRunes(text, MaxTurnChars)
	now := time.Now().UTC().Format(timeLayout)

	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_history (role, content, created_at) VALUES (?, ?, ?)`,
			role, text, now,
		); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM conversation_history WHERE id NOT IN (
				SELECT id FROM conversation_history ORDER BY id DESC LIMIT ?
			)`, s.historyCap,
		); err != nil {
			return fmt.Errorf("evict turns: %w", err)
		}
		return nil
	})
}

// RecentTurns returns up to n of the latest turns, oldest first.
func (s *Store) RecentTurns(ctx context.Context, n int) ([]Turn, error) {
	if n <= 0 || n > s.historyCap {
		n = s.historyCap
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, created_at FROM conversation_history
		 ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var created string
		if err := rows.Scan(&t.ID, &t.Role, &t.Text, &created); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.CreatedAt = parseTime(created)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// HistoryLen returns the number of stored turns.
func (s *Store) HistoryLen(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversation_history").Scan(&n)
	return n, err
}

// ClearHistory removes every stored turn.
func (s *Store) ClearHistory(ctx context.Context) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM conversation_history")
		return err
	})
}
