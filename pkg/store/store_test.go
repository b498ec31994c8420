package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var brt = time.FixedZone("BRT", -3*3600)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesSchema(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, s.Path())
	require.NoError(t, s.Close())

	// Reopening an existing database must not fail on the schema.
	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, Stats{}, s.Stats())
}

func TestKV(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v, err := s.KVGet(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.KVSet(ctx, "k", "one"))
	require.NoError(t, s.KVSet(ctx, "k", "two"))
	v, err = s.KVGet(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "two", v)
}

func TestHistoryRingBuffer(t *testing.T) {
	s := openTestStore(t, WithHistoryCapacity(5))
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		require.NoError(t, s.AppendTurn(ctx, role, fmt.Sprintf("turn %d", i)))

		n, err := s.HistoryLen(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, n, 5)
	}

	turns, err := s.RecentTurns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, turns, 5)
	assert.Equal(t, "turn 7", turns[0].Text)
	assert.Equal(t, "turn 11", turns[4].Text)

	last2, err := s.RecentTurns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, last2, 2)
	assert.Equal(t, "turn 10", last2[0].Text)
}

func TestAppendTurnTruncatesAndValidates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	long := make([]rune, MaxTurnChars+50)
	for i := range long {
		long[i] = 'ç'
	}
	require.NoError(t, s.AppendTurn(ctx, RoleUser, string(long)))
	turns, err := s.RecentTurns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, []rune(turns[0].Text), MaxTurnChars)

	assert.Error(t, s.AppendTurn(ctx, "system", "nope"))

	require.NoError(t, s.ClearHistory(ctx))
	n, err := s.HistoryLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConcurrentAppendsStayBounded(t *testing.T) {
	s := openTestStore(t, WithHistoryCapacity(10))
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 15; i++ {
				assert.NoError(t, s.AppendTurn(ctx, RoleUser, fmt.Sprintf("w%d-%d", w, i)))
			}
		}(w)
	}
	wg.Wait()

	n, err := s.HistoryLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, brt)

	pending, err := s.PendingTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	task, err := s.AddTask(ctx, "comprar leite", now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, task.ID)

	_, err = s.AddTask(ctx, "pagar conta", now)
	require.NoError(t, err)

	done, err := s.CompleteTask(ctx, task.ID, now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, done.Done)
	assert.Equal(t, "comprar leite", done.Text)

	_, err = s.CompleteTask(ctx, task.ID, now)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.CompleteTask(ctx, 99, now)
	assert.ErrorIs(t, err, ErrNotFound)

	pending, err = s.PendingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "pagar conta", pending[0].Text)

	today, err := s.TasksCompletedOn(ctx, Day(now))
	require.NoError(t, err)
	require.Len(t, today, 1)
	assert.Equal(t, "comprar leite", today[0].Text)
}

func TestWeekKey(t *testing.T) {
	cases := []struct {
		day  time.Time
		want string
	}{
		{time.Date(2026, 1, 5, 12, 0, 0, 0, brt), "2026-W01"},  // Monday
		{time.Date(2026, 1, 11, 12, 0, 0, 0, brt), "2026-W01"}, // Sunday of the same week
		{time.Date(2026, 1, 12, 0, 0, 0, 0, brt), "2026-W02"},
		{time.Date(2026, 3, 4, 0, 0, 0, 0, brt), "2026-W09"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, WeekKey(c.day), c.day.String())
	}
}

func TestGoals(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, brt)
	week := WeekKey(now)

	g, err := s.AddGoal(ctx, week, "correr 3x", now)
	require.NoError(t, err)
	_, err = s.AddGoal(ctx, "2020-W01", "old", now)
	require.NoError(t, err)

	goals, err := s.Goals(ctx, week)
	require.NoError(t, err)
	require.Len(t, goals, 1)
	assert.False(t, goals[0].Done)

	_, err = s.CompleteGoal(ctx, g.ID)
	require.NoError(t, err)
	goals, err = s.Goals(ctx, week)
	require.NoError(t, err)
	assert.True(t, goals[0].Done)

	_, err = s.CompleteGoal(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJournalMoodWorkoutFocus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 4, 21, 30, 0, 0, brt)
	day := Day(now)

	n, err := s.AddJournalEntry(ctx, now, "dia produtivo")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.AddJournalEntry(ctx, now.Add(time.Minute), "segunda nota")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := s.JournalEntries(ctx, day, day)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "21:30", entries[0].Clock)

	_, err = s.AddMood(ctx, now, 6, "")
	assert.Error(t, err)
	_, err = s.AddMood(ctx, now, 4, "ok")
	require.NoError(t, err)
	moods, err := s.Moods(ctx, day, day)
	require.NoError(t, err)
	require.Len(t, moods, 1)
	assert.Equal(t, 4, moods[0].Level)

	_, err = s.AddWorkout(ctx, now, "corrida")
	require.NoError(t, err)
	_, err = s.AddWorkout(ctx, now.AddDate(0, 0, -10), "musculacao")
	require.NoError(t, err)
	workouts, err := s.Workouts(ctx, Day(now.AddDate(0, 0, -6)), day)
	require.NoError(t, err)
	assert.Len(t, workouts, 1)

	_, err = s.AddFocusSession(ctx, now, "estudar", 25)
	require.NoError(t, err)
	focus, err := s.FocusSessions(ctx, day, day)
	require.NoError(t, err)
	require.Len(t, focus, 1)
	assert.Equal(t, 25, focus[0].Minutes)
}

func TestRemindersPersistInOrder(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	_, err = s.AddReminder(ctx, "agua", "09:00", "!room:a")
	require.NoError(t, err)
	_, err = s.AddReminder(ctx, "remedio", "21:15", "!room:b")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	active, err := s.ActiveReminders(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "agua", active[0].Kind)
	assert.Equal(t, "21:15", active[1].Clock)
	assert.Equal(t, "!room:b", active[1].Destination)

	n, err := s.ClearReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	active, err = s.ActiveReminders(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestReflectionsKeepNewest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.LatestReflection(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	for i := 1; i <= 5; i++ {
		_, err := s.SaveReflection(ctx, fmt.Sprintf("2026-03-0%d", i), fmt.Sprintf("resumo %d", i), 3)
		require.NoError(t, err)
	}

	all, err := s.Reflections(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	latest, err := s.LatestReflection(ctx)
	require.NoError(t, err)
	assert.Equal(t, "resumo 5", latest.Summary)
	require.Len(t, latest.Prior, 2)
	assert.Equal(t, "resumo 4", latest.Prior[0].Summary)

	// Evicted reflections leave the search index too.
	docs, err := s.SearchDocuments(ctx, "resumo", 10)
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestSearchDocuments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, brt)

	_, err := s.AddJournalEntry(ctx, now, "treinei na praia hoje")
	require.NoError(t, err)
	_, err = s.AddTask(ctx, "ligar para o dentista", now)
	require.NoError(t, err)

	docs, err := s.SearchDocuments(ctx, "dentista?", 5)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "task", docs[0].Kind)

	docs, err = s.SearchDocuments(ctx, `praia" OR (`, 5)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "journal", docs[0].Kind)

	docs, err = s.SearchDocuments(ctx, "   ", 5)
	require.NoError(t, err)
	assert.Empty(t, docs)

	refs, err := s.DocumentRefs(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	byID, err := s.DocumentsByIDs(ctx, []int64{refs[0].ID})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, ContentHash(byID[0].Content), refs[0].ContentHash)
}
