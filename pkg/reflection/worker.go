// Package reflection implements Iris's nightly reflection pass.
//
// Once a day the worker gathers the day's personal data (conversation,
// tasks, journal, mood, workouts, focus sessions, weekly goals), the
// previous reflection and optionally a few news headlines, asks the model
// for a structured synthesis and stores the result. The stored reflection
// is fed back into the next day's system prompt and briefing, giving the
// assistant durable cross-session context.
//
// A failed model call leaves no partial record: nothing is saved and the
// error is returned to the caller.
package reflection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/irislabs/iris/internal/llm"
	"github.com/irislabs/iris/pkg/store"
)

// Section headings the model is asked to produce, in order.
const (
	SectionSummary     = "RESUMO"
	SectionSuggestions = "SUGESTOES"
	SectionSystem      = "MELHORIA DO SISTEMA"
	SectionNewTasks    = "NOVAS TAREFAS"
)

var sections = []string{SectionSummary, SectionSuggestions, SectionSystem, SectionNewTasks}

// EventFunc is a callback for publishing reflection events.
// Parameters: level ("info" or "error"), message.
type EventFunc func(level, message string)

// Caller runs a capability by name. The worker uses it to fetch news.
type Caller interface {
	Call(ctx context.Context, name string, args map[string]any) string
}

// Notifier delivers the finished reflection.
type Notifier interface {
	Notify(ctx context.Context, destination, text string) error
}

// Report holds the results of a single reflection.
type Report struct {
	Day       string            `json:"day"`
	StartedAt time.Time         `json:"started_at"`
	Duration  string            `json:"duration"`
	Summary   string            `json:"summary"`
	Sections  map[string]string `json:"sections,omitempty"`
	Inputs    map[string]int    `json:"inputs"`
	Notified  bool              `json:"notified"`

	// Errors (non-fatal)
	Errors []string `json:"errors,omitempty"`
}

// Config holds reflection worker configuration.
type Config struct {
	Destination  string         // where the reflection is delivered; empty disables delivery
	Topics       []string       // news topics searched for context
	Keep         int            // reflection records retained (default 7)
	HistoryTurns int            // conversation turns included (default 20)
	MaxTokens    int            // default 1500
	Temperature  float64        // default 0.5
	Location     *time.Location // zone that defines "today"
	Clock        func() time.Time

	// ResolveDestination, when set, picks the destination at delivery time
	// and takes precedence over Destination.
	ResolveDestination func() string
}

// DefaultConfig returns sensible defaults for the reflection worker.
func DefaultConfig() Config {
	return Config{
		Keep:         7,
		HistoryTurns: 20,
		MaxTokens:    1500,
		Temperature:  0.5,
		Location:     time.Local,
	}
}

// Worker runs reflections. It is safe for concurrent use; overlapping
// calls to ReflectOnce are serialized.
type Worker struct {
	store    *store.Store
	model    llm.Provider
	caller   Caller
	notifier Notifier
	onEvent  EventFunc
	cfg      Config

	run        sync.Mutex
	mu         sync.RWMutex
	lastReport *Report
}

// NewWorker creates a reflection worker. caller and notifier may be nil.
func NewWorker(st *store.Store, model llm.Provider, caller Caller, notifier Notifier, onEvent EventFunc, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.Keep <= 0 {
		cfg.Keep = def.Keep
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = def.HistoryTurns
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = def.Temperature
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	return &Worker{
		store:    st,
		model:    model,
		caller:   caller,
		notifier: notifier,
		onEvent:  onEvent,
		cfg:      cfg,
	}
}

// Destination returns where reflections are delivered.
func (w *Worker) Destination() string {
	if w.cfg.ResolveDestination != nil {
		return w.cfg.ResolveDestination()
	}
	return w.cfg.Destination
}

// ReflectOnce runs a single reflection and stores it.
func (w *Worker) ReflectOnce(ctx context.Context) (*Report, error) {
	w.run.Lock()
	defer w.run.Unlock()

	start := time.Now()
	now := w.now()
	report := &Report{
		Day:       store.Day(now),
		StartedAt: start,
		Inputs:    map[string]int{},
	}
	w.emit("info", "reflection starting for "+report.Day)

	prompt := w.gather(ctx, now, report)

	resp, err := w.model.Complete(ctx, llm.CompletionRequest{
		System:      systemPrompt,
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		MaxTokens:   w.cfg.MaxTokens,
		Temperature: w.cfg.Temperature,
	})
	if err != nil {
		slog.Error("reflection model call failed", "day", report.Day, "error", err)
		w.emit("error", fmt.Sprintf("reflection failed: %v", err))
		return nil, fmt.Errorf("reflection model call: %w", err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		w.emit("error", "reflection failed: empty model response")
		return nil, errors.New("reflection model call: empty response")
	}
	report.Summary = summary
	report.Sections = ParseSections(summary)

	if _, err := w.store.SaveReflection(ctx, report.Day, summary, w.cfg.Keep); err != nil {
		w.emit("error", fmt.Sprintf("reflection not saved: %v", err))
		return nil, fmt.Errorf("save reflection: %w", err)
	}

	if dest := w.Destination(); w.notifier != nil && dest != "" {
		text := fmt.Sprintf("REFLEXAO NOTURNA %s\n\n%s", report.Day, summary)
		if err := w.notifier.Notify(ctx, dest, text); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("notify: %v", err))
			slog.Warn("reflection delivery failed", "destination", dest, "error", err)
		} else {
			report.Notified = true
		}
	}

	report.Duration = time.Since(start).Round(time.Millisecond).String()
	w.mu.Lock()
	w.lastReport = report
	w.mu.Unlock()

	w.logReport(report)
	return report, nil
}

// LastReport returns the most recent successful reflection report.
func (w *Worker) LastReport() *Report {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastReport
}

// gather builds the context the model reflects on. Read failures are
// recorded in the report and leave their section out.
func (w *Worker) gather(ctx context.Context, now time.Time, report *Report) string {
	today := store.Day(now)
	var b strings.Builder
	fmt.Fprintf(&b, "DATA: %s\n", now.Format("2006-01-02 (Monday) 15:04"))

	fail := func(what string, err error) {
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", what, err))
		slog.Warn("reflection input failed", "input", what, "error", err)
	}

	if turns, err := w.store.RecentTurns(ctx, w.cfg.HistoryTurns); err != nil {
		fail("history", err)
	} else if len(turns) > 0 {
		report.Inputs["turns"] = len(turns)
		b.WriteString("\nCONVERSA RECENTE:\n")
		for _, t := range turns {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, clip(t.Text, 300))
		}
	}

	if pending, err := w.store.PendingTasks(ctx); err != nil {
		fail("pending tasks", err)
	} else {
		report.Inputs["pending_tasks"] = len(pending)
		fmt.Fprintf(&b, "\nTAREFAS PENDENTES (%d):\n", len(pending))
		for _, t := range pending {
			fmt.Fprintf(&b, "- #%d %s\n", t.ID, t.Text)
		}
	}
	if done, err := w.store.TasksCompletedOn(ctx, today); err != nil {
		fail("completed tasks", err)
	} else {
		report.Inputs["completed_tasks"] = len(done)
		fmt.Fprintf(&b, "\nTAREFAS CONCLUIDAS HOJE (%d):\n", len(done))
		for _, t := range done {
			fmt.Fprintf(&b, "- %s\n", t.Text)
		}
	}

	if entries, err := w.store.JournalEntries(ctx, today, today); err != nil {
		fail("journal", err)
	} else if len(entries) > 0 {
		report.Inputs["journal"] = len(entries)
		b.WriteString("\nDIARIO:\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "[%s] %s\n", e.Clock, e.Text)
		}
	}

	if moods, err := w.store.Moods(ctx, today, today); err != nil {
		fail("mood", err)
	} else if len(moods) > 0 {
		report.Inputs["mood"] = len(moods)
		b.WriteString("\nHUMOR:\n")
		for _, m := range moods {
			fmt.Fprintf(&b, "%d/5 %s\n", m.Level, m.Note)
		}
	}

	if workouts, err := w.store.Workouts(ctx, today, today); err != nil {
		fail("workouts", err)
	} else if len(workouts) > 0 {
		report.Inputs["workouts"] = len(workouts)
		kinds := make([]string, len(workouts))
		for i, wk := range workouts {
			kinds[i] = wk.Kind
		}
		fmt.Fprintf(&b, "\nTREINOS: %s\n", strings.Join(kinds, ", "))
	}

	if focus, err := w.store.FocusSessions(ctx, today, today); err != nil {
		fail("focus", err)
	} else if len(focus) > 0 {
		report.Inputs["focus"] = len(focus)
		total := 0
		for _, f := range focus {
			total += f.Minutes
		}
		fmt.Fprintf(&b, "\nPOMODOROS: %d (%d min)\n", len(focus), total)
	}

	if goals, err := w.store.Goals(ctx, store.WeekKey(now)); err != nil {
		fail("goals", err)
	} else if len(goals) > 0 {
		report.Inputs["goals"] = len(goals)
		b.WriteString("\nMETAS DA SEMANA:\n")
		for _, g := range goals {
			mark := "..."
			if g.Done {
				mark = "OK"
			}
			fmt.Fprintf(&b, "[%s] %s\n", mark, g.Text)
		}
	}

	prior, err := w.store.LatestReflection(ctx)
	switch {
	case err == nil:
		report.Inputs["prior_reflection"] = 1
		fmt.Fprintf(&b, "\nREFLEXAO ANTERIOR (%s):\n%s\n", prior.Day, clip(prior.Summary, 1500))
	case !errors.Is(err, store.ErrNotFound):
		fail("prior reflection", err)
	}

	if w.caller != nil && len(w.cfg.Topics) > 0 {
		b.WriteString("\nNOTICIAS:\n")
		for _, topic := range w.cfg.Topics {
			out := w.caller.Call(ctx, "buscar_noticias", map[string]any{"query": topic, "max": 3})
			if strings.HasPrefix(out, "ERROR:") {
				fail("news "+topic, errors.New(out))
				continue
			}
			report.Inputs["news_topics"]++
			fmt.Fprintf(&b, "# %s\n%s\n", topic, out)
		}
	}
	return b.String()
}

// ParseSections splits a reflection into its headed sections. Text before
// the first heading and unknown headings are ignored.
func ParseSections(text string) map[string]string {
	out := map[string]string{}
	current := ""
	var body []string
	flush := func() {
		if current != "" {
			out[current] = strings.TrimSpace(strings.Join(body, "\n"))
		}
		body = body[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		if h, rest, ok := heading(line); ok {
			flush()
			current = h
			if rest != "" {
				body = append(body, rest)
			}
			continue
		}
		if current != "" {
			body = append(body, line)
		}
	}
	flush()
	return out
}

// heading recognizes "RESUMO:", "## RESUMO", "**RESUMO**" and similar.
func heading(line string) (name, rest string, ok bool) {
	s := strings.TrimLeft(strings.TrimSpace(line), "#* ")
	for _, h := range sections {
		if len(s) < len(h) || !strings.EqualFold(s[:len(h)], h) {
			continue
		}
		tail := s[len(h):]
		if tail != "" && !strings.ContainsRune(":* ", rune(tail[0])) {
			continue
		}
		return h, strings.TrimSpace(strings.TrimLeft(tail, "*: ")), true
	}
	return "", "", false
}

func (w *Worker) now() time.Time {
	if w.cfg.Clock != nil {
		return w.cfg.Clock().In(w.cfg.Location)
	}
	return time.Now().In(w.cfg.Location)
}

func (w *Worker) logReport(report *Report) {
	summary := fmt.Sprintf("reflection %s complete (%s): %d sections", report.Day, report.Duration, len(report.Sections))
	if len(report.Errors) > 0 {
		summary += fmt.Sprintf(", %d errors", len(report.Errors))
	}
	slog.Info("reflection complete",
		"day", report.Day,
		"duration", report.Duration,
		"sections", len(report.Sections),
		"notified", report.Notified,
		"errors", len(report.Errors),
	)
	w.emit("info", summary)
}

// emit publishes an event if the callback is set.
func (w *Worker) emit(level, message string) {
	if w.onEvent != nil {
		w.onEvent(level, message)
	}
}

// clip shortens s to n runes, adding "..." if clipped.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

const systemPrompt = `Voce e a IRIS fazendo a reflexao noturna do dia do usuario.
Analise os dados abaixo e responda em portugues, texto simples, com exatamente estas secoes:

RESUMO: como foi o dia em 3 a 5 frases (tarefas, humor, energia, treinos, foco).
SUGESTOES: 2 a 4 sugestoes concretas para amanha.
MELHORIA DO SISTEMA: uma ideia para a propria IRIS ajudar melhor.
NOVAS TAREFAS: tarefas sugeridas, uma por linha comecando com "- ", ou "nenhuma".

Seja direta, gentil e especifica. Nao invente dados que nao estao no contexto.`
