package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/irislabs/iris/pkg/scheduler"
	"github.com/irislabs/iris/pkg/store"
)

// PurposeReminder is the scheduler purpose of daily reminder jobs.
const PurposeReminder = "reminder"

var reminderMessages = map[string]string{
	"agua":      "Hora de beber agua!",
	"remedio":   "Hora do remedio!",
	"treino":    "Hora do treino!",
	"diario":    "Que tal escrever no diario?",
	"pausa":     "Faca uma pausa e alongue-se.",
	"dormir":    "Hora de se preparar para dormir.",
	"meditacao": "Hora de meditar.",
}

func reminderMessage(kind string) string {
	if msg, ok := reminderMessages[strings.ToLower(kind)]; ok {
		return msg
	}
	return "Lembrete: " + kind
}

func (t *Toolkit) reminderCapabilities() []Capability {
	return []Capability{
		{
			Name:        "criar_lembrete",
			Description: "Cria um lembrete diario. Tipos comuns: agua, remedio, treino, diario, pausa, dormir, meditacao.",
			Params: []Param{
				{Name: "tipo", Type: TypeString, Description: "tipo do lembrete", Required: true},
				{Name: "hora", Type: TypeString, Description: "horario HH:MM (24h)", Required: true},
			},
			Func: t.createReminder,
		},
		{Name: "ver_lembretes", Description: "Lista os lembretes diarios ativos.", Func: t.listReminders},
		{Name: "limpar_lembretes", Description: "Remove todos os lembretes diarios.", Func: t.clearReminders},
	}
}

func reminderKey(r store.Reminder) scheduler.JobKey {
	return scheduler.JobKey{Destination: r.Destination, Purpose: PurposeReminder, Name: r.Kind + "@" + r.Clock}
}

func (t *Toolkit) reminderJob(r store.Reminder) scheduler.Func {
	msg := reminderMessage(r.Kind)
	dest := r.Destination
	return func(ctx context.Context) error {
		return t.notify(ctx, dest, msg)
	}
}

func (t *Toolkit) scheduleReminder(r store.Reminder) error {
	return t.Scheduler.ScheduleDaily(reminderKey(r), r.Clock, t.reminderJob(r))
}

func (t *Toolkit) createReminder(ctx context.Context, args Args) (string, error) {
	kind := strings.ToLower(strings.TrimSpace(args.String("tipo")))
	if kind == "" {
		return "", errors.New("tipo do lembrete vazio")
	}
	h, m, err := scheduler.ParseClock(args.String("hora"))
	if err != nil {
		return "", err
	}
	clock := fmt.Sprintf("%02d:%02d", h, m)
	dest := t.destination(ctx)
	if dest == "" {
		return "", errors.New("lembrete sem destino")
	}

	r, err := t.Store.AddReminder(ctx, kind, clock, dest)
	if err != nil {
		return "", err
	}
	if err := t.scheduleReminder(r); err != nil {
		return "", err
	}
	return fmt.Sprintf("Lembrete diario: %s as %s", kind, clock), nil
}

func (t *Toolkit) listReminders(ctx context.Context, _ Args) (string, error) {
	active, err := t.Store.ActiveReminders(ctx)
	if err != nil {
		return "", err
	}
	if len(active) == 0 {
		return "Nenhum lembrete ativo.", nil
	}
	lines := make([]string, len(active))
	for i, r := range active {
		lines[i] = fmt.Sprintf("- %s as %s", r.Kind, r.Clock)
	}
	return strings.Join(lines, "\n"), nil
}

func (t *Toolkit) clearReminders(ctx context.Context, _ Args) (string, error) {
	n, err := t.Store.ClearReminders(ctx)
	if err != nil {
		return "", err
	}
	t.Scheduler.CancelPurpose(PurposeReminder)
	return fmt.Sprintf("%d lembrete(s) removido(s).", n), nil
}

// RestoreReminders registers a daily job for every active reminder, in
// stored order. Records that cannot be scheduled are skipped. It returns
// how many were restored.
func (t *Toolkit) RestoreReminders(ctx context.Context) (int, error) {
	if t.Store == nil || t.Scheduler == nil {
		return 0, nil
	}
	active, err := t.Store.ActiveReminders(ctx)
	if err != nil {
		return 0, fmt.Errorf("load reminders: %w", err)
	}
	restored := 0
	for _, r := range active {
		if r.Destination == "" {
			slog.Warn("skipping reminder without destination", "id", r.ID, "kind", r.Kind)
			continue
		}
		if err := t.scheduleReminder(r); err != nil {
			slog.Warn("skipping malformed reminder", "id", r.ID, "kind", r.Kind, "time", r.Clock, "error", err)
			continue
		}
		restored++
	}
	slog.Info("reminders restored", "restored", restored, "total", len(active))
	return restored, nil
}
