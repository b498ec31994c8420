package capability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/irislabs/iris/pkg/scheduler"
)

const (
	purposeFocus     = "focus"
	defaultFocusMins = 25
	maxFocusMins     = 180
)

func (t *Toolkit) timerCapabilities() []Capability {
	return []Capability{
		{
			Name:        "iniciar_pomodoro",
			Description: "Inicia um pomodoro (timer de foco). Substitui o pomodoro em andamento.",
			Params: []Param{
				{Name: "minutos", Type: TypeInteger, Description: "duracao em minutos (padrao 25)"},
				{Name: "tarefa", Type: TypeString, Description: "no que vai focar"},
			},
			Func: t.startFocus,
		},
		{
			Name:        "cancelar_pomodoro",
			Description: "Cancela o pomodoro em andamento.",
			Func:        t.cancelFocus,
		},
	}
}

func (t *Toolkit) startFocus(ctx context.Context, args Args) (string, error) {
	minutes := args.Int("minutos")
	if minutes <= 0 {
		minutes = defaultFocusMins
	}
	if minutes > maxFocusMins {
		return "", fmt.Errorf("pomodoro de no maximo %d minutos", maxFocusMins)
	}
	task := strings.TrimSpace(args.String("tarefa"))
	if task == "" {
		task = "foco"
	}
	dest := t.destination(ctx)
	key := scheduler.JobKey{Destination: dest, Purpose: purposeFocus}

	if err := t.Scheduler.ScheduleOnce(key, time.Duration(minutes)*time.Minute, t.focusJob(dest, task, minutes)); err != nil {
		return "", err
	}
	end := t.now().Add(time.Duration(minutes) * time.Minute)
	return fmt.Sprintf("Pomodoro iniciado: %s (%d min, ate %s)", task, minutes, end.Format("15:04")), nil
}

// focusJob records the finished session and tells the user to take a break.
func (t *Toolkit) focusJob(dest, task string, minutes int) scheduler.Func {
	return func(ctx context.Context) error {
		if _, err := t.Store.AddFocusSession(ctx, t.now(), task, minutes); err != nil {
			slog.Warn("record focus session failed", "error", err)
		}
		return t.notify(ctx, dest, fmt.Sprintf("Pomodoro concluido: %s (%d min). Hora de uma pausa!", task, minutes))
	}
}

func (t *Toolkit) cancelFocus(ctx context.Context, _ Args) (string, error) {
	key := scheduler.JobKey{Destination: t.destination(ctx), Purpose: purposeFocus}
	if !t.Scheduler.Cancel(key) {
		return "Nenhum pomodoro em andamento.", nil
	}
	return "Pomodoro cancelado.", nil
}
