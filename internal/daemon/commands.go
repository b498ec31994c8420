package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/irislabs/iris/pkg/store"
)

const helpText = `IRIS - assistente pessoal

Fale normalmente. Eu organizo tarefas, metas, diario, humor, treinos,
pomodoros e lembretes, pesquiso na web, leio links, consulto o GitHub,
gero imagens e rodo codigo no workspace.

Exemplos:
  adiciona tarefa comprar leite
  me lembra de beber agua as 15:00
  pomodoro de 25 minutos para o relatorio
  gera uma imagem de um farol ao por do sol

Comandos: /status /limpar /refletir`

// command handles slash commands. ok is false when text is not a command
// and should go to the agent.
func (d *Daemon) command(ctx context.Context, text string) (reply string, ok bool, err error) {
	if !strings.HasPrefix(text, "/") {
		return "", false, nil
	}
	name := strings.Fields(text)[0]
	switch strings.ToLower(name) {
	case "/start", "/ajuda", "/help":
		return helpText, true, nil
	case "/limpar":
		if err := d.store.ClearHistory(ctx); err != nil {
			return "", true, fmt.Errorf("clear history: %w", err)
		}
		return "Historico limpo.", true, nil
	case "/status":
		return d.statusText(ctx), true, nil
	case "/refletir":
		report, err := d.reflector.ReflectOnce(ctx)
		if err != nil {
			return "", true, err
		}
		return fmt.Sprintf("REFLEXAO %s\n\n%s", report.Day, report.Summary), true, nil
	}
	return "", false, nil
}

func (d *Daemon) statusText(ctx context.Context) string {
	now := time.Now().In(d.config.Location())
	var b strings.Builder
	fmt.Fprintf(&b, "IRIS - %s\n\n", now.Format("02/01 15:04"))
	fmt.Fprintf(&b, "Online ha %s\n", time.Since(d.startedAt).Round(time.Second))

	if n, err := d.store.HistoryLen(ctx); err == nil {
		fmt.Fprintf(&b, "Historico: %d/%d turnos\n", n, d.store.HistoryCapacity())
	}
	stats := d.store.Stats()
	fmt.Fprintf(&b, "Tarefas: %d | Diario: %d | Lembretes: %d\n", stats.Tasks, stats.Journal, stats.Reminders)

	jobs := d.scheduler.Jobs()
	fmt.Fprintf(&b, "Jobs agendados: %d\n", len(jobs))
	for _, j := range jobs {
		fmt.Fprintf(&b, "  %s (%s) %s\n", j.Key, j.Kind, j.Next.In(d.config.Location()).Format("02/01 15:04"))
	}

	ref, err := d.store.LatestReflection(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		b.WriteString("Ultima reflexao: nenhuma\n")
	case err == nil:
		fmt.Fprintf(&b, "Ultima reflexao: %s\n", ref.Day)
	}
	fmt.Fprintf(&b, "Memoria: %s\n", d.memory.method())
	return strings.TrimRight(b.String(), "\n")
}
