package capability

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/irislabs/iris/pkg/store"
)

var moodLabels = []string{"", "pessimo", "ruim", "neutro", "bom", "otimo"}

func (t *Toolkit) productivityCapabilities() []Capability {
	text := func(desc string) []Param {
		return []Param{{Name: "texto", Type: TypeString, Description: desc, Required: true}}
	}
	id := []Param{{Name: "id", Type: TypeInteger, Description: "numero do item", Required: true}}

	return []Capability{
		{Name: "adicionar_tarefa", Description: "Adiciona uma tarefa pendente.", Params: text("descricao da tarefa"), Func: t.addTask},
		{Name: "ver_tarefas", Description: "Lista tarefas pendentes e concluidas hoje.", Func: t.listTasks},
		{Name: "concluir_tarefa", Description: "Marca uma tarefa como concluida.", Params: id, Func: t.completeTask},
		{Name: "adicionar_meta", Description: "Adiciona uma meta para a semana atual.", Params: text("descricao da meta"), Func: t.addGoal},
		{Name: "ver_metas", Description: "Lista as metas da semana.", Func: t.listGoals},
		{Name: "concluir_meta", Description: "Marca uma meta semanal como concluida.", Params: id, Func: t.completeGoal},
		{Name: "escrever_diario", Description: "Registra uma entrada no diario de hoje.", Params: text("texto da entrada"), Func: t.addJournal},
		{Name: "ver_diario", Description: "Mostra o diario de hoje.", Func: t.viewJournal},
		{
			Name:        "registrar_treino",
			Description: "Registra um treino/exercicio.",
			Params:      []Param{{Name: "tipo", Type: TypeString, Description: "tipo de treino", Required: true}},
			Func:        t.logWorkout,
		},
		{
			Name:        "registrar_humor",
			Description: "Registra o humor de 1 (pessimo) a 5 (otimo).",
			Params: []Param{
				{Name: "nivel", Type: TypeInteger, Description: "1 a 5", Required: true},
				{Name: "nota", Type: TypeString, Description: "observacao opcional"},
			},
			Func: t.logMood,
		},
		{Name: "dashboard", Description: "Resumo do dia: diario, tarefas, pomodoros, treinos, humor e metas.", Func: t.dashboard},
		{Name: "briefing", Description: "Briefing: tarefas, metas e a ultima reflexao noturna.", Func: t.briefing},
		{Name: "revisao_semanal", Description: "Contexto dos ultimos 7 dias para uma revisao semanal.", Func: t.weeklyReview},
	}
}

func (t *Toolkit) addTask(ctx context.Context, args Args) (string, error) {
	texto := strings.TrimSpace(args.String("texto"))
	if texto == "" {
		return "", errors.New("texto da tarefa vazio")
	}
	task, err := t.Store.AddTask(ctx, texto, t.now())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Tarefa #%d: %s", task.ID, texto), nil
}

func (t *Toolkit) listTasks(ctx context.Context, _ Args) (string, error) {
	return t.tasksText(ctx)
}

func (t *Toolkit) tasksText(ctx context.Context) (string, error) {
	pending, err := t.Store.PendingTasks(ctx)
	if err != nil {
		return "", err
	}
	done, err := t.Store.TasksCompletedOn(ctx, store.Day(t.now()))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if len(pending) > 0 {
		b.WriteString("PENDENTES:")
		for _, task := range pending {
			fmt.Fprintf(&b, "\n  #%d %s", task.ID, task.Text)
		}
	}
	if len(done) > 0 {
		fmt.Fprintf(&b, "\nHOJE (%d):", len(done))
		for _, task := range done {
			fmt.Fprintf(&b, "\n  #%d %s", task.ID, task.Text)
		}
	}
	if b.Len() == 0 {
		return "Nenhuma tarefa.", nil
	}
	return strings.TrimPrefix(b.String(), "\n"), nil
}

func (t *Toolkit) completeTask(ctx context.Context, args Args) (string, error) {
	id := args.Int("id")
	task, err := t.Store.CompleteTask(ctx, int64(id), t.now())
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Sprintf("#%d nao encontrada.", id), nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("#%d concluida: %s", id, task.Text), nil
}

func (t *Toolkit) addGoal(ctx context.Context, args Args) (string, error) {
	texto := strings.TrimSpace(args.String("texto"))
	if texto == "" {
		return "", errors.New("texto da meta vazio")
	}
	now := t.now()
	if _, err := t.Store.AddGoal(ctx, store.WeekKey(now), texto, now); err != nil {
		return "", err
	}
	return "Meta semanal: " + texto, nil
}

func (t *Toolkit) listGoals(ctx context.Context, _ Args) (string, error) {
	return t.goalsText(ctx)
}

func (t *Toolkit) goalsText(ctx context.Context) (string, error) {
	goals, err := t.Store.Goals(ctx, store.WeekKey(t.now()))
	if err != nil {
		return "", err
	}
	if len(goals) == 0 {
		return "Sem metas esta semana.", nil
	}
	lines := make([]string, len(goals))
	for i, g := range goals {
		mark := "..."
		if g.Done {
			mark = "OK"
		}
		lines[i] = fmt.Sprintf("  %d. [%s] %s (#%d)", i+1, mark, g.Text, g.ID)
	}
	return strings.Join(lines, "\n"), nil
}

func (t *Toolkit) completeGoal(ctx context.Context, args Args) (string, error) {
	id := args.Int("id")
	g, err := t.Store.CompleteGoal(ctx, int64(id))
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Sprintf("Meta #%d nao encontrada.", id), nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Meta #%d concluida: %s", id, g.Text), nil
}

func (t *Toolkit) addJournal(ctx context.Context, args Args) (string, error) {
	texto := strings.TrimSpace(args.String("texto"))
	if texto == "" {
		return "", errors.New("texto do diario vazio")
	}
	n, err := t.Store.AddJournalEntry(ctx, t.now(), texto)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Diario registrado (%da entrada)", n), nil
}

func (t *Toolkit) viewJournal(ctx context.Context, _ Args) (string, error) {
	today := store.Day(t.now())
	entries, err := t.Store.JournalEntries(ctx, today, today)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "Diario vazio hoje.", nil
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = fmt.Sprintf("[%s] %s", e.Clock, e.Text)
	}
	return strings.Join(lines, "\n"), nil
}

func (t *Toolkit) logWorkout(ctx context.Context, args Args) (string, error) {
	tipo := strings.TrimSpace(args.String("tipo"))
	if tipo == "" {
		return "", errors.New("tipo de treino vazio")
	}
	now := t.now()
	if _, err := t.Store.AddWorkout(ctx, now, tipo); err != nil {
		return "", err
	}
	week, err := t.Store.Workouts(ctx, store.Day(now.AddDate(0, 0, -6)), store.Day(now))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Treino: %s. Semana: %d sessao(es)", tipo, len(week)), nil
}

func (t *Toolkit) logMood(ctx context.Context, args Args) (string, error) {
	nivel := args.Int("nivel")
	if nivel < 1 || nivel > 5 {
		return "", fmt.Errorf("nivel de humor deve ser de 1 a 5, recebido %d", nivel)
	}
	nota := strings.TrimSpace(args.String("nota"))
	if _, err := t.Store.AddMood(ctx, t.now(), nivel, nota); err != nil {
		return "", err
	}
	return strings.TrimSpace(fmt.Sprintf("Humor: %d/5 (%s) %s", nivel, moodLabels[nivel], nota)), nil
}

func (t *Toolkit) dashboard(ctx context.Context, _ Args) (string, error) {
	now := t.now()
	today := store.Day(now)

	journal, err := t.Store.JournalEntries(ctx, today, today)
	if err != nil {
		return "", err
	}
	pending, err := t.Store.PendingTasks(ctx)
	if err != nil {
		return "", err
	}
	done, err := t.Store.TasksCompletedOn(ctx, today)
	if err != nil {
		return "", err
	}
	focus, err := t.Store.FocusSessions(ctx, today, today)
	if err != nil {
		return "", err
	}
	workouts, err := t.Store.Workouts(ctx, today, today)
	if err != nil {
		return "", err
	}
	moods, err := t.Store.Moods(ctx, today, today)
	if err != nil {
		return "", err
	}
	goals, err := t.Store.Goals(ctx, store.WeekKey(now))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "DASHBOARD %s\n", today)
	fmt.Fprintf(&b, "Diario: %d entradas\n", len(journal))
	fmt.Fprintf(&b, "Tarefas: %d feitas / %d pendentes\n", len(done), len(pending))
	for i, task := range pending {
		if i == 5 {
			break
		}
		fmt.Fprintf(&b, "  #%d %s\n", task.ID, truncate(task.Text, 40))
	}
	fmt.Fprintf(&b, "Pomodoros: %d\n", len(focus))
	fmt.Fprintf(&b, "Treino: %d\n", len(workouts))
	if len(moods) > 0 {
		last := moods[len(moods)-1]
		fmt.Fprintf(&b, "Humor: %d/5 %s\n", last.Level, last.Note)
	}
	if len(goals) > 0 {
		ok := 0
		for _, g := range goals {
			if g.Done {
				ok++
			}
		}
		fmt.Fprintf(&b, "Metas: %d/%d\n", ok, len(goals))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (t *Toolkit) briefing(ctx context.Context, _ Args) (string, error) {
	tasks, err := t.tasksText(ctx)
	if err != nil {
		return "", err
	}
	goals, err := t.goalsText(ctx)
	if err != nil {
		return "", err
	}
	reflection := "(nenhuma ainda)"
	r, err := t.Store.LatestReflection(ctx)
	switch {
	case err == nil:
		reflection = fmt.Sprintf("%s\n%s", r.Day, r.Summary)
	case !errors.Is(err, store.ErrNotFound):
		return "", err
	}
	return fmt.Sprintf("DATA: %s\n\nTAREFAS:\n%s\n\nMETAS:\n%s\n\nREFLEXAO NOTURNA:\n%s",
		t.now().Format("2006-01-02 15:04"), tasks, goals, reflection), nil
}

func (t *Toolkit) weeklyReview(ctx context.Context, _ Args) (string, error) {
	now := t.now()
	from, to := store.Day(now.AddDate(0, 0, -6)), store.Day(now)

	var b strings.Builder
	journal, err := t.Store.JournalEntries(ctx, from, to)
	if err != nil {
		return "", err
	}
	for _, e := range journal {
		fmt.Fprintf(&b, "DIARIO %s: %s\n", e.Day, truncate(e.Text, 150))
	}

	for d := 6; d >= 0; d-- {
		day := store.Day(now.AddDate(0, 0, -d))
		done, err := t.Store.TasksCompletedOn(ctx, day)
		if err != nil {
			return "", err
		}
		for _, task := range done {
			fmt.Fprintf(&b, "TAREFA OK: %s\n", task.Text)
		}
	}
	pending, err := t.Store.PendingTasks(ctx)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "PENDENTES: %d\n", len(pending))

	focus, err := t.Store.FocusSessions(ctx, from, to)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "POMODOROS: %d\n", len(focus))

	workouts, err := t.Store.Workouts(ctx, from, to)
	if err != nil {
		return "", err
	}
	for _, w := range workouts {
		fmt.Fprintf(&b, "TREINO %s: %s\n", w.Day, w.Kind)
	}
	moods, err := t.Store.Moods(ctx, from, to)
	if err != nil {
		return "", err
	}
	for _, m := range moods {
		fmt.Fprintf(&b, "HUMOR %s: %d/5 %s\n", m.Day, m.Level, m.Note)
	}

	goals, err := t.Store.Goals(ctx, store.WeekKey(now))
	if err != nil {
		return "", err
	}
	for _, g := range goals {
		mark := "..."
		if g.Done {
			mark = "OK"
		}
		fmt.Fprintf(&b, "META [%s]: %s\n", mark, g.Text)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
