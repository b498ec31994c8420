package capability

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

func (t *Toolkit) memoryCapabilities() []Capability {
	return []Capability{
		{
			Name:        "buscar_memoria",
			Description: "Busca no historico pessoal: entradas do diario, reflexoes e tarefas.",
			Params: []Param{
				{Name: "query", Type: TypeString, Description: "o que procurar", Required: true},
				{Name: "limit", Type: TypeInteger, Description: "numero de resultados (padrao 5)"},
			},
			Func: t.searchMemory,
		},
	}
}

func (t *Toolkit) searchMemory(ctx context.Context, args Args) (string, error) {
	q := strings.TrimSpace(args.String("query"))
	if q == "" {
		return "", errors.New("query vazia")
	}
	limit := clampResults(args.Int("limit"))

	search := t.Store.SearchDocuments
	if t.Memory != nil {
		search = t.Memory.SearchMemory
	}
	docs, err := search(ctx, q, limit)
	if err != nil {
		return "", err
	}
	if len(docs) == 0 {
		return "Nada encontrado: " + q, nil
	}
	lines := make([]string, len(docs))
	for i, d := range docs {
		lines[i] = fmt.Sprintf("[%s %s] %s", d.Kind, d.CreatedAt.In(t.Location).Format("2006-01-02"), truncate(d.Content, 300))
	}
	return strings.Join(lines, "\n"), nil
}
