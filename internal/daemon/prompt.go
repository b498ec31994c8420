package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/irislabs/iris/pkg/store"
)

// systemInstructions primes the chat model for mobile messaging in Portuguese.
const systemInstructions = `Voce e Iris, assistente pessoal persistente conversando pelo Matrix (chat no celular).

Regras de comportamento:
- Responda em portugues, de forma curta e natural. Isto e chat, nao um relatorio.
- Sem titulos markdown e sem blocos de codigo, a menos que pecam.
- Voce tem memoria persistente: tarefas, metas, diario, humor, treinos, lembretes e reflexoes noturnas.

Uso de ferramentas:
- Voce tem ferramentas para dados reais. USE-AS em vez de adivinhar.
- Noticias, versoes, precos, fatos atuais: buscar_web, buscar_noticias ou ler_url.
- Pedidos de organizacao (tarefas, metas, diario, humor, treino, pomodoro, lembretes): use a ferramenta correspondente e confirme o que foi feito.
- Perguntas sobre o passado do usuario: buscar_memoria.
- Imagens: gerar_imagem. A imagem e enviada automaticamente, apenas comente o resultado.
- Se uma ferramenta retornar ERROR, explique o problema em poucas palavras e siga em frente.
- NUNCA invente numeros, links ou resultados.`

var weekdays = [...]string{"domingo", "segunda-feira", "terca-feira", "quarta-feira", "quinta-feira", "sexta-feira", "sabado"}

// buildSystemPrompt assembles the fixed instructions, the local date and
// time and the most recent reflection.
func buildSystemPrompt(ctx context.Context, st *store.Store, now time.Time) string {
	var b strings.Builder
	b.WriteString(systemInstructions)
	fmt.Fprintf(&b, "\n\nAgora: %s, %s.", weekdays[now.Weekday()], now.Format("02/01/2006 15:04"))

	if st == nil {
		return b.String()
	}
	ref, err := st.LatestReflection(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		slog.Warn("latest reflection unavailable", "error", err)
	default:
		fmt.Fprintf(&b, "\n\nUltima reflexao (%s):\n%s", ref.Day, clip(ref.Summary, 1500))
	}
	return b.String()
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
