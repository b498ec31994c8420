package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/irislabs/iris/internal/capability"
	"github.com/irislabs/iris/internal/llm"
	"github.com/irislabs/iris/pkg/store"
)

// ExhaustedText is the reply when the round budget runs out.
const ExhaustedText = "Processamento muito longo, tente novamente."

// toolDispatcher runs capability calls for the agent.
type toolDispatcher interface {
	Dispatch(ctx context.Context, call capability.Call) capability.Result
	Definitions() []llm.ToolDefinition
}

// AgentOptions bounds a single turn.
type AgentOptions struct {
	MaxRounds    int
	MaxTokens    int
	Temperature  float64
	HistoryTurns int
	Location     *time.Location
	Clock        func() time.Time
}

// Reply is the outcome of one turn.
type Reply struct {
	Text      string
	Artifacts []capability.Artifact
	Rounds    int
	Exhausted bool
}

// Agent runs the orchestration loop: model rounds interleaved with
// capability calls, bounded by MaxRounds. Turns are serialized.
type Agent struct {
	store      *store.Store
	model      llm.ToolProvider
	dispatcher toolDispatcher
	opts       AgentOptions

	mu sync.Mutex
}

// NewAgent creates an agent.
func NewAgent(st *store.Store, model llm.ToolProvider, dispatcher toolDispatcher, opts AgentOptions) *Agent {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 8
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4000
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Agent{store: st, model: model, dispatcher: dispatcher, opts: opts}
}

// Turn handles one inbound message from destination. Only the user message
// and the final answer reach the history; the tool exchange stays in the
// turn. A model failure aborts the turn with an error.
func (a *Agent) Turn(ctx context.Context, destination, text string) (*Reply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.store.AppendTurn(ctx, store.RoleUser, text); err != nil {
		return nil, fmt.Errorf("record user turn: %w", err)
	}
	turns, err := a.store.RecentTurns(ctx, a.opts.HistoryTurns)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	// The stored copy of the message is truncated; the model gets it whole.
	if n := len(turns); n > 0 && turns[n-1].Role == store.RoleUser {
		turns[n-1].Text = text
	}

	req := llm.CompletionRequest{
		System:      buildSystemPrompt(ctx, a.store, a.opts.Clock().In(a.opts.Location)),
		Messages:    historyMessages(turns),
		MaxTokens:   a.opts.MaxTokens,
		Temperature: a.opts.Temperature,
	}
	tools := a.dispatcher.Definitions()
	callCtx := capability.WithDestination(ctx, destination)

	var (
		exchange  []llm.ToolMessage
		artifacts []capability.Artifact
	)
	for round := 1; round <= a.opts.MaxRounds; round++ {
		resp, err := a.model.CompleteWithTools(ctx, req, tools, exchange)
		if err != nil {
			return nil, fmt.Errorf("model round %d: %w", round, err)
		}

		if len(resp.ToolCalls) == 0 {
			answer := capability.StripArtifacts(resp.Content)
			if err := a.store.AppendTurn(ctx, store.RoleAssistant, answer); err != nil {
				slog.Warn("failed to record assistant turn", "error", err)
			}
			slog.Info("turn complete",
				"destination", destination,
				"rounds", round,
				"artifacts", len(artifacts),
				"input_tokens", resp.InputTokens,
				"output_tokens", resp.OutputTokens,
			)
			return &Reply{Text: answer, Artifacts: artifacts, Rounds: round}, nil
		}

		calls := make([]llm.ToolCall, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			if tc.ID == "" {
				tc.ID = "call_" + uuid.NewString()
			}
			calls[i] = tc
		}
		exchange = append(exchange, llm.AssistantToolUse(resp.Content, calls))

		results := make([]llm.ToolResult, 0, len(calls))
		for _, tc := range calls {
			res := a.dispatcher.Dispatch(callCtx, capability.Call{ID: tc.ID, Name: tc.Name, Input: tc.Input})
			if res.Artifact != nil {
				artifacts = append(artifacts, *res.Artifact)
			}
			results = append(results, res.ToolResult())
		}
		exchange = append(exchange, llm.UserToolResults(results))
	}

	slog.Warn("round budget exhausted", "destination", destination, "rounds", a.opts.MaxRounds)
	return &Reply{Text: ExhaustedText, Artifacts: artifacts, Rounds: a.opts.MaxRounds, Exhausted: true}, nil
}

// historyMessages converts stored turns into model messages. Consecutive
// turns of one role are merged and the list starts with a user message.
func historyMessages(turns []store.Turn) []llm.Message {
	var msgs []llm.Message
	for _, t := range turns {
		if len(msgs) == 0 && t.Role != store.RoleUser {
			continue
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == t.Role {
			msgs[n-1].Content += "\n\n" + t.Text
			continue
		}
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Text})
	}
	return msgs
}
