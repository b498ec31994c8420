// Package daemon implements the Iris daemon: the long-running process that
// receives messages from Matrix and the workspace API, runs them through
// the agent, and drives scheduled jobs and the nightly reflection.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/irislabs/iris/internal/capability"
	"github.com/irislabs/iris/internal/channel/matrix"
	"github.com/irislabs/iris/internal/llm"
	"github.com/irislabs/iris/pkg/channel"
	"github.com/irislabs/iris/pkg/events"
	"github.com/irislabs/iris/pkg/reflection"
	"github.com/irislabs/iris/pkg/scheduler"
	"github.com/irislabs/iris/pkg/store"
)

// WorkspaceDestination is the destination of turns from the workspace API.
// Notifications addressed to it only reach the event stream.
const WorkspaceDestination = "workspace"

// Daemon is the main Iris process. It owns every long-lived component and
// is built once at startup.
type Daemon struct {
	config *Config

	store      *store.Store
	scheduler  *scheduler.Scheduler
	events     *events.Bus
	toolkit    *capability.Toolkit
	dispatcher *capability.Dispatcher
	agent      *Agent
	reflector  *reflection.Worker
	memory     *memory
	matrix     *matrix.Channel // nil when Matrix is not configured
	http       *http.Client

	startedAt time.Time
	healthy   atomic.Bool
}

// New builds the daemon: store, scheduler, model providers, capabilities,
// agent, reflection worker and transports.
func New(cfg *Config) (*Daemon, error) {
	router, err := buildRouter(cfg.LLM)
	if err != nil {
		return nil, err
	}
	chat, err := router.ResolveTools(llm.TierFast)
	if err != nil {
		return nil, fmt.Errorf("chat model: %w", err)
	}
	deep := router.Resolve(llm.TierDeep)

	st, err := store.Open(cfg.DataDir, store.WithHistoryCapacity(cfg.Agent.HistoryCapacity))
	if err != nil {
		return nil, err
	}
	d, err := assemble(cfg, st, chat, deep)
	if err != nil {
		st.Close()
		return nil, err
	}
	return d, nil
}

// assemble wires the components around an open store and resolved models.
func assemble(cfg *Config, st *store.Store, chat llm.ToolProvider, deep llm.Provider) (*Daemon, error) {
	loc := cfg.Location()
	d := &Daemon{
		config:    cfg,
		store:     st,
		events:    events.NewBus(),
		http:      &http.Client{Timeout: 30 * time.Second},
		startedAt: time.Now(),
	}
	d.scheduler = scheduler.New(scheduler.Config{Location: loc, JobTimeout: 10 * time.Minute})
	d.memory = newMemory(st, cfg.Embeddings)

	if cfg.Matrix.Password != "" {
		d.matrix = matrix.New(matrix.Config{
			Homeserver:   cfg.Matrix.Homeserver,
			UserID:       cfg.Matrix.UserID,
			Password:     cfg.Matrix.Password,
			ServerName:   cfg.Matrix.ServerName,
			AllowedUsers: cfg.Matrix.AllowedUsers,
			DataDir:      cfg.DataDir,
		})
	} else {
		slog.Warn("matrix not configured, workspace API only")
	}

	d.toolkit = &capability.Toolkit{
		Store:              st,
		Scheduler:          d.scheduler,
		Notifier:           d,
		Memory:             d.memory,
		Location:           loc,
		GitHub:             capability.GitHubConfig{Token: cfg.Tools.GitHubToken, User: cfg.Tools.GitHubUser},
		DefaultDestination: d.defaultDestination,
		WorkspaceDir:       cfg.Tools.WorkspaceDir,
		ImageDir:           cfg.Tools.ImageDir,
		Python:             cfg.Tools.Python,
		CodeTimeout:        parseDuration(cfg.Tools.CodeTimeout, 30*time.Second),
		ImageTimeout:       parseDuration(cfg.Tools.ImageTimeout, 120*time.Second),
	}
	registry := capability.NewRegistry()
	if err := d.toolkit.Register(registry); err != nil {
		return nil, fmt.Errorf("register capabilities: %w", err)
	}
	d.dispatcher = capability.NewDispatcher(registry, capability.DispatcherConfig{
		DefaultTimeout: parseDuration(cfg.Agent.CallTimeout, capability.DefaultTimeout),
		ResultLimit:    cfg.Agent.ResultLimit,
		Bus:            d.events,
	})

	d.agent = NewAgent(st, chat, d.dispatcher, AgentOptions{
		MaxRounds:    cfg.Agent.MaxRounds,
		MaxTokens:    cfg.Agent.MaxTokens,
		Temperature:  cfg.Agent.Temperature,
		HistoryTurns: cfg.Agent.HistoryTurns,
		Location:     loc,
	})

	if deep == nil {
		deep = chat
	}
	d.reflector = reflection.NewWorker(st, deep, d.dispatcher, d, func(level, msg string) {
		d.events.Publish(events.Event{Type: events.TypeReflection, Level: level, Message: msg})
	}, reflection.Config{
		ResolveDestination: d.defaultDestination,
		Topics:             cfg.Reflection.Topics,
		Keep:               cfg.Reflection.Keep,
		Location:           loc,
	})

	slog.Info("iris daemon assembled",
		"capabilities", registry.Len(),
		"chat_model", chat.Name(),
		"reflection_model", deep.Name(),
		"zone", loc.String(),
	)
	return d, nil
}

// buildRouter creates the model providers for each configured tier.
func buildRouter(cfg LLMConfig) (*llm.Router, error) {
	policy := llm.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Backoff:     parseDuration(cfg.Retry.Backoff, time.Second),
		MaxBackoff:  parseDuration(cfg.Retry.MaxBackoff, 30*time.Second),
	}
	providers := make(map[llm.Tier]llm.Provider)
	for tier, pc := range map[llm.Tier]ProviderConfig{llm.TierFast: cfg.Fast, llm.TierDeep: cfg.Deep} {
		p := newProvider(pc)
		if p == nil {
			continue
		}
		providers[tier] = llm.WithRetry(p, policy)
		slog.Info("LLM provider configured",
			"tier", tier,
			"provider", p.Name(),
			"model", pc.Model,
			"max_attempts", policy.MaxAttempts,
		)
	}
	if len(providers) == 0 {
		return nil, errors.New("no model provider configured (set DEEPSEEK_API_KEY or ANTHROPIC_API_KEY)")
	}
	return llm.NewRouter(providers), nil
}

func newProvider(pc ProviderConfig) llm.ToolProvider {
	if pc.APIKey == "" {
		return nil
	}
	name := pc.Provider
	if name == "" {
		name = "anthropic"
	}
	anthropicFormat := pc.Format == "anthropic" || (pc.Format == "" && name == "anthropic")
	switch {
	case anthropicFormat && pc.BaseURL == "":
		return llm.NewAnthropic(pc.APIKey, pc.Model)
	case anthropicFormat:
		return llm.NewAnthropicCompat(name, pc.BaseURL, pc.APIKey, pc.Model)
	case pc.BaseURL != "":
		return llm.NewOpenAICompat(name, pc.BaseURL, pc.APIKey, pc.Model)
	}
	slog.Warn("provider needs a base_url", "provider", name)
	return nil
}

// defaultDestination is where notifications without an explicit room go:
// the configured room, then the last Matrix room, then the event stream.
func (d *Daemon) defaultDestination() string {
	if d.config.Reflection.Destination != "" {
		return d.config.Reflection.Destination
	}
	if d.matrix != nil {
		if room := d.matrix.LastRoom(); room != "" {
			return room
		}
	}
	return WorkspaceDestination
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("iris daemon running",
		"name", d.config.Name,
		"matrix", d.matrix != nil,
		"workspace", d.config.Workspace.Enabled,
	)

	g, ctx := errgroup.WithContext(ctx)

	if err := d.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := d.registerJobs(ctx); err != nil {
		d.scheduler.Stop()
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		d.scheduler.Stop()
		return nil
	})

	g.Go(func() error {
		return d.memory.Run(ctx)
	})

	if d.config.Workspace.Enabled {
		g.Go(func() error {
			return d.serveWorkspace(ctx)
		})
	}

	if d.matrix != nil {
		g.Go(func() error {
			slog.Info("starting matrix channel")
			if err := d.matrix.Start(ctx, d.onMatrixMessage); err != nil {
				return fmt.Errorf("matrix channel: %w", err)
			}
			return nil
		})
	}

	d.healthy.Store(true)
	d.events.Publish(events.Event{Type: events.TypeStatus, Message: "iris ready"})

	err := g.Wait()
	d.healthy.Store(false)
	if d.matrix != nil {
		d.matrix.Stop()
	}
	d.memory.Close()
	slog.Info("iris daemon shutting down")
	return err
}

// Close releases the store.
func (d *Daemon) Close() error {
	return d.store.Close()
}

// Reflect runs one reflection immediately.
func (d *Daemon) Reflect(ctx context.Context) (*reflection.Report, error) {
	return d.reflector.ReflectOnce(ctx)
}

// HandleMessage runs one inbound message through commands or the agent and
// returns the response to deliver.
func (d *Daemon) HandleMessage(ctx context.Context, msg channel.Message) (channel.Response, error) {
	start := time.Now()
	slog.Info("processing message",
		"source", msg.Source,
		"sender", msg.SenderID,
		"len", len(msg.Content),
	)
	d.events.Publish(events.Event{Type: events.TypeChat, Role: store.RoleUser, Destination: msg.RoomID, Content: msg.Content})

	resp := channel.Response{RoomID: msg.RoomID}
	if text, ok, err := d.command(ctx, strings.TrimSpace(msg.Content)); ok {
		if err != nil {
			d.events.Publish(events.Event{Type: events.TypeError, Destination: msg.RoomID, Message: err.Error()})
			return resp, err
		}
		resp.Content = text
		d.events.Publish(events.Event{Type: events.TypeChat, Role: store.RoleAssistant, Destination: msg.RoomID, Content: text})
		return resp, nil
	}

	reply, err := d.agent.Turn(ctx, msg.RoomID, msg.Content)
	if err != nil {
		slog.Error("turn failed", "source", msg.Source, "error", err)
		d.events.Publish(events.Event{Type: events.TypeError, Destination: msg.RoomID, Message: err.Error()})
		return resp, err
	}
	resp.Content, resp.Attachments = resolveArtifacts(ctx, d.http, reply.Text, reply.Artifacts)

	slog.Info("response ready",
		"rounds", reply.Rounds,
		"exhausted", reply.Exhausted,
		"attachments", len(resp.Attachments),
		"elapsed", time.Since(start).Round(time.Millisecond),
		"len", len(resp.Content),
	)
	d.events.Publish(events.Event{
		Type:        events.TypeChat,
		Role:        store.RoleAssistant,
		Destination: msg.RoomID,
		Content:     resp.Content,
		DurationMS:  time.Since(start).Milliseconds(),
	})
	return resp, nil
}

func (d *Daemon) onMatrixMessage(ctx context.Context, msg channel.Message) error {
	return d.respond(ctx, msg, d.matrix.Send)
}

// respond handles msg and delivers the response with send. A handler error
// is returned so the transport can report it; a delivery failure is only
// logged since the room is already unreachable.
func (d *Daemon) respond(ctx context.Context, msg channel.Message, send func(context.Context, channel.Response) error) error {
	resp, err := d.HandleMessage(ctx, msg)
	if err != nil {
		return err
	}
	if err := send(ctx, resp); err != nil {
		slog.Error("failed to send response", "room", resp.RoomID, "error", err)
		d.events.Publish(events.Event{Type: events.TypeError, Destination: resp.RoomID, Message: "send response: " + err.Error()})
	}
	return nil
}

// Notify implements capability.Notifier and reflection.Notifier. Every
// notification reaches the event stream; Matrix rooms also get a message.
func (d *Daemon) Notify(ctx context.Context, destination, text string) error {
	if destination == "" {
		destination = d.defaultDestination()
	}
	d.events.Publish(events.Event{
		Type:        events.TypeChat,
		Role:        store.RoleAssistant,
		Destination: destination,
		Content:     text,
	})
	if destination == WorkspaceDestination {
		return nil
	}
	if d.matrix == nil {
		return fmt.Errorf("no transport for destination %s", destination)
	}
	return d.matrix.Notify(ctx, destination, text)
}
