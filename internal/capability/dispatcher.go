package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/irislabs/iris/internal/llm"
	"github.com/irislabs/iris/pkg/events"
)

const (
	// DefaultTimeout bounds a capability call without its own timeout.
	DefaultTimeout = 30 * time.Second
	// DefaultResultLimit is the maximum length, in characters, of a result.
	DefaultResultLimit = 3000

	errorPrefix = "ERROR:"
)

// Call is one capability invocation requested by the model.
type Call struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Result is the bounded text outcome of a Call.
type Result struct {
	CallID   string
	Name     string
	Text     string
	IsError  bool
	Artifact *Artifact
	Duration time.Duration
}

// ToolResult converts r to the model's tool result block.
func (r Result) ToolResult() llm.ToolResult {
	return llm.ToolResult{ToolCallID: r.CallID, Content: r.Text, IsError: r.IsError}
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	DefaultTimeout time.Duration
	ResultLimit    int
	Bus            *events.Bus
}

// Dispatcher routes calls to the registry. Dispatch never panics and never
// returns an error: every failure is a Result whose text starts with
// "ERROR:".
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	limit    int
	bus      *events.Bus
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, cfg DispatcherConfig) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.ResultLimit <= 0 {
		cfg.ResultLimit = DefaultResultLimit
	}
	return &Dispatcher{
		registry: registry,
		timeout:  cfg.DefaultTimeout,
		limit:    cfg.ResultLimit,
		bus:      cfg.Bus,
	}
}

// Registry returns the catalog this dispatcher serves.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Definitions returns the catalog advertised to the model.
func (d *Dispatcher) Definitions() []llm.ToolDefinition {
	return d.registry.Definitions()
}

type outcome struct {
	text string
	err  error
}

// Dispatch runs one call.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) Result {
	start := time.Now()
	res := Result{CallID: call.ID, Name: call.Name}

	c, ok := d.registry.Lookup(call.Name)
	if !ok {
		res.IsError = true
		res.Text = fmt.Sprintf("unknown capability: %s", call.Name)
		return d.finish(ctx, res, start)
	}

	args, err := Bind(c.Params, call.Input)
	if err != nil {
		res.IsError = true
		res.Text = errorPrefix + " " + err.Error()
		return d.finish(ctx, res, start)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("capability panicked", "name", call.Name, "panic", r)
				done <- outcome{err: fmt.Errorf("internal failure: %v", r)}
			}
		}()
		text, err := c.Func(callCtx, args)
		done <- outcome{text: text, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-callCtx.Done():
	}
	// A function that only returns because its context ended still counts
	// as timed out or cancelled.
	switch {
	case callCtx.Err() != nil:
		// The function keeps running until it notices; its outcome is dropped.
		res.IsError = true
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			res.Text = fmt.Sprintf("%s timeout after %s", errorPrefix, timeout)
		} else {
			res.Text = errorPrefix + " cancelled"
		}
	case o.err != nil:
		res.IsError = true
		res.Text = errorText(o.err)
	default:
		res.Text = o.text
		res.IsError = strings.HasPrefix(o.text, errorPrefix)
	}

	res.Artifact = ExtractArtifact(res.Text)
	res.Text = truncate(res.Text, d.limit)
	return d.finish(ctx, res, start)
}

// Call runs a capability by name with plain arguments and returns its
// text. It is the entry point for scheduled jobs.
func (d *Dispatcher) Call(ctx context.Context, name string, args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return errorPrefix + " " + err.Error()
	}
	return d.Dispatch(ctx, Call{Name: name, Input: raw}).Text
}

func (d *Dispatcher) finish(ctx context.Context, res Result, start time.Time) Result {
	res.Duration = time.Since(start)
	slog.Info("capability call",
		"name", res.Name,
		"duration", res.Duration.Round(time.Millisecond),
		"is_error", res.IsError,
		"artifact", res.Artifact != nil,
	)

	level := "info"
	if res.IsError {
		level = "error"
	}
	d.bus.Publish(events.Event{
		Type:        events.TypeCapability,
		Name:        res.Name,
		Destination: DestinationFrom(ctx),
		Message:     truncate(res.Text, 200),
		Level:       level,
		DurationMS:  res.Duration.Milliseconds(),
	})
	return res
}

func errorText(err error) string {
	msg := err.Error()
	if strings.HasPrefix(msg, errorPrefix) {
		return msg
	}
	return errorPrefix + " " + msg
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
