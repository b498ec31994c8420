// Package capability implements the side-effecting operations the agent
// can invoke on the model's request, and the boundary that runs them.
//
// A Capability pairs a schema (name, description, typed parameters) with a
// native function. The Registry is the fixed catalog advertised to the
// model; the Dispatcher binds arguments once against the schema, enforces
// a per-call timeout and turns every failure into a text result starting
// with "ERROR:", so nothing a capability does can abort a turn.
package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/irislabs/iris/internal/llm"
)

// Parameter types.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
)

// Param declares one capability argument.
type Param struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Func performs a capability. A returned error is reported to the model as
// "ERROR: <err>".
type Func func(ctx context.Context, args Args) (string, error)

// Capability is a named operation the agent can call.
type Capability struct {
	Name        string
	Description string
	Params      []Param
	// Timeout overrides the dispatcher default when non-zero.
	Timeout time.Duration
	Func    Func
}

// Definition returns the tool schema advertised to the model.
func (c Capability) Definition() llm.ToolDefinition {
	props := make(map[string]interface{}, len(c.Params))
	var required []string
	for _, p := range c.Params {
		prop := map[string]interface{}{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return llm.ToolDefinition{
		Name:        c.Name,
		Description: c.Description,
		InputSchema: props,
		Required:    required,
	}
}

// Registry is the capability catalog.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register adds a capability. Names must be unique.
func (r *Registry) Register(c Capability) error {
	if c.Name == "" {
		return fmt.Errorf("register capability: empty name")
	}
	if c.Func == nil {
		return fmt.Errorf("register capability %s: nil func", c.Name)
	}
	for _, p := range c.Params {
		switch p.Type {
		case TypeString, TypeInteger, TypeNumber, TypeBoolean:
		default:
			return fmt.Errorf("register capability %s: param %s has unsupported type %q", c.Name, p.Name, p.Type)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[c.Name]; exists {
		return fmt.Errorf("register capability %s: already registered", c.Name)
	}
	r.caps[c.Name] = c
	return nil
}

// Lookup returns the capability with the given name.
func (r *Registry) Lookup(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Names returns all capability names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the catalog as tool definitions, sorted by name so
// every round advertises an identical catalog.
func (r *Registry) Definitions() []llm.ToolDefinition {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.caps[name].Definition())
	}
	return defs
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps)
}
