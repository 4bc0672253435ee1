// Package tools routes the AI endpoint's function-call requests to local
// handlers. The bridge treats tool schemas as opaque; it only matches names
// and relays argument and result strings.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Handler executes one tool invocation. Arguments arrive as the raw JSON
// string the model produced; the result string is sent back verbatim as the
// function-call output.
type Handler func(ctx context.Context, args string) (string, error)

// Definition is the schema for one tool as advertised to the model.
type Definition struct {
	Name        string
	Description string

	// Parameters is a JSON-schema object. Opaque to the bridge.
	Parameters map[string]any
}

// Registry maps tool names to handlers. Registration happens at startup;
// Invoke is called from per-call receive loops.
type Registry struct {
	mu    sync.RWMutex
	defs  []Definition
	hooks map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[string]Handler)}
}

// Register adds a tool. Re-registering a name replaces its handler but keeps
// a single schema entry.
func (r *Registry) Register(def Definition, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.hooks[def.Name]; !exists {
		r.defs = append(r.defs, def)
	} else {
		for i := range r.defs {
			if r.defs[i].Name == def.Name {
				r.defs[i] = def
				break
			}
		}
	}
	r.hooks[def.Name] = h
}

// Definitions returns the registered tool schemas in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Invoke runs the named tool. The returned result string is always usable as
// the function-call output: unknown names and handler failures produce a
// structured JSON error result rather than an empty reply, so the model
// always receives something it can speak to. The error return carries the
// underlying failure for logging and metrics; it is nil on success.
func (r *Registry) Invoke(ctx context.Context, name, args string) (string, error) {
	r.mu.RLock()
	h, ok := r.hooks[name]
	r.mu.RUnlock()

	if !ok {
		slog.Warn("tool invocation for unknown tool", "tool", name)
		err := fmt.Errorf("unknown tool %q", name)
		return errorResult(err.Error()), err
	}

	result, err := h(ctx, args)
	if err != nil {
		slog.Error("tool handler failed", "tool", name, "err", err)
		return errorResult(err.Error()), err
	}
	return result, nil
}

// errorResult wraps a failure message in the JSON shape handlers use for
// success, so the model parses both paths the same way.
func errorResult(msg string) string {
	out, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return `{"error":"internal tool failure"}`
	}
	return string(out)
}
