// Package tools holds the operations a worker can invoke against managed
// infrastructure. Every tool validates its JSON arguments against a
// schema before running and returns redacted, size-bounded text.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/basket/overseer/internal/shared"
	"github.com/basket/overseer/internal/structured"
)

const maxToolOutput = 8 * 1024

// Tool is one invocable operation.
type Tool interface {
	Name() string
	Description() string
	Schema() *structured.Schema
	Call(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry is the set of tools offered to workers.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns a registry holding ts.
func NewRegistry(ts ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range ts {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Describe renders the catalog for a model prompt.
func (r *Registry) Describe() string {
	var b strings.Builder
	for _, name := range r.Names() {
		r.mu.RLock()
		t := r.tools[name]
		r.mu.RUnlock()
		fmt.Fprintf(&b, "- %s: %s\n  args schema: %s\n", name, t.Description(), compactJSON(t.Schema().Raw()))
	}
	return b.String()
}

// Call validates args and runs the named tool. The returned output is
// redacted and truncated whether or not the tool failed.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := t.Schema().Validate(args); err != nil {
		return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	out, err := t.Call(ctx, args)
	out = shared.Redact(truncateOutput(out, maxToolOutput))
	if err != nil {
		return out, fmt.Errorf("%s", shared.Redact(err.Error()))
	}
	return out, nil
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}

func compactJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, _ := json.Marshal(v)
	return string(out)
}
