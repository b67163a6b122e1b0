package tool

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/harunnryd/mnemo/internal/model/contract"
)

var (
	ErrToolNotFound = errors.New("tool not found")
	ErrToolFailed   = errors.New("tool execution failed")
)

// Tool is a capability the model can call. Input has already been validated against
// Schema when Execute runs.
type Tool interface {
	Schema() Schema
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// Registry holds all available tools.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

func (r *Registry) Register(t Tool) {
	name := NormalizeToolName(t.Schema().Name)
	if name == "" {
		panic("tool: empty tool name")
	}

	r.tools[name] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	t, ok := r.tools[NormalizeToolName(name)]
	return t, ok
}

// Names returns the registered tool names in order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions renders every registered schema for a completion request, ordered by name.
func (r *Registry) Definitions() []contract.ToolDef {
	names := r.Names()
	defs := make([]contract.ToolDef, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.tools[name].Schema().Definition())
	}
	return defs
}

func NormalizeToolName(name string) string {
	return strings.TrimSpace(name)
}

type execContextKey struct{}

// ExecContext is what a tool knows about the turn that called it. It travels in the
// context and is never part of a tool schema.
type ExecContext struct {
	UserID string
}

func WithExecContext(ctx context.Context, ec ExecContext) context.Context {
	return context.WithValue(ctx, execContextKey{}, ec)
}

func ExecContextFrom(ctx context.Context) (ExecContext, bool) {
	ec, ok := ctx.Value(execContextKey{}).(ExecContext)
	return ec, ok
}
