package tool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/harunnryd/mnemo/internal/memory"
	"github.com/harunnryd/mnemo/internal/message"
	"github.com/harunnryd/mnemo/internal/profile"
)

// MemoryService is the long-term memory the built-in tools write to.
type MemoryService interface {
	CreateMemory(ctx context.Context, userID, name, text string) (*memory.Entity, error)
	CreateGoal(ctx context.Context, userID string, in memory.GoalInput) (*memory.Entity, error)
	AddGoalStatusUpdate(ctx context.Context, userID, name, update string) (*memory.Entity, error)
	MarkGoalCompleted(ctx context.Context, userID, name, closingComment string) (*memory.Entity, error)
	Query(ctx context.Context, userID, text string, n int) ([]memory.Match, error)
}

// ContextService edits the active context window.
type ContextService interface {
	AddToContext(ctx context.Context, userID string, e memory.Entity) (bool, error)
	AddByName(ctx context.Context, userID string, t message.EntityType, name string) (string, error)
	DropByName(ctx context.Context, userID string, t message.EntityType, name string) (string, error)
	RefreshSystemInstruction(ctx context.Context, userID string) (string, error)
	SystemInstruction(ctx context.Context, userID string) (string, error)
}

type ProfileService interface {
	Get(userID string) (profile.Profile, error)
	SetPreferredName(userID, name string) (profile.Profile, error)
}

// BuiltinOptions carries runtime dependencies needed by built-in tool factories.
type BuiltinOptions struct {
	Memories MemoryService
	Context  ContextService
	Profiles ProfileService
	Now      func() time.Time
}

// BuiltinFactory returns a nil Tool when the options lack what the tool needs.
type BuiltinFactory func(options BuiltinOptions) (Tool, error)

var builtinCatalog = struct {
	mu        sync.RWMutex
	factories map[string]BuiltinFactory
}{
	factories: map[string]BuiltinFactory{},
}

// RegisterBuiltin registers a built-in tool factory under a tool name.
// Intended to be called in init() from built-in tool files.
func RegisterBuiltin(name string, factory BuiltinFactory) {
	normalized := NormalizeToolName(name)
	if normalized == "" {
		panic("tool: built-in name cannot be empty")
	}
	if factory == nil {
		panic(fmt.Sprintf("tool: built-in factory cannot be nil (%s)", normalized))
	}

	builtinCatalog.mu.Lock()
	defer builtinCatalog.mu.Unlock()

	if _, exists := builtinCatalog.factories[normalized]; exists {
		panic(fmt.Sprintf("tool: built-in already registered: %s", normalized))
	}
	builtinCatalog.factories[normalized] = factory
}

// BuiltinNames returns all registered built-in names in deterministic order.
func BuiltinNames() []string {
	builtinCatalog.mu.RLock()
	defer builtinCatalog.mu.RUnlock()

	names := make([]string, 0, len(builtinCatalog.factories))
	for name := range builtinCatalog.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InstantiateBuiltins constructs all built-in tools using their registered factories.
func InstantiateBuiltins(options BuiltinOptions) ([]Tool, error) {
	builtinCatalog.mu.RLock()
	factories := make(map[string]BuiltinFactory, len(builtinCatalog.factories))
	for name, factory := range builtinCatalog.factories {
		factories[name] = factory
	}
	builtinCatalog.mu.RUnlock()

	tools := make([]Tool, 0, len(factories))
	for _, name := range BuiltinNames() {
		factory, ok := factories[name]
		if !ok {
			continue
		}

		t, err := factory(options)
		if err != nil {
			return nil, fmt.Errorf("instantiate built-in %q: %w", name, err)
		}
		if t == nil {
			slog.Debug("Built-in tool disabled, dependency not configured", "tool", name)
			continue
		}
		tools = append(tools, t)
	}

	return tools, nil
}

// NewBuiltinRegistry registers every built-in tool.
func NewBuiltinRegistry(options BuiltinOptions) (*Registry, error) {
	tools, err := InstantiateBuiltins(options)
	if err != nil {
		return nil, err
	}
	r := NewRegistry()
	for _, t := range tools {
		r.Register(t)
	}
	return r, nil
}
