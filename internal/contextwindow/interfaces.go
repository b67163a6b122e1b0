// Package contextwindow keeps the message window sent to the chat model valid, relevant and
// within its token budget.
package contextwindow

import (
	"context"
	"time"

	"github.com/harunnryd/mnemo/internal/memory"
	"github.com/harunnryd/mnemo/internal/message"
	"github.com/harunnryd/mnemo/internal/model/contract"
	"github.com/harunnryd/mnemo/internal/profile"
	"github.com/harunnryd/mnemo/internal/store"
)

// MessageStore is the part of store.Store the window logic relies on.
type MessageStore interface {
	GetContext(ctx context.Context, userID string) ([]message.Message, error)
	UpdateContext(ctx context.Context, userID string, fn store.UpdateFunc) ([]message.Message, error)
	ReplaceContext(ctx context.Context, userID string, msgs []message.Message) ([]message.Message, error)
	AppendContext(ctx context.Context, userID string, msgs ...message.Message) ([]message.Message, error)
	RemoveContext(ctx context.Context, userID string, ids ...string) ([]message.Message, error)
	WindowCreatedAt(ctx context.Context, userID string) (time.Time, bool, error)
}

type TokenCounter interface {
	Count(model string, msgs []contract.Message) int
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// RelevanceSearch returns the nearest active entity under threshold, or nil.
type RelevanceSearch interface {
	Nearest(ctx context.Context, t message.EntityType, userID string, vec []float32, threshold float64) (*memory.Entity, error)
}

// Completer runs one non-streaming completion.
type Completer interface {
	Route(ctx context.Context, model string, req contract.CompletionRequest) (*contract.CompletionResponse, error)
}

// MemoryWriter is what a refresh needs from long-term memory.
type MemoryWriter interface {
	CreateMemory(ctx context.Context, userID, name, text string) (*memory.Entity, error)
	FindRedundantPairs(ctx context.Context, userID string, threshold float64, limit int) ([]memory.Pair, error)
	Consolidate(ctx context.Context, userID string, pair memory.Pair, name, text string) (*memory.Entity, error)
}

// EntityLookup resolves entities by name for the context operations.
type EntityLookup interface {
	GetByName(userID string, t message.EntityType, name string) (*memory.Entity, error)
}

type ProfileSource interface {
	Get(userID string) (profile.Profile, error)
}
