package model

import (
	"context"

	"github.com/harunnryd/mnemo/internal/model/contract"
)

type ModelRouter interface {
	Route(ctx context.Context, model string, req contract.CompletionRequest) (*contract.CompletionResponse, error)
	Stream(ctx context.Context, model string, req contract.CompletionRequest, onEvent contract.StreamHandler) error
	RouteEmbedding(ctx context.Context, model string, text string) ([]float32, error)
	ModelInfo(model string) (Info, bool)
	ListModels() []string
}

type Provider interface {
	Generate(ctx context.Context, req contract.CompletionRequest) (*contract.CompletionResponse, error)
	Stream(ctx context.Context, req contract.CompletionRequest, onEvent contract.StreamHandler) error
	Embed(ctx context.Context, text string) ([]float32, error)
	Name() string
	Type() string
}

// Info describes provider constraints the context window has to honour.
type Info struct {
	Name                   string
	Provider               string
	EnsureAlternatingRoles bool
	SupportsTools          bool
}
