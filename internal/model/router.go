package model

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/mnemo/internal/config"
	mnemoErrors "github.com/harunnryd/mnemo/internal/errors"
	"github.com/harunnryd/mnemo/internal/logger"
	"github.com/harunnryd/mnemo/internal/metrics"
	"github.com/harunnryd/mnemo/internal/model/contract"
	anthropicProvider "github.com/harunnryd/mnemo/internal/model/providers/anthropic"
	geminiProvider "github.com/harunnryd/mnemo/internal/model/providers/gemini"
	openaiProvider "github.com/harunnryd/mnemo/internal/model/providers/openai"
)

// DefaultModelRouter implements ModelRouter interface
type DefaultModelRouter struct {
	cfg       config.ModelsConfig
	providers map[string]Provider
	info      map[string]Info
	metrics   *metrics.Metrics
	mu        sync.RWMutex
}

type RouterOption func(*DefaultModelRouter)

// WithMetrics records provider latency and failures.
func WithMetrics(m *metrics.Metrics) RouterOption {
	return func(r *DefaultModelRouter) {
		r.metrics = m
	}
}

// WithProvider registers a prebuilt provider under name, bypassing the registry factory.
func WithProvider(name string, p Provider, info Info) RouterOption {
	return func(r *DefaultModelRouter) {
		r.providers[name] = p
		if info.Name == "" {
			info.Name = name
		}
		r.info[name] = info
	}
}

// NewModelRouter creates a new model router
func NewModelRouter(cfg config.ModelsConfig, opts ...RouterOption) (*DefaultModelRouter, error) {
	router := &DefaultModelRouter{
		cfg:       cfg,
		providers: make(map[string]Provider),
		info:      make(map[string]Info),
	}

	if err := router.initProviders(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(router)
	}

	return router, nil
}

// Route routes a completion request to the appropriate provider
func (r *DefaultModelRouter) Route(ctx context.Context, model string, req contract.CompletionRequest) (*contract.CompletionResponse, error) {
	traceID := logger.GetTraceID(ctx)

	slog.Debug("Routing completion request", "model", model, "trace_id", traceID)

	var resp *contract.CompletionResponse
	err := r.executeWithFallback(ctx, model, traceID, func(name string, p Provider) (bool, error) {
		req.Model = name
		var err error
		resp, err = p.Generate(ctx, req)
		return false, err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Stream routes a streaming completion. A failed provider is replaced by the fallback
// only while no event has reached onEvent yet.
func (r *DefaultModelRouter) Stream(ctx context.Context, model string, req contract.CompletionRequest, onEvent contract.StreamHandler) error {
	traceID := logger.GetTraceID(ctx)

	slog.Debug("Routing stream request", "model", model, "trace_id", traceID)

	return r.executeWithFallback(ctx, model, traceID, func(name string, p Provider) (bool, error) {
		req.Model = name
		emitted := false
		err := p.Stream(ctx, req, func(ev contract.StreamEvent) error {
			emitted = true
			return onEvent(ev)
		})
		return emitted, err
	})
}

// RouteEmbedding routes an embedding request to the appropriate provider
func (r *DefaultModelRouter) RouteEmbedding(ctx context.Context, model string, text string) ([]float32, error) {
	traceID := logger.GetTraceID(ctx)

	slog.Debug("Routing embedding request", "model", model, "trace_id", traceID)

	tryModels := r.embeddingTryOrder(model)
	var lastErr error

	for _, tryModel := range tryModels {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		r.mu.RLock()
		provider, exists := r.providers[tryModel]
		r.mu.RUnlock()
		if !exists {
			continue
		}

		start := time.Now()
		embeddings, err := provider.Embed(ctx, text)
		r.metrics.ObserveProvider(provider.Type(), "embed", start, err)
		if err == nil {
			return embeddings, nil
		}

		if isEmbeddingUnsupported(err) {
			slog.Debug("Embedding unsupported by provider, trying next model", "model", tryModel, "trace_id", traceID)
			continue
		}

		lastErr = err
		slog.Warn("Embedding failed for model, trying next model", "model", tryModel, "error", err, "trace_id", traceID)
	}

	if lastErr != nil {
		return nil, mnemoErrors.WrapWithCategory(lastErr, "embedding failed", mnemoErrors.ErrTransient)
	}

	return nil, mnemoErrors.NotFound("no embedding-capable model configured")
}

// ModelInfo reports the constraints of a registered model.
func (r *DefaultModelRouter) ModelInfo(model string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.info[model]
	return info, ok
}

func (r *DefaultModelRouter) embeddingTryOrder(requestedModel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.providers)+2)
	order := make([]string, 0, len(r.providers)+2)

	appendUnique := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		order = append(order, name)
	}

	appendUnique(requestedModel)
	appendUnique(r.cfg.Embedding)

	registered := make([]string, 0, len(r.providers))
	for name := range r.providers {
		registered = append(registered, name)
	}
	sort.Strings(registered)

	for _, name := range registered {
		appendUnique(name)
	}

	return order
}

func isEmbeddingUnsupported(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "embedding not supported") ||
		strings.Contains(msg, "embeddings not implemented") ||
		strings.Contains(msg, "not support embeddings")
}

// ListModels returns all registered model names
func (r *DefaultModelRouter) ListModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	models := make([]string, 0, len(r.providers))
	for name := range r.providers {
		models = append(models, name)
	}
	sort.Strings(models)

	return models
}

// initProviders initializes all providers from configuration
func (r *DefaultModelRouter) initProviders() error {
	for _, entry := range r.cfg.Registry {
		r.info[entry.Name] = Info{
			Name:                   entry.Name,
			Provider:               entry.Provider,
			EnsureAlternatingRoles: entry.EnsureAlternatingRoles,
			SupportsTools:          entry.ToolsSupported(),
		}

		provider, err := r.createProvider(entry)
		if err != nil {
			slog.Warn("Failed to create provider", "provider", entry.Provider, "model", entry.Name, "error", err)
			continue
		}

		r.providers[entry.Name] = provider
		slog.Debug("Provider initialized", "name", entry.Name, "type", entry.Provider)
	}

	return nil
}

func (r *DefaultModelRouter) lookup(model string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[model]
	return p, ok
}

// executeWithFallback runs call against model, then against the fallback model while the
// failure is retryable and call reports nothing was emitted.
func (r *DefaultModelRouter) executeWithFallback(ctx context.Context, model, traceID string, call func(name string, p Provider) (bool, error)) error {
	maxAttempts := r.cfg.MaxFallbackAttempts
	if maxAttempts <= 0 {
		maxAttempts = config.DefaultModelMaxFallbackAttempts
	}

	currentModel := model
	provider, exists := r.lookup(currentModel)
	if !exists {
		if r.cfg.Fallback == "" || model == r.cfg.Fallback {
			return mnemoErrors.NotFound(fmt.Sprintf("model %s not found", model))
		}
		slog.Warn("Model not found, using fallback", "model", model, "fallback", r.cfg.Fallback)
		currentModel = r.cfg.Fallback
		if provider, exists = r.lookup(currentModel); !exists {
			return mnemoErrors.NotFound(fmt.Sprintf("fallback model %s not found", r.cfg.Fallback))
		}
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		emitted, err := call(currentModel, provider)
		r.metrics.ObserveProvider(provider.Type(), "complete", start, err)
		if err == nil {
			slog.Debug("Request completed", "model", currentModel, "attempt", attempt+1, "trace_id", traceID)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		slog.Error("Provider request failed", "model", currentModel, "attempt", attempt+1, "error", err, "trace_id", traceID)

		mapped := mnemoErrors.NewDefaultErrorMapper().MapError(err)
		if emitted || !mnemoErrors.IsRetryable(mapped) {
			return mapped
		}
		if r.cfg.Fallback == "" || currentModel == r.cfg.Fallback {
			return mapped
		}

		fallbackProvider, ok := r.lookup(r.cfg.Fallback)
		if !ok {
			return mapped
		}

		slog.Info("Attempting fallback", "from", currentModel, "to", r.cfg.Fallback, "trace_id", traceID)
		currentModel = r.cfg.Fallback
		provider = fallbackProvider
	}

	return mnemoErrors.Transient("fallback exhausted")
}

// createProvider creates a provider instance based on registry entry
func (r *DefaultModelRouter) createProvider(entry config.ModelRegistry) (Provider, error) {
	timeout, err := config.DurationOrDefault(entry.RequestTimeout, config.DefaultModelRequestTimeout)
	if err != nil {
		return nil, mnemoErrors.InvalidInput(fmt.Sprintf("invalid request_timeout for model %s: %v", entry.Name, err))
	}

	switch entry.Provider {
	case "openai":
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = config.DefaultOpenAIBaseURL
		}

		if entry.APIKey == "" {
			return nil, mnemoErrors.InvalidInput("API key required for OpenAI provider")
		}

		return openaiProvider.New(entry.APIKey, baseURL, entry.Name, timeout), nil

	case "ollama":
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = config.DefaultOllamaBaseURL
		}

		apiKey := entry.APIKey
		if apiKey == "" {
			apiKey = config.DefaultOllamaAPIKey
		}

		p := openaiProvider.New(apiKey, baseURL, entry.Name, timeout)
		p.ProviderType = "ollama"
		return p, nil

	case "anthropic":
		if entry.APIKey == "" {
			return nil, mnemoErrors.InvalidInput("API key required for Anthropic provider")
		}

		return anthropicProvider.New(entry.APIKey, entry.BaseURL, timeout), nil

	case "gemini":
		if entry.APIKey == "" {
			return nil, mnemoErrors.InvalidInput("API key required for Gemini provider")
		}

		provider, err := geminiProvider.New(entry.APIKey, entry.Name)
		if err != nil {
			return nil, mnemoErrors.WrapWithCategory(err, "failed to create Gemini provider", mnemoErrors.ErrInternal)
		}
		return provider, nil

	default:
		return nil, mnemoErrors.InvalidInput(fmt.Sprintf("unknown provider type: %s", entry.Provider))
	}
}
