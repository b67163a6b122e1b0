package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/harunnryd/mnemo/internal/concurrency"
	"github.com/harunnryd/mnemo/internal/config"
	"github.com/harunnryd/mnemo/internal/contextwindow"
	"github.com/harunnryd/mnemo/internal/conversation"
	"github.com/harunnryd/mnemo/internal/memory"
	"github.com/harunnryd/mnemo/internal/message"
	"github.com/harunnryd/mnemo/internal/metrics"
	"github.com/harunnryd/mnemo/internal/model"
	"github.com/harunnryd/mnemo/internal/profile"
	"github.com/harunnryd/mnemo/internal/store"
	"github.com/harunnryd/mnemo/internal/tokens"
	"github.com/harunnryd/mnemo/internal/tool"
	_ "github.com/harunnryd/mnemo/internal/tool/builtin"
)

// Components is everything a CLI command needs to talk to the assistant.
type Components struct {
	Ctx    context.Context
	Config *config.Config
	UserID string

	Metrics    *metrics.Metrics
	Router     *model.DefaultModelRouter
	Memories   *memory.Store
	Profiles   *profile.Store
	Store      store.Store
	Builder    *message.Builder
	Operations *contextwindow.Operations
	Tools      *tool.Registry
	Bridge     *tool.Bridge
	Processor  *conversation.Processor
	Greeting   *conversation.Greeting

	refresher     *conversation.Refresher
	refreshStore  store.Store
	metricsServer *http.Server
}

type Option func(*options)

type options struct {
	observer tool.Observer
}

// WithToolObserver reports tool invocations, e.g. to the terminal.
func WithToolObserver(o tool.Observer) Option {
	return func(opts *options) {
		opts.observer = o
	}
}

// NewComponents opens every store and wires the turn pipeline. Close releases them.
func NewComponents(ctx context.Context, cfg *config.Config, opts ...Option) (*Components, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Components{Ctx: ctx, Config: cfg, UserID: cfg.User.ID, Metrics: metrics.New()}
	if c.UserID == "" {
		c.UserID = config.DefaultUserID
	}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	var err error
	c.Router, err = model.NewModelRouter(cfg.Models, model.WithMetrics(c.Metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create model router: %w", err)
	}

	c.Memories, err = memory.Open(cfg.Memory.Path, model.Embedder{Router: c.Router, Model: cfg.Models.Embedding})
	if err != nil {
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}
	c.Profiles, err = profile.NewStore(cfg.User.ProfilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile store: %w", err)
	}
	c.Store, err = store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open message store: %w", err)
	}

	c.Builder = message.NewBuilder(cfg.Models.Chat)
	refresh, err := c.newRefresh(c.Store)
	if err != nil {
		return nil, err
	}
	c.Operations = &contextwindow.Operations{Store: c.Store, Entities: c.Memories, Refresh: refresh, Builder: c.Builder}

	c.Tools, err = tool.NewBuiltinRegistry(tool.BuiltinOptions{Memories: c.Memories, Context: c.Operations, Profiles: c.Profiles})
	if err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	bridgeOpts := []tool.BridgeOption{tool.WithMetrics(c.Metrics)}
	if o.observer != nil {
		bridgeOpts = append(bridgeOpts, tool.WithObserver(o.observer))
	}
	c.Bridge = tool.NewBridge(c.Tools, bridgeOpts...)

	info, _ := c.Router.ModelInfo(cfg.Models.Chat)
	assistantName := cfg.Persona.AssistantName
	c.Processor = conversation.NewProcessor(conversation.Deps{
		Store: c.Store,
		Validator: contextwindow.NewValidator(contextwindow.ValidatorOptions{
			Strict:                 cfg.Context.StrictValidation,
			EnsureAlternatingRoles: info.EnsureAlternatingRoles,
			DefaultInstruction:     contextwindow.DefaultInstruction(assistantName),
			Builder:                c.Builder,
		}),
		Injector: &contextwindow.Injector{
			Embedder:    model.Embedder{Router: c.Router, Model: cfg.Models.Embedding},
			Search:      c.Memories,
			Threshold:   cfg.Memory.RelevanceThreshold,
			RecentCount: cfg.Context.RecentMessageCount,
			Builder:     c.Builder,
			Metrics:     c.Metrics,
		},
		Streamer:    c.Router,
		Bridge:      c.Bridge,
		Instruction: refresh,
		Builder:     c.Builder,
		Metrics:     c.Metrics,
	}, conversation.Config{
		Model:             cfg.Models.Chat,
		ToolsEnabled:      cfg.Context.ToolsEnabled && (info.Name == "" || info.SupportsTools),
		MaxToolIterations: cfg.Context.MaxToolIterations,
	})

	timings, err := cfg.Context.Timings()
	if err != nil {
		return nil, err
	}
	c.Greeting = &conversation.Greeting{Turns: c.Processor, History: c.Store, Profiles: c.Profiles, MinConvoAge: timings.MinConvoAgeForGreeting}

	ok = true
	return c, nil
}

func (c *Components) newRefresh(s contextwindow.MessageStore) (*contextwindow.Refresh, error) {
	cfg := c.Config
	timings, err := cfg.Context.Timings()
	if err != nil {
		return nil, err
	}

	return &contextwindow.Refresh{
		Store: s,
		Compressor: &contextwindow.Compressor{
			Counter:       tokens.New(),
			Model:         cfg.Models.Chat,
			TriggerTokens: cfg.Context.TriggerTokens,
			TargetTokens:  cfg.Context.TargetTokens,
			MaxMessageAge: timings.MaxMessageAge,
			Metrics:       c.Metrics,
		},
		Prompter:               &contextwindow.Prompter{Completer: c.Router, Model: cfg.Models.Chat, AssistantName: cfg.Persona.AssistantName},
		Memories:               c.Memories,
		Profiles:               c.Profiles,
		Persona:                cfg.Persona.Default,
		AssistantName:          cfg.Persona.AssistantName,
		FormMemory:             cfg.Memory.FormMemoryOnRefresh,
		ConsolidationThreshold: cfg.Memory.ConsolidationThreshold,
		Interval:               timings.RefreshInterval,
		Builder:                c.Builder,
	}, nil
}

// StartBackground starts the periodic refresher on its own store handle and, when
// configured, the metrics endpoint.
func (c *Components) StartBackground() error {
	var err error
	c.refreshStore, err = store.Open(c.Config.Store)
	if err != nil {
		return fmt.Errorf("failed to open refresh store: %w", err)
	}
	refresh, err := c.newRefresh(c.refreshStore)
	if err != nil {
		return err
	}
	timings, err := c.Config.Context.Timings()
	if err != nil {
		return err
	}

	c.refresher = &conversation.Refresher{
		UserID:      c.UserID,
		Refresh:     refresh,
		InitialWait: timings.InitialRefreshWait,
		Interval:    refresh.Interval,
		Metrics:     c.Metrics,
	}
	c.refresher.Start(c.Ctx)

	if addr := c.Config.Server.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", c.Metrics.Handler())
		c.metricsServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		concurrency.SafeGo("metrics-server", func() {
			if err := c.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server failed", "addr", addr, "error", err)
			}
		}, nil)
		slog.Info("Metrics server listening", "addr", addr)
	}
	return nil
}

// Close stops background work and closes every store. It is safe on partially built components.
func (c *Components) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.refresher != nil {
		if err := c.refresher.Stop(ctx); err != nil {
			slog.Warn("Context refresher did not stop cleanly", "error", err)
		}
	}
	if c.metricsServer != nil {
		_ = c.metricsServer.Shutdown(ctx)
	}
	if c.refreshStore != nil {
		closeLogged("refresh store", c.refreshStore)
	}
	if c.Store != nil {
		closeLogged("message store", c.Store)
	}
	if c.Memories != nil {
		closeLogged("memory store", c.Memories)
	}
}

func closeLogged(name string, closer interface{ Close() error }) {
	if err := closer.Close(); err != nil {
		slog.Warn("Failed to close "+name, "error", err)
	}
}
