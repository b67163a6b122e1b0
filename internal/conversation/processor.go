// Package conversation drives a single turn of the assistant: from the incoming message,
// through streaming and tool execution, to the persisted window.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/mnemo/internal/concurrency"
	"github.com/harunnryd/mnemo/internal/config"
	"github.com/harunnryd/mnemo/internal/contextwindow"
	mnemoErrors "github.com/harunnryd/mnemo/internal/errors"
	"github.com/harunnryd/mnemo/internal/logger"
	"github.com/harunnryd/mnemo/internal/message"
	"github.com/harunnryd/mnemo/internal/metrics"
	"github.com/harunnryd/mnemo/internal/model/contract"
	"github.com/harunnryd/mnemo/internal/tool"

	"github.com/oklog/ulid/v2"
)

type State int

const (
	StateAwaitingInput State = iota
	StateValidating
	StateInjecting
	StateStreaming
	StateExecutingTools
	StatePersisted
)

func (s State) String() string {
	switch s {
	case StateAwaitingInput:
		return "awaiting_input"
	case StateValidating:
		return "validating"
	case StateInjecting:
		return "injecting"
	case StateStreaming:
		return "streaming"
	case StateExecutingTools:
		return "executing_tools"
	case StatePersisted:
		return "persisted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type TurnRequest struct {
	UserID string
	Role   message.Role
	Text   string
	// ForceTool names a tool the model must call in its first completion.
	ForceTool string
}

type TurnResult struct {
	// Content is the text of the final assistant message.
	Content   string
	ToolCalls []message.ToolCall
	// Iterations counts completions requested during the turn.
	Iterations int
	Window     []message.Message
}

// CompletionStreamer is the streaming half of model.ModelRouter.
type CompletionStreamer interface {
	Stream(ctx context.Context, model string, req contract.CompletionRequest, onEvent contract.StreamHandler) error
}

// Injector finds messages to add before the completion.
type Injector interface {
	Inject(ctx context.Context, userID string, window []message.Message) ([]message.Message, error)
}

// InstructionSource renders the instruction that opens an empty window.
type InstructionSource interface {
	BuildSystemInstruction(ctx context.Context, userID string, window []message.Message) (message.Message, error)
}

type Deps struct {
	Store     contextwindow.MessageStore
	Validator *contextwindow.Validator
	// Injector is optional.
	Injector Injector
	Streamer CompletionStreamer
	// Bridge is optional; without it no tools are offered.
	Bridge *tool.Bridge
	// Instruction is optional; the validator default is used without it.
	Instruction InstructionSource
	Builder     *message.Builder
	Metrics     *metrics.Metrics
	Locks       *concurrency.KeyedLocks
}

type Config struct {
	Model             string
	ToolsEnabled      bool
	MaxToolIterations int
}

type Processor struct {
	deps Deps
	cfg  Config

	// OnStateChange is called on every transition of a turn.
	OnStateChange func(userID string, s State)
}

func NewProcessor(deps Deps, cfg Config) *Processor {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = config.DefaultContextMaxToolIterations
	}
	if deps.Locks == nil {
		deps.Locks = concurrency.NewKeyedLocks()
	}
	if deps.Validator == nil {
		deps.Validator = contextwindow.NewValidator(contextwindow.ValidatorOptions{Builder: deps.Builder})
	}
	return &Processor{deps: deps, cfg: cfg}
}

func (p *Processor) transition(ctx context.Context, userID string, s State) {
	slog.Debug("Turn state", "user", userID, "state", s.String(), "trace_id", logger.GetTraceID(ctx))
	if p.OnStateChange != nil {
		p.OnStateChange(userID, s)
	}
}

func (p *Processor) toolsAvailable() bool {
	return p.cfg.ToolsEnabled && p.deps.Bridge != nil
}

// checkForceTool rejects a forced tool that could never be called.
func (p *Processor) checkForceTool(name string) error {
	if name == "" {
		return nil
	}
	if !p.toolsAvailable() {
		return fmt.Errorf("%w: tools are disabled, cannot force %q", mnemoErrors.ErrInvalidForceTool, name)
	}
	if _, ok := p.deps.Bridge.Registry().Get(name); !ok {
		return fmt.Errorf("%w: tool %q is not registered", mnemoErrors.ErrInvalidForceTool, name)
	}
	return nil
}

// ProcessMessage runs one turn and persists the resulting window. Text deltas are passed to
// emit as they arrive. On error, including cancellation, the stored window is left as it was.
func (p *Processor) ProcessMessage(ctx context.Context, req TurnRequest, emit func(string) error) (result *TurnResult, err error) {
	start := time.Now()
	defer func() {
		p.deps.Metrics.ObserveTurn(turnOutcome(err), start)
	}()

	switch req.Role {
	case message.RoleUser, message.RoleAssistant, message.RoleSystem:
	default:
		return nil, mnemoErrors.InvalidInput(fmt.Sprintf("turn role %q is not accepted", req.Role))
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, mnemoErrors.InvalidInput("user id is required")
	}
	if err := p.checkForceTool(req.ForceTool); err != nil {
		return nil, err
	}

	unlock, err := p.deps.Locks.Lock(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctx = tool.WithExecContext(ctx, tool.ExecContext{UserID: req.UserID})
	ctx = logger.WithUserID(ctx, req.UserID)
	if logger.GetTraceID(ctx) == "" {
		ctx = logger.WithTraceID(ctx, ulid.Make().String())
	}

	p.transition(ctx, req.UserID, StateAwaitingInput)
	window, err := p.deps.Store.GetContext(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load context: %w", err)
	}
	if len(window) == 0 && p.deps.Instruction != nil {
		instruction, err := p.deps.Instruction.BuildSystemInstruction(ctx, req.UserID, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build system instruction: %w", err)
		}
		window = []message.Message{instruction}
	}

	p.transition(ctx, req.UserID, StateValidating)
	msgs, err := p.deps.Validator.Validate(window)
	if err != nil {
		return nil, err
	}
	msgs = append(msgs, p.deps.Builder.Turn(req.Role, req.Text))

	if p.deps.Injector != nil {
		p.transition(ctx, req.UserID, StateInjecting)
		injected, err := p.deps.Injector.Inject(ctx, req.UserID, msgs)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			slog.Warn("Relevance injection failed", "user", req.UserID, "error", err)
		default:
			msgs = append(msgs, injected...)
		}
	}

	result = &TurnResult{}
	forced := req.ForceTool
	for round := 0; ; round++ {
		if round > p.cfg.MaxToolIterations {
			return nil, fmt.Errorf("%w: %d tool rounds", mnemoErrors.ErrMaxToolIterations, p.cfg.MaxToolIterations)
		}

		p.transition(ctx, req.UserID, StateStreaming)
		content, calls, err := p.stream(ctx, msgs, forced, emit)
		result.Iterations++
		if err != nil {
			return nil, err
		}
		if forced != "" && !containsCall(calls, forced) {
			return nil, fmt.Errorf("%w: %s", mnemoErrors.ErrMissingToolCall, forced)
		}
		forced = ""

		msgs = append(msgs, p.deps.Builder.Assistant(content, calls))
		result.Content = content
		result.ToolCalls = append(result.ToolCalls, calls...)
		if len(calls) == 0 {
			break
		}

		p.transition(ctx, req.UserID, StateExecutingTools)
		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			out := p.deps.Bridge.Invoke(ctx, call)
			msgs = append(msgs, p.deps.Builder.Tool(call.ID, out))
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	saved, err := p.deps.Store.ReplaceContext(ctx, req.UserID, msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to persist context: %w", err)
	}
	result.Window = saved
	p.transition(ctx, req.UserID, StatePersisted)

	slog.Info("Turn completed", "user", req.UserID, "iterations", result.Iterations, "tool_calls", len(result.ToolCalls), "messages", len(saved))
	return result, nil
}

// stream runs one completion and returns the full text and the completed tool calls.
func (p *Processor) stream(ctx context.Context, msgs []message.Message, forceTool string, emit func(string) error) (string, []message.ToolCall, error) {
	req := contract.CompletionRequest{
		Model:    p.cfg.Model,
		Messages: p.deps.Validator.RequestMessages(msgs),
	}
	if p.toolsAvailable() {
		req.Tools = p.deps.Bridge.Registry().Definitions()
		req.ToolChoice = forceTool
	}

	var (
		content strings.Builder
		calls   []message.ToolCall
		acc     = NewToolCallAccumulator()
	)
	err := p.deps.Streamer.Stream(ctx, p.cfg.Model, req, func(ev contract.StreamEvent) error {
		if ev.TextDelta != "" {
			content.WriteString(ev.TextDelta)
			if emit != nil {
				if err := emit(ev.TextDelta); err != nil {
					return err
				}
			}
		}
		if ev.ToolCall != nil {
			done, err := acc.Update(*ev.ToolCall)
			if err != nil {
				return err
			}
			calls = append(calls, done...)
		}
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", nil, ctxErr
		}
		return "", nil, mnemoErrors.NewDefaultErrorMapper().MapError(err)
	}

	rest, err := acc.Flush()
	if err != nil {
		return "", nil, err
	}
	calls = append(calls, rest...)
	return content.String(), calls, nil
}

func containsCall(calls []message.ToolCall, name string) bool {
	want := tool.NormalizeToolName(name)
	for _, c := range calls {
		if tool.NormalizeToolName(c.FunctionName) == want {
			return true
		}
	}
	return false
}

func turnOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
