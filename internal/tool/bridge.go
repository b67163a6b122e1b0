package tool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/mnemo/internal/concurrency"
	"github.com/harunnryd/mnemo/internal/logger"
	"github.com/harunnryd/mnemo/internal/message"
	"github.com/harunnryd/mnemo/internal/metrics"
)

// ErrorPrefix marks a tool result that reports a failure instead of an answer.
const ErrorPrefix = "**Tool call resulted in error: **"

// SuccessResult stands in for a tool that returned nothing.
const SuccessResult = "Success"

// Observer is told about every invocation, typically to show progress in the UI.
type Observer interface {
	BeforeInvoke(ctx context.Context, call message.ToolCall)
	AfterInvoke(ctx context.Context, call message.ToolCall, result string, err error)
}

// Bridge runs tool calls requested by the model. It never fails: every error becomes the
// text of the tool result so the conversation can go on.
type Bridge struct {
	registry *Registry
	observer Observer
	metrics  *metrics.Metrics
}

type BridgeOption func(*Bridge)

func WithObserver(o Observer) BridgeOption {
	return func(b *Bridge) {
		b.observer = o
	}
}

func WithMetrics(m *metrics.Metrics) BridgeOption {
	return func(b *Bridge) {
		b.metrics = m
	}
}

func NewBridge(registry *Registry, opts ...BridgeOption) *Bridge {
	b := &Bridge{registry: registry}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Registry returns the tools the bridge can run.
func (b *Bridge) Registry() *Registry {
	return b.registry
}

// Invoke runs call and returns the content of its tool message.
func (b *Bridge) Invoke(ctx context.Context, call message.ToolCall) string {
	if b.observer != nil {
		b.observer.BeforeInvoke(ctx, call)
	}

	result, err := b.invoke(ctx, call)
	if err != nil {
		result = ErrorPrefix + err.Error()
		b.metrics.ToolCall("error")
	} else {
		b.metrics.ToolCall("ok")
	}

	if b.observer != nil {
		b.observer.AfterInvoke(ctx, call, result, err)
	}
	return result
}

func (b *Bridge) invoke(ctx context.Context, call message.ToolCall) (string, error) {
	name := NormalizeToolName(call.FunctionName)
	t, ok := b.registry.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if err := t.Schema().Validate(call.Arguments); err != nil {
		slog.Warn("Tool input validation failed", "tool", name, "error", err)
		return "", fmt.Errorf("invalid input: %w", err)
	}

	start := time.Now()
	traceID := logger.GetTraceID(ctx)
	slog.Info("Executing tool", "tool", name, "call_id", call.ID, "trace_id", traceID)

	var result string
	err := concurrency.Guard("tool:"+name, func() error {
		var err error
		result, err = t.Execute(ctx, call.Arguments)
		return err
	})

	duration := time.Since(start)
	if err != nil {
		slog.Error("Tool execution failed", "tool", name, "error", err, "duration", duration, "trace_id", traceID)
		return "", err
	}

	slog.Info("Tool execution success", "tool", name, "duration", duration, "trace_id", traceID)
	if strings.TrimSpace(result) == "" {
		return SuccessResult, nil
	}
	return result, nil
}
