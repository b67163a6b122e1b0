package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapError_Categories(t *testing.T) {
	m := NewDefaultErrorMapper()

	tests := []struct {
		name string
		in   error
		want error
	}{
		{"rate limit", errors.New("429 Too Many Requests: rate limit reached"), ErrTransient},
		{"overloaded", errors.New("anthropic: overloaded_error"), ErrTransient},
		{"deadline", context.DeadlineExceeded, ErrTransient},
		{"tool sequencing", errors.New("error, status code: 400, message: An assistant message with 'tool_calls' must be followed by tool messages responding to each 'tool_call_id'"), ErrMissingToolResult},
		{"not found", errors.New("model gpt-x does not exist"), ErrNotFound},
		{"bad request", errors.New("bad request: missing field"), ErrInvalidInput},
		{"locked", errors.New("database is locked"), ErrConflict},
		{"unknown", errors.New("boom"), ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := m.MapError(tt.in)
			assert.ErrorIs(t, mapped, tt.want)
		})
	}
}

func TestMapError_KeepsKnownSentinels(t *testing.T) {
	m := NewDefaultErrorMapper()

	in := fmt.Errorf("turn failed: %w", ErrMissingToolCall)
	assert.Same(t, in, m.MapError(in))

	assert.ErrorIs(t, m.MapError(context.Canceled), context.Canceled)
	assert.Nil(t, m.MapError(nil))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Transient("provider busy")))
	assert.True(t, IsRetryable(fmt.Errorf("swap: %w", ErrConflict)))
	assert.False(t, IsRetryable(InvalidInput("bad")))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(nil))
}

func TestStructuralAndFatalClassification(t *testing.T) {
	assert.True(t, IsStructural(fmt.Errorf("validate: %w", ErrOrphanedToolResult)))
	assert.False(t, IsStructural(ErrToolCallProtocol))

	assert.True(t, IsFatalForTurn(ErrToolCallProtocol))
	assert.True(t, IsFatalForTurn(fmt.Errorf("x: %w", ErrMaxToolIterations)))
	assert.False(t, IsFatalForTurn(ErrTransient))
}

func TestWrapWithCategory_KeepsCause(t *testing.T) {
	err := WrapWithCategory(errors.New("socket closed"), "stream failed", ErrTransient)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Contains(t, err.Error(), "socket closed")
	assert.Equal(t, "ErrTransient", NewDefaultErrorMapper().Category(err))
}
