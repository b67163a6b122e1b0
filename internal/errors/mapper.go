package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// toolSequencingMessage is what OpenAI-compatible providers answer when the request carries an
// assistant tool call without its tool result.
const toolSequencingMessage = "an assistant message with 'tool_calls' must be followed by tool messages"

// ErrorMapper maps external errors to the mnemo error taxonomy
type ErrorMapper interface {
	MapError(err error) error
	IsRetryable(err error) bool
	Category(err error) string
}

// DefaultErrorMapper implements mnemo error taxonomy mapping
type DefaultErrorMapper struct{}

// NewDefaultErrorMapper creates a new error mapper
func NewDefaultErrorMapper() *DefaultErrorMapper {
	return &DefaultErrorMapper{}
}

// MapError maps provider and storage errors to mnemo error categories.
// Errors already carrying a mnemo sentinel are returned unchanged.
func (m *DefaultErrorMapper) MapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("request timeout: %w", ErrTransient)
	}

	if m.Category(err) != "Unknown" {
		return err
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, toolSequencingMessage):
		return fmt.Errorf("provider rejected tool call sequencing: %v: %w", err, ErrMissingToolResult)

	case strings.Contains(errStr, "rate limit"), strings.Contains(errStr, "quota"), strings.Contains(errStr, "too many requests"),
		strings.Contains(errStr, "overloaded"), strings.Contains(errStr, "status code: 429"), strings.Contains(errStr, "status code: 503"):
		return fmt.Errorf("rate limited: %v: %w", err, ErrTransient)

	case strings.Contains(errStr, "not found"), strings.Contains(errStr, "does not exist"):
		return fmt.Errorf("resource not found: %v: %w", err, ErrNotFound)

	case strings.Contains(errStr, "invalid input"), strings.Contains(errStr, "invalid request"), strings.Contains(errStr, "bad request"):
		return fmt.Errorf("invalid request: %v: %w", err, ErrInvalidInput)

	case strings.Contains(errStr, "invalid model output"), strings.Contains(errStr, "malformed json"), strings.Contains(errStr, "invalid json"):
		return fmt.Errorf("invalid model output: %v: %w", err, ErrInvalidModelOutput)

	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return fmt.Errorf("request timeout: %v: %w", err, ErrTransient)

	case strings.Contains(errStr, "network"), strings.Contains(errStr, "connection"), strings.Contains(errStr, "unreachable"):
		return fmt.Errorf("network error: %v: %w", err, ErrTransient)

	case strings.Contains(errStr, "conflict"), strings.Contains(errStr, "database is locked"), strings.Contains(errStr, "could not serialize"):
		return fmt.Errorf("conflict: %v: %w", err, ErrConflict)

	default:
		return fmt.Errorf("internal error: %v: %w", err, ErrInternal)
	}
}

// IsRetryable determines if an error should trigger a retry
func (m *DefaultErrorMapper) IsRetryable(err error) bool {
	return IsRetryable(err)
}

// Category returns the mnemo error category for an error
func (m *DefaultErrorMapper) Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrMissingSystemInstruction):
		return "ErrMissingSystemInstruction"
	case errors.Is(err, ErrMisplacedSystemInstruction):
		return "ErrMisplacedSystemInstruction"
	case errors.Is(err, ErrMissingToolResult):
		return "ErrMissingToolResult"
	case errors.Is(err, ErrOrphanedToolResult):
		return "ErrOrphanedToolResult"
	case errors.Is(err, ErrRoleAlternation):
		return "ErrRoleAlternation"
	case errors.Is(err, ErrToolCallProtocol):
		return "ErrToolCallProtocol"
	case errors.Is(err, ErrMissingToolCall):
		return "ErrMissingToolCall"
	case errors.Is(err, ErrInvalidForceTool):
		return "ErrInvalidForceTool"
	case errors.Is(err, ErrMaxToolIterations):
		return "ErrMaxToolIterations"
	case errors.Is(err, ErrInvalidInput):
		return "ErrInvalidInput"
	case errors.Is(err, ErrNotFound):
		return "ErrNotFound"
	case errors.Is(err, ErrConflict):
		return "ErrConflict"
	case errors.Is(err, ErrTransient):
		return "ErrTransient"
	case errors.Is(err, ErrInvalidModelOutput):
		return "ErrInvalidModelOutput"
	case errors.Is(err, ErrInternal):
		return "ErrInternal"
	default:
		return "Unknown"
	}
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", message, err)
}

// WrapWithCategory wraps an error with a specific category, keeping the cause text
func WrapWithCategory(err error, message string, category error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %v: %w", message, err, category)
}

// IsCategory checks if error belongs to specific category
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// NotFound wraps error as not found
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// InvalidInput wraps error as invalid input
func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

// Transient wraps error as transient
func Transient(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTransient)
}

// Internal wraps error as internal
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// InvalidModelOutput wraps error as invalid model output
func InvalidModelOutput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidModelOutput)
}

// IsRetryable checks if an error is transient or conflict related, indicating it can be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrConflict)
}
