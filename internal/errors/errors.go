package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrInvalidInput - invalid input (show validation error in interactive, fail the turn)
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound - resource not found
	ErrNotFound = errors.New("not found")

	// ErrConflict - conflicting write on the active context window (retry)
	ErrConflict = errors.New("conflict")

	// ErrTransient - transient error (rate limit, provider unavailable; retry against fallback)
	ErrTransient = errors.New("transient error")

	// ErrInvalidModelOutput - model returned malformed structured output
	ErrInvalidModelOutput = errors.New("invalid model output")

	// ErrInternal - internal error
	ErrInternal = errors.New("internal error")
)

// Structural conditions on a context window. Repaired silently unless strict validation is on.
var (
	ErrMissingSystemInstruction   = errors.New("first message is not the system instruction")
	ErrMisplacedSystemInstruction = errors.New("system instruction found after position 0")
	ErrMissingToolResult          = errors.New("assistant tool call not followed by a tool message")
	ErrOrphanedToolResult         = errors.New("tool message has no preceding assistant tool call")
	ErrRoleAlternation            = errors.New("first non-system message must be from the user")
)

// Fatal-for-this-turn conditions. The window stays usable for the next turn.
var (
	ErrToolCallProtocol  = errors.New("new tool call started, but old one is not yet complete")
	ErrMissingToolCall   = errors.New("forced tool was not called")
	ErrInvalidForceTool  = errors.New("invalid forced tool")
	ErrMaxToolIterations = errors.New("maximum tool iterations exceeded")
)

// IsStructural reports whether err is one of the repairable window conditions.
func IsStructural(err error) bool {
	return errors.Is(err, ErrMissingSystemInstruction) ||
		errors.Is(err, ErrMisplacedSystemInstruction) ||
		errors.Is(err, ErrMissingToolResult) ||
		errors.Is(err, ErrOrphanedToolResult) ||
		errors.Is(err, ErrRoleAlternation)
}

// IsFatalForTurn reports whether err aborts the current turn without poisoning the session.
func IsFatalForTurn(err error) bool {
	return errors.Is(err, ErrToolCallProtocol) ||
		errors.Is(err, ErrMissingToolCall) ||
		errors.Is(err, ErrInvalidForceTool) ||
		errors.Is(err, ErrMaxToolIterations) ||
		errors.Is(err, ErrMissingToolResult)
}
