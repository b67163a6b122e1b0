package contextwindow

import (
	"fmt"
	"log/slog"

	mnemoErrors "github.com/harunnryd/mnemo/internal/errors"
	"github.com/harunnryd/mnemo/internal/message"
	"github.com/harunnryd/mnemo/internal/model/contract"
)

const (
	// HiddenNotePrefix marks interior system notes relabelled for providers without an
	// interior system role.
	HiddenNotePrefix = "[This is a system message, representing internal thought process of the assistant]"

	// ConversationStartPlaceholder opens a window whose first turn is not from the user.
	ConversationStartPlaceholder = "The user has begun the conversation"
)

type ValidatorOptions struct {
	// Strict turns every repair into a typed error.
	Strict bool
	// EnsureAlternatingRoles is set for chat models that require the first turn to come from
	// the user and reject system messages after position 0. The latter is handled by
	// RequestMessages.
	EnsureAlternatingRoles bool
	// DefaultInstruction is prepended when a window has no system instruction.
	DefaultInstruction string
	Builder            *message.Builder
}

// Validator repairs structurally invalid windows before they reach a provider.
type Validator struct {
	opts ValidatorOptions
}

func NewValidator(opts ValidatorOptions) *Validator {
	if opts.DefaultInstruction == "" {
		opts.DefaultInstruction = DefaultInstruction("Mnemo")
	}
	return &Validator{opts: opts}
}

// DefaultInstruction is the minimal instruction used to repair a window.
func DefaultInstruction(assistantName string) string {
	return fmt.Sprintf("%s\nYou are %s, a helpful assistant.", message.SystemInstructionLabel, assistantName)
}

// Validate returns a repaired copy of msgs, or the first violation when strict.
func (v *Validator) Validate(msgs []message.Message) ([]message.Message, error) {
	out := message.CloneAll(msgs)

	passes := []func([]message.Message) ([]message.Message, error){
		v.instructionPlacement,
		v.toolCallsFollowed,
		v.toolResultsAnswered,
	}
	if v.opts.EnsureAlternatingRoles {
		passes = append(passes, v.alternatingRoles)
	}

	for _, pass := range passes {
		var err error
		if out, err = pass(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (v *Validator) instructionPlacement(msgs []message.Message) ([]message.Message, error) {
	out := make([]message.Message, 0, len(msgs)+1)

	if len(msgs) == 0 || !msgs[0].IsSystemInstruction() {
		if v.opts.Strict {
			return nil, mnemoErrors.ErrMissingSystemInstruction
		}
		slog.Error("First message is not the system instruction, repairing by inserting one")
		out = append(out, v.opts.Builder.Instruction(v.opts.DefaultInstruction))
	}

	for i, m := range msgs {
		if i > 0 && m.IsSystemInstruction() {
			if v.opts.Strict {
				return nil, fmt.Errorf("message %q at position %d: %w", m.ID, i, mnemoErrors.ErrMisplacedSystemInstruction)
			}
			slog.Error("System instruction found after position 0, repairing by dropping it", "id", m.ID, "position", i)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// toolCallsFollowed keeps only the calls of an assistant message that the tool messages
// right after it answer.
func (v *Validator) toolCallsFollowed(msgs []message.Message) ([]message.Message, error) {
	for i := range msgs {
		m := &msgs[i]
		if m.Role != message.RoleAssistant || !m.HasToolCalls() {
			continue
		}

		answered := make(map[string]bool)
		for j := i + 1; j < len(msgs) && msgs[j].Role == message.RoleTool; j++ {
			answered[msgs[j].ToolCallID] = true
		}

		var kept []message.ToolCall
		for _, tc := range m.ToolCalls {
			if answered[tc.ID] {
				kept = append(kept, tc)
			}
		}
		if len(kept) == len(m.ToolCalls) {
			continue
		}

		if v.opts.Strict {
			return nil, fmt.Errorf("message %q: %w", m.ID, mnemoErrors.ErrMissingToolResult)
		}
		slog.Error("Assistant tool calls not followed by tool messages, repairing by removing them",
			"id", m.ID, "calls", len(m.ToolCalls), "answered", len(kept))
		m.ToolCalls = kept
	}
	return msgs, nil
}

// toolResultsAnswered drops tool messages that do not answer a call of the most recent
// assistant message, and repeated answers to the same call.
func (v *Validator) toolResultsAnswered(msgs []message.Message) ([]message.Message, error) {
	out := make([]message.Message, 0, len(msgs))

	var (
		lastAssistant *message.Message
		answered      map[string]bool
	)
	for i := range msgs {
		m := msgs[i]
		switch m.Role {
		case message.RoleAssistant:
			lastAssistant = &msgs[i]
			answered = make(map[string]bool)
		case message.RoleTool:
			ok := m.ToolCallID != "" && lastAssistant != nil && lastAssistant.HasToolCall(m.ToolCallID) && !answered[m.ToolCallID]
			if !ok {
				if v.opts.Strict {
					return nil, fmt.Errorf("message %q: %w", m.ID, mnemoErrors.ErrOrphanedToolResult)
				}
				slog.Warn("Tool message without a matching assistant tool call, repairing by dropping it",
					"id", m.ID, "tool_call_id", m.ToolCallID)
				continue
			}
			answered[m.ToolCallID] = true
		}
		out = append(out, m)
	}
	return out, nil
}

func (v *Validator) alternatingRoles(msgs []message.Message) ([]message.Message, error) {
	for i, m := range msgs {
		if m.Role != message.RoleUser && m.Role != message.RoleAssistant {
			continue
		}
		if m.Role == message.RoleAssistant {
			if v.opts.Strict {
				return nil, fmt.Errorf("message %q: %w", m.ID, mnemoErrors.ErrRoleAlternation)
			}
			slog.Warn("First turn is from the assistant, inserting a user placeholder", "id", m.ID, "position", i)
			placeholder := v.opts.Builder.User(ConversationStartPlaceholder)
			placeholder.CreatedAt = msgs[0].CreatedAt
			msgs = append(msgs[:1], append([]message.Message{placeholder}, msgs[1:]...)...)
		}
		break
	}
	return msgs, nil
}

// RequestMessages converts a validated window for the chat model. Interior system notes are
// relabelled here and never in the window, which is persisted as is.
func (v *Validator) RequestMessages(msgs []message.Message) []contract.Message {
	return ToProviderContract(msgs, v.opts.EnsureAlternatingRoles)
}
