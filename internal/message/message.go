// Package message defines the unit of conversational context and the invariants every
// context window relies on.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of message roles understood by every provider.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

func (r Role) String() string {
	return string(r)
}

// ParseRole accepts a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// EntityType names a long-term memory class that can be surfaced into context.
type EntityType string

const (
	EntityMemory EntityType = "memory"
	EntityGoal   EntityType = "goal"
)

// SystemInstructionLabel opens every system instruction so the model can tell it apart from
// injected notices. Detection in code uses Message.IsInstruction.
const SystemInstructionLabel = "<system_instruction>"

// ToolCall is a completed, model-issued function call.
type ToolCall struct {
	ID           string          `json:"id"`
	FunctionName string          `json:"function_name"`
	Arguments    json.RawMessage `json:"arguments"`
}

// MemoryMetadata ties a message to the long-term entity it surfaced.
type MemoryMetadata struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Name       string     `json:"name"`
}

type Message struct {
	ID             string           `json:"id,omitempty"`
	Role           Role             `json:"role"`
	Content        string           `json:"content,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	ToolCalls      []ToolCall       `json:"tool_calls,omitempty"`
	ToolCallID     string           `json:"tool_call_id,omitempty"`
	MemoryMetadata []MemoryMetadata `json:"memory_metadata,omitempty"`
	IsInstruction  bool             `json:"is_instruction,omitempty"`
	ChatModel      string           `json:"chat_model,omitempty"`
}

// Persisted reports whether the message already has a durable record.
func (m Message) Persisted() bool {
	return m.ID != ""
}

// IsSystemInstruction reports whether m is the distinguished first message of a window.
func (m Message) IsSystemInstruction() bool {
	return m.Role == RoleSystem && m.IsInstruction
}

func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// HasToolCall reports whether m carries a call with the given id.
func (m Message) HasToolCall(id string) bool {
	for _, tc := range m.ToolCalls {
		if tc.ID == id {
			return true
		}
	}
	return false
}

// References reports whether m surfaced the given entity.
func (m Message) References(entityType EntityType, entityID string) bool {
	for _, md := range m.MemoryMetadata {
		if md.EntityType == entityType && md.EntityID == entityID {
			return true
		}
	}
	return false
}

// Validate checks the per-message invariants.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("message %q: invalid role %q", m.ID, m.Role)
	}
	if len(m.ToolCalls) > 0 && m.Role != RoleAssistant {
		return fmt.Errorf("message %q: tool_calls only allowed on assistant, got %s", m.ID, m.Role)
	}
	if m.ToolCallID != "" && m.Role != RoleTool {
		return fmt.Errorf("message %q: tool_call_id only allowed on tool, got %s", m.ID, m.Role)
	}
	if m.Role == RoleTool && m.ToolCallID == "" {
		return fmt.Errorf("message %q: tool message without tool_call_id", m.ID)
	}
	if m.IsInstruction && m.Role != RoleSystem {
		return fmt.Errorf("message %q: system instruction must have system role", m.ID)
	}
	for _, tc := range m.ToolCalls {
		if tc.ID == "" || tc.FunctionName == "" {
			return fmt.Errorf("message %q: tool call missing id or function name", m.ID)
		}
	}
	return nil
}

// Clone returns a deep copy so callers may mutate slices freely.
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = tc
			if tc.Arguments != nil {
				out.ToolCalls[i].Arguments = append(json.RawMessage(nil), tc.Arguments...)
			}
		}
	}
	if m.MemoryMetadata != nil {
		out.MemoryMetadata = append([]MemoryMetadata(nil), m.MemoryMetadata...)
	}
	return out
}

// CloneAll deep-copies a window.
func CloneAll(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// ReferencesEntity reports whether any message of the window surfaced the entity.
func ReferencesEntity(window []Message, entityType EntityType, entityID string) bool {
	for _, m := range window {
		if m.References(entityType, entityID) {
			return true
		}
	}
	return false
}

// CountRole returns the number of messages with role r.
func CountRole(window []Message, r Role) int {
	n := 0
	for _, m := range window {
		if m.Role == r {
			n++
		}
	}
	return n
}
