package message

import (
	"time"
)

// Clock is the time source used to stamp CreatedAt. Tests replace it.
type Clock func() time.Time

// UTCNow is the default Clock.
func UTCNow() time.Time {
	return time.Now().UTC()
}

// Builder stamps new messages with a consistent clock and chat model.
type Builder struct {
	Now       Clock
	ChatModel string
}

func NewBuilder(chatModel string) *Builder {
	return &Builder{Now: UTCNow, ChatModel: chatModel}
}

func (b *Builder) now() time.Time {
	if b == nil || b.Now == nil {
		return UTCNow()
	}
	return b.Now()
}

func (b *Builder) model() string {
	if b == nil {
		return ""
	}
	return b.ChatModel
}

// Instruction builds the system instruction. Content should already start with
// SystemInstructionLabel.
func (b *Builder) Instruction(content string) Message {
	return Message{Role: RoleSystem, Content: content, CreatedAt: b.now(), IsInstruction: true}
}

func (b *Builder) System(content string, metadata ...MemoryMetadata) Message {
	m := Message{Role: RoleSystem, Content: content, CreatedAt: b.now()}
	if len(metadata) > 0 {
		m.MemoryMetadata = append([]MemoryMetadata(nil), metadata...)
	}
	return m
}

func (b *Builder) User(content string) Message {
	return Message{Role: RoleUser, Content: content, CreatedAt: b.now()}
}

// Turn builds a message for an incoming turn of the given role.
func (b *Builder) Turn(role Role, content string) Message {
	return Message{Role: role, Content: content, CreatedAt: b.now()}
}

func (b *Builder) Assistant(content string, calls []ToolCall) Message {
	m := Message{Role: RoleAssistant, Content: content, CreatedAt: b.now(), ChatModel: b.model()}
	if len(calls) > 0 {
		m.ToolCalls = append([]ToolCall(nil), calls...)
	}
	return m
}

func (b *Builder) Tool(toolCallID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: toolCallID, CreatedAt: b.now(), ChatModel: b.model()}
}
