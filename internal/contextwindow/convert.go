package contextwindow

import (
	"github.com/harunnryd/mnemo/internal/message"
	"github.com/harunnryd/mnemo/internal/model/contract"
)

// ToContract converts a window into provider messages.
func ToContract(msgs []message.Message) []contract.Message {
	return ToProviderContract(msgs, false)
}

// ToProviderContract converts a window into provider messages. With alternatingRoles every
// system message after the first is sent as a user message behind HiddenNotePrefix.
func ToProviderContract(msgs []message.Message, alternatingRoles bool) []contract.Message {
	out := make([]contract.Message, 0, len(msgs))
	for i, m := range msgs {
		cm := contract.Message{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		if alternatingRoles && i > 0 && m.Role == message.RoleSystem {
			cm.Role = string(message.RoleUser)
			cm.Content = HiddenNotePrefix + "\n" + m.Content
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, &contract.ToolCall{
				ID:    tc.ID,
				Name:  tc.FunctionName,
				Input: string(tc.Arguments),
			})
		}
		out = append(out, cm)
	}
	return out
}
