package contextwindow

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/mnemo/internal/message"
)

// TimestampLayout is how message times are shown to the model.
const TimestampLayout = "Monday, January 02, 2006 03:04 PM MST"

func FormatTime(t time.Time) string {
	return t.Format(TimestampLayout)
}

// FormatConversation renders messages as a transcript for summaries and memory formation.
func FormatConversation(msgs []message.Message, userName, assistantName string) string {
	userLabel := "USER"
	if strings.TrimSpace(userName) != "" {
		userLabel = strings.ToUpper(userName)
	}
	assistantLabel := "ASSISTANT"
	if strings.TrimSpace(assistantName) != "" {
		assistantLabel = strings.ToUpper(assistantName)
	}

	var (
		lines     []string
		first     time.Time
		last      time.Time
		userTurns int
	)
	for _, m := range msgs {
		ts := FormatTime(m.CreatedAt)
		switch m.Role {
		case message.RoleSystem:
			lines = append(lines, fmt.Sprintf("SYSTEM (%s): %s", ts, m.Content))
		case message.RoleUser:
			lines = append(lines, fmt.Sprintf("%s (%s): %s", userLabel, ts, m.Content))
			if userTurns == 0 || m.CreatedAt.Before(first) {
				first = m.CreatedAt
			}
			if userTurns == 0 || m.CreatedAt.After(last) {
				last = m.CreatedAt
			}
			userTurns++
		case message.RoleAssistant:
			if m.Content != "" {
				lines = append(lines, fmt.Sprintf("%s (%s): %s", assistantLabel, ts, m.Content))
			}
			for _, tc := range m.ToolCalls {
				lines = append(lines, fmt.Sprintf("%s TOOL CALL REQUEST (%s): function name: %s, arguments: %s",
					assistantLabel, ts, tc.FunctionName, string(tc.Arguments)))
			}
			if m.Content == "" && !m.HasToolCalls() {
				slog.Warn("Assistant message without text or tool calls", "id", m.ID)
			}
		case message.RoleTool:
			lines = append(lines, fmt.Sprintf("TOOL CALL RESULT (%s): %s", ts, m.Content))
		}
	}

	span := "No messages in context"
	if userTurns > 0 {
		span = fmt.Sprintf("Messages from %s to %s", FormatTime(first), FormatTime(last))
	}
	return strings.Join(lines, "\n") + "\n" + span
}
