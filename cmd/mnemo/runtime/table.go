package runtime

import (
	"fmt"
	"strings"

	"github.com/harunnryd/mnemo/internal/message"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
)

type TableFormatter struct {
	headerStyle  lipgloss.Style
	oddRowStyle  lipgloss.Style
	evenRowStyle lipgloss.Style
	borderStyle  lipgloss.Style
}

func NewTableFormatter() *TableFormatter {
	purple := lipgloss.Color("99")
	gray := lipgloss.Color("245")
	lightGray := lipgloss.Color("241")

	return &TableFormatter{
		headerStyle: lipgloss.NewStyle().
			Foreground(purple).
			Bold(true).
			Align(lipgloss.Center).
			Padding(0, 1),
		oddRowStyle: lipgloss.NewStyle().
			Foreground(gray).
			Padding(0, 1),
		evenRowStyle: lipgloss.NewStyle().
			Foreground(lightGray).
			Padding(0, 1),
		borderStyle: lipgloss.NewStyle().
			Foreground(purple),
	}
}

// FormatMessages renders a context window, one row per message.
func (f *TableFormatter) FormatMessages(msgs []message.Message) string {
	if len(msgs) == 0 {
		return "No messages in context"
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return f.headerStyle
			case row%2 == 0:
				return f.evenRowStyle
			default:
				return f.oddRowStyle
			}
		}).
		Headers("#", "Role", "Created", "Content", "Memory")

	for i, m := range msgs {
		t.Row(
			fmt.Sprintf("%d", i),
			roleLabel(m),
			m.CreatedAt.Local().Format("Jan 02 15:04"),
			truncateString(summarizeContent(m), 60),
			truncateString(memoryNames(m), 25),
		)
	}

	return t.String()
}

func roleLabel(m message.Message) string {
	switch {
	case m.IsSystemInstruction():
		return "instruction"
	case m.HasToolCalls():
		return "assistant (tool call)"
	default:
		return string(m.Role)
	}
}

func summarizeContent(m message.Message) string {
	if m.HasToolCalls() {
		calls := make([]string, len(m.ToolCalls))
		for i, c := range m.ToolCalls {
			calls[i] = fmt.Sprintf("%s(%s)", c.FunctionName, string(c.Arguments))
		}
		return strings.Join(calls, ", ")
	}
	return strings.Join(strings.Fields(m.Content), " ")
}

func memoryNames(m message.Message) string {
	names := make([]string, len(m.MemoryMetadata))
	for i, md := range m.MemoryMetadata {
		names[i] = fmt.Sprintf("%s:%s", md.EntityType, md.Name)
	}
	return strings.Join(names, ", ")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
