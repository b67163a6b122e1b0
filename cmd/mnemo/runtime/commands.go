package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/harunnryd/mnemo/internal/contextwindow"
	"github.com/harunnryd/mnemo/internal/message"
	"github.com/harunnryd/mnemo/internal/tool"

	"github.com/google/shlex"
)

// CommandHandler runs slash commands typed into the REPL. Every registered tool is available
// as /<tool_name> with positional arguments; a few commands exist only for the user.
type CommandHandler struct {
	userID     string
	store      contextwindow.MessageStore
	operations *contextwindow.Operations
	bridge     *tool.Bridge
	formatter  *TableFormatter
}

func NewCommandHandler(c *Components) *CommandHandler {
	return &CommandHandler{
		userID:     c.UserID,
		store:      c.Store,
		operations: c.Operations,
		bridge:     c.Bridge,
		formatter:  NewTableFormatter(),
	}
}

var userOnlyCommands = map[string]string{
	"/help":                   "List available commands",
	"/exit":                   "Leave the chat",
	"/reset_messages":         "Start a new conversation with a fresh system instruction",
	"/print_context_messages": "Show the messages currently in context",
	"/add_internal_thought":   "Add a hidden note for the assistant: /add_internal_thought <text>",
}

func (h *CommandHandler) CanHandle(input string) bool {
	return strings.HasPrefix(input, "/")
}

// Execute runs input and returns the text to show. Failures are part of the text.
func (h *CommandHandler) Execute(ctx context.Context, input string) string {
	parts, parseErr := shlex.Split(input)
	if parseErr != nil {
		parts = strings.Fields(input)
	}
	if len(parts) == 0 {
		return ""
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	slog.Info("Executing slash command", "cmd", cmd, "user", h.userID)

	var (
		msg string
		err error
	)
	switch cmd {
	case "/help":
		msg = h.helpText()
	case "/reset_messages":
		msg, err = h.operations.ResetMessages(ctx, h.userID)
	case "/print_context_messages":
		msg, err = h.printContext(ctx)
	case "/add_internal_thought":
		if len(args) == 0 {
			return "Usage: /add_internal_thought <text>"
		}
		msg, err = h.operations.AddInternalThought(ctx, h.userID, strings.Join(args, " "))
	default:
		msg, err = h.invokeTool(ctx, strings.TrimPrefix(cmd, "/"), args)
	}

	if err != nil {
		slog.Error("Command execution failed", "cmd", cmd, "error", err)
		return fmt.Sprintf("Command failed: %v", err)
	}
	return msg
}

func (h *CommandHandler) invokeTool(ctx context.Context, name string, args []string) (string, error) {
	t, ok := h.bridge.Registry().Get(name)
	if !ok {
		return fmt.Sprintf("Unknown command: /%s. Type /help for a list.", name), nil
	}
	input, err := ToolArguments(t.Schema(), args)
	if err != nil {
		return "", err
	}
	ctx = tool.WithExecContext(ctx, tool.ExecContext{UserID: h.userID})
	return h.bridge.Invoke(ctx, message.ToolCall{ID: "cmd_" + name, FunctionName: name, Arguments: input}), nil
}

// ToolArguments maps positional arguments onto the parameters of schema in order. The last
// parameter takes the remaining arguments joined by spaces.
func ToolArguments(schema tool.Schema, args []string) (json.RawMessage, error) {
	obj := make(map[string]interface{}, len(schema.Params))
	for i, p := range schema.Params {
		if i >= len(args) {
			break
		}
		raw := args[i]
		if i == len(schema.Params)-1 {
			raw = strings.Join(args[i:], " ")
		}

		switch p.Type {
		case tool.TypeInteger:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("%s must be an integer, got %q", p.Name, raw)
			}
			obj[p.Name] = n
		case tool.TypeNumber:
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("%s must be a number, got %q", p.Name, raw)
			}
			obj[p.Name] = f
		case tool.TypeBoolean:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, fmt.Errorf("%s must be true or false, got %q", p.Name, raw)
			}
			obj[p.Name] = b
		default:
			obj[p.Name] = raw
		}
	}
	return json.Marshal(obj)
}

func (h *CommandHandler) printContext(ctx context.Context) (string, error) {
	msgs, err := h.store.GetContext(ctx, h.userID)
	if err != nil {
		return "", err
	}
	return h.formatter.FormatMessages(msgs), nil
}

func (h *CommandHandler) helpText() string {
	var b strings.Builder
	b.WriteString("Commands:\n")

	names := make([]string, 0, len(userOnlyCommands))
	for name := range userOnlyCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "  %-34s %s\n", name, userOnlyCommands[name])
	}

	b.WriteString("\nTools:\n")
	for _, def := range h.bridge.Registry().Definitions() {
		fmt.Fprintf(&b, "  %-34s %s\n", "/"+def.Name, firstLine(def.Description))
	}
	return strings.TrimRight(b.String(), "\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
