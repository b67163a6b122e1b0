package runtime

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/harunnryd/mnemo/internal/contextwindow"
	"github.com/harunnryd/mnemo/internal/message"
	"github.com/harunnryd/mnemo/internal/store"
	"github.com/harunnryd/mnemo/internal/tool"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reminderTool struct {
	got    json.RawMessage
	userID string
}

func (r *reminderTool) Schema() tool.Schema {
	return tool.Schema{
		Name:        "set_reminder",
		Description: "Set a reminder\nSecond line is not shown in help.",
		Params: []tool.Param{
			{Name: "minutes", Type: tool.TypeInteger, Required: true},
			{Name: "loud", Type: tool.TypeBoolean, Required: true},
			{Name: "text", Type: tool.TypeString, Required: true},
		},
	}
}

func (r *reminderTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	r.got = input
	ec, _ := tool.ExecContextFrom(ctx)
	r.userID = ec.UserID
	return "Reminder set", nil
}

func newTestHandler(t *testing.T) (*CommandHandler, *store.SQLStore, *reminderTool) {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "mnemo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	reminder := &reminderTool{}
	reg := tool.NewRegistry()
	reg.Register(reminder)

	return &CommandHandler{
		userID:     "u1",
		store:      s,
		operations: &contextwindow.Operations{Store: s, Builder: message.NewBuilder("gpt-4o")},
		bridge:     tool.NewBridge(reg),
		formatter:  NewTableFormatter(),
	}, s, reminder
}

func TestToolArguments(t *testing.T) {
	schema := (&reminderTool{}).Schema()

	t.Run("positional with trailing text", func(t *testing.T) {
		raw, err := ToolArguments(schema, []string{"15", "true", "call", "mom"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"minutes":15,"loud":true,"text":"call mom"}`, string(raw))
	})

	t.Run("missing args are omitted", func(t *testing.T) {
		raw, err := ToolArguments(schema, []string{"5"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"minutes":5}`, string(raw))
	})

	t.Run("no params", func(t *testing.T) {
		raw, err := ToolArguments(tool.Schema{Name: "now"}, []string{"ignored"})
		require.NoError(t, err)
		assert.JSONEq(t, `{}`, string(raw))
	})

	t.Run("bad integer", func(t *testing.T) {
		_, err := ToolArguments(schema, []string{"soon"})
		assert.ErrorContains(t, err, "minutes must be an integer")
	})

	t.Run("bad boolean", func(t *testing.T) {
		_, err := ToolArguments(schema, []string{"1", "maybe", "x"})
		assert.ErrorContains(t, err, "loud must be true or false")
	})

	t.Run("number", func(t *testing.T) {
		raw, err := ToolArguments(tool.Schema{Params: []tool.Param{{Name: "x", Type: tool.TypeNumber}}}, []string{"1.5"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"x":1.5}`, string(raw))
	})
}

func TestCommandHandler_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("CanHandle", func(t *testing.T) {
		h, _, _ := newTestHandler(t)
		assert.True(t, h.CanHandle("/help"))
		assert.False(t, h.CanHandle("hello /help"))
	})

	t.Run("help lists commands and tools", func(t *testing.T) {
		h, _, _ := newTestHandler(t)
		out := h.Execute(ctx, "/help")
		assert.Contains(t, out, "/reset_messages")
		assert.Contains(t, out, "/set_reminder")
		assert.Contains(t, out, "Set a reminder")
		assert.NotContains(t, out, "Second line")
	})

	t.Run("unknown command", func(t *testing.T) {
		h, _, _ := newTestHandler(t)
		assert.Equal(t, "Unknown command: /nope. Type /help for a list.", h.Execute(ctx, "/nope"))
	})

	t.Run("tool with quoted args", func(t *testing.T) {
		h, _, reminder := newTestHandler(t)
		out := h.Execute(ctx, `/set_reminder 10 false "water the plants"`)
		assert.Equal(t, "Reminder set", out)
		assert.JSONEq(t, `{"minutes":10,"loud":false,"text":"water the plants"}`, string(reminder.got))
		assert.Equal(t, "u1", reminder.userID)
	})

	t.Run("tool argument error", func(t *testing.T) {
		h, _, _ := newTestHandler(t)
		assert.Equal(t, `Command failed: minutes must be an integer, got "ten"`, h.Execute(ctx, "/set_reminder ten true x"))
	})

	t.Run("tool validation failure is reported as tool output", func(t *testing.T) {
		h, _, _ := newTestHandler(t)
		out := h.Execute(ctx, "/set_reminder 10")
		assert.Contains(t, out, tool.ErrorPrefix)
	})

	t.Run("internal thought", func(t *testing.T) {
		h, s, _ := newTestHandler(t)
		assert.Equal(t, "Usage: /add_internal_thought <text>", h.Execute(ctx, "/add_internal_thought"))

		out := h.Execute(ctx, "/add_internal_thought the user seems tired")
		assert.Equal(t, "Internal thought added: the user seems tired", out)

		window, err := s.GetContext(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, window, 1)
		assert.Equal(t, message.RoleSystem, window[0].Role)
		assert.Equal(t, "the user seems tired", window[0].Content)
	})

	t.Run("print context", func(t *testing.T) {
		h, _, _ := newTestHandler(t)
		assert.Equal(t, "No messages in context", h.Execute(ctx, "/print_context_messages"))

		h.Execute(ctx, "/add_internal_thought remember the milk")
		out := h.Execute(ctx, "/print_context_messages")
		assert.Contains(t, out, "remember the milk")
		assert.Contains(t, out, "system")
	})
}
