package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/mnemo/internal/contextwindow"
	mnemoErrors "github.com/harunnryd/mnemo/internal/errors"
	"github.com/harunnryd/mnemo/internal/message"
	"github.com/harunnryd/mnemo/internal/metrics"
	"github.com/harunnryd/mnemo/internal/model/contract"
	"github.com/harunnryd/mnemo/internal/store"
	"github.com/harunnryd/mnemo/internal/tool"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func tickingBuilder() *message.Builder {
	var mu sync.Mutex
	ts := baseTime
	return &message.Builder{
		ChatModel: "gpt-4o",
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			ts = ts.Add(time.Second)
			return ts
		},
	}
}

type script struct {
	events []contract.StreamEvent
	err    error
	// after runs once the events were delivered.
	after func()
}

// scriptedStreamer replays one script per Stream call and records the requests.
type scriptedStreamer struct {
	mu       sync.Mutex
	scripts  []script
	requests []contract.CompletionRequest
}

func (s *scriptedStreamer) Stream(ctx context.Context, model string, req contract.CompletionRequest, onEvent contract.StreamHandler) error {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var sc script
	if len(s.scripts) > 0 {
		sc, s.scripts = s.scripts[0], s.scripts[1:]
	} else {
		sc = script{events: []contract.StreamEvent{{TextDelta: "..."}}}
	}
	s.mu.Unlock()

	for _, ev := range sc.events {
		if err := onEvent(ev); err != nil {
			return err
		}
	}
	if sc.after != nil {
		sc.after()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return sc.err
}

func (s *scriptedStreamer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func text(parts ...string) script {
	var sc script
	for _, p := range parts {
		sc.events = append(sc.events, contract.StreamEvent{TextDelta: p})
	}
	return sc
}

func toolCall(id, name, args string) script {
	return script{events: []contract.StreamEvent{
		{ToolCall: &contract.ToolCallDelta{Index: 0, ID: id, Name: name}},
		{ToolCall: &contract.ToolCallDelta{Index: 0, Arguments: args}},
	}}
}

type setNameTool struct{}

func (setNameTool) Schema() tool.Schema {
	return tool.Schema{
		Name:        "set_name",
		Description: "Set the preferred name of the user",
		Params:      []tool.Param{{Name: "name", Type: tool.TypeString, Required: true}},
	}
}

func (setNameTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", err
	}
	ec, _ := tool.ExecContextFrom(ctx)
	return "Name set to " + in.Name + " for " + ec.UserID, nil
}

type fixedInjector struct {
	msgs []message.Message
	err  error
}

func (f fixedInjector) Inject(context.Context, string, []message.Message) ([]message.Message, error) {
	return f.msgs, f.err
}

type harness struct {
	store    *store.SQLStore
	streamer *scriptedStreamer
	metrics  *metrics.Metrics
	builder  *message.Builder
	states   []State
}

func newHarness(t *testing.T, cfg Config, scripts ...script) (*harness, *Processor, Deps) {
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "mnemo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	registry := tool.NewRegistry()
	registry.Register(setNameTool{})

	h := &harness{
		store:    s,
		streamer: &scriptedStreamer{scripts: scripts},
		metrics:  metrics.New(),
		builder:  tickingBuilder(),
	}
	deps := Deps{
		Store:     s,
		Validator: contextwindow.NewValidator(contextwindow.ValidatorOptions{Builder: h.builder}),
		Streamer:  h.streamer,
		Bridge:    tool.NewBridge(registry),
		Builder:   h.builder,
		Metrics:   h.metrics,
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	p := NewProcessor(deps, cfg)
	p.OnStateChange = func(_ string, st State) { h.states = append(h.states, st) }
	return h, p, deps
}

func (h *harness) window(t *testing.T) []message.Message {
	got, err := h.store.GetContext(context.Background(), "cli")
	require.NoError(t, err)
	return got
}

func (h *harness) seed(t *testing.T) []message.Message {
	saved, err := h.store.ReplaceContext(context.Background(), "cli", []message.Message{
		h.builder.Instruction(contextwindow.DefaultInstruction("Mnemo")),
		h.builder.User("earlier"),
		h.builder.Assistant("earlier reply", nil),
	})
	require.NoError(t, err)
	return saved
}

func ids(msgs []message.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func userTurn(text string) TurnRequest {
	return TurnRequest{UserID: "cli", Role: message.RoleUser, Text: text}
}

func TestProcessor_HelloWorld(t *testing.T) {
	h, p, _ := newHarness(t, Config{ToolsEnabled: true}, text("Hi ", "there!"))

	var streamed string
	res, err := p.ProcessMessage(context.Background(), userTurn("Hello, World!"), func(s string) error {
		streamed += s
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "Hi there!", streamed)
	assert.Equal(t, "Hi there!", res.Content)
	assert.Equal(t, 1, res.Iterations)
	assert.Empty(t, res.ToolCalls)

	window := h.window(t)
	require.Len(t, window, 3)
	assert.True(t, window[0].IsSystemInstruction())
	assert.Equal(t, message.RoleUser, window[1].Role)
	assert.Equal(t, "Hello, World!", window[1].Content)
	assert.Equal(t, message.RoleAssistant, window[2].Role)
	assert.NotEmpty(t, window[2].Content)
	assert.Equal(t, ids(res.Window), ids(window))

	assert.Equal(t, []State{StateAwaitingInput, StateValidating, StateStreaming, StatePersisted}, h.states)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.TurnsTotal.WithLabelValues("ok")))

	require.Len(t, h.streamer.requests, 1)
	req := h.streamer.requests[0]
	assert.Equal(t, "gpt-4o", req.Model)
	assert.Empty(t, req.ToolChoice)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "set_name", req.Tools[0].Name)
}

func TestProcessor_ToolLoop(t *testing.T) {
	h, p, _ := newHarness(t, Config{ToolsEnabled: true},
		toolCall("c1", "set_name", `{"name":"Jimmy"}`),
		text("Nice to meet you, Jimmy."),
	)

	res, err := p.ProcessMessage(context.Background(), userTurn("Call me Jimmy"), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, "Nice to meet you, Jimmy.", res.Content)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "set_name", res.ToolCalls[0].FunctionName)

	window := h.window(t)
	require.Len(t, window, 5)
	assert.True(t, window[2].HasToolCalls())
	assert.Equal(t, message.RoleTool, window[3].Role)
	assert.Equal(t, "c1", window[3].ToolCallID)
	assert.Equal(t, "Name set to Jimmy for cli", window[3].Content)
	assert.Equal(t, "Nice to meet you, Jimmy.", window[4].Content)

	assert.Contains(t, h.states, StateExecutingTools)

	require.Len(t, h.streamer.requests, 2)
	second := h.streamer.requests[1].Messages
	last := second[len(second)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
}

func TestProcessor_FailingToolDoesNotFailTurn(t *testing.T) {
	h, p, _ := newHarness(t, Config{ToolsEnabled: true},
		toolCall("c1", "launch_rocket", `{}`),
		text("That did not work."),
	)

	_, err := p.ProcessMessage(context.Background(), userTurn("Launch"), nil)
	require.NoError(t, err)

	window := h.window(t)
	require.Len(t, window, 5)
	assert.Contains(t, window[3].Content, tool.ErrorPrefix)
}

func TestProcessor_ForcedTool(t *testing.T) {
	t.Run("called", func(t *testing.T) {
		h, p, _ := newHarness(t, Config{ToolsEnabled: true},
			toolCall("c1", "set_name", `{"name":"Jimmy"}`),
			text("Done."),
		)

		req := userTurn("Call me Jimmy")
		req.ForceTool = "set_name"
		_, err := p.ProcessMessage(context.Background(), req, nil)
		require.NoError(t, err)

		require.Len(t, h.streamer.requests, 2)
		assert.Equal(t, "set_name", h.streamer.requests[0].ToolChoice)
		assert.Empty(t, h.streamer.requests[1].ToolChoice)
	})

	t.Run("model declined", func(t *testing.T) {
		h, p, _ := newHarness(t, Config{ToolsEnabled: true}, text("I would rather not."))
		before := h.seed(t)

		req := userTurn("Call me Jimmy")
		req.ForceTool = "set_name"
		_, err := p.ProcessMessage(context.Background(), req, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, mnemoErrors.ErrMissingToolCall)
		assert.True(t, mnemoErrors.IsFatalForTurn(err))

		assert.Equal(t, ids(before), ids(h.window(t)))
	})

	t.Run("unknown tool", func(t *testing.T) {
		h, p, _ := newHarness(t, Config{ToolsEnabled: true})

		req := userTurn("hi")
		req.ForceTool = "launch_rocket"
		_, err := p.ProcessMessage(context.Background(), req, nil)
		assert.ErrorIs(t, err, mnemoErrors.ErrInvalidForceTool)
		assert.Zero(t, h.streamer.calls())
	})

	t.Run("tools disabled", func(t *testing.T) {
		h, p, _ := newHarness(t, Config{ToolsEnabled: false})

		req := userTurn("hi")
		req.ForceTool = "set_name"
		_, err := p.ProcessMessage(context.Background(), req, nil)
		assert.ErrorIs(t, err, mnemoErrors.ErrInvalidForceTool)
		assert.Zero(t, h.streamer.calls())
	})
}

func TestProcessor_ToolsDisabledSendsNoSchemas(t *testing.T) {
	h, p, _ := newHarness(t, Config{ToolsEnabled: false}, text("ok"))

	_, err := p.ProcessMessage(context.Background(), userTurn("hi"), nil)
	require.NoError(t, err)
	require.Len(t, h.streamer.requests, 1)
	assert.Empty(t, h.streamer.requests[0].Tools)
}

func TestProcessor_CancellationPersistsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc := text("partial ", "answer")
	sc.after = cancel
	h, p, _ := newHarness(t, Config{ToolsEnabled: true}, sc)
	before := h.seed(t)

	var streamed string
	_, err := p.ProcessMessage(ctx, userTurn("tell me a story"), func(s string) error {
		streamed += s
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "partial answer", streamed)

	after := h.window(t)
	assert.Equal(t, ids(before), ids(after))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.TurnsTotal.WithLabelValues("cancelled")))
}

func TestProcessor_MaxToolIterations(t *testing.T) {
	h, p, _ := newHarness(t, Config{ToolsEnabled: true, MaxToolIterations: 1},
		toolCall("c1", "set_name", `{"name":"a"}`),
		toolCall("c2", "set_name", `{"name":"b"}`),
		toolCall("c3", "set_name", `{"name":"c"}`),
	)
	before := h.seed(t)

	_, err := p.ProcessMessage(context.Background(), userTurn("loop"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, mnemoErrors.ErrMaxToolIterations)
	assert.Equal(t, 2, h.streamer.calls())
	assert.Equal(t, ids(before), ids(h.window(t)))
}

func TestProcessor_ProtocolViolationFailsTurn(t *testing.T) {
	h, p, _ := newHarness(t, Config{ToolsEnabled: true}, script{events: []contract.StreamEvent{
		{ToolCall: &contract.ToolCallDelta{Index: 0, ID: "c1", Name: "set_name", Arguments: `{"name":"Ji`}},
		{ToolCall: &contract.ToolCallDelta{Index: 1, ID: "c2", Name: "set_name"}},
	}})
	before := h.seed(t)

	_, err := p.ProcessMessage(context.Background(), userTurn("hi"), nil)
	assert.ErrorIs(t, err, mnemoErrors.ErrToolCallProtocol)
	assert.Equal(t, ids(before), ids(h.window(t)))
}

func TestProcessor_ProviderSequencingErrorIsMapped(t *testing.T) {
	h, p, _ := newHarness(t, Config{ToolsEnabled: true}, script{
		err: errors.New("An assistant message with 'tool_calls' must be followed by tool messages responding to each 'tool_call_id'"),
	})

	_, err := p.ProcessMessage(context.Background(), userTurn("hi"), nil)
	assert.ErrorIs(t, err, mnemoErrors.ErrMissingToolResult)
	assert.Empty(t, h.window(t))
}

func TestProcessor_Injection(t *testing.T) {
	t.Run("injected messages precede the reply", func(t *testing.T) {
		h, p, deps := newHarness(t, Config{ToolsEnabled: true}, text("Rex is a good dog."))
		recalled := h.builder.System(contextwindow.RecalledPrefix+"#dog\nRex",
			message.MemoryMetadata{EntityType: message.EntityMemory, EntityID: "m1", Name: "dog"})
		deps.Injector = fixedInjector{msgs: []message.Message{recalled}}
		p = NewProcessor(deps, Config{Model: "gpt-4o", ToolsEnabled: true})

		_, err := p.ProcessMessage(context.Background(), userTurn("How is my dog?"), nil)
		require.NoError(t, err)

		window := h.window(t)
		require.Len(t, window, 4)
		assert.True(t, window[2].References(message.EntityMemory, "m1"))
		assert.Equal(t, message.RoleAssistant, window[3].Role)
	})

	t.Run("failure is not fatal", func(t *testing.T) {
		h, p, deps := newHarness(t, Config{ToolsEnabled: true}, text("Hello."))
		deps.Injector = fixedInjector{err: errors.New("embedding service down")}
		p = NewProcessor(deps, Config{Model: "gpt-4o", ToolsEnabled: true})

		_, err := p.ProcessMessage(context.Background(), userTurn("hi"), nil)
		require.NoError(t, err)
		assert.Len(t, h.window(t), 3)
	})
}

func TestProcessor_AlternatingRolesKeepsStoredNotes(t *testing.T) {
	h, _, deps := newHarness(t, Config{ToolsEnabled: true}, text("Rex is a good dog."), text("He is three."))
	deps.Validator = contextwindow.NewValidator(contextwindow.ValidatorOptions{EnsureAlternatingRoles: true, Builder: h.builder})
	cfg := Config{Model: "claude-3-5-sonnet-latest", ToolsEnabled: true}

	fact := contextwindow.RecalledPrefix + "#dog\nRex"
	recalled := h.builder.System(fact, message.MemoryMetadata{EntityType: message.EntityMemory, EntityID: "m1", Name: "dog"})
	withRecall := deps
	withRecall.Injector = fixedInjector{msgs: []message.Message{recalled}}

	_, err := NewProcessor(withRecall, cfg).ProcessMessage(context.Background(), userTurn("How is my dog?"), nil)
	require.NoError(t, err)
	first := h.window(t)
	require.Len(t, first, 4)
	noteID := first[2].ID
	require.NotEmpty(t, noteID)

	_, err = NewProcessor(deps, cfg).ProcessMessage(context.Background(), userTurn("How old is he?"), nil)
	require.NoError(t, err)

	window := h.window(t)
	require.Len(t, window, 6)
	assert.Equal(t, noteID, window[2].ID)
	assert.Equal(t, message.RoleSystem, window[2].Role)
	assert.Equal(t, fact, window[2].Content)
	assert.True(t, window[2].References(message.EntityMemory, "m1"))

	h.streamer.mu.Lock()
	defer h.streamer.mu.Unlock()
	require.Len(t, h.streamer.requests, 2)
	for _, req := range h.streamer.requests {
		sent := req.Messages[2]
		assert.Equal(t, string(message.RoleUser), sent.Role)
		assert.Equal(t, contextwindow.HiddenNotePrefix+"\n"+fact, sent.Content)
	}
}

func TestProcessor_RepairsStoredWindow(t *testing.T) {
	h, p, _ := newHarness(t, Config{ToolsEnabled: true}, text("ok"))
	_, err := h.store.ReplaceContext(context.Background(), "cli", []message.Message{
		h.builder.Instruction(contextwindow.DefaultInstruction("Mnemo")),
		h.builder.User("hi"),
		h.builder.Assistant("", []message.ToolCall{{ID: "c1", FunctionName: "set_name", Arguments: json.RawMessage(`{"name":"Jimmy"}`)}}),
	})
	require.NoError(t, err)

	_, err = p.ProcessMessage(context.Background(), userTurn("again"), nil)
	require.NoError(t, err)

	window := h.window(t)
	require.Len(t, window, 5)
	assert.False(t, window[2].HasToolCalls())
}

func TestProcessor_RejectsBadRequests(t *testing.T) {
	h, p, _ := newHarness(t, Config{ToolsEnabled: true})

	_, err := p.ProcessMessage(context.Background(), TurnRequest{UserID: "cli", Role: message.RoleTool, Text: "x"}, nil)
	assert.ErrorIs(t, err, mnemoErrors.ErrInvalidInput)

	_, err = p.ProcessMessage(context.Background(), TurnRequest{Role: message.RoleUser, Text: "x"}, nil)
	assert.ErrorIs(t, err, mnemoErrors.ErrInvalidInput)

	assert.Zero(t, h.streamer.calls())
}

func TestProcessor_EmitErrorAbortsTurn(t *testing.T) {
	h, p, _ := newHarness(t, Config{ToolsEnabled: true}, text("a", "b"))
	broken := errors.New("broken pipe")

	_, err := p.ProcessMessage(context.Background(), userTurn("hi"), func(string) error { return broken })
	require.Error(t, err)
	assert.Empty(t, h.window(t))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "executing_tools", StateExecutingTools.String())
	assert.Equal(t, "State(42)", State(42).String())
}
