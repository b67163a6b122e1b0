package conversation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mnemoErrors "github.com/harunnryd/mnemo/internal/errors"
	"github.com/harunnryd/mnemo/internal/message"
	"github.com/harunnryd/mnemo/internal/model/contract"
)

type SlotState int

const (
	SlotEmpty SlotState = iota
	SlotAccumulating
	SlotComplete
)

func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "empty"
	case SlotAccumulating:
		return "accumulating"
	case SlotComplete:
		return "complete"
	default:
		return fmt.Sprintf("SlotState(%d)", int(s))
	}
}

type slot struct {
	state SlotState
	id    string
	name  string
	args  strings.Builder
}

func (s *slot) call() message.ToolCall {
	args := strings.TrimSpace(s.args.String())
	if args == "" {
		args = "{}"
	}
	return message.ToolCall{ID: s.id, FunctionName: s.name, Arguments: json.RawMessage(args)}
}

// ToolCallAccumulator assembles streamed tool call fragments into whole calls. Each
// provider index is a slot; only one slot may be accumulating at a time.
type ToolCallAccumulator struct {
	slots  map[int]*slot
	active int
}

func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{slots: make(map[int]*slot), active: -1}
}

// State reports the state of the slot at index.
func (a *ToolCallAccumulator) State(index int) SlotState {
	if s, ok := a.slots[index]; ok {
		return s.state
	}
	return SlotEmpty
}

// Update feeds one fragment and returns the calls it completed, if any.
func (a *ToolCallAccumulator) Update(delta contract.ToolCallDelta) ([]message.ToolCall, error) {
	var completed []message.ToolCall

	s, ok := a.slots[delta.Index]
	if !ok {
		if a.active >= 0 && a.active != delta.Index {
			prev := a.slots[a.active]
			// The only tolerated case: a call without any argument text never parses as complete
			// on its own, so it completes as {}. Partial arguments are a protocol error.
			if strings.TrimSpace(prev.args.String()) != "" {
				return nil, fmt.Errorf("slot %d (%s) still accumulating when slot %d started: %w",
					a.active, prev.name, delta.Index, mnemoErrors.ErrToolCallProtocol)
			}
			prev.state = SlotComplete
			completed = append(completed, prev.call())
			a.active = -1
		}
		if delta.ID == "" {
			return nil, fmt.Errorf("first fragment of slot %d has no call id: %w", delta.Index, mnemoErrors.ErrToolCallProtocol)
		}
		s = &slot{state: SlotAccumulating, id: delta.ID}
		a.slots[delta.Index] = s
		a.active = delta.Index
	}

	if s.state == SlotComplete {
		if delta.Arguments == "" && delta.Name == "" {
			return completed, nil
		}
		return nil, fmt.Errorf("fragment for completed slot %d: %w", delta.Index, mnemoErrors.ErrToolCallProtocol)
	}

	if delta.Name != "" {
		s.name += delta.Name
	}
	s.args.WriteString(delta.Arguments)

	if isJSONObject(s.args.String()) {
		s.state = SlotComplete
		a.active = -1
		completed = append(completed, s.call())
	}
	return completed, nil
}

// Flush finalizes the slot still accumulating at stream end. Empty arguments become {}.
func (a *ToolCallAccumulator) Flush() ([]message.ToolCall, error) {
	if a.active < 0 {
		return nil, nil
	}
	s := a.slots[a.active]
	a.active = -1

	args := strings.TrimSpace(s.args.String())
	if args != "" && !isJSONObject(args) {
		return nil, fmt.Errorf("slot %s ended with invalid arguments %q: %w", s.name, args, mnemoErrors.ErrToolCallProtocol)
	}
	s.state = SlotComplete
	slog.Debug("Tool call finalized at stream end", "id", s.id, "name", s.name)
	return []message.ToolCall{s.call()}, nil
}

func isJSONObject(s string) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal([]byte(s), &obj) == nil && obj != nil
}
