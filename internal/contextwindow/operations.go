package contextwindow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	mnemoErrors "github.com/harunnryd/mnemo/internal/errors"
	"github.com/harunnryd/mnemo/internal/memory"
	"github.com/harunnryd/mnemo/internal/message"
)

// Operations are direct edits of a user's active window, used by tools and slash commands.
type Operations struct {
	Store    MessageStore
	Entities EntityLookup
	Refresh  *Refresh
	Builder  *message.Builder
}

func entityLabel(t message.EntityType) string {
	if t == message.EntityGoal {
		return "Goal"
	}
	return "Memory"
}

// AddToContext appends the fact of e as a system message unless the window already has it.
func (o *Operations) AddToContext(ctx context.Context, userID string, e memory.Entity) (bool, error) {
	added := false
	_, err := o.Store.UpdateContext(ctx, userID, func(current []message.Message) ([]message.Message, error) {
		if message.ReferencesEntity(current, e.Type, e.ID) {
			return current, nil
		}
		added = true
		return append(current, o.Builder.System(e.Fact(), e.Metadata())), nil
	})
	return added, err
}

// DropFromContext removes every message that surfaced e and returns how many there were.
func (o *Operations) DropFromContext(ctx context.Context, userID string, e memory.Entity) (int, error) {
	dropped := 0
	_, err := o.Store.UpdateContext(ctx, userID, func(current []message.Message) ([]message.Message, error) {
		out := current[:0]
		for _, m := range current {
			if m.References(e.Type, e.ID) {
				dropped++
				continue
			}
			out = append(out, m)
		}
		return out, nil
	})
	return dropped, err
}

// AddByName adds the named active entity and reports the outcome as text for the model.
func (o *Operations) AddByName(ctx context.Context, userID string, t message.EntityType, name string) (string, error) {
	e, err := o.Entities.GetByName(userID, t, name)
	if errors.Is(err, mnemoErrors.ErrNotFound) {
		return fmt.Sprintf("%s '%s' not found.", entityLabel(t), name), nil
	}
	if err != nil {
		return "", err
	}
	added, err := o.AddToContext(ctx, userID, *e)
	if err != nil {
		return "", err
	}
	if !added {
		return fmt.Sprintf("%s '%s' is already in context.", entityLabel(t), name), nil
	}
	return fmt.Sprintf("%s '%s' added to context.", entityLabel(t), name), nil
}

// DropByName drops the named entity from context. The entity itself is kept.
func (o *Operations) DropByName(ctx context.Context, userID string, t message.EntityType, name string) (string, error) {
	e, err := o.Entities.GetByName(userID, t, name)
	if errors.Is(err, mnemoErrors.ErrNotFound) {
		return fmt.Sprintf("%s '%s' not found.", entityLabel(t), name), nil
	}
	if err != nil {
		return "", err
	}
	if _, err := o.DropFromContext(ctx, userID, *e); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s '%s' dropped from context.", entityLabel(t), name), nil
}

// AddInternalThought appends a system note that steers the assistant.
func (o *Operations) AddInternalThought(ctx context.Context, userID, thought string) (string, error) {
	if _, err := o.Store.AppendContext(ctx, userID, o.Builder.System(thought)); err != nil {
		return "", err
	}
	return "Internal thought added: " + thought, nil
}

// ResetMessages drops the whole conversation and starts over with a fresh instruction.
func (o *Operations) ResetMessages(ctx context.Context, userID string) (string, error) {
	instruction, err := o.Refresh.BuildSystemInstruction(ctx, userID, nil)
	if err != nil {
		return "", err
	}
	if _, err := o.Store.ReplaceContext(ctx, userID, []message.Message{instruction}); err != nil {
		return "", err
	}
	slog.Info("Context reset", "user", userID)
	return "Context reset complete", nil
}

// RefreshSystemInstruction rewrites the instruction from the current conversation without
// compressing.
func (o *Operations) RefreshSystemInstruction(ctx context.Context, userID string) (string, error) {
	window, err := o.Store.GetContext(ctx, userID)
	if err != nil {
		return "", err
	}
	instruction, err := o.Refresh.BuildSystemInstruction(ctx, userID, window)
	if err != nil {
		return "", err
	}
	_, err = o.Store.UpdateContext(ctx, userID, func(current []message.Message) ([]message.Message, error) {
		return ReplaceSystemInstruction(current, instruction), nil
	})
	if err != nil {
		return "", err
	}
	return "System instruction refresh complete", nil
}

// SystemInstruction returns the current instruction text, or "" for an empty window.
func (o *Operations) SystemInstruction(ctx context.Context, userID string) (string, error) {
	window, err := o.Store.GetContext(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(window) == 0 || !window[0].IsSystemInstruction() {
		return "", nil
	}
	return window[0].Content, nil
}
