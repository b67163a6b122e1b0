package builtin

import (
	"context"

	"github.com/harunnryd/mnemo/internal/message"
	toolcore "github.com/harunnryd/mnemo/internal/tool"
)

func init() {
	for _, def := range []struct {
		name        string
		description string
		entity      message.EntityType
		add         bool
	}{
		{"add_memory_to_current_context", "Adds the memory with the given name to the current conversation context.", message.EntityMemory, true},
		{"drop_memory_from_current_context", "Drops the memory with the given name from the current conversation context. The memory itself is kept.", message.EntityMemory, false},
		{"add_goal_to_current_context", "Adds the goal with the given name to the current conversation context.", message.EntityGoal, true},
		{"drop_goal_from_current_context", "Drops the goal with the given name from the current conversation context. The goal itself is kept.", message.EntityGoal, false},
	} {
		def := def
		toolcore.RegisterBuiltin(def.name, func(o toolcore.BuiltinOptions) (toolcore.Tool, error) {
			if o.Context == nil {
				return nil, nil
			}
			return newContextEdit(o, def.name, def.description, def.entity, def.add), nil
		})
	}

	toolcore.RegisterBuiltin("refresh_system_instructions", func(o toolcore.BuiltinOptions) (toolcore.Tool, error) {
		if o.Context == nil {
			return nil, nil
		}
		schema := toolcore.Schema{
			Name:        "refresh_system_instructions",
			Description: "Refreshes the system instructions with a new summary of the conversation so far.",
		}
		return newTool(schema, func(ctx context.Context, userID string, _ struct{}) (string, error) {
			return o.Context.RefreshSystemInstruction(ctx, userID)
		}), nil
	})

	toolcore.RegisterBuiltin("print_system_instruction", func(o toolcore.BuiltinOptions) (toolcore.Tool, error) {
		if o.Context == nil {
			return nil, nil
		}
		schema := toolcore.Schema{
			Name:        "print_system_instruction",
			Description: "Returns the current system instruction.",
		}
		return newTool(schema, func(ctx context.Context, userID string, _ struct{}) (string, error) {
			instruction, err := o.Context.SystemInstruction(ctx, userID)
			if err != nil {
				return "", err
			}
			if instruction == "" {
				return "No system instruction in context.", nil
			}
			return instruction, nil
		}), nil
	})
}

type contextEditInput struct {
	Name string `json:"name"`
}

func newContextEdit(o toolcore.BuiltinOptions, name, description string, t message.EntityType, add bool) toolcore.Tool {
	schema := toolcore.Schema{
		Name:        name,
		Description: description,
		Params: []toolcore.Param{
			str("name", "The name of the "+string(t), true),
		},
	}
	return newTool(schema, func(ctx context.Context, userID string, in contextEditInput) (string, error) {
		if add {
			return o.Context.AddByName(ctx, userID, t, in.Name)
		}
		return o.Context.DropByName(ctx, userID, t, in.Name)
	})
}
