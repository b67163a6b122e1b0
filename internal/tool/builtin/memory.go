package builtin

import (
	"context"
	"fmt"
	"strings"

	toolcore "github.com/harunnryd/mnemo/internal/tool"
)

const queryMemoryResults = 5

func init() {
	toolcore.RegisterBuiltin("create_memory", func(o toolcore.BuiltinOptions) (toolcore.Tool, error) {
		if o.Memories == nil {
			return nil, nil
		}
		return newCreateMemory(o), nil
	})
	toolcore.RegisterBuiltin("query_memory", func(o toolcore.BuiltinOptions) (toolcore.Tool, error) {
		if o.Memories == nil {
			return nil, nil
		}
		return newQueryMemory(o), nil
	})
}

type createMemoryInput struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

func newCreateMemory(o toolcore.BuiltinOptions) toolcore.Tool {
	schema := toolcore.Schema{
		Name: "create_memory",
		Description: "Creates a new memory for the assistant. The name should be specific and discuss one topic, " +
			"for example \"Jimmy's plan to attend a concert on 2022-02-11\" rather than \"Jimmy's weekend plans\".",
		Params: []toolcore.Param{
			str("name", "The name of the memory. Should be specific and discuss one topic.", true),
			str("text", "The text of the memory.", true),
		},
	}
	return newTool(schema, func(ctx context.Context, userID string, in createMemoryInput) (string, error) {
		e, err := o.Memories.CreateMemory(ctx, userID, in.Name, in.Text)
		if err != nil {
			return "", err
		}
		if o.Context != nil {
			if _, err := o.Context.AddToContext(ctx, userID, *e); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("New memory created: %s", e.Name), nil
	})
}

type queryMemoryInput struct {
	Query string `json:"query"`
}

func newQueryMemory(o toolcore.BuiltinOptions) toolcore.Tool {
	schema := toolcore.Schema{
		Name:        "query_memory",
		Description: "Search through memories and goals using semantic search.",
		Params: []toolcore.Param{
			str("query", "The search query text to find relevant memories and goals", true),
		},
	}
	return newTool(schema, func(ctx context.Context, userID string, in queryMemoryInput) (string, error) {
		matches, err := o.Memories.Query(ctx, userID, in.Query, queryMemoryResults)
		if err != nil {
			return "", err
		}
		if len(matches) == 0 {
			return "No relevant memories or goals found.", nil
		}

		var b strings.Builder
		b.WriteString("Relevant memories and goals, nearest first:")
		for _, m := range matches {
			fmt.Fprintf(&b, "\n\n%s", m.Entity.Fact())
		}
		return b.String(), nil
	})
}
