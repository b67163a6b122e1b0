// Package builtin holds the tools every assistant has: memory and goal upkeep, context
// edits, the user's preferred name and the clock.
package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	mnemoErrors "github.com/harunnryd/mnemo/internal/errors"
	toolcore "github.com/harunnryd/mnemo/internal/tool"
)

// typedTool decodes validated input into In and runs on behalf of the calling user.
type typedTool[In any] struct {
	schema toolcore.Schema
	run    func(ctx context.Context, userID string, in In) (string, error)
}

func newTool[In any](schema toolcore.Schema, run func(ctx context.Context, userID string, in In) (string, error)) *typedTool[In] {
	return &typedTool[In]{schema: schema, run: run}
}

func (t *typedTool[In]) Schema() toolcore.Schema {
	return t.schema
}

func (t *typedTool[In]) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	ec, ok := toolcore.ExecContextFrom(ctx)
	if !ok || ec.UserID == "" {
		return "", mnemoErrors.InvalidInput(fmt.Sprintf("%s called without a user", t.schema.Name))
	}

	var in In
	if len(bytes.TrimSpace(input)) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
	}
	return t.run(ctx, ec.UserID, in)
}

func str(name, description string, required bool) toolcore.Param {
	return toolcore.Param{Name: name, Type: toolcore.TypeString, Description: description, Required: required}
}
