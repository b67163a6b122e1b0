package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/mnemo/internal/contextwindow"
	mnemoErrors "github.com/harunnryd/mnemo/internal/errors"
	toolcore "github.com/harunnryd/mnemo/internal/tool"
)

func init() {
	toolcore.RegisterBuiltin("time", func(o toolcore.BuiltinOptions) (toolcore.Tool, error) {
		return newTimeTool(o), nil
	})
}

type timeInput struct {
	UTCOffset string `json:"utc_offset"`
}

func newTimeTool(o toolcore.BuiltinOptions) toolcore.Tool {
	schema := toolcore.Schema{
		Name:        "time",
		Description: "Get the current time.",
		Params: []toolcore.Param{
			str("utc_offset", "UTC offset like +07:00 (optional)", false),
		},
	}
	return newTool(schema, func(_ context.Context, _ string, in timeInput) (string, error) {
		t := now(o).UTC()
		if offset := strings.TrimSpace(in.UTCOffset); offset != "" {
			seconds, err := parseUTCOffset(offset)
			if err != nil {
				return "", err
			}
			t = t.In(time.FixedZone("UTC"+offset, seconds))
		}
		return "The current time is " + contextwindow.FormatTime(t), nil
	})
}

// parseUTCOffset reads [+-]HH:MM into seconds east of UTC.
func parseUTCOffset(offset string) (int, error) {
	invalid := mnemoErrors.InvalidInput(fmt.Sprintf("invalid utc_offset %q, expected a value like +07:00", offset))
	if len(offset) != 6 || (offset[0] != '+' && offset[0] != '-') || offset[3] != ':' {
		return 0, invalid
	}
	for _, i := range []int{1, 2, 4, 5} {
		if offset[i] < '0' || offset[i] > '9' {
			return 0, invalid
		}
	}

	hours := int(offset[1]-'0')*10 + int(offset[2]-'0')
	minutes := int(offset[4]-'0')*10 + int(offset[5]-'0')
	if hours > 23 || minutes > 59 {
		return 0, invalid
	}

	total := hours*3600 + minutes*60
	if offset[0] == '-' {
		total = -total
	}
	return total, nil
}
