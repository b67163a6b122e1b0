package builtin

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	mnemoErrors "github.com/harunnryd/mnemo/internal/errors"
	"github.com/harunnryd/mnemo/internal/memory"
	"github.com/harunnryd/mnemo/internal/message"
	toolcore "github.com/harunnryd/mnemo/internal/tool"
)

func init() {
	toolcore.RegisterBuiltin("create_goal", func(o toolcore.BuiltinOptions) (toolcore.Tool, error) {
		if o.Memories == nil {
			return nil, nil
		}
		return newCreateGoal(o), nil
	})
	toolcore.RegisterBuiltin("add_goal_status_update", func(o toolcore.BuiltinOptions) (toolcore.Tool, error) {
		if o.Memories == nil {
			return nil, nil
		}
		return newAddGoalStatusUpdate(o), nil
	})
	toolcore.RegisterBuiltin("mark_goal_completed", func(o toolcore.BuiltinOptions) (toolcore.Tool, error) {
		if o.Memories == nil {
			return nil, nil
		}
		return newMarkGoalCompleted(o), nil
	})
}

type createGoalInput struct {
	GoalName         string `json:"goal_name"`
	Strategy         string `json:"strategy"`
	Description      string `json:"description"`
	EndCondition     string `json:"end_condition"`
	TimeToCompletion string `json:"time_to_completion"`
	Priority         *int   `json:"priority"`
}

func newCreateGoal(o toolcore.BuiltinOptions) toolcore.Tool {
	schema := toolcore.Schema{
		Name: "create_goal",
		Description: "Creates a goal. The goal can be for the user, or for the assistant in relation to helping the user. " +
			"Goals should be specific and measurable.",
		Params: []toolcore.Param{
			str("goal_name", "Name of the goal", true),
			str("strategy", "How the assistant will achieve the goal or help the user achieve it. Limit to 100 words.", false),
			str("description", "A brief description of the goal. Limit to 100 words.", false),
			str("end_condition", "The condition, observable by the assistant, that indicates the goal is achieved or terminated.", false),
			str("time_to_completion", "Time from now until the goal should be completed, as NUMBER UNIT where UNIT is one of HOURS, DAYS, WEEKS, MONTHS. For example \"1 DAYS\".", false),
			{Name: "priority", Type: toolcore.TypeInteger, Description: "Priority from 0 to 4, 0 being the highest."},
		},
	}
	return newTool(schema, func(ctx context.Context, userID string, in createGoalInput) (string, error) {
		goal := memory.GoalInput{
			Name:         in.GoalName,
			Description:  in.Description,
			Strategy:     in.Strategy,
			EndCondition: in.EndCondition,
			Priority:     in.Priority,
		}
		if strings.TrimSpace(in.TimeToCompletion) != "" {
			d, err := ParseTimeToCompletion(in.TimeToCompletion)
			if err != nil {
				return "", err
			}
			target := now(o).Add(d)
			goal.TargetTime = &target
		}

		e, err := o.Memories.CreateGoal(ctx, userID, goal)
		if err != nil {
			return "", err
		}
		if o.Context != nil {
			if _, err := o.Context.AddToContext(ctx, userID, *e); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("Goal '%s' has been created.", e.Name), nil
	})
}

type goalStatusInput struct {
	GoalName           string `json:"goal_name"`
	StatusUpdateOrNote string `json:"status_update_or_note"`
}

func newAddGoalStatusUpdate(o toolcore.BuiltinOptions) toolcore.Tool {
	schema := toolcore.Schema{
		Name:        "add_goal_status_update",
		Description: "Captures either a progress update or a note relevant to the goal.",
		Params: []toolcore.Param{
			str("goal_name", "Name of the goal", true),
			str("status_update_or_note", "A brief status update or note about progress or learnings relevant to the goal. Limit to 100 words.", true),
		},
	}
	return newTool(schema, func(ctx context.Context, userID string, in goalStatusInput) (string, error) {
		if _, err := o.Memories.AddGoalStatusUpdate(ctx, userID, in.GoalName, in.StatusUpdateOrNote); err != nil {
			return "", err
		}
		return fmt.Sprintf("Status update added to goal '%s'.", in.GoalName), nil
	})
}

type goalCompletedInput struct {
	GoalName        string `json:"goal_name"`
	ClosingComments string `json:"closing_comments"`
}

func newMarkGoalCompleted(o toolcore.BuiltinOptions) toolcore.Tool {
	schema := toolcore.Schema{
		Name:        "mark_goal_completed",
		Description: "Marks a goal as completed, with closing comments.",
		Params: []toolcore.Param{
			str("goal_name", "The name of the goal", true),
			str("closing_comments", "A short account of how the goal was completed and what was learned.", false),
		},
	}
	return newTool(schema, func(ctx context.Context, userID string, in goalCompletedInput) (string, error) {
		// Completed goals are no longer found by name, so leave the context first.
		if o.Context != nil {
			if _, err := o.Context.DropByName(ctx, userID, message.EntityGoal, in.GoalName); err != nil {
				return "", err
			}
		}
		if _, err := o.Memories.MarkGoalCompleted(ctx, userID, in.GoalName, in.ClosingComments); err != nil {
			return "", err
		}
		return fmt.Sprintf("Goal '%s' has been marked as completed.", in.GoalName), nil
	})
}

var completionUnits = map[string]time.Duration{
	"HOUR":  time.Hour,
	"DAY":   24 * time.Hour,
	"WEEK":  7 * 24 * time.Hour,
	"MONTH": 30 * 24 * time.Hour,
}

// ParseTimeToCompletion reads "NUMBER UNIT" with UNIT one of HOURS, DAYS, WEEKS or MONTHS.
// The singular form and any letter case are accepted.
func ParseTimeToCompletion(s string) (time.Duration, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, mnemoErrors.InvalidInput(fmt.Sprintf("time_to_completion %q must look like \"2 DAYS\"", s))
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 0 {
		return 0, mnemoErrors.InvalidInput(fmt.Sprintf("time_to_completion %q has an invalid number", s))
	}
	unit, ok := completionUnits[strings.TrimSuffix(strings.ToUpper(fields[1]), "S")]
	if !ok {
		return 0, mnemoErrors.InvalidInput(fmt.Sprintf("time_to_completion %q has an unknown unit", s))
	}
	return time.Duration(n) * unit, nil
}

func now(o toolcore.BuiltinOptions) time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}
