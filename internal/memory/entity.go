// Package memory keeps the long-term memories and goals of each user and finds the ones
// relevant to a conversation by embedding distance.
package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/mnemo/internal/message"
)

const (
	CollectionMemories = "memories"
	CollectionGoals    = "goals"

	DefaultGoalPriority = 4
)

// goalUpkeepNote tells the model which tools keep a recalled goal current.
const goalUpkeepNote = "Information about this goal should be kept up to date via assistant functions: add_goal_status_update, and mark_goal_completed"

type Entity struct {
	Type   message.EntityType `json:"type"`
	ID     string             `json:"id"`
	UserID string             `json:"user_id"`
	Name   string             `json:"name"`

	// Memory body.
	Text string `json:"text,omitempty"`

	// Goal fields.
	Description    string     `json:"description,omitempty"`
	Strategy       string     `json:"strategy,omitempty"`
	EndCondition   string     `json:"end_condition,omitempty"`
	TargetTime     *time.Time `json:"target_time,omitempty"`
	Priority       int        `json:"priority"`
	StatusUpdates  []string   `json:"status_updates,omitempty"`
	ClosingComment string     `json:"closing_comment,omitempty"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func collectionFor(t message.EntityType) (string, error) {
	switch t {
	case message.EntityMemory:
		return CollectionMemories, nil
	case message.EntityGoal:
		return CollectionGoals, nil
	default:
		return "", fmt.Errorf("unknown entity type %q", t)
	}
}

// Title is the name the entity is surfaced under.
func (e Entity) Title() string {
	if e.Type == message.EntityGoal {
		return "Goal: " + e.Name
	}
	return e.Name
}

// Fact renders the entity the way it is shown to the model and embedded.
func (e Entity) Fact() string {
	if e.Type != message.EntityGoal {
		return "#" + e.Name + "\n" + e.Text
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", e.Title())
	if e.Description != "" {
		fmt.Fprintf(&b, "%s\n", e.Description)
	}
	if e.Strategy != "" {
		fmt.Fprintf(&b, "\n## Strategy\n%s\n", e.Strategy)
	}
	if e.EndCondition != "" {
		fmt.Fprintf(&b, "\n## End condition\n%s\n", e.EndCondition)
	}
	if e.TargetTime != nil {
		fmt.Fprintf(&b, "\n## Target completion time\n%s\n", e.TargetTime.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "\n## Priority\n%d\n", e.Priority)
	if len(e.StatusUpdates) > 0 {
		b.WriteString("\n## Status updates\n")
		for _, u := range e.StatusUpdates {
			fmt.Fprintf(&b, "- %s\n", u)
		}
	}
	if !e.Active {
		b.WriteString("\n## Status\nCompleted")
		if e.ClosingComment != "" {
			b.WriteString(": " + e.ClosingComment)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n" + goalUpkeepNote)
	return b.String()
}

// Metadata is what a context message records about the entity it surfaced.
func (e Entity) Metadata() message.MemoryMetadata {
	return message.MemoryMetadata{EntityType: e.Type, EntityID: e.ID, Name: e.Name}
}

// GoalInput carries the fields of a new goal.
type GoalInput struct {
	Name         string
	Description  string
	Strategy     string
	EndCondition string
	TargetTime   *time.Time
	// Priority runs from 0, the highest, to 4. Nil means DefaultGoalPriority.
	Priority *int
}

// Match is a query hit with its L2 distance to the query.
type Match struct {
	Entity   Entity
	Distance float64
}

// Pair is two memories close enough to be merged.
type Pair struct {
	A, B     Entity
	Distance float64
}
