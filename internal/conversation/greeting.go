package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/mnemo/internal/contextwindow"
	"github.com/harunnryd/mnemo/internal/message"
	"github.com/harunnryd/mnemo/internal/profile"
)

const DefaultMinConvoAgeForGreeting = 10 * time.Minute

// MessageHistory looks up user messages in the full log, including those no longer in the
// active window.
type MessageHistory interface {
	UserMessagesSince(ctx context.Context, userID string, since time.Time) ([]message.Message, error)
}

// TurnRunner is satisfied by *Processor.
type TurnRunner interface {
	ProcessMessage(ctx context.Context, req TurnRequest, emit func(string) error) (*TurnResult, error)
}

// Greeting lets the assistant open the session when the user has been away.
type Greeting struct {
	Turns    TurnRunner
	History  MessageHistory
	Profiles contextwindow.ProfileSource
	// MinConvoAge is how long the user must have been silent for a greeting.
	MinConvoAge time.Duration
	Now         func() time.Time
}

func (g *Greeting) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Greeting) minAge() time.Duration {
	if g.MinConvoAge > 0 {
		return g.MinConvoAge
	}
	return DefaultMinConvoAgeForGreeting
}

// ShouldGreet is true when the user sent no message within the minimum conversation age.
func (g *Greeting) ShouldGreet(ctx context.Context, userID string) (bool, error) {
	recent, err := g.History.UserMessagesSince(ctx, userID, g.now().Add(-g.minAge()))
	if err != nil {
		return false, err
	}
	return len(recent) == 0, nil
}

// LoggedInMessage renders the system turn announcing the user.
func (g *Greeting) LoggedInMessage(ctx context.Context, userID string) (string, error) {
	name := profile.DefaultUserName
	if g.Profiles != nil {
		p, err := g.Profiles.Get(userID)
		if err != nil {
			return "", err
		}
		name = p.DisplayName()
	}

	now := g.now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	today, err := g.History.UserMessagesSince(ctx, userID, startOfDay.Add(-time.Nanosecond))
	if err != nil {
		return "", err
	}

	summary := fmt.Sprintf("I haven't chatted with %s yet today. I should offer a brief greeting.", name)
	if len(today) > 0 {
		first := today[0].CreatedAt
		for _, m := range today[1:] {
			if m.CreatedAt.Before(first) {
				first = m.CreatedAt
			}
		}
		summary = fmt.Sprintf("I first started chatting with %s today at %s.", name, first.In(now.Location()).Format("03:04 PM"))
	}

	return fmt.Sprintf("%s has logged in. The current time is %s. %s", name, contextwindow.FormatTime(now), summary), nil
}

// Greet runs the logged-in turn when ShouldGreet allows it. The returned result is nil when
// no greeting was due.
func (g *Greeting) Greet(ctx context.Context, userID string, emit func(string) error) (*TurnResult, error) {
	due, err := g.ShouldGreet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !due {
		slog.Debug("Recent conversation, skipping greeting", "user", userID)
		return nil, nil
	}

	text, err := g.LoggedInMessage(ctx, userID)
	if err != nil {
		return nil, err
	}
	return g.Turns.ProcessMessage(ctx, TurnRequest{UserID: userID, Role: message.RoleSystem, Text: text}, emit)
}
