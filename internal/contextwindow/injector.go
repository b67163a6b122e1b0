package contextwindow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/mnemo/internal/message"
	"github.com/harunnryd/mnemo/internal/metrics"
)

const (
	RecalledPrefix = "Information recalled from assistant memory: "

	DefaultRecentMessageCount = 4
)

// recallOrder is the order entity classes are searched in.
var recallOrder = []message.EntityType{message.EntityGoal, message.EntityMemory}

// Injector surfaces long-term entities relevant to the latest turns.
type Injector struct {
	Embedder    Embedder
	Search      RelevanceSearch
	Threshold   float64
	RecentCount int
	Builder     *message.Builder
	Metrics     *metrics.Metrics
}

// Inject returns new system messages for relevant entities not yet referenced by window.
// The window itself is not modified.
func (i *Injector) Inject(ctx context.Context, userID string, window []message.Message) ([]message.Message, error) {
	query := recentTranscript(window, i.recentCount())
	if query == "" {
		return nil, nil
	}

	vec, err := i.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed recent messages: %w", err)
	}

	var out []message.Message
	for _, t := range recallOrder {
		e, err := i.Search.Nearest(ctx, t, userID, vec, i.Threshold)
		if err != nil {
			return nil, fmt.Errorf("failed to search %s: %w", t, err)
		}
		if e == nil {
			continue
		}
		if message.ReferencesEntity(window, e.Type, e.ID) || message.ReferencesEntity(out, e.Type, e.ID) {
			continue
		}

		slog.Debug("Relevant entity recalled", "user", userID, "type", e.Type, "name", e.Name)
		i.Metrics.Injection(string(e.Type))
		out = append(out, i.Builder.System(RecalledPrefix+e.Fact(), e.Metadata()))
	}
	return out, nil
}

func (i *Injector) recentCount() int {
	if i.RecentCount > 0 {
		return i.RecentCount
	}
	return DefaultRecentMessageCount
}

// recentTranscript renders the last n non-system messages as "role: content" lines.
func recentTranscript(window []message.Message, n int) string {
	var recent []message.Message
	for _, m := range window {
		if m.Role != message.RoleSystem {
			recent = append(recent, m)
		}
	}
	if len(recent) > n {
		recent = recent[len(recent)-n:]
	}

	var lines []string
	for _, m := range recent {
		if m.Content == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Content))
	}
	return strings.Join(lines, "\n")
}
