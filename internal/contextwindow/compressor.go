package contextwindow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mnemoErrors "github.com/harunnryd/mnemo/internal/errors"
	"github.com/harunnryd/mnemo/internal/message"
	"github.com/harunnryd/mnemo/internal/metrics"
)

// Compressor evicts the oldest messages of a window until it fits TargetTokens.
//
// A tool message is assumed to sit directly after its assistant call or after another tool
// message of the same call group. The eviction walk relies on that adjacency to keep pairs
// together.
type Compressor struct {
	Counter       TokenCounter
	Model         string
	TriggerTokens int
	TargetTokens  int
	MaxMessageAge time.Duration
	Now           func() time.Time
	Metrics       *metrics.Metrics
}

func (c *Compressor) count(msgs ...message.Message) int {
	return c.Counter.Count(c.Model, ToContract(msgs))
}

// NeedsCompression reports whether the window has crossed TriggerTokens.
func (c *Compressor) NeedsCompression(window []message.Message) bool {
	return c.count(window...) > c.TriggerTokens
}

// Compress keeps the system instruction and the newest messages that fit the target budget,
// in their original order. Messages older than MaxMessageAge are dropped unless they are the
// assistant call of a kept tool message.
func (c *Compressor) Compress(ctx context.Context, window []message.Message) ([]message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(window) == 0 || !window[0].IsSystemInstruction() {
		return nil, mnemoErrors.ErrMissingSystemInstruction
	}
	instruction, rest := window[0], window[1:]
	for i, m := range rest {
		if m.IsSystemInstruction() {
			return nil, fmt.Errorf("message %q at position %d: %w", m.ID, i+1, mnemoErrors.ErrMisplacedSystemInstruction)
		}
	}

	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	var cutoff time.Time
	if c.MaxMessageAge > 0 {
		cutoff = now().Add(-c.MaxMessageAge)
	}

	total := c.count(instruction)
	kept := make([]message.Message, 0, len(rest))
	// dropParent is set when a tool message was dropped for age; its assistant call goes too.
	dropParent := false

	for i := len(rest) - 1; i >= 0; i-- {
		m := rest[i]
		tokens := c.count(m)

		if len(kept) > 0 && kept[len(kept)-1].Role == message.RoleTool {
			kept = append(kept, m)
			total += tokens
			dropParent = false
			continue
		}

		if total > c.TargetTokens {
			break
		}

		if dropParent && m.Role != message.RoleTool {
			dropParent = false
			if m.HasToolCalls() {
				slog.Debug("Dropping assistant call of an evicted tool message", "id", m.ID)
				continue
			}
		}

		if !cutoff.IsZero() && m.CreatedAt.Before(cutoff) {
			slog.Debug("Dropping old message", "id", m.ID, "created_at", m.CreatedAt)
			if m.Role == message.RoleTool {
				dropParent = true
			}
			continue
		}

		kept = append(kept, m)
		total += tokens
		dropParent = false
	}

	out := make([]message.Message, 0, len(kept)+1)
	out = append(out, instruction.Clone())
	for i := len(kept) - 1; i >= 0; i-- {
		out = append(out, kept[i].Clone())
	}

	if dropped := len(window) - len(out); dropped > 0 {
		slog.Info("Context compressed", "dropped", dropped, "kept", len(out), "tokens", total)
		c.Metrics.Compression(dropped)
	}
	c.Metrics.SetWindowTokens(total)
	return out, nil
}

// Tokens counts a whole window with the compressor's model.
func (c *Compressor) Tokens(window []message.Message) int {
	return c.count(window...)
}
