package contextwindow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mnemoErrors "github.com/harunnryd/mnemo/internal/errors"
	"github.com/harunnryd/mnemo/internal/message"
	"github.com/harunnryd/mnemo/internal/profile"
)

const (
	DefaultRefreshInterval = 10 * time.Minute

	personaClosing = "From now on, converse as your persona."
)

// Refresh re-derives the system instruction of a window from its conversation and compresses
// the result. It can also form a memory from the conversation and merge redundant memories.
type Refresh struct {
	Store      MessageStore
	Compressor *Compressor
	// Prompter is optional. Without it the instruction carries no summary and no memories
	// are formed or merged.
	Prompter *Prompter
	// Memories is optional.
	Memories MemoryWriter
	Profiles ProfileSource

	Persona                string
	AssistantName          string
	FormMemory             bool
	ConsolidationThreshold float64
	Interval               time.Duration
	Builder                *message.Builder
	Now                    func() time.Time
}

func (r *Refresh) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Refresh) interval() time.Duration {
	if r.Interval > 0 {
		return r.Interval
	}
	return DefaultRefreshInterval
}

// IsRefreshNeeded is false without user messages in the window, and true when the window
// is over the trigger budget or was last replaced longer than the interval ago.
func (r *Refresh) IsRefreshNeeded(ctx context.Context, userID string) (bool, error) {
	window, err := r.Store.GetContext(ctx, userID)
	if err != nil {
		return false, err
	}

	if message.CountRole(window, message.RoleUser) == 0 {
		slog.Debug("No user messages in context, skipping refresh", "user", userID)
		return false, nil
	}

	if tokens := r.Compressor.Tokens(window); tokens > r.Compressor.TriggerTokens {
		slog.Info("Context over trigger budget", "user", userID, "tokens", tokens, "trigger", r.Compressor.TriggerTokens)
		return true, nil
	}

	at, ok, err := r.Store.WindowCreatedAt(ctx, userID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	if age := r.now().Sub(at); age > r.interval() {
		slog.Info("Context watermark older than refresh interval", "user", userID, "age", age.Round(time.Second))
		return true, nil
	}
	return false, nil
}

// Run refreshes the window of userID. The final swap is applied to the window current at
// that moment, so turns persisted while the summary was being written are kept.
func (r *Refresh) Run(ctx context.Context, userID string) error {
	window, err := r.Store.GetContext(ctx, userID)
	if err != nil {
		return err
	}

	names, err := r.names(userID)
	if err != nil {
		return err
	}

	if r.FormMemory && r.Prompter != nil && r.Memories != nil && message.CountRole(window, message.RoleUser) > 0 {
		r.formMemory(ctx, userID, names, conversationOf(window))
	}
	if r.Prompter != nil && r.Memories != nil && r.ConsolidationThreshold > 0 {
		r.consolidate(ctx, userID)
	}

	instruction, err := r.systemInstruction(ctx, window, names)
	if err != nil {
		return err
	}

	saved, err := r.Store.UpdateContext(ctx, userID, func(current []message.Message) ([]message.Message, error) {
		return r.Compressor.Compress(ctx, ReplaceSystemInstruction(current, instruction))
	})
	if err != nil {
		return fmt.Errorf("failed to replace refreshed context: %w", err)
	}

	slog.Info("Context refreshed", "user", userID, "messages", len(saved), "tokens", r.Compressor.Tokens(saved))
	return nil
}

// BuildSystemInstruction renders a fresh instruction for the conversation in window.
func (r *Refresh) BuildSystemInstruction(ctx context.Context, userID string, window []message.Message) (message.Message, error) {
	names, err := r.names(userID)
	if err != nil {
		return message.Message{}, err
	}
	return r.systemInstruction(ctx, window, names)
}

func (r *Refresh) systemInstruction(ctx context.Context, window []message.Message, names personaNames) (message.Message, error) {
	parts := []string{
		message.SystemInstructionLabel,
		"<persona>" + names.persona + "</persona>",
	}

	convo := conversationOf(window)
	if r.Prompter != nil && message.CountRole(convo, message.RoleUser) > 0 {
		summary, err := r.Prompter.Summarize(ctx, FormatConversation(convo, names.user, names.assistant))
		if err != nil {
			return message.Message{}, fmt.Errorf("failed to summarize conversation: %w", err)
		}
		parts = append(parts, "<conversational_summary>"+summary+"</conversational_summary>")
	}

	parts = append(parts, personaClosing)
	return r.Builder.Instruction(strings.Join(parts, "\n")), nil
}

func (r *Refresh) formMemory(ctx context.Context, userID string, names personaNames, convo []message.Message) {
	title, body, err := r.Prompter.FormMemory(ctx, names.user, FormatConversation(convo, names.user, names.assistant))
	if err != nil {
		slog.Warn("Failed to form memory from conversation", "user", userID, "error", err)
		return
	}
	if _, err := r.Memories.CreateMemory(ctx, userID, title, body); err != nil {
		slog.Warn("Failed to store memory from conversation", "user", userID, "error", err)
	}
}

func (r *Refresh) consolidate(ctx context.Context, userID string) {
	pairs, err := r.Memories.FindRedundantPairs(ctx, userID, r.ConsolidationThreshold, 0)
	if err != nil {
		slog.Warn("Failed to find redundant memories", "user", userID, "error", err)
		return
	}

	for _, pair := range pairs {
		title, body, err := r.Prompter.MergeMemories(ctx, pair.A, pair.B)
		if err != nil {
			slog.Warn("Failed to merge memories", "user", userID, "a", pair.A.Name, "b", pair.B.Name, "error", err)
			continue
		}
		if _, err := r.Memories.Consolidate(ctx, userID, pair, title, body); err != nil {
			// One side may already be merged into an earlier pair.
			if errors.Is(err, mnemoErrors.ErrNotFound) {
				slog.Debug("Skipping consolidated pair", "a", pair.A.Name, "b", pair.B.Name)
				continue
			}
			slog.Warn("Failed to consolidate memories", "user", userID, "error", err)
		}
	}
}

type personaNames struct {
	user      string
	assistant string
	persona   string
}

func (r *Refresh) names(userID string) (personaNames, error) {
	var p profile.Profile
	if r.Profiles != nil {
		var err error
		if p, err = r.Profiles.Get(userID); err != nil {
			return personaNames{}, err
		}
	}

	n := personaNames{user: p.DisplayName(), assistant: r.AssistantName, persona: r.Persona}
	if p.AssistantName != "" {
		n.assistant = p.AssistantName
	}
	if p.Persona != "" {
		n.persona = p.Persona
	}
	n.persona = strings.NewReplacer("$ASSISTANT_NAME", n.assistant, "$USER_NAME", n.user).Replace(n.persona)
	return n, nil
}

// conversationOf returns window without a leading system instruction.
func conversationOf(window []message.Message) []message.Message {
	if len(window) > 0 && window[0].IsSystemInstruction() {
		return window[1:]
	}
	return window
}

// ReplaceSystemInstruction removes every instruction in window and puts instruction first.
func ReplaceSystemInstruction(window []message.Message, instruction message.Message) []message.Message {
	out := make([]message.Message, 0, len(window)+1)
	out = append(out, instruction)
	for _, m := range window {
		if !m.IsSystemInstruction() {
			out = append(out, m)
		}
	}
	return out
}
