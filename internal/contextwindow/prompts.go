package contextwindow

import (
	"context"
	"fmt"
	"strings"

	mnemoErrors "github.com/harunnryd/mnemo/internal/errors"
	"github.com/harunnryd/mnemo/internal/memory"
	"github.com/harunnryd/mnemo/internal/model/contract"
)

const MemoryWordLimit = 300

const summarizeSystem = `You summarize the earlier part of a conversation between an AI persona named %[1]s and a human.
The messages come from a fixed context window and may be incomplete.
Write the summary in the first person, from the point of view of %[1]s.
Cover what was said, how the people and things mentioned relate to each other, and the tone of the conversation.
Output only the summary.`

const formMemorySystem = `You are the internal thought monologue of an AI personal assistant forming a memory from a conversation with %[1]s.
Decide what from this conversation will matter in future conversations with %[1]s.
Favour facts about %[1]s and concrete events and dates over facts about the conversation itself.
Write dates and times in ISO 8601 rather than relative terms.
Answer in markdown. The first line is the title of the memory, the rest is its content.`

const mergeMemoriesSystem = `You merge two overlapping memories of an AI personal assistant into one.
Keep every distinct fact, drop repetition, and keep dates in ISO 8601.
Answer in markdown. The first line is the title of the merged memory, the rest is its content.`

// Prompter runs the auxiliary completions a refresh needs.
type Prompter struct {
	Completer     Completer
	Model         string
	AssistantName string
	WordLimit     int
}

func (p *Prompter) query(ctx context.Context, system, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", mnemoErrors.InvalidInput("prompt is empty")
	}
	resp, err := p.Completer.Route(ctx, p.Model, contract.CompletionRequest{
		Model: p.Model,
		Messages: []contract.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", mnemoErrors.InvalidModelOutput("empty completion")
	}
	return out, nil
}

func (p *Prompter) wordLimit() int {
	if p.WordLimit > 0 {
		return p.WordLimit
	}
	return MemoryWordLimit
}

// Summarize condenses a formatted transcript.
func (p *Prompter) Summarize(ctx context.Context, transcript string) (string, error) {
	prompt := fmt.Sprintf("%s\nYour word limit is %d. DO NOT EXCEED IT.", transcript, p.wordLimit())
	return p.query(ctx, fmt.Sprintf(summarizeSystem, p.AssistantName), prompt)
}

// FormMemory turns a transcript into a memory title and body.
func (p *Prompter) FormMemory(ctx context.Context, userName, transcript string) (string, string, error) {
	out, err := p.query(ctx, fmt.Sprintf(formMemorySystem, userName), transcript)
	if err != nil {
		return "", "", err
	}
	return SplitTitleBody(out)
}

// MergeMemories writes one memory covering both entities.
func (p *Prompter) MergeMemories(ctx context.Context, a, b memory.Entity) (string, string, error) {
	prompt := fmt.Sprintf("%s\n\n%s", a.Fact(), b.Fact())
	out, err := p.query(ctx, mergeMemoriesSystem, prompt)
	if err != nil {
		return "", "", err
	}
	return SplitTitleBody(out)
}

// SplitTitleBody splits a markdown answer into its first line, without heading marks, and
// the rest.
func SplitTitleBody(s string) (string, string, error) {
	s = strings.TrimSpace(s)
	title, body, _ := strings.Cut(s, "\n")
	title = strings.TrimSpace(strings.TrimLeft(title, "#"))
	body = strings.TrimSpace(body)
	if title == "" || body == "" {
		return "", "", mnemoErrors.InvalidModelOutput(fmt.Sprintf("expected a title line and a body, got %q", s))
	}
	return title, body, nil
}
