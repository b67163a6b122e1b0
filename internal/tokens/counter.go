// Package tokens counts prompt tokens the way the chat models see them.
package tokens

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/harunnryd/mnemo/internal/model/contract"

	"github.com/pkoukk/tiktoken-go"
)

// MessageOverhead approximates the role and separator tokens every chat message costs.
const MessageOverhead = 4

const fallbackEncoding = "cl100k_base"

var errNoEncoder = errors.New("tokenizer disabled")

// Counter counts tokens with the tiktoken encoding of the model. Encodings are loaded lazily and
// cached per model; when none can be loaded it estimates four characters per token.
type Counter struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
	failed    map[string]bool
	load      func(model string) (*tiktoken.Tiktoken, error)
}

func New() *Counter {
	return &Counter{
		encodings: make(map[string]*tiktoken.Tiktoken),
		failed:    make(map[string]bool),
		load:      loadEncoding,
	}
}

// NewHeuristic returns a Counter that never loads a tokenizer.
func NewHeuristic() *Counter {
	c := New()
	c.load = func(string) (*tiktoken.Tiktoken, error) { return nil, errNoEncoder }
	return c
}

func loadEncoding(model string) (*tiktoken.Tiktoken, error) {
	if model != "" {
		if tk, err := tiktoken.EncodingForModel(model); err == nil {
			return tk, nil
		}
	}
	return tiktoken.GetEncoding(fallbackEncoding)
}

// Count returns the token count of msgs including per-message overhead.
func (c *Counter) Count(model string, msgs []contract.Message) int {
	total := 0
	for _, m := range msgs {
		total += MessageOverhead + c.CountText(model, m.Content)
		for _, tc := range m.ToolCalls {
			total += c.CountText(model, tc.Name) + c.CountText(model, tc.Input)
		}
	}
	return total
}

// CountText counts the tokens of a bare string.
func (c *Counter) CountText(model, text string) int {
	if text == "" {
		return 0
	}
	if tk := c.encoding(model); tk != nil {
		return len(tk.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// Estimate is the character heuristic used without a tokenizer.
func Estimate(text string) int {
	return (len(text) + 3) / 4
}

func (c *Counter) encoding(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tk, ok := c.encodings[model]; ok {
		return tk
	}
	if c.failed[model] {
		return nil
	}

	tk, err := c.load(model)
	if err != nil {
		slog.Warn("Token encoding unavailable, using estimate", "model", model, "error", err)
		c.failed[model] = true
		return nil
	}
	c.encodings[model] = tk
	return tk
}
