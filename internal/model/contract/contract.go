package contract

type Message struct {
	Role       string      `json:"role"`
	Content    string      `json:"content"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolCalls  []*ToolCall `json:"tool_calls,omitempty"`
}

type CompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Tools    []ToolDef `json:"tools,omitempty"`
	// ToolChoice forces the named tool when set.
	ToolChoice string `json:"tool_choice,omitempty"`
	MaxTokens  int    `json:"max_tokens,omitempty"`
}

type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type CompletionResponse struct {
	Content   string      `json:"content"`
	ToolCalls []*ToolCall `json:"tool_calls,omitempty"`
}

type ToolCall struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Input string `json:"input"`
}

// ToolCallDelta is one fragment of a streamed tool call. Index identifies the call slot;
// ID and Name normally arrive only on the first fragment.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// StreamEvent is either a text delta or a tool call delta.
type StreamEvent struct {
	TextDelta string         `json:"text_delta,omitempty"`
	ToolCall  *ToolCallDelta `json:"tool_call,omitempty"`
}

// StreamHandler receives events in provider order. Returning an error aborts the stream.
type StreamHandler func(StreamEvent) error

// SystemPrompt returns the concatenated content of leading system messages and the rest.
// Providers without a system role in the message list use it.
func SystemPrompt(msgs []Message) (string, []Message) {
	var system string
	i := 0
	for ; i < len(msgs) && msgs[i].Role == "system"; i++ {
		if system != "" {
			system += "\n\n"
		}
		system += msgs[i].Content
	}
	return system, msgs[i:]
}
