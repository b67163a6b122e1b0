package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/harunnryd/mnemo/internal/model/contract"

	"google.golang.org/genai"
)

type Provider struct {
	client *genai.Client
	model  string
}

const defaultEmbeddingModel = "text-embedding-004"

func New(apiKey, model string) (*Provider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, err
	}
	return &Provider{client: client, model: model}, nil
}

func (p *Provider) Name() string {
	return p.model
}

func (p *Provider) Type() string {
	return "gemini"
}

func (p *Provider) Generate(ctx context.Context, req contract.CompletionRequest) (*contract.CompletionResponse, error) {
	contents, cfg := buildRequest(req)

	resp, err := p.client.Models.GenerateContent(ctx, p.modelName(req), contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}

	out := &contract.CompletionResponse{}
	if resp == nil {
		return out, nil
	}

	for _, fc := range resp.FunctionCalls() {
		argsJSON, _ := json.Marshal(fc.Args)
		out.ToolCalls = append(out.ToolCalls, &contract.ToolCall{ID: callID(fc, len(out.ToolCalls)), Name: fc.Name, Input: string(argsJSON)})
	}
	out.Content = candidateText(resp)

	return out, nil
}

// Stream emits text as it arrives. Gemini delivers function calls whole, so each one is
// forwarded as a single complete delta in its own slot.
func (p *Provider) Stream(ctx context.Context, req contract.CompletionRequest, onEvent contract.StreamHandler) error {
	contents, cfg := buildRequest(req)

	slot := 0
	for resp, err := range p.client.Models.GenerateContentStream(ctx, p.modelName(req), contents, cfg) {
		if err != nil {
			return fmt.Errorf("gemini stream failed: %w", err)
		}
		if resp == nil {
			continue
		}

		if text := candidateText(resp); text != "" {
			if err := onEvent(contract.StreamEvent{TextDelta: text}); err != nil {
				return err
			}
		}
		for _, fc := range resp.FunctionCalls() {
			argsJSON, _ := json.Marshal(fc.Args)
			ev := contract.StreamEvent{ToolCall: &contract.ToolCallDelta{
				Index:     slot,
				ID:        callID(fc, slot),
				Name:      fc.Name,
				Arguments: string(argsJSON),
			}}
			slot++
			if err := onEvent(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Provider) modelName(req contract.CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

func buildRequest(req contract.CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, rest := contract.SystemPrompt(req.Messages)
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	callNames := make(map[string]string)
	var contents []*genai.Content
	for _, m := range rest {
		switch m.Role {
		case "tool":
			var obj map[string]any
			if err := json.Unmarshal([]byte(m.Content), &obj); err != nil || obj == nil {
				obj = map[string]any{"output": m.Content}
			}
			name := callNames[m.ToolCallID]
			if name == "" {
				name = m.ToolCallID
			}
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{ID: m.ToolCallID, Name: name, Response: obj}}}})
		case "assistant":
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				callNames[tc.ID] = tc.Name
				var args map[string]any
				_ = json.Unmarshal([]byte(tc.Input), &args)
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
			}
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
		default:
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: m.Content}}})
		}
	}

	if len(req.Tools) > 0 {
		var decls []*genai.FunctionDeclaration
		for _, t := range req.Tools {
			b, _ := json.Marshal(t.Parameters)
			var schema genai.Schema
			_ = json.Unmarshal(b, &schema)
			decls = append(decls, &genai.FunctionDeclaration{Name: t.Name, Description: t.Description, Parameters: &schema})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}

		if req.ToolChoice != "" {
			cfg.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode:                 genai.FunctionCallingConfigModeAny,
				AllowedFunctionNames: []string{req.ToolChoice},
			}}
		}
	}

	return contents, cfg
}

func candidateText(resp *genai.GenerateContentResponse) string {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" && !part.Thought {
			text += part.Text
		}
	}
	return text
}

func callID(fc *genai.FunctionCall, slot int) string {
	if fc.ID != "" {
		return fc.ID
	}
	return fmt.Sprintf("call_%s_%d", fc.Name, slot)
}

func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	model := p.model
	if model == "" {
		model = defaultEmbeddingModel
	}
	resp, err := p.client.Models.EmbedContent(ctx, model, genai.Text(text), nil)
	if err != nil {
		return nil, fmt.Errorf("gemini embedding failed: %w", err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("gemini embedding returned empty result")
	}

	return resp.Embeddings[0].Values, nil
}
