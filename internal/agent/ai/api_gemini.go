package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/omrylcn/gbot-sub000/internal/agent/session"
	"github.com/omrylcn/gbot-sub000/internal/logging"
)

// GeminiProvider implements the Google Gemini API
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiProvider{client: client, model: model}, nil
}

// ID returns the provider identifier
func (p *GeminiProvider) ID() string {
	return "gemini"
}

// Close releases the underlying client
func (p *GeminiProvider) Close() error {
	return p.client.Close()
}

// Stream sends a request and returns streaming events
func (p *GeminiProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	name := p.model
	if req.Model != "" {
		name = req.Model
	}

	model := p.client.GenerativeModel(name)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.Temperature > 0 {
		model.SetTemperature(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			schema, err := parseSchema(tool.InputSchema)
			if err != nil {
				logging.Warnf("[Gemini] Failed to parse tool schema for %s: %v", tool.Name, err)
				continue
			}
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  geminiSchema(schema),
			})
		}
		model.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	contents := p.buildContents(req.Messages)
	if len(contents) == 0 || contents[len(contents)-1].Role != "user" {
		contents = append(contents, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text("Continue.")}})
	}

	cs := model.StartChat()
	cs.History = contents[:len(contents)-1]
	last := contents[len(contents)-1]

	logging.Debugf("[Gemini] Sending request: model=%s contents=%d tools=%d", name, len(contents), len(req.Tools))

	iter := cs.SendMessageStream(ctx, last.Parts...)

	events := make(chan StreamEvent, 100)
	go func() {
		defer close(events)

		callCounter := 0
		var usage *genai.UsageMetadata
		for {
			resp, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				events <- StreamEvent{Type: EventTypeError, Error: fmt.Errorf("gemini: %w", err)}
				return
			}
			if resp.UsageMetadata != nil {
				usage = resp.UsageMetadata
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					switch v := part.(type) {
					case genai.Text:
						events <- StreamEvent{Type: EventTypeText, Text: string(v)}
					case genai.FunctionCall:
						callCounter++
						args, _ := marshalArgs(v.Args)
						events <- StreamEvent{
							Type:     EventTypeToolCall,
							ToolCall: &ToolCall{ID: fmt.Sprintf("gemini-call-%d", callCounter), Name: v.Name, Input: args},
						}
					}
				}
			}
		}

		if usage != nil {
			events <- StreamEvent{Type: EventTypeUsage, Usage: &session.Usage{
				PromptTokens:     int(usage.PromptTokenCount),
				CompletionTokens: int(usage.CandidatesTokenCount),
				TotalTokens:      int(usage.TotalTokenCount),
			}}
		}
		events <- StreamEvent{Type: EventTypeDone}
	}()

	return events, nil
}

// buildContents converts session messages to Gemini contents. Consecutive
// tool results are merged into one user turn of function responses.
func (p *GeminiProvider) buildContents(msgs []session.Message) []*genai.Content {
	responded := respondedToolIDs(msgs)
	issued := issuedToolCalls(msgs)

	var out []*genai.Content
	appendParts := func(role string, parts ...genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			return
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}

	for _, m := range msgs {
		switch msg := m.(type) {
		case session.UserMessage:
			if msg.Content != "" {
				appendParts("user", genai.Text(msg.Content))
			}
		case session.SystemMessage:
			if msg.Content != "" {
				appendParts("user", genai.Text(msg.Content))
			}
		case session.AssistantMessage:
			var parts []genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				if responded[tc.ID] {
					parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: toolInput(tc.Input)})
				}
			}
			appendParts("model", parts...)
		case session.ToolMessage:
			name, ok := issued[msg.ToolCallID]
			if !ok {
				continue
			}
			appendParts("user", genai.FunctionResponse{
				Name:     name,
				Response: map[string]any{"content": msg.Content, "is_error": msg.IsError},
			})
		}
	}
	return out
}

// geminiSchema converts a JSON schema map to the Gemini schema type
func geminiSchema(s map[string]any) *genai.Schema {
	out := &genai.Schema{}
	switch s["type"] {
	case "object":
		out.Type = genai.TypeObject
	case "array":
		out.Type = genai.TypeArray
	case "integer":
		out.Type = genai.TypeInteger
	case "number":
		out.Type = genai.TypeNumber
	case "boolean":
		out.Type = genai.TypeBoolean
	default:
		out.Type = genai.TypeString
	}
	if d, ok := s["description"].(string); ok {
		out.Description = d
	}
	if enum, ok := s["enum"].([]any); ok {
		for _, e := range enum {
			if v, ok := e.(string); ok {
				out.Enum = append(out.Enum, v)
			}
		}
	}
	if props, ok := s["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if obj, ok := raw.(map[string]any); ok {
				out.Properties[name] = geminiSchema(obj)
			}
		}
	}
	if items, ok := s["items"].(map[string]any); ok {
		out.Items = geminiSchema(items)
	}
	if required, ok := s["required"].([]any); ok {
		for _, r := range required {
			if v, ok := r.(string); ok {
				out.Required = append(out.Required, v)
			}
		}
	}
	return out
}
