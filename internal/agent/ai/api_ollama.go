package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/omrylcn/gbot-sub000/internal/agent/session"
	"github.com/omrylcn/gbot-sub000/internal/logging"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaProvider implements the Provider interface for Ollama (local models) using the official SDK
type OllamaProvider struct {
	client *api.Client
	model  string
}

// NewOllamaProvider creates a new Ollama provider
func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if model == "" {
		model = "qwen3:4b"
	}

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		parsedURL, _ = url.Parse(defaultOllamaURL)
	}

	return &OllamaProvider{
		client: api.NewClient(parsedURL, &http.Client{Timeout: 5 * time.Minute}),
		model:  model,
	}
}

// ID returns the provider identifier
func (p *OllamaProvider) ID() string {
	return "ollama"
}

// Stream sends a request to Ollama and streams the response
func (p *OllamaProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	messages := p.buildMessages(req)

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	stream := true
	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		chatReq.Options = make(map[string]any)
		if req.Temperature > 0 {
			chatReq.Options["temperature"] = req.Temperature
		}
		if req.MaxTokens > 0 {
			chatReq.Options["num_predict"] = req.MaxTokens
		}
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.buildTools(req.Tools)
	}

	logging.Debugf("[Ollama] Sending request: model=%s messages=%d tools=%d", model, len(messages), len(req.Tools))

	events := make(chan StreamEvent, 100)
	go func() {
		defer close(events)

		callCounter := 0
		done := false
		err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				events <- StreamEvent{Type: EventTypeText, Text: resp.Message.Content}
			}
			for _, tc := range resp.Message.ToolCalls {
				callCounter++
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("ollama-call-%d", callCounter)
				}
				args, _ := json.Marshal(tc.Function.Arguments.ToMap())
				events <- StreamEvent{
					Type:     EventTypeToolCall,
					ToolCall: &ToolCall{ID: id, Name: tc.Function.Name, Input: args},
				}
			}
			if resp.Done {
				done = true
				events <- StreamEvent{Type: EventTypeUsage, Usage: &session.Usage{
					PromptTokens:     resp.PromptEvalCount,
					CompletionTokens: resp.EvalCount,
					TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
				}}
			}
			return nil
		})
		if err != nil {
			events <- StreamEvent{Type: EventTypeError, Error: fmt.Errorf("ollama: %w", err)}
			return
		}
		if done {
			events <- StreamEvent{Type: EventTypeDone}
		}
	}()

	return events, nil
}

// buildMessages converts session messages to Ollama format
func (p *OllamaProvider) buildMessages(req *ChatRequest) []api.Message {
	messages := make([]api.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}

	responded := respondedToolIDs(req.Messages)
	issued := issuedToolCalls(req.Messages)

	for _, m := range req.Messages {
		switch msg := m.(type) {
		case session.UserMessage:
			messages = append(messages, api.Message{Role: "user", Content: msg.Content})

		case session.AssistantMessage:
			out := api.Message{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				if !responded[tc.ID] {
					continue
				}
				args := api.NewToolCallFunctionArguments()
				for k, v := range toolInput(tc.Input) {
					args.Set(k, v)
				}
				out.ToolCalls = append(out.ToolCalls, api.ToolCall{
					ID:       tc.ID,
					Function: api.ToolCallFunction{Name: tc.Name, Arguments: args},
				})
			}
			if out.Content != "" || len(out.ToolCalls) > 0 {
				messages = append(messages, out)
			}

		case session.SystemMessage:
			messages = append(messages, api.Message{Role: "system", Content: msg.Content})

		case session.ToolMessage:
			name, ok := issued[msg.ToolCallID]
			if !ok {
				continue
			}
			messages = append(messages, api.Message{
				Role:       "tool",
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
				ToolName:   name,
			})
		}
	}
	return messages
}

// buildTools converts tool definitions to Ollama format
func (p *OllamaProvider) buildTools(tools []ToolDefinition) api.Tools {
	result := make(api.Tools, 0, len(tools))

	for _, tool := range tools {
		schema, err := parseSchema(tool.InputSchema)
		if err != nil {
			continue
		}

		params := api.ToolFunctionParameters{Type: "object"}
		if props, ok := schema["properties"].(map[string]any); ok {
			propsMap := api.NewToolPropertiesMap()
			for name, raw := range props {
				if obj, ok := raw.(map[string]any); ok {
					propsMap.Set(name, convertOllamaProperty(obj))
				}
			}
			params.Properties = propsMap
		}
		if required, ok := schema["required"].([]any); ok {
			for _, r := range required {
				if s, ok := r.(string); ok {
					params.Required = append(params.Required, s)
				}
			}
		}

		result = append(result, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return result
}

func convertOllamaProperty(prop map[string]any) api.ToolProperty {
	var result api.ToolProperty
	if t, ok := prop["type"].(string); ok {
		result.Type = api.PropertyType{t}
	}
	if desc, ok := prop["description"].(string); ok {
		result.Description = desc
	}
	if enum, ok := prop["enum"].([]any); ok {
		result.Enum = enum
	}
	if items, ok := prop["items"]; ok {
		result.Items = items
	}
	return result
}
