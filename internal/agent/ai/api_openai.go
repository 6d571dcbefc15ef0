package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/omrylcn/gbot-sub000/internal/agent/session"
	"github.com/omrylcn/gbot-sub000/internal/logging"
)

// OpenAIProvider implements the OpenAI API using the official SDK.
// A base URL makes it usable against any OpenAI-compatible endpoint.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// ID returns the provider identifier
func (p *OpenAIProvider) ID() string {
	return "openai"
}

// Stream sends a request and returns streaming events
func (p *OpenAIProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	messages := p.buildMessages(req)

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			schema, err := parseSchema(tool.InputSchema)
			if err != nil {
				logging.Warnf("[OpenAI] Failed to parse tool schema for %s: %v", tool.Name, err)
				continue
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  shared.FunctionParameters(schema),
				},
			})
		}
		params.Tools = tools
	}

	logging.Debugf("[OpenAI] Sending request: model=%s messages=%d tools=%d", model, len(messages), len(req.Tools))

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	events := make(chan StreamEvent, 100)
	go p.handleStream(stream, events)

	return events, nil
}

// buildMessages converts session messages to OpenAI format
func (p *OpenAIProvider) buildMessages(req *ChatRequest) []openai.ChatCompletionMessageParamUnion {
	responded := respondedToolIDs(req.Messages)
	issued := issuedToolCalls(req.Messages)

	var result []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		result = append(result, openai.SystemMessage(req.System))
	}

	for _, m := range req.Messages {
		switch msg := m.(type) {
		case session.UserMessage:
			result = append(result, openai.UserMessage(msg.Content))

		case session.AssistantMessage:
			var toolCalls []openai.ChatCompletionMessageToolCallParam
			for _, tc := range msg.ToolCalls {
				if !responded[tc.ID] {
					continue
				}
				args := string(tc.Input)
				if args == "" {
					args = "{}"
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			if msg.Content == "" && len(toolCalls) == 0 {
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(msg.Content),
				}
			}
			if len(toolCalls) > 0 {
				assistant.ToolCalls = toolCalls
			}
			result = append(result, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

		case session.ToolMessage:
			if _, ok := issued[msg.ToolCallID]; !ok {
				continue
			}
			result = append(result, openai.ToolMessage(msg.Content, msg.ToolCallID))

		case session.SystemMessage:
			result = append(result, openai.SystemMessage(msg.Content))
		}
	}
	return result
}

// handleStream processes the streaming response
func (p *OpenAIProvider) handleStream(stream *ssestream.Stream[openai.ChatCompletionChunk], events chan<- StreamEvent) {
	defer close(events)

	acc := openai.ChatCompletionAccumulator{}
	emitted := make(map[string]bool)

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if tool, ok := acc.JustFinishedToolCall(); ok {
			emitted[tool.ID] = true
			events <- StreamEvent{
				Type:     EventTypeToolCall,
				ToolCall: &ToolCall{ID: tool.ID, Name: tool.Name, Input: json.RawMessage(tool.Arguments)},
			}
		}

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			events <- StreamEvent{Type: EventTypeText, Text: chunk.Choices[0].Delta.Content}
		}

		if chunk.Usage.TotalTokens > 0 {
			events <- StreamEvent{Type: EventTypeUsage, Usage: &session.Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}}
		}
	}

	if err := stream.Err(); err != nil {
		events <- StreamEvent{Type: EventTypeError, Error: fmt.Errorf("openai: %w", err)}
		return
	}

	// the last tool call of a turn is not always reported as "just finished"
	if len(acc.Choices) > 0 {
		for _, tc := range acc.Choices[0].Message.ToolCalls {
			if emitted[tc.ID] {
				continue
			}
			events <- StreamEvent{
				Type:     EventTypeToolCall,
				ToolCall: &ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: json.RawMessage(tc.Function.Arguments)},
			}
		}
	}

	events <- StreamEvent{Type: EventTypeDone}
}
