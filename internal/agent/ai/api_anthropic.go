package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/omrylcn/gbot-sub000/internal/agent/session"
	"github.com/omrylcn/gbot-sub000/internal/logging"
)

const defaultMaxTokens = 8192

// AnthropicProvider implements the Anthropic Claude API using the official SDK
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// ID returns the provider identifier
func (p *AnthropicProvider) ID() string {
	return "anthropic"
}

// Stream sends a request and returns streaming events
func (p *AnthropicProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	messages := p.buildMessages(req.Messages)

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(defaultMaxTokens),
		Messages:  messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	system := req.System
	for _, m := range req.Messages {
		if sm, ok := m.(session.SystemMessage); ok && sm.Content != "" {
			system += "\n\n" + sm.Content
		}
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			schema, err := parseSchema(tool.InputSchema)
			if err != nil {
				logging.Warnf("[Anthropic] Failed to parse tool schema for %s: %v", tool.Name, err)
				continue
			}

			toolParam := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
				},
			}
			if required, ok := schema["required"].([]any); ok {
				for _, r := range required {
					if s, ok := r.(string); ok {
						toolParam.InputSchema.Required = append(toolParam.InputSchema.Required, s)
					}
				}
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	logging.Debugf("[Anthropic] Sending request: model=%s messages=%d tools=%d", model, len(messages), len(req.Tools))

	stream := p.client.Messages.NewStreaming(ctx, params)

	events := make(chan StreamEvent, 100)
	go p.handleStream(stream, events)

	return events, nil
}

// buildMessages converts session messages to Anthropic format. Consecutive
// tool results are grouped into one user message as the API requires.
func (p *AnthropicProvider) buildMessages(msgs []session.Message) []anthropic.MessageParam {
	responded := respondedToolIDs(msgs)
	issued := issuedToolCalls(msgs)

	var result []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			result = append(result, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, m := range msgs {
		switch msg := m.(type) {
		case session.UserMessage:
			flushResults()
			if msg.Content == "" {
				continue
			}
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))

		case session.AssistantMessage:
			flushResults()
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				if !responded[tc.ID] {
					continue
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: toolInput(tc.Input),
					},
				})
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
			}

		case session.ToolMessage:
			if _, ok := issued[msg.ToolCallID]; !ok {
				continue
			}
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
		}
	}
	flushResults()

	return result
}

// handleStream processes the streaming response
func (p *AnthropicProvider) handleStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- StreamEvent) {
	defer close(events)

	var currentToolID, currentToolName, inputBuffer string
	var usage session.Usage

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.PromptTokens = int(start.Message.Usage.InputTokens)
			usage.CompletionTokens = int(start.Message.Usage.OutputTokens)

		case "content_block_start":
			cb := event.AsContentBlockStart()
			if toolUse, ok := cb.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				currentToolID = toolUse.ID
				currentToolName = toolUse.Name
				inputBuffer = ""
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			switch d := delta.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				events <- StreamEvent{Type: EventTypeText, Text: d.Text}
			case anthropic.InputJSONDelta:
				inputBuffer += d.PartialJSON
			}

		case "content_block_stop":
			if currentToolID != "" {
				input := inputBuffer
				if input == "" {
					input = "{}"
				}
				events <- StreamEvent{
					Type:     EventTypeToolCall,
					ToolCall: &ToolCall{ID: currentToolID, Name: currentToolName, Input: json.RawMessage(input)},
				}
				currentToolID, currentToolName, inputBuffer = "", "", ""
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.CompletionTokens = int(delta.Usage.OutputTokens)
			}

		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			events <- StreamEvent{Type: EventTypeUsage, Usage: &usage}
			events <- StreamEvent{Type: EventTypeDone}
			return

		case "error":
			events <- StreamEvent{Type: EventTypeError, Error: fmt.Errorf("anthropic stream error: %s", event.RawJSON())}
			return
		}
	}

	if err := stream.Err(); err != nil {
		events <- StreamEvent{Type: EventTypeError, Error: fmt.Errorf("anthropic: %w", err)}
		return
	}

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	events <- StreamEvent{Type: EventTypeUsage, Usage: &usage}
	events <- StreamEvent{Type: EventTypeDone}
}
