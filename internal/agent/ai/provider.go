package ai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/omrylcn/gbot-sub000/internal/agent/session"
)

// StreamEventType defines the type of streaming event
type StreamEventType string

const (
	EventTypeText     StreamEventType = "text"
	EventTypeToolCall StreamEventType = "tool_call"
	EventTypeUsage    StreamEventType = "usage"
	EventTypeError    StreamEventType = "error"
	EventTypeDone     StreamEventType = "done"
)

// ToolCall is a tool invocation requested by the model
type ToolCall = session.ToolCall

// StreamEvent represents a streaming response event
type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	Text     string          `json:"text,omitempty"`
	ToolCall *ToolCall       `json:"tool_call,omitempty"`
	Usage    *session.Usage  `json:"usage,omitempty"`
	Error    error           `json:"-"`
}

// ToolDefinition describes a tool available to the AI
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ChatRequest represents a request to the AI provider
type ChatRequest struct {
	Messages    []session.Message `json:"messages"`
	Tools       []ToolDefinition  `json:"tools,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	System      string            `json:"system,omitempty"`
	Model       string            `json:"model,omitempty"` // overrides the provider default
}

// Provider interface for AI providers
type Provider interface {
	// ID returns the provider identifier (e.g., "anthropic", "openai")
	ID() string

	// Stream sends a request and returns a channel of streaming events.
	// The channel is closed after a done or error event.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)
}

// ProviderError represents an error from a provider
type ProviderError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

func (e *ProviderError) Error() string {
	return e.Message
}

// ErrNoProvider is returned when no provider is configured for a name
var ErrNoProvider = errors.New("no provider configured")

// ClassifyErrorReason determines the category of a provider error.
// Returns: "billing", "rate_limit", "auth", "timeout", "context", or "other"
func ClassifyErrorReason(err error) string {
	if err == nil {
		return "other"
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		switch pe.Code {
		case "rate_limit_exceeded":
			return "rate_limit"
		case "authentication_error", "invalid_api_key", "unauthorized":
			return "auth"
		case "insufficient_quota", "billing_error", "payment_required":
			return "billing"
		case "context_length_exceeded":
			return "context"
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "timeout"
	}

	msg := strings.ToLower(err.Error())
	patterns := []struct {
		reason string
		words  []string
	}{
		{"billing", []string{"billing", "quota", "payment", "insufficient", "spending limit"}},
		{"rate_limit", []string{"rate limit", "rate_limit", "too many requests", "429", "throttl"}},
		{"auth", []string{"authentication", "unauthorized", "api key", "401", "403", "forbidden"}},
		{"timeout", []string{"timeout", "timed out", "deadline exceeded"}},
		{"context", []string{"context length", "context window", "too long", "maximum context"}},
	}
	for _, p := range patterns {
		for _, w := range p.words {
			if strings.Contains(msg, w) {
				return p.reason
			}
		}
	}
	return "other"
}

// respondedToolIDs collects the ids of tool calls that have a tool result.
// Adapters drop calls without results; most APIs reject dangling calls.
func respondedToolIDs(msgs []session.Message) map[string]bool {
	ids := make(map[string]bool)
	for _, m := range msgs {
		if tm, ok := m.(session.ToolMessage); ok {
			ids[tm.ToolCallID] = true
		}
	}
	return ids
}

// issuedToolCalls maps every tool call id issued by the assistant to its name
func issuedToolCalls(msgs []session.Message) map[string]string {
	calls := make(map[string]string)
	for _, m := range msgs {
		if am, ok := m.(session.AssistantMessage); ok {
			for _, tc := range am.ToolCalls {
				calls[tc.ID] = tc.Name
			}
		}
	}
	return calls
}

// parseSchema decodes a tool's JSON schema into a generic map
func parseSchema(raw json.RawMessage) (map[string]any, error) {
	var schema map[string]any
	if len(raw) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}, nil
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, err
	}
	return schema, nil
}

// toolInput decodes tool call arguments, defaulting to an empty object
func toolInput(raw json.RawMessage) map[string]any {
	var input map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &input) != nil || input == nil {
		return map[string]any{}
	}
	return input
}

// marshalArgs encodes decoded tool arguments back to JSON
func marshalArgs(args map[string]any) (json.RawMessage, error) {
	if args == nil {
		return json.RawMessage("{}"), nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return json.RawMessage("{}"), err
	}
	return b, nil
}
