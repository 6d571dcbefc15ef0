// Package session defines the conversation message types shared by the
// agent packages and their mapping to stored rows.
package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/omrylcn/gbot-sub000/internal/db"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Message is one of UserMessage, AssistantMessage, ToolMessage or SystemMessage.
type Message interface {
	Role() Role
	Text() string
	message()
}

// ToolCall is a model-issued request to run a tool
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Usage is the token accounting of one completion
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates other into u
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// UserMessage is input from the user
type UserMessage struct {
	Content string
}

// AssistantMessage is a model turn. It has text, tool calls, or both.
type AssistantMessage struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// ToolMessage carries the result of one tool call back to the model
type ToolMessage struct {
	ToolCallID string
	Name       string
	Content    string
	IsError    bool
}

// SystemMessage is an instruction injected into the conversation
type SystemMessage struct {
	Content string
}

func (UserMessage) Role() Role      { return RoleUser }
func (AssistantMessage) Role() Role { return RoleAssistant }
func (ToolMessage) Role() Role      { return RoleTool }
func (SystemMessage) Role() Role    { return RoleSystem }

func (m UserMessage) Text() string      { return m.Content }
func (m AssistantMessage) Text() string { return m.Content }
func (m ToolMessage) Text() string      { return m.Content }
func (m SystemMessage) Text() string    { return m.Content }

func (UserMessage) message()      {}
func (AssistantMessage) message() {}
func (ToolMessage) message()      {}
func (SystemMessage) message()    {}

// HasToolCalls reports whether the turn requests tool execution
func (m AssistantMessage) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// ToRow converts a message to a storable row for sessionID
func ToRow(sessionID string, m Message) (*db.Message, error) {
	row := &db.Message{SessionID: sessionID, Role: string(m.Role()), Content: m.Text()}
	switch v := m.(type) {
	case AssistantMessage:
		if len(v.ToolCalls) > 0 {
			b, err := json.Marshal(v.ToolCalls)
			if err != nil {
				return nil, fmt.Errorf("marshal tool calls: %w", err)
			}
			row.ToolCalls = b
		}
	case *AssistantMessage:
		return ToRow(sessionID, *v)
	case ToolMessage:
		row.ToolCallID = v.ToolCallID
		row.ToolName = v.Name
	}
	return row, nil
}

// FromRow converts a stored row back to a message
func FromRow(row db.Message) (Message, error) {
	switch Role(row.Role) {
	case RoleUser:
		return UserMessage{Content: row.Content}, nil
	case RoleAssistant:
		msg := AssistantMessage{Content: row.Content}
		if len(row.ToolCalls) > 0 {
			if err := json.Unmarshal(row.ToolCalls, &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("message %d: bad tool calls: %w", row.ID, err)
			}
		}
		return msg, nil
	case RoleTool:
		return ToolMessage{ToolCallID: row.ToolCallID, Name: row.ToolName, Content: row.Content}, nil
	case RoleSystem:
		return SystemMessage{Content: row.Content}, nil
	default:
		return nil, fmt.Errorf("message %d: unknown role %q", row.ID, row.Role)
	}
}

// FromRows converts stored rows, skipping rows that cannot be decoded
func FromRows(rows []db.Message) []Message {
	out := make([]Message, 0, len(rows))
	for _, row := range rows {
		m, err := FromRow(row)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Transcript keeps only user and assistant turns that carry text
func Transcript(msgs []Message) []Message {
	var out []Message
	for _, m := range msgs {
		switch m.Role() {
		case RoleUser, RoleAssistant:
			if m.Text() != "" {
				out = append(out, m)
			}
		}
	}
	return out
}

// Render formats the transcript of msgs as "[role]: text" blocks
func Render(msgs []Message) string {
	var b strings.Builder
	for _, m := range Transcript(msgs) {
		fmt.Fprintf(&b, "[%s]: %s\n\n", m.Role(), m.Text())
	}
	return strings.TrimSpace(b.String())
}
