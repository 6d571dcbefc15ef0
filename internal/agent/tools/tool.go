// Package tools holds the agent's callable tools and the registry that
// dispatches model tool calls to them.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
)

// Group is a capability class. Roles grant tools by group.
type Group string

const (
	GroupMemory     Group = "memory"
	GroupWeb        Group = "web"
	GroupScheduling Group = "scheduling"
	GroupDelegation Group = "delegation"
	GroupFilesystem Group = "filesystem"
	GroupShell      Group = "shell"
)

// UnsafeGroups are never handed to isolated runs or exposed over MCP
var UnsafeGroups = []Group{GroupFilesystem, GroupShell, GroupDelegation}

// IsUnsafe reports whether g is one of UnsafeGroups
func IsUnsafe(g Group) bool {
	return slices.Contains(UnsafeGroups, g)
}

// Tool interface that all tools must implement
type Tool interface {
	// Name returns the tool's unique name
	Name() string

	// Description returns a description for the AI
	Description() string

	// Schema returns the JSON schema for the tool's input
	Schema() json.RawMessage

	// Group returns the capability group the tool belongs to
	Group() Group

	// Execute runs the tool with the given input. The returned text goes
	// back to the model; an error is reported to the model as text too.
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// decodeInput unmarshals tool arguments, treating empty input as {}
func decodeInput(input json.RawMessage, v any) error {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	return nil
}

// schema is a small helper to build an object schema from properties
func schema(properties map[string]any, required ...string) json.RawMessage {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	b, _ := json.Marshal(s)
	return b
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}
