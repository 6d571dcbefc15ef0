package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/omrylcn/gbot-sub000/internal/agent/ai"
	"github.com/omrylcn/gbot-sub000/internal/logging"
)

// Registry manages available tools
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry, replacing one with the same name
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tools[tool.Name()]; ok {
		logging.Warnf("[Registry] tool %q already registered (%T), overwritten by %T", tool.Name(), existing, tool)
	}
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all tools sorted by name
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	return list
}

// Names returns the sorted tool names
func (r *Registry) Names() []string {
	list := r.List()
	names := make([]string, len(list))
	for i, t := range list {
		names[i] = t.Name()
	}
	return names
}

// Len returns the number of registered tools
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns all tools as AI tool definitions
func (r *Registry) Definitions() []ai.ToolDefinition {
	list := r.List()
	defs := make([]ai.ToolDefinition, 0, len(list))
	for _, tool := range list {
		defs = append(defs, ai.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	return defs
}

// Filter returns a new registry holding the tools fn accepts
func (r *Registry) Filter(fn func(Tool) bool) *Registry {
	out := NewRegistry()
	for _, t := range r.List() {
		if fn(t) {
			out.tools[t.Name()] = t
		}
	}
	return out
}

// Select returns a registry with the named tools, minus any tool in an
// excluded group. Unknown names are skipped. No names means no tools.
func (r *Registry) Select(names []string, exclude []Group) *Registry {
	out := NewRegistry()
	for _, name := range names {
		t, ok := r.Get(name)
		if !ok {
			logging.Warnf("[Registry] requested tool %q is not registered", name)
			continue
		}
		if slices.Contains(exclude, t.Group()) {
			logging.Warnf("[Registry] tool %q dropped: group %s is excluded", name, t.Group())
			continue
		}
		out.tools[name] = t
	}
	return out
}

// Execute runs a tool call. Failures never escape: an unknown tool, an
// error or a panic all come back as an error result for the model.
func (r *Registry) Execute(ctx context.Context, call ai.ToolCall) (result *ToolResult) {
	tool, ok := r.Get(call.Name)
	if !ok {
		logging.Warnf("[Registry] Unknown tool: %s", call.Name)
		return &ToolResult{Content: "tool not found: " + call.Name, IsError: true}
	}

	defer func() {
		if p := recover(); p != nil {
			logging.Errorf("[Registry] tool %s panicked: %v", call.Name, p)
			result = &ToolResult{Content: fmt.Sprintf("tool error: %v", p), IsError: true}
		}
	}()

	input := injectChannel(ctx, tool.Schema(), call.Input)

	logging.Debugf("[Registry] Executing tool: %s", call.Name)
	out, err := tool.Execute(ctx, input)
	if err != nil {
		logging.Warnf("[Registry] tool %s failed: %v", call.Name, err)
		return &ToolResult{Content: "tool error: " + err.Error(), IsError: true}
	}
	return &ToolResult{Content: out}
}

// injectChannel fills a missing "channel" argument from the call context
// when the tool's schema declares one.
func injectChannel(ctx context.Context, raw, input json.RawMessage) json.RawMessage {
	cc, ok := CallContextFrom(ctx)
	if !ok || cc.Channel == "" {
		return input
	}

	var s struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if json.Unmarshal(raw, &s) != nil {
		return input
	}
	if _, declared := s.Properties["channel"]; !declared {
		return input
	}

	args := map[string]any{}
	if len(input) > 0 && json.Unmarshal(input, &args) != nil {
		return input
	}
	if v, present := args["channel"]; present && v != nil && v != "" {
		return input
	}
	args["channel"] = cc.Channel
	b, err := json.Marshal(args)
	if err != nil {
		return input
	}
	return b
}
