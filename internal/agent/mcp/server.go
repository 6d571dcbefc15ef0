// Package mcp exposes the safe part of the tool registry as a Model Context
// Protocol server over streamable HTTP.
package mcp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/omrylcn/gbot-sub000/internal/agent/ai"
	"github.com/omrylcn/gbot-sub000/internal/agent/tools"
	"github.com/omrylcn/gbot-sub000/internal/logging"
)

// Channel is the channel name tool calls made over MCP run under
const Channel = "mcp"

// UserFunc returns the authenticated user of an MCP request
type UserFunc func(r *http.Request) (string, bool)

// Server wraps a tool registry to expose tools via MCP
type Server struct {
	registry *tools.Registry
	version  string
}

// NewServer creates an MCP server over the safe tools of registry
func NewServer(registry *tools.Registry, version string) *Server {
	if version == "" {
		version = "dev"
	}
	safe := registry.Filter(func(t tools.Tool) bool { return !tools.IsUnsafe(t.Group()) })
	return &Server{registry: safe, version: version}
}

// Tools lists the exposed tool names
func (s *Server) Tools() []string {
	return s.registry.Names()
}

// ForUser builds an MCP server whose tool calls run as userID
func (s *Server) ForUser(userID string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "gbot", Version: s.version}, nil)
	for _, t := range s.registry.List() {
		var schema map[string]any
		if err := json.Unmarshal(t.Schema(), &schema); err != nil {
			logging.Warnf("[MCP] skipping %s: bad schema: %v", t.Name(), err)
			continue
		}
		server.AddTool(&mcp.Tool{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: schema,
		}, s.handler(userID, t.Name()))
	}
	return server
}

func (s *Server) handler(userID, name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx = tools.WithCallContext(ctx, tools.CallContext{UserID: userID, Channel: Channel})
		var input json.RawMessage
		if req.Params != nil {
			input = req.Params.Arguments
		}
		logging.Debugf("[MCP] %s calls %s", userID, name)

		// the registry turns errors and panics into error results
		res := s.registry.Execute(ctx, ai.ToolCall{ID: name, Name: name, Input: input})
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: res.Content}},
			IsError: res.IsError,
		}, nil
	}
}

// Handler serves MCP over streamable HTTP. Each request gets a server bound
// to the user that user returns; unauthenticated requests are refused.
func (s *Server) Handler(user UserFunc) http.Handler {
	stream := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		id, _ := user(r)
		return s.ForUser(id)
	}, &mcp.StreamableHTTPOptions{Stateless: true})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := user(r); !ok || id == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		stream.ServeHTTP(w, r)
	})
}
