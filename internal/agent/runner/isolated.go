package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/omrylcn/gbot-sub000/internal/agent/ai"
	"github.com/omrylcn/gbot-sub000/internal/agent/session"
	"github.com/omrylcn/gbot-sub000/internal/agent/tools"
	"github.com/omrylcn/gbot-sub000/internal/config"
	"github.com/omrylcn/gbot-sub000/internal/logging"
)

const defaultIsolatedPrompt = "You are a background assistant completing a single task without a live user. " +
	"Use the tools you are given when they help, then reply with the final result only."

// Task is one isolated run
type Task struct {
	Prompt  string   // system prompt; a default is used when empty
	Task    string   // the user-side instruction
	Tools   []string // tool names; empty means no tools
	Model   string   // optional "provider/model" or bare model override
	UserID  string
	Channel string
	Ceiling int // 0 uses the configured isolated ceiling
}

// Result of an isolated run
type Result struct {
	Text      string
	Tokens    int
	ToolsUsed []string
}

// Isolated runs the state machine without a session or context assembly.
// Its tools are always a safe subset of the shared registry.
type Isolated struct {
	router   *ai.Router
	registry *tools.Registry
	cfg      config.AgentConfig
}

// NewIsolated creates an isolated agent
func NewIsolated(router *ai.Router, registry *tools.Registry, cfg config.AgentConfig) *Isolated {
	return &Isolated{router: router, registry: registry, cfg: cfg}
}

// Run executes a bare task with no tools and the default prompt
func (a *Isolated) Run(ctx context.Context, task string) (string, int, error) {
	res, err := a.RunTask(ctx, Task{Task: task})
	if res == nil {
		return "", 0, err
	}
	return res.Text, res.Tokens, err
}

// RunTask executes t. A provider failure still yields a result (its text
// describes the failure) together with a non-nil error.
func (a *Isolated) RunTask(ctx context.Context, t Task) (*Result, error) {
	if strings.TrimSpace(t.Task) == "" {
		return nil, fmt.Errorf("isolated run: empty task")
	}

	provider, model := a.router.Resolve(t.Model)
	if provider == nil {
		return nil, ai.ErrNoProvider
	}
	if model == "" {
		model = a.cfg.Model
	}

	prompt := t.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = defaultIsolatedPrompt
	}

	ceiling := t.Ceiling
	if ceiling <= 0 {
		ceiling = a.cfg.IsolatedMaxIterations
	}

	selected := tools.NewRegistry()
	if a.registry != nil && len(t.Tools) > 0 {
		selected = a.registry.Select(t.Tools, tools.UnsafeGroups)
	}

	if t.UserID != "" {
		ctx = tools.WithCallContext(ctx, tools.CallContext{UserID: t.UserID, Channel: t.Channel})
	}

	logging.Debugf("[Isolated] run on %s (model=%q, tools=%v, ceiling=%d)", provider.ID(), model, selected.Names(), ceiling)

	m := NewMachine(provider, a.cfg.Temperature, a.cfg.MaxTokens)
	out, err := m.Run(ctx, Input{
		SystemPrompt: prompt,
		History:      []session.Message{session.UserMessage{Content: t.Task}},
		Tools:        selected,
		Model:        model,
		Ceiling:      ceiling,
	})
	if err != nil {
		return nil, err
	}

	res := &Result{Text: out.Text, Tokens: out.Tokens, ToolsUsed: out.ToolsUsed}
	if out.ProviderErr != nil {
		return res, fmt.Errorf("isolated run: %w", out.ProviderErr)
	}
	return res, nil
}
