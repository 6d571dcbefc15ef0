// Package delegation decides how a free-form task should run and hands it
// to the background worker or the scheduler.
package delegation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/omrylcn/gbot-sub000/internal/agent/ai"
	"github.com/omrylcn/gbot-sub000/internal/agent/memory"
	"github.com/omrylcn/gbot-sub000/internal/agent/session"
	"github.com/omrylcn/gbot-sub000/internal/agent/tools"
	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/logging"
	"github.com/omrylcn/gbot-sub000/internal/scheduler"
)

// Execution modes
const (
	ExecImmediate = "immediate"
	ExecDelayed   = "delayed"
	ExecRecurring = "recurring"
	ExecMonitor   = "monitor"
)

// DefaultPrompt is used when a plan carries no prompt of its own
const DefaultPrompt = "You are a background assistant. Complete the task with the tools you have " +
	"and reply with a short, self-contained result the user can read later."

// Plan says how a delegated task runs
type Plan struct {
	Tools        []string `json:"tools"`
	Prompt       string   `json:"prompt"`
	Model        string   `json:"model,omitempty"` // empty means the default model
	Execution    string   `json:"execution"`
	Processor    string   `json:"processor"`
	DelaySeconds int64    `json:"delay_seconds,omitempty"`
	CronExpr     string   `json:"cron_expr,omitempty"`
}

// DefaultPlan is the conservative plan used when the model's answer
// cannot be used
func DefaultPlan(task string) Plan {
	return Plan{
		Tools:     []string{"web_search", "web_fetch"},
		Prompt:    DefaultPrompt,
		Execution: ExecImmediate,
		Processor: db.ProcessorAgent,
	}
}

// ToolInfo is one catalog entry shown to the planner
type ToolInfo struct {
	Name        string
	Description string
}

// Catalog lists the tools of r that background runs may use
func Catalog(r *tools.Registry) []ToolInfo {
	safe := r.Filter(func(t tools.Tool) bool { return !tools.IsUnsafe(t.Group()) })
	var out []ToolInfo
	for _, t := range safe.List() {
		out = append(out, ToolInfo{Name: t.Name(), Description: t.Description()})
	}
	slices.SortFunc(out, func(a, b ToolInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}

const planPrompt = `You route background tasks for a personal assistant. Decide how the task below should run.

Available tools:
%s
Reply with a single JSON object and nothing else:
{
  "tools": ["tool names from the list above"],
  "prompt": "instructions for the background agent",
  "model": null,
  "execution": "immediate | delayed | recurring | monitor",
  "processor": "agent | runner",
  "delay_seconds": 0,
  "cron_expr": ""
}

- immediate: run now. delayed: run once after delay_seconds.
- recurring: run on cron_expr (5 fields) and always report.
- monitor: run on cron_expr and report only when something changed; the agent replies [SKIP] otherwise.
- processor "runner" delivers the task text as is, without a model. Use it only for plain reminders.

Task: %s`

// Planner turns a task description into a Plan with one model call
type Planner struct {
	provider ai.Provider
	model    string
	catalog  []ToolInfo
}

// NewPlanner creates a planner over a tool catalog
func NewPlanner(provider ai.Provider, catalog []ToolInfo) *Planner {
	return &Planner{provider: provider, catalog: catalog}
}

// WithModel sets the model used for planning calls
func (p *Planner) WithModel(model string) *Planner {
	p.model = model
	return p
}

// Plan asks the model for a plan. It never fails: an unusable answer
// yields DefaultPlan.
func (p *Planner) Plan(ctx context.Context, task string) Plan {
	var sb strings.Builder
	for _, t := range p.catalog {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
	}

	msg, err := ai.CompleteErr(ctx, p.provider, &ai.ChatRequest{
		Messages: []session.Message{session.UserMessage{Content: fmt.Sprintf(planPrompt, sb.String(), task)}},
		Model:    p.model,
	})
	if err != nil {
		logging.Warnf("[Planner] planning call failed, using default plan: %v", err)
		return DefaultPlan(task)
	}

	plan, err := ParsePlan(msg.Content)
	if err != nil {
		logging.Warnf("[Planner] unusable plan, using default: %v", err)
		return DefaultPlan(task)
	}
	return p.normalize(plan)
}

// rawPlan accepts the loose shapes models produce
type rawPlan struct {
	Tools        []string `json:"tools"`
	Prompt       string   `json:"prompt"`
	Model        *string  `json:"model"`
	Execution    string   `json:"execution"`
	Processor    string   `json:"processor"`
	DelaySeconds float64  `json:"delay_seconds"`
	CronExpr     string   `json:"cron_expr"`
}

// ParsePlan extracts a plan from model output. Code fences and text around
// the JSON object are ignored; a "null" model string means no model.
func ParsePlan(text string) (Plan, error) {
	obj := memory.FirstJSONObject(memory.StripFences(text))
	if obj == "" {
		return Plan{}, errors.New("no JSON object in plan")
	}
	var raw rawPlan
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}

	plan := Plan{
		Tools:        raw.Tools,
		Prompt:       strings.TrimSpace(raw.Prompt),
		Execution:    strings.ToLower(strings.TrimSpace(raw.Execution)),
		Processor:    strings.ToLower(strings.TrimSpace(raw.Processor)),
		DelaySeconds: int64(raw.DelaySeconds),
		CronExpr:     strings.TrimSpace(raw.CronExpr),
	}
	if raw.Model != nil {
		if m := strings.TrimSpace(*raw.Model); m != "" && !strings.EqualFold(m, "null") {
			plan.Model = m
		}
	}
	return plan, nil
}

// normalize repairs a plan instead of rejecting it
func (p *Planner) normalize(plan Plan) Plan {
	switch plan.Execution {
	case ExecImmediate, ExecDelayed, ExecRecurring, ExecMonitor:
	default:
		logging.Warnf("[Planner] unknown execution %q, running immediately", plan.Execution)
		plan.Execution = ExecImmediate
	}
	switch plan.Processor {
	case db.ProcessorAgent, db.ProcessorRunner:
	default:
		plan.Processor = db.ProcessorAgent
	}

	if plan.Execution == ExecDelayed && plan.DelaySeconds <= 0 {
		logging.Warnf("[Planner] delayed plan without a positive delay, running immediately")
		plan.Execution = ExecImmediate
	}
	if plan.Execution == ExecRecurring || plan.Execution == ExecMonitor {
		if err := scheduler.ParseCron(plan.CronExpr); err != nil {
			logging.Warnf("[Planner] %s plan with bad cron, running immediately: %v", plan.Execution, err)
			plan.Execution = ExecImmediate
		}
	}
	if plan.Processor == db.ProcessorRunner && plan.Execution == ExecImmediate {
		logging.Warnf("[Planner] runner cannot execute immediately, using agent")
		plan.Processor = db.ProcessorAgent
	}

	switch plan.Execution {
	case ExecImmediate:
		plan.DelaySeconds, plan.CronExpr = 0, ""
	case ExecDelayed:
		plan.CronExpr = ""
	default:
		plan.DelaySeconds = 0
	}

	known := make(map[string]bool, len(p.catalog))
	for _, t := range p.catalog {
		known[t.Name] = true
	}
	var kept []string
	for _, name := range plan.Tools {
		if !known[name] {
			logging.Warnf("[Planner] dropping unknown tool %q", name)
			continue
		}
		if !slices.Contains(kept, name) {
			kept = append(kept, name)
		}
	}
	plan.Tools = kept

	if plan.Prompt == "" {
		plan.Prompt = DefaultPrompt
	}
	return plan
}
