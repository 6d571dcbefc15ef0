package delegation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omrylcn/gbot-sub000/internal/agent/ai"
	"github.com/omrylcn/gbot-sub000/internal/agent/session"
	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/logging"
)

// replyProvider answers every request with a fixed text, or fails
type replyProvider struct {
	reply string
	err   error

	mu       sync.Mutex
	requests []*ai.ChatRequest
}

func (p *replyProvider) ID() string { return "test" }

func (p *replyProvider) Stream(_ context.Context, req *ai.ChatRequest) (<-chan ai.StreamEvent, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan ai.StreamEvent, 2)
	ch <- ai.StreamEvent{Type: ai.EventTypeText, Text: p.reply}
	ch <- ai.StreamEvent{Type: ai.EventTypeDone}
	close(ch)
	return ch, nil
}

var testCatalog = []ToolInfo{
	{Name: "web_fetch", Description: "Fetch a page"},
	{Name: "web_search", Description: "Search the web"},
	{Name: "recall_memory", Description: "Recall a memory"},
}

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan("Here you go:\n```json\n{\"tools\":[\"web_search\"],\"prompt\":\" Check prices \",\"model\":\"null\"," +
		"\"execution\":\"Monitor\",\"processor\":\"agent\",\"cron_expr\":\"0 * * * *\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, Plan{
		Tools: []string{"web_search"}, Prompt: "Check prices", Execution: ExecMonitor,
		Processor: db.ProcessorAgent, CronExpr: "0 * * * *",
	}, plan)

	plan, err = ParsePlan(`{"execution":"delayed","delay_seconds":90.0,"model":"openai/gpt-4o-mini"}`)
	require.NoError(t, err)
	assert.Equal(t, int64(90), plan.DelaySeconds)
	assert.Equal(t, "openai/gpt-4o-mini", plan.Model)

	plan, err = ParsePlan(`{"execution":"immediate","model":null}`)
	require.NoError(t, err)
	assert.Empty(t, plan.Model)

	_, err = ParsePlan("I think this should run right away.")
	assert.Error(t, err)
	_, err = ParsePlan(`{"execution": 5}`)
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	logging.Disable()
	p := NewPlanner(nil, testCatalog)

	cases := []struct {
		name string
		in   Plan
		want Plan
	}{
		{
			name: "runner cannot run immediately",
			in:   Plan{Execution: ExecImmediate, Processor: db.ProcessorRunner, Prompt: "p"},
			want: Plan{Execution: ExecImmediate, Processor: db.ProcessorAgent, Prompt: "p"},
		},
		{
			name: "delayed without delay",
			in:   Plan{Execution: ExecDelayed, Processor: db.ProcessorRunner, Prompt: "p"},
			want: Plan{Execution: ExecImmediate, Processor: db.ProcessorAgent, Prompt: "p"},
		},
		{
			name: "monitor with bad cron",
			in:   Plan{Execution: ExecMonitor, Processor: db.ProcessorAgent, CronExpr: "hourly", Prompt: "p"},
			want: Plan{Execution: ExecImmediate, Processor: db.ProcessorAgent, Prompt: "p"},
		},
		{
			name: "recurring without cron",
			in:   Plan{Execution: ExecRecurring, Processor: db.ProcessorAgent, Prompt: "p"},
			want: Plan{Execution: ExecImmediate, Processor: db.ProcessorAgent, Prompt: "p"},
		},
		{
			name: "delayed runner is fine",
			in:   Plan{Execution: ExecDelayed, Processor: db.ProcessorRunner, DelaySeconds: 600, CronExpr: "x", Prompt: "p"},
			want: Plan{Execution: ExecDelayed, Processor: db.ProcessorRunner, DelaySeconds: 600, Prompt: "p"},
		},
		{
			name: "unknown tools and empty prompt",
			in:   Plan{Execution: ExecRecurring, CronExpr: "0 8 * * *", DelaySeconds: 5, Tools: []string{"web_search", "shell_exec", "web_search", "recall_memory"}},
			want: Plan{Execution: ExecRecurring, Processor: db.ProcessorAgent, CronExpr: "0 8 * * *", Tools: []string{"web_search", "recall_memory"}, Prompt: DefaultPrompt},
		},
		{
			name: "unknown execution",
			in:   Plan{Execution: "eventually", Processor: "robot", Prompt: "p"},
			want: Plan{Execution: ExecImmediate, Processor: db.ProcessorAgent, Prompt: "p"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, p.normalize(tc.in))
		})
	}
}

func TestPlanUsesModelAnswer(t *testing.T) {
	logging.Disable()
	provider := &replyProvider{reply: `{"tools":["web_fetch"],"prompt":"Watch the page.","model":"null",` +
		`"execution":"monitor","processor":"agent","cron_expr":"*/30 * * * *"}`}
	p := NewPlanner(provider, testCatalog).WithModel("planner-model")

	plan := p.Plan(context.Background(), "tell me when the page changes")
	assert.Equal(t, ExecMonitor, plan.Execution)
	assert.Equal(t, "*/30 * * * *", plan.CronExpr)
	assert.Equal(t, []string{"web_fetch"}, plan.Tools)
	assert.Empty(t, plan.Model)

	require.Len(t, provider.requests, 1)
	assert.Equal(t, "planner-model", provider.requests[0].Model)
	msg, ok := provider.requests[0].Messages[0].(session.UserMessage)
	require.True(t, ok)
	assert.Contains(t, msg.Content, "- web_search: Search the web")
	assert.Contains(t, msg.Content, "Task: tell me when the page changes")
}

func TestPlanFallsBack(t *testing.T) {
	logging.Disable()
	for name, provider := range map[string]*replyProvider{
		"unparseable answer": {reply: "Sure! I'll run that now."},
		"provider failure":   {err: errors.New("503 service unavailable")},
	} {
		t.Run(name, func(t *testing.T) {
			plan := NewPlanner(provider, testCatalog).Plan(context.Background(), "research flights to Lisbon")
			assert.Equal(t, DefaultPlan("research flights to Lisbon"), plan)
			assert.Equal(t, []string{"web_search", "web_fetch"}, plan.Tools)
			assert.Equal(t, ExecImmediate, plan.Execution)
			assert.Equal(t, db.ProcessorAgent, plan.Processor)
			assert.Empty(t, plan.Model)
			assert.NotEmpty(t, strings.TrimSpace(plan.Prompt))
		})
	}
}
