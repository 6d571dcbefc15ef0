// Package runner drives the reason, act, respond loop of a conversation
// turn and the isolated variant used for background work.
package runner

import (
	"context"
	"fmt"
	"slices"

	"github.com/omrylcn/gbot-sub000/internal/agent/ai"
	"github.com/omrylcn/gbot-sub000/internal/agent/session"
	"github.com/omrylcn/gbot-sub000/internal/agent/tools"
	"github.com/omrylcn/gbot-sub000/internal/logging"
)

// State is a node of the conversation state machine
type State int

const (
	StateLoadContext State = iota
	StateReason
	StateExecuteTools
	StateRespond
	StateDone
)

func (s State) String() string {
	switch s {
	case StateLoadContext:
		return "load_context"
	case StateReason:
		return "reason"
	case StateExecuteTools:
		return "execute_tools"
	case StateRespond:
		return "respond"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DefaultCeiling is the iteration ceiling when the input leaves it unset
const DefaultCeiling = 20

const finalStepInstruction = "You have reached the step limit for this request. Do not call any tools. " +
	"Reply now with your final answer, summarizing what you found and did so far."

// ContextLoader produces the system prompt for a full-agent turn
type ContextLoader interface {
	LoadContext(ctx context.Context) (string, error)
}

// ContextLoaderFunc adapts a function to ContextLoader
type ContextLoaderFunc func(ctx context.Context) (string, error)

func (f ContextLoaderFunc) LoadContext(ctx context.Context) (string, error) { return f(ctx) }

// Input seeds one run of the machine
type Input struct {
	SystemPrompt string
	History      []session.Message
	Tools        *tools.Registry
	Model        string
	Ceiling      int
	Tokens       int // cumulative count carried in

	// Loader, when set, replaces SystemPrompt with its result (full agent only)
	Loader ContextLoader
}

// Output is the result of a run
type Output struct {
	Text        string
	Messages    []session.Message // new assistant and tool turns, in order
	Iterations  int
	Tokens      int
	Usage       session.Usage // summed over every reasoning step
	ToolsUsed   []string      // distinct names, first-use order
	ProviderErr error         // set when the final turn is a provider error description
}

// Machine runs the conversation state machine against one provider
type Machine struct {
	provider    ai.Provider
	temperature float64
	maxTokens   int
}

// NewMachine creates a machine over p
func NewMachine(p ai.Provider, temperature float64, maxTokens int) *Machine {
	return &Machine{provider: p, temperature: temperature, maxTokens: maxTokens}
}

// shouldContinue is the transition out of reason
func shouldContinue(last *session.AssistantMessage, iteration, ceiling int) State {
	if last != nil && last.HasToolCalls() && iteration < ceiling {
		return StateExecuteTools
	}
	return StateRespond
}

// run holds the mutable state of one Run
type run struct {
	in        Input
	system    string
	history   []session.Message
	out       *Output
	last      *session.AssistantMessage
	lastErr   error
	iteration int
	ceiling   int
	registry  *tools.Registry
}

// Run drives the machine from load_context (or reason) to done
func (m *Machine) Run(ctx context.Context, in Input) (*Output, error) {
	r := &run{
		in:       in,
		system:   in.SystemPrompt,
		history:  slices.Clone(in.History),
		out:      &Output{},
		ceiling:  in.Ceiling,
		registry: in.Tools,
	}
	if r.ceiling <= 0 {
		r.ceiling = DefaultCeiling
	}
	if r.registry == nil {
		r.registry = tools.NewRegistry()
	}

	state := StateReason
	if in.Loader != nil {
		state = StateLoadContext
	}

	for state != StateDone {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch state {
		case StateLoadContext:
			prompt, err := in.Loader.LoadContext(ctx)
			if err != nil {
				return nil, fmt.Errorf("load context: %w", err)
			}
			r.system = prompt
			state = StateReason

		case StateReason:
			m.reason(ctx, r)
			state = shouldContinue(r.last, r.iteration, r.ceiling)

		case StateExecuteTools:
			r.executeTools(ctx)
			state = StateReason

		case StateRespond:
			r.respond()
			state = StateDone
		}
	}

	logging.Debugf("[Runner] done: iterations=%d tokens=%d tools=%v", r.out.Iterations, r.out.Tokens, r.out.ToolsUsed)
	return r.out, nil
}

// reason submits the history and appends the model's turn. The step that
// reaches the ceiling goes out without tools and with the final-step
// instruction.
func (m *Machine) reason(ctx context.Context, r *run) {
	finalStep := r.iteration+1 >= r.ceiling

	req := &ai.ChatRequest{
		Messages:    r.history,
		System:      r.system,
		Model:       r.in.Model,
		Temperature: m.temperature,
		MaxTokens:   m.maxTokens,
	}
	if finalStep {
		if req.System != "" {
			req.System += "\n\n"
		}
		req.System += finalStepInstruction
	} else if r.registry.Len() > 0 {
		req.Tools = r.registry.Definitions()
	}

	turn, err := ai.CompleteErr(ctx, m.provider, req)
	r.iteration++
	r.last = turn
	r.lastErr = err
	r.out.Usage.Add(turn.Usage)

	if finalStep && turn.HasToolCalls() {
		logging.Warnf("[Runner] model requested %d tool calls at the step limit, dropping them", len(turn.ToolCalls))
		turn.ToolCalls = nil
	}

	r.history = append(r.history, *turn)
	r.out.Messages = append(r.out.Messages, *turn)
}

// executeTools answers every call of the latest turn, in call order
func (r *run) executeTools(ctx context.Context) {
	for _, call := range r.last.ToolCalls {
		res := r.registry.Execute(ctx, call)
		msg := session.ToolMessage{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    res.Content,
			IsError:    res.IsError,
		}
		r.history = append(r.history, msg)
		r.out.Messages = append(r.out.Messages, msg)
		if !slices.Contains(r.out.ToolsUsed, call.Name) {
			r.out.ToolsUsed = append(r.out.ToolsUsed, call.Name)
		}
	}
}

func (r *run) respond() {
	r.out.Iterations = r.iteration
	r.out.Tokens = r.in.Tokens
	if r.last != nil {
		r.out.Text = r.last.Content
		r.out.Tokens += r.last.Usage.TotalTokens
	}
	r.out.ProviderErr = r.lastErr
}
