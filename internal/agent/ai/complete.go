package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/omrylcn/gbot-sub000/internal/agent/session"
	"github.com/omrylcn/gbot-sub000/internal/logging"
)

// Complete runs one streaming request to completion and folds the events
// into a single assistant turn. Provider failures never escape: the turn's
// content describes the error instead.
func Complete(ctx context.Context, p Provider, req *ChatRequest) *session.AssistantMessage {
	msg, _ := CompleteErr(ctx, p, req)
	return msg
}

// CompleteErr is Complete that also reports the provider failure, if any.
// The returned turn is always usable.
func CompleteErr(ctx context.Context, p Provider, req *ChatRequest) (*session.AssistantMessage, error) {
	if p == nil {
		return errorTurn(ErrNoProvider), ErrNoProvider
	}

	events, err := p.Stream(ctx, req)
	if err != nil {
		logging.Errorf("[AI] %s request failed: %v", p.ID(), err)
		return errorTurn(err), err
	}

	var (
		text  strings.Builder
		msg   = &session.AssistantMessage{}
		seen  = make(map[string]bool)
		fault error
	)
	for ev := range events {
		switch ev.Type {
		case EventTypeText:
			text.WriteString(ev.Text)
		case EventTypeToolCall:
			if ev.ToolCall == nil || seen[ev.ToolCall.ID] {
				continue
			}
			seen[ev.ToolCall.ID] = true
			msg.ToolCalls = append(msg.ToolCalls, *ev.ToolCall)
		case EventTypeUsage:
			if ev.Usage != nil {
				msg.Usage.Add(*ev.Usage)
			}
		case EventTypeError:
			if fault == nil {
				fault = ev.Error
			}
		}
	}

	if fault == nil && ctx.Err() != nil {
		fault = ctx.Err()
	}
	if fault != nil {
		logging.Errorf("[AI] %s stream failed: %v", p.ID(), fault)
		turn := errorTurn(fault)
		turn.Usage = msg.Usage
		return turn, fault
	}

	msg.Content = text.String()
	if msg.Usage.TotalTokens == 0 {
		msg.Usage.TotalTokens = msg.Usage.PromptTokens + msg.Usage.CompletionTokens
	}
	return msg, nil
}

func errorTurn(err error) *session.AssistantMessage {
	return &session.AssistantMessage{
		Content: fmt.Sprintf("Sorry, I couldn't get a response from the model (%s): %v", ClassifyErrorReason(err), err),
	}
}
