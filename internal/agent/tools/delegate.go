package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Delegator hands a task to the delegation service, which decides how and
// when it runs. The returned text describes that decision.
type Delegator interface {
	DelegateTask(ctx context.Context, userID, channel, task string) (string, error)
}

// DelegateTool passes work to a background agent or the scheduler
type DelegateTool struct {
	delegator Delegator
}

func (t *DelegateTool) Name() string { return "delegate" }
func (t *DelegateTool) Group() Group { return GroupDelegation }

func (t *DelegateTool) Description() string {
	return "Delegate a task to run in the background: now, after a delay, on a schedule, or as a monitor " +
		"that only reports when something changes. Describe the task and its timing in plain words."
}

func (t *DelegateTool) Schema() json.RawMessage {
	return schema(map[string]any{
		"task":    prop("string", "What to do, including any timing such as \"every morning at 8\""),
		"channel": prop("string", "Where to report the result; defaults to the current channel"),
	}, "task")
}

func (t *DelegateTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Task    string `json:"task"`
		Channel string `json:"channel"`
	}
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Task) == "" {
		return "", errors.New("task is required")
	}
	cc, err := userFrom(ctx)
	if err != nil {
		return "", err
	}
	return t.delegator.DelegateTask(ctx, cc.UserID, in.Channel, in.Task)
}
