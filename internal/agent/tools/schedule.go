package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/scheduler"
)

// Scheduler is the part of the scheduler the scheduling tools drive
type Scheduler interface {
	AddJob(ctx context.Context, spec scheduler.JobSpec) (*db.CronJob, error)
	ListJobs(ctx context.Context, userID string) ([]db.CronJob, error)
	RemoveJob(ctx context.Context, userID, id string) error
	AddReminder(ctx context.Context, spec scheduler.ReminderSpec) (*db.Reminder, error)
	ListReminders(ctx context.Context, userID string) ([]db.Reminder, error)
	CancelReminder(ctx context.Context, userID, id string) error
}

var agentProperties = map[string]any{
	"prompt": prop("string", "Optional instructions; when set, an isolated agent produces the message on each run"),
	"tools": map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": "Tools the isolated agent may use",
	},
	"model":  prop("string", "Optional model override, e.g. openai/gpt-4o-mini"),
	"notify": map[string]any{"type": "string", "enum": []string{db.NotifyAlways, db.NotifySkip}, "description": "notify_skip suppresses results containing a skip marker"},
}

func withAgentProps(props map[string]any) map[string]any {
	for k, v := range agentProperties {
		props[k] = v
	}
	return props
}

type agentArgs struct {
	Prompt string   `json:"prompt"`
	Tools  []string `json:"tools"`
	Model  string   `json:"model"`
	Notify string   `json:"notify"`
}

// AddCronJobTool schedules a recurring job
type AddCronJobTool struct {
	sched Scheduler
}

func (t *AddCronJobTool) Name() string { return "add_cron_job" }
func (t *AddCronJobTool) Group() Group { return GroupScheduling }

func (t *AddCronJobTool) Description() string {
	return "Schedule a recurring job with a 5-field cron expression (minute hour day month weekday). " +
		"The message is delivered on every run, or used as the task for the agent when a prompt is given."
}

func (t *AddCronJobTool) Schema() json.RawMessage {
	return schema(withAgentProps(map[string]any{
		"cron_expr": prop("string", "Cron expression, e.g. \"0 9 * * 1-5\""),
		"message":   prop("string", "Message or task text"),
		"channel":   prop("string", "Delivery channel; defaults to the current one"),
	}), "cron_expr", "message")
}

func (t *AddCronJobTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		CronExpr string `json:"cron_expr"`
		Message  string `json:"message"`
		Channel  string `json:"channel"`
		agentArgs
	}
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	cc, err := userFrom(ctx)
	if err != nil {
		return "", err
	}
	job, err := t.sched.AddJob(ctx, scheduler.JobSpec{
		UserID:          cc.UserID,
		CronExpr:        in.CronExpr,
		Message:         in.Message,
		Channel:         in.Channel,
		AgentPrompt:     in.Prompt,
		AgentTools:      in.Tools,
		AgentModel:      in.Model,
		NotifyCondition: in.Notify,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Scheduled job %s (%s).", job.ID, job.CronExpr), nil
}

// ListCronJobsTool lists the user's jobs
type ListCronJobsTool struct {
	sched Scheduler
}

func (t *ListCronJobsTool) Name() string            { return "list_cron_jobs" }
func (t *ListCronJobsTool) Group() Group            { return GroupScheduling }
func (t *ListCronJobsTool) Description() string     { return "List the user's scheduled jobs." }
func (t *ListCronJobsTool) Schema() json.RawMessage { return schema(map[string]any{}) }

func (t *ListCronJobsTool) Execute(ctx context.Context, _ json.RawMessage) (string, error) {
	cc, err := userFrom(ctx)
	if err != nil {
		return "", err
	}
	jobs, err := t.sched.ListJobs(ctx, cc.UserID)
	if err != nil {
		return "", err
	}
	if len(jobs) == 0 {
		return "No scheduled jobs.", nil
	}
	var sb strings.Builder
	for _, j := range jobs {
		state := "enabled"
		if !j.Enabled {
			state = "paused"
		}
		fmt.Fprintf(&sb, "- %s [%s] %s on %s: %s\n", j.ID, state, j.CronExpr, j.Channel, j.Message)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// RemoveCronJobTool deletes a job
type RemoveCronJobTool struct {
	sched Scheduler
}

func (t *RemoveCronJobTool) Name() string        { return "remove_cron_job" }
func (t *RemoveCronJobTool) Group() Group        { return GroupScheduling }
func (t *RemoveCronJobTool) Description() string { return "Remove a scheduled job by id." }

func (t *RemoveCronJobTool) Schema() json.RawMessage {
	return schema(map[string]any{"id": prop("string", "Job id")}, "id")
}

func (t *RemoveCronJobTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	cc, err := userFrom(ctx)
	if err != nil {
		return "", err
	}
	if err := t.sched.RemoveJob(ctx, cc.UserID, in.ID); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			return fmt.Sprintf("No job with id %s.", in.ID), nil
		}
		return "", err
	}
	return fmt.Sprintf("Removed job %s.", in.ID), nil
}

// AddReminderTool schedules a delayed, optionally recurring, reminder
type AddReminderTool struct {
	sched Scheduler
}

func (t *AddReminderTool) Name() string { return "add_reminder" }
func (t *AddReminderTool) Group() Group { return GroupScheduling }

func (t *AddReminderTool) Description() string {
	return "Remind the user after a delay (e.g. \"20m\", \"2h\"). Add a cron expression to repeat it."
}

func (t *AddReminderTool) Schema() json.RawMessage {
	return schema(withAgentProps(map[string]any{
		"message":       prop("string", "Reminder text"),
		"delay":         prop("string", "Delay as a duration, e.g. 90s, 20m, 2h"),
		"delay_seconds": prop("integer", "Delay in seconds, alternative to delay"),
		"cron_expr":     prop("string", "Optional cron expression for a recurring reminder"),
		"channel":       prop("string", "Delivery channel; defaults to the current one"),
	}), "message")
}

func (t *AddReminderTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Message      string `json:"message"`
		Delay        string `json:"delay"`
		DelaySeconds int64  `json:"delay_seconds"`
		CronExpr     string `json:"cron_expr"`
		Channel      string `json:"channel"`
		agentArgs
	}
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	cc, err := userFrom(ctx)
	if err != nil {
		return "", err
	}

	delay := time.Duration(in.DelaySeconds) * time.Second
	if in.Delay != "" {
		d, err := time.ParseDuration(in.Delay)
		if err != nil {
			return "", fmt.Errorf("invalid delay %q: %w", in.Delay, err)
		}
		delay = d
	}
	if delay < 0 {
		return "", errors.New("delay must not be negative")
	}

	r, err := t.sched.AddReminder(ctx, scheduler.ReminderSpec{
		UserID:          cc.UserID,
		Channel:         in.Channel,
		Message:         in.Message,
		Delay:           delay,
		CronExpr:        in.CronExpr,
		AgentPrompt:     in.Prompt,
		AgentTools:      in.Tools,
		AgentModel:      in.Model,
		NotifyCondition: in.Notify,
	})
	if err != nil {
		return "", err
	}
	if r.Recurring() {
		return fmt.Sprintf("Recurring reminder %s set (%s).", r.ID, r.CronExpr), nil
	}
	return fmt.Sprintf("Reminder %s set for %s.", r.ID, r.RunAt.Format(time.RFC3339)), nil
}

// ListRemindersTool lists the user's reminders
type ListRemindersTool struct {
	sched Scheduler
}

func (t *ListRemindersTool) Name() string            { return "list_reminders" }
func (t *ListRemindersTool) Group() Group            { return GroupScheduling }
func (t *ListRemindersTool) Description() string     { return "List the user's reminders." }
func (t *ListRemindersTool) Schema() json.RawMessage { return schema(map[string]any{}) }

func (t *ListRemindersTool) Execute(ctx context.Context, _ json.RawMessage) (string, error) {
	cc, err := userFrom(ctx)
	if err != nil {
		return "", err
	}
	reminders, err := t.sched.ListReminders(ctx, cc.UserID)
	if err != nil {
		return "", err
	}
	if len(reminders) == 0 {
		return "No reminders.", nil
	}
	var sb strings.Builder
	for _, r := range reminders {
		when := r.RunAt.Format(time.RFC3339)
		if r.Recurring() {
			when = r.CronExpr
		}
		fmt.Fprintf(&sb, "- %s [%s] %s: %s\n", r.ID, r.Status, when, r.Message)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// CancelReminderTool cancels a reminder
type CancelReminderTool struct {
	sched Scheduler
}

func (t *CancelReminderTool) Name() string        { return "cancel_reminder" }
func (t *CancelReminderTool) Group() Group        { return GroupScheduling }
func (t *CancelReminderTool) Description() string { return "Cancel a reminder by id." }

func (t *CancelReminderTool) Schema() json.RawMessage {
	return schema(map[string]any{"id": prop("string", "Reminder id")}, "id")
}

func (t *CancelReminderTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	cc, err := userFrom(ctx)
	if err != nil {
		return "", err
	}
	if err := t.sched.CancelReminder(ctx, cc.UserID, in.ID); err != nil {
		if errors.Is(err, scheduler.ErrReminderNotFound) {
			return fmt.Sprintf("No reminder with id %s.", in.ID), nil
		}
		return "", err
	}
	return fmt.Sprintf("Cancelled reminder %s.", in.ID), nil
}
