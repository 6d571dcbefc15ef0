package delegation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/logging"
	"github.com/omrylcn/gbot-sub000/internal/scheduler"
)

// TaskPlanner produces a plan for a task
type TaskPlanner interface {
	Plan(ctx context.Context, task string) Plan
}

// Spawner starts background runs
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (string, error)
}

// Scheduler creates scheduled work
type Scheduler interface {
	AddJob(ctx context.Context, spec scheduler.JobSpec) (*db.CronJob, error)
	AddReminder(ctx context.Context, spec scheduler.ReminderSpec) (*db.Reminder, error)
}

// Decision is the outcome of a delegation
type Decision struct {
	Plan        Plan      `json:"plan"`
	ReferenceID string    `json:"reference_id"` // task, reminder or job id
	RunAt       time.Time `json:"run_at,omitzero"`
}

// Summary describes the decision for the user
func (d *Decision) Summary() string {
	switch d.Plan.Execution {
	case ExecDelayed:
		return fmt.Sprintf("Scheduled for %s (reminder %s).", d.RunAt.Format(time.RFC3339), d.ReferenceID)
	case ExecRecurring:
		return fmt.Sprintf("Scheduled recurring job %s (%s).", d.ReferenceID, d.Plan.CronExpr)
	case ExecMonitor:
		return fmt.Sprintf("Monitoring with job %s (%s). You will hear back only when there is something to report.",
			d.ReferenceID, d.Plan.CronExpr)
	}
	return fmt.Sprintf("Started background task %s. The result will be delivered when it finishes.", d.ReferenceID)
}

// Service plans delegated tasks and routes them
type Service struct {
	store   *db.Store
	planner TaskPlanner
	worker  Spawner
	sched   Scheduler
}

// NewService creates a delegation service
func NewService(store *db.Store, planner TaskPlanner, worker Spawner, sched Scheduler) *Service {
	return &Service{store: store, planner: planner, worker: worker, sched: sched}
}

// Delegate plans task, routes it and records the decision
func (s *Service) Delegate(ctx context.Context, userID, channel, task string) (*Decision, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, errors.New("task is required")
	}

	plan := s.planner.Plan(ctx, task)
	d := &Decision{Plan: plan}
	logging.L().Info("delegation planned",
		"user", userID, "execution", plan.Execution, "processor", plan.Processor, "tools", plan.Tools)

	prompt := plan.Prompt
	if plan.Processor == db.ProcessorRunner {
		prompt = ""
	}

	switch plan.Execution {
	case ExecDelayed:
		r, err := s.sched.AddReminder(ctx, scheduler.ReminderSpec{
			UserID:      userID,
			Channel:     channel,
			Message:     task,
			Delay:       time.Duration(plan.DelaySeconds) * time.Second,
			AgentPrompt: prompt,
			AgentTools:  plan.Tools,
			AgentModel:  plan.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("schedule reminder: %w", err)
		}
		d.ReferenceID, d.RunAt = r.ID, r.RunAt

	case ExecRecurring, ExecMonitor:
		notify := db.NotifyAlways
		if plan.Execution == ExecMonitor {
			notify = db.NotifySkip
		}
		job, err := s.sched.AddJob(ctx, scheduler.JobSpec{
			UserID:          userID,
			CronExpr:        plan.CronExpr,
			Message:         task,
			Channel:         channel,
			AgentPrompt:     prompt,
			AgentTools:      plan.Tools,
			AgentModel:      plan.Model,
			Processor:       plan.Processor,
			NotifyCondition: notify,
		})
		if err != nil {
			return nil, fmt.Errorf("schedule job: %w", err)
		}
		d.ReferenceID = job.ID

	default:
		id, err := s.worker.Spawn(ctx, SpawnRequest{
			UserID:  userID,
			Channel: channel,
			Task:    task,
			Prompt:  plan.Prompt,
			Tools:   plan.Tools,
			Model:   plan.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("spawn: %w", err)
		}
		d.ReferenceID = id
	}

	if err := s.store.AddDelegationLog(ctx, &db.DelegationLog{
		UserID:      userID,
		Task:        task,
		Execution:   plan.Execution,
		Processor:   plan.Processor,
		ReferenceID: d.ReferenceID,
	}); err != nil {
		logging.Errorf("[Delegation] log decision for %s: %v", d.ReferenceID, err)
	}
	return d, nil
}

// DelegateTask delegates and describes the decision in plain text
func (s *Service) DelegateTask(ctx context.Context, userID, channel, task string) (string, error) {
	d, err := s.Delegate(ctx, userID, channel, task)
	if err != nil {
		return "", err
	}
	return d.Summary(), nil
}
