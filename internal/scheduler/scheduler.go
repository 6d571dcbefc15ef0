// Package scheduler bridges durable jobs and reminders to an in-process
// timer. The store decides what exists; the timer only holds live
// registrations that can be rebuilt from it at any time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/omrylcn/gbot-sub000/internal/agenthub"
	"github.com/omrylcn/gbot-sub000/internal/config"
	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/logging"
	"github.com/omrylcn/gbot-sub000/internal/notify"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrReminderNotFound = errors.New("reminder not found")
	ErrInvalidCron      = errors.New("invalid cron expression")
	ErrInvalidSpec      = errors.New("invalid schedule")
)

// Agent is the full conversational agent
type Agent interface {
	Process(ctx context.Context, userID, channel, message, sessionID string) (string, string, error)
}

// AgentTask is one isolated run
type AgentTask struct {
	Prompt  string
	Task    string
	Tools   []string
	Model   string
	UserID  string
	Channel string
}

// IsolatedAgent runs a task without session or context assembly
type IsolatedAgent interface {
	RunIsolated(ctx context.Context, t AgentTask) (text string, tokens int, err error)
}

// IsolatedFunc adapts a function to IsolatedAgent
type IsolatedFunc func(ctx context.Context, t AgentTask) (string, int, error)

func (f IsolatedFunc) RunIsolated(ctx context.Context, t AgentTask) (string, int, error) {
	return f(ctx, t)
}

// Notifier delivers results to users
type Notifier interface {
	Deliver(ctx context.Context, userID, channel string, n notify.Notification) (notify.Outcome, error)
}

// JobSpec describes a recurring job to create
type JobSpec struct {
	UserID          string
	CronExpr        string
	Message         string
	Channel         string
	AgentPrompt     string
	AgentTools      []string
	AgentModel      string
	Processor       string
	NotifyCondition string
}

// ReminderSpec describes a reminder to create. A cron expression makes it
// recurring; otherwise it fires once after Delay.
type ReminderSpec struct {
	UserID          string
	Channel         string
	Message         string
	Delay           time.Duration
	CronExpr        string
	AgentPrompt     string
	AgentTools      []string
	AgentModel      string
	NotifyCondition string
}

// Scheduler runs jobs and reminders when their triggers fire
type Scheduler struct {
	store  *db.Store
	timer  Timer
	notify Notifier
	cfg    config.SchedulerConfig
	now    func() time.Time

	agent    Agent
	isolated IsolatedAgent
	lanes    *agenthub.LaneManager

	mu      sync.Mutex
	entries map[string]Handle
}

// New creates a scheduler. The agent, isolated agent and lanes are set
// separately since they are usually built after the scheduler.
func New(store *db.Store, timer Timer, notifier Notifier, cfg config.SchedulerConfig) *Scheduler {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = config.DefaultFailureThreshold
	}
	if cfg.SkipMarkers == nil {
		cfg.SkipMarkers = config.DefaultSkipMarkers
	}
	return &Scheduler{
		store:   store,
		timer:   timer,
		notify:  notifier,
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]Handle),
	}
}

// SetAgent sets the conversational agent used by default jobs
func (s *Scheduler) SetAgent(a Agent) { s.agent = a }

// SetIsolated sets the agent used by jobs that carry their own prompt
func (s *Scheduler) SetIsolated(a IsolatedAgent) { s.isolated = a }

// SetLanes runs trigger callbacks on the events lane
func (s *Scheduler) SetLanes(l *agenthub.LaneManager) { s.lanes = l }

// Start registers every enabled job and pending reminder and starts the timer
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.store.ListEnabledJobs(ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	for i := range jobs {
		if err := s.registerJob(&jobs[i]); err != nil {
			logging.Warnf("[Scheduler] job %s not registered: %v", jobs[i].ID, err)
		}
	}

	reminders, err := s.store.GetPendingReminders(ctx)
	if err != nil {
		return fmt.Errorf("load reminders: %w", err)
	}
	for i := range reminders {
		if err := s.registerReminder(&reminders[i]); err != nil {
			logging.Warnf("[Scheduler] reminder %s not registered: %v", reminders[i].ID, err)
		}
	}

	s.timer.Start()
	logging.Infof("[Scheduler] started with %d jobs and %d reminders", len(jobs), len(reminders))
	return nil
}

// Stop halts the timer. The returned context is done once running
// callbacks have finished.
func (s *Scheduler) Stop() context.Context {
	logging.Infof("[Scheduler] stopping")
	return s.timer.Stop()
}

func jobKey(id string) string      { return "job:" + id }
func reminderKey(id string) string { return "reminder:" + id }

func (s *Scheduler) register(key string, trigger Trigger, fn func(ctx context.Context)) error {
	s.unregister(key)
	h, err := s.timer.Schedule(trigger, func() { s.fire(key, fn) })
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[key] = h
	s.mu.Unlock()
	logging.Debugf("[Scheduler] registered %s on %s", key, trigger)
	return nil
}

// unregister drops a timer registration; a missing one is not an error
func (s *Scheduler) unregister(key string) {
	s.mu.Lock()
	h, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()
	if ok {
		s.timer.Cancel(h)
	}
}

// Registered reports whether a job or reminder id has a live timer entry
func (s *Scheduler) Registered(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, job := s.entries[jobKey(id)]
	_, rem := s.entries[reminderKey(id)]
	return job || rem
}

// fire runs a trigger callback on the events lane
func (s *Scheduler) fire(key string, fn func(ctx context.Context)) {
	ctx := context.Background()
	if s.lanes == nil {
		fn(ctx)
		return
	}
	err := s.lanes.Enqueue(ctx, agenthub.LaneEvents, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, agenthub.WithDescription(key))
	if err != nil {
		logging.Errorf("[Scheduler] %s not run: %v", key, err)
	}
}

func (s *Scheduler) registerJob(j *db.CronJob) error {
	id := j.ID
	return s.register(jobKey(id), Cron(j.CronExpr), func(ctx context.Context) {
		s.executeJob(ctx, id)
	})
}

func (s *Scheduler) registerReminder(r *db.Reminder) error {
	trigger := At(r.RunAt)
	if r.Recurring() {
		trigger = Cron(r.CronExpr)
	}
	id := r.ID
	return s.register(reminderKey(id), trigger, func(ctx context.Context) {
		s.executeReminder(ctx, id)
	})
}

func validNotify(cond string) error {
	switch cond {
	case "", db.NotifyAlways, db.NotifySkip:
		return nil
	}
	return fmt.Errorf("%w: unknown notify condition %q", ErrInvalidSpec, cond)
}

// AddJob validates, persists and registers a recurring job
func (s *Scheduler) AddJob(ctx context.Context, spec JobSpec) (*db.CronJob, error) {
	if spec.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidSpec)
	}
	if strings.TrimSpace(spec.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidSpec)
	}
	if err := ParseCron(spec.CronExpr); err != nil {
		return nil, err
	}
	if err := validNotify(spec.NotifyCondition); err != nil {
		return nil, err
	}
	switch spec.Processor {
	case "", db.ProcessorAgent, db.ProcessorRunner:
	default:
		return nil, fmt.Errorf("%w: unknown processor %q", ErrInvalidSpec, spec.Processor)
	}

	job := &db.CronJob{
		UserID:          spec.UserID,
		CronExpr:        spec.CronExpr,
		Message:         spec.Message,
		Channel:         spec.Channel,
		Enabled:         true,
		AgentPrompt:     spec.AgentPrompt,
		AgentTools:      spec.AgentTools,
		AgentModel:      spec.AgentModel,
		Processor:       spec.Processor,
		NotifyCondition: spec.NotifyCondition,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if err := s.registerJob(job); err != nil {
		if derr := s.store.DeleteJob(ctx, job.ID); derr != nil {
			logging.Warnf("[Scheduler] roll back job %s: %v", job.ID, derr)
		}
		return nil, err
	}
	logging.Infof("[Scheduler] job %s added for %s (%s)", job.ID, job.UserID, job.CronExpr)
	return job, nil
}

// ownedJob loads a job, hiding jobs of other users. An empty userID
// matches any owner.
func (s *Scheduler) ownedJob(ctx context.Context, userID, id string) (*db.CronJob, error) {
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, db.ErrNotFound) || (err == nil && userID != "" && job.UserID != userID) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, err
}

// RemoveJob deletes a job and drops its timer entry
func (s *Scheduler) RemoveJob(ctx context.Context, userID, id string) error {
	if _, err := s.ownedJob(ctx, userID, id); err != nil {
		return err
	}
	if err := s.store.DeleteJob(ctx, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return err
	}
	s.unregister(jobKey(id))
	logging.Infof("[Scheduler] job %s removed", id)
	return nil
}

// ListJobs returns a user's jobs; an empty userID lists all of them
func (s *Scheduler) ListJobs(ctx context.Context, userID string) ([]db.CronJob, error) {
	return s.store.ListJobs(ctx, userID)
}

// PauseJob disables a job
func (s *Scheduler) PauseJob(ctx context.Context, userID, id string) error {
	if _, err := s.ownedJob(ctx, userID, id); err != nil {
		return err
	}
	if err := s.store.SetJobEnabled(ctx, id, false); err != nil {
		return err
	}
	s.unregister(jobKey(id))
	logging.Infof("[Scheduler] job %s paused", id)
	return nil
}

// ResumeJob enables a job and clears its failure counter
func (s *Scheduler) ResumeJob(ctx context.Context, userID, id string) error {
	job, err := s.ownedJob(ctx, userID, id)
	if err != nil {
		return err
	}
	if err := s.store.SetJobEnabled(ctx, id, true); err != nil {
		return err
	}
	if err := s.registerJob(job); err != nil {
		return err
	}
	logging.Infof("[Scheduler] job %s resumed", id)
	return nil
}

// RunJobNow executes a job immediately and returns its execution record
func (s *Scheduler) RunJobNow(ctx context.Context, userID, id string) (*db.ExecutionLog, error) {
	if _, err := s.ownedJob(ctx, userID, id); err != nil {
		return nil, err
	}
	var entry *db.ExecutionLog
	run := func(ctx context.Context) error {
		entry = s.runJob(ctx, id, true)
		return nil
	}
	if s.lanes != nil {
		if err := s.lanes.Enqueue(ctx, agenthub.LaneEvents, run, agenthub.WithDescription("run "+jobKey(id))); err != nil {
			return nil, err
		}
	} else {
		run(ctx)
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return entry, nil
}

// JobHistory returns the latest execution records of a job, newest first
func (s *Scheduler) JobHistory(ctx context.Context, userID, id string, limit int) ([]db.ExecutionLog, error) {
	if _, err := s.ownedJob(ctx, userID, id); err != nil {
		return nil, err
	}
	return s.store.ListExecutionLogs(ctx, id, limit)
}

// AddReminder persists and registers a reminder
func (s *Scheduler) AddReminder(ctx context.Context, spec ReminderSpec) (*db.Reminder, error) {
	if spec.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidSpec)
	}
	if strings.TrimSpace(spec.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidSpec)
	}
	if spec.Delay < 0 {
		return nil, fmt.Errorf("%w: delay must not be negative", ErrInvalidSpec)
	}
	if spec.CronExpr != "" {
		if err := ParseCron(spec.CronExpr); err != nil {
			return nil, err
		}
	}
	if err := validNotify(spec.NotifyCondition); err != nil {
		return nil, err
	}

	r := &db.Reminder{
		UserID:          spec.UserID,
		Channel:         spec.Channel,
		Message:         spec.Message,
		RunAt:           s.now().Add(spec.Delay),
		CronExpr:        spec.CronExpr,
		AgentPrompt:     spec.AgentPrompt,
		AgentTools:      spec.AgentTools,
		AgentModel:      spec.AgentModel,
		NotifyCondition: spec.NotifyCondition,
	}
	if err := s.store.CreateReminder(ctx, r); err != nil {
		return nil, err
	}
	if err := s.registerReminder(r); err != nil {
		if derr := s.store.DeleteReminder(ctx, r.ID); derr != nil {
			logging.Warnf("[Scheduler] roll back reminder %s: %v", r.ID, derr)
		}
		return nil, err
	}
	logging.Infof("[Scheduler] reminder %s added for %s", r.ID, r.UserID)
	return r, nil
}

// CancelReminder deletes a reminder and drops its timer entry
func (s *Scheduler) CancelReminder(ctx context.Context, userID, id string) error {
	r, err := s.store.GetReminder(ctx, id)
	if errors.Is(err, db.ErrNotFound) || (err == nil && userID != "" && r.UserID != userID) {
		return fmt.Errorf("%w: %s", ErrReminderNotFound, id)
	}
	if err != nil {
		return err
	}
	if err := s.store.DeleteReminder(ctx, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrReminderNotFound, id)
		}
		return err
	}
	s.unregister(reminderKey(id))
	logging.Infof("[Scheduler] reminder %s cancelled", id)
	return nil
}

// ListReminders returns a user's reminders
func (s *Scheduler) ListReminders(ctx context.Context, userID string) ([]db.Reminder, error) {
	return s.store.ListReminders(ctx, userID)
}
