package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/logging"
	"github.com/omrylcn/gbot-sub000/internal/notify"
)

// ShouldSkip reports whether a result has nothing worth delivering: it is
// empty, or contains one of the markers. Matching is case-sensitive.
func ShouldSkip(text string, markers []string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return true
	}
	for _, m := range markers {
		if m != "" && strings.Contains(t, m) {
			return true
		}
	}
	return false
}

// delivery describes where a run's result goes
type delivery struct {
	kind      string
	id        string
	userID    string
	channel   string
	notify    string
	eventType string
	data      map[string]any
}

func (s *Scheduler) executeJob(ctx context.Context, id string) {
	s.runJob(ctx, id, false)
}

// runJob executes a job and returns its execution record, or nil when the
// job no longer exists or is paused. manual runs ignore the paused state.
func (s *Scheduler) runJob(ctx context.Context, id string, manual bool) *db.ExecutionLog {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			logging.Warnf("[Scheduler] job %s fired but no longer exists", id)
			s.unregister(jobKey(id))
		} else {
			logging.Errorf("[Scheduler] load job %s: %v", id, err)
		}
		return nil
	}
	if !job.Enabled && !manual {
		s.unregister(jobKey(id))
		return nil
	}

	started := s.now()
	text, runErr := s.timeboxed(ctx, func(ctx context.Context) (string, error) {
		return s.produceJob(ctx, job)
	})
	entry := s.settle(ctx, delivery{
		kind:      db.JobKindCron,
		id:        id,
		userID:    job.UserID,
		channel:   job.Channel,
		notify:    job.NotifyCondition,
		eventType: "cron_result",
		data:      map[string]any{"job_id": id},
	}, text, runErr, started)

	if entry.Status != db.ExecFailed {
		if err := s.store.RecordJobSuccess(ctx, id); err != nil {
			logging.Errorf("[Scheduler] reset failures of job %s: %v", id, err)
		}
		return entry
	}

	n, err := s.store.RecordJobFailure(ctx, id, entry.Error)
	if err != nil {
		logging.Errorf("[Scheduler] record failure of job %s: %v", id, err)
		return entry
	}
	logging.L().Warn("scheduled job failed",
		"job", id, "failures", n, "threshold", s.cfg.FailureThreshold, "error", entry.Error)
	if n >= s.cfg.FailureThreshold {
		if err := s.store.SetJobEnabled(ctx, id, false); err != nil {
			logging.Errorf("[Scheduler] pause job %s: %v", id, err)
		}
		s.unregister(jobKey(id))
		logging.L().Warn("scheduled job paused", "job", id, "failures", n)
	}
	return entry
}

func (s *Scheduler) produceJob(ctx context.Context, job *db.CronJob) (string, error) {
	switch {
	case job.Processor == db.ProcessorRunner:
		return job.Message, nil
	case job.AgentPrompt != "":
		return s.runIsolated(ctx, AgentTask{
			Prompt:  job.AgentPrompt,
			Task:    job.Message,
			Tools:   job.AgentTools,
			Model:   job.AgentModel,
			UserID:  job.UserID,
			Channel: job.Channel,
		})
	}
	if s.agent == nil {
		return "", errors.New("agent not configured")
	}
	text, _, err := s.agent.Process(ctx, job.UserID, job.Channel, job.Message, "")
	return text, err
}

func (s *Scheduler) executeReminder(ctx context.Context, id string) {
	r, err := s.store.GetReminder(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			logging.Warnf("[Scheduler] reminder %s fired but no longer exists", id)
			s.unregister(reminderKey(id))
		} else {
			logging.Errorf("[Scheduler] load reminder %s: %v", id, err)
		}
		return
	}
	if r.Status != db.ReminderPending {
		s.unregister(reminderKey(id))
		return
	}

	started := s.now()
	text, runErr := s.timeboxed(ctx, func(ctx context.Context) (string, error) {
		if r.AgentPrompt == "" {
			return "Reminder: " + r.Message, nil
		}
		return s.runIsolated(ctx, AgentTask{
			Prompt:  r.AgentPrompt,
			Task:    r.Message,
			Tools:   r.AgentTools,
			Model:   r.AgentModel,
			UserID:  r.UserID,
			Channel: r.Channel,
		})
	})
	entry := s.settle(ctx, delivery{
		kind:      db.JobKindReminder,
		id:        id,
		userID:    r.UserID,
		channel:   r.Channel,
		notify:    r.NotifyCondition,
		eventType: "reminder",
		data:      map[string]any{"reminder_id": id},
	}, text, runErr, started)

	if entry.Status == db.ExecFailed {
		s.reminderFailed(ctx, r, entry.Error)
		return
	}
	if r.Recurring() {
		if err := s.store.RecordReminderSuccess(ctx, id); err != nil {
			logging.Errorf("[Scheduler] update reminder %s: %v", id, err)
		}
		return
	}
	if err := s.store.MarkReminderSent(ctx, id); err != nil {
		logging.Errorf("[Scheduler] mark reminder %s sent: %v", id, err)
	}
	s.unregister(reminderKey(id))
}

func (s *Scheduler) reminderFailed(ctx context.Context, r *db.Reminder, errMsg string) {
	if r.Recurring() {
		n, err := s.store.RecordReminderFailure(ctx, r.ID, errMsg)
		if err != nil {
			logging.Errorf("[Scheduler] record failure of reminder %s: %v", r.ID, err)
			return
		}
		logging.Warnf("[Scheduler] reminder %s failed (%d/%d): %s", r.ID, n, s.cfg.FailureThreshold, errMsg)
		if n < s.cfg.FailureThreshold {
			return
		}
	}
	if err := s.store.MarkReminderFailed(ctx, r.ID, errMsg); err != nil {
		logging.Errorf("[Scheduler] mark reminder %s failed: %v", r.ID, err)
	}
	s.unregister(reminderKey(r.ID))
	logging.Warnf("[Scheduler] reminder %s cancelled: %s", r.ID, errMsg)
}

func (s *Scheduler) runIsolated(ctx context.Context, t AgentTask) (string, error) {
	if s.isolated == nil {
		return "", errors.New("isolated agent not configured")
	}
	text, tokens, err := s.isolated.RunIsolated(ctx, t)
	logging.Debugf("[Scheduler] isolated run for %s used %d tokens", t.UserID, tokens)
	return text, err
}

// timeboxed runs fn under the job timeout. Panics become errors.
func (s *Scheduler) timeboxed(ctx context.Context, fn func(ctx context.Context) (string, error)) (text string, err error) {
	if s.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("panic: %v", r)
		}
	}()

	text, err = fn(ctx)
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %s", s.cfg.JobTimeout)
	}
	return text, err
}

// settle applies skip suppression, delivers the result and writes the
// execution log
func (s *Scheduler) settle(ctx context.Context, d delivery, text string, runErr error, started time.Time) *db.ExecutionLog {
	entry := &db.ExecutionLog{JobID: d.id, JobKind: d.kind}

	switch {
	case runErr != nil:
		entry.Status = db.ExecFailed
		entry.Error = runErr.Error()
	case d.notify == db.NotifySkip && ShouldSkip(text, s.cfg.SkipMarkers):
		entry.Status = db.ExecSkipped
		logging.Infof("[Scheduler] %s %s: nothing to report, not delivered", d.kind, d.id)
	case strings.TrimSpace(text) == "":
		entry.Status = db.ExecSuccess
		logging.Debugf("[Scheduler] %s %s: empty result, nothing to deliver", d.kind, d.id)
	default:
		out, err := s.deliver(ctx, d, text)
		if err != nil {
			entry.Status = db.ExecFailed
			entry.Error = "deliver: " + err.Error()
		} else {
			entry.Status = db.ExecSuccess
			logging.L().Info("scheduled result delivered",
				"kind", d.kind, "id", d.id, "user", d.userID, "outcome", out)
		}
	}

	entry.Result = truncate(text, s.cfg.ResultLogChars)
	entry.DurationMS = s.now().Sub(started).Milliseconds()
	if err := s.store.AddExecutionLog(ctx, entry); err != nil {
		logging.Errorf("[Scheduler] execution log for %s %s: %v", d.kind, d.id, err)
	}
	return entry
}

func (s *Scheduler) deliver(ctx context.Context, d delivery, text string) (notify.Outcome, error) {
	if s.notify == nil {
		return "", errors.New("no notifier configured")
	}
	return s.notify.Deliver(ctx, d.userID, d.channel, notify.Notification{
		Source:    "scheduler",
		EventType: d.eventType,
		Text:      text,
		Data:      d.data,
	})
}

func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
