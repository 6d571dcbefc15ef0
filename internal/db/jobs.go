package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Notify conditions for scheduled work
const (
	NotifyAlways = "always"
	NotifySkip   = "notify_skip"
)

// Processors. An empty processor means the full conversational agent
// unless an agent prompt is set.
const (
	ProcessorAgent  = "agent"
	ProcessorRunner = "runner"
)

// Reminder statuses
const (
	ReminderPending = "pending"
	ReminderSent    = "sent"
	ReminderFailed  = "failed"
)

// CronJob is a durable recurring job
type CronJob struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	CronExpr            string     `json:"cron_expr"`
	Message             string     `json:"message"`
	Channel             string     `json:"channel"`
	Enabled             bool       `json:"enabled"`
	AgentPrompt         string     `json:"agent_prompt,omitempty"`
	AgentTools          []string   `json:"agent_tools,omitempty"`
	AgentModel          string     `json:"agent_model,omitempty"`
	Processor           string     `json:"processor,omitempty"`
	NotifyCondition     string     `json:"notify_condition"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Reminder is a durable delayed (or cron-recurring) notification
type Reminder struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	Channel             string     `json:"channel"`
	Message             string     `json:"message"`
	RunAt               time.Time  `json:"run_at"`
	CronExpr            string     `json:"cron_expr,omitempty"`
	Status              string     `json:"status"`
	AgentPrompt         string     `json:"agent_prompt,omitempty"`
	AgentTools          []string   `json:"agent_tools,omitempty"`
	AgentModel          string     `json:"agent_model,omitempty"`
	NotifyCondition     string     `json:"notify_condition"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	SentAt              *time.Time `json:"sent_at,omitempty"`
}

// Recurring reports whether the reminder repeats on a cron expression
func (r *Reminder) Recurring() bool {
	return r.CronExpr != ""
}

const jobColumns = `id, user_id, cron_expr, message, channel, enabled, agent_prompt, agent_tools,
	agent_model, processor, notify_condition, consecutive_failures, last_error, last_run_at, created_at`

func scanJob(row scanner) (*CronJob, error) {
	var j CronJob
	var tools string
	var lastRun sql.NullInt64
	var created int64
	if err := row.Scan(&j.ID, &j.UserID, &j.CronExpr, &j.Message, &j.Channel, &j.Enabled,
		&j.AgentPrompt, &tools, &j.AgentModel, &j.Processor, &j.NotifyCondition,
		&j.ConsecutiveFailures, &j.LastError, &lastRun, &created); err != nil {
		return nil, err
	}
	j.AgentTools = unmarshalStrings(tools)
	j.LastRunAt = fromNullUnix(lastRun)
	j.CreatedAt = fromUnix(created)
	return &j, nil
}

// CreateJob persists a job, assigning an id and defaults where empty
func (s *Store) CreateJob(ctx context.Context, j *CronJob) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.NotifyCondition == "" {
		j.NotifyCondition = NotifyAlways
	}
	if j.Channel == "" {
		j.Channel = "api"
	}
	j.CreatedAt = fromUnix(unix(s.now()))
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_jobs (id, user_id, cron_expr, message, channel, enabled, agent_prompt, agent_tools,
		 agent_model, processor, notify_condition, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.UserID, j.CronExpr, j.Message, j.Channel, j.Enabled, j.AgentPrompt,
		marshalStrings(j.AgentTools), j.AgentModel, j.Processor, j.NotifyCondition, unix(j.CreatedAt))
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetJob returns a job by id
func (s *Store) GetJob(ctx context.Context, id string) (*CronJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM cron_jobs WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "job", id)
	}
	return j, nil
}

// ListJobs returns a user's jobs; an empty userID lists every job
func (s *Store) ListJobs(ctx context.Context, userID string) ([]CronJob, error) {
	if userID == "" {
		return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM cron_jobs ORDER BY created_at, id`)
	}
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM cron_jobs WHERE user_id = ? ORDER BY created_at, id`, userID)
}

// ListEnabledJobs returns every enabled job
func (s *Store) ListEnabledJobs(ctx context.Context) ([]CronJob, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM cron_jobs WHERE enabled = 1 ORDER BY created_at, id`)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]CronJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CronJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// DeleteJob removes a job
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res, "job", id)
}

// SetJobEnabled pauses or resumes a job. Resuming resets the failure counter.
func (s *Store) SetJobEnabled(ctx context.Context, id string, enabled bool) error {
	query := `UPDATE cron_jobs SET enabled = 0 WHERE id = ?`
	if enabled {
		query = `UPDATE cron_jobs SET enabled = 1, consecutive_failures = 0, last_error = '' WHERE id = ?`
	}
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return requireAffected(res, "job", id)
}

// RecordJobFailure increments the consecutive-failure counter and returns the new value
func (s *Store) RecordJobFailure(ctx context.Context, id, errMsg string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`UPDATE cron_jobs SET consecutive_failures = consecutive_failures + 1, last_error = ?, last_run_at = ?
		 WHERE id = ? RETURNING consecutive_failures`,
		errMsg, unix(s.now()), id).Scan(&n)
	if err != nil {
		return 0, notFound(err, "job", id)
	}
	return n, nil
}

// RecordJobSuccess resets the failure counter
func (s *Store) RecordJobSuccess(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cron_jobs SET consecutive_failures = 0, last_error = '', last_run_at = ? WHERE id = ?`,
		unix(s.now()), id)
	if err != nil {
		return err
	}
	return requireAffected(res, "job", id)
}

const reminderColumns = `id, user_id, channel, message, run_at, cron_expr, status, agent_prompt, agent_tools,
	agent_model, notify_condition, consecutive_failures, last_error, created_at, sent_at`

func scanReminder(row scanner) (*Reminder, error) {
	var r Reminder
	var runAt, created int64
	var tools string
	var sent sql.NullInt64
	if err := row.Scan(&r.ID, &r.UserID, &r.Channel, &r.Message, &runAt, &r.CronExpr, &r.Status,
		&r.AgentPrompt, &tools, &r.AgentModel, &r.NotifyCondition, &r.ConsecutiveFailures,
		&r.LastError, &created, &sent); err != nil {
		return nil, err
	}
	r.RunAt = fromUnix(runAt)
	r.AgentTools = unmarshalStrings(tools)
	r.CreatedAt = fromUnix(created)
	r.SentAt = fromNullUnix(sent)
	return &r, nil
}

// CreateReminder persists a pending reminder
func (s *Store) CreateReminder(ctx context.Context, r *Reminder) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.NotifyCondition == "" {
		r.NotifyCondition = NotifyAlways
	}
	if r.Channel == "" {
		r.Channel = "api"
	}
	r.Status = ReminderPending
	r.CreatedAt = fromUnix(unix(s.now()))
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders (id, user_id, channel, message, run_at, cron_expr, status, agent_prompt,
		 agent_tools, agent_model, notify_condition, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Channel, r.Message, unix(r.RunAt), r.CronExpr, r.Status, r.AgentPrompt,
		marshalStrings(r.AgentTools), r.AgentModel, r.NotifyCondition, unix(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("create reminder: %w", err)
	}
	return nil
}

// GetReminder returns a reminder by id
func (s *Store) GetReminder(ctx context.Context, id string) (*Reminder, error) {
	r, err := scanReminder(s.db.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "reminder", id)
	}
	return r, nil
}

// ListReminders returns a user's reminders in run order
func (s *Store) ListReminders(ctx context.Context, userID string) ([]Reminder, error) {
	return s.queryReminders(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE user_id = ? ORDER BY run_at, id`, userID)
}

// GetPendingReminders returns every pending reminder in run order
func (s *Store) GetPendingReminders(ctx context.Context) ([]Reminder, error) {
	return s.queryReminders(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE status = ? ORDER BY run_at, id`, ReminderPending)
}

func (s *Store) queryReminders(ctx context.Context, query string, args ...any) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// DeleteReminder removes a reminder
func (s *Store) DeleteReminder(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res, "reminder", id)
}

// MarkReminderSent moves a one-shot reminder out of the pending set
func (s *Store) MarkReminderSent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ?, sent_at = ?, consecutive_failures = 0, last_error = '' WHERE id = ?`,
		ReminderSent, unix(s.now()), id)
	if err != nil {
		return err
	}
	return requireAffected(res, "reminder", id)
}

// MarkReminderFailed moves a reminder out of the pending set with an error
func (s *Store) MarkReminderFailed(ctx context.Context, id, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ?, last_error = ? WHERE id = ?`,
		ReminderFailed, errMsg, id)
	if err != nil {
		return err
	}
	return requireAffected(res, "reminder", id)
}

// RecordReminderFailure increments the failure counter and returns the new value
func (s *Store) RecordReminderFailure(ctx context.Context, id, errMsg string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`UPDATE reminders SET consecutive_failures = consecutive_failures + 1, last_error = ?
		 WHERE id = ? RETURNING consecutive_failures`,
		errMsg, id).Scan(&n)
	if err != nil {
		return 0, notFound(err, "reminder", id)
	}
	return n, nil
}

// RecordReminderSuccess resets the failure counter of a recurring reminder
// and stamps the last delivery. The reminder stays pending.
func (s *Store) RecordReminderSuccess(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET consecutive_failures = 0, last_error = '', sent_at = ? WHERE id = ?`,
		unix(s.now()), id)
	if err != nil {
		return err
	}
	return requireAffected(res, "reminder", id)
}
