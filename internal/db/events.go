package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Background task statuses
const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Execution log statuses
const (
	ExecSuccess = "success"
	ExecSkipped = "skipped"
	ExecFailed  = "failed"
)

// Execution log job kinds
const (
	JobKindCron     = "cron"
	JobKindReminder = "reminder"
)

// SystemEvent is a durable notification waiting for the user
type SystemEvent struct {
	ID        int64           `json:"id"`
	UserID    string          `json:"user_id"`
	Source    string          `json:"source"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Delivered bool            `json:"delivered"`
	CreatedAt time.Time       `json:"created_at"`
}

// BackgroundTask tracks one isolated background run
type BackgroundTask struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Channel     string     `json:"channel"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Result      string     `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ExecutionLog records one run of a job or reminder
type ExecutionLog struct {
	ID         int64     `json:"id"`
	JobID      string    `json:"job_id"`
	JobKind    string    `json:"job_kind"`
	Status     string    `json:"status"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// DelegationLog records a routing decision
type DelegationLog struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"user_id"`
	Task        string    `json:"task"`
	Execution   string    `json:"execution"`
	Processor   string    `json:"processor"`
	ReferenceID string    `json:"reference_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// AddSystemEvent stores an undelivered event and returns its id
func (s *Store) AddSystemEvent(ctx context.Context, e *SystemEvent) (int64, error) {
	payload := "{}"
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO system_events (user_id, source, event_type, payload, delivered, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		e.UserID, e.Source, e.EventType, payload, unix(now))
	if err != nil {
		return 0, fmt.Errorf("add system event: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	e.CreatedAt = fromUnix(unix(now))
	return e.ID, nil
}

const eventColumns = `id, user_id, source, event_type, payload, delivered, created_at`

func scanEvents(rows *sql.Rows) ([]SystemEvent, error) {
	defer rows.Close()
	var out []SystemEvent
	for rows.Next() {
		var e SystemEvent
		var payload string
		var created int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.Source, &e.EventType, &payload, &e.Delivered, &created); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = fromUnix(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PendingEvents returns a user's undelivered events in creation order
func (s *Store) PendingEvents(ctx context.Context, userID string) ([]SystemEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM system_events WHERE user_id = ? AND delivered = 0 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// ConsumeEvents returns a user's undelivered events and marks them delivered
func (s *Store) ConsumeEvents(ctx context.Context, userID string) ([]SystemEvent, error) {
	var events []SystemEvent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+eventColumns+` FROM system_events WHERE user_id = ? AND delivered = 0 ORDER BY id`, userID)
		if err != nil {
			return err
		}
		events, err = scanEvents(rows)
		if err != nil || len(events) == 0 {
			return err
		}

		ids := make([]any, len(events))
		for i := range events {
			ids[i] = events[i].ID
			events[i].Delivered = true
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		_, err = tx.ExecContext(ctx, `UPDATE system_events SET delivered = 1 WHERE id IN (`+placeholders+`)`, ids...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("consume events: %w", err)
	}
	return events, nil
}

// CreateBackgroundTask stores a running task
func (s *Store) CreateBackgroundTask(ctx context.Context, t *BackgroundTask) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.Status = TaskRunning
	t.CreatedAt = fromUnix(unix(s.now()))
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO background_tasks (id, user_id, channel, description, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Channel, t.Description, t.Status, unix(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("create background task: %w", err)
	}
	return nil
}

// CompleteBackgroundTask sets the final status and result
func (s *Store) CompleteBackgroundTask(ctx context.Context, id, status, result string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE background_tasks SET status = ?, result = ?, completed_at = ? WHERE id = ?`,
		status, result, unix(s.now()), id)
	if err != nil {
		return err
	}
	return requireAffected(res, "background task", id)
}

const taskColumns = `id, user_id, channel, description, status, result, created_at, completed_at`

func scanTask(row scanner) (*BackgroundTask, error) {
	var t BackgroundTask
	var created int64
	var completed sql.NullInt64
	if err := row.Scan(&t.ID, &t.UserID, &t.Channel, &t.Description, &t.Status, &t.Result, &created, &completed); err != nil {
		return nil, err
	}
	t.CreatedAt = fromUnix(created)
	t.CompletedAt = fromNullUnix(completed)
	return &t, nil
}

// GetBackgroundTask returns a task by id
func (s *Store) GetBackgroundTask(ctx context.Context, id string) (*BackgroundTask, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM background_tasks WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "background task", id)
	}
	return t, nil
}

// ListBackgroundTasks returns a user's tasks, newest first
func (s *Store) ListBackgroundTasks(ctx context.Context, userID string, limit int) ([]BackgroundTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM background_tasks WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		userID, limitOr(limit, 50))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BackgroundTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// AddExecutionLog appends a run record
func (s *Store) AddExecutionLog(ctx context.Context, l *ExecutionLog) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_logs (job_id, job_kind, status, result, error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.JobID, l.JobKind, l.Status, l.Result, l.Error, l.DurationMS, unix(now))
	if err != nil {
		return fmt.Errorf("add execution log: %w", err)
	}
	l.ID, _ = res.LastInsertId()
	l.CreatedAt = fromUnix(unix(now))
	return nil
}

// ListExecutionLogs returns the most recent runs of a job, newest first
func (s *Store) ListExecutionLogs(ctx context.Context, jobID string, limit int) ([]ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, job_kind, status, result, error, duration_ms, created_at
		 FROM execution_logs WHERE job_id = ? ORDER BY id DESC LIMIT ?`,
		jobID, limitOr(limit, 20))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExecutionLog
	for rows.Next() {
		var l ExecutionLog
		var created int64
		if err := rows.Scan(&l.ID, &l.JobID, &l.JobKind, &l.Status, &l.Result, &l.Error, &l.DurationMS, &created); err != nil {
			return nil, err
		}
		l.CreatedAt = fromUnix(created)
		out = append(out, l)
	}
	return out, rows.Err()
}

// AddDelegationLog records a routing decision
func (s *Store) AddDelegationLog(ctx context.Context, l *DelegationLog) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO delegation_logs (user_id, task, execution, processor, reference_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		l.UserID, l.Task, l.Execution, l.Processor, l.ReferenceID, unix(now))
	if err != nil {
		return fmt.Errorf("add delegation log: %w", err)
	}
	l.ID, _ = res.LastInsertId()
	l.CreatedAt = fromUnix(unix(now))
	return nil
}

// ListDelegationLogs returns a user's recent decisions, newest first
func (s *Store) ListDelegationLogs(ctx context.Context, userID string, limit int) ([]DelegationLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, task, execution, processor, reference_id, created_at
		 FROM delegation_logs WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limitOr(limit, 20))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DelegationLog
	for rows.Next() {
		var l DelegationLog
		var created int64
		if err := rows.Scan(&l.ID, &l.UserID, &l.Task, &l.Execution, &l.Processor, &l.ReferenceID, &created); err != nil {
			return nil, err
		}
		l.CreatedAt = fromUnix(created)
		out = append(out, l)
	}
	return out, rows.Err()
}
