package delegation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omrylcn/gbot-sub000/internal/agent/runner"
	"github.com/omrylcn/gbot-sub000/internal/agenthub"
	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/logging"
	"github.com/omrylcn/gbot-sub000/internal/notify"
	"github.com/omrylcn/gbot-sub000/internal/scheduler"
)

func openTestStore(t *testing.T) *db.Store {
	t.Helper()
	logging.Disable()
	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type fixedPlanner Plan

func (p fixedPlanner) Plan(context.Context, string) Plan { return Plan(p) }

type fakeSpawner struct {
	reqs []SpawnRequest
	err  error
}

func (s *fakeSpawner) Spawn(_ context.Context, req SpawnRequest) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.reqs = append(s.reqs, req)
	return "task-1", nil
}

type fakeScheduler struct {
	jobs      []scheduler.JobSpec
	reminders []scheduler.ReminderSpec
}

func (s *fakeScheduler) AddJob(_ context.Context, spec scheduler.JobSpec) (*db.CronJob, error) {
	s.jobs = append(s.jobs, spec)
	return &db.CronJob{ID: "job-1", CronExpr: spec.CronExpr}, nil
}

func (s *fakeScheduler) AddReminder(_ context.Context, spec scheduler.ReminderSpec) (*db.Reminder, error) {
	s.reminders = append(s.reminders, spec)
	return &db.Reminder{ID: "rem-1", RunAt: time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)}, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
	users []string
}

func (n *recordingNotifier) Deliver(_ context.Context, userID, _ string, note notify.Notification) (notify.Outcome, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	n.users = append(n.users, userID)
	return notify.OutcomeStored, nil
}

func TestDelegateRoutes(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name  string
		plan  Plan
		check func(t *testing.T, sp *fakeSpawner, sc *fakeScheduler, d *Decision)
	}{
		{
			name: "immediate",
			plan: Plan{Execution: ExecImmediate, Processor: db.ProcessorAgent, Prompt: "Research.", Tools: []string{"web_search"}},
			check: func(t *testing.T, sp *fakeSpawner, sc *fakeScheduler, d *Decision) {
				require.Len(t, sp.reqs, 1)
				assert.Equal(t, SpawnRequest{UserID: "u1", Channel: "telegram", Task: "find cheap flights",
					Prompt: "Research.", Tools: []string{"web_search"}}, sp.reqs[0])
				assert.Equal(t, "task-1", d.ReferenceID)
				assert.Contains(t, d.Summary(), "Started background task task-1")
			},
		},
		{
			name: "delayed runner",
			plan: Plan{Execution: ExecDelayed, Processor: db.ProcessorRunner, DelaySeconds: 1800, Prompt: "unused"},
			check: func(t *testing.T, sp *fakeSpawner, sc *fakeScheduler, d *Decision) {
				require.Len(t, sc.reminders, 1)
				r := sc.reminders[0]
				assert.Equal(t, 30*time.Minute, r.Delay)
				assert.Empty(t, r.AgentPrompt, "a runner reminder delivers the text itself")
				assert.Equal(t, "rem-1", d.ReferenceID)
				assert.Contains(t, d.Summary(), "2026-01-02T09:00:00Z")
				assert.Empty(t, sp.reqs)
			},
		},
		{
			name: "recurring",
			plan: Plan{Execution: ExecRecurring, Processor: db.ProcessorAgent, CronExpr: "0 8 * * *", Prompt: "Brief me.", Model: "openai/gpt-4o-mini"},
			check: func(t *testing.T, sp *fakeSpawner, sc *fakeScheduler, d *Decision) {
				require.Len(t, sc.jobs, 1)
				j := sc.jobs[0]
				assert.Equal(t, db.NotifyAlways, j.NotifyCondition)
				assert.Equal(t, "Brief me.", j.AgentPrompt)
				assert.Equal(t, "openai/gpt-4o-mini", j.AgentModel)
				assert.Equal(t, "telegram", j.Channel)
				assert.Equal(t, "job-1", d.ReferenceID)
			},
		},
		{
			name: "monitor",
			plan: Plan{Execution: ExecMonitor, Processor: db.ProcessorAgent, CronExpr: "*/15 * * * *", Prompt: "Watch."},
			check: func(t *testing.T, sp *fakeSpawner, sc *fakeScheduler, d *Decision) {
				require.Len(t, sc.jobs, 1)
				assert.Equal(t, db.NotifySkip, sc.jobs[0].NotifyCondition)
				assert.Contains(t, d.Summary(), "only when there is something to report")
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := openTestStore(t)
			sp, sc := &fakeSpawner{}, &fakeScheduler{}
			svc := NewService(store, fixedPlanner(tc.plan), sp, sc)

			d, err := svc.Delegate(ctx, "u1", "telegram", "  find cheap flights ")
			require.NoError(t, err)
			tc.check(t, sp, sc, d)

			logs, err := store.ListDelegationLogs(ctx, "u1", 10)
			require.NoError(t, err)
			require.Len(t, logs, 1)
			assert.Equal(t, "find cheap flights", logs[0].Task)
			assert.Equal(t, tc.plan.Execution, logs[0].Execution)
			assert.Equal(t, tc.plan.Processor, logs[0].Processor)
			assert.Equal(t, d.ReferenceID, logs[0].ReferenceID)
		})
	}
}

func TestDelegateErrors(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	sp := &fakeSpawner{err: ErrWorkerClosed}
	svc := NewService(store, fixedPlanner(DefaultPlan("")), sp, &fakeScheduler{})

	_, err := svc.Delegate(ctx, "u1", "api", "   ")
	assert.Error(t, err)

	text, err := svc.DelegateTask(ctx, "u1", "api", "summarize the news")
	assert.ErrorIs(t, err, ErrWorkerClosed)
	assert.Empty(t, text)

	logs, _ := store.ListDelegationLogs(ctx, "u1", 10)
	assert.Empty(t, logs, "failed routing is not logged as a decision")
}

// scriptedRunner answers tasks, optionally blocking until released
type scriptedRunner struct {
	used    []string // reported as the tools a successful run invoked
	release chan struct{}
	running atomic.Int32
	peak    atomic.Int32
}

func (r *scriptedRunner) RunTask(ctx context.Context, t runner.Task) (*runner.Result, error) {
	n := r.running.Add(1)
	defer r.running.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if t.Task == "fail" {
		return &runner.Result{Text: "Sorry, I couldn't get a response from the model (other): boom"}, errors.New("isolated run: boom")
	}
	return &runner.Result{Text: "result of " + t.Task, Tokens: 7, ToolsUsed: r.used}, nil
}

func newTestWorker(t *testing.T, r TaskRunner, limit int) (*Worker, *db.Store, *recordingNotifier) {
	t.Helper()
	store := openTestStore(t)
	lanes := agenthub.NewLaneManager()
	t.Cleanup(lanes.Shutdown)
	n := &recordingNotifier{}
	return NewWorker(store, r, lanes, n, limit), store, n
}

func TestWorkerRunsAndReports(t *testing.T) {
	ctx := context.Background()
	w, store, n := newTestWorker(t, &scriptedRunner{}, 2)

	okID, err := w.Spawn(ctx, SpawnRequest{UserID: "u1", Channel: "ws", Task: "weather", Tools: []string{"web_search"}})
	require.NoError(t, err)
	failID, err := w.Spawn(ctx, SpawnRequest{UserID: "u1", Channel: "ws", Task: "fail"})
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, w.Shutdown(shutdownCtx))

	ok, err := store.GetBackgroundTask(ctx, okID)
	require.NoError(t, err)
	assert.Equal(t, db.TaskCompleted, ok.Status)
	assert.Equal(t, "result of weather", ok.Result)
	assert.NotNil(t, ok.CompletedAt)

	failed, err := store.GetBackgroundTask(ctx, failID)
	require.NoError(t, err)
	assert.Equal(t, db.TaskFailed, failed.Status)

	require.Len(t, n.notes, 2)
	byType := map[string]notify.Notification{}
	for _, note := range n.notes {
		byType[note.EventType] = note
		assert.Equal(t, "background", note.Source)
	}
	assert.Contains(t, byType["task_completed"].Text, "result of weather")
	assert.Equal(t, okID, byType["task_completed"].Data["task_id"])
	assert.Equal(t, db.TaskFailed, byType["task_failed"].Data["status"])

	_, err = w.Spawn(ctx, SpawnRequest{UserID: "u1", Task: "late"})
	assert.ErrorIs(t, err, ErrWorkerClosed)
}

func TestWorkerConcurrencyLimit(t *testing.T) {
	ctx := context.Background()
	r := &scriptedRunner{release: make(chan struct{})}
	w, store, _ := newTestWorker(t, r, 2)

	for range 5 {
		_, err := w.Spawn(ctx, SpawnRequest{UserID: "u1", Task: "crawl"})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return r.running.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	close(r.release)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, w.Shutdown(shutdownCtx))
	assert.Equal(t, int32(2), r.peak.Load())

	tasks, err := store.ListBackgroundTasks(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 5)
	for _, task := range tasks {
		assert.Equal(t, db.TaskCompleted, task.Status)
	}
}

func TestWorkerShutdownTimeout(t *testing.T) {
	r := &scriptedRunner{release: make(chan struct{})}
	w, store, _ := newTestWorker(t, r, 1)
	ctx := context.Background()

	id, err := w.Spawn(ctx, SpawnRequest{UserID: "u1", Task: "slow"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.running.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Shutdown(shutdownCtx), context.DeadlineExceeded)

	// the cancelled run still records its outcome
	require.Eventually(t, func() bool {
		task, err := store.GetBackgroundTask(ctx, id)
		return err == nil && task.Status == db.TaskFailed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSpawnValidates(t *testing.T) {
	w, _, _ := newTestWorker(t, &scriptedRunner{}, 1)
	_, err := w.Spawn(context.Background(), SpawnRequest{UserID: "u1", Task: " "})
	assert.Error(t, err)
	_, err = w.Spawn(context.Background(), SpawnRequest{Task: "x"})
	assert.Error(t, err)
}
