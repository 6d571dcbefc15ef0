package scheduler

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omrylcn/gbot-sub000/internal/config"
	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/logging"
	"github.com/omrylcn/gbot-sub000/internal/notify"
)

func openTestStore(t *testing.T) *db.Store {
	t.Helper()
	logging.Disable()
	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type fakeEntry struct {
	trigger Trigger
	fn      func()
}

// fakeTimer fires only when told to
type fakeTimer struct {
	mu      sync.Mutex
	next    Handle
	entries map[Handle]fakeEntry
	started bool

	err    error  // returned by Schedule when set
	onFail func() // runs before err is returned
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{entries: make(map[Handle]fakeEntry)}
}

func (f *fakeTimer) Schedule(trigger Trigger, fn func()) (Handle, error) {
	if f.err != nil {
		if f.onFail != nil {
			f.onFail()
		}
		return 0, f.err
	}
	if trigger.Recurring() {
		if err := ParseCron(trigger.Expr()); err != nil {
			return 0, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.entries[f.next] = fakeEntry{trigger: trigger, fn: fn}
	return f.next, nil
}

func (f *fakeTimer) Cancel(h Handle) {
	f.mu.Lock()
	delete(f.entries, h)
	f.mu.Unlock()
}

func (f *fakeTimer) Start() {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
}

func (f *fakeTimer) Stop() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func (f *fakeTimer) entry(h Handle) (fakeEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[h]
	return e, ok
}

// fire runs the callback like the real timer does, dropping one-shot
// entries first
func (f *fakeTimer) fire(t *testing.T, h Handle) {
	t.Helper()
	e, ok := f.entry(h)
	require.True(t, ok, "no timer entry %d", h)
	if !e.trigger.Recurring() {
		f.Cancel(h)
	}
	e.fn()
}

type fakeAgent struct {
	mu      sync.Mutex
	calls   []string
	respond func(ctx context.Context, message string) (string, error)
}

func (a *fakeAgent) Process(ctx context.Context, userID, channel, message, sessionID string) (string, string, error) {
	a.mu.Lock()
	a.calls = append(a.calls, userID+"|"+channel+"|"+message)
	a.mu.Unlock()
	text, err := a.respond(ctx, message)
	return text, "s-1", err
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []notify.Notification
	users []string
	err   error
}

func (n *fakeNotifier) Deliver(_ context.Context, userID, _ string, note notify.Notification) (notify.Outcome, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return "", n.err
	}
	n.sent = append(n.sent, note)
	n.users = append(n.users, userID)
	return notify.OutcomePushed, nil
}

func (n *fakeNotifier) texts() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.Text)
	}
	return out
}

type fixture struct {
	store    *db.Store
	timer    *fakeTimer
	notifier *fakeNotifier
	agent    *fakeAgent
	sched    *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    openTestStore(t),
		timer:    newFakeTimer(),
		notifier: &fakeNotifier{},
		agent: &fakeAgent{respond: func(_ context.Context, message string) (string, error) {
			return "done: " + message, nil
		}},
	}
	f.sched = New(f.store, f.timer, f.notifier, config.SchedulerConfig{
		FailureThreshold: 3,
		JobTimeout:       time.Minute,
		ResultLogChars:   20,
	})
	f.sched.SetAgent(f.agent)
	return f
}

func (f *fixture) fire(t *testing.T, key string) {
	t.Helper()
	f.sched.mu.Lock()
	h, ok := f.sched.entries[key]
	f.sched.mu.Unlock()
	require.True(t, ok, "%s is not registered", key)
	f.timer.fire(t, h)
}

func (f *fixture) addJob(t *testing.T, spec JobSpec) *db.CronJob {
	t.Helper()
	if spec.UserID == "" {
		spec.UserID = "u1"
	}
	if spec.CronExpr == "" {
		spec.CronExpr = "*/5 * * * *"
	}
	job, err := f.sched.AddJob(context.Background(), spec)
	require.NoError(t, err)
	return job
}

func TestShouldSkip(t *testing.T) {
	markers := config.DefaultSkipMarkers
	for _, text := range []string{"SKIP", "[SKIP]", "[NO_NOTIFY]", "", "   ", "  SKIP\n", "nothing new [NO_NOTIFY]"} {
		assert.True(t, ShouldSkip(text, markers), "%q should skip", text)
	}
	for _, text := range []string{"Alert: price up!", "skip", "[no_notify]"} {
		assert.False(t, ShouldSkip(text, markers), "%q should not skip", text)
	}
}

func TestAddJobValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sched.AddJob(ctx, JobSpec{UserID: "u1", CronExpr: "every tuesday", Message: "x"})
	assert.ErrorIs(t, err, ErrInvalidCron)
	_, err = f.sched.AddJob(ctx, JobSpec{UserID: "u1", CronExpr: "", Message: "x"})
	assert.ErrorIs(t, err, ErrInvalidCron)
	_, err = f.sched.AddJob(ctx, JobSpec{UserID: "u1", CronExpr: "0 9 * * *", Message: " "})
	assert.ErrorIs(t, err, ErrInvalidSpec)
	_, err = f.sched.AddJob(ctx, JobSpec{UserID: "u1", CronExpr: "0 9 * * *", Message: "x", NotifyCondition: "sometimes"})
	assert.ErrorIs(t, err, ErrInvalidSpec)
	_, err = f.sched.AddJob(ctx, JobSpec{UserID: "u1", CronExpr: "0 9 * * *", Message: "x", Processor: "robot"})
	assert.ErrorIs(t, err, ErrInvalidSpec)

	jobs, err := f.store.ListJobs(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected jobs must not be persisted")

	job := f.addJob(t, JobSpec{CronExpr: "0 9 * * 1-5", Message: "standup notes", Channel: "telegram"})
	assert.True(t, job.Enabled)
	assert.Equal(t, db.NotifyAlways, job.NotifyCondition)
	assert.True(t, f.sched.Registered(job.ID))

	listed, err := f.sched.ListJobs(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "telegram", listed[0].Channel)
}

func TestAddRollsBackWhenTimerRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	full := errors.New("timer full")
	f.timer.err = full

	_, err := f.sched.AddJob(ctx, JobSpec{UserID: "u1", CronExpr: "*/5 * * * *", Message: "check"})
	require.ErrorIs(t, err, full)
	_, err = f.sched.AddReminder(ctx, ReminderSpec{UserID: "u1", Message: "tea", Delay: time.Minute})
	require.ErrorIs(t, err, full)

	jobs, err := f.store.ListJobs(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, jobs)
	reminders, err := f.store.ListReminders(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, reminders)
}

func TestFailedRollbackIsLogged(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	logging.Enable()
	logging.SetOutput(&buf, "warn", false)
	t.Cleanup(func() {
		logging.SetOutput(os.Stdout, "info", false)
		logging.Disable()
	})

	// the store goes away before the row can be deleted again
	f.timer.err = errors.New("timer full")
	f.timer.onFail = func() { f.store.Close() }

	_, err := f.sched.AddJob(context.Background(), JobSpec{UserID: "u1", CronExpr: "*/5 * * * *", Message: "check"})
	require.Error(t, err)
	assert.Contains(t, buf.String(), "roll back job")
}

func TestJobProcessors(t *testing.T) {
	f := newFixture(t)
	var isolated []AgentTask
	f.sched.SetIsolated(IsolatedFunc(func(_ context.Context, task AgentTask) (string, int, error) {
		isolated = append(isolated, task)
		return "isolated: " + task.Task, 42, nil
	}))

	runner := f.addJob(t, JobSpec{Message: "drink water", Processor: db.ProcessorRunner})
	custom := f.addJob(t, JobSpec{Message: "btc price", AgentPrompt: "You watch prices.", AgentTools: []string{"web_search"}, AgentModel: "openai/gpt-4o-mini"})
	plain := f.addJob(t, JobSpec{Message: "summarize my day", Channel: "ws"})

	f.fire(t, jobKey(runner.ID))
	f.fire(t, jobKey(custom.ID))
	f.fire(t, jobKey(plain.ID))

	assert.Equal(t, []string{"drink water", "isolated: btc price", "done: summarize my day"}, f.notifier.texts())
	assert.Equal(t, []string{"u1|ws|summarize my day"}, f.agent.calls)
	require.Len(t, isolated, 1)
	assert.Equal(t, AgentTask{
		Prompt: "You watch prices.", Task: "btc price", Tools: []string{"web_search"},
		Model: "openai/gpt-4o-mini", UserID: "u1", Channel: "api",
	}, isolated[0])

	assert.Equal(t, "cron_result", f.notifier.sent[0].EventType)
	assert.Equal(t, runner.ID, f.notifier.sent[0].Data["job_id"])
}

func TestNotifySkipSuppresses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reply := "[SKIP]"
	f.agent.respond = func(context.Context, string) (string, error) { return reply, nil }

	monitor := f.addJob(t, JobSpec{Message: "check the price", NotifyCondition: db.NotifySkip})
	always := f.addJob(t, JobSpec{Message: "check the price"})

	f.fire(t, jobKey(monitor.ID))
	assert.Empty(t, f.notifier.texts(), "skip marker under notify_skip must not be delivered")
	logs, err := f.sched.JobHistory(ctx, "u1", monitor.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, db.ExecSkipped, logs[0].Status)
	assert.Equal(t, "[SKIP]", logs[0].Result)

	f.fire(t, jobKey(always.ID))
	assert.Equal(t, []string{"[SKIP]"}, f.notifier.texts(), "markers only apply under notify_skip")

	reply = "Alert: price up!"
	f.fire(t, jobKey(monitor.ID))
	assert.Equal(t, []string{"[SKIP]", "Alert: price up!"}, f.notifier.texts())

	reply = "   "
	f.fire(t, jobKey(always.ID))
	assert.Len(t, f.notifier.texts(), 2, "an empty result has nothing to deliver")
	logs, _ = f.sched.JobHistory(ctx, "u1", always.ID, 1)
	assert.Equal(t, db.ExecSuccess, logs[0].Status)
}

func TestFailuresPauseJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fail := true
	f.agent.respond = func(context.Context, string) (string, error) {
		if fail {
			return "", errors.New("provider down")
		}
		return "ok", nil
	}
	job := f.addJob(t, JobSpec{Message: "daily digest"})

	// two failures, then a success resets the counter
	f.fire(t, jobKey(job.ID))
	f.fire(t, jobKey(job.ID))
	got, _ := f.store.GetJob(ctx, job.ID)
	assert.Equal(t, 2, got.ConsecutiveFailures)
	assert.Equal(t, "provider down", got.LastError)

	fail = false
	f.fire(t, jobKey(job.ID))
	got, _ = f.store.GetJob(ctx, job.ID)
	assert.Zero(t, got.ConsecutiveFailures)

	fail = true
	for range 3 {
		f.fire(t, jobKey(job.ID))
	}
	got, _ = f.store.GetJob(ctx, job.ID)
	assert.False(t, got.Enabled, "three consecutive failures pause the job")
	assert.Equal(t, 3, got.ConsecutiveFailures)
	assert.False(t, f.sched.Registered(job.ID))

	logs, err := f.sched.JobHistory(ctx, "u1", job.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 6)
	assert.Equal(t, db.ExecFailed, logs[0].Status)
	assert.Equal(t, "provider down", logs[0].Error)

	require.NoError(t, f.sched.ResumeJob(ctx, "u1", job.ID))
	got, _ = f.store.GetJob(ctx, job.ID)
	assert.True(t, got.Enabled)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.True(t, f.sched.Registered(job.ID))
}

func TestDeliveryFailureCounts(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("disk full")
	job := f.addJob(t, JobSpec{Message: "x", Processor: db.ProcessorRunner})

	f.fire(t, jobKey(job.ID))
	got, _ := f.store.GetJob(context.Background(), job.ID)
	assert.Equal(t, 1, got.ConsecutiveFailures)
	assert.Contains(t, got.LastError, "disk full")
}

func TestJobTimeoutAndPanic(t *testing.T) {
	f := newFixture(t)
	f.sched.cfg.JobTimeout = 20 * time.Millisecond
	ctx := context.Background()

	f.agent.respond = func(ctx context.Context, message string) (string, error) {
		if message == "panic" {
			panic("tool exploded")
		}
		<-ctx.Done()
		return "", ctx.Err()
	}
	slow := f.addJob(t, JobSpec{Message: "slow"})
	boom := f.addJob(t, JobSpec{Message: "panic"})

	f.fire(t, jobKey(slow.ID))
	f.fire(t, jobKey(boom.ID))

	logs, _ := f.sched.JobHistory(ctx, "u1", slow.ID, 1)
	require.Len(t, logs, 1)
	assert.Equal(t, db.ExecFailed, logs[0].Status)
	assert.Contains(t, logs[0].Error, "deadline exceeded")

	logs, _ = f.sched.JobHistory(ctx, "u1", boom.ID, 1)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Error, "panic: tool exploded")
	assert.Empty(t, f.notifier.texts())
}

func TestResultLogIsTruncated(t *testing.T) {
	f := newFixture(t)
	f.agent.respond = func(context.Context, string) (string, error) {
		return "çok uzun bir sonuç metni, kesilmesi gerekiyor", nil
	}
	job := f.addJob(t, JobSpec{Message: "x"})
	f.fire(t, jobKey(job.ID))

	logs, _ := f.sched.JobHistory(context.Background(), "u1", job.ID, 1)
	require.Len(t, logs, 1)
	assert.Equal(t, "çok uzun bir sonuç m...", logs[0].Result)
	assert.Equal(t, []string{"çok uzun bir sonuç metni, kesilmesi gerekiyor"}, f.notifier.texts())
}

func TestRemoveJobStoreIsAuthoritative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.addJob(t, JobSpec{Message: "x"})

	assert.ErrorIs(t, f.sched.RemoveJob(ctx, "mallory", job.ID), ErrJobNotFound)

	// a missing timer entry does not block removal
	f.sched.unregister(jobKey(job.ID))
	require.NoError(t, f.sched.RemoveJob(ctx, "u1", job.ID))
	_, err := f.store.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.ErrorIs(t, f.sched.RemoveJob(ctx, "u1", job.ID), ErrJobNotFound)
}

func TestStaleTriggerIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.addJob(t, JobSpec{Message: "x"})

	require.NoError(t, f.store.DeleteJob(ctx, job.ID))
	f.fire(t, jobKey(job.ID))
	assert.Empty(t, f.agent.calls)
	assert.False(t, f.sched.Registered(job.ID))
}

func TestPauseAndRunNow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.addJob(t, JobSpec{Message: "report"})

	require.NoError(t, f.sched.PauseJob(ctx, "u1", job.ID))
	got, _ := f.store.GetJob(ctx, job.ID)
	assert.False(t, got.Enabled)
	assert.False(t, f.sched.Registered(job.ID))
	assert.ErrorIs(t, f.sched.PauseJob(ctx, "u2", job.ID), ErrJobNotFound)

	entry, err := f.sched.RunJobNow(ctx, "u1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ExecSuccess, entry.Status)
	assert.Equal(t, []string{"done: report"}, f.notifier.texts())

	_, err = f.sched.RunJobNow(ctx, "u1", "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = f.sched.JobHistory(ctx, "u2", job.ID, 5)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStartRegistersFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	enabled := &db.CronJob{UserID: "u1", CronExpr: "0 9 * * *", Message: "a", Enabled: true}
	paused := &db.CronJob{UserID: "u1", CronExpr: "0 9 * * *", Message: "b"}
	broken := &db.CronJob{UserID: "u1", CronExpr: "not a cron", Message: "c", Enabled: true}
	overdue := &db.Reminder{UserID: "u1", Message: "call mom", RunAt: time.Now().Add(-time.Hour)}
	for _, j := range []*db.CronJob{enabled, paused, broken} {
		require.NoError(t, f.store.CreateJob(ctx, j))
	}
	require.NoError(t, f.store.CreateReminder(ctx, overdue))

	require.NoError(t, f.sched.Start(ctx))
	assert.True(t, f.timer.started)
	assert.True(t, f.sched.Registered(enabled.ID))
	assert.False(t, f.sched.Registered(paused.ID))
	assert.False(t, f.sched.Registered(broken.ID))
	assert.True(t, f.sched.Registered(overdue.ID))

	f.fire(t, reminderKey(overdue.ID))
	assert.Equal(t, []string{"Reminder: call mom"}, f.notifier.texts())
	<-f.sched.Stop().Done()
}

func TestRecurringReminderStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	recurring, err := f.sched.AddReminder(ctx, ReminderSpec{
		UserID: "u1", Channel: "ws", Message: "ping", CronExpr: "*/5 * * * *",
	})
	require.NoError(t, err)
	once, err := f.sched.AddReminder(ctx, ReminderSpec{
		UserID: "u1", Channel: "ws", Message: "stretch", Delay: 20 * time.Minute,
	})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(20*time.Minute), once.RunAt, 5*time.Second)

	for range 2 {
		f.fire(t, reminderKey(recurring.ID))
		got, err := f.store.GetReminder(ctx, recurring.ID)
		require.NoError(t, err)
		assert.Equal(t, db.ReminderPending, got.Status)
	}
	f.fire(t, reminderKey(once.ID))

	pending, err := f.store.GetPendingReminders(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, recurring.ID, pending[0].ID)

	got, _ := f.store.GetReminder(ctx, once.ID)
	assert.Equal(t, db.ReminderSent, got.Status)
	assert.False(t, f.sched.Registered(once.ID))
	assert.True(t, f.sched.Registered(recurring.ID))
	assert.Equal(t, []string{"Reminder: ping", "Reminder: ping", "Reminder: stretch"}, f.notifier.texts())
	assert.Equal(t, "reminder", f.notifier.sent[0].EventType)
}

func TestReminderFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sched.SetIsolated(IsolatedFunc(func(context.Context, AgentTask) (string, int, error) {
		return "", 0, errors.New("rate limited")
	}))

	once, err := f.sched.AddReminder(ctx, ReminderSpec{UserID: "u1", Message: "weather", AgentPrompt: "Fetch the weather."})
	require.NoError(t, err)
	f.fire(t, reminderKey(once.ID))
	got, _ := f.store.GetReminder(ctx, once.ID)
	assert.Equal(t, db.ReminderFailed, got.Status)
	assert.Equal(t, "rate limited", got.LastError)

	recurring, err := f.sched.AddReminder(ctx, ReminderSpec{UserID: "u1", Message: "news", CronExpr: "0 8 * * *", AgentPrompt: "Summarize news."})
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		f.fire(t, reminderKey(recurring.ID))
		got, _ = f.store.GetReminder(ctx, recurring.ID)
		if i < 3 {
			assert.Equal(t, db.ReminderPending, got.Status, "after %d failures", i)
		}
	}
	assert.Equal(t, db.ReminderFailed, got.Status)
	assert.False(t, f.sched.Registered(recurring.ID))
}

func TestNotifySkipReminder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sched.SetIsolated(IsolatedFunc(func(context.Context, AgentTask) (string, int, error) {
		return "[NO_NOTIFY]", 10, nil
	}))

	r, err := f.sched.AddReminder(ctx, ReminderSpec{
		UserID: "u1", Message: "check inbox", AgentPrompt: "Check the inbox.", NotifyCondition: db.NotifySkip,
	})
	require.NoError(t, err)
	f.fire(t, reminderKey(r.ID))

	assert.Empty(t, f.notifier.texts())
	got, _ := f.store.GetReminder(ctx, r.ID)
	assert.Equal(t, db.ReminderSent, got.Status)
	logs, _ := f.store.ListExecutionLogs(ctx, r.ID, 1)
	require.Len(t, logs, 1)
	assert.Equal(t, db.ExecSkipped, logs[0].Status)
}

func TestCancelReminder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sched.AddReminder(ctx, ReminderSpec{UserID: "u1", Message: "x", Delay: -time.Second})
	assert.Error(t, err)
	_, err = f.sched.AddReminder(ctx, ReminderSpec{UserID: "u1", Message: "x", CronExpr: "61 * * * *"})
	assert.ErrorIs(t, err, ErrInvalidCron)

	r, err := f.sched.AddReminder(ctx, ReminderSpec{UserID: "u1", Message: "x", Delay: time.Hour})
	require.NoError(t, err)
	assert.ErrorIs(t, f.sched.CancelReminder(ctx, "u2", r.ID), ErrReminderNotFound)
	require.NoError(t, f.sched.CancelReminder(ctx, "u1", r.ID))
	assert.False(t, f.sched.Registered(r.ID))
	assert.ErrorIs(t, f.sched.CancelReminder(ctx, "u1", r.ID), ErrReminderNotFound)

	list, err := f.sched.ListReminders(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestParseCron(t *testing.T) {
	for _, expr := range []string{"*/5 * * * *", "0 9 * * 1-5", "30 0 9 * * *", "@daily", "@every 90s"} {
		assert.NoError(t, ParseCron(expr), expr)
	}
	for _, expr := range []string{"", "bogus", "* * *", "61 * * * *"} {
		assert.ErrorIs(t, ParseCron(expr), ErrInvalidCron, expr)
	}
}

func TestCronTimerOneShot(t *testing.T) {
	logging.Disable()
	timer := NewCronTimer(time.UTC)
	timer.Start()
	defer timer.Stop()

	fired := make(chan struct{}, 2)
	_, err := timer.Schedule(At(time.Now().Add(-time.Minute)), func() { fired <- struct{}{} })
	require.NoError(t, err)
	cancelled, err := timer.Schedule(At(time.Now().Add(-time.Minute)), func() { fired <- struct{}{} })
	require.NoError(t, err)
	timer.Cancel(cancelled)

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("overdue one-shot never fired")
	}
	select {
	case <-fired:
		t.Fatal("cancelled one-shot fired")
	case <-time.After(1500 * time.Millisecond):
	}
	assert.Zero(t, timer.Entries(), "one-shot entries are removed after firing")

	_, err = timer.Schedule(Cron("nope"), func() {})
	assert.ErrorIs(t, err, ErrInvalidCron)
}
