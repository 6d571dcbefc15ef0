package delegation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/omrylcn/gbot-sub000/internal/agent/runner"
	"github.com/omrylcn/gbot-sub000/internal/agenthub"
	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/logging"
	"github.com/omrylcn/gbot-sub000/internal/notify"
)

// ErrWorkerClosed is returned by Spawn after Shutdown
var ErrWorkerClosed = errors.New("background worker is shut down")

// TaskRunner runs one isolated task
type TaskRunner interface {
	RunTask(ctx context.Context, t runner.Task) (*runner.Result, error)
}

// Notifier delivers results to users
type Notifier interface {
	Deliver(ctx context.Context, userID, channel string, n notify.Notification) (notify.Outcome, error)
}

// SpawnRequest is one background run
type SpawnRequest struct {
	UserID  string
	Channel string
	Task    string
	Prompt  string
	Tools   []string
	Model   string
}

// Worker runs isolated tasks on the background lane and reports back
type Worker struct {
	store    *db.Store
	agent    TaskRunner
	lanes    *agenthub.LaneManager
	notifier Notifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewWorker creates a worker running at most maxConcurrent tasks at once
func NewWorker(store *db.Store, agent TaskRunner, lanes *agenthub.LaneManager, notifier Notifier, maxConcurrent int) *Worker {
	if maxConcurrent > 0 {
		lanes.SetConcurrency(agenthub.LaneBackground, maxConcurrent)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		store:    store,
		agent:    agent,
		lanes:    lanes,
		notifier: notifier,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Spawn records a running task and queues it. It returns once the task is
// queued, not when it finishes.
func (w *Worker) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	if strings.TrimSpace(req.Task) == "" {
		return "", errors.New("task is required")
	}
	if req.UserID == "" {
		return "", errors.New("user id is required")
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return "", ErrWorkerClosed
	}
	w.wg.Add(1)
	w.mu.Unlock()

	task := &db.BackgroundTask{UserID: req.UserID, Channel: req.Channel, Description: req.Task}
	if err := w.store.CreateBackgroundTask(ctx, task); err != nil {
		w.wg.Done()
		return "", err
	}

	err := w.lanes.EnqueueAsync(w.ctx, agenthub.LaneBackground, func(ctx context.Context) error {
		defer w.wg.Done()
		// dequeued after a timed-out shutdown cancelled the worker
		if err := ctx.Err(); err != nil {
			w.finish(ctx, task.ID, req, outcome{status: db.TaskFailed, text: "not started: " + err.Error()})
			return nil
		}
		w.run(ctx, task.ID, req)
		return nil
	}, agenthub.WithDescription("background "+task.ID), agenthub.OnDrop(func(err error) {
		defer w.wg.Done()
		w.finish(w.ctx, task.ID, req, outcome{status: db.TaskFailed, text: "not started: " + err.Error()})
	}))
	if err != nil {
		w.wg.Done()
		w.finish(ctx, task.ID, req, outcome{status: db.TaskFailed, text: "not started: " + err.Error()})
		return "", err
	}

	logging.L().Info("background task spawned", "task", task.ID, "user", req.UserID)
	return task.ID, nil
}

// outcome is the final state of a task
type outcome struct {
	status string
	text   string
	used   []string // tools the run invoked
}

// unverified reports whether a task that was given tools answered without
// calling any of them
func (o outcome) unverified(req SpawnRequest) bool {
	return o.status == db.TaskCompleted && len(req.Tools) > 0 && len(o.used) == 0
}

func (w *Worker) run(ctx context.Context, taskID string, req SpawnRequest) {
	status, text := db.TaskCompleted, ""
	var used []string
	res, err := w.agent.RunTask(ctx, runner.Task{
		Prompt:  req.Prompt,
		Task:    req.Task,
		Tools:   req.Tools,
		Model:   req.Model,
		UserID:  req.UserID,
		Channel: req.Channel,
	})
	if res != nil {
		text, used = res.Text, res.ToolsUsed
	}
	if err != nil {
		status = db.TaskFailed
		if text == "" {
			text = err.Error()
		}
		logging.Warnf("[Worker] task %s failed: %v", taskID, err)
	}
	w.finish(ctx, taskID, req, outcome{status: status, text: text, used: used})
}

// finish records the outcome of a task and notifies its owner. The lane
// context is gone during shutdown; the outcome is still recorded.
func (w *Worker) finish(ctx context.Context, taskID string, req SpawnRequest, o outcome) {
	status, text := o.status, o.text
	data := map[string]any{"task_id": taskID, "status": status, "tools_used": o.used}
	if o.unverified(req) {
		logging.L().Warn("background task answered without its tools", "task", taskID, "tools", req.Tools)
		data["unverified"] = true
	}

	done := context.WithoutCancel(ctx)
	if err := w.store.CompleteBackgroundTask(done, taskID, status, text); err != nil {
		logging.Errorf("[Worker] record task %s: %v", taskID, err)
	}

	eventType, headline := "task_completed", "Background task finished"
	if status == db.TaskFailed {
		eventType, headline = "task_failed", "Background task failed"
	}
	out, err := w.notifier.Deliver(done, req.UserID, req.Channel, notify.Notification{
		Source:    "background",
		EventType: eventType,
		Text:      fmt.Sprintf("%s: %s\n\n%s", headline, req.Task, text),
		Data:      data,
	})
	if err != nil {
		logging.Errorf("[Worker] task %s result not delivered: %v", taskID, err)
		return
	}
	logging.L().Info("background task finished", "task", taskID, "status", status, "outcome", out)
}

// Shutdown stops accepting tasks and waits for queued and running ones.
// When ctx ends first, running tasks are cancelled and ctx's error is
// returned.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		w.cancel()
		logging.Infof("[Worker] drained")
		return nil
	case <-ctx.Done():
		w.cancel()
		n := w.lanes.CancelActive(agenthub.LaneBackground)
		logging.Warnf("[Worker] shutdown timed out, cancelled %d running tasks", n)
		return ctx.Err()
	}
}
