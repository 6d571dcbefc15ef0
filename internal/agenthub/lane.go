// Package agenthub runs agent work on named lanes, each with its own
// concurrency limit.
package agenthub

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omrylcn/gbot-sub000/internal/logging"
)

// Lane names
const (
	LaneMain       = "main"       // interactive turns (API, WebSocket, channels)
	LaneEvents     = "events"     // scheduler trigger callbacks
	LaneBackground = "background" // delegated isolated runs
)

// ErrShutdown is returned for tasks enqueued on a stopped manager, and
// delivered to tasks still queued when it stops
var ErrShutdown = errors.New("lane manager shut down")

// DefaultLaneConcurrency is the max concurrent tasks per lane, 0 = unlimited.
// Lanes not listed run one task at a time.
var DefaultLaneConcurrency = map[string]int{
	LaneMain:       4,
	LaneEvents:     0,
	LaneBackground: 5,
}

// slowStart is how long a task may wait in a queue before it is logged
const slowStart = 2 * time.Second

type job struct {
	id          string
	description string
	fn          func(ctx context.Context) error
	onDrop      func(err error)
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan error // buffered(1), receives exactly once
	enqueued    time.Time
	started     time.Time
}

func (j *job) finish(err error) {
	j.cancel()
	j.done <- err
	close(j.done)
}

type lane struct {
	name  string
	wake  chan struct{} // buffered(1)
	stop  chan struct{}
	mu    sync.Mutex
	limit int // 0 = unlimited
	shut  bool
	queue []*job
	busy  []*job
}

func (l *lane) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// LaneManager owns the lanes. Each lane has a pump goroutine that starts
// queued jobs while the lane is below its limit.
type LaneManager struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool

	// pending counts queued plus running jobs; idle is closed while it is zero
	pendingMu sync.Mutex
	pending   int
	idle      chan struct{}
}

// NewLaneManager creates an empty lane manager
func NewLaneManager() *LaneManager {
	idle := make(chan struct{})
	close(idle)
	return &LaneManager{lanes: make(map[string]*lane), idle: idle}
}

func (m *LaneManager) add(n int) {
	if n == 0 {
		return
	}
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if m.pending == 0 {
		m.idle = make(chan struct{})
	}
	m.pending += n
	if m.pending == 0 {
		close(m.idle)
	}
}

func (m *LaneManager) lane(name string) (*lane, error) {
	if name == "" {
		name = LaneMain
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShutdown
	}
	if l, ok := m.lanes[name]; ok {
		return l, nil
	}

	limit := 1
	if n, ok := DefaultLaneConcurrency[name]; ok {
		limit = n
	}
	l := &lane{
		name:  name,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		limit: limit,
	}
	m.lanes[name] = l
	go m.pump(l)
	return l, nil
}

// SetConcurrency sets the max concurrent tasks of a lane, 0 = unlimited
func (m *LaneManager) SetConcurrency(name string, limit int) {
	l, err := m.lane(name)
	if err != nil {
		return
	}
	l.mu.Lock()
	l.limit = max(limit, 0)
	l.mu.Unlock()
	l.signal()
}

func (m *LaneManager) push(ctx context.Context, name string, fn func(ctx context.Context) error, opts []EnqueueOption) (*job, error) {
	var cfg enqueueConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	l, err := m.lane(name)
	if err != nil {
		return nil, err
	}

	jctx, cancel := context.WithCancel(ctx)
	j := &job{
		id:          uuid.NewString(),
		description: cfg.description,
		fn:          fn,
		onDrop:      cfg.onDrop,
		ctx:         jctx,
		cancel:      cancel,
		done:        make(chan error, 1),
		enqueued:    time.Now(),
	}

	l.mu.Lock()
	if l.shut {
		l.mu.Unlock()
		cancel()
		return nil, ErrShutdown
	}
	m.add(1)
	l.queue = append(l.queue, j)
	depth := len(l.queue) + len(l.busy)
	l.mu.Unlock()
	l.signal()

	logging.Debugf("[Lanes] queued %q on %s (depth %d)", j.description, l.name, depth)
	return j, nil
}

// Enqueue runs fn on a lane and waits for it. If ctx ends first the task
// is cancelled and ctx's error returned.
func (m *LaneManager) Enqueue(ctx context.Context, name string, fn func(ctx context.Context) error, opts ...EnqueueOption) error {
	j, err := m.push(ctx, name, fn, opts)
	if err != nil {
		return err
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		j.cancel()
		return ctx.Err()
	}
}

// EnqueueAsync queues fn on a lane without waiting
func (m *LaneManager) EnqueueAsync(ctx context.Context, name string, fn func(ctx context.Context) error, opts ...EnqueueOption) error {
	_, err := m.push(ctx, name, fn, opts)
	return err
}

func (m *LaneManager) pump(l *lane) {
	for {
		select {
		case <-l.wake:
		case <-l.stop:
			return
		}
		for {
			l.mu.Lock()
			if len(l.queue) == 0 || (l.limit > 0 && len(l.busy) >= l.limit) {
				l.mu.Unlock()
				break
			}
			j := l.queue[0]
			l.queue = l.queue[1:]
			l.busy = append(l.busy, j)
			j.started = time.Now()
			l.mu.Unlock()

			if wait := j.started.Sub(j.enqueued); wait > slowStart {
				logging.Warnf("[Lanes] %q waited %s on %s", j.description, wait.Round(time.Millisecond), l.name)
			}
			go m.run(l, j)
		}
	}
}

func (m *LaneManager) run(l *lane, j *job) {
	err := call(j)

	l.mu.Lock()
	if i := slices.Index(l.busy, j); i >= 0 {
		l.busy = slices.Delete(l.busy, i, i+1)
	}
	l.mu.Unlock()

	took := time.Since(j.started).Round(time.Millisecond)
	if err != nil {
		logging.Warnf("[Lanes] %q failed on %s after %s: %v", j.description, l.name, took, err)
	} else {
		logging.Debugf("[Lanes] %q finished on %s after %s", j.description, l.name, took)
	}

	j.finish(err)
	m.add(-1)
	l.signal()
}

// call runs a job, turning a panic into an error
func call(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("[Lanes] panic in %q: %v", j.description, r)
			err = fmt.Errorf("panic in lane task: %v", r)
		}
	}()
	return j.fn(j.ctx)
}

// shutdown fails every queued job of l with err and refuses new ones
func (m *LaneManager) shutdown(l *lane, err error) int {
	l.mu.Lock()
	l.shut = true
	queued := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, j := range queued {
		if j.onDrop != nil {
			j.onDrop(err)
		}
		j.finish(err)
	}
	m.add(-len(queued))
	return len(queued)
}

// CancelActive cancels the running tasks of a lane and returns how many
// there were
func (m *LaneManager) CancelActive(name string) int {
	m.mu.Lock()
	l, ok := m.lanes[name]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, j := range l.busy {
		j.cancel()
	}
	return len(l.busy)
}

// LaneStats is a snapshot of one lane
type LaneStats struct {
	Queued        int           `json:"queued"`
	Active        int           `json:"active"`
	MaxConcurrent int           `json:"max_concurrent"`
	Running       []RunningTask `json:"running,omitempty"`
}

// RunningTask describes a task that has started
type RunningTask struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	StartedAt   time.Time `json:"started_at"`
}

// Stats returns a snapshot of every lane that has been used
func (m *LaneManager) Stats() map[string]LaneStats {
	m.mu.Lock()
	lanes := make([]*lane, 0, len(m.lanes))
	for _, l := range m.lanes {
		lanes = append(lanes, l)
	}
	m.mu.Unlock()

	out := make(map[string]LaneStats, len(lanes))
	for _, l := range lanes {
		l.mu.Lock()
		st := LaneStats{Queued: len(l.queue), Active: len(l.busy), MaxConcurrent: l.limit}
		for _, j := range l.busy {
			st.Running = append(st.Running, RunningTask{ID: j.id, Description: j.description, StartedAt: j.started})
		}
		l.mu.Unlock()
		out[l.name] = st
	}
	return out
}

// Wait blocks until every queued and running task has finished, or ctx ends
func (m *LaneManager) Wait(ctx context.Context) error {
	m.pendingMu.Lock()
	idle := m.idle
	m.pendingMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting tasks, fails the queued ones with ErrShutdown
// and stops the pumps. Running tasks finish on their own; call Wait first
// to drain them.
func (m *LaneManager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	lanes := make([]*lane, 0, len(m.lanes))
	for _, l := range m.lanes {
		lanes = append(lanes, l)
	}
	m.mu.Unlock()

	for _, l := range lanes {
		if n := m.shutdown(l, ErrShutdown); n > 0 {
			logging.Warnf("[Lanes] dropped %d queued tasks on %s", n, l.name)
		}
		close(l.stop)
	}
}

// EnqueueOption configures a queued task
type EnqueueOption func(*enqueueConfig)

type enqueueConfig struct {
	description string
	onDrop      func(err error)
}

// WithDescription labels a task in logs and stats
func WithDescription(desc string) EnqueueOption {
	return func(c *enqueueConfig) { c.description = desc }
}

// OnDrop registers fn to be called, instead of the task, when the task is
// discarded from the queue by Shutdown
func OnDrop(fn func(err error)) EnqueueOption {
	return func(c *enqueueConfig) { c.onDrop = fn }
}
