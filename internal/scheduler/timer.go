package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/omrylcn/gbot-sub000/internal/logging"
)

// Handle identifies a registration with a Timer
type Handle int

// Trigger says when a callback fires: on a cron expression, or once at a
// point in time.
type Trigger struct {
	expr string
	at   time.Time
}

// Cron returns a recurring trigger
func Cron(expr string) Trigger { return Trigger{expr: expr} }

// At returns a one-shot trigger
func At(t time.Time) Trigger { return Trigger{at: t} }

// Recurring reports whether the trigger is a cron trigger
func (t Trigger) Recurring() bool { return t.expr != "" }

// Expr returns the cron expression of a recurring trigger
func (t Trigger) Expr() string { return t.expr }

// Time returns the fire time of a one-shot trigger
func (t Trigger) Time() time.Time { return t.at }

func (t Trigger) String() string {
	if t.Recurring() {
		return "cron(" + t.expr + ")"
	}
	return "at(" + t.at.Format(time.RFC3339) + ")"
}

// Timer is the in-process timer service the scheduler registers with
type Timer interface {
	Schedule(trigger Trigger, fn func()) (Handle, error)
	Cancel(h Handle)
	Start()
	// Stop halts new firings; the returned context is done once running
	// callbacks have returned.
	Stop() context.Context
}

// Standard 5-field expressions, an optional leading seconds field, and
// descriptors such as @daily or @every 1h.
var cronParser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseCron validates a cron expression
func ParseCron(expr string) error {
	if expr == "" {
		return fmt.Errorf("%w: empty expression", ErrInvalidCron)
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidCron, expr, err)
	}
	return nil
}

// onceSchedule fires at a single instant and never again
type onceSchedule struct {
	at time.Time
}

func (s onceSchedule) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at
	}
	return time.Time{}
}

// CronTimer is a Timer backed by robfig/cron
type CronTimer struct {
	cron *cronlib.Cron
}

// NewCronTimer creates a timer in the given location (nil for local time)
func NewCronTimer(loc *time.Location) *CronTimer {
	if loc == nil {
		loc = time.Local
	}
	log := cronLogger{}
	return &CronTimer{
		cron: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithLocation(loc),
			cronlib.WithLogger(log),
			cronlib.WithChain(cronlib.Recover(log), cronlib.SkipIfStillRunning(log)),
		),
	}
}

// Schedule registers fn. A one-shot trigger in the past fires promptly.
func (t *CronTimer) Schedule(trigger Trigger, fn func()) (Handle, error) {
	if fn == nil {
		return 0, errors.New("nil callback")
	}
	if trigger.Recurring() {
		sched, err := cronParser.Parse(trigger.expr)
		if err != nil {
			return 0, fmt.Errorf("%w %q: %v", ErrInvalidCron, trigger.expr, err)
		}
		return Handle(t.cron.Schedule(sched, cronlib.FuncJob(fn))), nil
	}

	at := trigger.at
	if soonest := time.Now().Add(time.Second); at.Before(soonest) {
		at = soonest
	}

	// the entry id is only known after registration
	var h Handle
	ready := make(chan struct{})
	job := cronlib.FuncJob(func() {
		<-ready
		t.Cancel(h)
		fn()
	})
	h = Handle(t.cron.Schedule(onceSchedule{at: at}, job))
	close(ready)
	return h, nil
}

// Cancel removes a registration. Unknown handles are ignored.
func (t *CronTimer) Cancel(h Handle) {
	t.cron.Remove(cronlib.EntryID(h))
}

// Start begins firing in the background
func (t *CronTimer) Start() {
	t.cron.Start()
}

// Stop halts the timer
func (t *CronTimer) Stop() context.Context {
	return t.cron.Stop()
}

// Entries returns the number of live registrations
func (t *CronTimer) Entries() int {
	return len(t.cron.Entries())
}

// cronLogger routes robfig/cron's logging through the shared logger
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logging.Debugf("[Timer] %s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logging.Errorf("[Timer] %s: %v %v", msg, err, keysAndValues)
}
