// Package scheduler runs periodic, one-shot and cron tasks in background
// goroutines. Tasks can be woken early with Signal and are re-armed after
// errors and panics until disposed.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jamesainslie/indexsync/pkg/indexsync/logging"
)

// Func is the body of a task. The context is canceled when the task is disposed.
type Func func(ctx context.Context) error

// Trigger computes the next execution time after t. A zero time means the
// task never runs again. cron.Schedule satisfies Trigger.
type Trigger interface {
	Next(t time.Time) time.Time
}

// Every is a fixed-interval trigger.
type Every time.Duration

// Next returns t plus the interval.
func (e Every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

type after struct {
	delay time.Duration
	fired atomic.Bool
}

func (a *after) Next(t time.Time) time.Time {
	if a.fired.Swap(true) {
		return time.Time{}
	}
	return t.Add(a.delay)
}

// ErrorHandler receives errors and recovered panics of task executions.
type ErrorHandler func(task string, err error)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithErrorHandler sets the handler for task failures.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(s *Scheduler) {
		s.onError = fn
	}
}

// Scheduler owns a set of tasks.
type Scheduler struct {
	onError ErrorHandler
	logger  *logging.Logger

	mu     sync.Mutex
	tasks  map[*Task]struct{}
	closed bool
}

// New creates a scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:  make(map[*Task]struct{}),
		logger: logging.Get("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Every schedules fn every interval. The first run happens one interval from now.
func (s *Scheduler) Every(name string, interval time.Duration, fn Func) *Task {
	return s.Schedule(name, Every(interval), fn)
}

// Once schedules fn to run a single time after delay.
func (s *Scheduler) Once(name string, delay time.Duration, fn Func) *Task {
	return s.Schedule(name, &after{delay: delay}, fn)
}

// Cron schedules fn by a standard five-field cron expression or a descriptor
// such as "@hourly" or "@every 10m".
func (s *Scheduler) Cron(name, spec string, fn Func) (*Task, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parsing schedule %q: %w", spec, err)
	}
	return s.Schedule(name, sched, fn), nil
}

// Schedule starts a task driven by trig.
func (s *Scheduler) Schedule(name string, trig Trigger, fn Func) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		name:   name,
		trig:   trig,
		fn:     fn,
		owner:  s,
		ctx:    ctx,
		cancel: cancel,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		t.state.Store(int32(StateDisposed))
		close(t.done)
		return t
	}
	s.tasks[t] = struct{}{}
	s.mu.Unlock()

	go t.loop()
	return t
}

// Close disposes every task and waits for running executions.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	tasks := make([]*Task, 0, len(s.tasks))
	for t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.Dispose()
	}
}

func (s *Scheduler) remove(t *Task) {
	s.mu.Lock()
	delete(s.tasks, t)
	s.mu.Unlock()
}

func (s *Scheduler) report(task string, err error) {
	s.logger.Warn("task failed", "task", task, "error", err)
	if s.onError != nil {
		s.onError(task, err)
	}
}

// State is the lifecycle state of a task.
type State int32

const (
	StateScheduled State = iota
	StateExecuting
	StateDisposed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateExecuting:
		return "executing"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Task is a scheduled unit of work.
type Task struct {
	name  string
	trig  Trigger
	fn    Func
	owner *Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	signal chan struct{}
	done   chan struct{}

	state atomic.Int32
	runs  atomic.Int64
}

// Name returns the task name.
func (t *Task) Name() string {
	return t.name
}

// State returns the current state.
func (t *Task) State() State {
	return State(t.state.Load())
}

// Runs returns the number of completed executions.
func (t *Task) Runs() int64 {
	return t.runs.Load()
}

// Signal requests an immediate execution. Signals arriving while the task is
// executing coalesce into one extra run.
func (t *Task) Signal() {
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

// Dispose stops the task, waiting for a running execution to return. It must
// not be called from the task's own callback.
func (t *Task) Dispose() {
	t.cancel()
	<-t.done
}

// Done is closed once the task is disposed.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) loop() {
	defer func() {
		t.state.Store(int32(StateDisposed))
		t.owner.remove(t)
		close(t.done)
	}()

	next := t.trig.Next(time.Now())
	for !next.IsZero() {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-t.ctx.Done():
			timer.Stop()
			return
		case <-t.signal:
			timer.Stop()
		case <-timer.C:
		}

		t.state.Store(int32(StateExecuting))
		t.execute()
		t.runs.Add(1)

		if t.ctx.Err() != nil {
			return
		}
		t.state.Store(int32(StateScheduled))
		next = t.trig.Next(time.Now())
	}
}

func (t *Task) execute() {
	defer func() {
		if r := recover(); r != nil {
			t.owner.report(t.name, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := t.fn(t.ctx); err != nil && t.ctx.Err() == nil {
		t.owner.report(t.name, err)
	}
}
