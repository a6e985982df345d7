// Package scheduler runs the periodic maintenance sweeps of groundkeeper on
// cron schedules: discovery runs, stale extraction reclaim, metric flushes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrUnknownTask is returned by RunNow for an unregistered task.
var ErrUnknownTask = errors.New("scheduler: unknown task")

// TaskFunc is one sweep. The context is cancelled when the scheduler stops.
type TaskFunc func(ctx context.Context) error

// TaskStatus is the last run of a task.
type TaskStatus struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	LastRun  time.Time `json:"last_run,omitzero"`
	LastErr  string    `json:"last_error,omitempty"`
	Runs     int       `json:"runs"`
	Next     time.Time `json:"next,omitzero"`
	Disabled bool      `json:"disabled,omitempty"`
}

type task struct {
	spec  string
	fn    TaskFunc
	entry cron.EntryID
	mu    sync.Mutex // serializes cron and RunNow invocations
}

// Scheduler wraps a robfig cron with named tasks.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu     sync.Mutex
	tasks  map[string]*task
	status map[string]*TaskStatus
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped Scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		tasks:  make(map[string]*task),
		status: make(map[string]*TaskStatus),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a task under a standard cron spec or descriptor such as
// "@every 1m". An empty spec registers the task for RunNow only.
func (s *Scheduler) Add(name, spec string, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("scheduler: task %q already registered", name)
	}
	t := &task{spec: spec, fn: fn}
	s.status[name] = &TaskStatus{Name: name, Spec: spec, Disabled: spec == ""}
	if spec != "" {
		id, err := s.cron.AddFunc(spec, func() { s.invoke(s.ctx, name, t) })
		if err != nil {
			delete(s.status, name)
			return fmt.Errorf("scheduler: task %q: %w", name, err)
		}
		t.entry = id
	}
	s.tasks[name] = t
	return nil
}

// Start begins firing tasks on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler: started", "tasks", len(s.tasks))
}

// Stop cancels running tasks and waits up to ctx for them to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler: stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: stop: %w", ctx.Err())
	}
}

// RunNow runs a task synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.invoke(ctx, name, t)
}

// Status returns the task states, sorted by name.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.status))
	for name, st := range s.status {
		cp := *st
		if t := s.tasks[name]; t != nil && t.entry != 0 {
			cp.Next = s.cron.Entry(t.entry).Next
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) invoke(ctx context.Context, name string, t *task) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := time.Now()
	err := t.fn(ctx)

	s.mu.Lock()
	st := s.status[name]
	st.LastRun = start
	st.Runs++
	st.LastErr = ""
	if err != nil {
		st.LastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("scheduler: task failed", "task", name, "error", err, "duration_ms", time.Since(start).Milliseconds())
	} else {
		s.logger.Debug("scheduler: task done", "task", name, "duration_ms", time.Since(start).Milliseconds())
	}
	return err
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) {
	c.l.Debug("scheduler: cron "+msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error("scheduler: cron "+msg, append(kv, "error", err)...)
}
