// Package schedule runs named periodic background tasks.
//
// One Scheduler owns every interval timer in the process so that shutdown
// can cancel them together. A task that returns an error or panics is
// logged and counted; its schedule keeps running.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"
)

var (
	// ErrStarted is returned when registering tasks on a running scheduler.
	ErrStarted = errors.New("schedule: already started")

	// ErrDuplicateTask is returned when a task name is registered twice.
	ErrDuplicateTask = errors.New("schedule: duplicate task")
)

// Task is the body of a periodic task.
type Task func(ctx context.Context) error

// TaskStats describes one task's history.
type TaskStats struct {
	Name      string
	Interval  time.Duration
	Runs      int64
	Failures  int64
	LastRun   time.Time
	LastError string
}

type task struct {
	name     string
	interval time.Duration
	fn       Task

	runs      int64
	failures  int64
	lastRun   time.Time
	lastError string
}

// Scheduler runs registered tasks on their intervals.
type Scheduler struct {
	mu      sync.Mutex
	tasks   []*task
	clock   clock.Clock
	logger  *zap.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock that drives task tickers.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates an idle scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:  clock.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Every registers fn to run every interval once the scheduler starts.
func (s *Scheduler) Every(name string, interval time.Duration, fn Task) error {
	if interval <= 0 {
		return fmt.Errorf("schedule: task %q: interval must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	for _, t := range s.tasks {
		if t.name == name {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
		}
	}
	s.tasks = append(s.tasks, &task{name: name, interval: interval, fn: fn})
	return nil
}

// Start launches every registered task. Tasks stop when ctx is cancelled
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	s.logger.Debug("scheduler started", zap.Int("tasks", len(s.tasks)))
	return nil
}

// Stop cancels every task and waits for running ones to return.
// It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Debug("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, t *task) {
	defer s.wg.Done()

	ticker := s.clock.Ticker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, t)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	err := safeCall(ctx, t.fn)

	s.mu.Lock()
	t.runs++
	t.lastRun = s.clock.Now()
	t.lastError = ""
	if err != nil {
		t.failures++
		t.lastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		s.logger.Warn("scheduled task failed", zap.String("task", t.name), zap.Error(err))
	}
}

func safeCall(ctx context.Context, fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Stats returns per-task statistics sorted by name.
func (s *Scheduler) Stats() []TaskStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStats, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, TaskStats{
			Name:      t.name,
			Interval:  t.interval,
			Runs:      t.runs,
			Failures:  t.failures,
			LastRun:   t.lastRun,
			LastError: t.lastError,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
