package drift

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the monitor once a day.
const DefaultSchedule = "@daily"

// Checker runs one monitoring pass.
type Checker interface {
	Check(ctx context.Context) (*CheckResult, error)
}

// Scheduler runs a Checker on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	checker  Checker
	schedule string
	runNow   bool
	logger   *slog.Logger

	mu      sync.Mutex
	results []*CheckResult
	onRun   func(*CheckResult, error)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithRunOnStart runs one check as soon as the scheduler starts.
func WithRunOnStart() SchedulerOption {
	return func(s *Scheduler) { s.runNow = true }
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// WithRunHook is called after every run.
func WithRunHook(fn func(*CheckResult, error)) SchedulerOption {
	return func(s *Scheduler) { s.onRun = fn }
}

// NewScheduler creates a scheduler. An empty schedule uses DefaultSchedule.
func NewScheduler(checker Checker, schedule string, opts ...SchedulerOption) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	s := &Scheduler{checker: checker, schedule: schedule, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run blocks until ctx is cancelled, then waits for a running check to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	job := cron.FuncJob(func() { s.run(ctx) })
	id, err := c.AddJob(s.schedule, job)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", s.schedule, err)
	}

	s.logger.Info("Drift monitor scheduled", "schedule", s.schedule)
	c.Start()

	var wg sync.WaitGroup
	if s.runNow {
		wrapped := c.Entry(id).WrappedJob
		wg.Add(1)
		go func() {
			defer wg.Done()
			wrapped.Run()
		}()
	}

	<-ctx.Done()
	<-c.Stop().Done()
	wg.Wait()
	return nil
}

// Results returns the results of completed runs, oldest first.
func (s *Scheduler) Results() []*CheckResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*CheckResult, len(s.results))
	copy(out, s.results)
	return out
}

func (s *Scheduler) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	res, err := s.checker.Check(ctx)
	if err != nil {
		s.logger.Error("Drift check failed", "error", err)
	}
	if res != nil {
		s.mu.Lock()
		s.results = append(s.results, res)
		s.mu.Unlock()
	}
	if s.onRun != nil {
		s.onRun(res, err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
