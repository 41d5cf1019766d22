// Package scheduler runs the periodic sweeps on cron schedules. A sweep that
// is still running when its next tick fires is skipped, never overlapped.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one periodic unit of work.
type Task func(ctx context.Context) error

// Scheduler wraps a cron runner whose tasks share one cancellable context.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a Scheduler. Tasks receive a context derived from ctx that is
// cancelled by Stop.
func New(ctx context.Context, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}

	ctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every returns the schedule spec for a fixed interval.
func Every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

// Add registers task under name on spec, a five-field cron expression or a
// descriptor such as "@hourly" or "@every 5m".
func (s *Scheduler) Add(name, spec string, task Task) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parsing schedule %q for %s: %w", spec, name, err)
	}
	s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.run(name, task)
	}))
	s.logger.Info("task scheduled", "task", name, "schedule", spec)
	return nil
}

// RunNow runs task once on the caller's goroutine, logging like a scheduled run.
func (s *Scheduler) RunNow(name string, task Task) {
	s.run(name, task)
}

func (s *Scheduler) run(name string, task Task) {
	if s.ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := task(s.ctx); err != nil {
		s.logger.Error("scheduled task failed", "task", name, "duration", time.Since(start), "error", err)
		return
	}
	s.logger.Debug("scheduled task finished", "task", name, "duration", time.Since(start))
}

// Start begins firing schedules in the background.
func (s *Scheduler) Start() {
	s.startOnce.Do(s.cron.Start)
}

// Stop cancels running tasks and waits for them to return. Safe to call more
// than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		done := s.cron.Stop()
		s.cancel()
		<-done.Done()
		s.logger.Info("scheduler stopped")
	})
}

// cronLogger adapts slog to cron.Logger. Cron's chatty info lines go to debug.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
