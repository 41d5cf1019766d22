package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/markwise/internal/queue"
	"golang.org/x/sync/errgroup"
)

// Processor handles one message. *Worker implements it.
type Processor interface {
	Process(ctx context.Context, msg queue.Message) (Outcome, error)
}

// RunnerConfig tunes a Runner.
type RunnerConfig struct {
	Queues       []string
	Concurrency  int
	ReceiveWait  time.Duration
	RevokePoll   time.Duration
	ErrorBackoff time.Duration
	// Heartbeat is how often a message being handled is reported in progress.
	Heartbeat time.Duration
}

// Runner pulls messages from the broker and hands them to a Processor with a
// fixed number of concurrent handlers.
type Runner struct {
	consumer  queue.Consumer
	processor Processor
	cfg       RunnerConfig
	logger    *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(c queue.Consumer, p Processor, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.ReceiveWait <= 0 {
		cfg.ReceiveWait = 2 * time.Second
	}
	if cfg.RevokePoll <= 0 {
		cfg.RevokePoll = 5 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	return &Runner{
		consumer:  c,
		processor: p,
		cfg:       cfg,
		logger:    logger.With("component", "runner"),
	}
}

// Run consumes until ctx is cancelled. In-flight messages finish first.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.cfg.Queues) == 0 {
		return fmt.Errorf("runner: no queues configured")
	}
	r.logger.Info("runner started", "queues", r.cfg.Queues, "concurrency", r.cfg.Concurrency)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Concurrency; i++ {
		slot := i
		g.Go(func() error {
			r.loop(ctx, slot)
			return nil
		})
	}
	err := g.Wait()
	r.logger.Info("runner stopped")
	return err
}

func (r *Runner) loop(ctx context.Context, slot int) {
	log := r.logger.With("slot", slot)
	for ctx.Err() == nil {
		d, err := r.consumer.Receive(ctx, r.cfg.Queues, r.cfg.ReceiveWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("receive failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.ErrorBackoff):
			}
			continue
		}
		if d == nil {
			continue
		}
		r.Handle(ctx, d)
	}
}

// Handle processes one delivery and always acknowledges it. Failures are
// recorded on the job and in the task state, never redelivered by the broker.
func (r *Runner) Handle(ctx context.Context, d *queue.Delivery) {
	msg := d.Message
	log := r.logger.With("job_id", msg.JobID, "task_id", msg.TaskID, "queue", msg.Queue)
	// Bookkeeping after processing must survive shutdown.
	bg := context.WithoutCancel(ctx)

	defer func() {
		if err := d.Ack(bg); err != nil {
			log.Error("ack failed", "error", err)
		}
	}()

	rev, err := r.consumer.Revoked(ctx, msg.TaskID)
	if err != nil {
		log.Warn("revocation lookup failed", "error", err)
	}
	if rev.Revoked {
		log.Info("task revoked before start, dropping message", "hard", rev.Hard)
		r.setState(bg, msg.TaskID, queue.TaskRevoked, log)
		return
	}
	r.setState(ctx, msg.TaskID, queue.TaskStarted, log)

	runCtx, cancel := context.WithCancel(ctx)
	var hardRevoked atomic.Bool
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		r.watchRevocation(runCtx, msg.TaskID, func() {
			hardRevoked.Store(true)
			cancel()
		})
	}()
	// Finalize outlives runCtx, so the heartbeat stops only once process returns.
	beatCtx, stopBeat := context.WithCancel(bg)
	beatDone := make(chan struct{})
	go func() {
		defer close(beatDone)
		r.heartbeat(beatCtx, d, log)
	}()

	outcome, err := r.process(runCtx, msg, log)
	cancel()
	stopBeat()
	<-watchDone
	<-beatDone

	if hardRevoked.Load() {
		log.Warn("task hard revoked during execution", "outcome", outcome)
		return
	}
	if err != nil {
		log.Debug("processing returned error", "outcome", outcome, "error", err)
	}
	r.setState(bg, msg.TaskID, taskState(outcome), log)
}

func (r *Runner) process(ctx context.Context, msg queue.Message, log *slog.Logger) (outcome Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("panic while processing message", "panic", p)
			outcome, err = OutcomeFailed, fmt.Errorf("panic: %v", p)
		}
	}()
	return r.processor.Process(ctx, msg)
}

// heartbeat reports d in progress every Heartbeat until ctx is done.
func (r *Runner) heartbeat(ctx context.Context, d *queue.Delivery, log *slog.Logger) {
	ticker := time.NewTicker(r.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.InProgress(ctx); err != nil {
				log.Warn("progress heartbeat failed", "error", err)
			}
		}
	}
}

// watchRevocation polls for a hard revoke and calls onHard once if one arrives.
func (r *Runner) watchRevocation(ctx context.Context, taskID string, onHard func()) {
	ticker := time.NewTicker(r.cfg.RevokePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rev, err := r.consumer.Revoked(ctx, taskID)
			if err != nil {
				continue
			}
			if rev.Revoked && rev.Hard {
				onHard()
				return
			}
		}
	}
}

func (r *Runner) setState(ctx context.Context, taskID string, state queue.TaskState, log *slog.Logger) {
	if err := r.consumer.SetTaskState(ctx, taskID, state); err != nil {
		log.Warn("recording task state failed", "state", state, "error", err)
	}
}

func taskState(o Outcome) queue.TaskState {
	switch o {
	case OutcomeCompleted, OutcomeSkipped:
		return queue.TaskSuccess
	case OutcomeRetrying:
		return queue.TaskRetry
	default:
		return queue.TaskFailure
	}
}
