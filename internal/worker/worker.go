// Package worker runs correction jobs: it claims a job, scores its content and
// finalizes the job, scheduling retries as delayed queue messages.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/markwise/internal/config"
	"github.com/kiranshivaraju/markwise/internal/metrics"
	"github.com/kiranshivaraju/markwise/internal/queue"
	"github.com/kiranshivaraju/markwise/internal/retry"
	"github.com/kiranshivaraju/markwise/internal/store"
	"github.com/kiranshivaraju/markwise/pkg/models"
)

// Outcome is the result of processing one message.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// finalizeTimeout bounds writes that must land even after the run context is gone.
const finalizeTimeout = config.FinalizeTimeout

// Queue is the part of the broker the worker talks to.
type Queue interface {
	queue.Publisher
	queue.StatusReader
}

// Config tunes a Worker.
type Config struct {
	ScoringTimeout        time.Duration
	PersistenceRetries    int
	PersistenceRetryDelay time.Duration
}

// NewConfig builds a Config from the service configuration.
func NewConfig(cfg *config.Config) Config {
	return Config{
		ScoringTimeout:        cfg.Scoring.Timeout,
		PersistenceRetries:    cfg.Worker.PersistenceRetries,
		PersistenceRetryDelay: cfg.Worker.PersistenceRetryDelay,
	}
}

// Worker processes correction messages. It is safe for concurrent use.
type Worker struct {
	store   store.Store
	queue   Queue
	engine  models.ScoringEngine
	policy  retry.Policy
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time

	inflight sync.Map // task id -> struct{}
}

// NewWorker creates a Worker. m may be nil.
func NewWorker(st store.Store, q Queue, engine models.ScoringEngine, policy retry.Policy, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScoringTimeout <= 0 {
		cfg.ScoringTimeout = 120 * time.Second
	}
	if cfg.PersistenceRetries < 0 {
		cfg.PersistenceRetries = 0
	}
	return &Worker{
		store:   st,
		queue:   q,
		engine:  engine,
		policy:  policy,
		metrics: m,
		logger:  logger.With("component", "worker"),
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// claimed is a job this worker owns, with the content it scores.
type claimed struct {
	job   *models.Job
	title string
	body  string
}

// Process runs one message through claim, execute and finalize. The returned
// error is informational: every failure has already been recorded on the job.
func (w *Worker) Process(ctx context.Context, msg queue.Message) (Outcome, error) {
	log := w.logger.With("job_id", msg.JobID, "task_id", msg.TaskID)

	// A redelivered copy of a message this worker is still handling must not
	// start a second attempt under the same owner.
	if _, busy := w.inflight.LoadOrStore(msg.TaskID, struct{}{}); busy {
		log.Warn("task already in flight, dropping duplicate delivery")
		w.metrics.Outcome(string(OutcomeSkipped))
		return OutcomeSkipped, nil
	}
	defer w.inflight.Delete(msg.TaskID)

	c, err := w.claim(ctx, msg, log)
	if err != nil {
		if ctx.Err() != nil {
			w.metrics.Outcome(string(OutcomeSkipped))
			return OutcomeSkipped, err
		}
		w.failUnclaimed(ctx, msg, err, log)
		w.metrics.Outcome(string(OutcomeFailed))
		return OutcomeFailed, err
	}
	if c == nil {
		w.metrics.Outcome(string(OutcomeSkipped))
		return OutcomeSkipped, nil
	}

	log = log.With("attempt", c.job.AttemptCount)
	log.Info("job claimed", "content_id", c.job.ContentID)

	result, scoreErr := w.execute(ctx, c)

	outcome, err := w.finalize(ctx, msg, result, scoreErr, log)
	w.metrics.Outcome(string(outcome))
	return outcome, err
}

// claim takes ownership of the job in one locked read-modify-write. It returns
// nil when another task legitimately owns the job or there is nothing to do.
func (w *Worker) claim(ctx context.Context, msg queue.Message, log *slog.Logger) (*claimed, error) {
	var c *claimed
	err := w.withTx(ctx, "claim", log, func(tx store.Tx) error {
		c = nil

		job, err := tx.GetJobForUpdate(ctx, msg.JobID)
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("message references unknown job")
			return nil
		}
		if err != nil {
			return fmt.Errorf("locking job: %w", err)
		}

		switch job.Status {
		case models.JobStatusPending:
		case models.JobStatusFailed:
			// Only a message published after the failure may retry the job.
			if job.CompletedAt != nil && msg.EnqueuedAt.Before(*job.CompletedAt) {
				log.Info("message predates job failure, not retrying", "enqueued_at", msg.EnqueuedAt, "failed_at", *job.CompletedAt)
				return nil
			}
		case models.JobStatusProcessing:
			if job.OwnerTaskID != nil && !job.OwnedBy(msg.TaskID) {
				live, err := queue.OwnerStatus(ctx, w.queue, job.OwnerTaskID)
				if err != nil {
					log.Warn("owner status lookup failed, leaving claim in place", "owner", *job.OwnerTaskID, "error", err)
					return nil
				}
				if live == queue.OwnerActive {
					log.Debug("job owned by active task", "owner", *job.OwnerTaskID)
					return nil
				}
				log.Info("taking over stale claim", "owner", *job.OwnerTaskID, "owner_status", live)
			}
		default:
			log.Debug("nothing to claim", "status", job.Status)
			return nil
		}

		content, err := tx.GetContentForUpdate(ctx, job.ContentID)
		if err != nil {
			return fmt.Errorf("locking content %d: %w", job.ContentID, err)
		}

		now := w.now()
		owner := msg.TaskID
		job.Status = models.JobStatusProcessing
		job.OwnerTaskID = &owner
		job.StartedAt = &now
		job.CompletedAt = nil
		job.LastError = nil
		job.AttemptCount++
		job.UpdatedAt = now
		if err := store.SaveJob(ctx, tx, job); err != nil {
			return fmt.Errorf("saving claim: %w", err)
		}

		c = &claimed{job: job, title: content.Title, body: content.Body}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// execute calls the engine outside any transaction, bounded by the scoring timeout.
func (w *Worker) execute(ctx context.Context, c *claimed) (models.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ScoringTimeout)
	defer cancel()

	start := time.Now()
	result, err := w.engine.Score(ctx, models.ScoreRequest{
		ContentID: c.job.ContentID,
		Title:     c.title,
		Body:      c.body,
	})
	w.metrics.ObserveScoring(w.engine.Name(), err, time.Since(start))
	if err != nil {
		return models.Result{}, err
	}

	if result.Engine == "" {
		result.Engine = w.engine.Name()
	}
	if result.ScoredAt.IsZero() {
		result.ScoredAt = w.now()
	}
	return result, nil
}

// finalize records the attempt's outcome, but only while msg's task still owns
// the job. It runs on a context detached from ctx so a cancelled run can still
// release its claim.
func (w *Worker) finalize(ctx context.Context, msg queue.Message, result models.Result, scoreErr error, log *slog.Logger) (Outcome, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	var (
		outcome Outcome
		next    queue.Message
		delay   time.Duration
		jerr    *models.JobError
	)
	err := w.withTx(ctx, "finalize", log, func(tx store.Tx) error {
		outcome, jerr = OutcomeSkipped, nil

		job, err := tx.GetJobForUpdate(ctx, msg.JobID)
		if err != nil {
			return fmt.Errorf("locking job: %w", err)
		}
		if job.Status != models.JobStatusProcessing || !job.OwnedBy(msg.TaskID) {
			return nil
		}

		now := w.now()
		job.OwnerTaskID = nil
		job.UpdatedAt = now

		if scoreErr == nil {
			job.Status = models.JobStatusCompleted
			job.Result = &result
			job.LastError = nil
			job.CompletedAt = &now
			outcome = OutcomeCompleted
			return store.SaveJob(ctx, tx, job)
		}

		decision := w.policy.Decide(job.AttemptCount, scoreErr)
		jerr = decision.Error
		if decision.Retry {
			job.Status = models.JobStatusPending
			job.LastError = nil
			lane := job.Queue
			if lane == "" {
				lane = msg.Queue
			}
			next, delay = queue.NewMessage(job.ID, lane), decision.Delay
			outcome = OutcomeRetrying
			return store.SaveJob(ctx, tx, job)
		}

		message := decision.Error.Message
		job.Status = models.JobStatusFailed
		job.LastError = &message
		job.CompletedAt = &now
		outcome = OutcomeFailed
		return store.SaveJob(ctx, tx, job)
	})
	if err != nil {
		w.failOwned(ctx, msg, err, log)
		return OutcomeFailed, err
	}

	switch outcome {
	case OutcomeSkipped:
		log.Info("claim lost before finalize, result discarded")
	case OutcomeCompleted:
		log.Info("job completed", "score", result.Score, "engine", result.Engine)
	case OutcomeFailed:
		log.Warn("job failed", "kind", jerr.Kind, "error", jerr.Message)
	case OutcomeRetrying:
		if err := w.queue.Enqueue(ctx, next, delay); err != nil {
			w.metrics.EnqueueFailed()
			w.failReleased(ctx, msg, fmt.Errorf("enqueue failed: %w", err), log)
			return OutcomeFailed, fmt.Errorf("scheduling retry: %w", err)
		}
		w.metrics.RetryScheduled(delay)
		log.Info("retry scheduled", "delay", delay, "next_task_id", next.TaskID, "kind", jerr.Kind, "error", jerr.Message)
	}
	return outcome, nil
}

// withTx runs fn in a transaction, retrying failed transactions a fixed number
// of times. Exhaustion is reported as retry.ErrPersistence.
func (w *Worker) withTx(ctx context.Context, op string, log *slog.Logger, fn func(tx store.Tx) error) error {
	var err error
	for attempt := 0; attempt <= w.cfg.PersistenceRetries; attempt++ {
		if attempt > 0 {
			w.metrics.PersistenceRetry()
			log.Warn("retrying transaction", "op", op, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.PersistenceRetryDelay):
			}
		}
		if err = w.store.WithTx(ctx, fn); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return fmt.Errorf("%s: %w: %w", op, retry.ErrPersistence, err)
}
