// Package dispatch creates or reuses the job for a content item and hands it
// to the queue. It also serves the job status read model.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/markwise/internal/cache"
	"github.com/kiranshivaraju/markwise/internal/config"
	"github.com/kiranshivaraju/markwise/internal/metrics"
	"github.com/kiranshivaraju/markwise/internal/queue"
	"github.com/kiranshivaraju/markwise/internal/store"
	"github.com/kiranshivaraju/markwise/pkg/models"
)

// Priority selects the queue lane of a submission.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityUrgent
)

// ParsePriority maps the API's priority string onto a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "", "normal":
		return PriorityNormal, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return PriorityNormal, invalid(CodeInvalidInput, "priority must be normal or urgent, got %q", s)
}

type submitOptions struct {
	priority Priority
}

// SubmitOption customizes a single Submit call.
type SubmitOption func(*submitOptions)

// WithPriority routes the submission to the lane for p.
func WithPriority(p Priority) SubmitOption {
	return func(o *submitOptions) { o.priority = p }
}

// Config holds the dispatcher's queue lanes and limits.
type Config struct {
	DefaultQueue  string
	UrgentQueue   string
	MaxBatchItems int
	ViewTTL       time.Duration
}

// NewConfig builds a Config from the service configuration.
func NewConfig(broker config.BrokerConfig, batch config.BatchConfig) Config {
	return Config{
		DefaultQueue:  broker.DefaultQueue,
		UrgentQueue:   broker.UrgentQueue,
		MaxBatchItems: batch.MaxItems,
		ViewTTL:       10 * time.Minute,
	}
}

// Dispatcher implements submit, submitBatch and getStatus.
type Dispatcher struct {
	store   store.Store
	queue   queue.Publisher
	cache   cache.Cache
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time
}

// NewDispatcher creates a Dispatcher. ca and m may be nil.
func NewDispatcher(st store.Store, pub queue.Publisher, ca cache.Cache, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBatchItems <= 0 {
		cfg.MaxBatchItems = 500
	}
	if cfg.ViewTTL <= 0 {
		cfg.ViewTTL = 10 * time.Minute
	}
	return &Dispatcher{
		store:   st,
		queue:   pub,
		cache:   ca,
		metrics: m,
		logger:  logger.With("component", "dispatcher"),
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) queueFor(p Priority) string {
	if p == PriorityUrgent && d.cfg.UrgentQueue != "" {
		return d.cfg.UrgentQueue
	}
	return d.cfg.DefaultQueue
}

// Submit returns the job for contentID, creating it or reviving a failed one.
// A pending, processing or completed job is returned unchanged and nothing is
// enqueued. Otherwise exactly one message is published after commit.
func (d *Dispatcher) Submit(ctx context.Context, contentID int64, opts ...SubmitOption) (uuid.UUID, error) {
	if contentID <= 0 {
		d.metrics.Submission("rejected")
		return uuid.Nil, invalid(CodeInvalidContentID, "content id must be positive, got %d", contentID)
	}

	o := submitOptions{priority: PriorityNormal}
	for _, opt := range opts {
		opt(&o)
	}
	lane := d.queueFor(o.priority)

	var (
		jobID   uuid.UUID
		outcome string
	)
	err := d.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetContentForUpdate(ctx, contentID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return invalid(CodeContentNotFound, "content %d not found", contentID)
			}
			return fmt.Errorf("locking content %d: %w", contentID, err)
		}

		existing, err := tx.GetJobByContentForUpdate(ctx, contentID)
		switch {
		case err == nil:
			jobID = existing.ID
			if existing.Status != models.JobStatusFailed {
				outcome = "existing"
				return nil
			}
			d.revive(existing, lane)
			if err := store.SaveJob(ctx, tx, existing); err != nil {
				return fmt.Errorf("reviving job %s: %w", existing.ID, err)
			}
			outcome = "reused"
			return nil

		case errors.Is(err, store.ErrNotFound):
			return d.insert(ctx, tx, contentID, lane, &jobID, &outcome)

		default:
			return fmt.Errorf("looking up job for content %d: %w", contentID, err)
		}
	})
	if err != nil {
		if IsValidation(err) {
			d.metrics.Submission("rejected")
		}
		return uuid.Nil, err
	}

	d.metrics.Submission(outcome)
	if outcome == "existing" {
		d.logger.Debug("submission joined existing job", "content_id", contentID, "job_id", jobID)
		return jobID, nil
	}

	msg := queue.NewMessage(jobID, lane)
	if err := d.queue.Enqueue(ctx, msg, 0); err != nil {
		d.metrics.EnqueueFailed()
		d.compensate(ctx, jobID, err)
		return uuid.Nil, fmt.Errorf("enqueueing job %s: %w", jobID, err)
	}

	d.logger.Info("job dispatched",
		"content_id", contentID,
		"job_id", jobID,
		"task_id", msg.TaskID,
		"queue", lane,
		"result", outcome,
	)
	return jobID, nil
}

// insert creates a pending job inside a savepoint. A unique violation means a
// concurrent submit won; its job is returned and nothing is enqueued.
func (d *Dispatcher) insert(ctx context.Context, tx store.Tx, contentID int64, lane string, jobID *uuid.UUID, outcome *string) error {
	now := d.now()
	job := &models.Job{
		ID:        uuid.New(),
		ContentID: contentID,
		Status:    models.JobStatusPending,
		Queue:     lane,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := tx.Savepoint(ctx, func(sp store.Tx) error {
		if err := sp.CreateJob(ctx, job); err != nil {
			return err
		}
		return sp.SetContentStatus(ctx, contentID, models.JobStatusPending)
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		winner, err := tx.GetJobByContentForUpdate(ctx, contentID)
		if err != nil {
			return fmt.Errorf("re-reading job for content %d: %w", contentID, err)
		}
		*jobID, *outcome = winner.ID, "existing"
		return nil
	}
	if err != nil {
		return fmt.Errorf("creating job for content %d: %w", contentID, err)
	}
	*jobID, *outcome = job.ID, "created"
	return nil
}

func (d *Dispatcher) revive(job *models.Job, lane string) {
	job.Status = models.JobStatusPending
	job.OwnerTaskID = nil
	job.LastError = nil
	job.Result = nil
	job.AttemptCount = 0
	job.Queue = lane
	job.StartedAt = nil
	job.CompletedAt = nil
	job.UpdatedAt = d.now()
}

// compensate fails a job whose message never reached the broker so a later
// submit can revive it.
func (d *Dispatcher) compensate(ctx context.Context, jobID uuid.UUID, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := d.store.WithTx(ctx, func(tx store.Tx) error {
		job, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != models.JobStatusPending {
			return nil
		}
		now := d.now()
		msg := "enqueue failed: " + cause.Error()
		job.Status = models.JobStatusFailed
		job.LastError = &msg
		job.CompletedAt = &now
		job.UpdatedAt = now
		return store.SaveJob(ctx, tx, job)
	})
	if err != nil {
		d.logger.Error("failed to compensate undelivered job", "job_id", jobID, "cause", cause, "error", err)
		return
	}
	d.logger.Warn("job failed after enqueue error", "job_id", jobID, "error", cause)
}

// GetStatus returns the view of jobID. Completed views are served from the
// cache when one is configured.
func (d *Dispatcher) GetStatus(ctx context.Context, jobID uuid.UUID) (models.JobView, error) {
	if d.cache != nil {
		view, found, err := d.cache.GetJobView(ctx, jobID)
		if err != nil {
			d.logger.Warn("job view cache read failed", "job_id", jobID, "error", err)
		} else if found {
			return view, nil
		}
	}

	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return models.JobView{}, err
	}
	content, err := d.store.GetContent(ctx, job.ContentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return models.JobView{}, fmt.Errorf("getting content %d: %w", job.ContentID, err)
	}

	view := models.NewJobView(job, content)
	if d.cache != nil && view.Status == models.JobStatusCompleted && view.ContentStatus == models.JobStatusCompleted {
		if err := d.cache.SetJobView(ctx, view, d.cfg.ViewTTL); err != nil {
			d.logger.Warn("job view cache write failed", "job_id", jobID, "error", err)
		}
	}
	return view, nil
}
