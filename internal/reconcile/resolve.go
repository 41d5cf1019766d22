package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/markwise/internal/queue"
	"github.com/kiranshivaraju/markwise/internal/store"
	"github.com/kiranshivaraju/markwise/pkg/models"
)

// resolve moves job to the state implied by its owner's liveness:
//
//	active            -> processing
//	succeeded         -> completed
//	failed or revoked -> failed, with last_error set if empty
//	unknown, no owner -> pending, owner cleared
//
// It reports whether the job must be enqueued again.
func resolve(job *models.Job, live queue.Liveness, now time.Time) bool {
	switch live {
	case queue.OwnerActive:
		job.Status = models.JobStatusProcessing
		job.LastError = nil
		return false

	case queue.OwnerSucceeded:
		job.Status = models.JobStatusCompleted
		job.OwnerTaskID = nil
		job.LastError = nil
		if job.CompletedAt == nil {
			job.CompletedAt = &now
		}

	case queue.OwnerFailed:
		if job.LastError == nil {
			msg := "task ended without finalizing the job"
			if job.OwnerTaskID != nil {
				msg = fmt.Sprintf("task %s ended without finalizing the job", *job.OwnerTaskID)
			}
			job.LastError = &msg
		}
		job.Status = models.JobStatusFailed
		job.OwnerTaskID = nil
		job.CompletedAt = &now

	default:
		job.Status = models.JobStatusPending
		job.OwnerTaskID = nil
		job.LastError = nil
		job.CompletedAt = nil
		job.UpdatedAt = now
		return true
	}
	job.UpdatedAt = now
	return false
}

// change describes a committed repair for logging and follow-up enqueues.
type change struct {
	job     *models.Job
	from    models.JobStatus
	content models.JobStatus
	live    queue.Liveness
	requeue bool
}

// repairDivergence makes a job and its content agree again.
func (r *Reconciler) repairDivergence(ctx context.Context, id uuid.UUID) (bool, error) {
	var c *change
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		c = nil
		job, err := tx.GetJobForUpdate(ctx, id)
		if err != nil {
			return err
		}
		content, err := tx.GetContentForUpdate(ctx, job.ContentID)
		if err != nil {
			return fmt.Errorf("locking content %d: %w", job.ContentID, err)
		}
		if content.Status == job.Status {
			return nil
		}

		next := &change{from: job.Status, content: content.Status, live: queue.OwnerUnknown}

		// A finalized job has no owner; its row is the record of truth.
		if job.OwnerTaskID == nil && (job.Status == models.JobStatusCompleted || job.Status == models.JobStatusFailed) {
			if err := tx.SetContentStatus(ctx, job.ContentID, job.Status); err != nil {
				return err
			}
			next.job = job
			c = next
			return nil
		}

		if job.OwnerTaskID != nil {
			live, err := queue.OwnerStatus(ctx, r.queue, job.OwnerTaskID)
			if err != nil {
				return fmt.Errorf("owner status: %w", err)
			}
			next.live = live
		}
		next.requeue = resolve(job, next.live, r.now())
		if err := store.SaveJob(ctx, tx, job); err != nil {
			return err
		}
		next.job = job
		c = next
		return nil
	})
	if err != nil || c == nil {
		return false, err
	}

	r.logger.Info("divergent job repaired",
		"job_id", c.job.ID,
		"job_status", c.from,
		"content_status", c.content,
		"owner_status", c.live,
		"resolved", c.job.Status,
	)
	return true, r.requeue(ctx, c)
}

// repairZombie asks the owner to stop, then resolves the job from what the
// broker reports. A job without an owner goes straight back to pending.
func (r *Reconciler) repairZombie(ctx context.Context, id uuid.UUID, cutoff time.Time) (bool, error) {
	var c *change
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		c = nil
		job, err := tx.GetJobForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if job.Status != models.JobStatusProcessing || !job.UpdatedAt.Before(cutoff) {
			return nil
		}

		next := &change{from: job.Status, content: job.Status, live: queue.OwnerUnknown}
		if owner := job.OwnerTaskID; owner != nil {
			if err := r.queue.RequestCancel(ctx, *owner, true); err != nil {
				r.logger.Warn("cancel request failed", "job_id", job.ID, "owner", *owner, "error", err)
			}
			live, err := queue.OwnerStatus(ctx, r.queue, owner)
			if err != nil {
				return fmt.Errorf("owner status: %w", err)
			}
			next.live = live
		}

		next.requeue = resolve(job, next.live, r.now())
		if job.Status == models.JobStatusProcessing {
			// The owner is still alive; leave the row for the next pass.
			return nil
		}
		if err := store.SaveJob(ctx, tx, job); err != nil {
			return err
		}
		next.job = job
		c = next
		return nil
	})
	if err != nil || c == nil {
		return false, err
	}

	r.logger.Warn("zombie job resolved",
		"job_id", c.job.ID,
		"owner_status", c.live,
		"resolved", c.job.Status,
	)
	return true, r.requeue(ctx, c)
}

// requeueOrphan publishes a fresh message for a job that has waited in pending
// too long. The message goes out first; a duplicate is skipped by the claim.
func (r *Reconciler) requeueOrphan(ctx context.Context, id uuid.UUID, cutoff time.Time) (bool, error) {
	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if job.Status != models.JobStatusPending || !job.UpdatedAt.Before(cutoff) {
		return false, nil
	}

	msg := queue.NewMessage(job.ID, job.Queue)
	if err := r.queue.Enqueue(ctx, msg, 0); err != nil {
		r.metrics.EnqueueFailed()
		return false, fmt.Errorf("re-enqueue: %w", err)
	}

	err = r.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetJobForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != models.JobStatusPending {
			return nil
		}
		current.UpdatedAt = r.now()
		return store.SaveJob(ctx, tx, current)
	})
	if err != nil {
		return false, err
	}

	r.logger.Info("orphaned job re-enqueued", "job_id", job.ID, "task_id", msg.TaskID, "queue", msg.Queue)
	return true, nil
}

// requeue publishes a message for a job the repair moved back to pending.
// On failure the orphan pass picks the job up later.
func (r *Reconciler) requeue(ctx context.Context, c *change) error {
	if !c.requeue {
		return nil
	}
	msg := queue.NewMessage(c.job.ID, c.job.Queue)
	if err := r.queue.Enqueue(ctx, msg, 0); err != nil {
		r.metrics.EnqueueFailed()
		return fmt.Errorf("re-enqueue job %s: %w", c.job.ID, err)
	}
	return nil
}
