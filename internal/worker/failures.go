package worker

import (
	"context"
	"log/slog"

	"github.com/kiranshivaraju/markwise/internal/queue"
	"github.com/kiranshivaraju/markwise/internal/store"
	"github.com/kiranshivaraju/markwise/pkg/models"
)

// failUnclaimed records cause on a job whose claim could not be written. Jobs
// that are completed or owned by another task are left alone.
func (w *Worker) failUnclaimed(ctx context.Context, msg queue.Message, cause error, log *slog.Logger) {
	w.markFailed(ctx, msg, cause, log, func(j *models.Job) bool {
		switch j.Status {
		case models.JobStatusPending, models.JobStatusFailed:
			return true
		case models.JobStatusProcessing:
			return j.OwnerTaskID == nil || j.OwnedBy(msg.TaskID)
		}
		return false
	})
}

// failOwned records cause on a job this task still owns.
func (w *Worker) failOwned(ctx context.Context, msg queue.Message, cause error, log *slog.Logger) {
	w.markFailed(ctx, msg, cause, log, func(j *models.Job) bool {
		return j.Status == models.JobStatusProcessing && j.OwnedBy(msg.TaskID)
	})
}

// failReleased records cause on a job released for a retry that never got
// enqueued, so a later submit can revive it.
func (w *Worker) failReleased(ctx context.Context, msg queue.Message, cause error, log *slog.Logger) {
	w.markFailed(ctx, msg, cause, log, func(j *models.Job) bool {
		return j.Status == models.JobStatusPending && j.OwnerTaskID == nil
	})
}

// markFailed is a single best-effort transaction; it never retries.
func (w *Worker) markFailed(ctx context.Context, msg queue.Message, cause error, log *slog.Logger, guard func(*models.Job) bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	changed := false
	err := w.store.WithTx(ctx, func(tx store.Tx) error {
		changed = false
		job, err := tx.GetJobForUpdate(ctx, msg.JobID)
		if err != nil {
			return err
		}
		if !guard(job) {
			return nil
		}

		now := w.now()
		message := cause.Error()
		job.Status = models.JobStatusFailed
		job.OwnerTaskID = nil
		job.LastError = &message
		job.CompletedAt = &now
		job.UpdatedAt = now
		changed = true
		return store.SaveJob(ctx, tx, job)
	})
	if err != nil {
		log.Error("could not record job failure", "cause", cause, "error", err)
		return
	}
	if changed {
		log.Warn("job failed", "error", cause)
	}
}
