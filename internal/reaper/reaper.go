// Package reaper fails jobs that have been processing for longer than any
// attempt may run. It works from timestamps alone and never asks the broker.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/markwise/internal/config"
	"github.com/kiranshivaraju/markwise/internal/metrics"
	"github.com/kiranshivaraju/markwise/internal/store"
	"github.com/kiranshivaraju/markwise/pkg/models"
)

// StaleError is recorded on every reaped job.
const StaleError = "execution exceeded time limit"

// Report summarizes one pass.
type Report struct {
	Examined int
	Reaped   int
	Errors   int
}

// Reaper sweeps stale processing jobs.
type Reaper struct {
	store   store.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     config.ReaperConfig
	now     func() time.Time
}

// New creates a Reaper. m may be nil.
func New(st store.Store, m *metrics.Metrics, logger *slog.Logger, cfg config.ReaperConfig) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Reaper{
		store:   st,
		metrics: m,
		logger:  logger.With("component", "reaper"),
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run performs one pass. Per-job failures are logged and counted; only a
// failed listing aborts the pass.
func (r *Reaper) Run(ctx context.Context) (Report, error) {
	var report Report
	defer func() {
		r.metrics.Sweep("reaper", report.Examined, report.Reaped, report.Errors)
	}()

	cutoff := r.now().Add(-r.cfg.StaleAfter)
	for {
		ids, err := r.store.ListStaleProcessing(ctx, cutoff, r.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("listing stale jobs: %w", err)
		}

		batchErrors := 0
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Examined++
			reaped, err := r.reap(ctx, id, cutoff)
			if err != nil {
				report.Errors++
				batchErrors++
				r.logger.Error("failed to reap job", "job_id", id, "error", err)
				continue
			}
			if reaped {
				report.Reaped++
			}
		}

		// A short batch means the backlog is drained. A batch with errors would
		// list the same jobs again.
		if len(ids) < r.cfg.BatchSize || batchErrors > 0 {
			break
		}
	}

	if report.Examined > 0 {
		r.logger.Info("reaper pass finished",
			"examined", report.Examined,
			"reaped", report.Reaped,
			"errors", report.Errors,
		)
	}
	return report, nil
}

// reap fails one job if it is still stale once locked.
func (r *Reaper) reap(ctx context.Context, id uuid.UUID, cutoff time.Time) (bool, error) {
	var reaped *models.Job
	var owner *string
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		reaped = nil
		job, err := tx.GetJobForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if job.Status != models.JobStatusProcessing || job.StartedAt == nil || !job.StartedAt.Before(cutoff) {
			return nil
		}

		now := r.now()
		msg := StaleError
		owner = job.OwnerTaskID
		job.Status = models.JobStatusFailed
		job.OwnerTaskID = nil
		job.LastError = &msg
		job.CompletedAt = &now
		job.UpdatedAt = now
		if err := store.SaveJob(ctx, tx, job); err != nil {
			return err
		}
		reaped = job
		return nil
	})
	if err != nil || reaped == nil {
		return false, err
	}

	r.logger.Warn("stale job failed",
		"job_id", reaped.ID,
		"content_id", reaped.ContentID,
		"owner", derefOr(owner, ""),
		"started_at", reaped.StartedAt,
		"attempt", reaped.AttemptCount,
	)
	return true, nil
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
