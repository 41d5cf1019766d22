// Package reconcile repairs jobs whose state disagrees with their content or
// with the broker. Each pass handles one job per transaction and never lets a
// single job's failure stop the scan.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/markwise/internal/config"
	"github.com/kiranshivaraju/markwise/internal/metrics"
	"github.com/kiranshivaraju/markwise/internal/queue"
	"github.com/kiranshivaraju/markwise/internal/store"
)

// Pass names, also used as metric labels.
const (
	PassDivergence = "divergence"
	PassZombie     = "zombie"
	PassOrphan     = "orphan"
)

// Queue is the part of the broker the reconciler talks to.
type Queue interface {
	queue.Publisher
	queue.StatusReader
	queue.Canceller
}

// Report summarizes one pass.
type Report struct {
	Pass     string
	Examined int
	Repaired int
	Errors   int
}

// Reconciler runs the divergence, zombie and orphan passes.
type Reconciler struct {
	store   store.Store
	queue   Queue
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     config.ReconcilerConfig
	now     func() time.Time
}

// New creates a Reconciler. m may be nil.
func New(st store.Store, q Queue, m *metrics.Metrics, logger *slog.Logger, cfg config.ReconcilerConfig) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ZombieAfter <= 0 {
		cfg.ZombieAfter = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Reconciler{
		store:   st,
		queue:   q,
		metrics: m,
		logger:  logger.With("component", "reconciler"),
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run performs every pass in order and returns their reports. A pass whose
// listing fails is reported as an error; the remaining passes still run.
func (r *Reconciler) Run(ctx context.Context) ([]Report, error) {
	passes := []func(context.Context) (Report, error){r.Divergence, r.Zombies, r.Orphans}

	reports := make([]Report, 0, len(passes))
	var firstErr error
	for _, pass := range passes {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		report, err := pass(ctx)
		reports = append(reports, report)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return reports, firstErr
}

// Divergence repairs jobs whose content status differs from the job status.
func (r *Reconciler) Divergence(ctx context.Context) (Report, error) {
	return r.sweep(ctx, PassDivergence,
		func(ctx context.Context) ([]uuid.UUID, error) {
			return r.store.ListDivergent(ctx, r.cfg.BatchSize)
		},
		r.repairDivergence,
	)
}

// Zombies resolves jobs stuck in processing past the zombie threshold.
func (r *Reconciler) Zombies(ctx context.Context) (Report, error) {
	cutoff := r.now().Add(-r.cfg.ZombieAfter)
	return r.sweep(ctx, PassZombie,
		func(ctx context.Context) ([]uuid.UUID, error) {
			return r.store.ListIdleProcessing(ctx, cutoff, r.cfg.BatchSize)
		},
		func(ctx context.Context, id uuid.UUID) (bool, error) {
			return r.repairZombie(ctx, id, cutoff)
		},
	)
}

// Orphans re-enqueues jobs left pending past the zombie threshold, such as
// those whose message was lost in a broker crash.
func (r *Reconciler) Orphans(ctx context.Context) (Report, error) {
	cutoff := r.now().Add(-r.cfg.ZombieAfter)
	return r.sweep(ctx, PassOrphan,
		func(ctx context.Context) ([]uuid.UUID, error) {
			return r.store.ListIdlePending(ctx, cutoff, r.cfg.BatchSize)
		},
		func(ctx context.Context, id uuid.UUID) (bool, error) {
			return r.requeueOrphan(ctx, id, cutoff)
		},
	)
}

// sweep lists one batch and repairs each job independently.
func (r *Reconciler) sweep(
	ctx context.Context,
	pass string,
	list func(context.Context) ([]uuid.UUID, error),
	repair func(context.Context, uuid.UUID) (bool, error),
) (Report, error) {
	report := Report{Pass: pass}
	defer func() {
		r.metrics.Sweep(pass, report.Examined, report.Repaired, report.Errors)
	}()

	ids, err := list(ctx)
	if err != nil {
		r.logger.Error("listing jobs failed", "pass", pass, "error", err)
		return report, fmt.Errorf("%s pass: listing jobs: %w", pass, err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Examined++
		repaired, err := r.repairSafely(ctx, id, repair)
		if err != nil {
			report.Errors++
			r.logger.Error("failed to reconcile job", "pass", pass, "job_id", id, "error", err)
			continue
		}
		if repaired {
			report.Repaired++
		}
	}

	if report.Examined > 0 {
		r.logger.Info("reconcile pass finished",
			"pass", pass,
			"examined", report.Examined,
			"repaired", report.Repaired,
			"errors", report.Errors,
		)
	}
	return report, nil
}

func (r *Reconciler) repairSafely(ctx context.Context, id uuid.UUID, repair func(context.Context, uuid.UUID) (bool, error)) (repaired bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			repaired, err = false, fmt.Errorf("panic: %v", p)
		}
	}()
	return repair(ctx, id)
}
