// Package main is the entrypoint for the markwise correction worker. It runs
// the queue consumers, the stale job reaper and the consistency reconciler.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/markwise/internal/config"
	"github.com/kiranshivaraju/markwise/internal/metrics"
	"github.com/kiranshivaraju/markwise/internal/queue"
	"github.com/kiranshivaraju/markwise/internal/queue/driver"
	"github.com/kiranshivaraju/markwise/internal/reaper"
	"github.com/kiranshivaraju/markwise/internal/reconcile"
	"github.com/kiranshivaraju/markwise/internal/retry"
	"github.com/kiranshivaraju/markwise/internal/scheduler"
	"github.com/kiranshivaraju/markwise/internal/scoring"
	"github.com/kiranshivaraju/markwise/internal/store"
	"github.com/kiranshivaraju/markwise/internal/worker"
	"github.com/kiranshivaraju/markwise/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "broker", cfg.Broker.Driver, "engine", cfg.Scoring.Engine, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	broker, err := driver.Open(ctx, cfg.Broker, cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("open broker: %w", err)
	}
	defer broker.Close()
	slog.Info("broker connected", "driver", cfg.Broker.Driver)

	engine, err := scoring.NewEngine(cfg.Scoring)
	if err != nil {
		return fmt.Errorf("create scoring engine: %w", err)
	}
	slog.Info("scoring engine initialized", "engine", engine.Name())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := newApp(cfg, store.NewPostgresStore(pool), broker, engine, reg, slog.Default())
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// app wires the worker-side components around one store and broker.
type app struct {
	cfg       *config.Config
	runner    *worker.Runner
	scheduler *scheduler.Scheduler
	metrics   http.Handler
	logger    *slog.Logger
}

func newApp(cfg *config.Config, st store.Store, broker queue.Broker, engine models.ScoringEngine, reg *prometheus.Registry, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := metrics.New(reg)

	w := worker.NewWorker(st, broker, engine, retry.NewPolicy(cfg.Retry), m, logger, worker.NewConfig(cfg))
	runner := worker.NewRunner(broker, w, worker.RunnerConfig{
		Queues:      cfg.Broker.Queues(),
		Concurrency: cfg.Worker.Concurrency,
		RevokePoll:  cfg.Worker.RevokePollInterval,
		Heartbeat:   cfg.Broker.AckWait / 3,
	}, logger)

	rp := reaper.New(st, m, logger, cfg.Reaper)
	rc := reconcile.New(st, broker, m, logger, cfg.Reconciler)

	sched := scheduler.New(context.Background(), logger)
	if err := sched.Add("reaper", scheduler.Every(cfg.Reaper.Interval), func(ctx context.Context) error {
		_, err := rp.Run(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	if err := sched.Add("reconciler", scheduler.Every(cfg.Reconciler.Interval), func(ctx context.Context) error {
		_, err := rc.Run(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	return &app{
		cfg:       cfg,
		runner:    runner,
		scheduler: sched,
		metrics:   metrics.Handler(reg),
		logger:    logger,
	}, nil
}

// Run blocks until ctx is cancelled or a component fails. In-flight messages
// and sweeps finish before it returns.
func (a *app) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.runner.Run(gctx)
	})

	a.scheduler.Start()
	g.Go(func() error {
		<-gctx.Done()
		a.scheduler.Stop()
		return nil
	})

	if a.cfg.Worker.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics)
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Worker.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("metrics listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("worker stopped gracefully")
	return nil
}
