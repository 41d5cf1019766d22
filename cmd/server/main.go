// Package main is the entrypoint for the markwise API server.
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

	"github.com/kiranshivaraju/markwise/internal/api"
	"github.com/kiranshivaraju/markwise/internal/api/handler"
	mw "github.com/kiranshivaraju/markwise/internal/api/middleware"
	"github.com/kiranshivaraju/markwise/internal/cache"
	"github.com/kiranshivaraju/markwise/internal/config"
	"github.com/kiranshivaraju/markwise/internal/dispatch"
	"github.com/kiranshivaraju/markwise/internal/metrics"
	"github.com/kiranshivaraju/markwise/internal/queue/driver"
	"github.com/kiranshivaraju/markwise/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "broker", cfg.Broker.Driver, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Open broker
	broker, err := driver.Open(ctx, cfg.Broker, cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("open broker: %w", err)
	}
	defer broker.Close()
	slog.Info("broker connected", "driver", cfg.Broker.Driver)

	// 6. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 7. Build router with dependencies
	pgStore := store.NewPostgresStore(pool)
	dispatcher := dispatch.NewDispatcher(pgStore, broker, redisCache, m, slog.Default(),
		dispatch.NewConfig(cfg.Broker, cfg.Batch))

	deps := api.Dependencies{
		Logger:    slog.Default(),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RequestsPerMinute),
		Metrics:   m,

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{
			"database": pgStore,
			"cache":    redisCache,
			"broker":   broker,
		}),
		SubmitHandler:      handler.NewSubmitHandler(dispatcher),
		SubmitBatchHandler: handler.NewSubmitBatchHandler(dispatcher, cfg.Batch.MaxItems),
		StatusHandler:      handler.NewStatusHandler(dispatcher),
		MetricsHandler:     metrics.Handler(reg),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
