package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/garageflow/garageflow/internal/app"
	"github.com/garageflow/garageflow/internal/auth"
	"github.com/garageflow/garageflow/internal/authz"
	"github.com/garageflow/garageflow/internal/observability"
	"github.com/garageflow/garageflow/internal/platform/db"
	"github.com/garageflow/garageflow/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	metrics := observability.NewMetrics()
	authzStore := authz.NewStore(pool)
	authRepo := auth.NewRepository(pool)

	sweepTask, err := jobs.NewSweepOverridesTask(cfg.OverrideRetention, time.Now().UTC())
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	purgeTask, err := jobs.NewPurgeSessionsTask(time.Now().UTC())
	if err != nil {
		logger.Error("build purge task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSweepOverrides, Handler: jobs.HandleSweepOverrides(authzStore, logger, metrics)},
			{Type: jobs.TaskPurgeSessions, Handler: jobs.HandlePurgeSessions(authRepo, logger, metrics)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 3 * * *", Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 3 * * *", Task: purgeTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
