package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/bookshelf/internal/app"
	jobmetrics "github.com/odyssey-erp/bookshelf/internal/jobs"
	"github.com/odyssey-erp/bookshelf/internal/rbac"
	"github.com/odyssey-erp/bookshelf/jobs"
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

	if cfg.StoreDriver == app.StoreDriverMemory {
		logger.Error("worker needs a shared store; STORE_DRIVER=memory is per-process")
		os.Exit(1)
	}

	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("open stores", slog.Any("error", err))
		os.Exit(1)
	}
	defer stores.Close()
	if stores.PermissionCache == nil {
		logger.Error("worker needs redis for the permission cache and queue", slog.String("addr", cfg.RedisAddr))
		os.Exit(1)
	}

	rbacService := rbac.NewService(stores.RBAC, stores.PermissionCache, logger, nil)
	warmJob := jobs.NewPermissionsWarmJob(rbacService, logger, jobmetrics.NewMetrics(nil))

	warmTask, err := jobs.NewPermissionsWarmTask("scheduled")
	if err != nil {
		logger.Error("build warm task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRBACPermissionsWarm, Handler: warmJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.WarmCron, Task: warmTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
