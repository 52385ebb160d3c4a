package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/bookshelf/internal/app"
	"github.com/odyssey-erp/bookshelf/internal/audit"
	"github.com/odyssey-erp/bookshelf/internal/catalog"
	"github.com/odyssey-erp/bookshelf/internal/observability"
	"github.com/odyssey-erp/bookshelf/internal/rbac"
	"github.com/odyssey-erp/bookshelf/internal/view"
	"github.com/odyssey-erp/bookshelf/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("open stores", slog.Any("error", err))
		os.Exit(1)
	}
	defer stores.Close()

	metrics := observability.NewMetrics()
	rbacMetrics, err := rbac.NewMetrics(metrics.Registerer())
	if err != nil {
		logger.Error("register rbac metrics", slog.Any("error", err))
		os.Exit(1)
	}

	rbacService := rbac.NewService(stores.RBAC, stores.PermissionCache, logger, rbacMetrics)
	if cfg.StoreDriver == app.StoreDriverMemory {
		// The memory store starts empty; give it the demo accounts.
		if _, err := rbac.Provision(ctx, rbacService, rbac.DefaultMatrix(), rbac.TestPrincipals()); err != nil {
			logger.Error("provision memory store", slog.Any("error", err))
			os.Exit(1)
		}
	}

	templates, err := view.NewEngine()
	if err != nil {
		logger.Error("load templates", slog.Any("error", err))
		os.Exit(1)
	}

	rbacMiddleware := rbac.Middleware{Service: rbacService, Logger: logger, Header: cfg.PrincipalHeader}
	catalogService := catalog.NewService(stores.Catalog, rbacService, logger)
	auditService := audit.NewService(stores.Audit)

	var jobHandler *jobs.Handler
	if stores.Redis != nil {
		redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
		jobClient := jobs.NewClient(redisOpts)
		defer func() {
			if err := jobClient.Close(); err != nil {
				logger.Warn("job client close", slog.Any("error", err))
			}
		}()
		inspector := asynq.NewInspector(redisOpts)
		defer func() {
			_ = inspector.Close()
		}()
		if _, err := jobClient.EnqueuePermissionsWarm(ctx, "startup"); err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
			logger.Warn("enqueue startup warm", slog.Any("error", err))
		}
		guard := rbacMiddleware.RequireAny(rbac.Permission{Resource: rbac.ResourceGroup, Action: rbac.ActionEdit})
		jobHandler = jobs.NewHandler(inspector, jobClient, guard, logger)
	} else {
		jobHandler = jobs.NewHandler(nil, nil, nil, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		Metrics:        metrics,
		RBACMiddleware: rbacMiddleware,
		RBACHandler:    rbac.NewHandler(logger, rbacService, templates, rbacMiddleware).WithAudit(auditService),
		CatalogHandler: catalog.NewHandler(logger, catalogService),
		AuditHandler:   audit.NewHandler(logger, auditService),
		JobHandler:     jobHandler,
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: cfg.AppReadTimeout,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
