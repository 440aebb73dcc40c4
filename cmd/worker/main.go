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

	"github.com/odyssey-erp/accruals/internal/accounting"
	"github.com/odyssey-erp/accruals/internal/accrual"
	"github.com/odyssey-erp/accruals/internal/app"
	jobmetrics "github.com/odyssey-erp/accruals/internal/jobs"
	"github.com/odyssey-erp/accruals/internal/observability"
	"github.com/odyssey-erp/accruals/internal/platform/cache"
	"github.com/odyssey-erp/accruals/internal/platform/db"
	"github.com/odyssey-erp/accruals/internal/reconciliation"
	"github.com/odyssey-erp/accruals/internal/sales"
	"github.com/odyssey-erp/accruals/internal/shared"
	"github.com/odyssey-erp/accruals/jobs"
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

	logger := app.NewLogger(cfg, "worker")

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	cutoff, err := cfg.OpeningBalanceCutoff()
	if err != nil {
		logger.Error("opening balance cutoff", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	reportMetrics := reconciliation.NewMetrics(metrics.Registerer())
	reportCache := reconciliation.NewCache(redisClient, cfg.ReportCacheTTL, reportMetrics)
	auditLogger := shared.NewAuditLogger(pool)
	locker := shared.NewLocker(redisClient, cfg.AccrualLockTTL)

	accountingService := accounting.NewService(accounting.NewRepository(pool), auditLogger)
	salesService := sales.NewService(sales.NewRepository(pool), cfg.AccrualCompanyCurrency)
	accrualService := accrual.NewService(accrual.NewRepository(pool), accountingService, salesService,
		accrual.Config{RevenueCategory: cfg.AccrualRevenueCategory},
		accrual.Deps{
			Locker:  locker,
			Cache:   reportCache,
			Audit:   auditLogger,
			Metrics: accrual.NewMetrics(metrics.Registerer()),
			Logger:  logger,
		})
	reportService := reconciliation.NewService(reconciliation.NewRepository(pool), accountingService, salesService,
		reconciliation.Config{OpeningBalanceCutoff: cutoff, CompanyName: cfg.ReportCompanyName},
		reconciliation.Deps{Cache: reportCache, Audit: auditLogger, Metrics: reportMetrics, Logger: logger})

	var archiveStore reconciliation.ArchiveStore
	if cfg.ReportArchiveBucket != "" {
		gcs, err := reconciliation.NewGCSStore(ctx, cfg.ReportArchiveBucket, cfg.ReportArchivePrefix, cfg.GCSCredentialsJSON)
		if err != nil {
			logger.Error("init archive bucket", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = gcs.Close() }()
		archiveStore = gcs
	} else {
		archiveStore = reconciliation.NewDirStore(cfg.ReportArchiveDir)
	}

	syncJob := jobs.NewAccrualSyncJob(accrualService, locker.WithoutRetry(),
		jobs.AccrualSyncConfig{Companies: cfg.AccrualCompanyIDs, AutoPost: cfg.AccrualAutoPost}, logger, jobMetrics)
	reversalJob := jobs.NewPostReversalsJob(accrualService, logger, jobMetrics)
	archiveJob := jobs.NewReportArchiveJob(reportService, archiveStore, cfg.AccrualCompanyIDs, logger, jobMetrics)
	integrityJob := jobs.NewLedgerIntegrityJob(accountingService, cfg.AccrualCompanyIDs, logger, jobMetrics)

	cron, err := cronRegistrations(cfg)
	if err != nil {
		logger.Error("build cron tasks", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.Redis().Queue(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAccrualSync, Handler: syncJob.Handle},
			{Type: jobs.TaskAccrualPostReversals, Handler: reversalJob.Handle},
			{Type: jobs.TaskReportArchive, Handler: archiveJob.Handle},
			{Type: jobs.TaskLedgerIntegrity, Handler: integrityJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func cronRegistrations(cfg *app.Config) ([]jobs.CronRegistration, error) {
	syncTask, err := jobs.NewAccrualSyncTask(jobs.AccrualSyncPayload{})
	if err != nil {
		return nil, err
	}
	reversalTask, err := jobs.NewPostReversalsTask(jobs.PostReversalsPayload{})
	if err != nil {
		return nil, err
	}
	archiveTask, err := jobs.NewReportArchiveTask(jobs.ReportArchivePayload{})
	if err != nil {
		return nil, err
	}
	integrityTask, err := jobs.NewLedgerIntegrityTask(jobs.LedgerIntegrityPayload{})
	if err != nil {
		return nil, err
	}
	retry := []asynq.Option{asynq.MaxRetry(3)}
	return []jobs.CronRegistration{
		{Spec: cfg.AccrualSyncCron, Task: syncTask, Options: retry},
		{Spec: cfg.AccrualReversalCron, Task: reversalTask, Options: retry},
		{Spec: cfg.ReportArchiveCron, Task: archiveTask, Options: retry},
		{Spec: cfg.LedgerIntegrityCron, Task: integrityTask, Options: retry},
	}, nil
}
