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

	"github.com/odyssey-erp/accruals/cmd/odyssey/cli"
	"github.com/odyssey-erp/accruals/internal/accounting"
	"github.com/odyssey-erp/accruals/internal/accrual"
	"github.com/odyssey-erp/accruals/internal/app"
	"github.com/odyssey-erp/accruals/internal/observability"
	"github.com/odyssey-erp/accruals/internal/platform/cache"
	"github.com/odyssey-erp/accruals/internal/platform/db"
	"github.com/odyssey-erp/accruals/internal/reconciliation"
	"github.com/odyssey-erp/accruals/internal/sales"
	"github.com/odyssey-erp/accruals/internal/shared"
	"github.com/odyssey-erp/accruals/jobs"
	"github.com/odyssey-erp/accruals/report"
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

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		jobsCLI := cli.NewJobsCLI(cfg.Redis().Queue())
		code := jobsCLI.Run(ctx, os.Args[2:], os.Stdout, os.Stderr)
		_ = jobsCLI.Close()
		os.Exit(code)
	}

	logger := app.NewLogger(cfg, "api")

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool, cfg.AccrualIdempotencyTTL)
	locker := shared.NewLocker(redisClient, cfg.AccrualLockTTL)

	cutoff, err := cfg.OpeningBalanceCutoff()
	if err != nil {
		logger.Error("opening balance cutoff", slog.Any("error", err))
		os.Exit(1)
	}

	reportMetrics := reconciliation.NewMetrics(metrics.Registerer())
	reportCache := reconciliation.NewCache(redisClient, cfg.ReportCacheTTL, reportMetrics)
	if err := reportCache.ListenForInvalidation(ctx, reconciliation.BumpChannel); err != nil {
		logger.Warn("report cache invalidation listener", slog.Any("error", err))
	}

	accountingService := accounting.NewService(accounting.NewRepository(dbpool), auditLogger)
	salesService := sales.NewService(sales.NewRepository(dbpool), cfg.AccrualCompanyCurrency)

	accrualService := accrual.NewService(accrual.NewRepository(dbpool), accountingService, salesService,
		accrual.Config{RevenueCategory: cfg.AccrualRevenueCategory},
		accrual.Deps{
			Locker:  locker,
			Cache:   reportCache,
			Audit:   auditLogger,
			Metrics: accrual.NewMetrics(metrics.Registerer()),
			Logger:  logger,
		})

	reportService := reconciliation.NewService(reconciliation.NewRepository(dbpool), accountingService, salesService,
		reconciliation.Config{OpeningBalanceCutoff: cutoff, CompanyName: cfg.ReportCompanyName},
		reconciliation.Deps{
			Cache:   reportCache,
			Audit:   auditLogger,
			Metrics: reportMetrics,
			Logger:  logger,
		})

	var (
		renderer        reconciliation.PDFRenderer
		rendererHandler *report.Handler
	)
	if cfg.GotenbergURL != "" {
		pdfClient := report.NewClient(cfg.GotenbergURL)
		renderer = pdfClient
		rendererHandler = report.NewHandler(pdfClient, logger)
	} else {
		logger.Info("GOTENBERG_URL not set, PDF export disabled")
	}

	redisOpts := cfg.Redis().Queue()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		Metrics:           metrics,
		AccrualHandler:    accrual.NewHandler(logger, accrualService, idempotencyStore),
		ReportsHandler:    reconciliation.NewHandler(logger, reportService, renderer),
		AccountingHandler: accounting.NewHandler(logger, accountingService),
		SalesHandler:      sales.NewHandler(logger, salesService),
		RendererHandler:   rendererHandler,
		JobHandler:        jobs.NewHandler(inspector, jobClient, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
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
