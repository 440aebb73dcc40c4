package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/accruals/internal/jobs"
	"github.com/odyssey-erp/accruals/internal/reconciliation"
)

// ReportArchiver renders a monthly workbook into a store.
type ReportArchiver interface {
	ArchiveMonthly(ctx context.Context, store reconciliation.ArchiveStore, companyID int64, month time.Time) (string, error)
}

// ReportArchiveJob keeps a copy of each closed month's reconciliation.
type ReportArchiveJob struct {
	Reports   ReportArchiver
	Store     reconciliation.ArchiveStore
	Companies []int64
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewReportArchiveJob wires dependencies for the archive handler.
func NewReportArchiveJob(reports ReportArchiver, store reconciliation.ArchiveStore, companies []int64, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReportArchiveJob {
	return &ReportArchiveJob{
		Reports:   reports,
		Store:     store,
		Companies: companies,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes report archive tasks. The default month is the previous one.
func (j *ReportArchiveJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Reports == nil || j.Store == nil {
		return errors.New("report archive: handler not configured")
	}
	var payload ReportArchivePayload
	if err := decodePayload(t, &payload); err != nil {
		return err
	}
	start := j.now()
	month := startOfMonth(start).AddDate(0, -1, 0)
	if payload.Month != "" {
		parsed, err := time.Parse("2006-01", payload.Month)
		if err != nil {
			return fmt.Errorf("invalid month %q: %w", payload.Month, asynq.SkipRetry)
		}
		month = parsed
	}

	tracker := j.metrics().Track(TaskReportArchive)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("month", month.Format("2006-01")))
	var errs []error
	for _, companyID := range companiesOf(payload.CompanyIDs, j.Companies) {
		location, err := j.Reports.ArchiveMonthly(ctx, j.Store, companyID, month)
		if err != nil {
			logger.Error("archive report", slog.Int64("company_id", companyID), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("company %d: %w", companyID, err))
			continue
		}
		logger.Info("report archived", slog.Int64("company_id", companyID), slog.String("location", location))
	}
	resultErr = errors.Join(errs...)
	logger.Info("completed report archive", slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *ReportArchiveJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskReportArchive))
	}
	return slog.Default().With(slog.String("job", TaskReportArchive))
}

func (j *ReportArchiveJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ReportArchiveJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
