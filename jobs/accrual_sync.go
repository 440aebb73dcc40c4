package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/accruals/internal/accrual"
	jobmetrics "github.com/odyssey-erp/accruals/internal/jobs"
	"github.com/odyssey-erp/accruals/internal/shared"
)

// AccrualSyncer creates system accruals for a company's eligible orders.
type AccrualSyncer interface {
	Sync(ctx context.Context, companyID int64, date time.Time, autoPost bool) (accrual.BatchResult, error)
}

// JobLocker runs fn while holding a cluster-wide lock.
type JobLocker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// AccrualSyncConfig holds the defaults applied when a payload leaves them out.
type AccrualSyncConfig struct {
	Companies []int64
	AutoPost  bool
}

// AccrualSyncJob accrues the revenue of every eligible order once per
// company. A sync already running for a company is skipped, not retried.
type AccrualSyncJob struct {
	Accruals AccrualSyncer
	Locker   JobLocker
	Config   AccrualSyncConfig
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewAccrualSyncJob wires dependencies for the sync handler.
func NewAccrualSyncJob(accruals AccrualSyncer, locker JobLocker, cfg AccrualSyncConfig, logger *slog.Logger, metrics *jobmetrics.Metrics) *AccrualSyncJob {
	return &AccrualSyncJob{
		Accruals: accruals,
		Locker:   locker,
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes accrual sync tasks.
func (j *AccrualSyncJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Accruals == nil {
		return errors.New("accrual sync: handler not configured")
	}
	var payload AccrualSyncPayload
	if err := decodePayload(t, &payload); err != nil {
		return err
	}
	now := j.now()
	date, err := parseDay(payload.Date, startOfMonth(now).AddDate(0, 0, -1))
	if err != nil {
		return err
	}
	autoPost := j.Config.AutoPost
	if payload.AutoPost != nil {
		autoPost = *payload.AutoPost
	}

	tracker := j.metrics().Track(TaskAccrualSync)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("date", date.Format(dayLayout)), slog.Bool("auto_post", autoPost))
	logger.Info("starting accrual sync")

	var errs []error
	for _, companyID := range companiesOf(payload.CompanyIDs, j.Config.Companies) {
		result, err := j.syncCompany(ctx, companyID, date, autoPost)
		if errors.Is(err, shared.ErrLockNotObtained) {
			logger.Info("accrual sync already running", slog.Int64("company_id", companyID))
			continue
		}
		if err != nil {
			logger.Error("accrual sync company", slog.Int64("company_id", companyID), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("company %d: %w", companyID, err))
			continue
		}
		j.metrics().AddSyncOutcome(companyID, len(result.Created), len(result.Skipped), len(result.Failed))
		logger.Info("accrual sync company done",
			slog.Int64("company_id", companyID),
			slog.Int("created", len(result.Created)),
			slog.Int("skipped", len(result.Skipped)),
			slog.Int("failed", len(result.Failed)))
	}
	resultErr = errors.Join(errs...)
	logger.Info("completed accrual sync", slog.Duration("duration", time.Since(now)), slog.Bool("failed", resultErr != nil))
	return resultErr
}

func (j *AccrualSyncJob) syncCompany(ctx context.Context, companyID int64, date time.Time, autoPost bool) (accrual.BatchResult, error) {
	var result accrual.BatchResult
	run := func(ctx context.Context) error {
		var err error
		result, err = j.Accruals.Sync(ctx, companyID, date, autoPost)
		return err
	}
	if j.Locker == nil {
		return result, run(ctx)
	}
	return result, j.Locker.WithLock(ctx, shared.AccrualSyncLockKey(companyID), run)
}

func (j *AccrualSyncJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAccrualSync))
	}
	return slog.Default().With(slog.String("job", TaskAccrualSync))
}

func (j *AccrualSyncJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *AccrualSyncJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
