package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/accruals/internal/accounting"
	jobmetrics "github.com/odyssey-erp/accruals/internal/jobs"
)

// IntegrityVerifier inspects journal entries within a window.
type IntegrityVerifier interface {
	VerifyIntegrity(ctx context.Context, companyID int64, from, to time.Time) ([]accounting.IntegrityIssue, error)
}

// LedgerIntegrityJob reports unbalanced entries and broken reversal pairs.
// Issues are logged and counted; they do not fail the run.
type LedgerIntegrityJob struct {
	Ledger    IntegrityVerifier
	Companies []int64
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewLedgerIntegrityJob wires dependencies for the integrity handler.
func NewLedgerIntegrityJob(ledger IntegrityVerifier, companies []int64, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{
		Ledger:    ledger,
		Companies: companies,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes ledger integrity tasks. The default window starts on the
// first day of the previous month and ends today.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Ledger == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	var payload LedgerIntegrityPayload
	if err := decodePayload(t, &payload); err != nil {
		return err
	}
	start := j.now()
	from, err := parseDay(payload.From, startOfMonth(start).AddDate(0, -1, 0))
	if err != nil {
		return err
	}
	to, err := parseDay(payload.To, today(start))
	if err != nil {
		return err
	}
	if to.Before(from) {
		return fmt.Errorf("ledger integrity: window ends before it starts: %w", asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskLedgerIntegrity)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("from", from.Format(dayLayout)), slog.String("to", to.Format(dayLayout)))
	var errs []error
	total := 0
	for _, companyID := range companiesOf(payload.CompanyIDs, j.Companies) {
		issues, err := j.Ledger.VerifyIntegrity(ctx, companyID, from, to)
		if err != nil {
			logger.Error("verify ledger", slog.Int64("company_id", companyID), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("company %d: %w", companyID, err))
			continue
		}
		byKind := make(map[string]int)
		for _, issue := range issues {
			byKind[issue.Kind]++
			logger.Warn("ledger integrity issue",
				slog.Int64("company_id", companyID),
				slog.Int64("entry_id", issue.EntryID),
				slog.Int64("number", issue.Number),
				slog.String("kind", issue.Kind),
				slog.String("detail", issue.Detail))
		}
		for kind, count := range byKind {
			j.metrics().AddIntegrityIssues(kind, companyID, count)
		}
		total += len(issues)
	}
	resultErr = errors.Join(errs...)
	logger.Info("completed ledger integrity check", slog.Int("issues", total), slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *LedgerIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskLedgerIntegrity))
}

func (j *LedgerIntegrityJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LedgerIntegrityJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
