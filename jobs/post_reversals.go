package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/accruals/internal/jobs"
)

// ReversalPoster posts the draft reversals dated on or before asOf.
type ReversalPoster interface {
	PostDueReversals(ctx context.Context, asOf time.Time) (int, error)
}

// PostReversalsJob posts reversals once their date arrives.
type PostReversalsJob struct {
	Accruals ReversalPoster
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewPostReversalsJob wires dependencies for the reversal handler.
func NewPostReversalsJob(accruals ReversalPoster, logger *slog.Logger, metrics *jobmetrics.Metrics) *PostReversalsJob {
	return &PostReversalsJob{
		Accruals: accruals,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes reversal posting tasks.
func (j *PostReversalsJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Accruals == nil {
		return errors.New("post reversals: handler not configured")
	}
	var payload PostReversalsPayload
	if err := decodePayload(t, &payload); err != nil {
		return err
	}
	start := j.now()
	asOf, err := parseDay(payload.AsOf, today(start))
	if err != nil {
		return err
	}

	tracker := j.metrics().Track(TaskAccrualPostReversals)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("as_of", asOf.Format(dayLayout)))
	posted, err := j.Accruals.PostDueReversals(ctx, asOf)
	j.metrics().AddReversalsPosted(posted)
	if err != nil {
		resultErr = err
		logger.Error("post due reversals", slog.Int("posted", posted), slog.Any("error", err))
		return resultErr
	}
	logger.Info("posted due reversals", slog.Int("posted", posted), slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *PostReversalsJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAccrualPostReversals))
	}
	return slog.Default().With(slog.String("job", TaskAccrualPostReversals))
}

func (j *PostReversalsJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *PostReversalsJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
