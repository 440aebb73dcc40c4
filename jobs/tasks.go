package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/accruals/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAccrualSync creates system accruals for eligible sale orders.
	TaskAccrualSync = "accrual:sync"
	// TaskAccrualPostReversals posts reversals that have come due.
	TaskAccrualPostReversals = "accrual:post_reversals"
	// TaskReportArchive stores the previous month's reconciliation workbook.
	TaskReportArchive = "report:archive"
	// TaskLedgerIntegrity verifies journal balances and reversal pairs.
	TaskLedgerIntegrity = "ledger:integrity"
)

const dayLayout = "2006-01-02"

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// AccrualSyncPayload scopes a sync run. Empty fields fall back to the job
// defaults: configured companies, the last day of the previous month and the
// configured auto-post flag.
type AccrualSyncPayload struct {
	CompanyIDs []int64 `json:"company_ids,omitempty"`
	Date       string  `json:"date,omitempty"`
	AutoPost   *bool   `json:"auto_post,omitempty"`
}

// PostReversalsPayload carries the cut-off date, today when empty.
type PostReversalsPayload struct {
	AsOf string `json:"as_of,omitempty"`
}

// ReportArchivePayload selects the archived month (YYYY-MM).
type ReportArchivePayload struct {
	CompanyIDs []int64 `json:"company_ids,omitempty"`
	Month      string  `json:"month,omitempty"`
}

// LedgerIntegrityPayload bounds the verified window.
type LedgerIntegrityPayload struct {
	CompanyIDs []int64 `json:"company_ids,omitempty"`
	From       string  `json:"from,omitempty"`
	To         string  `json:"to,omitempty"`
}

// NewAccrualSyncTask constructs an Asynq task for the accrual sync.
func NewAccrualSyncTask(payload AccrualSyncPayload) (*asynq.Task, error) {
	return newTask(TaskAccrualSync, payload)
}

// NewPostReversalsTask constructs an Asynq task posting due reversals.
func NewPostReversalsTask(payload PostReversalsPayload) (*asynq.Task, error) {
	return newTask(TaskAccrualPostReversals, payload)
}

// NewReportArchiveTask constructs an Asynq task archiving a monthly workbook.
func NewReportArchiveTask(payload ReportArchivePayload) (*asynq.Task, error) {
	return newTask(TaskReportArchive, payload)
}

// NewLedgerIntegrityTask constructs an Asynq task for the ledger check.
func NewLedgerIntegrityTask(payload LedgerIntegrityPayload) (*asynq.Task, error) {
	return newTask(TaskLedgerIntegrity, payload)
}

func newTask(taskType string, payload any) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(QueueDefault)), nil
}

func decodePayload(t *asynq.Task, target any) error {
	if len(t.Payload()) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Payload(), target); err != nil {
		return fmt.Errorf("%s: decode payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}

func parseDay(value string, def time.Time) (time.Time, error) {
	if value == "" {
		return def, nil
	}
	day, err := time.Parse(dayLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", value, asynq.SkipRetry)
	}
	return day, nil
}

func companiesOf(requested, defaults []int64) []int64 {
	if len(requested) > 0 {
		return requested
	}
	if len(defaults) > 0 {
		return defaults
	}
	return []int64{1}
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func today(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
