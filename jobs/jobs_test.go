package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/accruals/internal/accounting"
	"github.com/odyssey-erp/accruals/internal/accrual"
	jobmetrics "github.com/odyssey-erp/accruals/internal/jobs"
	"github.com/odyssey-erp/accruals/internal/reconciliation"
	"github.com/odyssey-erp/accruals/internal/shared"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func fixedClock(value string) func() time.Time {
	t, _ := time.Parse(time.RFC3339, value)
	return func() time.Time { return t }
}

type syncCall struct {
	companyID int64
	date      time.Time
	autoPost  bool
}

type stubSyncer struct {
	mu    sync.Mutex
	calls []syncCall
	fail  map[int64]error
}

func (s *stubSyncer) Sync(ctx context.Context, companyID int64, date time.Time, autoPost bool) (accrual.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, syncCall{companyID: companyID, date: date, autoPost: autoPost})
	if err := s.fail[companyID]; err != nil {
		return accrual.BatchResult{}, err
	}
	return accrual.BatchResult{Scenario: accrual.ScenarioDefault, Created: []accrual.Record{{ID: companyID}}}, nil
}

func TestAccrualSyncDefaultsToPreviousMonthEnd(t *testing.T) {
	syncer := &stubSyncer{}
	job := NewAccrualSyncJob(syncer, nil, AccrualSyncConfig{Companies: []int64{1, 2}, AutoPost: true}, testLogger, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	job.clock = fixedClock("2024-03-15T08:00:00Z")

	task, err := NewAccrualSyncTask(AccrualSyncPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, syncer.calls, 2)
	for i, call := range syncer.calls {
		assert.Equal(t, int64(i+1), call.companyID)
		assert.Equal(t, "2024-02-29", call.date.Format(dayLayout))
		assert.True(t, call.autoPost)
	}
}

func TestAccrualSyncPayloadOverridesDefaults(t *testing.T) {
	syncer := &stubSyncer{}
	job := NewAccrualSyncJob(syncer, nil, AccrualSyncConfig{Companies: []int64{1}, AutoPost: true}, testLogger, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	off := false
	task, err := NewAccrualSyncTask(AccrualSyncPayload{CompanyIDs: []int64{7}, Date: "2024-01-31", AutoPost: &off})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, syncer.calls, 1)
	assert.Equal(t, syncCall{companyID: 7, date: time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), autoPost: false}, syncer.calls[0])
}

func TestAccrualSyncRejectsBadPayload(t *testing.T) {
	job := NewAccrualSyncJob(&stubSyncer{}, nil, AccrualSyncConfig{}, testLogger, nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskAccrualSync, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	task, _ := NewAccrualSyncTask(AccrualSyncPayload{Date: "31/01/2024"})
	err = job.Handle(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestAccrualSyncSkipsLockedCompanyAndReportsFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, mr.Set(shared.AccrualSyncLockKey(1), "held"))

	boom := errors.New("orders unavailable")
	syncer := &stubSyncer{fail: map[int64]error{3: boom}}
	reg := prometheus.NewRegistry()
	locker := shared.NewLocker(client, time.Minute).WithoutRetry()
	job := NewAccrualSyncJob(syncer, locker, AccrualSyncConfig{Companies: []int64{1, 2, 3}}, testLogger, jobmetrics.NewMetrics(reg))

	task, _ := NewAccrualSyncTask(AccrualSyncPayload{Date: "2024-02-29"})
	err := job.Handle(context.Background(), task)
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, shared.ErrLockNotObtained)

	require.Len(t, syncer.calls, 2)
	assert.Equal(t, int64(2), syncer.calls[0].companyID)
	assert.Equal(t, int64(3), syncer.calls[1].companyID)
	assert.False(t, mr.Exists(shared.AccrualSyncLockKey(2)), "lock released after run")

	expected := `
# HELP odyssey_accrual_job_failures_total Accrual worker runs that returned an error.
# TYPE odyssey_accrual_job_failures_total counter
odyssey_accrual_job_failures_total{job="accrual:sync"} 1
# HELP odyssey_accrual_sync_orders_total Orders handled by the scheduled accrual sync by company and outcome.
# TYPE odyssey_accrual_sync_orders_total counter
odyssey_accrual_sync_orders_total{company="2",outcome="created"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"odyssey_accrual_job_failures_total", "odyssey_accrual_sync_orders_total"))
}

type stubPoster struct {
	asOf   time.Time
	posted int
	err    error
}

func (s *stubPoster) PostDueReversals(ctx context.Context, asOf time.Time) (int, error) {
	s.asOf = asOf
	return s.posted, s.err
}

func TestPostReversalsUsesToday(t *testing.T) {
	poster := &stubPoster{posted: 3}
	reg := prometheus.NewRegistry()
	job := NewPostReversalsJob(poster, testLogger, jobmetrics.NewMetrics(reg))
	job.clock = fixedClock("2024-03-01T02:30:00Z")

	task, err := NewPostReversalsTask(PostReversalsPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), poster.asOf)

	task, _ = NewPostReversalsTask(PostReversalsPayload{AsOf: "2024-02-15"})
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC), poster.asOf)

	expected := `
# HELP odyssey_accrual_reversals_posted_total Draft accrual reversals posted once their date came due.
# TYPE odyssey_accrual_reversals_posted_total counter
odyssey_accrual_reversals_posted_total 6
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "odyssey_accrual_reversals_posted_total"))
}

func TestPostReversalsPropagatesError(t *testing.T) {
	boom := errors.New("ledger down")
	job := NewPostReversalsJob(&stubPoster{err: boom}, testLogger, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, _ := NewPostReversalsTask(PostReversalsPayload{})
	assert.ErrorIs(t, job.Handle(context.Background(), task), boom)
}

type archiveCall struct {
	companyID int64
	month     time.Time
}

type stubArchiver struct {
	calls []archiveCall
}

func (s *stubArchiver) ArchiveMonthly(ctx context.Context, store reconciliation.ArchiveStore, companyID int64, month time.Time) (string, error) {
	s.calls = append(s.calls, archiveCall{companyID: companyID, month: month})
	return store.Put(ctx, reconciliation.ArchiveName(companyID, month), reconciliation.XLSXContentType, []byte("xlsx"))
}

func TestReportArchiveStoresPreviousMonth(t *testing.T) {
	dir := t.TempDir()
	archiver := &stubArchiver{}
	job := NewReportArchiveJob(archiver, reconciliation.NewDirStore(dir), nil, testLogger, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	job.clock = fixedClock("2024-01-02T01:00:00Z")

	task, err := NewReportArchiveTask(ReportArchivePayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, archiver.calls, 1)
	assert.Equal(t, archiveCall{companyID: 1, month: time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)}, archiver.calls[0])
	assert.FileExists(t, dir+"/accrued-revenue/1/2023-12.xlsx")
}

func TestReportArchiveRejectsBadMonth(t *testing.T) {
	job := NewReportArchiveJob(&stubArchiver{}, reconciliation.NewDirStore(t.TempDir()), nil, testLogger, nil)
	task, _ := NewReportArchiveTask(ReportArchivePayload{Month: "2024-13"})
	assert.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
}

type stubVerifier struct {
	from, to time.Time
	issues   map[int64][]accounting.IntegrityIssue
}

func (s *stubVerifier) VerifyIntegrity(ctx context.Context, companyID int64, from, to time.Time) ([]accounting.IntegrityIssue, error) {
	s.from, s.to = from, to
	return s.issues[companyID], nil
}

func TestLedgerIntegrityCountsIssuesByKind(t *testing.T) {
	verifier := &stubVerifier{issues: map[int64][]accounting.IntegrityIssue{
		1: {
			{EntryID: 10, Number: 10, Kind: accounting.IssueUnbalanced, Detail: "debit 100 credit 90"},
			{EntryID: 11, Number: 11, Kind: accounting.IssueUnbalanced, Detail: "debit 5 credit 0"},
			{EntryID: 12, Number: 12, Kind: accounting.IssueReversalNet, Detail: "net 10"},
		},
	}}
	reg := prometheus.NewRegistry()
	job := NewLedgerIntegrityJob(verifier, []int64{1, 2}, testLogger, jobmetrics.NewMetrics(reg))
	job.clock = fixedClock("2024-03-10T00:00:00Z")

	task, err := NewLedgerIntegrityTask(LedgerIntegrityPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), verifier.from)
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), verifier.to)

	expected := `
# HELP odyssey_accrual_ledger_issues_total Accrual journal integrity issues by kind and company.
# TYPE odyssey_accrual_ledger_issues_total counter
odyssey_accrual_ledger_issues_total{company="1",kind="reversal_not_netting"} 1
odyssey_accrual_ledger_issues_total{company="1",kind="unbalanced"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "odyssey_accrual_ledger_issues_total"))
}

func TestLedgerIntegrityRejectsInvertedWindow(t *testing.T) {
	job := NewLedgerIntegrityJob(&stubVerifier{}, nil, testLogger, nil)
	task, _ := NewLedgerIntegrityTask(LedgerIntegrityPayload{From: "2024-03-01", To: "2024-02-01"})
	assert.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
}

func TestBuildTask(t *testing.T) {
	task, err := BuildTask(TaskAccrualSync, []byte(`{"company_ids":[2],"date":"2024-01-31"}`))
	require.NoError(t, err)
	assert.Equal(t, TaskAccrualSync, task.Type())
	assert.JSONEq(t, `{"company_ids":[2],"date":"2024-01-31"}`, string(task.Payload()))

	task, err = BuildTask(TaskLedgerIntegrity, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(task.Payload()))

	_, err = BuildTask("mail:send", nil)
	assert.ErrorIs(t, err, ErrUnknownTask)

	_, err = BuildTask(TaskReportArchive, []byte(`{"months":"2024-01"}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

type stubEnqueuer struct {
	tasks []*asynq.Task
}

func (s *stubEnqueuer) Enqueue(ctx context.Context, task *asynq.Task) (*asynq.TaskInfo, error) {
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Queue: QueueDefault, Type: task.Type()}, nil
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func newJobsRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Route("/api/jobs", h.MountRoutes)
	return r
}

func TestHandlerTriggerEnqueuesTask(t *testing.T) {
	enqueuer := &stubEnqueuer{}
	router := newJobsRouter(NewHandler(nil, enqueuer, testLogger))

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/accrual:post_reversals", strings.NewReader(`{"as_of":"2024-02-01"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"id":"task-1","type":"accrual:post_reversals","queue":"default"}`, rec.Body.String())
	require.Len(t, enqueuer.tasks, 1)

	req = httptest.NewRequest(http.MethodPost, "/api/jobs/mail:send", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerHealth(t *testing.T) {
	router := newJobsRouter(NewHandler(stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 4, Retry: 1}}, nil, testLogger))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queue":"default","pending":4,"active":0,"scheduled":0,"retry":1,"failed":0}`, rec.Body.String())

	router = newJobsRouter(NewHandler(stubInspector{err: errors.New("redis down")}, nil, testLogger))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
