package accrual

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/accruals/internal/shared"
)

type memIdempotency struct {
	keys map[string]string
}

func (m *memIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = module
	return nil
}

func (m *memIdempotency) Delete(ctx context.Context, key, module string) error {
	delete(m.keys, key)
	return nil
}

func newTestRouter(t *testing.T, h *harness) (chi.Router, *memIdempotency) {
	t.Helper()
	idem := &memIdempotency{keys: map[string]string{}}
	handler := NewHandler(slog.New(slog.NewTextHandler(testWriter{t}, nil)), h.svc, idem)
	r := chi.NewRouter()
	r.Route("/api/accruals", handler.MountRoutes)
	return r, idem
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

func do(r http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCreateAndFetch(t *testing.T) {
	h := newHarness(fixtureOrder())
	r, _ := newTestRouter(t, h)

	rec := do(r, http.MethodPost, "/api/accruals/", `{"company_id":1,"order_id":7,"date":"2024-03-31"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, StateDraft, created.State)

	rec = do(r, http.MethodGet, "/api/accruals/1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"order_name":"SO001"`)

	rec = do(r, http.MethodGet, "/api/accruals/2", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerCreateValidatesPayload(t *testing.T) {
	h := newHarness(fixtureOrder())
	r, _ := newTestRouter(t, h)

	rec := do(r, http.MethodPost, "/api/accruals/", `{"company_id":1,"order_id":7,"date":"31/03/2024"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(r, http.MethodPost, "/api/accruals/", `{"company_id":1,"order_id":7,"date":"2024-03-31","scenario":"bogus"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(r, http.MethodPost, "/api/accruals/", `{"company_id":1,"order_id":7,"date":"2024-03-31","reversal_date":"2024-03-31"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "reversal date")
}

func TestHandlerCreateHonoursIdempotencyKey(t *testing.T) {
	ineligible := fixtureOrder()
	ineligible.CEStatus = "draft"
	h := newHarness(fixtureOrder())
	r, idem := newTestRouter(t, h)
	header := map[string]string{"Idempotency-Key": "abc"}
	body := `{"company_id":1,"order_id":7,"date":"2024-03-31"}`

	rec := do(r, http.MethodPost, "/api/accruals/", body, header)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, shared.IdempotencyAccrualCreate, idem.keys["abc"])

	rec = do(r, http.MethodPost, "/api/accruals/", body, header)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, h.repo.records, 1)

	h.orders.orders[7] = ineligible
	rec = do(r, http.MethodPost, "/api/accruals/", body, map[string]string{"Idempotency-Key": "def"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NotContains(t, idem.keys, "def")
}

func TestHandlerBatchRendersScenarioReasons(t *testing.T) {
	h := newHarness(fixtureOrder())
	r, _ := newTestRouter(t, h)
	_, err := h.svc.CreateForOrder(context.Background(), CreateInput{CompanyID: 1, OrderID: 7, Date: marchEnd})
	require.NoError(t, err)

	rec := do(r, http.MethodPost, "/api/accruals/batch", `{"company_id":1,"scenario":"override","order_ids":[7],"date":"2024-03-31"}`, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	var body struct {
		Extra map[string]any `json:"extra"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "override", body.Extra["scenario"])
	reasons, ok := body.Extra["reasons"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	assert.Equal(t, []any{"SO001"}, reasons[ReasonHasExisting])
}

func TestHandlerLifecycle(t *testing.T) {
	h := newHarness(fixtureOrder())
	r, _ := newTestRouter(t, h)
	record, err := h.svc.CreateForOrder(context.Background(), CreateInput{CompanyID: 1, OrderID: 7, Date: marchEnd})
	require.NoError(t, err)

	rec := do(r, http.MethodPut, "/api/accruals/1/lines", `{"lines":[{"id":1,"amount":"900"}]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(r, http.MethodPut, "/api/accruals/1/lines", `{"lines":[{"id":1,"amount":"500"}]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(r, http.MethodPost, "/api/accruals/1/post", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, StateAccrued, h.repo.records[record.ID].State)

	rec = do(r, http.MethodPost, "/api/accruals/1/post", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(r, http.MethodDelete, "/api/accruals/1", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(r, http.MethodPost, "/api/accruals/1/reverse", `{"date":"2024-04-03"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, StateReversed, h.repo.records[record.ID].State)

	rec = do(r, http.MethodPost, "/api/accruals/1/cancel", `{"reason":"duplicate"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(r, http.MethodDelete, "/api/accruals/1", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandlerListFiltersAndPaginates(t *testing.T) {
	first, second := twoOrders()
	h := newHarness(first, second)
	r, _ := newTestRouter(t, h)
	for _, id := range []int64{7, 8} {
		_, err := h.svc.CreateForOrder(context.Background(), CreateInput{CompanyID: 1, OrderID: id, Date: marchEnd})
		require.NoError(t, err)
	}

	rec := do(r, http.MethodGet, "/api/accruals/?company_id=1&order_id=8&state=draft", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Records    []Record          `json:"records"`
		Pagination shared.Pagination `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Records, 1)
	assert.Equal(t, int64(8), body.Records[0].OrderID)
	assert.Equal(t, 1, body.Pagination.Total)

	rec = do(r, http.MethodGet, "/api/accruals/?state=unknown", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerPreview(t *testing.T) {
	h := newHarness(fixtureOrder())
	r, _ := newTestRouter(t, h)

	rec := do(r, http.MethodPost, "/api/accruals/preview", `{"company_id":1,"order_ids":[7],"date":"2024-03-31"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"has_existing":false`)
	assert.Contains(t, rec.Body.String(), `"proposed_amount":"700"`)
}

func TestHandlerRejectsOtherCompany(t *testing.T) {
	h := newHarness(fixtureOrder())
	r, _ := newTestRouter(t, h)

	rec := do(r, http.MethodPost, "/api/accruals/", `{"company_id":2,"order_id":7,"date":"2024-03-31"}`, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	assert.Empty(t, h.repo.records)

	record, err := h.svc.CreateForOrder(context.Background(), CreateInput{CompanyID: 1, OrderID: 7, Date: marchEnd})
	require.NoError(t, err)

	for _, tc := range []struct {
		method, path, body string
	}{
		{http.MethodGet, "/api/accruals/1?company_id=2", ""},
		{http.MethodPut, "/api/accruals/1/lines?company_id=2", `{"lines":[{"id":1,"amount":"500"}]}`},
		{http.MethodPost, "/api/accruals/1/post?company_id=2", ""},
		{http.MethodPost, "/api/accruals/1/cancel?company_id=2", ""},
		{http.MethodDelete, "/api/accruals/1?company_id=2", ""},
	} {
		rec := do(r, tc.method, tc.path, tc.body, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, "%s %s", tc.method, tc.path)
	}
	assert.Equal(t, StateDraft, h.repo.records[record.ID].State)
	assert.True(t, h.repo.records[record.ID].Total.Equal(dec("700")))

	rec = do(r, http.MethodGet, "/api/accruals/1?company_id=1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
