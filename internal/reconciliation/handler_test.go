package reconciliation

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/odyssey-erp/accruals/internal/accounting"
	"github.com/odyssey-erp/accruals/internal/platform/httpx"
)

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

func newTestRouter(t *testing.T, h *harness, renderer PDFRenderer) chi.Router {
	t.Helper()
	handler := NewHandler(slog.New(slog.NewTextHandler(testWriter{t}, nil)), h.svc, renderer)
	r := chi.NewRouter()
	r.Route("/api/reports", handler.MountRoutes)
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandlerMonthlyJSONAndRange(t *testing.T) {
	h := newHarness(t, Config{}, false)
	h.ledger.lines = []accounting.LedgerLine{
		accruedLine("2024-01-31", accounting.EntryTypeAccruedSystem, "Acme", "CE-1", "100"),
	}
	r := newTestRouter(t, h, nil)

	rec := do(r, http.MethodGet, "/api/reports/monthly?company_id=1&month=2024-02", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Len(t, report.Rows, 1)
	assert.True(t, report.Totals.Ending.Equal(dec("100")))

	rec = do(r, http.MethodGet, "/api/reports/monthly?from=2024-01&to=2024-03", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Reports []Report `json:"reports"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Len(t, payload.Reports, 3)

	rec = do(r, http.MethodGet, "/api/reports/monthly?from=2024-03&to=2024-01", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(r, http.MethodGet, "/api/reports/monthly?month=Feb", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerMonthlyErrors(t *testing.T) {
	h := newHarness(t, Config{}, false)
	r := newTestRouter(t, h, nil)

	rec := do(r, http.MethodGet, "/api/reports/monthly/pdf?month=2024-02", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.ledger.noAccount = true
	rec = do(r, http.MethodGet, "/api/reports/monthly?month=2024-02", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerExports(t *testing.T) {
	h := newHarness(t, Config{CompanyName: "Odyssey"}, false)
	h.ledger.lines = []accounting.LedgerLine{
		accruedLine("2024-02-10", accounting.EntryTypeAccruedSystem, "Acme", "CE-1", "100"),
	}
	renderer := &fakeRenderer{}
	r := newTestRouter(t, h, renderer)

	rec := do(r, http.MethodGet, "/api/reports/monthly/xlsx?from=2024-02&to=2024-03", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, XLSXContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "accrued-revenue-2024-02_2024-03.xlsx")
	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Len(t, f.GetSheetList(), 6)
	_ = f.Close()

	rec = do(r, http.MethodGet, "/api/reports/revenue/xlsx?month=2024-02", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "revenue-adjustment-2024-02.xlsx")

	rec = do(r, http.MethodGet, "/api/reports/revenue?month=2024-02&partner_id=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(r, http.MethodGet, "/api/reports/monthly/pdf?month=2024-02", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, "%PDF-1.7", rec.Body.String())
}

func TestHandlerOpeningBalanceCRUD(t *testing.T) {
	h := newHarness(t, Config{}, false)
	r := newTestRouter(t, h, nil)

	body := `{"company_id":1,"ce_code":"CE-1","balance_date":"2024-01-31","amount":"150.25","partner_name":"Acme"}`
	rec := do(r, http.MethodPost, "/api/reports/opening-balances/", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created OpeningBalance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, created.Amount.Equal(dec("150.25")))

	rec = do(r, http.MethodPost, "/api/reports/opening-balances/", body)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(r, http.MethodPost, "/api/reports/opening-balances/", `{"company_id":1,"balance_date":"2024-01-31"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "required", problem.Fields["CECode"])

	rec = do(r, http.MethodPut, "/api/reports/opening-balances/1",
		`{"company_id":1,"ce_code":"CE-1","balance_date":"2024-01-31","amount":"99"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(r, http.MethodGet, "/api/reports/opening-balances/?company_id=1&ce_code=ce-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Balances   []OpeningBalance `json:"balances"`
		Pagination struct {
			Total int `json:"total"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Balances, 1)
	assert.Equal(t, 1, list.Pagination.Total)
	assert.True(t, list.Balances[0].Amount.Equal(dec("99")))

	rec = do(r, http.MethodDelete, "/api/reports/opening-balances/1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(r, http.MethodGet, "/api/reports/opening-balances/1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerReversalBalanceCRUD(t *testing.T) {
	h := newHarness(t, Config{}, false)
	r := newTestRouter(t, h, nil)

	rec := do(r, http.MethodPost, "/api/reports/reversal-opening-balances/",
		`{"company_id":1,"ce_code":"CE-5","balance_date":"2024-01-31","system_reversal":"-200"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(r, http.MethodGet, "/api/reports/reversal-opening-balances/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got ReversalOpeningBalance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.SystemReversal.Equal(dec("-200")))

	rec = do(r, http.MethodDelete, "/api/reports/reversal-opening-balances/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerImportMultipart(t *testing.T) {
	h := newHarness(t, Config{}, false)
	r := newTestRouter(t, h, nil)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	require.NoError(t, writer.WriteField("company_id", "1"))
	part, err := writer.CreateFormFile("file", "balances.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("ce_code,balance_date,amount\nCE-1,2024-01-31,10\nCE-2,2024-01-31,20\n"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/reports/opening-balances/import", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result ImportResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, ImportResult{Created: 2}, result)

	req = httptest.NewRequest(http.MethodPost, "/api/reports/opening-balances/import", strings.NewReader("nope"))
	req.Header.Set("Content-Type", "text/plain")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
