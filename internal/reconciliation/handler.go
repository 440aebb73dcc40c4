package reconciliation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/accruals/internal/accounting"
	"github.com/odyssey-erp/accruals/internal/platform/httpx"
	"github.com/odyssey-erp/accruals/internal/sales"
	"github.com/odyssey-erp/accruals/internal/shared"
)

// maxUploadBytes bounds import files.
const maxUploadBytes = 10 << 20

// ReportService is the surface the HTTP layer drives.
type ReportService interface {
	CompanyName() string
	Monthly(ctx context.Context, companyID int64, month time.Time) (Report, error)
	Range(ctx context.Context, companyID int64, from, to time.Time) ([]Report, error)
	Details(ctx context.Context, companyID int64, from, to time.Time) ([]MonthDetail, error)
	Revenue(ctx context.Context, companyID int64, month time.Time, partnerIDs []int64) (RevenueReport, error)
	RenderMonthlyPDF(ctx context.Context, renderer PDFRenderer, companyID int64, month time.Time) ([]byte, error)

	ListOpeningBalances(ctx context.Context, filter BalanceFilter) ([]OpeningBalance, int, error)
	GetOpeningBalance(ctx context.Context, id int64) (OpeningBalance, error)
	CreateOpeningBalance(ctx context.Context, ob OpeningBalance) (OpeningBalance, error)
	UpdateOpeningBalance(ctx context.Context, ob OpeningBalance) (OpeningBalance, error)
	DeleteOpeningBalance(ctx context.Context, id int64) error
	ImportOpeningBalances(ctx context.Context, companyID int64, filename string, r io.Reader) (ImportResult, error)

	ListReversalBalances(ctx context.Context, filter BalanceFilter) ([]ReversalOpeningBalance, int, error)
	GetReversalBalance(ctx context.Context, id int64) (ReversalOpeningBalance, error)
	CreateReversalBalance(ctx context.Context, rob ReversalOpeningBalance) (ReversalOpeningBalance, error)
	UpdateReversalBalance(ctx context.Context, rob ReversalOpeningBalance) (ReversalOpeningBalance, error)
	DeleteReversalBalance(ctx context.Context, id int64) error
	ImportReversalBalances(ctx context.Context, companyID int64, filename string, r io.Reader) (ImportResult, error)
}

// Handler exposes report and opening balance endpoints.
type Handler struct {
	logger   *slog.Logger
	service  ReportService
	renderer PDFRenderer
	validate *validator.Validate
}

// NewHandler builds Handler instance. renderer may be nil, which disables PDF output.
func NewHandler(logger *slog.Logger, service ReportService, renderer PDFRenderer) *Handler {
	return &Handler{logger: logger, service: service, renderer: renderer, validate: validator.New()}
}

// MountRoutes registers report routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/monthly", h.monthly)
	r.Get("/monthly/xlsx", h.monthlyXLSX)
	r.Get("/monthly/pdf", h.monthlyPDF)
	r.Get("/revenue", h.revenue)
	r.Get("/revenue/xlsx", h.revenueXLSX)

	r.Route("/opening-balances", func(r chi.Router) {
		r.Get("/", h.listOpening)
		r.Post("/", h.createOpening)
		r.Post("/import", h.importOpening)
		r.Get("/{id}", h.getOpening)
		r.Put("/{id}", h.updateOpening)
		r.Delete("/{id}", h.deleteOpening)
	})
	r.Route("/reversal-opening-balances", func(r chi.Router) {
		r.Get("/", h.listReversal)
		r.Post("/", h.createReversal)
		r.Post("/import", h.importReversal)
		r.Get("/{id}", h.getReversal)
		r.Put("/{id}", h.updateReversal)
		r.Delete("/{id}", h.deleteReversal)
	})
}

type openingBalanceRequest struct {
	CompanyID      int64           `json:"company_id" validate:"required,gt=0"`
	CECode         string          `json:"ce_code" validate:"required,max=64"`
	BalanceDate    string          `json:"balance_date" validate:"required,datetime=2006-01-02"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency" validate:"omitempty,len=3"`
	PartnerName    string          `json:"partner_name" validate:"max=255"`
	CEDate         string          `json:"ce_date" validate:"omitempty,datetime=2006-01-02"`
	CEStatus       string          `json:"ce_status" validate:"max=64"`
	JobDescription string          `json:"job_description" validate:"max=500"`
	Notes          string          `json:"notes" validate:"max=1000"`
}

func (req openingBalanceRequest) balance() OpeningBalance {
	return OpeningBalance{
		CompanyID:      req.CompanyID,
		CECode:         req.CECode,
		BalanceDate:    *parseDate(req.BalanceDate),
		Amount:         req.Amount,
		Currency:       req.Currency,
		PartnerName:    req.PartnerName,
		CEDate:         parseDate(req.CEDate),
		CEStatus:       req.CEStatus,
		JobDescription: req.JobDescription,
		Notes:          req.Notes,
	}
}

type reversalBalanceRequest struct {
	CompanyID                int64           `json:"company_id" validate:"required,gt=0"`
	CECode                   string          `json:"ce_code" validate:"required,max=64"`
	BalanceDate              string          `json:"balance_date" validate:"required,datetime=2006-01-02"`
	SystemReversal           decimal.Decimal `json:"system_reversal"`
	ManualReversal           decimal.Decimal `json:"manual_reversal"`
	ManualReversalAdjustment decimal.Decimal `json:"manual_reversal_adjustment"`
	PartnerName              string          `json:"partner_name" validate:"max=255"`
	CEDate                   string          `json:"ce_date" validate:"omitempty,datetime=2006-01-02"`
	CEStatus                 string          `json:"ce_status" validate:"max=64"`
	JobDescription           string          `json:"job_description" validate:"max=500"`
	Notes                    string          `json:"notes" validate:"max=1000"`
}

func (req reversalBalanceRequest) balance() ReversalOpeningBalance {
	return ReversalOpeningBalance{
		CompanyID:                req.CompanyID,
		CECode:                   req.CECode,
		BalanceDate:              *parseDate(req.BalanceDate),
		SystemReversal:           req.SystemReversal,
		ManualReversal:           req.ManualReversal,
		ManualReversalAdjustment: req.ManualReversalAdjustment,
		PartnerName:              req.PartnerName,
		CEDate:                   parseDate(req.CEDate),
		CEStatus:                 req.CEStatus,
		JobDescription:           req.JobDescription,
		Notes:                    req.Notes,
	}
}

func parseDate(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	d, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil
	}
	return &d
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	return true
}

// ============================================================================
// REPORTS
// ============================================================================

// monthRange reads either month=YYYY-MM or a from/to pair.
func monthRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	if q.Get("month") != "" {
		m, err := httpx.QueryMonth(r, "month")
		return m, m, err
	}
	from, err := httpx.QueryMonth(r, "from")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if q.Get("to") == "" {
		return from, from, nil
	}
	to, err := httpx.QueryMonth(r, "to")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}

func partnerIDs(r *http.Request) ([]int64, error) {
	var ids []int64
	for _, raw := range r.URL.Query()["partner_id"] {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%w: invalid partner_id", httpx.ErrValidation)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (h *Handler) monthly(w http.ResponseWriter, r *http.Request) {
	companyID, err := httpx.QueryInt64(r, "company_id", 1)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	from, to, err := monthRange(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if from.Equal(to) {
		report, err := h.service.Monthly(r.Context(), companyID, from)
		if err != nil {
			h.respondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, report)
		return
	}
	reports, err := h.service.Range(r.Context(), companyID, from, to)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (h *Handler) monthlyXLSX(w http.ResponseWriter, r *http.Request) {
	companyID, err := httpx.QueryInt64(r, "company_id", 1)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	from, to, err := monthRange(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	details, err := h.service.Details(r.Context(), companyID, from, to)
	if err != nil {
		h.respondError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := WriteMonthlyWorkbook(&buf, h.service.CompanyName(), details); err != nil {
		h.respondError(w, err)
		return
	}
	name := fmt.Sprintf("accrued-revenue-%s.xlsx", from.Format("2006-01"))
	if !from.Equal(to) {
		name = fmt.Sprintf("accrued-revenue-%s_%s.xlsx", from.Format("2006-01"), to.Format("2006-01"))
	}
	httpx.Attachment(w, XLSXContentType, name, buf.Bytes())
}

func (h *Handler) monthlyPDF(w http.ResponseWriter, r *http.Request) {
	companyID, err := httpx.QueryInt64(r, "company_id", 1)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	month, err := httpx.QueryMonth(r, "month")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	pdf, err := h.service.RenderMonthlyPDF(r.Context(), h.renderer, companyID, month)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.Attachment(w, "application/pdf", fmt.Sprintf("accrued-revenue-%s.pdf", month.Format("2006-01")), pdf)
}

func (h *Handler) revenueReport(w http.ResponseWriter, r *http.Request) (RevenueReport, bool) {
	companyID, err := httpx.QueryInt64(r, "company_id", 1)
	if err != nil {
		httpx.RespondError(w, err)
		return RevenueReport{}, false
	}
	month, err := httpx.QueryMonth(r, "month")
	if err != nil {
		httpx.RespondError(w, err)
		return RevenueReport{}, false
	}
	partners, err := partnerIDs(r)
	if err != nil {
		httpx.RespondError(w, err)
		return RevenueReport{}, false
	}
	report, err := h.service.Revenue(r.Context(), companyID, month, partners)
	if err != nil {
		h.respondError(w, err)
		return RevenueReport{}, false
	}
	return report, true
}

func (h *Handler) revenue(w http.ResponseWriter, r *http.Request) {
	report, ok := h.revenueReport(w, r)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) revenueXLSX(w http.ResponseWriter, r *http.Request) {
	report, ok := h.revenueReport(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := WriteRevenueWorkbook(&buf, h.service.CompanyName(), report); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.Attachment(w, XLSXContentType, fmt.Sprintf("revenue-adjustment-%s.xlsx", report.Month.Format("2006-01")), buf.Bytes())
}

// ============================================================================
// OPENING BALANCES
// ============================================================================

func balanceFilter(r *http.Request) (BalanceFilter, shared.Pagination, error) {
	companyID, err := httpx.QueryInt64(r, "company_id", 1)
	if err != nil {
		return BalanceFilter{}, shared.Pagination{}, err
	}
	page, err := httpx.QueryInt64(r, "page", 1)
	if err != nil {
		return BalanceFilter{}, shared.Pagination{}, err
	}
	perPage, err := httpx.QueryInt64(r, "per_page", 50)
	if err != nil {
		return BalanceFilter{}, shared.Pagination{}, err
	}
	date, err := httpx.QueryDate(r, "balance_date")
	if err != nil {
		return BalanceFilter{}, shared.Pagination{}, err
	}
	pagination := shared.NewPagination(int(page), int(perPage), 0)
	return BalanceFilter{
		CompanyID:   companyID,
		BalanceDate: date,
		Code:        r.URL.Query().Get("ce_code"),
		Page:        pagination.Page,
		PerPage:     pagination.PerPage,
	}, pagination, nil
}

func (h *Handler) listOpening(w http.ResponseWriter, r *http.Request) {
	filter, pagination, err := balanceFilter(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	balances, total, err := h.service.ListOpeningBalances(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"balances":   balances,
		"pagination": shared.NewPagination(pagination.Page, pagination.PerPage, total),
	})
}

func (h *Handler) getOpening(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	balance, err := h.service.GetOpeningBalance(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balance)
}

func (h *Handler) createOpening(w http.ResponseWriter, r *http.Request) {
	var req openingBalanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	balance, err := h.service.CreateOpeningBalance(r.Context(), req.balance())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, balance)
}

func (h *Handler) updateOpening(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req openingBalanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := req.balance()
	in.ID = id
	balance, err := h.service.UpdateOpeningBalance(r.Context(), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balance)
}

func (h *Handler) deleteOpening(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.DeleteOpeningBalance(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) importOpening(w http.ResponseWriter, r *http.Request) {
	h.importFile(w, r, h.service.ImportOpeningBalances)
}

// ============================================================================
// REVERSAL OPENING BALANCES
// ============================================================================

func (h *Handler) listReversal(w http.ResponseWriter, r *http.Request) {
	filter, pagination, err := balanceFilter(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	balances, total, err := h.service.ListReversalBalances(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"balances":   balances,
		"pagination": shared.NewPagination(pagination.Page, pagination.PerPage, total),
	})
}

func (h *Handler) getReversal(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	balance, err := h.service.GetReversalBalance(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balance)
}

func (h *Handler) createReversal(w http.ResponseWriter, r *http.Request) {
	var req reversalBalanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	balance, err := h.service.CreateReversalBalance(r.Context(), req.balance())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, balance)
}

func (h *Handler) updateReversal(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req reversalBalanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := req.balance()
	in.ID = id
	balance, err := h.service.UpdateReversalBalance(r.Context(), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balance)
}

func (h *Handler) deleteReversal(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.DeleteReversalBalance(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) importReversal(w http.ResponseWriter, r *http.Request) {
	h.importFile(w, r, h.service.ImportReversalBalances)
}

type importFunc func(ctx context.Context, companyID int64, filename string, r io.Reader) (ImportResult, error)

// importFile reads the multipart "file" field and hands it to fn.
func (h *Handler) importFile(w http.ResponseWriter, r *http.Request, fn importFunc) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	companyID, err := strconv.ParseInt(r.FormValue("company_id"), 10, 64)
	if err != nil || companyID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid company_id", httpx.ErrValidation))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: file required", httpx.ErrValidation))
		return
	}
	defer func() { _ = file.Close() }()
	result, err := fn(r.Context(), companyID, header.Filename, file)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, sales.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicateBalance):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrInvalidBalance),
		errors.Is(err, ErrImport),
		errors.Is(err, ErrInvalidRange),
		errors.Is(err, accounting.ErrMappingNotFound):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
	case errors.Is(err, ErrRendererUnavailable):
		httpx.Problem(w, http.StatusServiceUnavailable, "Renderer Unavailable", err.Error())
	default:
		h.logger.Error("report request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
