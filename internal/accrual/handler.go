package accrual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/accruals/internal/accounting"
	"github.com/odyssey-erp/accruals/internal/platform/httpx"
	"github.com/odyssey-erp/accruals/internal/sales"
	"github.com/odyssey-erp/accruals/internal/shared"
)

// AccrualService is the surface the HTTP layer drives.
type AccrualService interface {
	CreateForOrder(ctx context.Context, in CreateInput) (Record, error)
	RunBatch(ctx context.Context, in BatchInput) (BatchResult, error)
	Preview(ctx context.Context, in PreviewInput) ([]PreviewItem, error)
	Post(ctx context.Context, id int64) (Record, error)
	Reverse(ctx context.Context, id int64, date *time.Time) (Record, error)
	Cancel(ctx context.Context, id int64, reason string) (Record, error)
	UpdateLines(ctx context.Context, id int64, amounts map[int64]decimal.Decimal) (Record, error)
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (Record, error)
	List(ctx context.Context, filter Filter) ([]Record, int, error)
	RefreshState(ctx context.Context, id int64) (Record, error)
}

// IdempotencyStore guards create endpoints against replays.
type IdempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// Handler exposes accrual endpoints.
type Handler struct {
	logger      *slog.Logger
	service     AccrualService
	idempotency IdempotencyStore
	validate    *validator.Validate
}

// NewHandler builds Handler instance. idempotency may be nil.
func NewHandler(logger *slog.Logger, service AccrualService, idempotency IdempotencyStore) *Handler {
	return &Handler{logger: logger, service: service, idempotency: idempotency, validate: validator.New()}
}

// MountRoutes registers accrual routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Post("/batch", h.batch)
	r.Post("/preview", h.preview)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Delete("/", h.delete)
		r.Put("/lines", h.updateLines)
		r.Post("/post", h.post)
		r.Post("/reverse", h.reverse)
		r.Post("/cancel", h.cancel)
		r.Post("/refresh", h.refresh)
	})
}

type createRequest struct {
	CompanyID    int64  `json:"company_id" validate:"required,gt=0"`
	OrderID      int64  `json:"order_id" validate:"required,gt=0"`
	Date         string `json:"date" validate:"required,datetime=2006-01-02"`
	ReversalDate string `json:"reversal_date" validate:"omitempty,datetime=2006-01-02"`
	Scenario     string `json:"scenario" validate:"omitempty,oneof=default override cancel_replace adjustment"`
	AutoPost     bool   `json:"auto_post"`
}

type batchRequest struct {
	CompanyID    int64   `json:"company_id" validate:"required,gt=0"`
	Scenario     string  `json:"scenario" validate:"required,oneof=default override cancel_replace adjustment"`
	OrderIDs     []int64 `json:"order_ids" validate:"required,min=1,dive,gt=0"`
	Date         string  `json:"date" validate:"required,datetime=2006-01-02"`
	ReversalDate string  `json:"reversal_date" validate:"omitempty,datetime=2006-01-02"`
	AutoPost     bool    `json:"auto_post"`
}

type previewRequest struct {
	CompanyID    int64   `json:"company_id" validate:"required,gt=0"`
	OrderIDs     []int64 `json:"order_ids" validate:"omitempty,dive,gt=0"`
	Date         string  `json:"date" validate:"required,datetime=2006-01-02"`
	ReversalDate string  `json:"reversal_date" validate:"omitempty,datetime=2006-01-02"`
}

type reverseRequest struct {
	Date string `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type lineAmount struct {
	ID     int64           `json:"id" validate:"required,gt=0"`
	Amount decimal.Decimal `json:"amount"`
}

type updateLinesRequest struct {
	Lines []lineAmount `json:"lines" validate:"required,min=1,dive"`
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

// claim reserves the Idempotency-Key header when present. The returned
// release func frees the key again when processing fails.
func (h *Handler) claim(w http.ResponseWriter, r *http.Request, module string) (func(), bool) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" || h.idempotency == nil {
		return func() {}, true
	}
	if err := h.idempotency.CheckAndInsert(r.Context(), key, module); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
			return nil, false
		}
		h.respondError(w, err)
		return nil, false
	}
	return func() {
		if err := h.idempotency.Delete(context.WithoutCancel(r.Context()), key, module); err != nil {
			h.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", err))
		}
	}, true
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	companyID, err := httpx.QueryInt64(r, "company_id", 1)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	orderID, err := httpx.QueryInt64(r, "order_id", 0)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	page, err := httpx.QueryInt64(r, "page", 1)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	perPage, err := httpx.QueryInt64(r, "per_page", 50)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	from, err := httpx.QueryDate(r, "from")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	to, err := httpx.QueryDate(r, "to")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	pagination := shared.NewPagination(int(page), int(perPage), 0)
	filter := Filter{CompanyID: companyID, From: from, To: to, Limit: pagination.PerPage, Offset: pagination.Offset()}
	if orderID > 0 {
		filter.OrderIDs = []int64{orderID}
	}
	if state := State(r.URL.Query().Get("state")); state != "" {
		switch state {
		case StateDraft, StateAccrued, StateReversed, StateCancelled:
			filter.States = []State{state}
		default:
			httpx.RespondError(w, fmt.Errorf("%w: unknown state %q", httpx.ErrValidation, state))
			return
		}
	}
	records, total, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"records":    records,
		"pagination": shared.NewPagination(pagination.Page, pagination.PerPage, total),
	})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}
	release, ok := h.claim(w, r, shared.IdempotencyAccrualCreate)
	if !ok {
		return
	}
	record, err := h.service.CreateForOrder(r.Context(), CreateInput{
		CompanyID:    req.CompanyID,
		OrderID:      req.OrderID,
		Date:         *parseDate(req.Date),
		ReversalDate: parseDate(req.ReversalDate),
		Scenario:     Scenario(req.Scenario),
		AutoPost:     req.AutoPost,
		Actor:        shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		release()
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, record)
}

func (h *Handler) batch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}
	release, ok := h.claim(w, r, shared.IdempotencyAccrualBatch)
	if !ok {
		return
	}
	result, err := h.service.RunBatch(r.Context(), BatchInput{
		CompanyID:    req.CompanyID,
		Scenario:     Scenario(req.Scenario),
		OrderIDs:     req.OrderIDs,
		Date:         *parseDate(req.Date),
		ReversalDate: parseDate(req.ReversalDate),
		AutoPost:     req.AutoPost,
		Actor:        shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		release()
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if !h.decode(w, r, &req) {
		return
	}
	items, err := h.service.Preview(r.Context(), PreviewInput{
		CompanyID:    req.CompanyID,
		OrderIDs:     req.OrderIDs,
		Date:         *parseDate(req.Date),
		ReversalDate: parseDate(req.ReversalDate),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	hasExisting := false
	for _, item := range items {
		hasExisting = hasExisting || item.HasExisting
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items, "has_existing": hasExisting})
}

// owned loads the record behind {id} and checks it belongs to the company
// named by the company_id query parameter.
func (h *Handler) owned(w http.ResponseWriter, r *http.Request) (Record, bool) {
	id, err := httpx.URLParamInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return Record{}, false
	}
	companyID, err := httpx.QueryInt64(r, "company_id", 1)
	if err != nil {
		httpx.RespondError(w, err)
		return Record{}, false
	}
	record, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return Record{}, false
	}
	if record.CompanyID != companyID {
		h.respondError(w, fmt.Errorf("%w: record #%d", ErrCompanyMismatch, id))
		return Record{}, false
	}
	return record, true
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	record, ok := h.owned(w, r)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, record)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	current, ok := h.owned(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), current.ID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) updateLines(w http.ResponseWriter, r *http.Request) {
	current, ok := h.owned(w, r)
	if !ok {
		return
	}
	var req updateLinesRequest
	if !h.decode(w, r, &req) {
		return
	}
	amounts := make(map[int64]decimal.Decimal, len(req.Lines))
	for _, l := range req.Lines {
		amounts[l.ID] = l.Amount
	}
	record, err := h.service.UpdateLines(r.Context(), current.ID, amounts)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, record)
}

func (h *Handler) post(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, id int64) (Record, error) {
		return h.service.Post(ctx, id)
	})
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.RefreshState)
}

func (h *Handler) reverse(w http.ResponseWriter, r *http.Request) {
	var req reverseRequest
	if r.ContentLength > 0 && !h.decode(w, r, &req) {
		return
	}
	h.transition(w, r, func(ctx context.Context, id int64) (Record, error) {
		return h.service.Reverse(ctx, id, parseDate(req.Date))
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength > 0 && !h.decode(w, r, &req) {
		return
	}
	h.transition(w, r, func(ctx context.Context, id int64) (Record, error) {
		return h.service.Cancel(ctx, id, req.Reason)
	})
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) (Record, error)) {
	current, ok := h.owned(w, r)
	if !ok {
		return
	}
	record, err := fn(r.Context(), current.ID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, record)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var scenarioErr *ScenarioError
	switch {
	case errors.As(err, &scenarioErr):
		httpx.ProblemWith(w, http.StatusConflict, "Scenario Not Allowed", err.Error(), map[string]any{
			"scenario": scenarioErr.Scenario,
			"reasons":  scenarioErr.Reasons,
		})
	case errors.Is(err, ErrCompanyMismatch):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, sales.ErrNotFound), errors.Is(err, accounting.ErrJournalNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrOrderNotEligible),
		errors.Is(err, accounting.ErrInvalidStatus),
		errors.Is(err, accounting.ErrPeriodLocked),
		errors.Is(err, accounting.ErrSourceAlreadyLinked),
		errors.Is(err, shared.ErrLockNotObtained):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrReversalDate),
		errors.Is(err, ErrExceedsOriginal),
		errors.Is(err, ErrNothingToAccrue),
		errors.Is(err, ErrUnknownLine),
		errors.Is(err, ErrNoIncomeAccount),
		errors.Is(err, accounting.ErrMappingNotFound),
		errors.Is(err, accounting.ErrUnbalanced),
		errors.Is(err, sales.ErrRateNotFound):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Accrual", err.Error())
	default:
		h.logger.Error("accrual request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
