package sales

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/accruals/internal/platform/httpx"
)

// OrderReader is the lookup surface exposed over HTTP.
type OrderReader interface {
	GetOrder(ctx context.Context, id int64) (Order, error)
	FindByCECode(ctx context.Context, companyID int64, code string) (Order, error)
}

// Handler exposes read-only order lookups.
type Handler struct {
	logger  *slog.Logger
	service OrderReader
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service OrderReader) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers sales routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/by-ce/{code}", h.findByCECode)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	order, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) findByCECode(w http.ResponseWriter, r *http.Request) {
	companyID, err := httpx.QueryInt64(r, "company_id", 1)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	order, err := h.service.FindByCECode(r.Context(), companyID, chi.URLParam(r, "code"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
		return
	}
	h.logger.Error("sales request failed", slog.Any("error", err))
	httpx.RespondError(w, err)
}
