package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/accruals/internal/platform/httpx"
)

// LedgerReader is the read side of the ledger used by the HTTP layer.
type LedgerReader interface {
	GetJournal(ctx context.Context, id int64) (JournalEntry, error)
	ListLines(ctx context.Context, filter LineFilter) ([]LedgerLine, error)
	VerifyIntegrity(ctx context.Context, companyID int64, from, to time.Time) ([]IntegrityIssue, error)
}

// Handler wires ledger inspection endpoints.
type Handler struct {
	logger  *slog.Logger
	service LedgerReader
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service LedgerReader) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers HTTP routes for the ledger module.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/entries/{id}", h.getEntry)
	r.Get("/lines", h.listLines)
	r.Get("/integrity", h.integrity)
}

func (h *Handler) getEntry(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entry, err := h.service.GetJournal(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) listLines(w http.ResponseWriter, r *http.Request) {
	companyID, from, to, err := scopeFromQuery(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	accountID, err := httpx.QueryInt64(r, "account_id", 0)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter := LineFilter{CompanyID: companyID, AccountID: accountID, From: from, To: to}
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			t := EntryType(strings.TrimSpace(part))
			if !t.Valid() {
				httpx.RespondError(w, fmt.Errorf("%w: unknown entry type %q", httpx.ErrValidation, part))
				return
			}
			filter.Types = append(filter.Types, t)
		}
	}
	lines, err := h.service.ListLines(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (h *Handler) integrity(w http.ResponseWriter, r *http.Request) {
	companyID, from, to, err := scopeFromQuery(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	issues, err := h.service.VerifyIntegrity(r.Context(), companyID, from, to)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"ok": len(issues) == 0, "issues": issues})
}

func scopeFromQuery(r *http.Request) (int64, time.Time, time.Time, error) {
	companyID, err := httpx.QueryInt64(r, "company_id", 1)
	if err != nil {
		return 0, time.Time{}, time.Time{}, err
	}
	from, err := httpx.QueryDate(r, "from")
	if err != nil {
		return 0, time.Time{}, time.Time{}, err
	}
	to, err := httpx.QueryDate(r, "to")
	if err != nil {
		return 0, time.Time{}, time.Time{}, err
	}
	if from == nil || to == nil {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("%w: from and to are required", httpx.ErrValidation)
	}
	if to.Before(*from) {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("%w: to before from", httpx.ErrValidation)
	}
	return companyID, *from, *to, nil
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrJournalNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("ledger request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
