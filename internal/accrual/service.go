package accrual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/accruals/internal/accounting"
	"github.com/odyssey-erp/accruals/internal/sales"
	"github.com/odyssey-erp/accruals/internal/shared"
)

// SourceModule tags journals generated from accrual records.
const SourceModule = "ACCRUAL"

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Ledger is the journal service used to post accruals.
type Ledger interface {
	PostJournal(ctx context.Context, input accounting.PostingInput) (accounting.JournalEntry, error)
	ReverseJournal(ctx context.Context, input accounting.ReverseInput) (accounting.JournalEntry, error)
	PostDraft(ctx context.Context, input accounting.PostDraftInput) (accounting.JournalEntry, error)
	CancelJournal(ctx context.Context, input accounting.CancelInput) (accounting.JournalEntry, error)
	GetJournal(ctx context.Context, id int64) (accounting.JournalEntry, error)
	ResolveAccrualAccount(ctx context.Context, companyID int64) (accounting.Account, error)
}

// Orders provides the sale orders being accrued.
type Orders interface {
	GetOrder(ctx context.Context, id int64) (sales.Order, error)
	ListOrders(ctx context.Context, companyID int64, ids []int64) ([]sales.Order, error)
	ListEligibleOrders(ctx context.Context, companyID int64) ([]sales.Order, error)
	Categories(ctx context.Context) (sales.CategoryTree, error)
	Rate(ctx context.Context, from, to string, date time.Time) (decimal.Decimal, error)
	CompanyCurrency() string
}

// Locker serialises work on a single order.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// Invalidator drops cached reports after the ledger changes.
type Invalidator interface {
	Bump(ctx context.Context, companyID int64) error
}

// AuditPort records accrual events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Config carries accrual business settings.
type Config struct {
	RevenueCategory string
}

// Deps groups the optional collaborators of Service.
type Deps struct {
	Locker  Locker
	Cache   Invalidator
	Audit   AuditPort
	Metrics *Metrics
	Logger  *slog.Logger
}

// Service coordinates accrual records with the ledger.
type Service struct {
	repo    RepositoryPort
	ledger  Ledger
	orders  Orders
	cfg     Config
	locker  Locker
	cache   Invalidator
	audit   AuditPort
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewService constructs the accrual service.
func NewService(repo RepositoryPort, ledger Ledger, orders Orders, cfg Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		ledger:  ledger,
		orders:  orders,
		cfg:     cfg,
		locker:  deps.Locker,
		cache:   deps.Cache,
		audit:   deps.Audit,
		metrics: deps.Metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) withOrderLock(ctx context.Context, orderID int64, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	return s.locker.WithLock(ctx, shared.AccrualOrderLockKey(orderID), fn)
}

// CreateForOrder builds and stores a draft accrual for one order, posting it
// when AutoPost is set.
func (s *Service) CreateForOrder(ctx context.Context, in CreateInput) (Record, error) {
	var record Record
	err := s.withOrderLock(ctx, in.OrderID, func(ctx context.Context) error {
		var err error
		record, err = s.create(ctx, in)
		return err
	})
	return record, err
}

// Reversal dates default to the day after the accrual date and adjustments
// carry none.
func normalizeDates(in *CreateInput) error {
	if in.Date.IsZero() {
		return errors.New("accrual: date required")
	}
	in.Date = dateOnly(in.Date)
	if in.Scenario == ScenarioAdjustment {
		in.ReversalDate = nil
		return nil
	}
	if in.ReversalDate == nil || in.ReversalDate.IsZero() {
		rev := in.Date.AddDate(0, 0, 1)
		in.ReversalDate = &rev
		return nil
	}
	rev := dateOnly(*in.ReversalDate)
	if !rev.After(in.Date) {
		return ErrReversalDate
	}
	in.ReversalDate = &rev
	return nil
}

func (s *Service) create(ctx context.Context, in CreateInput) (Record, error) {
	if in.Scenario == "" {
		in.Scenario = ScenarioDefault
	}
	if !in.Scenario.Valid() {
		return Record{}, fmt.Errorf("accrual: unknown scenario %q", in.Scenario)
	}
	if err := normalizeDates(&in); err != nil {
		return Record{}, err
	}
	order, err := s.orders.GetOrder(ctx, in.OrderID)
	if err != nil {
		return Record{}, err
	}
	if in.CompanyID != 0 && order.CompanyID != in.CompanyID {
		return Record{}, fmt.Errorf("%w: order %s", ErrCompanyMismatch, order.Name)
	}
	if in.Scenario == ScenarioDefault && !order.Eligible() {
		return Record{}, ErrOrderNotEligible
	}
	var previous map[int64]decimal.Decimal
	if in.Scenario == ScenarioAdjustment {
		history, err := s.history(ctx, order.CompanyID, order.ID)
		if err != nil {
			return Record{}, err
		}
		previous = PreviousAmounts(history)
	}
	params, err := s.buildParams(ctx, order, in.Date)
	if err != nil {
		return Record{}, err
	}
	params.Adjustment = in.Scenario == ScenarioAdjustment
	params.Previous = previous
	lines, err := BuildLines(params)
	if err != nil {
		return Record{}, err
	}
	if len(lines) == 0 {
		return Record{}, ErrNothingToAccrue
	}

	actor := in.Actor
	if actor == "" {
		actor = shared.ActorFromContext(ctx)
	}
	total := LinesTotal(lines)
	record := Record{
		CompanyID:     order.CompanyID,
		OrderID:       order.ID,
		OrderName:     order.Name,
		PartnerID:     order.PartnerID,
		PartnerName:   order.PartnerName,
		CECode:        order.CECode,
		Currency:      order.Currency,
		Rate:          params.Rate,
		Date:          in.Date,
		ReversalDate:  in.ReversalDate,
		Total:         total,
		OriginalTotal: total,
		State:         StateDraft,
		Scenario:      in.Scenario,
		EntryType:     in.Scenario.EntryType(),
		SourceID:      uuid.New(),
		CreatedBy:     actor,
		Lines:         lines,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inserted, err := tx.InsertRecord(ctx, record)
		if err != nil {
			return err
		}
		record = inserted
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	s.metrics.recordCreated(in.Scenario)
	s.record(ctx, actor, "accrual.create", record, map[string]any{
		"scenario": string(in.Scenario),
		"total":    record.Total.StringFixed(2),
	})
	s.logger.Info("accrual created",
		slog.Int64("record_id", record.ID),
		slog.Int64("order_id", record.OrderID),
		slog.String("scenario", string(in.Scenario)),
		slog.String("total", record.Total.StringFixed(2)))

	if in.AutoPost {
		return s.post(ctx, record.ID, actor)
	}
	return record, nil
}

func (s *Service) buildParams(ctx context.Context, order sales.Order, date time.Time) (BuildParams, error) {
	tree, err := s.orders.Categories(ctx)
	if err != nil {
		return BuildParams{}, err
	}
	account, err := s.ledger.ResolveAccrualAccount(ctx, order.CompanyID)
	if err != nil {
		return BuildParams{}, err
	}
	rate, err := s.orders.Rate(ctx, order.Currency, s.orders.CompanyCurrency(), date)
	if err != nil {
		return BuildParams{}, fmt.Errorf("accrual: rate for %s: %w", order.Currency, err)
	}
	return BuildParams{
		Order:            order,
		Categories:       tree,
		RevenueCategory:  s.cfg.RevenueCategory,
		AccruedAccountID: account.ID,
		Rate:             rate,
	}, nil
}

func (s *Service) history(ctx context.Context, companyID, orderID int64) ([]Record, error) {
	var records []Record
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		records, _, err = tx.ListRecords(ctx, Filter{
			CompanyID: companyID,
			OrderIDs:  []int64{orderID},
			States:    []State{StateAccrued, StateReversed},
		}, true)
		return err
	})
	return records, err
}

// Post posts the accrual journal of a draft record and prepares its draft
// reversal dated at the reversal date.
func (s *Service) Post(ctx context.Context, id int64) (Record, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	var record Record
	err = s.withOrderLock(ctx, current.OrderID, func(ctx context.Context) error {
		var err error
		record, err = s.post(ctx, id, shared.ActorFromContext(ctx))
		return err
	})
	return record, err
}

func (s *Service) post(ctx context.Context, id int64, actor string) (Record, error) {
	record, err := s.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if record.State != StateDraft {
		return Record{}, ErrInvalidState
	}
	if !record.Adjustment() && (record.ReversalDate == nil || !record.ReversalDate.After(record.Date)) {
		return Record{}, ErrReversalDate
	}
	entry, err := s.ledger.PostJournal(ctx, s.postingInput(record, actor))
	if err != nil {
		return Record{}, fmt.Errorf("accrual: post journal: %w", err)
	}
	accrualID := entry.ID
	record.AccrualEntryID = &accrualID

	if !record.Adjustment() {
		reversal, err := s.ledger.ReverseJournal(ctx, accounting.ReverseInput{
			EntryID: entry.ID,
			Date:    *record.ReversalDate,
			Memo:    fmt.Sprintf("Reversal of: Accrual - %s", record.OrderName),
			Actor:   actor,
			Draft:   true,
		})
		if err != nil {
			s.compensate(ctx, actor, accrualID)
			return Record{}, fmt.Errorf("accrual: create reversal: %w", err)
		}
		reversalID := reversal.ID
		record.ReversalEntryID = &reversalID
	}

	record.State = StateAccrued
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateRecord(ctx, record)
	})
	if err != nil {
		if record.ReversalEntryID != nil {
			s.compensate(ctx, actor, *record.ReversalEntryID)
		}
		s.compensate(ctx, actor, accrualID)
		return Record{}, err
	}
	s.metrics.recordPosted(record)
	s.invalidate(ctx, record.CompanyID)
	s.record(ctx, actor, "accrual.post", record, map[string]any{
		"accrual_entry_id":  accrualID,
		"reversal_entry_id": record.ReversalEntryID,
	})
	return record, nil
}

func (s *Service) postingInput(record Record, actor string) accounting.PostingInput {
	partnerID, orderID := record.PartnerID, record.OrderID
	lines := make([]accounting.PostingLineInput, 0, len(record.Lines))
	for _, l := range record.Lines {
		if l.Amount().IsZero() {
			continue
		}
		line := accounting.PostingLineInput{
			AccountID:      l.AccountID,
			Label:          l.Label,
			Debit:          l.Debit,
			Credit:         l.Credit,
			AmountCurrency: l.AmountCurrency,
			Currency:       l.Currency,
			SaleOrderID:    &orderID,
			CECode:         record.CECode,
			Distribution:   l.Distribution,
		}
		if partnerID != 0 {
			line.PartnerID = &partnerID
		}
		lines = append(lines, line)
	}
	return accounting.PostingInput{
		CompanyID:    record.CompanyID,
		Date:         record.Date,
		Ref:          "Accrual - " + record.OrderName,
		SourceModule: SourceModule,
		SourceID:     record.SourceID,
		EntryType:    record.EntryType,
		Currency:     record.Currency,
		Memo:         fmt.Sprintf("Accrued revenue %s", record.OrderName),
		Actor:        actor,
		Lines:        lines,
	}
}

// compensate cancels a journal created by a step that could not complete.
func (s *Service) compensate(ctx context.Context, actor string, entryID int64) {
	if _, err := s.ledger.CancelJournal(ctx, accounting.CancelInput{EntryID: entryID, Actor: actor, Reason: "accrual rollback"}); err != nil {
		s.logger.Error("accrual compensation failed", slog.Int64("entry_id", entryID), slog.Any("error", err))
	}
}

// PostDueReversals posts every draft reversal dated on or before asOf and
// marks the records reversed. It returns how many were posted.
func (s *Service) PostDueReversals(ctx context.Context, asOf time.Time) (int, error) {
	var due []Record
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		due, err = tx.DueReversals(ctx, dateOnly(asOf))
		return err
	})
	if err != nil {
		return 0, err
	}
	posted := 0
	var errs []error
	for _, r := range due {
		err := s.withOrderLock(ctx, r.OrderID, func(ctx context.Context) error {
			_, err := s.reverse(ctx, r.ID, nil, shared.SystemActor)
			return err
		})
		if err != nil {
			s.logger.Error("post due reversal", slog.Int64("record_id", r.ID), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("record %d: %w", r.ID, err))
			continue
		}
		posted++
	}
	return posted, errors.Join(errs...)
}

// Reverse posts the reversal of an accrued record, optionally on an earlier
// or later date than planned.
func (s *Service) Reverse(ctx context.Context, id int64, date *time.Time) (Record, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	var record Record
	err = s.withOrderLock(ctx, current.OrderID, func(ctx context.Context) error {
		var err error
		record, err = s.reverse(ctx, id, date, shared.ActorFromContext(ctx))
		return err
	})
	return record, err
}

func (s *Service) reverse(ctx context.Context, id int64, date *time.Time, actor string) (Record, error) {
	record, err := s.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if record.State != StateAccrued || record.ReversalEntryID == nil {
		return Record{}, ErrInvalidState
	}
	var target *time.Time
	if date != nil {
		d := dateOnly(*date)
		if !d.After(record.Date) {
			return Record{}, ErrReversalDate
		}
		target = &d
	}
	entry, err := s.ledger.PostDraft(ctx, accounting.PostDraftInput{EntryID: *record.ReversalEntryID, Date: target, Actor: actor})
	if err != nil {
		return Record{}, fmt.Errorf("accrual: post reversal: %w", err)
	}
	reversalDate := entry.Date
	record.ReversalDate = &reversalDate
	record.State = StateReversed
	if err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateRecord(ctx, record)
	}); err != nil {
		return Record{}, err
	}
	s.metrics.recordReversed()
	s.invalidate(ctx, record.CompanyID)
	s.record(ctx, actor, "accrual.reverse", record, map[string]any{
		"reversal_date": reversalDate.Format(time.DateOnly),
	})
	return record, nil
}

// Cancel cancels both journals of a record and marks it cancelled.
func (s *Service) Cancel(ctx context.Context, id int64, reason string) (Record, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	var record Record
	err = s.withOrderLock(ctx, current.OrderID, func(ctx context.Context) error {
		var err error
		record, err = s.cancel(ctx, id, reason, shared.ActorFromContext(ctx))
		return err
	})
	return record, err
}

func (s *Service) cancel(ctx context.Context, id int64, reason, actor string) (Record, error) {
	record, err := s.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if record.State == StateCancelled {
		return Record{}, ErrInvalidState
	}
	for _, entryID := range []*int64{record.ReversalEntryID, record.AccrualEntryID} {
		if entryID == nil {
			continue
		}
		_, err := s.ledger.CancelJournal(ctx, accounting.CancelInput{EntryID: *entryID, Actor: actor, Reason: reason})
		if err != nil && !errors.Is(err, accounting.ErrInvalidStatus) {
			return Record{}, fmt.Errorf("accrual: cancel journal %d: %w", *entryID, err)
		}
	}
	record.State = StateCancelled
	if err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateRecord(ctx, record)
	}); err != nil {
		return Record{}, err
	}
	s.metrics.recordCancelled()
	if record.AccrualEntryID != nil {
		s.invalidate(ctx, record.CompanyID)
	}
	s.record(ctx, actor, "accrual.cancel", record, map[string]any{"reason": reason})
	return record, nil
}

// UpdateLines replaces line amounts of a draft record. amounts are keyed by
// line id and expressed in the order currency.
func (s *Service) UpdateLines(ctx context.Context, id int64, amounts map[int64]decimal.Decimal) (Record, error) {
	var record Record
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if current.State != StateDraft {
			return ErrInvalidState
		}
		lines, err := ReplaceAmounts(current, amounts)
		if err != nil {
			return err
		}
		current.Total = LinesTotal(lines)
		if err := tx.ReplaceLines(ctx, current.ID, lines); err != nil {
			return err
		}
		if err := tx.UpdateRecord(ctx, current); err != nil {
			return err
		}
		current.Lines = lines
		record = current
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	s.record(ctx, shared.ActorFromContext(ctx), "accrual.update_lines", record, map[string]any{
		"total": record.Total.StringFixed(2),
	})
	return record, nil
}

// Delete removes a draft or cancelled record with its lines.
func (s *Service) Delete(ctx context.Context, id int64) error {
	var record Record
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if current.State != StateDraft && current.State != StateCancelled {
			return ErrInvalidState
		}
		record = current
		return tx.DeleteRecord(ctx, id)
	})
	if err != nil {
		return err
	}
	s.record(ctx, shared.ActorFromContext(ctx), "accrual.delete", record, nil)
	return nil
}

// Get loads a record with its lines.
func (s *Service) Get(ctx context.Context, id int64) (Record, error) {
	var record Record
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		record, err = tx.GetRecord(ctx, id)
		return err
	})
	return record, err
}

// List returns records matching filter and the total count.
func (s *Service) List(ctx context.Context, filter Filter) ([]Record, int, error) {
	var (
		records []Record
		total   int
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		records, total, err = tx.ListRecords(ctx, filter, false)
		return err
	})
	return records, total, err
}

// RefreshState rederives the record state from its journals, persisting it
// when it drifted.
func (s *Service) RefreshState(ctx context.Context, id int64) (Record, error) {
	record, err := s.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	accrual, err := s.journalStatus(ctx, record.AccrualEntryID)
	if err != nil {
		return Record{}, err
	}
	reversal, err := s.journalStatus(ctx, record.ReversalEntryID)
	if err != nil {
		return Record{}, err
	}
	state := DeriveState(accrual, reversal, record.Adjustment())
	if state == record.State {
		return record, nil
	}
	s.logger.Warn("accrual state drift",
		slog.Int64("record_id", record.ID),
		slog.String("stored", string(record.State)),
		slog.String("derived", string(state)))
	record.State = state
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateRecord(ctx, record)
	})
	return record, err
}

func (s *Service) journalStatus(ctx context.Context, id *int64) (*accounting.JournalStatus, error) {
	if id == nil {
		return nil, nil
	}
	entry, err := s.ledger.GetJournal(ctx, *id)
	if errors.Is(err, accounting.ErrJournalNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	status := entry.Status
	return &status, nil
}

func (s *Service) invalidate(ctx context.Context, companyID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Bump(ctx, companyID); err != nil {
		s.logger.Warn("report cache bump failed", slog.Int64("company_id", companyID), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, actor, action string, record Record, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["order_id"] = record.OrderID
	meta["state"] = string(record.State)
	_ = s.audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   "accrual_record",
		EntityID: fmt.Sprintf("%d", record.ID),
		Meta:     meta,
		At:       s.now(),
	})
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
