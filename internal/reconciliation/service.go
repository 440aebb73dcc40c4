package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/accruals/internal/accounting"
	"github.com/odyssey-erp/accruals/internal/sales"
	"github.com/odyssey-erp/accruals/internal/shared"
)

// maxRangeMonths bounds multi-month requests.
const maxRangeMonths = 24

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Ledger reads tagged ledger lines.
type Ledger interface {
	ListLines(ctx context.Context, filter accounting.LineFilter) ([]accounting.LedgerLine, error)
	HistoryTotals(ctx context.Context, filter accounting.HistoryFilter) ([]accounting.HistoryTotal, error)
	ResolveAccrualAccount(ctx context.Context, companyID int64) (accounting.Account, error)
}

// Orders resolves CE metadata and billings.
type Orders interface {
	FindByCECode(ctx context.Context, companyID int64, code string) (sales.Order, error)
	ListOrders(ctx context.Context, companyID int64, ids []int64) ([]sales.Order, error)
	BilledInMonth(ctx context.Context, companyID int64, month time.Time) (map[int64]decimal.Decimal, error)
	CompanyCurrency() string
}

// ReportCache stores built reports.
type ReportCache interface {
	BuildKey(ctx context.Context, companyID int64, parts ...string) (string, error)
	FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error
	Bump(ctx context.Context, companyID int64) error
}

// AuditPort records opening balance changes.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Config carries report settings.
type Config struct {
	// OpeningBalanceCutoff is the month-end the opening balance tables describe.
	OpeningBalanceCutoff *time.Time
	CompanyName          string
}

// Deps groups the optional collaborators of Service.
type Deps struct {
	Cache   ReportCache
	Audit   AuditPort
	Metrics *Metrics
	Logger  *slog.Logger
}

// Service builds reconciliation reports and manages opening balances.
type Service struct {
	repo    RepositoryPort
	ledger  Ledger
	orders  Orders
	cfg     Config
	cache   ReportCache
	audit   AuditPort
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewService constructs the reconciliation service.
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

// CompanyName is printed on exported reports.
func (s *Service) CompanyName() string {
	return s.cfg.CompanyName
}

// ============================================================================
// MONTHLY ROLL-FORWARD
// ============================================================================

// Monthly returns the roll-forward of one month, served from cache when warm.
func (s *Service) Monthly(ctx context.Context, companyID int64, month time.Time) (Report, error) {
	month = MonthStart(month)
	if s.cache == nil {
		return s.buildMonthly(ctx, companyID, month)
	}
	key, err := s.cache.BuildKey(ctx, companyID, "monthly", month.Format("2006-01"))
	if err != nil {
		return Report{}, err
	}
	var report Report
	err = s.cache.FetchJSON(ctx, key, &report, func(ctx context.Context) (any, error) {
		val, err, _ := singleflightBuild(ctx, key, func(ctx context.Context) (any, error) {
			return s.buildMonthly(ctx, companyID, month)
		})
		return val, err
	})
	if err != nil {
		return Report{}, err
	}
	return report, nil
}

// Range returns one roll-forward per month from the month of from through the
// month of to.
func (s *Service) Range(ctx context.Context, companyID int64, from, to time.Time) ([]Report, error) {
	months, err := monthsBetween(from, to)
	if err != nil {
		return nil, err
	}
	reports := make([]Report, 0, len(months))
	for _, month := range months {
		report, err := s.Monthly(ctx, companyID, month)
		if err != nil {
			return nil, fmt.Errorf("reconciliation: %s: %w", Title(month), err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func monthsBetween(from, to time.Time) ([]time.Time, error) {
	start, end := MonthStart(from), MonthStart(to)
	if end.Before(start) {
		return nil, ErrInvalidRange
	}
	var months []time.Time
	for m := start; !m.After(end); m = m.AddDate(0, 1, 0) {
		months = append(months, m)
		if len(months) > maxRangeMonths {
			return nil, fmt.Errorf("%w: at most %d months", ErrInvalidRange, maxRangeMonths)
		}
	}
	return months, nil
}

func (s *Service) buildMonthly(ctx context.Context, companyID int64, month time.Time) (Report, error) {
	defer s.metrics.observeBuild("monthly", time.Now())
	account, err := s.ledger.ResolveAccrualAccount(ctx, companyID)
	if err != nil {
		return Report{}, err
	}
	start, end, accrualStart, priorEnd := Window(month)
	accrualUntil, reversalUntil := HistoryBounds(month)
	fallback := FallbackActive(month, s.cfg.OpeningBalanceCutoff)

	in := MonthlyInput{CompanyID: companyID, Month: start, Cutoff: s.cfg.OpeningBalanceCutoff}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lines, err := s.ledger.ListLines(gctx, accounting.LineFilter{
			CompanyID: companyID, AccountID: account.ID, From: accrualStart, To: end,
			Types: accounting.AllEntryTypes,
		})
		in.Lines = lines
		return err
	})
	g.Go(func() error {
		history, err := s.ledger.HistoryTotals(gctx, accounting.HistoryFilter{
			CompanyID: companyID, AccountID: account.ID, AccrualUntil: accrualUntil, ReversalUntil: reversalUntil,
		})
		in.History = history
		return err
	})
	if fallback {
		g.Go(func() error {
			balances, err := s.openingBalancesAt(gctx, companyID, priorEnd)
			in.OpeningBalances = balances
			return err
		})
		g.Go(func() error {
			balances, err := s.reversalBalancesAt(gctx, companyID, priorEnd)
			in.ReversalBalances = balances
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	report := BuildMonthly(in)
	lookup, err := s.lookupMeta(ctx, companyID, report.MissingMeta())
	if err != nil {
		return Report{}, err
	}
	report.FillMeta(lookup)
	return report, nil
}

// lookupMeta resolves CE metadata from the matching order of each key.
func (s *Service) lookupMeta(ctx context.Context, companyID int64, keys []GroupKey) (map[GroupKey]CEMeta, error) {
	out := make(map[GroupKey]CEMeta, len(keys))
	for _, key := range keys {
		order, err := s.orders.FindByCECode(ctx, companyID, key.CECode)
		if sales.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[key] = orderMeta(order)
	}
	return out, nil
}

func orderMeta(order sales.Order) CEMeta {
	meta := CEMeta{Description: order.JobDescription, CEStatus: string(order.CEStatus), CEDate: order.CEDate}
	if meta.CEDate == nil && !order.OrderDate.IsZero() {
		d := order.OrderDate
		meta.CEDate = &d
	}
	return meta
}

// MonthDetail is a roll-forward together with the journal lines behind it.
type MonthDetail struct {
	Report Report
	// AccrualLines are the income-side lines of the accrual entries dated in
	// the previous month.
	AccrualLines []accounting.LedgerLine
	// GLLines are all accrued-account lines of the report window.
	GLLines []accounting.LedgerLine
}

// Details returns the roll-forwards of a month range with their journal lines.
func (s *Service) Details(ctx context.Context, companyID int64, from, to time.Time) ([]MonthDetail, error) {
	months, err := monthsBetween(from, to)
	if err != nil {
		return nil, err
	}
	account, err := s.ledger.ResolveAccrualAccount(ctx, companyID)
	if err != nil {
		return nil, err
	}
	details := make([]MonthDetail, len(months))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, month := range months {
		g.Go(func() error {
			report, err := s.Monthly(gctx, companyID, month)
			if err != nil {
				return err
			}
			_, end, accrualStart, accrualEnd := Window(month)
			accrualLines, err := s.ledger.ListLines(gctx, accounting.LineFilter{
				CompanyID: companyID, ExcludeAccountID: account.ID, From: accrualStart, To: accrualEnd,
				Types: []accounting.EntryType{accounting.EntryTypeAccruedSystem, accounting.EntryTypeAccruedManual},
			})
			if err != nil {
				return err
			}
			glLines, err := s.ledger.ListLines(gctx, accounting.LineFilter{
				CompanyID: companyID, AccountID: account.ID, From: accrualStart, To: end,
			})
			if err != nil {
				return err
			}
			details[i] = MonthDetail{Report: report, AccrualLines: accrualLines, GLLines: glLines}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return details, nil
}

// ============================================================================
// REVENUE REPORT
// ============================================================================

// Revenue builds the revenue adjustment report of a month. When partnerIDs is
// non-empty only those customers are included.
func (s *Service) Revenue(ctx context.Context, companyID int64, month time.Time, partnerIDs []int64) (RevenueReport, error) {
	defer s.metrics.observeBuild("revenue", time.Now())
	month = MonthStart(month)
	account, err := s.ledger.ResolveAccrualAccount(ctx, companyID)
	if err != nil {
		return RevenueReport{}, err
	}
	start, end, _, priorEnd := Window(month)
	in := RevenueInput{CompanyID: companyID, Month: start, Cutoff: s.cfg.OpeningBalanceCutoff}

	wanted := make(map[int64]bool, len(partnerIDs))
	for _, id := range partnerIDs {
		wanted[id] = true
	}

	var billed map[int64]decimal.Decimal
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lines, err := s.ledger.ListLines(gctx, accounting.LineFilter{
			CompanyID: companyID, AccountID: account.ID, From: start, To: end, PartnerIDs: partnerIDs,
		})
		in.Lines = lines
		return err
	})
	g.Go(func() error {
		var err error
		billed, err = s.orders.BilledInMonth(gctx, companyID, start)
		return err
	})
	if FallbackActive(start, s.cfg.OpeningBalanceCutoff) {
		g.Go(func() error {
			balances, err := s.reversalBalancesAt(gctx, companyID, priorEnd)
			in.ReversalBalances = balances
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return RevenueReport{}, err
	}

	if len(billed) > 0 {
		ids := make([]int64, 0, len(billed))
		for id := range billed {
			ids = append(ids, id)
		}
		orders, err := s.orders.ListOrders(ctx, companyID, ids)
		if err != nil {
			return RevenueReport{}, err
		}
		for _, order := range orders {
			if len(wanted) > 0 && !wanted[order.PartnerID] {
				continue
			}
			in.Billed = append(in.Billed, BilledOrder{
				OrderID:     order.ID,
				PartnerName: order.PartnerName,
				CECode:      order.CECode,
				Amount:      billed[order.ID],
				Meta:        orderMeta(order),
			})
		}
	}

	if len(wanted) > 0 && len(in.ReversalBalances) > 0 {
		scope, err := s.reversalScope(ctx, companyID, in, wanted)
		if err != nil {
			return RevenueReport{}, err
		}
		in.ReversalScope = scope
	}

	report := BuildRevenue(in)
	lookup, err := s.lookupMeta(ctx, companyID, report.MissingMeta())
	if err != nil {
		return RevenueReport{}, err
	}
	report.FillMeta(lookup)
	return report, nil
}

// reversalScope returns the normalized codes a customer-filtered revenue
// report owns: codes already on its lines or billed orders, plus reversal
// opening balance codes whose order belongs to one of the wanted partners.
func (s *Service) reversalScope(ctx context.Context, companyID int64, in RevenueInput, wanted map[int64]bool) (map[string]bool, error) {
	scope := map[string]bool{}
	for _, line := range in.Lines {
		if code := NormalizeCode(line.CECode); code != "" {
			scope[code] = true
		}
	}
	for _, billed := range in.Billed {
		if code := NormalizeCode(billed.CECode); code != "" {
			scope[code] = true
		}
	}
	for _, rob := range in.ReversalBalances {
		code := rob.NormalizedCode
		if code == "" {
			code = NormalizeCode(rob.CECode)
		}
		if scope[code] {
			continue
		}
		order, err := s.orders.FindByCECode(ctx, companyID, rob.CECode)
		if sales.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if wanted[order.PartnerID] {
			scope[code] = true
		}
	}
	return scope, nil
}

// ============================================================================
// OPENING BALANCES
// ============================================================================

func (s *Service) openingBalancesAt(ctx context.Context, companyID int64, date time.Time) ([]OpeningBalance, error) {
	var out []OpeningBalance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, _, err = tx.ListOpeningBalances(ctx, BalanceFilter{CompanyID: companyID, BalanceDate: &date})
		return err
	})
	return out, err
}

func (s *Service) reversalBalancesAt(ctx context.Context, companyID int64, date time.Time) ([]ReversalOpeningBalance, error) {
	var out []ReversalOpeningBalance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, _, err = tx.ListReversalBalances(ctx, BalanceFilter{CompanyID: companyID, BalanceDate: &date})
		return err
	})
	return out, err
}

// ListOpeningBalances returns a page of opening balances.
func (s *Service) ListOpeningBalances(ctx context.Context, filter BalanceFilter) ([]OpeningBalance, int, error) {
	var (
		out   []OpeningBalance
		total int
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, total, err = tx.ListOpeningBalances(ctx, filter)
		return err
	})
	return out, total, err
}

// GetOpeningBalance fetches one opening balance.
func (s *Service) GetOpeningBalance(ctx context.Context, id int64) (OpeningBalance, error) {
	var out OpeningBalance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = tx.GetOpeningBalance(ctx, id)
		return err
	})
	return out, err
}

// CreateOpeningBalance validates and stores a new opening balance.
func (s *Service) CreateOpeningBalance(ctx context.Context, ob OpeningBalance) (OpeningBalance, error) {
	if err := s.prepareOpening(&ob); err != nil {
		return OpeningBalance{}, err
	}
	var created OpeningBalance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		created, err = tx.InsertOpeningBalance(ctx, ob)
		return err
	})
	if err != nil {
		return OpeningBalance{}, err
	}
	s.afterChange(ctx, created.CompanyID, "opening_balance.create", "opening_balance", created.ID, created.NormalizedCode)
	return created, nil
}

// UpdateOpeningBalance replaces an opening balance.
func (s *Service) UpdateOpeningBalance(ctx context.Context, ob OpeningBalance) (OpeningBalance, error) {
	if err := s.prepareOpening(&ob); err != nil {
		return OpeningBalance{}, err
	}
	var updated OpeningBalance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetOpeningBalance(ctx, ob.ID)
		if err != nil {
			return err
		}
		ob.CompanyID = current.CompanyID
		updated, err = tx.UpdateOpeningBalance(ctx, ob)
		return err
	})
	if err != nil {
		return OpeningBalance{}, err
	}
	s.afterChange(ctx, updated.CompanyID, "opening_balance.update", "opening_balance", updated.ID, updated.NormalizedCode)
	return updated, nil
}

// DeleteOpeningBalance removes an opening balance.
func (s *Service) DeleteOpeningBalance(ctx context.Context, id int64) error {
	var current OpeningBalance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if current, err = tx.GetOpeningBalance(ctx, id); err != nil {
			return err
		}
		return tx.DeleteOpeningBalance(ctx, id)
	})
	if err != nil {
		return err
	}
	s.afterChange(ctx, current.CompanyID, "opening_balance.delete", "opening_balance", id, current.NormalizedCode)
	return nil
}

func (s *Service) prepareOpening(ob *OpeningBalance) error {
	ob.CECode = strings.TrimSpace(ob.CECode)
	ob.NormalizedCode = NormalizeCode(ob.CECode)
	switch {
	case ob.CompanyID <= 0:
		return fmt.Errorf("%w: company required", ErrInvalidBalance)
	case ob.NormalizedCode == "":
		return fmt.Errorf("%w: CE code required", ErrInvalidBalance)
	case ob.BalanceDate.IsZero():
		return fmt.Errorf("%w: balance date required", ErrInvalidBalance)
	}
	if ob.Currency == "" && s.orders != nil {
		ob.Currency = s.orders.CompanyCurrency()
	}
	ob.Currency = strings.ToUpper(ob.Currency)
	s.warnMonthEnd(ob.CECode, ob.BalanceDate)
	return nil
}

// ============================================================================
// REVERSAL OPENING BALANCES
// ============================================================================

// ListReversalBalances returns a page of reversal opening balances.
func (s *Service) ListReversalBalances(ctx context.Context, filter BalanceFilter) ([]ReversalOpeningBalance, int, error) {
	var (
		out   []ReversalOpeningBalance
		total int
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, total, err = tx.ListReversalBalances(ctx, filter)
		return err
	})
	return out, total, err
}

// GetReversalBalance fetches one reversal opening balance.
func (s *Service) GetReversalBalance(ctx context.Context, id int64) (ReversalOpeningBalance, error) {
	var out ReversalOpeningBalance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = tx.GetReversalBalance(ctx, id)
		return err
	})
	return out, err
}

// CreateReversalBalance validates and stores a new reversal opening balance.
func (s *Service) CreateReversalBalance(ctx context.Context, rob ReversalOpeningBalance) (ReversalOpeningBalance, error) {
	if err := s.prepareReversal(&rob); err != nil {
		return ReversalOpeningBalance{}, err
	}
	var created ReversalOpeningBalance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		created, err = tx.InsertReversalBalance(ctx, rob)
		return err
	})
	if err != nil {
		return ReversalOpeningBalance{}, err
	}
	s.afterChange(ctx, created.CompanyID, "reversal_opening_balance.create", "reversal_opening_balance", created.ID, created.NormalizedCode)
	return created, nil
}

// UpdateReversalBalance replaces a reversal opening balance.
func (s *Service) UpdateReversalBalance(ctx context.Context, rob ReversalOpeningBalance) (ReversalOpeningBalance, error) {
	if err := s.prepareReversal(&rob); err != nil {
		return ReversalOpeningBalance{}, err
	}
	var updated ReversalOpeningBalance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetReversalBalance(ctx, rob.ID)
		if err != nil {
			return err
		}
		rob.CompanyID = current.CompanyID
		updated, err = tx.UpdateReversalBalance(ctx, rob)
		return err
	})
	if err != nil {
		return ReversalOpeningBalance{}, err
	}
	s.afterChange(ctx, updated.CompanyID, "reversal_opening_balance.update", "reversal_opening_balance", updated.ID, updated.NormalizedCode)
	return updated, nil
}

// DeleteReversalBalance removes a reversal opening balance.
func (s *Service) DeleteReversalBalance(ctx context.Context, id int64) error {
	var current ReversalOpeningBalance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if current, err = tx.GetReversalBalance(ctx, id); err != nil {
			return err
		}
		return tx.DeleteReversalBalance(ctx, id)
	})
	if err != nil {
		return err
	}
	s.afterChange(ctx, current.CompanyID, "reversal_opening_balance.delete", "reversal_opening_balance", id, current.NormalizedCode)
	return nil
}

func (s *Service) prepareReversal(rob *ReversalOpeningBalance) error {
	rob.CECode = strings.TrimSpace(rob.CECode)
	rob.NormalizedCode = NormalizeCode(rob.CECode)
	switch {
	case rob.CompanyID <= 0:
		return fmt.Errorf("%w: company required", ErrInvalidBalance)
	case rob.NormalizedCode == "":
		return fmt.Errorf("%w: CE code required", ErrInvalidBalance)
	case rob.BalanceDate.IsZero():
		return fmt.Errorf("%w: balance date required", ErrInvalidBalance)
	}
	s.warnMonthEnd(rob.CECode, rob.BalanceDate)
	return nil
}

func (s *Service) warnMonthEnd(code string, date time.Time) {
	if IsMonthEnd(date) {
		return
	}
	s.logger.Warn("opening balance date is not a month end",
		slog.String("ce_code", code), slog.String("balance_date", date.Format(time.DateOnly)))
}

func (s *Service) afterChange(ctx context.Context, companyID int64, action, entity string, id int64, code string) {
	if s.cache != nil {
		if err := s.cache.Bump(ctx, companyID); err != nil {
			s.logger.Warn("report cache bump failed", slog.Int64("company_id", companyID), slog.Any("error", err))
		}
	}
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    shared.ActorFromContext(ctx),
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(id, 10),
		Meta:     map[string]any{"ce_code": code, "company_id": companyID},
		At:       s.now(),
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

// IsNotFound reports whether err is a missing opening balance.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
