package sales

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RepositoryPort is the read surface the service needs.
type RepositoryPort interface {
	GetOrder(ctx context.Context, id int64) (Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error)
	OrdersByCECode(ctx context.Context, companyID int64, code string, match CodeMatch) ([]Order, error)
	ListCodeRefs(ctx context.Context, companyID int64) ([]CodeRef, error)
	ListCategories(ctx context.Context) ([]Category, error)
	LatestRate(ctx context.Context, currency string, date time.Time) (decimal.Decimal, error)
	BilledAmounts(ctx context.Context, companyID int64, orderIDs []int64, from, to time.Time) ([]BilledAmount, error)
}

// Service answers order, category and rate questions for accrual and
// reporting flows.
type Service struct {
	repo            RepositoryPort
	companyCurrency string
}

// NewService constructs a sales service. Rates are expressed against
// companyCurrency.
func NewService(repo RepositoryPort, companyCurrency string) *Service {
	return &Service{repo: repo, companyCurrency: strings.ToUpper(companyCurrency)}
}

// CompanyCurrency returns the ledger currency.
func (s *Service) CompanyCurrency() string {
	return s.companyCurrency
}

// GetOrder loads a single order.
func (s *Service) GetOrder(ctx context.Context, id int64) (Order, error) {
	return s.repo.GetOrder(ctx, id)
}

// ListOrders loads the given orders.
func (s *Service) ListOrders(ctx context.Context, companyID int64, ids []int64) ([]Order, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.repo.ListOrders(ctx, OrderFilter{CompanyID: companyID, IDs: ids})
}

// ListEligibleOrders returns confirmed orders with a signed or billable CE.
func (s *Service) ListEligibleOrders(ctx context.Context, companyID int64) ([]Order, error) {
	return s.repo.ListOrders(ctx, OrderFilter{CompanyID: companyID, EligibleOnly: true})
}

// Categories loads the product category tree.
func (s *Service) Categories(ctx context.Context) (CategoryTree, error) {
	categories, err := s.repo.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	return NewCategoryTree(categories), nil
}

// FindByCECode resolves a CE code to an order, trying exact, legacy,
// case-insensitive and finally whitespace-normalized matches.
func (s *Service) FindByCECode(ctx context.Context, companyID int64, code string) (Order, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Order{}, ErrNotFound
	}
	for _, match := range []CodeMatch{MatchExact, MatchLegacyExact, MatchInsensitive, MatchLegacyInsensitive} {
		orders, err := s.repo.OrdersByCECode(ctx, companyID, code, match)
		if err != nil {
			return Order{}, err
		}
		if len(orders) > 0 {
			return orders[0], nil
		}
	}
	refs, err := s.repo.ListCodeRefs(ctx, companyID)
	if err != nil {
		return Order{}, err
	}
	want := NormalizeCECode(code)
	for _, ref := range refs {
		if NormalizeCECode(ref.CECode) == want || (ref.LegacyCECode != "" && NormalizeCECode(ref.LegacyCECode) == want) {
			return s.repo.GetOrder(ctx, ref.OrderID)
		}
	}
	return Order{}, ErrNotFound
}

// Rate returns the multiplier converting an amount in from into to at date.
func (s *Service) Rate(ctx context.Context, from, to string, date time.Time) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == "" || to == "" || from == to {
		return decimal.NewFromInt(1), nil
	}
	fromRate, err := s.unitRate(ctx, from, date)
	if err != nil {
		return decimal.Zero, err
	}
	toRate, err := s.unitRate(ctx, to, date)
	if err != nil {
		return decimal.Zero, err
	}
	if toRate.IsZero() {
		return decimal.Zero, ErrRateNotFound
	}
	return fromRate.Div(toRate), nil
}

func (s *Service) unitRate(ctx context.Context, currency string, date time.Time) (decimal.Decimal, error) {
	if currency == s.companyCurrency {
		return decimal.NewFromInt(1), nil
	}
	rate, err := s.repo.LatestRate(ctx, currency, date)
	if err != nil {
		return decimal.Zero, err
	}
	if !rate.IsPositive() {
		return decimal.Zero, ErrRateNotFound
	}
	return rate, nil
}

// BilledAmounts returns the untaxed amount invoiced per order in the
// calendar month containing month.
func (s *Service) BilledAmounts(ctx context.Context, companyID int64, orderIDs []int64, month time.Time) (map[int64]decimal.Decimal, error) {
	out := make(map[int64]decimal.Decimal, len(orderIDs))
	if len(orderIDs) == 0 {
		return out, nil
	}
	from := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, -1)
	amounts, err := s.repo.BilledAmounts(ctx, companyID, orderIDs, from, to)
	if err != nil {
		return nil, err
	}
	for _, a := range amounts {
		out[a.OrderID] = out[a.OrderID].Add(a.Amount)
	}
	return out, nil
}

// BilledInMonth returns the untaxed amount invoiced per order for every order
// billed in the calendar month containing month.
func (s *Service) BilledInMonth(ctx context.Context, companyID int64, month time.Time) (map[int64]decimal.Decimal, error) {
	from := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	amounts, err := s.repo.BilledAmounts(ctx, companyID, nil, from, from.AddDate(0, 1, -1))
	if err != nil {
		return nil, err
	}
	out := make(map[int64]decimal.Decimal, len(amounts))
	for _, a := range amounts {
		out[a.OrderID] = out[a.OrderID].Add(a.Amount)
	}
	return out, nil
}

// IsNotFound reports whether err is a missing order.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
