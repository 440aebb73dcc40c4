package sales

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepository struct {
	orders     map[int64]Order
	categories []Category
	rates      map[string]decimal.Decimal
	billed     []BilledAmount
	matches    []CodeMatch
	billedFrom time.Time
	billedTo   time.Time
	billedIDs  []int64
}

func newMockRepository(orders ...Order) *mockRepository {
	m := &mockRepository{orders: make(map[int64]Order), rates: make(map[string]decimal.Decimal)}
	for _, o := range orders {
		m.orders[o.ID] = o
	}
	return m
}

func (m *mockRepository) GetOrder(ctx context.Context, id int64) (Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

func (m *mockRepository) ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error) {
	var out []Order
	for _, o := range m.orders {
		if filter.EligibleOnly && !o.Eligible() {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (m *mockRepository) OrdersByCECode(ctx context.Context, companyID int64, code string, match CodeMatch) ([]Order, error) {
	m.matches = append(m.matches, match)
	var out []Order
	for _, o := range m.orders {
		var ok bool
		switch match {
		case MatchExact:
			ok = o.CECode == code
		case MatchLegacyExact:
			ok = o.LegacyCECode != "" && o.LegacyCECode == code
		case MatchInsensitive:
			ok = equalFoldNonEmpty(o.CECode, code)
		case MatchLegacyInsensitive:
			ok = equalFoldNonEmpty(o.LegacyCECode, code)
		}
		if ok {
			out = append(out, o)
		}
	}
	return out, nil
}

func equalFoldNonEmpty(a, b string) bool {
	return a != "" && NormalizeCECode(a) == NormalizeCECode(b) && len(a) == len(b)
}

func (m *mockRepository) ListCodeRefs(ctx context.Context, companyID int64) ([]CodeRef, error) {
	var refs []CodeRef
	for _, o := range m.orders {
		refs = append(refs, CodeRef{OrderID: o.ID, CECode: o.CECode, LegacyCECode: o.LegacyCECode})
	}
	return refs, nil
}

func (m *mockRepository) ListCategories(ctx context.Context) ([]Category, error) {
	return m.categories, nil
}

func (m *mockRepository) LatestRate(ctx context.Context, currency string, date time.Time) (decimal.Decimal, error) {
	rate, ok := m.rates[currency]
	if !ok {
		return decimal.Zero, ErrRateNotFound
	}
	return rate, nil
}

func (m *mockRepository) BilledAmounts(ctx context.Context, companyID int64, orderIDs []int64, from, to time.Time) ([]BilledAmount, error) {
	m.billedFrom, m.billedTo, m.billedIDs = from, to, orderIDs
	return m.billed, nil
}

func int64Ptr(v int64) *int64 { return &v }

// ============================================================================
// DOMAIN
// ============================================================================

func TestOrderEligible(t *testing.T) {
	assert.True(t, Order{State: OrderStateSale, CEStatus: CEStatusSigned}.Eligible())
	assert.True(t, Order{State: OrderStateSale, CEStatus: CEStatusBillable}.Eligible())
	assert.False(t, Order{State: OrderStateSale, CEStatus: CEStatusDraft}.Eligible())
	assert.False(t, Order{State: OrderStateDone, CEStatus: CEStatusSigned}.Eligible())
}

func TestNormalizeCECode(t *testing.T) {
	assert.Equal(t, "CE-2024-001", NormalizeCECode("  ce - 2024 -\t001 "))
	assert.Equal(t, "", NormalizeCECode("   "))
}

func TestCategoryTreeWithin(t *testing.T) {
	tree := NewCategoryTree([]Category{
		{ID: 1, Name: "All", IncomeAccountID: int64Ptr(400)},
		{ID: 2, Name: "Agency Charges", ParentID: int64Ptr(1)},
		{ID: 3, Name: "Creative", ParentID: int64Ptr(2), IncomeAccountID: int64Ptr(410)},
		{ID: 4, Name: "Media", ParentID: int64Ptr(1)},
		{ID: 5, Name: "Loop A", ParentID: int64Ptr(6)},
		{ID: 6, Name: "Loop B", ParentID: int64Ptr(5)},
	})

	assert.True(t, tree.Within(3, "agency charges"))
	assert.True(t, tree.Within(2, " AGENCY CHARGES "))
	assert.False(t, tree.Within(4, "agency charges"))
	assert.False(t, tree.Within(5, "agency charges"))
	assert.False(t, tree.Within(99, "agency charges"))
	assert.False(t, tree.Within(3, ""))

	account, ok := tree.IncomeAccount(3)
	require.True(t, ok)
	assert.Equal(t, int64(410), account)
	account, ok = tree.IncomeAccount(2)
	require.True(t, ok)
	assert.Equal(t, int64(400), account)
	_, ok = tree.IncomeAccount(5)
	assert.False(t, ok)
}

// ============================================================================
// SERVICE
// ============================================================================

func TestFindByCECodeCascade(t *testing.T) {
	repo := newMockRepository(
		Order{ID: 1, CECode: "CE-001"},
		Order{ID: 2, CECode: "CE-002", LegacyCECode: "OLD-77"},
		Order{ID: 3, CECode: "ce-003"},
		Order{ID: 4, CECode: "CE 004"},
	)
	service := NewService(repo, "PHP")
	ctx := context.Background()

	order, err := service.FindByCECode(ctx, 1, "CE-001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), order.ID)
	assert.Equal(t, []CodeMatch{MatchExact}, repo.matches)

	repo.matches = nil
	order, err = service.FindByCECode(ctx, 1, "OLD-77")
	require.NoError(t, err)
	assert.Equal(t, int64(2), order.ID)
	assert.Equal(t, []CodeMatch{MatchExact, MatchLegacyExact}, repo.matches)

	order, err = service.FindByCECode(ctx, 1, "CE-003")
	require.NoError(t, err)
	assert.Equal(t, int64(3), order.ID)

	order, err = service.FindByCECode(ctx, 1, "ce004")
	require.NoError(t, err)
	assert.Equal(t, int64(4), order.ID)

	_, err = service.FindByCECode(ctx, 1, "CE-999")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = service.FindByCECode(ctx, 1, "  ")
	require.True(t, IsNotFound(err))
}

func TestRate(t *testing.T) {
	repo := newMockRepository()
	repo.rates["USD"] = decimal.RequireFromString("56")
	repo.rates["EUR"] = decimal.RequireFromString("60")
	service := NewService(repo, "php")
	ctx := context.Background()
	date := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	rate, err := service.Rate(ctx, "USD", "PHP", date)
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(56)))

	rate, err = service.Rate(ctx, "PHP", "PHP", date)
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(1)))

	rate, err = service.Rate(ctx, "EUR", "USD", date)
	require.NoError(t, err)
	assert.Equal(t, "1.0714", rate.StringFixed(4))

	_, err = service.Rate(ctx, "JPY", "PHP", date)
	require.ErrorIs(t, err, ErrRateNotFound)
}

func TestBilledAmountsUsesCalendarMonth(t *testing.T) {
	repo := newMockRepository()
	repo.billed = []BilledAmount{
		{OrderID: 1, Amount: decimal.RequireFromString("100.50")},
		{OrderID: 2, Amount: decimal.RequireFromString("20")},
	}
	service := NewService(repo, "PHP")

	billed, err := service.BilledAmounts(context.Background(), 1, []int64{1, 2}, time.Date(2024, 2, 14, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), repo.billedFrom)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), repo.billedTo)
	assert.Equal(t, "100.50", billed[1].StringFixed(2))

	empty, err := service.BilledAmounts(context.Background(), 1, nil, time.Now())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestBilledInMonthCoversAllOrders(t *testing.T) {
	repo := newMockRepository()
	repo.billed = []BilledAmount{
		{OrderID: 3, Amount: decimal.RequireFromString("40")},
		{OrderID: 3, Amount: decimal.RequireFromString("2.5")},
	}
	billed, err := NewService(repo, "PHP").BilledInMonth(context.Background(), 1, time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Nil(t, repo.billedIDs)
	assert.Equal(t, time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), repo.billedTo)
	assert.Equal(t, "42.50", billed[3].StringFixed(2))
}

func TestListEligibleOrders(t *testing.T) {
	repo := newMockRepository(
		Order{ID: 1, State: OrderStateSale, CEStatus: CEStatusSigned},
		Order{ID: 2, State: OrderStateDraft, CEStatus: CEStatusSigned},
	)
	orders, err := NewService(repo, "PHP").ListEligibleOrders(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, int64(1), orders[0].ID)
}
