package accrual

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/accruals/internal/accounting"
	"github.com/odyssey-erp/accruals/internal/sales"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func ptr[T any](v T) *T {
	return &v
}

func fixtureTree() sales.CategoryTree {
	return sales.NewCategoryTree([]sales.Category{
		{ID: 1, Name: "All"},
		{ID: 2, Name: "Revenue", ParentID: ptr[int64](1), IncomeAccountID: ptr[int64](400)},
		{ID: 3, Name: "Services", ParentID: ptr[int64](2)},
		{ID: 4, Name: "Consumables", ParentID: ptr[int64](1)},
	})
}

func fixtureOrder() sales.Order {
	return sales.Order{
		ID:           7,
		CompanyID:    1,
		Name:         "SO001",
		State:        sales.OrderStateSale,
		PartnerID:    11,
		PartnerName:  "Acme",
		Currency:     "USD",
		CECode:       "CE-001",
		CEStatus:     sales.CEStatusSigned,
		Distribution: accounting.Distribution{"OPS": dec("100")},
		Lines: []sales.OrderLine{
			{ID: 10, Name: "Design", CategoryID: ptr[int64](3), OrderedQty: dec("10"), InvoicedQty: dec("4"), UnitPrice: dec("100"),
				Distribution: accounting.Distribution{"A": dec("100")}},
			{ID: 11, Name: "Support", CategoryID: ptr[int64](3), IncomeAccountID: ptr[int64](410), OrderedQty: dec("2"), UnitPrice: dec("50"),
				Distribution: accounting.Distribution{"A": dec("50"), "B": dec("50")}},
			{ID: 12, Name: "Section", DisplayType: "line_section"},
			{ID: 13, Name: "Paper", CategoryID: ptr[int64](4), OrderedQty: dec("3"), UnitPrice: dec("5")},
			{ID: 14, Name: "Done", CategoryID: ptr[int64](3), OrderedQty: dec("5"), InvoicedQty: dec("5"), UnitPrice: dec("20")},
		},
	}
}

func fixtureParams() BuildParams {
	return BuildParams{
		Order:            fixtureOrder(),
		Categories:       fixtureTree(),
		RevenueCategory:  "revenue",
		AccruedAccountID: 900,
		Rate:             decimal.NewFromInt(1),
	}
}

func TestBuildLinesCreditsRevenueAndDebitsAccrued(t *testing.T) {
	lines, err := BuildLines(fixtureParams())
	require.NoError(t, err)
	require.Len(t, lines, 3)

	assert.Equal(t, "SO001 - Design", lines[0].Label)
	assert.Equal(t, int64(400), lines[0].AccountID)
	assert.True(t, lines[0].Credit.Equal(dec("600")))
	assert.True(t, lines[0].AmountCurrency.Equal(dec("-600")))
	require.NotNil(t, lines[0].OrderLineID)
	assert.Equal(t, int64(10), *lines[0].OrderLineID)

	assert.Equal(t, int64(410), lines[1].AccountID)
	assert.True(t, lines[1].Credit.Equal(dec("100")))

	total := lines[2]
	assert.True(t, total.IsTotal)
	assert.Equal(t, TotalLabel, total.Label)
	assert.Equal(t, int64(900), total.AccountID)
	assert.True(t, total.Debit.Equal(dec("700")))
	assert.True(t, total.Credit.IsZero())
	assert.True(t, total.AmountCurrency.Equal(dec("700")))
	assert.True(t, Balanced(lines))
	assert.True(t, LinesTotal(lines).Equal(dec("700")))

	assert.True(t, total.Distribution["A"].Equal(dec("92.86")))
	assert.True(t, total.Distribution["B"].Equal(dec("7.14")))
}

func TestBuildLinesConvertsLedgerAmountsWithRate(t *testing.T) {
	p := fixtureParams()
	p.Rate = dec("1.5")
	lines, err := BuildLines(p)
	require.NoError(t, err)
	assert.True(t, lines[0].Credit.Equal(dec("900")))
	assert.True(t, lines[0].AmountCurrency.Equal(dec("-600")))
	assert.True(t, lines[2].Debit.Equal(dec("1050")))
}

func TestBuildLinesReturnsNothingWhenFullyInvoiced(t *testing.T) {
	p := fixtureParams()
	for i := range p.Order.Lines {
		p.Order.Lines[i].InvoicedQty = p.Order.Lines[i].OrderedQty
	}
	lines, err := BuildLines(p)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestBuildLinesRequiresIncomeAccount(t *testing.T) {
	p := fixtureParams()
	p.Categories = sales.NewCategoryTree([]sales.Category{
		{ID: 2, Name: "Revenue"},
		{ID: 3, Name: "Services", ParentID: ptr[int64](2)},
	})
	_, err := BuildLines(p)
	require.ErrorIs(t, err, ErrNoIncomeAccount)
	assert.Contains(t, err.Error(), "Design")
}

func TestBuildLinesAdjustmentReversesOveraccrual(t *testing.T) {
	p := fixtureParams()
	p.Adjustment = true
	p.Previous = map[int64]decimal.Decimal{10: dec("800"), 11: dec("100")}
	lines, err := BuildLines(p)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.True(t, lines[0].Debit.Equal(dec("200")))
	assert.True(t, lines[0].AmountCurrency.Equal(dec("200")))
	assert.True(t, lines[1].Credit.Equal(dec("200")))
	assert.Equal(t, int64(900), lines[1].AccountID)
}

func TestWeightedDistributionAssignsRemainderToLargestShare(t *testing.T) {
	lines := []Line{
		{Credit: dec("1"), Distribution: accounting.Distribution{"A": dec("100")}},
		{Credit: dec("1"), Distribution: accounting.Distribution{"B": dec("100")}},
		{Credit: dec("1"), Distribution: accounting.Distribution{"C": dec("100")}},
	}
	dist := WeightedDistribution(lines, nil)
	assert.True(t, dist.Total().Equal(dec("100")))
	assert.True(t, dist["A"].Equal(dec("33.34")))
	assert.True(t, dist["B"].Equal(dec("33.33")))
}

func TestWeightedDistributionFallsBack(t *testing.T) {
	fallback := accounting.Distribution{"OPS": dec("100")}
	dist := WeightedDistribution([]Line{{Credit: dec("10")}}, fallback)
	assert.Equal(t, fallback, dist)
	assert.Nil(t, WeightedDistribution(nil, nil))
}

func TestPreviousAmountsNetsLaterAdjustments(t *testing.T) {
	older := Record{ID: 1, Date: dec2date("2024-01-31"), State: StateReversed, EntryType: accounting.EntryTypeAccruedSystem,
		Lines: []Line{{OrderLineID: ptr[int64](10), AmountCurrency: dec("-100")}}}
	latest := Record{ID: 2, Date: dec2date("2024-02-29"), State: StateAccrued, EntryType: accounting.EntryTypeAccruedManual,
		Lines: []Line{
			{OrderLineID: ptr[int64](10), AmountCurrency: dec("-250")},
			{IsTotal: true, AmountCurrency: dec("250")},
		}}
	adjustment := Record{ID: 3, Date: dec2date("2024-03-31"), State: StateAccrued, EntryType: accounting.EntryTypeAdjustmentManual,
		Lines: []Line{{OrderLineID: ptr[int64](10), AmountCurrency: dec("50")}}}
	stale := Record{ID: 5, Date: dec2date("2024-02-15"), State: StateAccrued, EntryType: accounting.EntryTypeAdjustmentManual,
		Lines: []Line{{OrderLineID: ptr[int64](10), AmountCurrency: dec("30")}}}
	cancelled := Record{ID: 6, Date: dec2date("2024-03-31"), State: StateCancelled, EntryType: accounting.EntryTypeAdjustmentManual,
		Lines: []Line{{OrderLineID: ptr[int64](10), AmountCurrency: dec("40")}}}
	draft := Record{ID: 4, Date: dec2date("2024-04-30"), State: StateDraft, EntryType: accounting.EntryTypeAccruedSystem,
		Lines: []Line{{OrderLineID: ptr[int64](10), AmountCurrency: dec("-999")}}}

	got := PreviousAmounts([]Record{older, latest, adjustment, draft, stale, cancelled})
	require.Len(t, got, 1)
	assert.True(t, got[10].Equal(dec("200")), got[10].String())
	assert.Empty(t, PreviousAmounts(nil))
}

func draftRecord(t *testing.T) Record {
	t.Helper()
	lines, err := BuildLines(fixtureParams())
	require.NoError(t, err)
	for i := range lines {
		lines[i].ID = int64(i + 1)
	}
	return Record{ID: 1, Currency: "USD", Rate: decimal.NewFromInt(1), Total: dec("700"), OriginalTotal: dec("700"),
		State: StateDraft, EntryType: accounting.EntryTypeAccruedSystem, Lines: lines}
}

func TestReplaceAmountsRebuildsTotal(t *testing.T) {
	record := draftRecord(t)
	lines, err := ReplaceAmounts(record, map[int64]decimal.Decimal{1: dec("500")})
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.True(t, lines[0].Credit.Equal(dec("500")))
	assert.True(t, lines[0].AmountCurrency.Equal(dec("-500")))
	assert.True(t, lines[2].Debit.Equal(dec("600")))
	assert.Equal(t, int64(900), lines[2].AccountID)
	assert.True(t, Balanced(lines))
}

func TestReplaceAmountsDropsZeroLines(t *testing.T) {
	record := draftRecord(t)
	lines, err := ReplaceAmounts(record, map[int64]decimal.Decimal{2: decimal.Zero})
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, 1, lines[0].Sequence)
	assert.True(t, lines[1].Debit.Equal(dec("600")))
}

func TestReplaceAmountsRejectsInvalidInput(t *testing.T) {
	record := draftRecord(t)

	_, err := ReplaceAmounts(record, map[int64]decimal.Decimal{1: dec("700")})
	assert.ErrorIs(t, err, ErrExceedsOriginal)

	_, err = ReplaceAmounts(record, map[int64]decimal.Decimal{99: dec("1")})
	assert.ErrorIs(t, err, ErrUnknownLine)

	_, err = ReplaceAmounts(record, map[int64]decimal.Decimal{1: decimal.Zero, 2: decimal.Zero})
	assert.ErrorIs(t, err, ErrNothingToAccrue)

	_, err = ReplaceAmounts(record, map[int64]decimal.Decimal{1: dec("-1")})
	assert.Error(t, err)
}
