package accrual

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/accruals/internal/accounting"
	"github.com/odyssey-erp/accruals/internal/sales"
)

var hundred = decimal.NewFromInt(100)

// BuildParams carries everything needed to derive the lines of an accrual.
type BuildParams struct {
	Order            sales.Order
	Categories       sales.CategoryTree
	RevenueCategory  string
	AccruedAccountID int64
	// Rate converts order currency amounts into the ledger currency.
	Rate       decimal.Decimal
	Adjustment bool
	// Previous holds the previously accrued amount per order line, in order
	// currency. Only adjustments read it.
	Previous map[int64]decimal.Decimal
}

// BuildLines returns the accrual lines followed by the balancing total line.
// An empty slice means nothing is accruable and the record must be discarded.
func BuildLines(p BuildParams) ([]Line, error) {
	rate := p.Rate
	if rate.IsZero() {
		rate = decimal.NewFromInt(1)
	}
	var lines []Line
	for _, ol := range p.Order.Lines {
		if ol.IsDisplay() || ol.CategoryID == nil {
			continue
		}
		if !p.Categories.Within(*ol.CategoryID, p.RevenueCategory) {
			continue
		}
		current := decimal.Zero
		if qty := ol.AccruableQty(); qty.IsPositive() {
			current = qty.Mul(ol.UnitPrice).Round(2)
		}
		amount := current
		if p.Adjustment {
			amount = p.Previous[ol.ID].Sub(current).Round(2)
		}
		if !amount.IsPositive() {
			continue
		}
		accountID, err := incomeAccount(p.Categories, ol)
		if err != nil {
			return nil, err
		}
		dist := ol.Distribution
		if len(dist) == 0 {
			dist = p.Order.Distribution
		}
		lineID := ol.ID
		line := Line{
			Sequence:     len(lines) + 1,
			OrderLineID:  &lineID,
			Label:        fmt.Sprintf("%s - %s", p.Order.Name, ol.Name),
			AccountID:    accountID,
			Currency:     p.Order.Currency,
			Distribution: dist,
		}
		ledger := amount.Mul(rate).Round(2)
		if p.Adjustment {
			line.Debit = ledger
			line.AmountCurrency = amount
		} else {
			line.Credit = ledger
			line.AmountCurrency = amount.Neg()
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil, nil
	}
	return append(lines, TotalLine(lines, p.AccruedAccountID, p.Order.Currency, p.Order.Distribution)), nil
}

func incomeAccount(tree sales.CategoryTree, ol sales.OrderLine) (int64, error) {
	if ol.IncomeAccountID != nil && *ol.IncomeAccountID != 0 {
		return *ol.IncomeAccountID, nil
	}
	if ol.CategoryID != nil {
		if id, ok := tree.IncomeAccount(*ol.CategoryID); ok {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w for line: %s", ErrNoIncomeAccount, ol.Name)
}

// TotalLine builds the balancing line for lines. Credits on the detail side
// produce a debit total and the other way round.
func TotalLine(lines []Line, accountID int64, currency string, fallback accounting.Distribution) Line {
	debit, credit, amountCurrency := decimal.Zero, decimal.Zero, decimal.Zero
	var detail []Line
	for _, l := range lines {
		if l.IsTotal {
			continue
		}
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
		amountCurrency = amountCurrency.Add(l.AmountCurrency)
		detail = append(detail, l)
	}
	total := Line{
		Sequence:       len(detail) + 1,
		Label:          TotalLabel,
		AccountID:      accountID,
		AmountCurrency: amountCurrency.Neg(),
		Currency:       currency,
		Distribution:   WeightedDistribution(detail, fallback),
		IsTotal:        true,
	}
	if net := credit.Sub(debit); net.IsNegative() {
		total.Credit = net.Neg()
	} else {
		total.Debit = net
	}
	return total
}

// WeightedDistribution blends line distributions weighted by line amount.
// Shares are rounded to two decimals and the rounding remainder goes to the
// largest share. fallback is used when no line carries a distribution.
func WeightedDistribution(lines []Line, fallback accounting.Distribution) accounting.Distribution {
	weight := decimal.Zero
	for _, l := range lines {
		if len(l.Distribution) > 0 && l.Amount().IsPositive() {
			weight = weight.Add(l.Amount())
		}
	}
	if weight.IsZero() {
		return cloneDistribution(fallback)
	}
	sums := make(map[string]decimal.Decimal)
	for _, l := range lines {
		if len(l.Distribution) == 0 || !l.Amount().IsPositive() {
			continue
		}
		share := l.Amount().Div(weight)
		for key, pct := range l.Distribution {
			sums[key] = sums[key].Add(pct.Mul(share))
		}
	}
	out := make(accounting.Distribution, len(sums))
	total := decimal.Zero
	for key, v := range sums {
		out[key] = v.Round(2)
		total = total.Add(out[key])
	}
	if diff := hundred.Sub(total); !diff.IsZero() {
		largest := largestKey(out)
		out[largest] = out[largest].Add(diff)
	}
	return out
}

func largestKey(d accounting.Distribution) string {
	keys := d.Keys()
	sort.SliceStable(keys, func(i, j int) bool { return d[keys[i]].GreaterThan(d[keys[j]]) })
	return keys[0]
}

func cloneDistribution(d accounting.Distribution) accounting.Distribution {
	if len(d) == 0 {
		return nil
	}
	out := make(accounting.Distribution, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// PreviousAmounts returns the order-currency amount per order line still
// accrued among records: the most recent posted accrual less the posted
// adjustments recorded after it.
func PreviousAmounts(records []Record) map[int64]decimal.Decimal {
	var latest *Record
	for i := range records {
		r := &records[i]
		if !r.State.Posted() || r.Adjustment() {
			continue
		}
		if latest == nil || recordedAfter(*r, *latest) {
			latest = r
		}
	}
	out := make(map[int64]decimal.Decimal)
	if latest == nil {
		return out
	}
	for _, l := range latest.Lines {
		if l.IsTotal || l.OrderLineID == nil {
			continue
		}
		out[*l.OrderLineID] = out[*l.OrderLineID].Add(l.AmountCurrency.Abs())
	}
	for _, r := range records {
		if !r.State.Posted() || !r.Adjustment() || !recordedAfter(r, *latest) {
			continue
		}
		for _, l := range r.Lines {
			if l.IsTotal || l.OrderLineID == nil {
				continue
			}
			if _, ok := out[*l.OrderLineID]; ok {
				out[*l.OrderLineID] = out[*l.OrderLineID].Sub(l.AmountCurrency.Abs())
			}
		}
	}
	return out
}

func recordedAfter(a, b Record) bool {
	return a.Date.After(b.Date) || (a.Date.Equal(b.Date) && a.ID > b.ID)
}

// ReplaceAmounts applies new order-currency amounts to the detail lines of a
// draft record and rebuilds the total line. Lines set to zero are dropped.
func ReplaceAmounts(record Record, amounts map[int64]decimal.Decimal) ([]Line, error) {
	rate := record.Rate
	if rate.IsZero() {
		rate = decimal.NewFromInt(1)
	}
	known := make(map[int64]bool, len(record.Lines))
	var detail []Line
	var total *Line
	for i := range record.Lines {
		l := record.Lines[i]
		if l.IsTotal {
			total = &record.Lines[i]
			continue
		}
		known[l.ID] = true
		amount, ok := amounts[l.ID]
		if !ok {
			detail = append(detail, l)
			continue
		}
		if amount.IsNegative() {
			return nil, fmt.Errorf("accrual: line %d amount must not be negative", l.ID)
		}
		if amount.IsZero() {
			continue
		}
		amount = amount.Round(2)
		ledger := amount.Mul(rate).Round(2)
		if l.Debit.IsPositive() {
			l.Debit, l.AmountCurrency = ledger, amount
		} else {
			l.Credit, l.AmountCurrency = ledger, amount.Neg()
		}
		detail = append(detail, l)
	}
	for id := range amounts {
		if !known[id] {
			return nil, fmt.Errorf("%w: %d", ErrUnknownLine, id)
		}
	}
	if len(detail) == 0 {
		return nil, ErrNothingToAccrue
	}
	if LinesTotal(detail).GreaterThan(record.OriginalTotal) {
		return nil, ErrExceedsOriginal
	}
	for i := range detail {
		detail[i].Sequence = i + 1
	}
	var accountID int64
	var fallback accounting.Distribution
	if total != nil {
		accountID, fallback = total.AccountID, total.Distribution
	}
	return append(detail, TotalLine(detail, accountID, record.Currency, fallback)), nil
}
