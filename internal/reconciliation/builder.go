package reconciliation

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/accruals/internal/accounting"
)

// MonthlyInput is everything needed to build one month of the roll-forward.
type MonthlyInput struct {
	CompanyID int64
	Month     time.Time
	// Cutoff is the month-end at which opening balances were captured.
	Cutoff *time.Time
	// Lines are accrued-account lines. Only reversals dated in Month and
	// accruals or adjustments dated in the previous month are counted.
	Lines            []accounting.LedgerLine
	History          []accounting.HistoryTotal
	OpeningBalances  []OpeningBalance
	ReversalBalances []ReversalOpeningBalance
}

// Window returns the report month bounds and the bounds of the preceding
// accrual month.
func Window(month time.Time) (start, end, accrualStart, accrualEnd time.Time) {
	start = MonthStart(month)
	end = MonthEnd(start)
	accrualStart = start.AddDate(0, -1, 0)
	accrualEnd = start.AddDate(0, 0, -1)
	return start, end, accrualStart, accrualEnd
}

// HistoryBounds returns the inclusive cut-off dates of the cumulative history
// forming the prior balance of month.
func HistoryBounds(month time.Time) (accrualUntil, reversalUntil time.Time) {
	start := MonthStart(month)
	return start.AddDate(0, -1, -1), start.AddDate(0, 0, -1)
}

// FallbackActive reports whether opening balance tables apply to month.
func FallbackActive(month time.Time, cutoff *time.Time) bool {
	if cutoff == nil {
		return false
	}
	_, _, _, priorEnd := Window(month)
	return sameDay(priorEnd, *cutoff)
}

type rowSet struct {
	rows  map[GroupKey]*Row
	order []GroupKey
}

func newRowSet() *rowSet {
	return &rowSet{rows: map[GroupKey]*Row{}}
}

func (s *rowSet) get(key GroupKey, source string) *Row {
	if row, ok := s.rows[key]; ok {
		return row
	}
	row := &Row{GroupKey: key, Source: source}
	s.rows[key] = row
	s.order = append(s.order, key)
	return row
}

func (s *rowSet) byCode(code string) []*Row {
	var out []*Row
	for _, key := range s.order {
		if key.Normalized() == code {
			out = append(out, s.rows[key])
		}
	}
	return out
}

// BuildMonthly computes the roll-forward of one month. The result is
// deterministic for the same input.
func BuildMonthly(in MonthlyInput) Report {
	start, end, accrualStart, accrualEnd := Window(in.Month)
	report := Report{
		CompanyID:     in.CompanyID,
		Month:         start,
		PriorMonthEnd: accrualEnd,
		MonthEnd:      end,
		Fallback:      FallbackActive(start, in.Cutoff),
	}
	rows := newRowSet()
	reversedCodes := map[string]bool{}

	for _, line := range in.Lines {
		inReversal := !line.Date.Before(start) && !line.Date.After(end)
		inAccrual := !line.Date.Before(accrualStart) && !line.Date.After(accrualEnd)
		var amounts Amounts
		switch line.EntryType {
		case accounting.EntryTypeReversalSystem:
			if !inReversal {
				continue
			}
			amounts.SystemReversal = line.Net()
		case accounting.EntryTypeReversalManual:
			if !inReversal {
				continue
			}
			amounts.ManualReversal = line.Net()
		case accounting.EntryTypeAccruedSystem:
			if !inAccrual {
				continue
			}
			amounts.SystemAccrual = line.Net()
		case accounting.EntryTypeAccruedManual:
			if !inAccrual {
				continue
			}
			amounts.ManualAccrual = line.Net()
		case accounting.EntryTypeAdjustmentSystem, accounting.EntryTypeAdjustmentManual:
			if !inAccrual {
				continue
			}
			amounts.Adjustment = line.Net()
		default:
			continue
		}
		key := NewGroupKey(line.PartnerName, line.CECode)
		rows.get(key, SourceLedger).add(amounts)
		if line.EntryType.IsReversal() {
			reversedCodes[key.Normalized()] = true
		}
	}

	historyLines := map[string]int{}
	for _, h := range in.History {
		key := NewGroupKey(h.PartnerName, h.CECode)
		historyLines[key.Normalized()] += h.Lines
		if h.Net.IsZero() {
			if _, ok := rows.rows[key]; !ok {
				continue
			}
		}
		row := rows.get(key, SourceLedger)
		row.Prior = row.Prior.Add(h.Net)
	}

	if report.Fallback {
		applyOpeningBalances(rows, in.OpeningBalances, historyLines)
		applyReversalBalances(rows, in.ReversalBalances, reversedCodes)
	}

	report.Rows = make([]Row, 0, len(rows.order))
	for _, key := range rows.order {
		row := rows.rows[key]
		row.Ending = row.Prior.Add(row.Movement())
		report.Rows = append(report.Rows, *row)
	}
	sortRows(report.Rows)
	report.Totals = totalsOf(report.Rows)
	return report
}

// applyOpeningBalances replaces the prior balance of codes that have no
// ledger history at all.
func applyOpeningBalances(rows *rowSet, balances []OpeningBalance, historyLines map[string]int) {
	for _, ob := range balances {
		code := ob.NormalizedCode
		if code == "" {
			code = NormalizeCode(ob.CECode)
		}
		if historyLines[code] > 0 {
			continue
		}
		matches := rows.byCode(code)
		if len(matches) == 0 {
			row := rows.get(NewGroupKey(ob.PartnerName, ob.CECode), SourceOpeningBalance)
			matches = []*Row{row}
		}
		target := matches[0]
		target.Prior = target.Prior.Add(ob.Amount)
		target.CEMeta.Fill(ob.Meta())
	}
}

// applyReversalBalances fills reversal amounts for codes whose reversals are
// not in the ledger for the month.
func applyReversalBalances(rows *rowSet, balances []ReversalOpeningBalance, reversedCodes map[string]bool) {
	for _, rob := range balances {
		code := rob.NormalizedCode
		if code == "" {
			code = NormalizeCode(rob.CECode)
		}
		if reversedCodes[code] {
			continue
		}
		matches := rows.byCode(code)
		if len(matches) == 0 {
			row := rows.get(NewGroupKey(rob.PartnerName, rob.CECode), SourceReversalOpeningBalance)
			matches = []*Row{row}
		}
		target := matches[0]
		if target.SystemReversal.IsZero() && !rob.SystemReversal.IsZero() {
			target.SystemReversal = rob.SystemReversal
		}
		if target.ManualReversal.IsZero() && !rob.ManualReversal.IsZero() {
			target.ManualReversal = rob.ManualReversal
		}
		target.ManualReversal = target.ManualReversal.Sub(rob.ManualReversalAdjustment)
		target.CEMeta.Fill(rob.Meta())
	}
}

// MissingMeta lists the rows still lacking CE metadata.
func (r Report) MissingMeta() []GroupKey {
	var out []GroupKey
	for _, row := range r.Rows {
		if !row.Complete() && row.CECode != noCECode {
			out = append(out, row.GroupKey)
		}
	}
	return out
}

// FillMeta completes row metadata using lookup, keyed by group.
func (r *Report) FillMeta(lookup map[GroupKey]CEMeta) {
	for i := range r.Rows {
		if meta, ok := lookup[r.Rows[i].GroupKey]; ok {
			r.Rows[i].CEMeta.Fill(meta)
		}
	}
}

func sortRows(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Partner != rows[j].Partner {
			return rows[i].Partner < rows[j].Partner
		}
		return rows[i].CECode < rows[j].CECode
	})
}

func totalsOf(rows []Row) Totals {
	var t Totals
	for _, row := range rows {
		t.Prior = t.Prior.Add(row.Prior)
		t.Amounts.add(row.Amounts)
		t.Ending = t.Ending.Add(row.Ending)
	}
	return t
}

// ============================================================================
// REVENUE REPORT
// ============================================================================

// RevenueInput is everything needed to build the revenue report of a month.
type RevenueInput struct {
	CompanyID int64
	Month     time.Time
	Cutoff    *time.Time
	// Lines are accrued-account lines dated in Month.
	Lines []accounting.LedgerLine
	// Billed lists orders invoiced in Month with their untaxed amount.
	Billed           []BilledOrder
	ReversalBalances []ReversalOpeningBalance
	// ReversalScope, when non-nil, limits ReversalBalances to these
	// normalized codes. Customer-filtered reports set it.
	ReversalScope map[string]bool
}

// BilledOrder is an order invoiced during the report month.
type BilledOrder struct {
	OrderID     int64
	PartnerName string
	CECode      string
	Amount      decimal.Decimal
	Meta        CEMeta
}

// BuildRevenue aggregates the month's accrual movements and billings per CE
// and per customer.
func BuildRevenue(in RevenueInput) RevenueReport {
	start, end, _, _ := Window(in.Month)
	report := RevenueReport{CompanyID: in.CompanyID, Month: start}
	rows := map[GroupKey]*RevenueRow{}
	var order []GroupKey
	get := func(key GroupKey) *RevenueRow {
		if row, ok := rows[key]; ok {
			return row
		}
		row := &RevenueRow{GroupKey: key}
		rows[key] = row
		order = append(order, key)
		return row
	}
	reversedCodes := map[string]bool{}

	for _, line := range in.Lines {
		if line.Date.Before(start) || line.Date.After(end) || line.EntryType.IsAdjustment() {
			continue
		}
		key := NewGroupKey(line.PartnerName, line.CECode)
		var target *decimal.Decimal
		row := get(key)
		switch line.EntryType {
		case accounting.EntryTypeAccruedSystem:
			target = &row.SystemAccrual
		case accounting.EntryTypeReversalSystem:
			target = &row.SystemReversal
		case accounting.EntryTypeAccruedManual:
			target = &row.ManualAccrual
		case accounting.EntryTypeReversalManual:
			target = &row.ManualReversal
		}
		if target != nil {
			*target = target.Add(line.Net())
		}
		if line.EntryType.IsReversal() {
			reversedCodes[key.Normalized()] = true
		}
		if line.SaleOrderID != nil {
			row.OrderIDs = appendUnique(row.OrderIDs, *line.SaleOrderID)
		}
	}

	for _, billed := range in.Billed {
		row := get(NewGroupKey(billed.PartnerName, billed.CECode))
		row.Billed = row.Billed.Add(billed.Amount)
		row.OrderIDs = appendUnique(row.OrderIDs, billed.OrderID)
		row.CEMeta.Fill(billed.Meta)
	}

	if FallbackActive(start, in.Cutoff) {
		for _, rob := range in.ReversalBalances {
			code := rob.NormalizedCode
			if code == "" {
				code = NormalizeCode(rob.CECode)
			}
			if reversedCodes[code] || (in.ReversalScope != nil && !in.ReversalScope[code]) {
				continue
			}
			var row *RevenueRow
			for _, key := range order {
				if key.Normalized() == code {
					row = rows[key]
					break
				}
			}
			if row == nil {
				row = get(NewGroupKey(rob.PartnerName, rob.CECode))
			}
			if row.SystemReversal.IsZero() {
				row.SystemReversal = rob.SystemReversal
			}
			if row.ManualReversal.IsZero() {
				row.ManualReversal = rob.ManualReversal
			}
			row.ManualReversal = row.ManualReversal.Sub(rob.ManualReversalAdjustment)
			row.CEMeta.Fill(rob.Meta())
		}
	}

	customers := map[string]*RevenueCustomer{}
	var partners []string
	for _, key := range order {
		row := rows[key]
		row.recompute()
		if row.CEDate != nil {
			row.Month = strings.ToUpper(row.CEDate.Format("January"))
		}
		c, ok := customers[key.Partner]
		if !ok {
			c = &RevenueCustomer{Partner: key.Partner}
			customers[key.Partner] = c
			partners = append(partners, key.Partner)
		}
		c.Rows = append(c.Rows, *row)
	}
	sort.Strings(partners)
	for _, partner := range partners {
		c := customers[partner]
		sort.SliceStable(c.Rows, func(i, j int) bool { return c.Rows[i].CECode < c.Rows[j].CECode })
		for _, row := range c.Rows {
			c.Billed = c.Billed.Add(row.Billed)
			c.SystemAccrual = c.SystemAccrual.Add(row.SystemAccrual)
			c.SystemReversal = c.SystemReversal.Add(row.SystemReversal)
			c.ManualAccrual = c.ManualAccrual.Add(row.ManualAccrual)
			c.ManualReversal = c.ManualReversal.Add(row.ManualReversal)
			if c.Description == "" && row.Description != "" {
				c.Description = row.Description
				c.Year = row.Year()
				c.Month = row.Month
			}
		}
		c.Total = c.Billed.Add(c.SystemAccrual).Add(c.SystemReversal).Add(c.ManualAccrual).Add(c.ManualReversal)
		report.Customers = append(report.Customers, *c)
	}
	return report
}

// MissingMeta lists the rows still lacking CE metadata.
func (r RevenueReport) MissingMeta() []GroupKey {
	var out []GroupKey
	for _, c := range r.Customers {
		for _, row := range c.Rows {
			if !row.Complete() && row.CECode != noCECode {
				out = append(out, row.GroupKey)
			}
		}
	}
	return out
}

// FillMeta completes row metadata using lookup, keyed by group.
func (r *RevenueReport) FillMeta(lookup map[GroupKey]CEMeta) {
	for i := range r.Customers {
		c := &r.Customers[i]
		for j := range c.Rows {
			row := &c.Rows[j]
			if meta, ok := lookup[row.GroupKey]; ok {
				row.CEMeta.Fill(meta)
				if row.Month == "" && row.CEDate != nil {
					row.Month = strings.ToUpper(row.CEDate.Format("January"))
				}
			}
			if c.Description == "" && row.Description != "" {
				c.Description = row.Description
				c.Year = row.Year()
				c.Month = row.Month
			}
		}
	}
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
