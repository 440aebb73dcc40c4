// Package reconciliation builds the monthly accrued-revenue roll-forward and
// the revenue adjustment report from tagged ledger lines.
package reconciliation

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/odyssey-erp/accruals/internal/sales"
)

var (
	// ErrNotFound indicates a missing opening balance.
	ErrNotFound = errors.New("reconciliation: not found")
	// ErrDuplicateBalance is returned when a code already has a balance for the date.
	ErrDuplicateBalance = errors.New("reconciliation: opening balance already exists for code and date")
	// ErrInvalidBalance rejects incomplete opening balance input.
	ErrInvalidBalance = errors.New("reconciliation: invalid opening balance")
	// ErrInvalidRange rejects report ranges that end before they start.
	ErrInvalidRange = errors.New("reconciliation: invalid month range")
	// ErrImport reports a malformed import file.
	ErrImport = errors.New("reconciliation: invalid import file")
)

const (
	unknownPartner = "UNKNOWN"
	noCECode       = "NO_CE"
)

// Row sources.
const (
	SourceLedger                 = "ledger"
	SourceOpeningBalance         = "opening_balance"
	SourceReversalOpeningBalance = "reversal_opening_balance"
)

// NormalizeCode trims, uppercases and strips whitespace from a CE code.
func NormalizeCode(code string) string {
	return sales.NormalizeCECode(code)
}

// GroupKey identifies one report row.
type GroupKey struct {
	Partner string `json:"partner"`
	CECode  string `json:"ce_code"`
}

// NewGroupKey uppercases both parts and fills the placeholders for blanks.
func NewGroupKey(partner, ceCode string) GroupKey {
	upper := cases.Upper(language.Und)
	key := GroupKey{
		Partner: upper.String(strings.TrimSpace(partner)),
		CECode:  upper.String(strings.TrimSpace(ceCode)),
	}
	if key.Partner == "" {
		key.Partner = unknownPartner
	}
	if key.CECode == "" {
		key.CECode = noCECode
	}
	return key
}

// Normalized returns the normalized CE code of the key.
func (k GroupKey) Normalized() string {
	if k.CECode == noCECode {
		return ""
	}
	return NormalizeCode(k.CECode)
}

// Amounts are the per-type movements of a report row.
type Amounts struct {
	SystemReversal decimal.Decimal `json:"system_reversal"`
	SystemAccrual  decimal.Decimal `json:"system_accrual"`
	ManualReversal decimal.Decimal `json:"manual_reversal"`
	ManualAccrual  decimal.Decimal `json:"manual_accrual"`
	Adjustment     decimal.Decimal `json:"adjustment"`
}

// Movement sums all movements.
func (a Amounts) Movement() decimal.Decimal {
	return a.SystemReversal.Add(a.SystemAccrual).Add(a.ManualReversal).Add(a.ManualAccrual).Add(a.Adjustment)
}

func (a *Amounts) add(other Amounts) {
	a.SystemReversal = a.SystemReversal.Add(other.SystemReversal)
	a.SystemAccrual = a.SystemAccrual.Add(other.SystemAccrual)
	a.ManualReversal = a.ManualReversal.Add(other.ManualReversal)
	a.ManualAccrual = a.ManualAccrual.Add(other.ManualAccrual)
	a.Adjustment = a.Adjustment.Add(other.Adjustment)
}

// CEMeta is descriptive data about a cost estimate.
type CEMeta struct {
	CEDate      *time.Time `json:"ce_date,omitempty"`
	Description string     `json:"description"`
	CEStatus    string     `json:"ce_status"`
}

// Complete reports whether no metadata field is missing.
func (m CEMeta) Complete() bool {
	return m.CEDate != nil && m.Description != "" && m.CEStatus != ""
}

// Fill copies the missing fields from other.
func (m *CEMeta) Fill(other CEMeta) {
	if m.CEDate == nil && other.CEDate != nil {
		d := *other.CEDate
		m.CEDate = &d
	}
	if m.Description == "" {
		m.Description = strings.ToUpper(other.Description)
	}
	if m.CEStatus == "" {
		m.CEStatus = strings.ToUpper(other.CEStatus)
	}
}

// Year returns the CE year or zero.
func (m CEMeta) Year() int {
	if m.CEDate == nil {
		return 0
	}
	return m.CEDate.Year()
}

// Row is one (customer, CE) line of the monthly roll-forward.
type Row struct {
	GroupKey
	CEMeta
	Prior  decimal.Decimal `json:"prior"`
	Amounts
	Ending decimal.Decimal `json:"ending"`
	Source string          `json:"source"`
}

// Report is the monthly accrued-revenue roll-forward.
type Report struct {
	CompanyID     int64     `json:"company_id"`
	Month         time.Time `json:"month"`
	PriorMonthEnd time.Time `json:"prior_month_end"`
	MonthEnd      time.Time `json:"month_end"`
	Fallback      bool      `json:"opening_balance_fallback"`
	Rows          []Row     `json:"rows"`
	Totals        Totals    `json:"totals"`
}

// Totals sums the numeric columns of a report.
type Totals struct {
	Prior decimal.Decimal `json:"prior"`
	Amounts
	Ending decimal.Decimal `json:"ending"`
}

// Title is the "Month YYYY" label of a report month.
func Title(month time.Time) string {
	return month.Format("January 2006")
}

// MonthStart truncates t to the first day of its month in UTC.
func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MonthEnd returns the last day of the month containing t.
func MonthEnd(t time.Time) time.Time {
	return MonthStart(t).AddDate(0, 1, -1)
}

// IsMonthEnd reports whether d is the last day of its month.
func IsMonthEnd(d time.Time) bool {
	return d.AddDate(0, 0, 1).Day() == 1
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// ============================================================================
// OPENING BALANCES
// ============================================================================

// OpeningBalance is a month-end snapshot of an accrued balance migrated from
// a previous system.
type OpeningBalance struct {
	ID             int64           `json:"id"`
	CompanyID      int64           `json:"company_id"`
	CECode         string          `json:"ce_code"`
	NormalizedCode string          `json:"normalized_code"`
	BalanceDate    time.Time       `json:"balance_date"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	PartnerName    string          `json:"partner_name"`
	CEDate         *time.Time      `json:"ce_date,omitempty"`
	CEStatus       string          `json:"ce_status"`
	JobDescription string          `json:"job_description"`
	Notes          string          `json:"notes"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Meta returns the descriptive fields of the balance.
func (b OpeningBalance) Meta() CEMeta {
	return CEMeta{CEDate: b.CEDate, Description: b.JobDescription, CEStatus: b.CEStatus}
}

// ReversalOpeningBalance carries the reversal amounts of the first month after
// migration for codes whose reversals were booked in the previous system.
type ReversalOpeningBalance struct {
	ID                       int64           `json:"id"`
	CompanyID                int64           `json:"company_id"`
	CECode                   string          `json:"ce_code"`
	NormalizedCode           string          `json:"normalized_code"`
	BalanceDate              time.Time       `json:"balance_date"`
	SystemReversal           decimal.Decimal `json:"system_reversal"`
	ManualReversal           decimal.Decimal `json:"manual_reversal"`
	ManualReversalAdjustment decimal.Decimal `json:"manual_reversal_adjustment"`
	PartnerName              string          `json:"partner_name"`
	CEDate                   *time.Time      `json:"ce_date,omitempty"`
	CEStatus                 string          `json:"ce_status"`
	JobDescription           string          `json:"job_description"`
	Notes                    string          `json:"notes"`
	CreatedAt                time.Time       `json:"created_at"`
	UpdatedAt                time.Time       `json:"updated_at"`
}

// Meta returns the descriptive fields of the balance.
func (b ReversalOpeningBalance) Meta() CEMeta {
	return CEMeta{CEDate: b.CEDate, Description: b.JobDescription, CEStatus: b.CEStatus}
}

// BalanceFilter narrows opening balance listings.
type BalanceFilter struct {
	CompanyID   int64
	BalanceDate *time.Time
	Code        string
	Page        int
	PerPage     int
}

// ============================================================================
// REVENUE REPORT
// ============================================================================

// RevenueRow is one CE of the revenue adjustment report.
type RevenueRow struct {
	GroupKey
	CEMeta
	Month          string          `json:"month"`
	Billed         decimal.Decimal `json:"billed"`
	SystemAccrual  decimal.Decimal `json:"system_accrual"`
	SystemReversal decimal.Decimal `json:"system_reversal"`
	ManualAccrual  decimal.Decimal `json:"manual_accrual"`
	ManualReversal decimal.Decimal `json:"manual_reversal"`
	Total          decimal.Decimal `json:"total"`
	OrderIDs       []int64         `json:"order_ids,omitempty"`
}

func (r *RevenueRow) recompute() {
	r.Total = r.Billed.Add(r.SystemAccrual).Add(r.SystemReversal).Add(r.ManualAccrual).Add(r.ManualReversal)
}

// RevenueCustomer aggregates the CE rows of one customer.
type RevenueCustomer struct {
	Partner        string          `json:"partner"`
	Description    string          `json:"description"`
	Year           int             `json:"year"`
	Month          string          `json:"month"`
	Billed         decimal.Decimal `json:"billed"`
	SystemAccrual  decimal.Decimal `json:"system_accrual"`
	SystemReversal decimal.Decimal `json:"system_reversal"`
	ManualAccrual  decimal.Decimal `json:"manual_accrual"`
	ManualReversal decimal.Decimal `json:"manual_reversal"`
	Total          decimal.Decimal `json:"total"`
	Rows           []RevenueRow    `json:"rows"`
}

// RevenueReport is the per-customer revenue adjustment report of a month.
type RevenueReport struct {
	CompanyID int64             `json:"company_id"`
	Month     time.Time         `json:"month"`
	Customers []RevenueCustomer `json:"customers"`
}
