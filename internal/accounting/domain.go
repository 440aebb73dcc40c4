package accounting

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountType enumerates CoA categories.
type AccountType string

const (
	AccountTypeAsset       AccountType = "ASSET"
	AccountTypeLiability   AccountType = "LIABILITY"
	AccountTypeEquity      AccountType = "EQUITY"
	AccountTypeIncome      AccountType = "INCOME"
	AccountTypeIncomeOther AccountType = "INCOME_OTHER"
	AccountTypeExpense     AccountType = "EXPENSE"
)

// PeriodStatus enumerates valid period states.
type PeriodStatus string

const (
	PeriodStatusOpen   PeriodStatus = "OPEN"
	PeriodStatusClosed PeriodStatus = "CLOSED"
	PeriodStatusLocked PeriodStatus = "LOCKED"
)

// JournalStatus enumerates journal lifecycle values.
type JournalStatus string

const (
	JournalStatusDraft     JournalStatus = "DRAFT"
	JournalStatusPosted    JournalStatus = "POSTED"
	JournalStatusCancelled JournalStatus = "CANCELLED"
)

// EntryType tags journal entries produced by the accrual engine.
type EntryType string

const (
	EntryTypeAccruedSystem    EntryType = "accrued_system"
	EntryTypeAccruedManual    EntryType = "accrued_manual"
	EntryTypeReversalSystem   EntryType = "reversal_system"
	EntryTypeReversalManual   EntryType = "reversal_manual"
	EntryTypeAdjustmentSystem EntryType = "adjustment_system"
	EntryTypeAdjustmentManual EntryType = "adjustment_manual"
)

// AllEntryTypes lists every tagged entry type.
var AllEntryTypes = []EntryType{
	EntryTypeAccruedSystem, EntryTypeAccruedManual,
	EntryTypeReversalSystem, EntryTypeReversalManual,
	EntryTypeAdjustmentSystem, EntryTypeAdjustmentManual,
}

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	for _, known := range AllEntryTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsAccrual is true for accrued_* types.
func (t EntryType) IsAccrual() bool {
	return t == EntryTypeAccruedSystem || t == EntryTypeAccruedManual
}

// IsReversal is true for reversal_* types.
func (t EntryType) IsReversal() bool {
	return t == EntryTypeReversalSystem || t == EntryTypeReversalManual
}

// IsAdjustment is true for adjustment_* types.
func (t EntryType) IsAdjustment() bool {
	return t == EntryTypeAdjustmentSystem || t == EntryTypeAdjustmentManual
}

// IsSystem is true for entries generated without user override.
func (t EntryType) IsSystem() bool {
	return t == EntryTypeAccruedSystem || t == EntryTypeReversalSystem || t == EntryTypeAdjustmentSystem
}

// ReversalType returns the mirror type used when reversing t. Adjustments have
// no reversal and yield the empty type.
func (t EntryType) ReversalType() EntryType {
	switch t {
	case EntryTypeAccruedSystem:
		return EntryTypeReversalSystem
	case EntryTypeAccruedManual:
		return EntryTypeReversalManual
	default:
		return ""
	}
}

// AccrualTypes are the types dated in the month preceding a report.
func AccrualTypes() []EntryType {
	return []EntryType{EntryTypeAccruedSystem, EntryTypeAccruedManual, EntryTypeAdjustmentSystem, EntryTypeAdjustmentManual}
}

// ReversalTypes are the types dated in the report month.
func ReversalTypes() []EntryType {
	return []EntryType{EntryTypeReversalSystem, EntryTypeReversalManual}
}

// Distribution maps an analytic dimension to its percentage share.
type Distribution map[string]decimal.Decimal

var hundred = decimal.NewFromInt(100)

// Total sums all percentages.
func (d Distribution) Total() decimal.Decimal {
	total := decimal.Zero
	for _, pct := range d {
		total = total.Add(pct)
	}
	return total
}

// Validate checks that shares are non-negative and sum to 100.
func (d Distribution) Validate() error {
	if len(d) == 0 {
		return nil
	}
	for key, pct := range d {
		if pct.IsNegative() {
			return fmt.Errorf("accounting: distribution %s negative", key)
		}
	}
	if !d.Total().Round(2).Equal(hundred) {
		return ErrDistribution
	}
	return nil
}

// Keys returns the dimension keys sorted.
func (d Distribution) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Account models a chart of accounts node.
type Account struct {
	ID        int64       `json:"id"`
	CompanyID int64       `json:"company_id"`
	Code      string      `json:"code"`
	Name      string      `json:"name"`
	Type      AccountType `json:"type"`
	IsActive  bool        `json:"is_active"`
}

// Period represents a fiscal period window.
type Period struct {
	ID        int64
	CompanyID int64
	Code      string
	StartDate time.Time
	EndDate   time.Time
	Status    PeriodStatus
}

// JournalEntry captures posting metadata.
type JournalEntry struct {
	ID           int64         `json:"id"`
	Number       int64         `json:"number"`
	CompanyID    int64         `json:"company_id"`
	Date         time.Time     `json:"date"`
	Ref          string        `json:"ref"`
	SourceModule string        `json:"source_module"`
	SourceID     uuid.UUID     `json:"source_id"`
	EntryType    EntryType     `json:"entry_type"`
	Currency     string        `json:"currency"`
	Memo         string        `json:"memo"`
	Status       JournalStatus `json:"status"`
	ReversalOf   *int64        `json:"reversal_of,omitempty"`
	PostedBy     string        `json:"posted_by,omitempty"`
	PostedAt     *time.Time    `json:"posted_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Lines        []JournalLine `json:"lines,omitempty"`
}

// JournalLine stores debit or credit amount for an account.
type JournalLine struct {
	ID             int64           `json:"id"`
	JournalID      int64           `json:"journal_id"`
	AccountID      int64           `json:"account_id"`
	Label          string          `json:"label"`
	Debit          decimal.Decimal `json:"debit"`
	Credit         decimal.Decimal `json:"credit"`
	AmountCurrency decimal.Decimal `json:"amount_currency"`
	Currency       string          `json:"currency"`
	PartnerID      *int64          `json:"partner_id,omitempty"`
	SaleOrderID    *int64          `json:"sale_order_id,omitempty"`
	CECode         string          `json:"ce_code,omitempty"`
	Distribution   Distribution    `json:"distribution,omitempty"`
}

// Net returns debit minus credit.
func (l JournalLine) Net() decimal.Decimal {
	return l.Debit.Sub(l.Credit)
}

// LedgerLine is a posted line joined with entry, account and partner data.
type LedgerLine struct {
	EntryID       int64           `json:"entry_id"`
	EntryNumber   int64           `json:"entry_number"`
	Ref           string          `json:"ref"`
	Date          time.Time       `json:"date"`
	EntryType     EntryType       `json:"entry_type"`
	AccountID     int64           `json:"account_id"`
	AccountCode   string          `json:"account_code"`
	AccountName   string          `json:"account_name"`
	PartnerID     *int64          `json:"partner_id,omitempty"`
	PartnerName   string          `json:"partner_name"`
	SaleOrderID   *int64          `json:"sale_order_id,omitempty"`
	SaleOrderName string          `json:"sale_order_name"`
	CECode        string          `json:"ce_code"`
	Label         string          `json:"label"`
	Debit         decimal.Decimal `json:"debit"`
	Credit        decimal.Decimal `json:"credit"`
}

// Net returns debit minus credit.
func (l LedgerLine) Net() decimal.Decimal {
	return l.Debit.Sub(l.Credit)
}

// LineFilter narrows posted ledger lines.
type LineFilter struct {
	CompanyID        int64
	AccountID        int64
	ExcludeAccountID int64
	From             time.Time
	To               time.Time
	Types            []EntryType
	PartnerIDs       []int64
}

// HistoryFilter selects the cumulative history behind an opening balance.
// Accrual and adjustment lines count up to AccrualUntil, reversal lines up to
// ReversalUntil, both inclusive.
type HistoryFilter struct {
	CompanyID     int64
	AccountID     int64
	AccrualUntil  time.Time
	ReversalUntil time.Time
}

// HistoryTotal is the cumulative net of one (partner, CE code) group.
type HistoryTotal struct {
	PartnerName string          `json:"partner_name"`
	CECode      string          `json:"ce_code"`
	Net         decimal.Decimal `json:"net"`
	Lines       int             `json:"lines"`
}

// AccountMapping links integration keys to ledger accounts.
type AccountMapping struct {
	CompanyID int64
	Module    string
	Key       string
	AccountID int64
}

// PostingLineInput describes a journal line for posting request.
type PostingLineInput struct {
	AccountID      int64
	Label          string
	Debit          decimal.Decimal
	Credit         decimal.Decimal
	AmountCurrency decimal.Decimal
	Currency       string
	PartnerID      *int64
	SaleOrderID    *int64
	CECode         string
	Distribution   Distribution
}

// PostingInput groups fields required to create a journal entry.
type PostingInput struct {
	CompanyID    int64
	Date         time.Time
	Ref          string
	SourceModule string
	SourceID     uuid.UUID
	EntryType    EntryType
	Currency     string
	Memo         string
	Actor        string
	Draft        bool
	ReversalOf   *int64
	Lines        []PostingLineInput
}

// ReverseInput wraps parameters for reversal.
type ReverseInput struct {
	EntryID   int64
	Date      time.Time
	EntryType EntryType
	Memo      string
	Actor     string
	Draft     bool
}

// PostDraftInput posts a DRAFT entry, optionally moving its date.
type PostDraftInput struct {
	EntryID int64
	Date    *time.Time
	Actor   string
}

// CancelInput wraps parameters for cancelling.
type CancelInput struct {
	EntryID int64
	Actor   string
	Reason  string
}

// EntryTotal summarises one entry for integrity checks.
type EntryTotal struct {
	ID         int64
	Number     int64
	Status     JournalStatus
	EntryType  EntryType
	ReversalOf *int64
	Debit      decimal.Decimal
	Credit     decimal.Decimal
	AccountNet map[int64]decimal.Decimal
}

// IntegrityIssue describes a ledger inconsistency.
type IntegrityIssue struct {
	EntryID int64  `json:"entry_id"`
	Number  int64  `json:"number"`
	Kind    string `json:"kind"`
	Detail  string `json:"detail"`
}

// Integrity issue kinds.
const (
	IssueUnbalanced      = "unbalanced"
	IssueReversalMissing = "reversal_original_missing"
	IssueReversalNet     = "reversal_not_netting"
)

var (
	// ErrUnbalanced indicates debit != credit.
	ErrUnbalanced = errors.New("accounting: journal lines must balance")
	// ErrTooFewLines indicates less than two lines.
	ErrTooFewLines = errors.New("accounting: journal requires at least two lines")
	// ErrInvalidPeriod indicates missing or locked period.
	ErrInvalidPeriod = errors.New("accounting: period is not open")
	// ErrPeriodNotFound indicates no period row covers a date.
	ErrPeriodNotFound = errors.New("accounting: period not found")
	// ErrSourceAlreadyLinked indicates idempotency conflict.
	ErrSourceAlreadyLinked = errors.New("accounting: source already linked")
	// ErrJournalNotFound indicates missing entry.
	ErrJournalNotFound = errors.New("accounting: journal entry not found")
	// ErrPeriodLocked indicates locked period.
	ErrPeriodLocked = errors.New("accounting: period locked")
	// ErrInvalidStatus indicates action can't proceed.
	ErrInvalidStatus = errors.New("accounting: invalid status transition")
	// ErrMappingNotFound indicates account mapping missing.
	ErrMappingNotFound = errors.New("accounting: account mapping not found")
	// ErrInvalidEntryType indicates an unknown entry type.
	ErrInvalidEntryType = errors.New("accounting: invalid entry type")
	// ErrDistribution indicates analytic percentages not summing to 100.
	ErrDistribution = errors.New("accounting: analytic distribution must sum to 100")
)

// Validate ensures posting input meets minimum criteria.
func (in PostingInput) Validate() error {
	if in.CompanyID == 0 {
		return errors.New("accounting: company required")
	}
	if in.Date.IsZero() {
		return errors.New("accounting: date required")
	}
	if len(in.Lines) < 2 {
		return ErrTooFewLines
	}
	debit, credit := decimal.Zero, decimal.Zero
	for idx, line := range in.Lines {
		if line.AccountID == 0 {
			return fmt.Errorf("accounting: line %d missing account", idx)
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return fmt.Errorf("accounting: line %d negative amount", idx)
		}
		if line.Debit.IsPositive() && line.Credit.IsPositive() {
			return fmt.Errorf("accounting: line %d cannot be both debit and credit", idx)
		}
		if err := line.Distribution.Validate(); err != nil {
			return fmt.Errorf("accounting: line %d: %w", idx, err)
		}
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	if !debit.Round(2).Equal(credit.Round(2)) {
		return ErrUnbalanced
	}
	if in.SourceModule == "" {
		return errors.New("accounting: source module required")
	}
	if in.SourceID == uuid.Nil {
		return errors.New("accounting: source id required")
	}
	if in.EntryType != "" && !in.EntryType.Valid() {
		return ErrInvalidEntryType
	}
	return nil
}
