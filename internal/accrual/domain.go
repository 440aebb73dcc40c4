// Package accrual manages accrued revenue records for sale orders: building
// the lines from uninvoiced quantities, posting the balanced journal with its
// mirror reversal, and the batch scenarios used at period end.
package accrual

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/accruals/internal/accounting"
)

// State is the lifecycle state of an accrual record.
type State string

const (
	StateDraft     State = "draft"
	StateAccrued   State = "accrued"
	StateReversed  State = "reversed"
	StateCancelled State = "cancelled"
)

// Active reports whether the record still counts for its period.
func (s State) Active() bool {
	return s == StateDraft || s == StateAccrued || s == StateReversed
}

// Posted reports whether the accrual journal has been posted.
func (s State) Posted() bool {
	return s == StateAccrued || s == StateReversed
}

// Scenario selects how a batch treats existing accruals.
type Scenario string

const (
	ScenarioDefault       Scenario = "default"
	ScenarioOverride      Scenario = "override"
	ScenarioCancelReplace Scenario = "cancel_replace"
	ScenarioAdjustment    Scenario = "adjustment"
)

// Valid reports whether s is a known scenario.
func (s Scenario) Valid() bool {
	switch s {
	case ScenarioDefault, ScenarioOverride, ScenarioCancelReplace, ScenarioAdjustment:
		return true
	}
	return false
}

// EntryType maps the scenario onto the ledger entry type of the accrual.
func (s Scenario) EntryType() accounting.EntryType {
	switch s {
	case ScenarioAdjustment:
		return accounting.EntryTypeAdjustmentManual
	case ScenarioOverride, ScenarioCancelReplace:
		return accounting.EntryTypeAccruedManual
	}
	return accounting.EntryTypeAccruedSystem
}

// TotalLabel marks the synthetic balancing line.
const TotalLabel = "Total Accrued"

// Record is one accrual of one sale order for one period.
type Record struct {
	ID              int64                `json:"id"`
	CompanyID       int64                `json:"company_id"`
	OrderID         int64                `json:"order_id"`
	OrderName       string               `json:"order_name"`
	PartnerID       int64                `json:"partner_id"`
	PartnerName     string               `json:"partner_name"`
	CECode          string               `json:"ce_code"`
	Currency        string               `json:"currency"`
	Rate            decimal.Decimal      `json:"rate"`
	Date            time.Time            `json:"date"`
	ReversalDate    *time.Time           `json:"reversal_date,omitempty"`
	Total           decimal.Decimal      `json:"total"`
	OriginalTotal   decimal.Decimal      `json:"original_total"`
	State           State                `json:"state"`
	Scenario        Scenario             `json:"scenario"`
	EntryType       accounting.EntryType `json:"entry_type"`
	SourceID        uuid.UUID            `json:"source_id"`
	AccrualEntryID  *int64               `json:"accrual_entry_id,omitempty"`
	ReversalEntryID *int64               `json:"reversal_entry_id,omitempty"`
	CreatedBy       string               `json:"created_by"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
	Lines           []Line               `json:"lines,omitempty"`
}

// Adjustment reports whether the record is a permanent adjustment.
func (r Record) Adjustment() bool {
	return r.EntryType.IsAdjustment()
}

// Line is one row of an accrual record.
type Line struct {
	ID             int64                   `json:"id"`
	RecordID       int64                   `json:"record_id"`
	Sequence       int                     `json:"sequence"`
	OrderLineID    *int64                  `json:"order_line_id,omitempty"`
	Label          string                  `json:"label"`
	AccountID      int64                   `json:"account_id"`
	Debit          decimal.Decimal         `json:"debit"`
	Credit         decimal.Decimal         `json:"credit"`
	AmountCurrency decimal.Decimal         `json:"amount_currency"`
	Currency       string                  `json:"currency"`
	Distribution   accounting.Distribution `json:"distribution,omitempty"`
	IsTotal        bool                    `json:"is_total"`
}

// Amount is the absolute ledger amount of the line.
func (l Line) Amount() decimal.Decimal {
	return l.Debit.Add(l.Credit)
}

// LinesTotal sums every line except the balancing total.
func LinesTotal(lines []Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		if l.IsTotal {
			continue
		}
		total = total.Add(l.Amount())
	}
	return total
}

// Balanced reports whether the non-total side nets against the total line.
func Balanced(lines []Line) bool {
	debit, credit := decimal.Zero, decimal.Zero
	for _, l := range lines {
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
	}
	return debit.Round(2).Equal(credit.Round(2))
}

// DeriveState recomputes the record state from its journal states. A nil
// status means the journal does not exist.
func DeriveState(accrual, reversal *accounting.JournalStatus, adjustment bool) State {
	if accrual == nil {
		return StateDraft
	}
	if *accrual == accounting.JournalStatusCancelled {
		return StateCancelled
	}
	if reversal != nil && *reversal == accounting.JournalStatusCancelled {
		return StateCancelled
	}
	if *accrual != accounting.JournalStatusPosted {
		return StateDraft
	}
	if adjustment {
		return StateAccrued
	}
	if reversal != nil && *reversal == accounting.JournalStatusPosted {
		return StateReversed
	}
	return StateAccrued
}

// Filter narrows record listings.
type Filter struct {
	CompanyID int64
	OrderIDs  []int64
	States    []State
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

// Window selects records dated within [From, To] for a set of orders.
type Window struct {
	CompanyID int64
	OrderIDs  []int64
	From      time.Time
	To        time.Time
}

// Contains reports whether date falls within the window.
func (w Window) Contains(date time.Time) bool {
	return !date.Before(w.From) && !date.After(w.To)
}

// CreateInput describes one accrual to create.
type CreateInput struct {
	CompanyID    int64      `json:"company_id"`
	OrderID      int64      `json:"order_id"`
	Date         time.Time  `json:"date"`
	ReversalDate *time.Time `json:"reversal_date,omitempty"`
	Scenario     Scenario   `json:"scenario"`
	AutoPost     bool       `json:"auto_post"`
	Actor        string     `json:"-"`
}

// BatchInput describes a scenario run over several orders.
type BatchInput struct {
	CompanyID    int64      `json:"company_id"`
	Scenario     Scenario   `json:"scenario"`
	OrderIDs     []int64    `json:"order_ids"`
	Date         time.Time  `json:"date"`
	ReversalDate *time.Time `json:"reversal_date,omitempty"`
	AutoPost     bool       `json:"auto_post"`
	Actor        string     `json:"-"`
}

// BatchSkip is an order left untouched by a batch.
type BatchSkip struct {
	OrderID   int64  `json:"order_id"`
	OrderName string `json:"order_name"`
	Reason    string `json:"reason"`
}

// BatchFailure is an order whose creation failed after validation.
type BatchFailure struct {
	OrderID   int64  `json:"order_id"`
	OrderName string `json:"order_name"`
	Message   string `json:"message"`
}

// BatchResult summarises a scenario run.
type BatchResult struct {
	Scenario Scenario       `json:"scenario"`
	Created  []Record       `json:"created"`
	Replaced []int64        `json:"replaced"`
	Skipped  []BatchSkip    `json:"skipped"`
	Failed   []BatchFailure `json:"failed"`
}

// Skip reasons reported by batches.
const (
	ReasonInvalidStatus  = "invalid status"
	ReasonAlreadyAccrued = "already accrued in period"
	ReasonNoLines        = "no eligible lines"
	ReasonNoAmount       = "no accrual amount calculated"
)

// ScenarioError aggregates the orders that make a batch incompatible with its
// scenario. It unwraps to ErrScenarioIncompatible.
type ScenarioError struct {
	Scenario Scenario            `json:"scenario"`
	Reasons  map[string][]string `json:"reasons"`
}

// Add records that order failed validation for reason.
func (e *ScenarioError) Add(reason, order string) {
	if e.Reasons == nil {
		e.Reasons = make(map[string][]string)
	}
	e.Reasons[reason] = append(e.Reasons[reason], order)
}

// Empty reports whether no order failed.
func (e *ScenarioError) Empty() bool {
	return e == nil || len(e.Reasons) == 0
}

func (e *ScenarioError) Error() string {
	reasons := make([]string, 0, len(e.Reasons))
	for reason := range e.Reasons {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	parts := make([]string, 0, len(reasons))
	for _, reason := range reasons {
		parts = append(parts, fmt.Sprintf("%s: %s", reason, strings.Join(e.Reasons[reason], ", ")))
	}
	return fmt.Sprintf("accrual: scenario %s not allowed: %s", e.Scenario, strings.Join(parts, "; "))
}

func (e *ScenarioError) Unwrap() error {
	return ErrScenarioIncompatible
}

// Scenario validation reasons.
const (
	ReasonHasExisting   = "orders already have accruals in the period"
	ReasonNoAccrued     = "orders have no accrued or reversed accrual in the period"
	ReasonNoHistory     = "orders have no existing accruals"
	ReasonOrderNotFound = "orders not found"
)

// PreviewInput selects orders and a period for the duplicate check.
type PreviewInput struct {
	CompanyID    int64      `json:"company_id"`
	OrderIDs     []int64    `json:"order_ids"`
	Date         time.Time  `json:"date"`
	ReversalDate *time.Time `json:"reversal_date,omitempty"`
}

// PreviewItem reports existing and proposed accruals for one order.
type PreviewItem struct {
	OrderID        int64           `json:"order_id"`
	OrderName      string          `json:"order_name"`
	PartnerName    string          `json:"partner_name"`
	CECode         string          `json:"ce_code"`
	CEStatus       string          `json:"ce_status"`
	Currency       string          `json:"currency"`
	Eligible       bool            `json:"eligible"`
	ProposedAmount decimal.Decimal `json:"proposed_amount"`
	Existing       []Record        `json:"existing"`
	ExistingTotal  decimal.Decimal `json:"existing_total"`
	HasExisting    bool            `json:"has_existing"`
}

var (
	ErrNotFound             = errors.New("accrual: record not found")
	ErrInvalidState         = errors.New("accrual: invalid state for operation")
	ErrReversalDate         = errors.New("accrual: reversal date must be after accrual date")
	ErrOrderNotEligible     = errors.New("accrual: order state must be sale with a signed or billable CE")
	ErrNothingToAccrue      = errors.New("accrual: no eligible lines to accrue")
	ErrExceedsOriginal      = errors.New("accrual: total accrued amount cannot exceed the original amount")
	ErrNoIncomeAccount      = errors.New("accrual: income account missing")
	ErrScenarioIncompatible = errors.New("accrual: scenario incompatible with selected orders")
	ErrUnknownLine          = errors.New("accrual: line does not belong to record")
	ErrCompanyMismatch      = errors.New("accrual: belongs to another company")
)
