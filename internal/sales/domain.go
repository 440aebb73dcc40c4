package sales

import (
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/accruals/internal/accounting"
)

// ============================================================================
// ORDERS
// ============================================================================

// OrderState tracks the lifecycle of a sale order.
type OrderState string

const (
	OrderStateDraft  OrderState = "draft"
	OrderStateSent   OrderState = "sent"
	OrderStateSale   OrderState = "sale"
	OrderStateDone   OrderState = "done"
	OrderStateCancel OrderState = "cancel"
)

// CEStatus is the approval status of the cost estimate behind an order.
type CEStatus string

const (
	CEStatusDraft     CEStatus = "draft"
	CEStatusSigned    CEStatus = "signed"
	CEStatusBillable  CEStatus = "billable"
	CEStatusClosed    CEStatus = "closed"
	CEStatusCancelled CEStatus = "cancelled"
)

// Order is a confirmed sale order together with its cost estimate metadata.
type Order struct {
	ID             int64                   `json:"id"`
	CompanyID      int64                   `json:"company_id"`
	Name           string                  `json:"name"`
	State          OrderState              `json:"state"`
	PartnerID      int64                   `json:"partner_id"`
	PartnerName    string                  `json:"partner_name"`
	Currency       string                  `json:"currency"`
	CECode         string                  `json:"ce_code"`
	LegacyCECode   string                  `json:"legacy_ce_code,omitempty"`
	CEStatus       CEStatus                `json:"ce_status"`
	CEDate         *time.Time              `json:"ce_date,omitempty"`
	JobDescription string                  `json:"job_description"`
	OrderDate      time.Time               `json:"order_date"`
	Distribution   accounting.Distribution `json:"distribution,omitempty"`
	Lines          []OrderLine             `json:"lines,omitempty"`
}

// Eligible reports whether the order can be accrued without override.
func (o Order) Eligible() bool {
	if o.State != OrderStateSale {
		return false
	}
	return o.CEStatus == CEStatusSigned || o.CEStatus == CEStatusBillable
}

// OrderLine is one product or display line of an order.
type OrderLine struct {
	ID              int64                   `json:"id"`
	OrderID         int64                   `json:"order_id"`
	Sequence        int                     `json:"sequence"`
	Name            string                  `json:"name"`
	DisplayType     string                  `json:"display_type,omitempty"`
	CategoryID      *int64                  `json:"category_id,omitempty"`
	IncomeAccountID *int64                  `json:"income_account_id,omitempty"`
	OrderedQty      decimal.Decimal         `json:"ordered_qty"`
	InvoicedQty     decimal.Decimal         `json:"invoiced_qty"`
	UnitPrice       decimal.Decimal         `json:"unit_price"`
	Distribution    accounting.Distribution `json:"distribution,omitempty"`
}

// IsDisplay is true for section and note lines.
func (l OrderLine) IsDisplay() bool {
	return l.DisplayType != ""
}

// AccruableQty is the ordered quantity not yet invoiced.
func (l OrderLine) AccruableQty() decimal.Decimal {
	return l.OrderedQty.Sub(l.InvoicedQty)
}

// OrderFilter narrows order listings.
type OrderFilter struct {
	CompanyID    int64
	IDs          []int64
	EligibleOnly bool
}

// CodeMatch selects how a CE code lookup compares codes.
type CodeMatch int

const (
	MatchExact CodeMatch = iota
	MatchLegacyExact
	MatchInsensitive
	MatchLegacyInsensitive
)

// CodeRef is the minimal projection used for normalized code scans.
type CodeRef struct {
	OrderID      int64
	CECode       string
	LegacyCECode string
}

// NormalizeCECode trims, uppercases and removes all whitespace.
func NormalizeCECode(code string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, strings.TrimSpace(code))
}

// ============================================================================
// PRODUCT CATEGORIES
// ============================================================================

// Category is a node of the product category tree.
type Category struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	ParentID        *int64 `json:"parent_id,omitempty"`
	IncomeAccountID *int64 `json:"income_account_id,omitempty"`
}

// CategoryTree indexes categories by id.
type CategoryTree map[int64]Category

// NewCategoryTree builds a tree from a flat list.
func NewCategoryTree(categories []Category) CategoryTree {
	tree := make(CategoryTree, len(categories))
	for _, c := range categories {
		tree[c.ID] = c
	}
	return tree
}

// Within reports whether categoryID or one of its ancestors is named name.
// The comparison ignores case and surrounding spaces.
func (t CategoryTree) Within(categoryID int64, name string) bool {
	want := strings.TrimSpace(name)
	if want == "" {
		return false
	}
	found := false
	t.walk(categoryID, func(c Category) bool {
		if strings.EqualFold(strings.TrimSpace(c.Name), want) {
			found = true
			return false
		}
		return true
	})
	return found
}

// IncomeAccount returns the nearest income account on the parent chain.
func (t CategoryTree) IncomeAccount(categoryID int64) (int64, bool) {
	var account int64
	t.walk(categoryID, func(c Category) bool {
		if c.IncomeAccountID != nil {
			account = *c.IncomeAccountID
			return false
		}
		return true
	})
	return account, account != 0
}

func (t CategoryTree) walk(categoryID int64, visit func(Category) bool) {
	seen := make(map[int64]struct{})
	id := categoryID
	for {
		if _, loop := seen[id]; loop {
			return
		}
		seen[id] = struct{}{}
		c, ok := t[id]
		if !ok || !visit(c) || c.ParentID == nil {
			return
		}
		id = *c.ParentID
	}
}

// ============================================================================
// INVOICES
// ============================================================================

// BilledAmount is the untaxed amount invoiced against an order.
type BilledAmount struct {
	OrderID int64           `json:"order_id"`
	Amount  decimal.Decimal `json:"amount"`
}
