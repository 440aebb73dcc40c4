package sales

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("sales: record not found")
	ErrRateNotFound = errors.New("sales: currency rate not found")
)

// Repository provides PostgreSQL backed reads over orders, categories,
// currency rates and invoices.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const orderColumns = `so.id, so.company_id, so.name, so.state, so.partner_id, COALESCE(p.name, ''), so.currency,
	COALESCE(so.ce_code, ''), COALESCE(so.legacy_ce_code, ''), COALESCE(so.ce_status, ''), so.ce_date,
	COALESCE(so.job_description, ''), so.date_order, COALESCE(so.analytic_distribution, '{}'::jsonb)`

const orderFrom = ` FROM sale_orders so LEFT JOIN partners p ON p.id = so.partner_id`

func scanOrder(row pgx.Row, o *Order) error {
	return row.Scan(&o.ID, &o.CompanyID, &o.Name, &o.State, &o.PartnerID, &o.PartnerName, &o.Currency,
		&o.CECode, &o.LegacyCECode, &o.CEStatus, &o.CEDate, &o.JobDescription, &o.OrderDate, &o.Distribution)
}

// ============================================================================
// ORDERS
// ============================================================================

// GetOrder loads an order with its lines.
func (r *Repository) GetOrder(ctx context.Context, id int64) (Order, error) {
	var o Order
	err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+orderFrom+` WHERE so.id = $1`, id), &o)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	lines, err := r.orderLines(ctx, []int64{o.ID})
	if err != nil {
		return Order{}, err
	}
	o.Lines = lines[o.ID]
	return o, nil
}

// ListOrders returns orders matching filter, lines included.
func (r *Repository) ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + orderColumns + orderFrom + ` WHERE so.company_id = $1`)
	args := []any{filter.CompanyID}
	if len(filter.IDs) > 0 {
		args = append(args, filter.IDs)
		fmt.Fprintf(&sb, " AND so.id = ANY($%d)", len(args))
	}
	if filter.EligibleOnly {
		args = append(args, string(OrderStateSale), []string{string(CEStatusSigned), string(CEStatusBillable)})
		fmt.Fprintf(&sb, " AND so.state = $%d AND so.ce_status = ANY($%d)", len(args)-1, len(args))
	}
	sb.WriteString(" ORDER BY so.id")
	return r.queryOrders(ctx, sb.String(), args...)
}

// OrdersByCECode returns orders whose CE code matches code under match.
func (r *Repository) OrdersByCECode(ctx context.Context, companyID int64, code string, match CodeMatch) ([]Order, error) {
	var cond string
	switch match {
	case MatchExact:
		cond = "so.ce_code = $2"
	case MatchLegacyExact:
		cond = "so.legacy_ce_code = $2"
	case MatchInsensitive:
		cond = "UPPER(so.ce_code) = UPPER($2)"
	case MatchLegacyInsensitive:
		cond = "UPPER(so.legacy_ce_code) = UPPER($2)"
	default:
		return nil, fmt.Errorf("sales: unknown code match %d", match)
	}
	return r.queryOrders(ctx, `SELECT `+orderColumns+orderFrom+` WHERE so.company_id = $1 AND `+cond+` ORDER BY so.id DESC`, companyID, code)
}

// ListCodeRefs returns every order carrying a CE code.
func (r *Repository) ListCodeRefs(ctx context.Context, companyID int64) ([]CodeRef, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, COALESCE(ce_code, ''), COALESCE(legacy_ce_code, '')
FROM sale_orders
WHERE company_id = $1 AND (ce_code IS NOT NULL OR legacy_ce_code IS NOT NULL)
ORDER BY id DESC`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []CodeRef
	for rows.Next() {
		var ref CodeRef
		if err := rows.Scan(&ref.OrderID, &ref.CECode, &ref.LegacyCECode); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (r *Repository) queryOrders(ctx context.Context, sql string, args ...any) ([]Order, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	var orders []Order
	for rows.Next() {
		var o Order
		if err := scanOrder(rows, &o); err != nil {
			rows.Close()
			return nil, err
		}
		orders = append(orders, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return orders, nil
	}
	ids := make([]int64, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	lines, err := r.orderLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Lines = lines[orders[i].ID]
	}
	return orders, nil
}

func (r *Repository) orderLines(ctx context.Context, orderIDs []int64) (map[int64][]OrderLine, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, order_id, sequence, name, COALESCE(display_type, ''), product_category_id,
	income_account_id, product_uom_qty, qty_invoiced, price_unit, COALESCE(analytic_distribution, '{}'::jsonb)
FROM sale_order_lines
WHERE order_id = ANY($1)
ORDER BY order_id, sequence, id`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64][]OrderLine, len(orderIDs))
	for rows.Next() {
		var l OrderLine
		if err := rows.Scan(&l.ID, &l.OrderID, &l.Sequence, &l.Name, &l.DisplayType, &l.CategoryID,
			&l.IncomeAccountID, &l.OrderedQty, &l.InvoicedQty, &l.UnitPrice, &l.Distribution); err != nil {
			return nil, err
		}
		out[l.OrderID] = append(out[l.OrderID], l)
	}
	return out, rows.Err()
}

// ============================================================================
// CATEGORIES, RATES, INVOICES
// ============================================================================

// ListCategories returns all product categories.
func (r *Repository) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, parent_id, income_account_id FROM product_categories ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var categories []Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name, &c.ParentID, &c.IncomeAccountID); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// LatestRate returns the company-currency value of one unit of currency on
// or before date.
func (r *Repository) LatestRate(ctx context.Context, currency string, date time.Time) (decimal.Decimal, error) {
	var rate decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT rate FROM currency_rates
WHERE currency = $1 AND rate_date <= $2
ORDER BY rate_date DESC LIMIT 1`, currency, date).Scan(&rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrRateNotFound
	}
	return rate, err
}

// BilledAmounts sums untaxed posted customer invoices per order within
// [from, to]. A nil orderIDs covers every invoiced order of the company.
func (r *Repository) BilledAmounts(ctx context.Context, companyID int64, orderIDs []int64, from, to time.Time) ([]BilledAmount, error) {
	rows, err := r.pool.Query(ctx, `SELECT sale_order_id, COALESCE(SUM(amount_untaxed), 0)
FROM invoices
WHERE company_id = $1 AND ($2::bigint[] IS NULL OR sale_order_id = ANY($2)) AND move_type = 'out_invoice' AND state = 'posted'
  AND invoice_date BETWEEN $3 AND $4
GROUP BY sale_order_id
ORDER BY sale_order_id`, companyID, orderIDs, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BilledAmount
	for rows.Next() {
		var b BilledAmount
		if err := rows.Scan(&b.OrderID, &b.Amount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
