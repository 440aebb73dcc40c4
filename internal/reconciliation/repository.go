package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/accruals/internal/platform/db"
)

// TxRepository exposes transactional operations on opening balance tables.
type TxRepository interface {
	ListOpeningBalances(ctx context.Context, filter BalanceFilter) ([]OpeningBalance, int, error)
	GetOpeningBalance(ctx context.Context, id int64) (OpeningBalance, error)
	InsertOpeningBalance(ctx context.Context, ob OpeningBalance) (OpeningBalance, error)
	UpdateOpeningBalance(ctx context.Context, ob OpeningBalance) (OpeningBalance, error)
	DeleteOpeningBalance(ctx context.Context, id int64) error

	ListReversalBalances(ctx context.Context, filter BalanceFilter) ([]ReversalOpeningBalance, int, error)
	GetReversalBalance(ctx context.Context, id int64) (ReversalOpeningBalance, error)
	InsertReversalBalance(ctx context.Context, rob ReversalOpeningBalance) (ReversalOpeningBalance, error)
	UpdateReversalBalance(ctx context.Context, rob ReversalOpeningBalance) (ReversalOpeningBalance, error)
	DeleteReversalBalance(ctx context.Context, id int64) error
}

// Repository persists opening balances in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes fn within a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("reconciliation repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

const (
	openingBalanceUnique  = "opening_balances_code_date_company_key"
	reversalBalanceUnique = "reversal_opening_balances_code_date_company_key"
)

func balanceWhere(filter BalanceFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	add("company_id = $%d", filter.CompanyID)
	if filter.BalanceDate != nil {
		add("balance_date = $%d", *filter.BalanceDate)
	}
	if filter.Code != "" {
		add("normalized_code = $%d", NormalizeCode(filter.Code))
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func pageClause(filter BalanceFilter) string {
	if filter.PerPage <= 0 {
		return ""
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", filter.PerPage, (page-1)*filter.PerPage)
}

// ============================================================================
// OPENING BALANCES
// ============================================================================

const openingColumns = `id, company_id, ce_code, normalized_code, balance_date, amount, currency, partner_name,
	ce_date, ce_status, job_description, notes, created_at, updated_at`

func scanOpening(row pgx.Row, b *OpeningBalance) error {
	return row.Scan(&b.ID, &b.CompanyID, &b.CECode, &b.NormalizedCode, &b.BalanceDate, &b.Amount, &b.Currency, &b.PartnerName,
		&b.CEDate, &b.CEStatus, &b.JobDescription, &b.Notes, &b.CreatedAt, &b.UpdatedAt)
}

func (t *txRepository) ListOpeningBalances(ctx context.Context, filter BalanceFilter) ([]OpeningBalance, int, error) {
	clause, args := balanceWhere(filter)
	var total int
	if err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM opening_balances`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := t.tx.Query(ctx, `SELECT `+openingColumns+` FROM opening_balances`+clause+
		` ORDER BY balance_date DESC, normalized_code`+pageClause(filter), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []OpeningBalance
	for rows.Next() {
		var b OpeningBalance
		if err := scanOpening(rows, &b); err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	return out, total, rows.Err()
}

func (t *txRepository) GetOpeningBalance(ctx context.Context, id int64) (OpeningBalance, error) {
	var b OpeningBalance
	err := scanOpening(t.tx.QueryRow(ctx, `SELECT `+openingColumns+` FROM opening_balances WHERE id = $1`, id), &b)
	if errors.Is(err, pgx.ErrNoRows) {
		return OpeningBalance{}, ErrNotFound
	}
	return b, err
}

func (t *txRepository) InsertOpeningBalance(ctx context.Context, ob OpeningBalance) (OpeningBalance, error) {
	var b OpeningBalance
	err := scanOpening(t.tx.QueryRow(ctx, `INSERT INTO opening_balances (company_id, ce_code, normalized_code, balance_date,
	amount, currency, partner_name, ce_date, ce_status, job_description, notes)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
RETURNING `+openingColumns,
		ob.CompanyID, ob.CECode, ob.NormalizedCode, ob.BalanceDate, ob.Amount.Round(2), ob.Currency, ob.PartnerName,
		ob.CEDate, ob.CEStatus, ob.JobDescription, ob.Notes), &b)
	if db.UniqueViolation(err, openingBalanceUnique) {
		return OpeningBalance{}, fmt.Errorf("%w: %s on %s", ErrDuplicateBalance, ob.CECode, ob.BalanceDate.Format(time.DateOnly))
	}
	return b, err
}

func (t *txRepository) UpdateOpeningBalance(ctx context.Context, ob OpeningBalance) (OpeningBalance, error) {
	var b OpeningBalance
	err := scanOpening(t.tx.QueryRow(ctx, `UPDATE opening_balances SET ce_code = $2, normalized_code = $3, balance_date = $4,
	amount = $5, currency = $6, partner_name = $7, ce_date = $8, ce_status = $9, job_description = $10, notes = $11,
	updated_at = NOW()
WHERE id = $1
RETURNING `+openingColumns,
		ob.ID, ob.CECode, ob.NormalizedCode, ob.BalanceDate, ob.Amount.Round(2), ob.Currency, ob.PartnerName,
		ob.CEDate, ob.CEStatus, ob.JobDescription, ob.Notes), &b)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return OpeningBalance{}, ErrNotFound
	case db.UniqueViolation(err, openingBalanceUnique):
		return OpeningBalance{}, fmt.Errorf("%w: %s on %s", ErrDuplicateBalance, ob.CECode, ob.BalanceDate.Format(time.DateOnly))
	}
	return b, err
}

func (t *txRepository) DeleteOpeningBalance(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM opening_balances WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ============================================================================
// REVERSAL OPENING BALANCES
// ============================================================================

const reversalColumns = `id, company_id, ce_code, normalized_code, balance_date, system_reversal, manual_reversal,
	manual_reversal_adjustment, partner_name, ce_date, ce_status, job_description, notes, created_at, updated_at`

func scanReversal(row pgx.Row, b *ReversalOpeningBalance) error {
	return row.Scan(&b.ID, &b.CompanyID, &b.CECode, &b.NormalizedCode, &b.BalanceDate, &b.SystemReversal, &b.ManualReversal,
		&b.ManualReversalAdjustment, &b.PartnerName, &b.CEDate, &b.CEStatus, &b.JobDescription, &b.Notes, &b.CreatedAt, &b.UpdatedAt)
}

func (t *txRepository) ListReversalBalances(ctx context.Context, filter BalanceFilter) ([]ReversalOpeningBalance, int, error) {
	clause, args := balanceWhere(filter)
	var total int
	if err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM reversal_opening_balances`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := t.tx.Query(ctx, `SELECT `+reversalColumns+` FROM reversal_opening_balances`+clause+
		` ORDER BY balance_date DESC, normalized_code`+pageClause(filter), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []ReversalOpeningBalance
	for rows.Next() {
		var b ReversalOpeningBalance
		if err := scanReversal(rows, &b); err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	return out, total, rows.Err()
}

func (t *txRepository) GetReversalBalance(ctx context.Context, id int64) (ReversalOpeningBalance, error) {
	var b ReversalOpeningBalance
	err := scanReversal(t.tx.QueryRow(ctx, `SELECT `+reversalColumns+` FROM reversal_opening_balances WHERE id = $1`, id), &b)
	if errors.Is(err, pgx.ErrNoRows) {
		return ReversalOpeningBalance{}, ErrNotFound
	}
	return b, err
}

func (t *txRepository) InsertReversalBalance(ctx context.Context, rob ReversalOpeningBalance) (ReversalOpeningBalance, error) {
	var b ReversalOpeningBalance
	err := scanReversal(t.tx.QueryRow(ctx, `INSERT INTO reversal_opening_balances (company_id, ce_code, normalized_code,
	balance_date, system_reversal, manual_reversal, manual_reversal_adjustment, partner_name, ce_date, ce_status,
	job_description, notes)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
RETURNING `+reversalColumns,
		rob.CompanyID, rob.CECode, rob.NormalizedCode, rob.BalanceDate, rob.SystemReversal.Round(2), rob.ManualReversal.Round(2),
		rob.ManualReversalAdjustment.Round(2), rob.PartnerName, rob.CEDate, rob.CEStatus, rob.JobDescription, rob.Notes), &b)
	if db.UniqueViolation(err, reversalBalanceUnique) {
		return ReversalOpeningBalance{}, fmt.Errorf("%w: %s on %s", ErrDuplicateBalance, rob.CECode, rob.BalanceDate.Format(time.DateOnly))
	}
	return b, err
}

func (t *txRepository) UpdateReversalBalance(ctx context.Context, rob ReversalOpeningBalance) (ReversalOpeningBalance, error) {
	var b ReversalOpeningBalance
	err := scanReversal(t.tx.QueryRow(ctx, `UPDATE reversal_opening_balances SET ce_code = $2, normalized_code = $3,
	balance_date = $4, system_reversal = $5, manual_reversal = $6, manual_reversal_adjustment = $7, partner_name = $8,
	ce_date = $9, ce_status = $10, job_description = $11, notes = $12, updated_at = NOW()
WHERE id = $1
RETURNING `+reversalColumns,
		rob.ID, rob.CECode, rob.NormalizedCode, rob.BalanceDate, rob.SystemReversal.Round(2), rob.ManualReversal.Round(2),
		rob.ManualReversalAdjustment.Round(2), rob.PartnerName, rob.CEDate, rob.CEStatus, rob.JobDescription, rob.Notes), &b)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ReversalOpeningBalance{}, ErrNotFound
	case db.UniqueViolation(err, reversalBalanceUnique):
		return ReversalOpeningBalance{}, fmt.Errorf("%w: %s on %s", ErrDuplicateBalance, rob.CECode, rob.BalanceDate.Format(time.DateOnly))
	}
	return b, err
}

func (t *txRepository) DeleteReversalBalance(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM reversal_opening_balances WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
