package accrual

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/accruals/internal/accounting"
	"github.com/odyssey-erp/accruals/internal/platform/db"
)

// TxRepository exposes transactional operations on accrual records.
type TxRepository interface {
	InsertRecord(ctx context.Context, record Record) (Record, error)
	GetRecord(ctx context.Context, id int64) (Record, error)
	ListRecords(ctx context.Context, filter Filter, withLines bool) ([]Record, int, error)
	UpdateRecord(ctx context.Context, record Record) error
	ReplaceLines(ctx context.Context, recordID int64, lines []Line) error
	DeleteRecord(ctx context.Context, id int64) error
	DueReversals(ctx context.Context, asOf time.Time) ([]Record, error)
}

// Repository persists accrual records in PostgreSQL.
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
		return errors.New("accrual repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

const recordColumns = `id, company_id, sale_order_id, order_name, partner_id, partner_name, ce_code, currency, rate,
	date, reversal_date, total, original_total, state, scenario, entry_type, source_id,
	accrual_entry_id, reversal_entry_id, created_by, created_at, updated_at`

func scanRecord(row pgx.Row, r *Record) error {
	return row.Scan(&r.ID, &r.CompanyID, &r.OrderID, &r.OrderName, &r.PartnerID, &r.PartnerName, &r.CECode, &r.Currency, &r.Rate,
		&r.Date, &r.ReversalDate, &r.Total, &r.OriginalTotal, &r.State, &r.Scenario, &r.EntryType, &r.SourceID,
		&r.AccrualEntryID, &r.ReversalEntryID, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt)
}

func (t *txRepository) InsertRecord(ctx context.Context, rec Record) (Record, error) {
	row := t.tx.QueryRow(ctx, `INSERT INTO accrual_records (company_id, sale_order_id, order_name, partner_id, partner_name, ce_code,
	currency, rate, date, reversal_date, total, original_total, state, scenario, entry_type, source_id, created_by)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
RETURNING `+recordColumns,
		rec.CompanyID, rec.OrderID, rec.OrderName, rec.PartnerID, rec.PartnerName, rec.CECode,
		rec.Currency, rec.Rate, rec.Date, rec.ReversalDate, rec.Total.Round(2), rec.OriginalTotal.Round(2),
		rec.State, rec.Scenario, rec.EntryType, rec.SourceID, rec.CreatedBy)
	var inserted Record
	if err := scanRecord(row, &inserted); err != nil {
		return Record{}, err
	}
	if err := t.insertLines(ctx, inserted.ID, rec.Lines); err != nil {
		return Record{}, err
	}
	lines, err := t.lines(ctx, []int64{inserted.ID})
	if err != nil {
		return Record{}, err
	}
	inserted.Lines = lines[inserted.ID]
	return inserted, nil
}

func (t *txRepository) insertLines(ctx context.Context, recordID int64, lines []Line) error {
	batch := &pgx.Batch{}
	for _, l := range lines {
		dist := l.Distribution
		if dist == nil {
			dist = accounting.Distribution{}
		}
		batch.Queue(`INSERT INTO accrual_lines (record_id, sequence, sale_order_line_id, label, account_id, debit, credit,
	amount_currency, currency, analytic_distribution, is_total)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			recordID, l.Sequence, l.OrderLineID, l.Label, l.AccountID, l.Debit.Round(2), l.Credit.Round(2),
			l.AmountCurrency.Round(2), l.Currency, dist, l.IsTotal)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *txRepository) GetRecord(ctx context.Context, id int64) (Record, error) {
	var rec Record
	err := scanRecord(t.tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM accrual_records WHERE id = $1 FOR UPDATE`, id), &rec)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	lines, err := t.lines(ctx, []int64{rec.ID})
	if err != nil {
		return Record{}, err
	}
	rec.Lines = lines[rec.ID]
	return rec, nil
}

func (t *txRepository) ListRecords(ctx context.Context, filter Filter, withLines bool) ([]Record, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	add("company_id = $%d", filter.CompanyID)
	if len(filter.OrderIDs) > 0 {
		add("sale_order_id = ANY($%d)", filter.OrderIDs)
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = string(s)
		}
		add("state = ANY($%d)", states)
	}
	if filter.From != nil {
		add("date >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("date <= $%d", *filter.To)
	}
	clause := " WHERE " + strings.Join(where, " AND ")

	var total int
	if err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM accrual_records`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + recordColumns + ` FROM accrual_records` + clause + ` ORDER BY date DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}
	records, err := t.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	if withLines && len(records) > 0 {
		if err := t.attachLines(ctx, records); err != nil {
			return nil, 0, err
		}
	}
	return records, total, nil
}

func (t *txRepository) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var rec Record
		if err := scanRecord(rows, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (t *txRepository) attachLines(ctx context.Context, records []Record) error {
	ids := make([]int64, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	lines, err := t.lines(ctx, ids)
	if err != nil {
		return err
	}
	for i := range records {
		records[i].Lines = lines[records[i].ID]
	}
	return nil
}

func (t *txRepository) lines(ctx context.Context, recordIDs []int64) (map[int64][]Line, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, record_id, sequence, sale_order_line_id, label, account_id, debit, credit,
	amount_currency, currency, COALESCE(analytic_distribution, '{}'::jsonb), is_total
FROM accrual_lines
WHERE record_id = ANY($1)
ORDER BY record_id, is_total, sequence, id`, recordIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64][]Line, len(recordIDs))
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.RecordID, &l.Sequence, &l.OrderLineID, &l.Label, &l.AccountID, &l.Debit, &l.Credit,
			&l.AmountCurrency, &l.Currency, &l.Distribution, &l.IsTotal); err != nil {
			return nil, err
		}
		out[l.RecordID] = append(out[l.RecordID], l)
	}
	return out, rows.Err()
}

func (t *txRepository) UpdateRecord(ctx context.Context, rec Record) error {
	cmd, err := t.tx.Exec(ctx, `UPDATE accrual_records
SET state = $2, reversal_date = $3, total = $4, accrual_entry_id = $5, reversal_entry_id = $6, updated_at = NOW()
WHERE id = $1`, rec.ID, rec.State, rec.ReversalDate, rec.Total.Round(2), rec.AccrualEntryID, rec.ReversalEntryID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepository) ReplaceLines(ctx context.Context, recordID int64, lines []Line) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM accrual_lines WHERE record_id = $1`, recordID); err != nil {
		return err
	}
	return t.insertLines(ctx, recordID, lines)
}

func (t *txRepository) DeleteRecord(ctx context.Context, id int64) error {
	cmd, err := t.tx.Exec(ctx, `DELETE FROM accrual_records WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepository) DueReversals(ctx context.Context, asOf time.Time) ([]Record, error) {
	return t.queryRecords(ctx, `SELECT `+recordColumns+` FROM accrual_records
WHERE state = $1 AND reversal_entry_id IS NOT NULL AND reversal_date <= $2
ORDER BY reversal_date, id`, StateAccrued, asOf)
}
