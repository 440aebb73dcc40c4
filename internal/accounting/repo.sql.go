package accounting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/accruals/internal/platform/db"
	"github.com/odyssey-erp/accruals/internal/shared"
)

// Repository persists accounting entities.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertJournalEntry(ctx context.Context, in PostingInput) (JournalEntry, error)
	InsertJournalLines(ctx context.Context, entryID int64, lines []PostingLineInput) error
	LinkSource(ctx context.Context, module string, ref uuid.UUID, entryID int64) error
	GetPeriodForUpdate(ctx context.Context, companyID int64, date time.Time) (Period, error)
	GetJournalWithLines(ctx context.Context, entryID int64) (JournalEntry, []JournalLine, error)
	UpdateJournalStatus(ctx context.Context, entryID int64, status JournalStatus, date *time.Time, actor string) error
	ListLedgerLines(ctx context.Context, filter LineFilter) ([]LedgerLine, error)
	HistoryTotals(ctx context.Context, filter HistoryFilter) ([]HistoryTotal, error)
	GetAccountMapping(ctx context.Context, companyID int64, module, key string) (AccountMapping, error)
	GetAccount(ctx context.Context, id int64) (Account, error)
	FirstAccountByType(ctx context.Context, companyID int64, accountType AccountType) (Account, error)
	ListEntryTotals(ctx context.Context, companyID int64, from, to time.Time) ([]EntryTotal, error)
	GetEntryTotals(ctx context.Context, ids []int64) (map[int64]EntryTotal, error)
}

type txRepository struct {
	tx pgx.Tx
}

// ErrSourceConflict indicates the source link already exists.
var ErrSourceConflict = errors.New("accounting: source link conflict")

// WithTx executes fn within repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("accounting repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const journalColumns = `id, number, company_id, date, ref, source_module, source_id, entry_type, currency, memo, status, reversal_of, COALESCE(posted_by, ''), posted_at, created_at, updated_at`

func scanJournal(row pgx.Row, e *JournalEntry) error {
	return row.Scan(&e.ID, &e.Number, &e.CompanyID, &e.Date, &e.Ref, &e.SourceModule, &e.SourceID, &e.EntryType, &e.Currency, &e.Memo, &e.Status, &e.ReversalOf, &e.PostedBy, &e.PostedAt, &e.CreatedAt, &e.UpdatedAt)
}

func (r *txRepository) InsertJournalEntry(ctx context.Context, in PostingInput) (JournalEntry, error) {
	status := JournalStatusPosted
	if in.Draft {
		status = JournalStatusDraft
	}
	row := r.tx.QueryRow(ctx, `INSERT INTO journal_entries (company_id, date, ref, source_module, source_id, entry_type, currency, memo, status, reversal_of, posted_by, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, CASE WHEN $9 = 'POSTED' THEN NOW() END)
RETURNING `+journalColumns, in.CompanyID, in.Date, in.Ref, in.SourceModule, in.SourceID, in.EntryType, in.Currency, in.Memo, status, in.ReversalOf, nullString(in.Actor))
	var entry JournalEntry
	if err := scanJournal(row, &entry); err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

func (r *txRepository) InsertJournalLines(ctx context.Context, entryID int64, lines []PostingLineInput) error {
	batch := &pgx.Batch{}
	for _, line := range lines {
		dist := line.Distribution
		if dist == nil {
			dist = Distribution{}
		}
		batch.Queue(`INSERT INTO journal_lines (je_id, account_id, label, debit, credit, amount_currency, currency, partner_id, sale_order_id, ce_code, analytic_distribution)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, entryID, line.AccountID, line.Label, line.Debit.Round(2), line.Credit.Round(2), line.AmountCurrency.Round(2), line.Currency, line.PartnerID, line.SaleOrderID, line.CECode, dist)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

func (r *txRepository) LinkSource(ctx context.Context, module string, ref uuid.UUID, entryID int64) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO source_links (module, ref_id, je_id) VALUES ($1,$2,$3)`, module, ref, entryID)
	if err != nil {
		if db.UniqueViolation(err, "uq_source_links") {
			return ErrSourceConflict
		}
		return err
	}
	return nil
}

func (r *txRepository) GetPeriodForUpdate(ctx context.Context, companyID int64, date time.Time) (Period, error) {
	var p Period
	err := r.tx.QueryRow(ctx, `SELECT id, company_id, code, start_date, end_date, status
FROM periods WHERE company_id=$1 AND $2 BETWEEN start_date AND end_date ORDER BY start_date LIMIT 1 FOR UPDATE`, companyID, date).
		Scan(&p.ID, &p.CompanyID, &p.Code, &p.StartDate, &p.EndDate, &p.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrPeriodNotFound
		}
		return Period{}, err
	}
	return p, nil
}

func (r *txRepository) GetJournalWithLines(ctx context.Context, entryID int64) (JournalEntry, []JournalLine, error) {
	var entry JournalEntry
	err := scanJournal(r.tx.QueryRow(ctx, `SELECT `+journalColumns+` FROM journal_entries WHERE id=$1 FOR UPDATE`, entryID), &entry)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, nil, ErrJournalNotFound
		}
		return JournalEntry{}, nil, err
	}
	rows, err := r.tx.Query(ctx, `SELECT id, je_id, account_id, label, debit, credit, amount_currency, currency, partner_id, sale_order_id, ce_code, COALESCE(analytic_distribution, '{}'::jsonb)
FROM journal_lines WHERE je_id=$1 ORDER BY id ASC`, entryID)
	if err != nil {
		return JournalEntry{}, nil, err
	}
	defer rows.Close()
	var lines []JournalLine
	for rows.Next() {
		var line JournalLine
		if err := rows.Scan(&line.ID, &line.JournalID, &line.AccountID, &line.Label, &line.Debit, &line.Credit, &line.AmountCurrency, &line.Currency, &line.PartnerID, &line.SaleOrderID, &line.CECode, &line.Distribution); err != nil {
			return JournalEntry{}, nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return JournalEntry{}, nil, err
	}
	return entry, lines, nil
}

func (r *txRepository) UpdateJournalStatus(ctx context.Context, entryID int64, status JournalStatus, date *time.Time, actor string) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE journal_entries SET status=$2,
	date=COALESCE($3, date),
	posted_by=CASE WHEN $2 = 'POSTED' THEN $4 ELSE posted_by END,
	posted_at=CASE WHEN $2 = 'POSTED' THEN NOW() ELSE posted_at END,
	updated_at=NOW()
WHERE id=$1`, entryID, status, date, nullString(actor))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrJournalNotFound
	}
	return nil
}

func (r *txRepository) ListLedgerLines(ctx context.Context, filter LineFilter) ([]LedgerLine, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT je.id, je.number, je.ref, je.date, je.entry_type, jl.account_id, a.code, a.name,
	jl.partner_id, COALESCE(p.name, ''), jl.sale_order_id, COALESCE(so.name, ''), jl.ce_code, jl.label, jl.debit, jl.credit
FROM journal_lines jl
JOIN journal_entries je ON je.id = jl.je_id
JOIN accounts a ON a.id = jl.account_id
LEFT JOIN partners p ON p.id = jl.partner_id
LEFT JOIN sale_orders so ON so.id = jl.sale_order_id
WHERE je.status = 'POSTED' AND je.company_id = $1 AND je.date BETWEEN $2 AND $3`)
	args := []any{filter.CompanyID, filter.From, filter.To}
	if filter.AccountID != 0 {
		args = append(args, filter.AccountID)
		fmt.Fprintf(&sb, " AND jl.account_id = $%d", len(args))
	}
	if filter.ExcludeAccountID != 0 {
		args = append(args, filter.ExcludeAccountID)
		fmt.Fprintf(&sb, " AND jl.account_id <> $%d", len(args))
	}
	if len(filter.Types) > 0 {
		args = append(args, entryTypeStrings(filter.Types))
		fmt.Fprintf(&sb, " AND je.entry_type = ANY($%d)", len(args))
	}
	if len(filter.PartnerIDs) > 0 {
		args = append(args, filter.PartnerIDs)
		fmt.Fprintf(&sb, " AND jl.partner_id = ANY($%d)", len(args))
	}
	sb.WriteString(" ORDER BY je.date, je.number, jl.id")

	rows, err := r.tx.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []LedgerLine
	for rows.Next() {
		var l LedgerLine
		if err := rows.Scan(&l.EntryID, &l.EntryNumber, &l.Ref, &l.Date, &l.EntryType, &l.AccountID, &l.AccountCode, &l.AccountName,
			&l.PartnerID, &l.PartnerName, &l.SaleOrderID, &l.SaleOrderName, &l.CECode, &l.Label, &l.Debit, &l.Credit); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *txRepository) HistoryTotals(ctx context.Context, filter HistoryFilter) ([]HistoryTotal, error) {
	rows, err := r.tx.Query(ctx, `SELECT COALESCE(p.name, ''), jl.ce_code, COALESCE(SUM(jl.debit - jl.credit), 0), COUNT(*)
FROM journal_lines jl
JOIN journal_entries je ON je.id = jl.je_id
LEFT JOIN partners p ON p.id = jl.partner_id
WHERE je.status = 'POSTED' AND je.company_id = $1 AND jl.account_id = $2
  AND ((je.entry_type = ANY($3) AND je.date <= $4) OR (je.entry_type = ANY($5) AND je.date <= $6))
GROUP BY COALESCE(p.name, ''), jl.ce_code`,
		filter.CompanyID, filter.AccountID,
		entryTypeStrings(AccrualTypes()), filter.AccrualUntil,
		entryTypeStrings(ReversalTypes()), filter.ReversalUntil)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var totals []HistoryTotal
	for rows.Next() {
		var t HistoryTotal
		if err := rows.Scan(&t.PartnerName, &t.CECode, &t.Net, &t.Lines); err != nil {
			return nil, err
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

// GetAccountMapping resolves an account mapping for the specified key.
func (r *txRepository) GetAccountMapping(ctx context.Context, companyID int64, module, key string) (AccountMapping, error) {
	if module == "" || key == "" {
		return AccountMapping{}, errors.New("accounting: module and key required")
	}
	normalized := strings.ToUpper(module)
	var mapping AccountMapping
	err := r.tx.QueryRow(ctx, `SELECT company_id, module, key, account_id FROM account_mappings WHERE company_id=$1 AND module=$2 AND key=$3`, companyID, normalized, key).
		Scan(&mapping.CompanyID, &mapping.Module, &mapping.Key, &mapping.AccountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccountMapping{}, ErrMappingNotFound
		}
		return AccountMapping{}, err
	}
	return mapping, nil
}

func (r *txRepository) GetAccount(ctx context.Context, id int64) (Account, error) {
	var a Account
	err := r.tx.QueryRow(ctx, `SELECT id, company_id, code, name, type, is_active FROM accounts WHERE id=$1`, id).
		Scan(&a.ID, &a.CompanyID, &a.Code, &a.Name, &a.Type, &a.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, shared.ErrNotFound
		}
		return Account{}, err
	}
	return a, nil
}

func (r *txRepository) FirstAccountByType(ctx context.Context, companyID int64, accountType AccountType) (Account, error) {
	var a Account
	err := r.tx.QueryRow(ctx, `SELECT id, company_id, code, name, type, is_active FROM accounts
WHERE company_id=$1 AND type=$2 AND is_active ORDER BY code LIMIT 1`, companyID, accountType).
		Scan(&a.ID, &a.CompanyID, &a.Code, &a.Name, &a.Type, &a.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, shared.ErrNotFound
		}
		return Account{}, err
	}
	return a, nil
}

const entryTotalsSelect = `SELECT je.id, je.number, je.status, je.entry_type, je.reversal_of, jl.account_id, COALESCE(SUM(jl.debit), 0), COALESCE(SUM(jl.credit), 0)
FROM journal_entries je
JOIN journal_lines jl ON jl.je_id = je.id`

func (r *txRepository) ListEntryTotals(ctx context.Context, companyID int64, from, to time.Time) ([]EntryTotal, error) {
	rows, err := r.tx.Query(ctx, entryTotalsSelect+`
WHERE je.company_id = $1 AND je.date BETWEEN $2 AND $3
GROUP BY je.id, jl.account_id ORDER BY je.id, jl.account_id`, companyID, from, to)
	if err != nil {
		return nil, err
	}
	totals, err := collectEntryTotals(rows)
	if err != nil {
		return nil, err
	}
	out := make([]EntryTotal, 0, len(totals.order))
	for _, id := range totals.order {
		out = append(out, totals.byID[id])
	}
	return out, nil
}

func (r *txRepository) GetEntryTotals(ctx context.Context, ids []int64) (map[int64]EntryTotal, error) {
	rows, err := r.tx.Query(ctx, entryTotalsSelect+`
WHERE je.id = ANY($1)
GROUP BY je.id, jl.account_id ORDER BY je.id, jl.account_id`, ids)
	if err != nil {
		return nil, err
	}
	totals, err := collectEntryTotals(rows)
	if err != nil {
		return nil, err
	}
	return totals.byID, nil
}

type entryTotalSet struct {
	order []int64
	byID  map[int64]EntryTotal
}

func collectEntryTotals(rows pgx.Rows) (entryTotalSet, error) {
	defer rows.Close()
	set := entryTotalSet{byID: make(map[int64]EntryTotal)}
	for rows.Next() {
		var (
			t             EntryTotal
			accountID     int64
			debit, credit decimal.Decimal
		)
		if err := rows.Scan(&t.ID, &t.Number, &t.Status, &t.EntryType, &t.ReversalOf, &accountID, &debit, &credit); err != nil {
			return entryTotalSet{}, err
		}
		current, ok := set.byID[t.ID]
		if !ok {
			current = t
			current.AccountNet = make(map[int64]decimal.Decimal)
			set.order = append(set.order, t.ID)
		}
		current.Debit = current.Debit.Add(debit)
		current.Credit = current.Credit.Add(credit)
		current.AccountNet[accountID] = current.AccountNet[accountID].Add(debit.Sub(credit))
		set.byID[t.ID] = current
	}
	return set, rows.Err()
}

func entryTypeStrings(types []EntryType) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return out
}

func nullString(val string) any {
	if val == "" {
		return nil
	}
	return val
}
