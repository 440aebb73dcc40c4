package accounting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/accruals/internal/shared"
)

// Account mapping keys used to resolve the accrued revenue account.
const (
	MappingModuleAccrual     = "ACCRUAL"
	MappingKeyAccruedRevenue = "accrued_revenue"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates posting, cancelling, and reversing journal entries.
type Service struct {
	repo  RepositoryPort
	audit AuditPort
	now   func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// PostJournal validates and persists a new journal entry. Entries flagged
// Draft are stored without touching the period lock.
func (s *Service) PostJournal(ctx context.Context, input PostingInput) (JournalEntry, error) {
	if err := input.Validate(); err != nil {
		return JournalEntry{}, err
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if !input.Draft {
			if err := ensurePeriodOpen(ctx, tx, input.CompanyID, input.Date); err != nil {
				return err
			}
		}
		inserted, err := tx.InsertJournalEntry(ctx, input)
		if err != nil {
			return err
		}
		if err := tx.InsertJournalLines(ctx, inserted.ID, input.Lines); err != nil {
			return err
		}
		if err := tx.LinkSource(ctx, input.SourceModule, input.SourceID, inserted.ID); err != nil {
			if errors.Is(err, ErrSourceConflict) {
				return ErrSourceAlreadyLinked
			}
			return err
		}
		inserted.Lines = toJournalLines(inserted.ID, input.Lines)
		entry = inserted
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	action := "journal.post"
	if input.Draft {
		action = "journal.draft"
	}
	s.record(ctx, shared.AuditLog{
		Actor:    input.Actor,
		Action:   action,
		Entity:   "journal_entry",
		EntityID: fmt.Sprintf("%d", entry.ID),
		Meta: map[string]any{
			"number":        entry.Number,
			"entry_type":    string(input.EntryType),
			"source_module": input.SourceModule,
			"source_id":     input.SourceID.String(),
		},
	})
	return entry, nil
}

// ReverseJournal creates the mirror of a posted entry, swapping debit and
// credit on every line. With Draft set the mirror waits for PostDraft.
func (s *Service) ReverseJournal(ctx context.Context, input ReverseInput) (JournalEntry, error) {
	if input.EntryID == 0 {
		return JournalEntry{}, errors.New("accounting: entry id required")
	}
	if input.EntryType != "" && !input.EntryType.IsReversal() {
		return JournalEntry{}, ErrInvalidEntryType
	}
	var reversal JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, lines, err := tx.GetJournalWithLines(ctx, input.EntryID)
		if err != nil {
			return err
		}
		if original.Status != JournalStatusPosted {
			return ErrInvalidStatus
		}
		targetDate := input.Date
		if targetDate.IsZero() {
			targetDate = original.Date.AddDate(0, 0, 1)
		}
		entryType := input.EntryType
		if entryType == "" {
			entryType = original.EntryType.ReversalType()
		}
		originalID := original.ID
		posting := PostingInput{
			CompanyID:    original.CompanyID,
			Date:         targetDate,
			Ref:          original.Ref,
			SourceModule: original.SourceModule + ":REVERSAL",
			SourceID:     uuid.New(),
			EntryType:    entryType,
			Currency:     original.Currency,
			Memo:         defaultReversalMemo(input.Memo, original.Number),
			Actor:        input.Actor,
			Draft:        input.Draft,
			ReversalOf:   &originalID,
			Lines:        reverseLines(lines),
		}
		if err := posting.Validate(); err != nil {
			return err
		}
		if !posting.Draft {
			if err := ensurePeriodOpen(ctx, tx, posting.CompanyID, posting.Date); err != nil {
				return err
			}
		}
		inserted, err := tx.InsertJournalEntry(ctx, posting)
		if err != nil {
			return err
		}
		if err := tx.InsertJournalLines(ctx, inserted.ID, posting.Lines); err != nil {
			return err
		}
		if err := tx.LinkSource(ctx, posting.SourceModule, posting.SourceID, inserted.ID); err != nil {
			return err
		}
		reversal = inserted
		reversal.Lines = toJournalLines(inserted.ID, posting.Lines)
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.record(ctx, shared.AuditLog{
		Actor:    input.Actor,
		Action:   "journal.reverse",
		Entity:   "journal_entry",
		EntityID: fmt.Sprintf("%d", input.EntryID),
		Meta: map[string]any{
			"reversal_id":     reversal.ID,
			"reversal_number": reversal.Number,
			"reversal_date":   reversal.Date.Format(time.DateOnly),
			"draft":           input.Draft,
		},
	})
	return reversal, nil
}

// PostDraft moves a DRAFT entry to POSTED. A reversal can only be posted
// while its original is still POSTED.
func (s *Service) PostDraft(ctx context.Context, input PostDraftInput) (JournalEntry, error) {
	if input.EntryID == 0 {
		return JournalEntry{}, errors.New("accounting: entry id required")
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, lines, err := tx.GetJournalWithLines(ctx, input.EntryID)
		if err != nil {
			return err
		}
		if current.Status != JournalStatusDraft {
			return ErrInvalidStatus
		}
		if current.ReversalOf != nil {
			original, _, err := tx.GetJournalWithLines(ctx, *current.ReversalOf)
			if err != nil {
				return err
			}
			if original.Status != JournalStatusPosted {
				return ErrInvalidStatus
			}
		}
		date := current.Date
		if input.Date != nil {
			date = *input.Date
		}
		if err := ensurePeriodOpen(ctx, tx, current.CompanyID, date); err != nil {
			return err
		}
		if err := tx.UpdateJournalStatus(ctx, current.ID, JournalStatusPosted, &date, input.Actor); err != nil {
			return err
		}
		postedAt := s.now()
		entry = current
		entry.Date = date
		entry.Status = JournalStatusPosted
		entry.PostedBy = input.Actor
		entry.PostedAt = &postedAt
		entry.Lines = lines
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.record(ctx, shared.AuditLog{
		Actor:    input.Actor,
		Action:   "journal.post",
		Entity:   "journal_entry",
		EntityID: fmt.Sprintf("%d", entry.ID),
		Meta: map[string]any{
			"number": entry.Number,
			"date":   entry.Date.Format(time.DateOnly),
		},
	})
	return entry, nil
}

// CancelJournal marks a DRAFT or POSTED entry as CANCELLED.
func (s *Service) CancelJournal(ctx context.Context, input CancelInput) (JournalEntry, error) {
	if input.EntryID == 0 {
		return JournalEntry{}, errors.New("accounting: entry id required")
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, lines, err := tx.GetJournalWithLines(ctx, input.EntryID)
		if err != nil {
			return err
		}
		switch current.Status {
		case JournalStatusPosted:
			if err := ensurePeriodOpen(ctx, tx, current.CompanyID, current.Date); err != nil {
				return err
			}
		case JournalStatusDraft:
		default:
			return ErrInvalidStatus
		}
		if err := tx.UpdateJournalStatus(ctx, current.ID, JournalStatusCancelled, nil, input.Actor); err != nil {
			return err
		}
		entry = current
		entry.Status = JournalStatusCancelled
		entry.Lines = lines
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.record(ctx, shared.AuditLog{
		Actor:    input.Actor,
		Action:   "journal.cancel",
		Entity:   "journal_entry",
		EntityID: fmt.Sprintf("%d", entry.ID),
		Meta: map[string]any{
			"reason": input.Reason,
		},
	})
	return entry, nil
}

// GetJournal loads an entry with its lines.
func (s *Service) GetJournal(ctx context.Context, id int64) (JournalEntry, error) {
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, lines, err := tx.GetJournalWithLines(ctx, id)
		if err != nil {
			return err
		}
		entry = current
		entry.Lines = lines
		return nil
	})
	return entry, err
}

// ListLines returns posted lines matching filter.
func (s *Service) ListLines(ctx context.Context, filter LineFilter) ([]LedgerLine, error) {
	var lines []LedgerLine
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lines, err = tx.ListLedgerLines(ctx, filter)
		return err
	})
	return lines, err
}

// HistoryTotals returns cumulative nets per (partner, CE code).
func (s *Service) HistoryTotals(ctx context.Context, filter HistoryFilter) ([]HistoryTotal, error) {
	var totals []HistoryTotal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		totals, err = tx.HistoryTotals(ctx, filter)
		return err
	})
	return totals, err
}

// ResolveAccrualAccount finds the accrued revenue account through the
// ACCRUAL mapping, falling back to the first active INCOME_OTHER account.
func (s *Service) ResolveAccrualAccount(ctx context.Context, companyID int64) (Account, error) {
	var account Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		mapping, err := tx.GetAccountMapping(ctx, companyID, MappingModuleAccrual, MappingKeyAccruedRevenue)
		switch {
		case err == nil:
			account, err = tx.GetAccount(ctx, mapping.AccountID)
			return err
		case errors.Is(err, ErrMappingNotFound):
			account, err = tx.FirstAccountByType(ctx, companyID, AccountTypeIncomeOther)
			if errors.Is(err, shared.ErrNotFound) {
				return ErrMappingNotFound
			}
			return err
		default:
			return err
		}
	})
	return account, err
}

// VerifyIntegrity inspects entries dated within [from, to].
func (s *Service) VerifyIntegrity(ctx context.Context, companyID int64, from, to time.Time) ([]IntegrityIssue, error) {
	var issues []IntegrityIssue
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		totals, err := tx.ListEntryTotals(ctx, companyID, from, to)
		if err != nil {
			return err
		}
		var missing []int64
		inRange := make(map[int64]EntryTotal, len(totals))
		for _, t := range totals {
			inRange[t.ID] = t
		}
		for _, t := range totals {
			if t.ReversalOf != nil {
				if _, ok := inRange[*t.ReversalOf]; !ok {
					missing = append(missing, *t.ReversalOf)
				}
			}
		}
		originals := inRange
		if len(missing) > 0 {
			extra, err := tx.GetEntryTotals(ctx, missing)
			if err != nil {
				return err
			}
			originals = make(map[int64]EntryTotal, len(inRange)+len(extra))
			for id, t := range inRange {
				originals[id] = t
			}
			for id, t := range extra {
				originals[id] = t
			}
		}
		issues = CheckIntegrity(totals, originals)
		return nil
	})
	return issues, err
}

// CheckIntegrity flags posted entries that do not balance and posted
// reversals whose per-account nets do not cancel their original.
func CheckIntegrity(totals []EntryTotal, originals map[int64]EntryTotal) []IntegrityIssue {
	var issues []IntegrityIssue
	for _, t := range totals {
		if t.Status != JournalStatusPosted {
			continue
		}
		if !t.Debit.Round(2).Equal(t.Credit.Round(2)) {
			issues = append(issues, IntegrityIssue{
				EntryID: t.ID,
				Number:  t.Number,
				Kind:    IssueUnbalanced,
				Detail:  fmt.Sprintf("debit %s credit %s", t.Debit.StringFixed(2), t.Credit.StringFixed(2)),
			})
		}
		if t.ReversalOf == nil {
			continue
		}
		original, ok := originals[*t.ReversalOf]
		if !ok {
			issues = append(issues, IntegrityIssue{EntryID: t.ID, Number: t.Number, Kind: IssueReversalMissing,
				Detail: fmt.Sprintf("original %d not found", *t.ReversalOf)})
			continue
		}
		if account, ok := firstNonNetting(original.AccountNet, t.AccountNet); ok {
			issues = append(issues, IntegrityIssue{EntryID: t.ID, Number: t.Number, Kind: IssueReversalNet,
				Detail: fmt.Sprintf("account %d does not net to zero against entry %d", account, original.ID)})
		}
	}
	return issues
}

func firstNonNetting(a, b map[int64]decimal.Decimal) (int64, bool) {
	sum := make(map[int64]decimal.Decimal, len(a)+len(b))
	for id, v := range a {
		sum[id] = sum[id].Add(v)
	}
	for id, v := range b {
		sum[id] = sum[id].Add(v)
	}
	ids := make([]int64, 0, len(sum))
	for id := range sum {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if !sum[id].Round(2).IsZero() {
			return id, true
		}
	}
	return 0, false
}

func ensurePeriodOpen(ctx context.Context, tx TxRepository, companyID int64, date time.Time) error {
	period, err := tx.GetPeriodForUpdate(ctx, companyID, date)
	if err != nil {
		if errors.Is(err, ErrPeriodNotFound) {
			return nil
		}
		return err
	}
	if period.Status == PeriodStatusLocked {
		return ErrPeriodLocked
	}
	return nil
}

func (s *Service) record(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	log.At = s.now()
	_ = s.audit.Record(ctx, log)
}

func reverseLines(lines []JournalLine) []PostingLineInput {
	out := make([]PostingLineInput, 0, len(lines))
	for _, line := range lines {
		out = append(out, PostingLineInput{
			AccountID:      line.AccountID,
			Label:          line.Label,
			Debit:          line.Credit,
			Credit:         line.Debit,
			AmountCurrency: line.AmountCurrency.Neg(),
			Currency:       line.Currency,
			PartnerID:      line.PartnerID,
			SaleOrderID:    line.SaleOrderID,
			CECode:         line.CECode,
			Distribution:   line.Distribution,
		})
	}
	return out
}

func toJournalLines(entryID int64, lines []PostingLineInput) []JournalLine {
	out := make([]JournalLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, JournalLine{
			JournalID:      entryID,
			AccountID:      line.AccountID,
			Label:          line.Label,
			Debit:          line.Debit,
			Credit:         line.Credit,
			AmountCurrency: line.AmountCurrency,
			Currency:       line.Currency,
			PartnerID:      line.PartnerID,
			SaleOrderID:    line.SaleOrderID,
			CECode:         line.CECode,
			Distribution:   line.Distribution,
		})
	}
	return out
}

func defaultReversalMemo(memo string, number int64) string {
	if memo != "" {
		return memo
	}
	return fmt.Sprintf("Reversal of JE %d", number)
}
