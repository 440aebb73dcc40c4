package reconciliation

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// ImportResult summarises an opening balance import.
type ImportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// importSheet is a parsed upload with a case-insensitive header index.
type importSheet struct {
	header map[string]int
	rows   [][]string
}

// readUpload parses a CSV or XLSX upload. The first non-empty row is the header.
func readUpload(filename string, r io.Reader) (importSheet, error) {
	var records [][]string
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx":
		f, err := excelize.OpenReader(r)
		if err != nil {
			return importSheet{}, fmt.Errorf("%w: %v", ErrImport, err)
		}
		defer func() { _ = f.Close() }()
		records, err = f.GetRows(f.GetSheetName(0))
		if err != nil {
			return importSheet{}, fmt.Errorf("%w: %v", ErrImport, err)
		}
	case ".csv", "":
		reader := csv.NewReader(r)
		reader.FieldsPerRecord = -1
		reader.TrimLeadingSpace = true
		var err error
		records, err = reader.ReadAll()
		if err != nil {
			return importSheet{}, fmt.Errorf("%w: %v", ErrImport, err)
		}
	default:
		return importSheet{}, fmt.Errorf("%w: unsupported file type %q", ErrImport, filepath.Ext(filename))
	}

	sheet := importSheet{header: map[string]int{}}
	for i, record := range records {
		if blank(record) {
			continue
		}
		for col, name := range record {
			sheet.header[strings.ToLower(strings.TrimSpace(name))] = col
		}
		sheet.rows = records[i+1:]
		break
	}
	if len(sheet.header) == 0 {
		return importSheet{}, fmt.Errorf("%w: empty file", ErrImport)
	}
	return sheet, nil
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func (s importSheet) require(cols ...string) error {
	var missing []string
	for _, col := range cols {
		if _, ok := s.header[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing columns %s", ErrImport, strings.Join(missing, ", "))
	}
	return nil
}

func (s importSheet) value(record []string, col string) string {
	idx, ok := s.header[col]
	if !ok || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

func (s importSheet) amount(record []string, col string) (decimal.Decimal, error) {
	raw := strings.ReplaceAll(s.value(record, col), ",", "")
	if raw == "" {
		return decimal.Zero, nil
	}
	if strings.HasPrefix(raw, "(") && strings.HasSuffix(raw, ")") {
		raw = "-" + strings.Trim(raw, "()")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q", col, raw)
	}
	return d, nil
}

var importDateLayouts = []string{time.DateOnly, "01/02/2006", "1/2/2006", "02-01-2006"}

func parseImportDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	for _, layout := range importDateLayouts {
		if d, err := time.Parse(layout, raw); err == nil {
			return &d, nil
		}
	}
	return nil, fmt.Errorf("invalid date %q", raw)
}

func (s importSheet) date(record []string, col string) (*time.Time, error) {
	d, err := parseImportDate(s.value(record, col))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", col, err)
	}
	return d, nil
}

func lineError(line int, err error) error {
	return fmt.Errorf("%w: line %d: %v", ErrImport, line, err)
}

// parseOpeningBalances reads opening balances for companyID. Required columns
// are ce_code, balance_date and amount.
func parseOpeningBalances(companyID int64, sheet importSheet) ([]OpeningBalance, error) {
	if err := sheet.require("ce_code", "balance_date", "amount"); err != nil {
		return nil, err
	}
	var out []OpeningBalance
	for i, record := range sheet.rows {
		if blank(record) {
			continue
		}
		line := i + 2
		ob := OpeningBalance{
			CompanyID:      companyID,
			CECode:         sheet.value(record, "ce_code"),
			Currency:       sheet.value(record, "currency"),
			PartnerName:    sheet.value(record, "partner_name"),
			CEStatus:       sheet.value(record, "ce_status"),
			JobDescription: sheet.value(record, "job_description"),
			Notes:          sheet.value(record, "notes"),
		}
		balanceDate, err := sheet.date(record, "balance_date")
		if err != nil {
			return nil, lineError(line, err)
		}
		if balanceDate == nil {
			return nil, lineError(line, errors.New("balance_date required"))
		}
		ob.BalanceDate = *balanceDate
		if ob.CEDate, err = sheet.date(record, "ce_date"); err != nil {
			return nil, lineError(line, err)
		}
		if ob.Amount, err = sheet.amount(record, "amount"); err != nil {
			return nil, lineError(line, err)
		}
		out = append(out, ob)
	}
	return out, nil
}

// parseReversalBalances reads reversal opening balances for companyID.
func parseReversalBalances(companyID int64, sheet importSheet) ([]ReversalOpeningBalance, error) {
	if err := sheet.require("ce_code", "balance_date"); err != nil {
		return nil, err
	}
	var out []ReversalOpeningBalance
	for i, record := range sheet.rows {
		if blank(record) {
			continue
		}
		line := i + 2
		rob := ReversalOpeningBalance{
			CompanyID:      companyID,
			CECode:         sheet.value(record, "ce_code"),
			PartnerName:    sheet.value(record, "partner_name"),
			CEStatus:       sheet.value(record, "ce_status"),
			JobDescription: sheet.value(record, "job_description"),
			Notes:          sheet.value(record, "notes"),
		}
		balanceDate, err := sheet.date(record, "balance_date")
		if err != nil {
			return nil, lineError(line, err)
		}
		if balanceDate == nil {
			return nil, lineError(line, errors.New("balance_date required"))
		}
		rob.BalanceDate = *balanceDate
		if rob.CEDate, err = sheet.date(record, "ce_date"); err != nil {
			return nil, lineError(line, err)
		}
		if rob.SystemReversal, err = sheet.amount(record, "system_reversal"); err != nil {
			return nil, lineError(line, err)
		}
		if rob.ManualReversal, err = sheet.amount(record, "manual_reversal"); err != nil {
			return nil, lineError(line, err)
		}
		if rob.ManualReversalAdjustment, err = sheet.amount(record, "manual_reversal_adjustment"); err != nil {
			return nil, lineError(line, err)
		}
		out = append(out, rob)
	}
	return out, nil
}

// ImportOpeningBalances loads a CSV or XLSX file of opening balances. Rows
// matching an existing (code, date) are updated. The import is all-or-nothing.
func (s *Service) ImportOpeningBalances(ctx context.Context, companyID int64, filename string, r io.Reader) (ImportResult, error) {
	sheet, err := readUpload(filename, r)
	if err != nil {
		return ImportResult{}, err
	}
	balances, err := parseOpeningBalances(companyID, sheet)
	if err != nil {
		return ImportResult{}, err
	}
	for i := range balances {
		if err := s.prepareOpening(&balances[i]); err != nil {
			return ImportResult{}, lineError(i+2, err)
		}
	}
	var result ImportResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		result = ImportResult{}
		for _, ob := range balances {
			date := ob.BalanceDate
			existing, _, err := tx.ListOpeningBalances(ctx, BalanceFilter{CompanyID: companyID, BalanceDate: &date, Code: ob.NormalizedCode})
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				ob.ID = existing[0].ID
				if _, err := tx.UpdateOpeningBalance(ctx, ob); err != nil {
					return err
				}
				result.Updated++
				continue
			}
			if _, err := tx.InsertOpeningBalance(ctx, ob); err != nil {
				return err
			}
			result.Created++
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	s.afterChange(ctx, companyID, "opening_balance.import", "opening_balance", 0, fmt.Sprintf("%d rows", len(balances)))
	return result, nil
}

// ImportReversalBalances loads a CSV or XLSX file of reversal opening balances.
func (s *Service) ImportReversalBalances(ctx context.Context, companyID int64, filename string, r io.Reader) (ImportResult, error) {
	sheet, err := readUpload(filename, r)
	if err != nil {
		return ImportResult{}, err
	}
	balances, err := parseReversalBalances(companyID, sheet)
	if err != nil {
		return ImportResult{}, err
	}
	for i := range balances {
		if err := s.prepareReversal(&balances[i]); err != nil {
			return ImportResult{}, lineError(i+2, err)
		}
	}
	var result ImportResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		result = ImportResult{}
		for _, rob := range balances {
			date := rob.BalanceDate
			existing, _, err := tx.ListReversalBalances(ctx, BalanceFilter{CompanyID: companyID, BalanceDate: &date, Code: rob.NormalizedCode})
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				rob.ID = existing[0].ID
				if _, err := tx.UpdateReversalBalance(ctx, rob); err != nil {
					return err
				}
				result.Updated++
				continue
			}
			if _, err := tx.InsertReversalBalance(ctx, rob); err != nil {
				return err
			}
			result.Created++
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	s.afterChange(ctx, companyID, "reversal_opening_balance.import", "reversal_opening_balance", 0, fmt.Sprintf("%d rows", len(balances)))
	return result, nil
}
