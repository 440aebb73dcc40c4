package reconciliation

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/odyssey-erp/accruals/internal/accounting"
)

// XLSXContentType is the MIME type of exported workbooks.
const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const maxSheetName = 31

// SheetNames hands out valid, unique worksheet names.
type SheetNames struct {
	used map[string]bool
}

// Next sanitises name and de-duplicates it against names already issued.
func (n *SheetNames) Next(name string) string {
	if n.used == nil {
		n.used = map[string]bool{}
	}
	base := SanitizeSheetName(name)
	candidate := base
	for i := 2; n.used[strings.ToLower(candidate)]; i++ {
		suffix := fmt.Sprintf(" (%d)", i)
		candidate = truncateRunes(base, maxSheetName-len(suffix)) + suffix
	}
	n.used[strings.ToLower(candidate)] = true
	return candidate
}

// SanitizeSheetName strips characters Excel rejects and truncates to 31
// characters. Empty names become UNNAMED.
func SanitizeSheetName(name string) string {
	name = strings.NewReplacer(`\`, "", "/", "", "?", "", "*", "", "[", "", "]", "", ":", "").Replace(strings.TrimSpace(name))
	name = truncateRunes(name, maxSheetName)
	if name == "" {
		return "UNNAMED"
	}
	return name
}

func truncateRunes(s string, n int) string {
	if runes := []rune(s); len(runes) > n {
		return string(runes[:n])
	}
	return s
}

// sheet writes cells on one worksheet and keeps the first error.
type sheet struct {
	f    *excelize.File
	name string
	err  error
}

func cellName(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col, row)
	return name
}

func colName(col int) string {
	name, _ := excelize.ColumnNumberToName(col)
	return name
}

func (s *sheet) set(col, row int, value any) {
	if s.err != nil {
		return
	}
	if d, ok := value.(decimal.Decimal); ok {
		value = d.Round(2).InexactFloat64()
	}
	s.err = s.f.SetCellValue(s.name, cellName(col, row), value)
}

func (s *sheet) formula(col, row int, formula string) {
	if s.err != nil {
		return
	}
	s.err = s.f.SetCellFormula(s.name, cellName(col, row), formula)
}

func (s *sheet) style(fromCol, fromRow, toCol, toRow, style int) {
	if s.err != nil {
		return
	}
	s.err = s.f.SetCellStyle(s.name, cellName(fromCol, fromRow), cellName(toCol, toRow), style)
}

func (s *sheet) merge(fromCol, toCol, row int) {
	if s.err != nil {
		return
	}
	s.err = s.f.MergeCell(s.name, cellName(fromCol, row), cellName(toCol, row))
}

func (s *sheet) widths(widths ...float64) {
	for i, width := range widths {
		if s.err != nil {
			return
		}
		col := colName(i + 1)
		s.err = s.f.SetColWidth(s.name, col, col, width)
	}
}

func (s *sheet) header(row int, titles []string, style int) {
	for i, title := range titles {
		s.set(i+1, row, title)
	}
	s.style(1, row, len(titles), row, style)
}

type workbookStyles struct {
	title  int
	header int
	amount int
	total  int
	date   int
}

func newWorkbook() (*excelize.File, workbookStyles, error) {
	f := excelize.NewFile()
	amountFmt := `#,##0.00;(#,##0.00);"-"`
	var (
		st  workbookStyles
		err error
	)
	if st.title, err = f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true, Size: 12}}); err != nil {
		return nil, st, err
	}
	if st.header, err = f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"D9E1F2"}},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center", WrapText: true},
		Border:    borders(),
	}); err != nil {
		return nil, st, err
	}
	if st.amount, err = f.NewStyle(&excelize.Style{CustomNumFmt: &amountFmt, Border: borders()}); err != nil {
		return nil, st, err
	}
	if st.total, err = f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}, CustomNumFmt: &amountFmt, Border: borders()}); err != nil {
		return nil, st, err
	}
	dateFmt := "dd-mmm-yy"
	if st.date, err = f.NewStyle(&excelize.Style{CustomNumFmt: &dateFmt, Border: borders()}); err != nil {
		return nil, st, err
	}
	return f, st, nil
}

func borders() []excelize.Border {
	return []excelize.Border{
		{Type: "left", Color: "BFBFBF", Style: 1},
		{Type: "right", Color: "BFBFBF", Style: 1},
		{Type: "top", Color: "BFBFBF", Style: 1},
		{Type: "bottom", Color: "BFBFBF", Style: 1},
	}
}

// finish drops the default sheet, activates the first one and writes the file.
func finish(f *excelize.File, w io.Writer) error {
	defer func() { _ = f.Close() }()
	if len(f.GetSheetList()) > 1 {
		if err := f.DeleteSheet("Sheet1"); err != nil {
			return err
		}
	}
	f.SetActiveSheet(0)
	return f.Write(w)
}

func addSheet(f *excelize.File, names *SheetNames, title string) (*sheet, error) {
	name := names.Next(title)
	if _, err := f.NewSheet(name); err != nil {
		return nil, err
	}
	return &sheet{f: f, name: name}, nil
}

func abbr(t time.Time) string {
	return strings.ToUpper(t.Format("Jan"))
}

func optionalDate(d *time.Time) any {
	if d == nil {
		return ""
	}
	return *d
}

func yearValue(year int) any {
	if year == 0 {
		return ""
	}
	return year
}

// ============================================================================
// MONTHLY WORKBOOK
// ============================================================================

const (
	monthlyFirstAmountCol = 6
	monthlyEndingCol      = 12
)

// WriteMonthlyWorkbook renders the roll-forward of every month in details,
// each with its accrual entries and general ledger sheets.
func WriteMonthlyWorkbook(w io.Writer, company string, details []MonthDetail) error {
	f, st, err := newWorkbook()
	if err != nil {
		return err
	}
	names := &SheetNames{used: map[string]bool{"sheet1": true}}
	for _, detail := range details {
		if err := writeMonthlySheet(f, st, names, company, detail.Report); err != nil {
			return err
		}
		if err := writeAccrualSheet(f, st, names, detail); err != nil {
			return err
		}
		if err := writeGLSheet(f, st, names, detail); err != nil {
			return err
		}
	}
	return finish(f, w)
}

// MonthlyColumns returns the column titles of the roll-forward sheet.
func MonthlyColumns(month time.Time) []string {
	start, end, _, priorEnd := Window(month)
	prev, cur := abbr(priorEnd), abbr(start)
	return []string{
		"CLIENT", "CE#", "CE DATE", "DESCRIPTION", "Year",
		fmt.Sprintf("%d-%s", priorEnd.Day(), priorEnd.Format("Jan")),
		prev + " REVERSAL", cur + " ACCRUAL",
		prev + " REVERSAL", cur + " RE-ACCRUAL", cur + " ADDL ADJ",
		fmt.Sprintf("%d-%s", end.Day(), end.Format("Jan")),
		"CE STATUS",
	}
}

func writeMonthlySheet(f *excelize.File, st workbookStyles, names *SheetNames, company string, report Report) error {
	s, err := addSheet(f, names, Title(report.Month))
	if err != nil {
		return err
	}
	s.set(1, 1, company)
	s.set(1, 2, "ACCRUED REVENUE - "+strings.ToUpper(Title(report.Month)))
	s.set(1, 3, "As of "+report.MonthEnd.Format("January 2, 2006"))
	s.style(1, 1, 1, 3, st.title)

	s.set(6, 5, "Balance")
	s.set(7, 5, "REVENUE ACCRUAL - SYSTEM")
	s.merge(7, 8, 5)
	s.set(9, 5, "MANUAL ADJUSTMENT")
	s.merge(9, 11, 5)
	s.set(12, 5, "Balance")
	s.style(6, 5, 12, 5, st.header)

	columns := MonthlyColumns(report.Month)
	s.header(6, columns, st.header)

	row := 7
	first := row
	for _, r := range report.Rows {
		s.set(1, row, r.Partner)
		s.set(2, row, r.CECode)
		s.set(3, row, optionalDate(r.CEDate))
		s.set(4, row, r.Description)
		s.set(5, row, yearValue(r.Year()))
		s.set(6, row, r.Prior)
		s.set(7, row, r.SystemReversal)
		s.set(8, row, r.SystemAccrual)
		s.set(9, row, r.ManualReversal)
		s.set(10, row, r.ManualAccrual)
		s.set(11, row, r.Adjustment)
		s.formula(monthlyEndingCol, row, fmt.Sprintf("F%[1]d+G%[1]d+H%[1]d+I%[1]d+J%[1]d+K%[1]d", row))
		s.set(13, row, r.CEStatus)
		s.style(3, row, 3, row, st.date)
		s.style(monthlyFirstAmountCol, row, monthlyEndingCol, row, st.amount)
		row++
	}
	last := row - 1

	s.set(1, row, "TOTAL")
	for col := monthlyFirstAmountCol; col <= monthlyEndingCol; col++ {
		if last < first {
			s.set(col, row, 0)
			continue
		}
		c := colName(col)
		s.formula(col, row, fmt.Sprintf("SUM(%s%d:%s%d)", c, first, c, last))
	}
	s.style(1, row, monthlyEndingCol, row, st.total)
	s.widths(32, 14, 12, 40, 8, 16, 16, 16, 16, 16, 16, 16, 14)
	return s.err
}

// AccrualColumns are the column titles of the accrual entries sheet.
var AccrualColumns = []string{
	"Date", "Entry Type", "Journal Entry", "Account", "Client Name", "CE Code", "CE Date",
	"Label", "Reference", "C.E. Status", "Debit", "Credit", "Remarks",
}

func writeAccrualSheet(f *excelize.File, st workbookStyles, names *SheetNames, detail MonthDetail) error {
	s, err := addSheet(f, names, Title(detail.Report.Month)+" Accruals")
	if err != nil {
		return err
	}
	meta := map[string]CEMeta{}
	for _, r := range detail.Report.Rows {
		meta[r.Normalized()] = r.CEMeta
	}
	s.header(1, AccrualColumns, st.header)
	row := 2
	var debit, credit decimal.Decimal
	for _, line := range detail.AccrualLines {
		m := meta[NewGroupKey(line.PartnerName, line.CECode).Normalized()]
		s.set(1, row, line.Date)
		s.set(2, row, entryTypeLabel(line.EntryType))
		s.set(3, row, entryName(line))
		s.set(4, row, strings.TrimSpace(line.AccountCode+" "+line.AccountName))
		s.set(5, row, line.PartnerName)
		s.set(6, row, line.CECode)
		s.set(7, row, optionalDate(m.CEDate))
		s.set(8, row, line.Label)
		s.set(9, row, line.SaleOrderName)
		s.set(10, row, m.CEStatus)
		s.set(11, row, line.Debit)
		s.set(12, row, line.Credit)
		s.style(1, row, 1, row, st.date)
		s.style(7, row, 7, row, st.date)
		s.style(11, row, 12, row, st.amount)
		debit, credit = debit.Add(line.Debit), credit.Add(line.Credit)
		row++
	}
	s.set(1, row, "TOTAL")
	s.set(11, row, debit)
	s.set(12, row, credit)
	s.style(1, row, 13, row, st.total)
	s.widths(12, 16, 16, 30, 30, 14, 12, 40, 16, 14, 16, 16, 24)
	return s.err
}

// GLColumns are the column titles of the general ledger sheet.
var GLColumns = []string{
	"Date", "Entry Type", "Journal Entry", "Account", "Client Name", "CE Code", "Label",
	"Reference", "Debit", "Credit", "Balance",
}

func writeGLSheet(f *excelize.File, st workbookStyles, names *SheetNames, detail MonthDetail) error {
	s, err := addSheet(f, names, "GL_"+Title(detail.Report.Month))
	if err != nil {
		return err
	}
	s.header(1, GLColumns, st.header)
	row := 2
	for _, line := range detail.GLLines {
		s.set(1, row, line.Date)
		s.set(2, row, entryTypeLabel(line.EntryType))
		s.set(3, row, entryName(line))
		s.set(4, row, strings.TrimSpace(line.AccountCode+" "+line.AccountName))
		s.set(5, row, line.PartnerName)
		s.set(6, row, line.CECode)
		s.set(7, row, line.Label)
		s.set(8, row, line.SaleOrderName)
		s.set(9, row, line.Debit)
		s.set(10, row, line.Credit)
		if row == 2 {
			s.formula(11, row, "I2-J2")
		} else {
			s.formula(11, row, fmt.Sprintf("K%d+I%d-J%d", row-1, row, row))
		}
		s.style(1, row, 1, row, st.date)
		s.style(9, row, 11, row, st.amount)
		row++
	}
	s.widths(12, 16, 16, 30, 30, 14, 40, 16, 16, 16, 16)
	return s.err
}

func entryName(line accounting.LedgerLine) string {
	if line.Ref != "" {
		return line.Ref
	}
	return fmt.Sprintf("JE/%d", line.EntryNumber)
}

func entryTypeLabel(t accounting.EntryType) string {
	switch t {
	case accounting.EntryTypeAccruedSystem:
		return "Accrued - System"
	case accounting.EntryTypeAccruedManual:
		return "Accrued - Manual"
	case accounting.EntryTypeReversalSystem:
		return "Reversal - System"
	case accounting.EntryTypeReversalManual:
		return "Reversal - Manual"
	case accounting.EntryTypeAdjustmentSystem:
		return "Adjustment - System"
	case accounting.EntryTypeAdjustmentManual:
		return "Adjustment - Manual"
	default:
		return string(t)
	}
}

// ============================================================================
// REVENUE WORKBOOK
// ============================================================================

// RevenueSummaryColumns are the column titles of the SUMMARY sheet.
var RevenueSummaryColumns = []string{
	"CLIENT", "DESCRIPTION", "Year", "Month", "BILLED", "SYSTEM ACCRUAL", "SYSTEM REVERSAL",
	"MANUAL ACCRUAL", "MANUAL REVERSAL", "TOTAL",
}

// RevenueCustomerColumns returns the column titles of a customer sheet.
func RevenueCustomerColumns(month time.Time) []string {
	prev := strings.ToUpper(MonthStart(month).AddDate(0, -1, 0).Format("January"))
	return []string{
		"CE#", "CE DATE", "DESCRIPTION", "Year", "Month", "BILLED", "SYSTEM ACCRUAL", "SYSTEM REVERSAL",
		"MANUAL ACCRUAL", "MANUAL REVERSAL", "TOTAL", "CE STATUS", "PER CSD", "VARIANCE",
		"COST TO CLIENT - " + prev, "FOR REVENUE ADJUSTMENT", "REMARKS",
	}
}

// WriteRevenueWorkbook renders the revenue adjustment report: a SUMMARY sheet
// and one sheet per customer with columns for manual review.
func WriteRevenueWorkbook(w io.Writer, company string, report RevenueReport) error {
	f, st, err := newWorkbook()
	if err != nil {
		return err
	}
	names := &SheetNames{used: map[string]bool{"sheet1": true}}
	summary, err := addSheet(f, names, "SUMMARY")
	if err != nil {
		return err
	}
	summary.set(1, 1, company)
	summary.set(1, 2, "REVENUE ADJUSTMENT - "+strings.ToUpper(Title(report.Month)))
	summary.style(1, 1, 1, 2, st.title)
	summary.header(4, RevenueSummaryColumns, st.header)
	row := 5
	first := row
	for _, c := range report.Customers {
		summary.set(1, row, c.Partner)
		summary.set(2, row, c.Description)
		summary.set(3, row, yearValue(c.Year))
		summary.set(4, row, c.Month)
		summary.set(5, row, c.Billed)
		summary.set(6, row, c.SystemAccrual)
		summary.set(7, row, c.SystemReversal)
		summary.set(8, row, c.ManualAccrual)
		summary.set(9, row, c.ManualReversal)
		summary.formula(10, row, fmt.Sprintf("E%[1]d+F%[1]d+G%[1]d+H%[1]d+I%[1]d", row))
		summary.style(5, row, 10, row, st.amount)
		row++
	}
	writeTotalRow(summary, st, row, first, 5, 10)
	summary.widths(36, 40, 8, 12, 16, 16, 16, 16, 16, 16)
	if summary.err != nil {
		return summary.err
	}

	for _, c := range report.Customers {
		if err := writeCustomerSheet(f, st, names, company, report.Month, c); err != nil {
			return err
		}
	}
	return finish(f, w)
}

func writeCustomerSheet(f *excelize.File, st workbookStyles, names *SheetNames, company string, month time.Time, c RevenueCustomer) error {
	s, err := addSheet(f, names, c.Partner)
	if err != nil {
		return err
	}
	s.set(1, 1, company)
	s.set(1, 2, c.Partner)
	s.set(1, 3, "REVENUE ADJUSTMENT - "+strings.ToUpper(Title(month)))
	s.style(1, 1, 1, 3, st.title)
	columns := RevenueCustomerColumns(month)
	s.header(5, columns, st.header)
	row := 6
	first := row
	for _, r := range c.Rows {
		s.set(1, row, r.CECode)
		s.set(2, row, optionalDate(r.CEDate))
		s.set(3, row, r.Description)
		s.set(4, row, yearValue(r.Year()))
		s.set(5, row, r.Month)
		s.set(6, row, r.Billed)
		s.set(7, row, r.SystemAccrual)
		s.set(8, row, r.SystemReversal)
		s.set(9, row, r.ManualAccrual)
		s.set(10, row, r.ManualReversal)
		s.formula(11, row, fmt.Sprintf("F%[1]d+G%[1]d+H%[1]d+I%[1]d+J%[1]d", row))
		s.set(12, row, r.CEStatus)
		s.formula(14, row, fmt.Sprintf("K%[1]d-M%[1]d", row))
		s.formula(16, row, fmt.Sprintf("N%[1]d-O%[1]d", row))
		s.style(2, row, 2, row, st.date)
		s.style(6, row, 11, row, st.amount)
		s.style(13, row, 16, row, st.amount)
		row++
	}
	writeTotalRow(s, st, row, first, 6, 11)
	s.widths(14, 12, 40, 8, 12, 16, 16, 16, 16, 16, 16, 14, 16, 16, 20, 20, 30)
	return s.err
}

func writeTotalRow(s *sheet, st workbookStyles, row, first, fromCol, toCol int) {
	s.set(1, row, "TOTAL")
	for col := fromCol; col <= toCol; col++ {
		if row == first {
			s.set(col, row, 0)
			continue
		}
		c := colName(col)
		s.formula(col, row, fmt.Sprintf("SUM(%s%d:%s%d)", c, first, c, row-1))
	}
	s.style(1, row, toCol, row, st.total)
}
