package reconciliation

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/accruals/report"
)

// PDFRenderer converts HTML to PDF.
type PDFRenderer interface {
	RenderHTML(ctx context.Context, html string, opts report.Options) ([]byte, error)
}

// ErrRendererUnavailable is returned when no PDF renderer is configured.
var ErrRendererUnavailable = errors.New("reconciliation: pdf renderer not configured")

var amountPrinter = message.NewPrinter(language.English)

// formatAmount renders 2dp with thousands separators and parentheses for
// negatives. Zero prints as a dash.
func formatAmount(d decimal.Decimal) string {
	d = d.Round(2)
	if d.IsZero() {
		return "-"
	}
	f := d.Abs().InexactFloat64()
	s := amountPrinter.Sprintf("%.2f", f)
	if d.IsNegative() {
		return "(" + s + ")"
	}
	return s
}

var monthlyTemplate = template.Must(template.New("monthly").Funcs(template.FuncMap{
	"amount": formatAmount,
	"date": func(d *time.Time) string {
		if d == nil {
			return ""
		}
		return d.Format("02-Jan-06")
	},
	"year": func(m CEMeta) string {
		if m.CEDate == nil {
			return ""
		}
		return m.CEDate.Format("2006")
	},
}).Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Heading}}</title>
<style>
body{font-family:sans-serif;font-size:9px;margin:16px;}
h1{font-size:14px;margin:0;}h2{font-size:12px;margin:2px 0 12px;}
table{width:100%;border-collapse:collapse;}
th,td{border:1px solid #ccc;padding:3px 4px;}
th{background:#d9e1f2;text-align:center;}
td.num{text-align:right;white-space:nowrap;}
tr.total td{font-weight:bold;background:#f2f2f2;}
</style></head><body>
<h1>{{.Company}}</h1>
<h2>{{.Heading}} &middot; as of {{.AsOf}}</h2>
<table>
<thead>
<tr><th colspan="5"></th><th>Balance</th><th colspan="2">REVENUE ACCRUAL - SYSTEM</th><th colspan="3">MANUAL ADJUSTMENT</th><th>Balance</th><th></th></tr>
<tr>{{range .Columns}}<th>{{.}}</th>{{end}}</tr>
</thead>
<tbody>
{{range .Report.Rows}}<tr>
<td>{{.Partner}}</td><td>{{.CECode}}</td><td>{{date .CEDate}}</td><td>{{.Description}}</td><td>{{year .CEMeta}}</td>
<td class="num">{{amount .Prior}}</td>
<td class="num">{{amount .SystemReversal}}</td><td class="num">{{amount .SystemAccrual}}</td>
<td class="num">{{amount .ManualReversal}}</td><td class="num">{{amount .ManualAccrual}}</td><td class="num">{{amount .Adjustment}}</td>
<td class="num">{{amount .Ending}}</td><td>{{.CEStatus}}</td>
</tr>
{{end}}<tr class="total"><td colspan="5">TOTAL</td>
<td class="num">{{amount .Report.Totals.Prior}}</td>
<td class="num">{{amount .Report.Totals.SystemReversal}}</td><td class="num">{{amount .Report.Totals.SystemAccrual}}</td>
<td class="num">{{amount .Report.Totals.ManualReversal}}</td><td class="num">{{amount .Report.Totals.ManualAccrual}}</td><td class="num">{{amount .Report.Totals.Adjustment}}</td>
<td class="num">{{amount .Report.Totals.Ending}}</td><td></td></tr>
</tbody>
</table>
</body></html>`))

// MonthlyHTML renders a roll-forward as a standalone HTML page.
func MonthlyHTML(company string, r Report) (string, error) {
	var buf bytes.Buffer
	err := monthlyTemplate.Execute(&buf, struct {
		Company string
		Heading string
		AsOf    string
		Columns []string
		Report  Report
	}{
		Company: company,
		Heading: "ACCRUED REVENUE - " + Title(r.Month),
		AsOf:    r.MonthEnd.Format("January 2, 2006"),
		Columns: MonthlyColumns(r.Month),
		Report:  r,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderMonthlyPDF renders the roll-forward of a month through renderer.
func (s *Service) RenderMonthlyPDF(ctx context.Context, renderer PDFRenderer, companyID int64, month time.Time) ([]byte, error) {
	if renderer == nil {
		return nil, ErrRendererUnavailable
	}
	r, err := s.Monthly(ctx, companyID, month)
	if err != nil {
		return nil, err
	}
	html, err := MonthlyHTML(s.cfg.CompanyName, r)
	if err != nil {
		return nil, err
	}
	return renderer.RenderHTML(ctx, html, report.A4Landscape)
}
