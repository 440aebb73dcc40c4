package reconciliation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/accruals/internal/accounting"
	"github.com/odyssey-erp/accruals/report"
)

type fakeRenderer struct {
	html string
	opts report.Options
	err  error
}

func (f *fakeRenderer) RenderHTML(ctx context.Context, html string, opts report.Options) ([]byte, error) {
	f.html, f.opts = html, opts
	if f.err != nil {
		return nil, f.err
	}
	return []byte("%PDF-1.7"), nil
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "1,234,567.89", formatAmount(dec("1234567.891")))
	assert.Equal(t, "(42.50)", formatAmount(dec("-42.5")))
	assert.Equal(t, "-", formatAmount(dec("0.001")))
}

func TestMonthlyHTMLEscapesAndTotals(t *testing.T) {
	r := BuildMonthly(MonthlyInput{
		Month: day("2024-02-01"),
		Lines: []accounting.LedgerLine{
			ledgerLine("2024-01-31", accounting.EntryTypeAccruedSystem, "<Acme & Co>", "CE-1", "1500"),
		},
	})
	html, err := MonthlyHTML("Odyssey", r)
	require.NoError(t, err)
	assert.Contains(t, html, "ACCRUED REVENUE - February 2024")
	assert.Contains(t, html, "&lt;ACME &amp; CO&gt;")
	assert.Contains(t, html, "1,500.00")
	assert.Contains(t, html, "JAN REVERSAL")
	assert.Equal(t, 2, strings.Count(html, "1,500.00</td><td>"))
}

func TestRenderMonthlyPDF(t *testing.T) {
	h := newHarness(t, Config{CompanyName: "Odyssey"}, false)
	ctx := context.Background()

	_, err := h.svc.RenderMonthlyPDF(ctx, nil, 1, day("2024-02-01"))
	require.ErrorIs(t, err, ErrRendererUnavailable)

	renderer := &fakeRenderer{}
	pdf, err := h.svc.RenderMonthlyPDF(ctx, renderer, 1, day("2024-02-01"))
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.7"), pdf)
	assert.True(t, renderer.opts.Landscape)
	assert.Contains(t, renderer.html, "<h1>Odyssey</h1>")

	renderer.err = errors.New("gotenberg down")
	_, err = h.svc.RenderMonthlyPDF(ctx, renderer, 1, day("2024-02-01"))
	require.Error(t, err)
}
