package report

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"limitless/internal/domain"
)

// Line renders one summary as a single status line.
func Line(s domain.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-6s %-16s qty=%s avg=%s last=%s pnl=%s",
		s.Symbol, s.State, FormatInt(s.Qty), FormatPrice(s.AvgCost.InexactFloat64()),
		FormatPrice(s.LastPrice), FormatPnL(s.PnL))
	if r := FormatReturn(s.PnL, s.Bought); r != "" {
		b.WriteString(" (" + r + ")")
	}
	if s.Orders > 0 {
		fmt.Fprintf(&b, " orders=%d", s.Orders)
	}
	return b.String()
}

// Build assembles a run report. Summaries are sorted by symbol and carried
// is the P&L of traders discarded earlier in the run.
func Build(runID, mode string, start, end time.Time, summaries []domain.Summary, carried decimal.Decimal) domain.Report {
	sorted := slices.Clone(summaries)
	slices.SortFunc(sorted, func(a, b domain.Summary) int { return strings.Compare(a.Symbol, b.Symbol) })

	total := carried
	for _, s := range sorted {
		total = total.Add(s.PnL)
	}
	return domain.Report{
		RunID:    runID,
		Mode:     mode,
		Start:    start,
		End:      end,
		Symbols:  sorted,
		Carried:  carried,
		TotalPnL: total,
	}
}

// WriteSummaries writes a periodic status block.
func WriteSummaries(w io.Writer, now time.Time, summaries []domain.Summary) error {
	if _, err := fmt.Fprintf(w, "--- %s ---\n", now.Format("2006-01-02 15:04:05 MST")); err != nil {
		return err
	}
	for _, s := range summaries {
		if _, err := fmt.Fprintln(w, Line(s)); err != nil {
			return err
		}
	}
	return nil
}

// Write renders r as an aligned table followed by the totals.
func Write(w io.Writer, r domain.Report) error {
	fmt.Fprintf(w, "run %s (%s) %s -> %s\n", r.RunID, r.Mode,
		r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "SYMBOL\tSTATE\tQTY\tAVG\tBOUGHT\tSOLD\tPNL\tRETURN\t")
	for _, s := range r.Symbols {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
			s.Symbol, s.State, FormatInt(s.Qty), FormatPrice(s.AvgCost.InexactFloat64()),
			FormatMoney(s.Bought), FormatMoney(s.Sold), FormatPnL(s.PnL), FormatReturn(s.PnL, s.Bought))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if !r.Carried.IsZero() {
		fmt.Fprintf(w, "carried from re-screening: %s\n", FormatPnL(r.Carried))
	}
	_, err := fmt.Fprintf(w, "total pnl: %s\n", FormatPnL(r.TotalPnL))
	return err
}
