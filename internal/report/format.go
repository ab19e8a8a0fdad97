// Package report renders trader summaries and run reports for the console.
package report

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatInt formats an integer with comma separators.
func FormatInt(n int64) string {
	neg := n < 0
	if neg {
		n = -n
	}
	s := fmt.Sprintf("%d", n)
	if len(s) > 3 {
		var b strings.Builder
		start := len(s) % 3
		if start > 0 {
			b.WriteString(s[:start])
		}
		for i := start; i < len(s); i += 3 {
			if b.Len() > 0 {
				b.WriteByte(',')
			}
			b.WriteString(s[i : i+3])
		}
		s = b.String()
	}
	if neg {
		return "-" + s
	}
	return s
}

// FormatPrice formats a price with two decimals, or "-" for zero.
func FormatPrice(p float64) string {
	if p == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f", p)
}

// FormatMoney formats an amount with thousands separators and cents.
func FormatMoney(d decimal.Decimal) string {
	cents := d.Round(2)
	whole := cents.Truncate(0)
	frac := cents.Sub(whole).Abs().Shift(2).IntPart()
	s := FormatInt(whole.IntPart())
	if cents.IsNegative() && whole.IsZero() {
		s = "-" + s
	}
	return fmt.Sprintf("%s.%02d", s, frac)
}

// FormatPnL formats a signed P&L amount, always carrying a sign.
func FormatPnL(d decimal.Decimal) string {
	if d.IsNegative() {
		return FormatMoney(d)
	}
	return "+" + FormatMoney(d)
}

// FormatReturn formats pnl relative to cost as "+X.X%" or "-X.X%", dropping
// the decimal at 100% and above. Empty when cost is zero.
func FormatReturn(pnl, cost decimal.Decimal) string {
	if cost.IsZero() {
		return ""
	}
	r, _ := pnl.Div(cost).Float64()
	pct := r * 100
	sign := "+"
	if pct < 0 {
		sign = "-"
		pct = -pct
	}
	if pct >= 100 {
		return fmt.Sprintf("%s%.0f%%", sign, pct)
	}
	return fmt.Sprintf("%s%.1f%%", sign, pct)
}
