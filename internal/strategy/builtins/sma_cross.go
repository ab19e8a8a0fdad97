// Package builtins provides built-in strategy implementations that ship with
// limitless.
package builtins

import (
	"limitless/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// SMACross buys when the mid price crosses above the N-day simple moving
// average while trading above the day's opening price, and exits on the
// position's stop band.
type SMACross struct {
	strategy.StopBand
	days int
}

// NewSMACross creates a new SMACross strategy over a days-long window.
func NewSMACross(days int) *SMACross {
	return &SMACross{days: days}
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return "sma-cross"
}

// ShouldEnter reports an upward SMA cross confirmed by the trend filter.
func (s *SMACross) ShouldEnter(v strategy.View) bool {
	if !v.HasPrev || v.Data == nil {
		return false
	}
	sma := v.Data.SimpleMovingAverage(v.Symbol, s.days, v.AsOf())
	if sma <= 0 {
		return false
	}
	prev, cur := v.PrevQuote.Mid(), v.Quote.Mid()
	if !(prev < sma && cur > sma) {
		return false
	}
	open, ok := v.Data.DayOpeningQuote(v.Symbol, v.Now)
	if !ok {
		return false
	}
	return cur > open.Mid()
}
