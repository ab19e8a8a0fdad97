package builtins

import (
	"math"

	"limitless/internal/domain"
	"limitless/internal/series"
	"limitless/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*InvertedHammer)(nil)

// HammerShape bounds the candle proportions, each relative to the bar range.
type HammerShape struct {
	MaxBody        float64
	MinUpperShadow float64
	MaxLowerShadow float64
	MinRange       float64 // absolute, in price units
}

// DefaultHammerShape is a conventional bullish inverted hammer.
var DefaultHammerShape = HammerShape{
	MaxBody:        0.25,
	MinUpperShadow: 0.6,
	MaxLowerShadow: 0.1,
	MinRange:       0.5,
}

// InvertedHammer buys when the latest completed bar is a bullish inverted
// hammer.
type InvertedHammer struct {
	strategy.StopBand
	shape HammerShape
}

// NewInvertedHammer creates the strategy with the given candle shape.
func NewInvertedHammer(shape HammerShape) *InvertedHammer {
	return &InvertedHammer{shape: shape}
}

// Name returns "inverted-hammer".
func (h *InvertedHammer) Name() string {
	return "inverted-hammer"
}

// ShouldEnter checks the shape of the latest completed bar.
func (h *InvertedHammer) ShouldEnter(v strategy.View) bool {
	b, ok := latestCandle(v)
	if !ok {
		return false
	}
	rng := b.High - b.Low
	if rng < h.shape.MinRange || rng <= 0 || b.Close < b.Open {
		return false
	}
	body := math.Abs(b.Close - b.Open)
	upper := b.High - math.Max(b.Open, b.Close)
	lower := math.Min(b.Open, b.Close) - b.Low

	return body/rng <= h.shape.MaxBody &&
		upper/rng >= h.shape.MinUpperShadow &&
		lower/rng <= h.shape.MaxLowerShadow
}

// latestCandle reads OHLC as of the view's data horizon.
func latestCandle(v strategy.View) (domain.Bar, bool) {
	if v.Data == nil {
		return domain.Bar{}, false
	}
	var b domain.Bar
	for _, f := range []struct {
		col series.Column
		dst *float64
	}{
		{series.ColumnOpen, &b.Open},
		{series.ColumnHigh, &b.High},
		{series.ColumnLow, &b.Low},
		{series.ColumnClose, &b.Close},
	} {
		val, ok := v.Data.ValueAt(v.Symbol, f.col, v.AsOf())
		if !ok {
			return domain.Bar{}, false
		}
		*f.dst = val
	}
	return b, true
}
