// Package strategy implements the per-symbol Trader state machine and the
// entry/exit rules it evaluates, plus a Registry for looking rules up by name.
package strategy

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"limitless/internal/domain"
	"limitless/internal/series"
)

// ErrUnknownStrategy is returned when a configured strategy name is not
// registered.
var ErrUnknownStrategy = errors.New("unknown strategy")

// MarketData is the read side of the series store used by rules.
type MarketData interface {
	SimpleMovingAverage(symbol string, days int, asOf time.Time) float64
	DayOpeningQuote(symbol string, day time.Time) (domain.Quote, bool)
	ValueAt(symbol string, col series.Column, t time.Time) (float64, bool)
}

// View is what a rule sees at a decision point.
type View struct {
	Symbol    string
	Now       time.Time
	Quote     domain.Quote
	PrevQuote domain.Quote
	HasPrev   bool
	Bar       domain.Bar
	HasBar    bool
	Data      MarketData
}

// EntryRule decides whether a flat trader should buy.
type EntryRule interface {
	ShouldEnter(v View) bool
}

// ExitRule decides whether a holding trader should sell its position.
type ExitRule interface {
	ShouldExit(v View, pos domain.Position) bool
}

// Strategy is the interface that all trading strategies must implement.
// Implementations are stateless and may be shared between traders.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string
	EntryRule
	ExitRule
}

// EstimatedPrice is the price orders are estimated at: the ask, else the
// latest bar close, else zero.
func (v View) EstimatedPrice() decimal.Decimal {
	switch {
	case v.Quote.AskPrice > 0:
		return decimal.NewFromFloat(v.Quote.AskPrice)
	case v.HasBar && v.Bar.Close > 0:
		return decimal.NewFromFloat(v.Bar.Close)
	}
	return decimal.Zero
}

// AsOf is the newest instant the view's data may describe: the pushed
// quote's timestamp, or just before Now without one. Rules query the store
// as of AsOf so the bar that opens at Now is never read.
func (v View) AsOf() time.Time {
	if !v.Quote.Timestamp.IsZero() && v.Quote.Timestamp.Before(v.Now) {
		return v.Quote.Timestamp
	}
	return v.Now.Add(-time.Nanosecond)
}

// StopBand exits when the estimated price leaves the position's
// [StopLoss, TakeProfit] band.
type StopBand struct{}

// ShouldExit reports whether the estimated price is below the stop-loss or
// above the take-profit.
func (StopBand) ShouldExit(v View, pos domain.Position) bool {
	price := v.EstimatedPrice()
	if pos.Qty <= 0 || !price.IsPositive() {
		return false
	}
	return price.LessThan(pos.StopLoss) || price.GreaterThan(pos.TakeProfit)
}

// Registry holds a named collection of strategies for lookup and enumeration.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy to the registry, keyed by its Name().
func (r *Registry) Register(s Strategy) {
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
