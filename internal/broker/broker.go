// Package broker defines the Broker interface and provides implementations
// for executing orders against a real brokerage or an in-process simulator.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"limitless/internal/domain"
)

var (
	// ErrOrderRejected marks a request refused by sizing or risk policy, or by
	// the brokerage itself. It is never retried within the same tick.
	ErrOrderRejected = errors.New("order rejected")

	// ErrUnknownOrder is returned by GetOrder for an id the broker never issued.
	ErrUnknownOrder = errors.New("unknown order")
)

// Broker abstracts order execution. Buy quantities are always derived by the
// broker from its Limits, never supplied by the caller.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// Buy submits a buy sized from estimatedPrice.
	Buy(ctx context.Context, symbol string, estimatedPrice decimal.Decimal, at time.Time) (*domain.Order, error)

	// Sell submits a sell of qty shares. Sells are never budget-constrained.
	Sell(ctx context.Context, symbol string, qty int64, estimatedPrice decimal.Decimal, at time.Time) (*domain.Order, error)

	// GetOrder returns the current state of a previously submitted order.
	GetOrder(ctx context.Context, order *domain.Order) (*domain.Order, error)
}

// Limits bounds the size of a single buy.
type Limits struct {
	MaxSpendPerBuy decimal.Decimal
	MaxSharePrice  decimal.Decimal
}

// NewLimits builds Limits from float configuration values.
func NewLimits(maxSpendPerBuy, maxSharePrice float64) Limits {
	return Limits{
		MaxSpendPerBuy: decimal.NewFromFloat(maxSpendPerBuy),
		MaxSharePrice:  decimal.NewFromFloat(maxSharePrice),
	}
}

// SizeBuy returns floor(MaxSpendPerBuy / price). Every refusal wraps
// ErrOrderRejected.
func SizeBuy(l Limits, price decimal.Decimal) (int64, error) {
	if !price.IsPositive() {
		return 0, fmt.Errorf("%w: estimated price %s is not positive", ErrOrderRejected, price)
	}
	if price.GreaterThan(l.MaxSharePrice) {
		return 0, fmt.Errorf("%w: price %s above max share price %s", ErrOrderRejected, price, l.MaxSharePrice)
	}
	qty := l.MaxSpendPerBuy.Div(price).Floor().IntPart()
	if qty < 1 {
		return 0, fmt.Errorf("%w: %s buys no whole share at %s", ErrOrderRejected, l.MaxSpendPerBuy, price)
	}
	if total := price.Mul(decimal.NewFromInt(qty)); total.GreaterThan(l.MaxSpendPerBuy) {
		return 0, fmt.Errorf("%w: total %s exceeds max spend %s", ErrOrderRejected, total, l.MaxSpendPerBuy)
	}
	return qty, nil
}

func checkSellQty(qty int64) error {
	if qty < 1 {
		return fmt.Errorf("%w: sell quantity %d", ErrOrderRejected, qty)
	}
	return nil
}
