package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"limitless/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*RiskManager)(nil)

// RiskManager decorates a Broker with a run-level spend cap. Buy notional is
// reserved on submission, released if the order is cancelled or fails, and
// trued up to the filled notional on fill. A zero cap disables the check.
type RiskManager struct {
	next   Broker
	limits Limits
	cap    decimal.Decimal
	log    *slog.Logger

	mu       sync.Mutex
	spent    decimal.Decimal
	reserved map[string]decimal.Decimal // open buy id -> counted notional
}

// NewRiskManager wraps next with the given per-run spend cap.
func NewRiskManager(next Broker, limits Limits, maxSpendPerRun decimal.Decimal, log *slog.Logger) *RiskManager {
	if log == nil {
		log = slog.Default()
	}
	return &RiskManager{
		next:     next,
		limits:   limits,
		cap:      maxSpendPerRun,
		log:      log.With("component", "risk"),
		reserved: make(map[string]decimal.Decimal),
	}
}

// Name returns the wrapped broker's name.
func (rm *RiskManager) Name() string { return rm.next.Name() }

// Spent returns the buy notional currently counted against the cap.
func (rm *RiskManager) Spent() decimal.Decimal {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.spent
}

// Buy rejects the order if its sized notional would push the run total over
// the cap, otherwise forwards it.
func (rm *RiskManager) Buy(ctx context.Context, symbol string, estimatedPrice decimal.Decimal, at time.Time) (*domain.Order, error) {
	if !rm.cap.IsPositive() {
		return rm.next.Buy(ctx, symbol, estimatedPrice, at)
	}

	qty, err := SizeBuy(rm.limits, estimatedPrice)
	if err != nil {
		return nil, err
	}
	notional := estimatedPrice.Mul(decimal.NewFromInt(qty))

	// Held across the submit so concurrent traders cannot both pass the check.
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.spent.Add(notional).GreaterThan(rm.cap) {
		return nil, fmt.Errorf("%w: run spend %s + %s exceeds cap %s", ErrOrderRejected, rm.spent, notional, rm.cap)
	}

	order, err := rm.next.Buy(ctx, symbol, estimatedPrice, at)
	if err != nil {
		return nil, err
	}
	counted := order.EstimatedPrice.Mul(decimal.NewFromInt(order.Qty))
	rm.spent = rm.spent.Add(counted)
	rm.reserved[order.ID] = counted
	rm.settle(order)
	return order, nil
}

// Sell forwards to the wrapped broker.
func (rm *RiskManager) Sell(ctx context.Context, symbol string, qty int64, estimatedPrice decimal.Decimal, at time.Time) (*domain.Order, error) {
	return rm.next.Sell(ctx, symbol, qty, estimatedPrice, at)
}

// GetOrder forwards to the wrapped broker and settles terminal buys.
func (rm *RiskManager) GetOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	got, err := rm.next.GetOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	rm.mu.Lock()
	rm.settle(got)
	rm.mu.Unlock()
	return got, nil
}

// settle must be called with mu held.
func (rm *RiskManager) settle(o *domain.Order) {
	counted, open := rm.reserved[o.ID]
	if !open || !o.Status.Terminal() {
		return
	}
	delete(rm.reserved, o.ID)

	switch o.Status {
	case domain.OrderStatusFilled:
		actual := o.FilledAvgPrice.Mul(decimal.NewFromInt(o.FilledQty))
		rm.spent = rm.spent.Sub(counted).Add(actual)
	default:
		rm.spent = rm.spent.Sub(counted)
		rm.log.Debug("released buy reservation", "id", o.ID, "status", o.Status, "notional", counted)
	}
}
