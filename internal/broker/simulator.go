package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"limitless/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker implements the Broker interface for backtesting. Every
// accepted order fills immediately and in full at the estimated price.
type SimulatorBroker struct {
	limits Limits

	mu     sync.Mutex
	orders map[string]*domain.Order
}

// NewSimulatorBroker creates a new SimulatorBroker with an empty order book.
func NewSimulatorBroker(limits Limits) *SimulatorBroker {
	return &SimulatorBroker{
		limits: limits,
		orders: make(map[string]*domain.Order),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// Buy sizes the order from the limits and fills it at estimatedPrice.
func (b *SimulatorBroker) Buy(_ context.Context, symbol string, estimatedPrice decimal.Decimal, at time.Time) (*domain.Order, error) {
	qty, err := SizeBuy(b.limits, estimatedPrice)
	if err != nil {
		return nil, err
	}
	return b.fill(symbol, domain.OrderSideBuy, qty, estimatedPrice, at), nil
}

// Sell fills qty shares at estimatedPrice.
func (b *SimulatorBroker) Sell(_ context.Context, symbol string, qty int64, estimatedPrice decimal.Decimal, at time.Time) (*domain.Order, error) {
	if err := checkSellQty(qty); err != nil {
		return nil, err
	}
	return b.fill(symbol, domain.OrderSideSell, qty, estimatedPrice, at), nil
}

func (b *SimulatorBroker) fill(symbol string, side domain.OrderSide, qty int64, price decimal.Decimal, at time.Time) *domain.Order {
	o := &domain.Order{
		ID:             uuid.NewString(),
		Symbol:         symbol,
		Side:           side,
		Type:           domain.OrderTypeMarket,
		Status:         domain.OrderStatusFilled,
		Qty:            qty,
		FilledQty:      qty,
		EstimatedPrice: price,
		FilledAvgPrice: price,
		CreatedAt:      at,
		UpdatedAt:      at,
	}

	b.mu.Lock()
	b.orders[o.ID] = o
	b.mu.Unlock()

	cp := *o
	return &cp
}

// GetOrder returns the stored order, which is always filled.
func (b *SimulatorBroker) GetOrder(_ context.Context, order *domain.Order) (*domain.Order, error) {
	if order == nil {
		return nil, fmt.Errorf("%w: nil order", ErrUnknownOrder)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[order.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, order.ID)
	}
	cp := *o
	return &cp, nil
}

// Orders returns a snapshot of every order the simulator has filled.
func (b *SimulatorBroker) Orders() []domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, *o)
	}
	return out
}
