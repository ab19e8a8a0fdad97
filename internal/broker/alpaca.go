package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"limitless/internal/domain"
	"limitless/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// TradingClient is the subset of *alpaca.Client used for order execution.
type TradingClient interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
}

const (
	alpacaMaxAttempts = 3
	alpacaBaseDelay   = 500 * time.Millisecond
)

// AlpacaBroker implements the Broker interface using the Alpaca brokerage API.
// Orders are market/day and settle asynchronously, so GetOrder may report
// pending across several polls.
type AlpacaBroker struct {
	client     TradingClient
	limits     Limits
	log        *slog.Logger
	retryDelay time.Duration
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoint.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string, limits Limits, log *slog.Logger) *AlpacaBroker {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	return NewAlpacaBrokerWithClient(client, limits, log)
}

// NewAlpacaBrokerWithClient wires an existing client, typically a fake.
func NewAlpacaBrokerWithClient(client TradingClient, limits Limits, log *slog.Logger) *AlpacaBroker {
	if log == nil {
		log = slog.Default()
	}
	return &AlpacaBroker{
		client:     client,
		limits:     limits,
		log:        log.With("component", "alpaca-broker"),
		retryDelay: alpacaBaseDelay,
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// Buy sizes the order from the limits and submits a market order.
func (b *AlpacaBroker) Buy(ctx context.Context, symbol string, estimatedPrice decimal.Decimal, at time.Time) (*domain.Order, error) {
	qty, err := SizeBuy(b.limits, estimatedPrice)
	if err != nil {
		return nil, err
	}
	return b.place(ctx, symbol, alpaca.Buy, qty, estimatedPrice, at)
}

// Sell submits a market sell for qty shares.
func (b *AlpacaBroker) Sell(ctx context.Context, symbol string, qty int64, estimatedPrice decimal.Decimal, at time.Time) (*domain.Order, error) {
	if err := checkSellQty(qty); err != nil {
		return nil, err
	}
	return b.place(ctx, symbol, alpaca.Sell, qty, estimatedPrice, at)
}

func (b *AlpacaBroker) place(ctx context.Context, symbol string, side alpaca.Side, qty int64, price decimal.Decimal, at time.Time) (*domain.Order, error) {
	q := decimal.NewFromInt(qty)
	req := alpaca.PlaceOrderRequest{
		Symbol:      symbol,
		Qty:         &q,
		Side:        side,
		Type:        alpaca.Market,
		TimeInForce: alpaca.Day,
		// A fixed client id makes a retried submission idempotent.
		ClientOrderID: uuid.NewString(),
	}

	var placed *alpaca.Order
	err := util.Retry(ctx, alpacaMaxAttempts, b.retryDelay, func() error {
		o, err := b.client.PlaceOrder(req)
		if err != nil {
			return classify(err)
		}
		placed = o
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("placing %s %d %s: %w", side, qty, symbol, err)
	}

	order := fromAlpaca(placed)
	order.EstimatedPrice = price
	if order.CreatedAt.IsZero() {
		order.CreatedAt = at
	}
	b.log.Info("order submitted", "symbol", symbol, "side", side, "qty", qty, "id", order.ID)
	return order, nil
}

// GetOrder polls Alpaca for the order's current status.
func (b *AlpacaBroker) GetOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if order == nil {
		return nil, fmt.Errorf("%w: nil order", ErrUnknownOrder)
	}

	var got *alpaca.Order
	err := util.Retry(ctx, alpacaMaxAttempts, b.retryDelay, func() error {
		o, err := b.client.GetOrder(order.ID)
		if err != nil {
			var apiErr *alpaca.APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
				return util.Permanent(fmt.Errorf("%w: %s", ErrUnknownOrder, order.ID))
			}
			return classify(err)
		}
		got = o
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("getting order %s: %w", order.ID, err)
	}

	updated := fromAlpaca(got)
	updated.EstimatedPrice = order.EstimatedPrice
	return updated, nil
}

// classify marks client errors (4xx) as permanent rejections so Retry stops.
func classify(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
		apiErr.StatusCode != http.StatusTooManyRequests {
		return util.Permanent(fmt.Errorf("%w: %v", ErrOrderRejected, err))
	}
	return err
}

func fromAlpaca(o *alpaca.Order) *domain.Order {
	out := &domain.Order{
		ID:        o.ID,
		Symbol:    o.Symbol,
		Side:      domain.OrderSide(o.Side),
		Type:      domain.OrderTypeMarket,
		Status:    mapStatus(o.Status),
		FilledQty: o.FilledQty.IntPart(),
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
	if o.Qty != nil {
		out.Qty = o.Qty.IntPart()
	}
	if o.FilledAvgPrice != nil {
		out.FilledAvgPrice = *o.FilledAvgPrice
	}
	return out
}

// mapStatus folds Alpaca's order statuses into the four domain statuses.
func mapStatus(s string) domain.OrderStatus {
	switch s {
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "expired", "replaced", "done_for_day":
		return domain.OrderStatusCancelled
	case "rejected", "suspended":
		return domain.OrderStatusFailed
	default:
		return domain.OrderStatusPending
	}
}
