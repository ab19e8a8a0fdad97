package broker

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limitless/internal/domain"
)

type fakeTradingClient struct {
	placed   []alpaca.PlaceOrderRequest
	placeErr []error // consumed one per call
	orders   map[string]*alpaca.Order
	getErr   error
}

func (f *fakeTradingClient) PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error) {
	f.placed = append(f.placed, req)
	if len(f.placeErr) > 0 {
		err := f.placeErr[0]
		f.placeErr = f.placeErr[1:]
		if err != nil {
			return nil, err
		}
	}
	o := &alpaca.Order{
		ID:        "ord-1",
		Symbol:    req.Symbol,
		Qty:       req.Qty,
		Side:      req.Side,
		Status:    "accepted",
		CreatedAt: at,
		UpdatedAt: at,
	}
	if f.orders == nil {
		f.orders = make(map[string]*alpaca.Order)
	}
	f.orders[o.ID] = o
	return o, nil
}

func (f *fakeTradingClient) GetOrder(id string) (*alpaca.Order, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	o, ok := f.orders[id]
	if !ok {
		return nil, &alpaca.APIError{StatusCode: http.StatusNotFound, Message: "order not found"}
	}
	return o, nil
}

func newTestAlpaca(client TradingClient) *AlpacaBroker {
	b := NewAlpacaBrokerWithClient(client, NewLimits(1000, 500), nil)
	b.retryDelay = 0
	return b
}

func TestAlpacaBrokerName(t *testing.T) {
	b := NewAlpacaBroker("key", "secret", "https://paper-api.alpaca.markets", NewLimits(1000, 500), nil)
	assert.Equal(t, "alpaca", b.Name())
}

func TestAlpacaBuySubmitsSizedMarketOrder(t *testing.T) {
	client := &fakeTradingClient{}
	b := newTestAlpaca(client)

	o, err := b.Buy(context.Background(), "AAPL", d("334"), at)
	require.NoError(t, err)

	require.Len(t, client.placed, 1)
	req := client.placed[0]
	assert.Equal(t, "AAPL", req.Symbol)
	assert.Equal(t, alpaca.Buy, req.Side)
	assert.Equal(t, alpaca.Market, req.Type)
	assert.Equal(t, alpaca.Day, req.TimeInForce)
	assert.NotEmpty(t, req.ClientOrderID)
	require.NotNil(t, req.Qty)
	assert.True(t, req.Qty.Equal(decimal.NewFromInt(2)))

	assert.Equal(t, "ord-1", o.ID)
	assert.Equal(t, domain.OrderStatusPending, o.Status)
	assert.Equal(t, int64(2), o.Qty)
	assert.True(t, o.EstimatedPrice.Equal(d("334")))
}

func TestAlpacaBuyRejectedBySizingNeverCallsAPI(t *testing.T) {
	client := &fakeTradingClient{}
	b := newTestAlpaca(client)

	_, err := b.Buy(context.Background(), "AAPL", d("-1"), at)
	assert.ErrorIs(t, err, ErrOrderRejected)
	assert.Empty(t, client.placed)
}

func TestAlpacaPlaceRetriesTransientErrors(t *testing.T) {
	client := &fakeTradingClient{placeErr: []error{errors.New("connection reset"), nil}}
	b := newTestAlpaca(client)

	o, err := b.Sell(context.Background(), "AAPL", 5, d("100"), at)
	require.NoError(t, err)
	assert.Equal(t, "ord-1", o.ID)
	require.Len(t, client.placed, 2)
	assert.Equal(t, client.placed[0].ClientOrderID, client.placed[1].ClientOrderID)
}

func TestAlpacaClientErrorIsRejection(t *testing.T) {
	client := &fakeTradingClient{placeErr: []error{
		&alpaca.APIError{StatusCode: http.StatusForbidden, Message: "insufficient buying power"},
	}}
	b := newTestAlpaca(client)

	_, err := b.Buy(context.Background(), "AAPL", d("100"), at)
	assert.ErrorIs(t, err, ErrOrderRejected)
	assert.Len(t, client.placed, 1, "4xx is not retried")
}

func TestAlpacaGetOrderMapsStatus(t *testing.T) {
	client := &fakeTradingClient{}
	b := newTestAlpaca(client)
	ctx := context.Background()

	o, err := b.Buy(ctx, "AAPL", d("100"), at)
	require.NoError(t, err)

	price := d("99.5")
	client.orders["ord-1"].Status = "filled"
	client.orders["ord-1"].FilledQty = decimal.NewFromInt(10)
	client.orders["ord-1"].FilledAvgPrice = &price

	got, err := b.GetOrder(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Equal(t, int64(10), got.FilledQty)
	assert.True(t, got.FilledAvgPrice.Equal(price))
	assert.True(t, got.EstimatedPrice.Equal(d("100")))

	fill, ok := got.Fill()
	require.True(t, ok)
	assert.Equal(t, domain.OrderSideBuy, fill.Side)
}

func TestAlpacaGetOrderUnknown(t *testing.T) {
	b := newTestAlpaca(&fakeTradingClient{})

	_, err := b.GetOrder(context.Background(), &domain.Order{ID: "nope"})
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestMapStatus(t *testing.T) {
	cases := map[string]domain.OrderStatus{
		"new":              domain.OrderStatusPending,
		"partially_filled": domain.OrderStatusPending,
		"pending_cancel":   domain.OrderStatusPending,
		"filled":           domain.OrderStatusFilled,
		"canceled":         domain.OrderStatusCancelled,
		"expired":          domain.OrderStatusCancelled,
		"done_for_day":     domain.OrderStatusCancelled,
		"rejected":         domain.OrderStatusFailed,
		"suspended":        domain.OrderStatusFailed,
	}
	for in, want := range cases {
		assert.Equal(t, want, mapStatus(in), in)
	}
}
