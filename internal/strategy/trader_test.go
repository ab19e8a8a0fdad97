package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"limitless/internal/broker"
	"limitless/internal/domain"
	"limitless/mocks"
)

var t0 = time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

type window struct{ active bool }

func (w *window) InActiveWindow(time.Time) bool { return w.active }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// decEq matches decimals by value rather than representation.
type decEq string

func (m decEq) Matches(x any) bool {
	d, ok := x.(decimal.Decimal)
	return ok && d.Equal(dec(string(m)))
}

func (m decEq) String() string { return "equals " + string(m) }

func testParams() Params {
	return Params{
		CooldownTicks:        2,
		StopLossProportion:   dec("0.98"),
		TakeProfitProportion: dec("1.04"),
		MaxCloseAttempts:     3,
	}
}

func quote(price float64) *domain.Quote {
	return &domain.Quote{Symbol: "AAPL", Timestamp: t0, BidPrice: price, AskPrice: price}
}

func newSimTrader(strat Strategy, w *window) (*Trader, *broker.SimulatorBroker) {
	sim := broker.NewSimulatorBroker(broker.NewLimits(1000, 500))
	tr := NewTrader("AAPL", strat, sim, nil, w, testParams(), nil)
	return tr, sim
}

func TestActivateRespectsActiveWindow(t *testing.T) {
	strat := &stubStrategy{name: "stub"}

	tr, _ := newSimTrader(strat, &window{active: true})
	tr.Activate(t0, nil, quote(100))
	assert.Equal(t, WaitingToBuy, tr.State())

	tr, _ = newSimTrader(strat, &window{active: false})
	tr.Activate(t0, nil, quote(100))
	assert.Equal(t, Dormant, tr.State())
}

func TestTraderRoundTrip(t *testing.T) {
	ctx := context.Background()
	strat := &stubStrategy{name: "stub", enter: true}
	tr, _ := newSimTrader(strat, &window{active: true})
	tr.Activate(t0, nil, quote(100))

	require.NoError(t, tr.Act(ctx))
	assert.Equal(t, ConfirmingOrder, tr.State())
	assert.Equal(t, int64(0), tr.Position().Qty, "no speculative position change")

	require.NoError(t, tr.Act(ctx))
	assert.Equal(t, Holding, tr.State())
	pos := tr.Position()
	assert.Equal(t, int64(10), pos.Qty)
	assert.True(t, pos.AvgCost.Equal(dec("100")))
	assert.True(t, pos.StopLoss.Equal(dec("98")))
	assert.True(t, pos.TakeProfit.Equal(dec("104")))

	strat.exit = true
	tr.UpdateQuote(quote(105))
	require.NoError(t, tr.Act(ctx))
	assert.Equal(t, ConfirmingOrder, tr.State())

	require.NoError(t, tr.Act(ctx))
	assert.Equal(t, Cooldown, tr.State())
	pos = tr.Position()
	assert.Equal(t, int64(0), pos.Qty)
	assert.True(t, pos.AvgCost.IsZero())
	assert.True(t, pos.PnL().Equal(dec("50")))

	require.NoError(t, tr.Act(ctx))
	assert.Equal(t, Cooldown, tr.State())
	require.NoError(t, tr.Act(ctx))
	assert.Equal(t, WaitingToBuy, tr.State())

	s := tr.Summary()
	assert.Equal(t, "AAPL", s.Symbol)
	assert.Equal(t, 2, s.Orders)
	assert.True(t, s.PnL.Equal(dec("50")))
}

func TestTraderWithoutQuoteDoesNothing(t *testing.T) {
	strat := &stubStrategy{name: "stub", enter: true}
	tr, sim := newSimTrader(strat, &window{active: true})
	tr.Activate(t0, nil, nil)
	tr.UpdateQuote(nil)

	require.NoError(t, tr.Act(context.Background()))
	assert.Equal(t, WaitingToBuy, tr.State())
	assert.Empty(t, sim.Orders())
	assert.Empty(t, strat.views)
}

func TestTraderRejectedBuyStaysWaiting(t *testing.T) {
	strat := &stubStrategy{name: "stub", enter: true}
	tr, sim := newSimTrader(strat, &window{active: true})
	tr.Activate(t0, nil, quote(600)) // above max share price

	require.NoError(t, tr.Act(context.Background()))
	assert.Equal(t, WaitingToBuy, tr.State())
	assert.Empty(t, sim.Orders())
}

func TestTraderPassesPreviousQuoteToRules(t *testing.T) {
	strat := &stubStrategy{name: "stub"}
	tr, _ := newSimTrader(strat, &window{active: true})
	tr.Activate(t0, nil, quote(100))
	tr.UpdateQuote(quote(101))

	require.NoError(t, tr.Act(context.Background()))
	require.Len(t, strat.views, 1)
	v := strat.views[0]
	assert.True(t, v.HasPrev)
	assert.Equal(t, 100.0, v.PrevQuote.Mid())
	assert.Equal(t, 101.0, v.Quote.Mid())
}

func TestConfirmingOrderWaitsForFill(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBroker(ctrl)

	pending := &domain.Order{ID: "o1", Symbol: "AAPL", Side: domain.OrderSideBuy,
		Status: domain.OrderStatusPending, Qty: 10, EstimatedPrice: dec("100")}
	filled := *pending
	filled.Status = domain.OrderStatusFilled
	filled.FilledQty = 10
	filled.FilledAvgPrice = dec("100.5")

	gomock.InOrder(
		b.EXPECT().Buy(gomock.Any(), "AAPL", decEq("100"), t0).Return(pending, nil),
		b.EXPECT().GetOrder(gomock.Any(), pending).Return(pending, nil).Times(2),
		b.EXPECT().GetOrder(gomock.Any(), pending).Return(&filled, nil),
	)

	tr := NewTrader("AAPL", &stubStrategy{name: "stub", enter: true}, b, nil, &window{active: true}, testParams(), nil)
	tr.Activate(t0, nil, quote(100))

	require.NoError(t, tr.Act(ctx))
	for i := 0; i < 2; i++ {
		require.NoError(t, tr.Act(ctx))
		assert.Equal(t, ConfirmingOrder, tr.State(), "pending keeps confirming")
		assert.Equal(t, int64(0), tr.Position().Qty)
	}
	require.NoError(t, tr.Act(ctx))
	assert.Equal(t, Holding, tr.State())
	assert.True(t, tr.Position().AvgCost.Equal(dec("100.5")))
}

func TestConfirmingOrderCancelledReverts(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBroker(ctrl)

	pending := &domain.Order{ID: "o1", Side: domain.OrderSideBuy, Status: domain.OrderStatusPending, Qty: 10}
	cancelled := *pending
	cancelled.Status = domain.OrderStatusCancelled

	b.EXPECT().Buy(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(pending, nil)
	b.EXPECT().GetOrder(gomock.Any(), gomock.Any()).Return(&cancelled, nil)

	tr := NewTrader("AAPL", &stubStrategy{name: "stub", enter: true}, b, nil, &window{active: true}, testParams(), nil)
	tr.Activate(t0, nil, quote(100))
	require.NoError(t, tr.Act(ctx))
	require.NoError(t, tr.Act(ctx))

	assert.Equal(t, WaitingToBuy, tr.State())
	assert.Nil(t, tr.Pending())
	assert.Equal(t, int64(0), tr.Position().Qty)
}

func TestCancelledSellWhileHoldingCloses(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBroker(ctrl)

	buy := &domain.Order{ID: "b", Side: domain.OrderSideBuy, Status: domain.OrderStatusFilled,
		Qty: 5, FilledQty: 5, FilledAvgPrice: dec("100")}
	sell := &domain.Order{ID: "s1", Side: domain.OrderSideSell, Status: domain.OrderStatusPending, Qty: 5}
	cancelled := *sell
	cancelled.Status = domain.OrderStatusCancelled
	retry := &domain.Order{ID: "s2", Side: domain.OrderSideSell, Status: domain.OrderStatusPending, Qty: 5}
	filled := *retry
	filled.Status = domain.OrderStatusFilled
	filled.FilledQty = 5
	filled.FilledAvgPrice = dec("105")

	gomock.InOrder(
		b.EXPECT().Buy(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(buy, nil),
		b.EXPECT().GetOrder(gomock.Any(), buy).Return(buy, nil),
		b.EXPECT().Sell(gomock.Any(), "AAPL", int64(5), gomock.Any(), gomock.Any()).Return(sell, nil),
		b.EXPECT().GetOrder(gomock.Any(), sell).Return(&cancelled, nil),
		b.EXPECT().Sell(gomock.Any(), "AAPL", int64(5), gomock.Any(), gomock.Any()).Return(retry, nil),
		b.EXPECT().GetOrder(gomock.Any(), retry).Return(&filled, nil),
	)

	strat := &stubStrategy{name: "stub", enter: true}
	tr := NewTrader("AAPL", strat, b, nil, &window{active: true}, testParams(), nil)
	tr.Activate(t0, nil, quote(100))
	require.NoError(t, tr.Act(ctx)) // buy
	require.NoError(t, tr.Act(ctx)) // fill
	require.Equal(t, Holding, tr.State())

	strat.exit = true
	tr.UpdateQuote(quote(105))
	require.NoError(t, tr.Act(ctx))
	require.Equal(t, ConfirmingOrder, tr.State())

	require.NoError(t, tr.Act(ctx))
	assert.Equal(t, Closing, tr.State(), "an unfilled sell never returns to holding")
	assert.Equal(t, int64(5), tr.Position().Qty)
	assert.Equal(t, retry, tr.Pending())

	require.NoError(t, tr.Act(ctx))
	assert.Equal(t, Closed, tr.State())
	assert.Zero(t, tr.Position().Qty)
	assert.True(t, tr.Position().PnL().Equal(dec("25")))
}

func TestBrokerErrorIsReturnedAndStateKept(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBroker(ctrl)
	b.EXPECT().Buy(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("timeout"))

	tr := NewTrader("AAPL", &stubStrategy{name: "stub", enter: true}, b, nil, &window{active: true}, testParams(), nil)
	tr.Activate(t0, nil, quote(100))

	err := tr.Act(context.Background())
	assert.Error(t, err)
	assert.Equal(t, WaitingToBuy, tr.State())
}

func TestOutsideWindowFlatGoesDormant(t *testing.T) {
	w := &window{active: true}
	tr, sim := newSimTrader(&stubStrategy{name: "stub"}, w)
	tr.Activate(t0, nil, quote(100))

	w.active = false
	require.NoError(t, tr.Act(context.Background()))
	assert.Equal(t, Dormant, tr.State())
	assert.Empty(t, sim.Orders())

	w.active = true
	require.NoError(t, tr.Act(context.Background()))
	assert.Equal(t, WaitingToBuy, tr.State())
}

func TestOutsideWindowHoldingClosesFirst(t *testing.T) {
	ctx := context.Background()
	w := &window{active: true}
	strat := &stubStrategy{name: "stub", enter: true}
	tr, sim := newSimTrader(strat, w)
	tr.Activate(t0, nil, quote(100))
	require.NoError(t, tr.Act(ctx)) // buy
	require.NoError(t, tr.Act(ctx)) // fill
	require.Equal(t, Holding, tr.State())

	w.active = false
	require.NoError(t, tr.Act(ctx))
	assert.Equal(t, Closing, tr.State(), "close attempted before dormancy")
	assert.Len(t, sim.Orders(), 2)

	require.NoError(t, tr.Act(ctx))
	assert.Equal(t, Closed, tr.State())
	assert.Equal(t, int64(0), tr.Position().Qty)

	// Stays closed while outside the window, reactivates flat inside it.
	require.NoError(t, tr.Act(ctx))
	assert.Equal(t, Closed, tr.State())
	w.active = true
	require.NoError(t, tr.Act(ctx))
	assert.Equal(t, WaitingToBuy, tr.State())
}

func TestClosingGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBroker(ctrl)

	buy := &domain.Order{ID: "b", Side: domain.OrderSideBuy, Status: domain.OrderStatusFilled,
		Qty: 5, FilledQty: 5, FilledAvgPrice: dec("100")}
	sell := &domain.Order{ID: "s", Side: domain.OrderSideSell, Status: domain.OrderStatusPending, Qty: 5}

	b.EXPECT().Buy(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(buy, nil)
	b.EXPECT().GetOrder(gomock.Any(), buy).Return(buy, nil)
	b.EXPECT().Sell(gomock.Any(), "AAPL", int64(5), gomock.Any(), gomock.Any()).Return(sell, nil)
	b.EXPECT().GetOrder(gomock.Any(), sell).Return(sell, nil).AnyTimes()

	w := &window{active: true}
	tr := NewTrader("AAPL", &stubStrategy{name: "stub", enter: true}, b, nil, w, testParams(), nil)
	tr.Activate(t0, nil, quote(100))
	require.NoError(t, tr.Act(ctx))
	require.NoError(t, tr.Act(ctx))
	require.Equal(t, Holding, tr.State())

	w.active = false
	for i := 0; i < 3; i++ {
		require.NoError(t, tr.Act(ctx))
	}
	assert.Equal(t, Closed, tr.State(), "bounded close never deadlocks")
	assert.Equal(t, int64(5), tr.Position().Qty, "unfilled sell leaves the position")
	assert.NotNil(t, tr.Pending())

	// Reactivation reconciles the leftover order first.
	w.active = true
	require.NoError(t, tr.Act(ctx))
	assert.Equal(t, ConfirmingOrder, tr.State())
}

func TestTrailingStopRatchets(t *testing.T) {
	ctx := context.Background()
	strat := &stubStrategy{name: "stub", enter: true}
	sim := broker.NewSimulatorBroker(broker.NewLimits(1000, 500))
	p := testParams()
	p.TrailingStopProportion = dec("0.97")
	tr := NewTrader("AAPL", strat, sim, nil, &window{active: true}, p, nil)
	tr.Activate(t0, nil, quote(100))
	require.NoError(t, tr.Act(ctx))
	require.NoError(t, tr.Act(ctx))
	strat.enter = false

	tr.UpdateQuote(quote(102))
	require.NoError(t, tr.Act(ctx))
	assert.True(t, tr.Position().StopLoss.Equal(dec("98.94")))

	tr.UpdateQuote(quote(101))
	require.NoError(t, tr.Act(ctx))
	assert.True(t, tr.Position().StopLoss.Equal(dec("98.94")), "never lowered")
	assert.True(t, tr.Position().AvgCost.Equal(dec("100")))
}

func TestCloseFlattensForExit(t *testing.T) {
	ctx := context.Background()
	tr, _ := newSimTrader(&stubStrategy{name: "stub", enter: true}, &window{active: true})
	tr.Activate(t0, nil, quote(100))
	require.NoError(t, tr.Act(ctx))
	require.NoError(t, tr.Act(ctx))

	require.NoError(t, tr.Close(ctx))
	assert.Equal(t, Closing, tr.State())
	require.NoError(t, tr.Close(ctx))
	assert.Equal(t, Closed, tr.State())
	assert.Equal(t, int64(0), tr.Position().Qty)

	flat, _ := newSimTrader(&stubStrategy{name: "stub"}, &window{active: true})
	flat.Activate(t0, nil, quote(100))
	require.NoError(t, flat.Close(ctx))
	assert.Equal(t, Closed, flat.State())
}

func TestRetiredAndFaultedTradersAreInert(t *testing.T) {
	ctx := context.Background()
	tr, sim := newSimTrader(&stubStrategy{name: "stub", enter: true}, &window{active: true})
	tr.Activate(t0, nil, quote(100))
	tr.Retire()
	require.NoError(t, tr.Act(ctx))
	assert.Equal(t, Retired, tr.State())

	tr2, _ := newSimTrader(&stubStrategy{name: "stub", enter: true}, &window{active: true})
	tr2.Activate(t0, nil, quote(100))
	tr2.Fail(errors.New("boom"))
	require.NoError(t, tr2.Act(ctx))
	assert.Equal(t, Error, tr2.State())
	assert.EqualError(t, tr2.Err(), "boom")
	assert.Empty(t, sim.Orders())
}
