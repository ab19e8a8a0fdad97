// Package domain defines the core market-data, order and position types shared
// by every layer of the limitless trading loop.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is an OHLCV aggregate for a single time bucket of one symbol.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// At returns the bar timestamp.
func (b Bar) At() time.Time { return b.Timestamp }

// Quote is a top-of-book bid/ask snapshot.
type Quote struct {
	Symbol    string
	Timestamp time.Time
	BidPrice  float64
	AskPrice  float64
	BidSize   int64
	AskSize   int64

	// Synthetic is set when the quote was derived from a bar close rather
	// than observed. Both sides then carry the same price.
	Synthetic bool
}

// At returns the quote timestamp.
func (q Quote) At() time.Time { return q.Timestamp }

// Mid returns the average of bid and ask.
func (q Quote) Mid() float64 {
	return (q.BidPrice + q.AskPrice) / 2
}

// QuoteFromBar builds a synthetic quote whose bid and ask both equal the bar
// close.
func QuoteFromBar(b Bar) Quote {
	return Quote{
		Symbol:    b.Symbol,
		Timestamp: b.Timestamp,
		BidPrice:  b.Close,
		AskPrice:  b.Close,
		Synthetic: true,
	}
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
)

// OrderStatus is the lifecycle status of an order as reported by a broker.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusFailed    OrderStatus = "failed"
)

// Terminal reports whether no further status change is expected.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusFailed
}

// Order is a broker-owned order record. Callers hold a copy and poll the
// broker for updates.
type Order struct {
	ID             string
	Symbol         string
	Side           OrderSide
	Type           OrderType
	Status         OrderStatus
	Qty            int64
	FilledQty      int64
	EstimatedPrice decimal.Decimal
	FilledAvgPrice decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Fill is the confirmed execution of an order. Side tags the variant: a buy
// fill grows the position, a sell fill closes it.
type Fill struct {
	OrderID string
	Symbol  string
	Side    OrderSide
	Qty     int64
	Price   decimal.Decimal
	Time    time.Time
}

// Notional returns Price * Qty.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(decimal.NewFromInt(f.Qty))
}

// Fill returns the confirmed fill of the order. The second return value is
// false unless the order status is filled.
func (o *Order) Fill() (Fill, bool) {
	if o == nil || o.Status != OrderStatusFilled {
		return Fill{}, false
	}
	return Fill{
		OrderID: o.ID,
		Symbol:  o.Symbol,
		Side:    o.Side,
		Qty:     o.FilledQty,
		Price:   o.FilledAvgPrice,
		Time:    o.UpdatedAt,
	}, true
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

// Position is the per-symbol holding tracked by a trader. Qty and AvgCost
// change only through Apply.
type Position struct {
	Symbol     string
	Qty        int64
	AvgCost    decimal.Decimal
	Bought     decimal.Decimal // cumulative buy notional
	Sold       decimal.Decimal // cumulative sell notional
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
}

// Apply folds a confirmed fill into the position. A buy fill re-weights the
// average cost and re-arms the stop-loss and take-profit levels from the fill
// price; a sell fill flattens the position.
func (p *Position) Apply(f Fill, stopLossProportion, takeProfitProportion decimal.Decimal) {
	switch f.Side {
	case OrderSideBuy:
		if f.Qty <= 0 {
			return
		}
		newQty := p.Qty + f.Qty
		// oldCost*(oldQty/newQty) + price*(1 - oldQty/newQty), computed
		// without the intermediate ratio.
		total := p.AvgCost.Mul(decimal.NewFromInt(p.Qty)).Add(f.Notional())
		p.AvgCost = total.Div(decimal.NewFromInt(newQty))
		p.Qty = newQty
		p.Bought = p.Bought.Add(f.Notional())
		p.StopLoss = f.Price.Mul(stopLossProportion)
		p.TakeProfit = f.Price.Mul(takeProfitProportion)
	case OrderSideSell:
		p.Sold = p.Sold.Add(f.Notional())
		p.Qty = 0
		p.AvgCost = decimal.Zero
		p.StopLoss = decimal.Zero
		p.TakeProfit = decimal.Zero
	}
}

// PnL returns realized plus at-cost unrealized profit:
// Sold - Bought + AvgCost*Qty.
func (p Position) PnL() decimal.Decimal {
	return p.Sold.Sub(p.Bought).Add(p.AvgCost.Mul(decimal.NewFromInt(p.Qty)))
}

// Market identifies the exchange region a symbol trades in.
type Market string

const (
	MarketUS Market = "us"
)

// ---------------------------------------------------------------------------
// Reporting
// ---------------------------------------------------------------------------

// Summary is a point-in-time status line for one traded symbol.
type Summary struct {
	Symbol    string
	State     string
	Qty       int64
	AvgCost   decimal.Decimal
	Bought    decimal.Decimal
	Sold      decimal.Decimal
	PnL       decimal.Decimal
	LastPrice float64
	Orders    int
	Time      time.Time
}

// Report aggregates the summaries of a run.
type Report struct {
	RunID    string
	Mode     string
	Start    time.Time
	End      time.Time
	Symbols  []Summary
	Carried  decimal.Decimal // P&L of traders discarded by re-screening
	TotalPnL decimal.Decimal
}
