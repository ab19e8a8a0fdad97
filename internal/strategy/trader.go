package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"limitless/internal/broker"
	"limitless/internal/domain"
)

// State is a Trader's position in its lifecycle.
type State int

const (
	Dormant State = iota
	WaitingToBuy
	Holding
	Cooldown
	ConfirmingOrder
	Closing
	Closed
	Retired
	Error
)

var stateNames = [...]string{
	Dormant:         "dormant",
	WaitingToBuy:    "waiting-to-buy",
	Holding:         "holding",
	Cooldown:        "cooldown",
	ConfirmingOrder: "confirming-order",
	Closing:         "closing",
	Closed:          "closed",
	Retired:         "retired",
	Error:           "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// ActiveWindow tells a trader when it may trade.
type ActiveWindow interface {
	InActiveWindow(t time.Time) bool
}

// Params holds the per-trader execution settings.
type Params struct {
	CooldownTicks          int
	StopLossProportion     decimal.Decimal
	TakeProfitProportion   decimal.Decimal
	TrailingStopProportion decimal.Decimal // zero disables
	MaxCloseAttempts       int
}

// Trader runs the strategy for a single symbol. It is driven by one goroutine
// at a time; the engine's iteration barrier orders accesses between steps.
type Trader struct {
	symbol string
	strat  Strategy
	broker broker.Broker
	data   MarketData
	window ActiveWindow
	params Params
	log    *slog.Logger

	state    State
	pos      domain.Position
	pending  *domain.Order
	cooldown int
	attempts int // close attempts in the current Closing episode
	orders   int
	err      error

	now       time.Time
	quote     domain.Quote
	prevQuote domain.Quote
	hasQuote  bool
	hasPrev   bool
	bar       domain.Bar
	hasBar    bool
}

// NewTrader builds a trader in the Dormant state; call Activate before use.
func NewTrader(symbol string, strat Strategy, b broker.Broker, data MarketData, window ActiveWindow, params Params, log *slog.Logger) *Trader {
	if log == nil {
		log = slog.Default()
	}
	return &Trader{
		symbol: symbol,
		strat:  strat,
		broker: b,
		data:   data,
		window: window,
		params: params,
		log:    log.With("symbol", symbol, "strategy", strat.Name()),
		state:  Dormant,
		pos:    domain.Position{Symbol: symbol},
	}
}

// Symbol returns the traded symbol.
func (t *Trader) Symbol() string { return t.symbol }

// State returns the current state.
func (t *Trader) State() State { return t.state }

// Position returns a copy of the current position.
func (t *Trader) Position() domain.Position { return t.pos }

// Pending returns the order awaiting confirmation, if any.
func (t *Trader) Pending() *domain.Order { return t.pending }

// Activate seeds the trader with the latest known data and enters
// WaitingToBuy, or Dormant when now is outside the active window.
func (t *Trader) Activate(now time.Time, bar *domain.Bar, quote *domain.Quote) {
	t.now = now
	if bar != nil {
		t.bar, t.hasBar = *bar, true
	}
	if quote != nil {
		t.quote, t.hasQuote = *quote, true
	}
	if t.window.InActiveWindow(now) {
		t.setState(WaitingToBuy)
	} else {
		t.setState(Dormant)
	}
}

// Tick records the perceived time. It never makes decisions.
func (t *Trader) Tick(now time.Time) {
	t.now = now
}

// UpdateQuote pushes the latest quote. A nil quote is logged and ignored.
func (t *Trader) UpdateQuote(q *domain.Quote) {
	if q == nil {
		t.log.Debug("no quote available")
		return
	}
	if t.hasQuote {
		t.prevQuote, t.hasPrev = t.quote, true
	}
	t.quote, t.hasQuote = *q, true
}

// UpdateBar pushes the latest bar. A nil bar is logged and ignored.
func (t *Trader) UpdateBar(b *domain.Bar) {
	if b == nil {
		t.log.Debug("no bar available")
		return
	}
	t.bar, t.hasBar = *b, true
}

func (t *Trader) view() View {
	return View{
		Symbol:    t.symbol,
		Now:       t.now,
		Quote:     t.quote,
		PrevQuote: t.prevQuote,
		HasPrev:   t.hasPrev,
		Bar:       t.bar,
		HasBar:    t.hasBar,
		Data:      t.data,
	}
}

// Act runs one decision step. Policy rejections are logged and swallowed;
// other broker errors are returned with the state unchanged.
func (t *Trader) Act(ctx context.Context) error {
	switch t.state {
	case Retired, Error:
		return nil
	}

	active := t.window.InActiveWindow(t.now)
	if !active {
		switch t.state {
		case Dormant, Closing, Closed:
		default:
			return t.goDormant(ctx)
		}
	}

	switch t.state {
	case Dormant, Closed:
		if active {
			t.reactivate()
		}
	case WaitingToBuy:
		return t.tryEnter(ctx)
	case Holding:
		t.trailStop()
		return t.tryExit(ctx)
	case ConfirmingOrder:
		return t.confirm(ctx)
	case Cooldown:
		t.cooldown--
		if t.cooldown <= 0 {
			t.cooldown = 0
			t.setState(WaitingToBuy)
		}
	case Closing:
		return t.progressClose(ctx)
	}
	return nil
}

// goDormant leaves the active window, closing any position first.
func (t *Trader) goDormant(ctx context.Context) error {
	if t.state == ConfirmingOrder {
		if err := t.confirm(ctx); err != nil {
			return err
		}
		if t.state == Closing {
			return nil
		}
	}
	if t.pending != nil || t.pos.Qty > 0 {
		return t.startClose(ctx)
	}
	t.setState(Dormant)
	return nil
}

func (t *Trader) reactivate() {
	switch {
	case t.pending != nil:
		// An order left over from an exhausted close is reconciled first.
		t.setState(ConfirmingOrder)
	case t.pos.Qty > 0:
		t.setState(Holding)
	default:
		t.setState(WaitingToBuy)
	}
}

func (t *Trader) tryEnter(ctx context.Context) error {
	if !t.hasQuote {
		return nil
	}
	if !t.strat.ShouldEnter(t.view()) {
		return nil
	}
	price := decimal.NewFromFloat(t.quote.AskPrice)
	order, err := t.broker.Buy(ctx, t.symbol, price, t.now)
	if err != nil {
		return t.submitFailed("buy", err)
	}
	t.submitted(order)
	return nil
}

func (t *Trader) tryExit(ctx context.Context) error {
	if !t.hasQuote || !t.strat.ShouldExit(t.view(), t.pos) {
		return nil
	}
	order, err := t.broker.Sell(ctx, t.symbol, t.pos.Qty, t.sellPrice(), t.now)
	if err != nil {
		return t.submitFailed("sell", err)
	}
	t.submitted(order)
	return nil
}

func (t *Trader) submitted(order *domain.Order) {
	t.pending = order
	t.orders++
	t.log.Info("order submitted", "side", order.Side, "qty", order.Qty, "price", order.EstimatedPrice, "id", order.ID)
	t.setState(ConfirmingOrder)
}

func (t *Trader) submitFailed(side string, err error) error {
	if errors.Is(err, broker.ErrOrderRejected) {
		t.log.Info(side+" rejected", "reason", err)
		return nil
	}
	return fmt.Errorf("%s %s: %w", side, t.symbol, err)
}

// sellPrice is the estimated price, or the cost basis when nothing is known.
func (t *Trader) sellPrice() decimal.Decimal {
	if p := t.view().EstimatedPrice(); p.IsPositive() {
		return p
	}
	return t.pos.AvgCost
}

// trailStop ratchets the stop-loss up behind the estimated price.
func (t *Trader) trailStop() {
	if !t.params.TrailingStopProportion.IsPositive() || !t.hasQuote || t.pos.Qty == 0 {
		return
	}
	candidate := t.view().EstimatedPrice().Mul(t.params.TrailingStopProportion)
	if candidate.GreaterThan(t.pos.StopLoss) {
		t.log.Debug("trailing stop raised", "from", t.pos.StopLoss, "to", candidate)
		t.pos.StopLoss = candidate
	}
}

// poll refreshes the pending order and folds a fill into the position. It
// returns the observed status.
func (t *Trader) poll(ctx context.Context) (domain.OrderStatus, error) {
	got, err := t.broker.GetOrder(ctx, t.pending)
	if err != nil {
		return domain.OrderStatusPending, fmt.Errorf("polling order %s: %w", t.pending.ID, err)
	}

	switch got.Status {
	case domain.OrderStatusFilled:
		fill, _ := got.Fill()
		t.pos.Apply(fill, t.params.StopLossProportion, t.params.TakeProfitProportion)
		t.log.Info("order filled", "side", fill.Side, "qty", fill.Qty, "price", fill.Price,
			"position", t.pos.Qty, "avg_cost", t.pos.AvgCost)
		t.pending = nil
	case domain.OrderStatusCancelled, domain.OrderStatusFailed:
		if got.FilledQty > 0 {
			t.log.Warn("order ended with a partial fill that is not tracked", "id", got.ID, "filled", got.FilledQty)
		}
		t.log.Warn("order did not fill", "id", got.ID, "status", got.Status)
		t.pending = nil
	default:
		t.pending = got
	}
	return got.Status, nil
}

func (t *Trader) confirm(ctx context.Context) error {
	side := t.pending.Side
	status, err := t.poll(ctx)
	if err != nil {
		return err
	}

	switch status {
	case domain.OrderStatusFilled:
		if side == domain.OrderSideBuy {
			t.setState(Holding)
		} else {
			t.cooldown = t.params.CooldownTicks
			t.setState(Cooldown)
		}
	case domain.OrderStatusCancelled, domain.OrderStatusFailed:
		if t.pos.Qty > 0 {
			// Only a fill leads back to Holding; an unfilled sell is
			// retried through the bounded close protocol.
			return t.startClose(ctx)
		}
		t.setState(WaitingToBuy)
	}
	return nil
}

// Close starts, or advances by one attempt, the bounded close protocol.
// It is a no-op once the trader is Closed, Retired or in Error.
func (t *Trader) Close(ctx context.Context) error {
	switch t.state {
	case Closing:
		return t.progressClose(ctx)
	case Closed, Retired, Error:
		return nil
	}
	if t.pending == nil && t.pos.Qty == 0 {
		t.setState(Closed)
		return nil
	}
	return t.startClose(ctx)
}

func (t *Trader) startClose(ctx context.Context) error {
	t.attempts = 0
	t.setState(Closing)
	return t.progressClose(ctx)
}

// progressClose makes one close attempt: reconcile any pending order, then
// sell whatever is still held. After MaxCloseAttempts the trader is forced
// to Closed, keeping any unresolved order for reconciliation later.
func (t *Trader) progressClose(ctx context.Context) error {
	t.attempts++

	if t.pending != nil {
		status, err := t.poll(ctx)
		if err != nil {
			t.log.Warn("close poll failed", "attempt", t.attempts, "error", err)
		}
		if err != nil || status == domain.OrderStatusPending {
			t.giveUpAfter(t.closeLimit())
			return nil
		}
	}

	if t.pos.Qty == 0 {
		t.log.Info("position closed", "attempts", t.attempts)
		t.setState(Closed)
		return nil
	}
	// A last sell may go out on the final attempt and be polled once more.
	if t.giveUpAfter(t.closeLimit() + 1) {
		return nil
	}

	order, err := t.broker.Sell(ctx, t.symbol, t.pos.Qty, t.sellPrice(), t.now)
	if err != nil {
		return t.submitFailed("close", err)
	}
	t.pending = order
	t.orders++
	t.log.Info("close submitted", "qty", order.Qty, "attempt", t.attempts, "id", order.ID)
	return nil
}

func (t *Trader) closeLimit() int { return max(t.params.MaxCloseAttempts, 1) }

func (t *Trader) giveUpAfter(limit int) bool {
	if t.attempts < limit {
		return false
	}
	t.log.Warn("close attempts exhausted", "attempts", t.attempts, "qty", t.pos.Qty,
		"pending", t.pending != nil)
	t.setState(Closed)
	return true
}

// Retire takes the trader out of the run for good.
func (t *Trader) Retire() {
	if t.pos.Qty > 0 {
		t.log.Warn("retiring trader with open position", "qty", t.pos.Qty)
	}
	t.setState(Retired)
}

// Fail isolates a faulted trader.
func (t *Trader) Fail(err error) {
	t.err = err
	t.log.Error("trader faulted", "error", err)
	t.setState(Error)
}

// Err returns the fault recorded by Fail.
func (t *Trader) Err() error { return t.err }

// Summary returns the trader's current status line.
func (t *Trader) Summary() domain.Summary {
	return domain.Summary{
		Symbol:    t.symbol,
		State:     t.state.String(),
		Qty:       t.pos.Qty,
		AvgCost:   t.pos.AvgCost,
		Bought:    t.pos.Bought,
		Sold:      t.pos.Sold,
		PnL:       t.pos.PnL(),
		LastPrice: t.quote.Mid(),
		Orders:    t.orders,
		Time:      t.now,
	}
}

func (t *Trader) setState(s State) {
	if s == t.state {
		return
	}
	t.log.Debug("state change", "from", t.state, "to", s)
	t.state = s
}
