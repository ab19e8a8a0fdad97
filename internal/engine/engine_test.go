package engine

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limitless/internal/broker"
	"limitless/internal/domain"
	"limitless/internal/screen"
	"limitless/internal/strategy"
	"limitless/internal/util"
)

// 2025-03-04 is a Tuesday; 14:30 UTC is the 09:30 ET open.
var t0 = time.Date(2025, 3, 4, 14, 30, 0, 0, time.UTC)

func at(min int) time.Time { return t0.Add(time.Duration(min) * time.Minute) }

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type providerCall struct{ from, to time.Time }

type fakeProvider struct {
	bars  map[string][]domain.Bar
	calls []providerCall
}

func (p *fakeProvider) Bars(_ context.Context, symbols []string, start, end time.Time) (map[string][]domain.Bar, error) {
	p.calls = append(p.calls, providerCall{start, end})
	out := map[string][]domain.Bar{}
	for _, sym := range symbols {
		for _, b := range p.bars[sym] {
			if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
				out[sym] = append(out[sym], b)
			}
		}
	}
	return out, nil
}

func (p *fakeProvider) Quotes(context.Context, []string, time.Time, time.Time) (map[string][]domain.Quote, error) {
	return nil, nil
}

// rising is flat at 100 before the open, then gains 0.50 a minute.
func rising(symbol string) []domain.Bar {
	var bars []domain.Bar
	for m := -30; m <= 60; m++ {
		c := 100.0
		if m > 0 {
			c += 0.5 * float64(m)
		}
		bars = append(bars, domain.Bar{Symbol: symbol, Timestamp: at(m), Open: c, High: c, Low: c, Close: c, Volume: 100})
	}
	return bars
}

func flat(symbol string, price float64) []domain.Bar {
	var bars []domain.Bar
	for m := -30; m <= 60; m++ {
		bars = append(bars, domain.Bar{Symbol: symbol, Timestamp: at(m), Open: price, High: price, Low: price, Close: price, Volume: 100})
	}
	return bars
}

// buyAlways enters whenever a price is known and exits on the stop band.
type buyAlways struct{ strategy.StopBand }

func (buyAlways) Name() string                     { return "buy-always" }
func (buyAlways) ShouldEnter(v strategy.View) bool { return v.Quote.AskPrice > 0 }

type panicky struct{ buyAlways }

func (panicky) ShouldEnter(v strategy.View) bool {
	if v.Symbol == "BAD" {
		panic("bad symbol")
	}
	return v.Quote.AskPrice > 0
}

type scriptScreener struct {
	lists [][]string
	dueAt time.Time
	calls int
}

func (s *scriptScreener) Name() string { return "script" }

func (s *scriptScreener) Screen(context.Context, time.Time) ([]string, error) {
	list := s.lists[min(s.calls, len(s.lists)-1)]
	s.calls++
	return list, nil
}

func (s *scriptScreener) Due(now time.Time) bool {
	return s.calls == 1 && !now.Before(s.dueAt)
}

type fakeStores struct {
	positions []domain.Position
	reports   []domain.Report
}

func (f *fakeStores) SavePosition(_ context.Context, p *domain.Position, _ time.Time) error {
	f.positions = append(f.positions, *p)
	return nil
}

func (f *fakeStores) ListPositions(context.Context) ([]domain.Position, error) {
	return f.positions, nil
}

func (f *fakeStores) SaveReport(_ context.Context, r *domain.Report) error {
	f.reports = append(f.reports, *r)
	return nil
}

func (f *fakeStores) GetReport(context.Context, string) (*domain.Report, error) { return nil, nil }

func testOptions(provider *fakeProvider, symbols ...string) Options {
	return Options{
		RunID:     "test-run",
		Mode:      "backtest",
		Simulated: true,
		Strategy:  buyAlways{},
		Params: strategy.Params{
			CooldownTicks:        5,
			StopLossProportion:   decimal.RequireFromString("0.98"),
			TakeProfitProportion: decimal.RequireFromString("1.04"),
			MaxCloseAttempts:     3,
		},
		Clock:          NewSimClock(t0, at(20), time.Minute),
		Provider:       provider,
		Broker:         broker.NewSimulatorBroker(broker.NewLimits(1000, 500)),
		Screener:       screen.NewStatic(symbols),
		Universe:       symbols,
		ActionInterval: time.Minute,
		Warmup:         time.Hour,
		Workers:        4,
		Log:            util.Discard(),
	}
}

func summaryFor(t *testing.T, r *domain.Report, symbol string) domain.Summary {
	t.Helper()
	for _, s := range r.Symbols {
		if s.Symbol == symbol {
			return s
		}
	}
	t.Fatalf("no summary for %s", symbol)
	return domain.Summary{}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestNewRequiresCollaborators(t *testing.T) {
	opts := testOptions(&fakeProvider{}, "AAA")
	opts.Broker = nil
	_, err := New(opts)
	require.Error(t, err)

	opts = testOptions(&fakeProvider{}, "AAA")
	opts.Clock = nil
	_, err = New(opts)
	require.Error(t, err)
}

func TestEngineRoundTrip(t *testing.T) {
	provider := &fakeProvider{bars: map[string][]domain.Bar{"AAA": rising("AAA")}}
	e, err := New(testOptions(provider, "AAA"))
	require.NoError(t, err)

	rep, err := e.Run(context.Background())
	require.NoError(t, err)

	// Buy 10 @ 100, take profit 10 @ 104.50, cool down, buy 9 @ 108.
	s := summaryFor(t, rep, "AAA")
	assert.Equal(t, "holding", s.State)
	assert.Equal(t, int64(9), s.Qty)
	assert.Equal(t, 3, s.Orders)
	assert.True(t, s.Bought.Equal(decimal.NewFromInt(1972)), "bought %s", s.Bought)
	assert.True(t, s.Sold.Equal(decimal.NewFromInt(1045)), "sold %s", s.Sold)
	assert.True(t, rep.TotalPnL.Equal(decimal.NewFromInt(45)), "pnl %s", rep.TotalPnL)
	assert.Equal(t, t0, rep.Start)
	assert.Equal(t, at(20), rep.End)

	require.Len(t, provider.calls, 1, "backtests preload once")
	assert.Equal(t, t0.Add(-time.Hour), provider.calls[0].from)
	assert.Equal(t, at(20), provider.calls[0].to)
}

func TestEngineCloseOnExit(t *testing.T) {
	provider := &fakeProvider{bars: map[string][]domain.Bar{"AAA": rising("AAA")}}
	opts := testOptions(provider, "AAA")
	opts.CloseOnExit = true
	e, err := New(opts)
	require.NoError(t, err)

	rep, err := e.Run(context.Background())
	require.NoError(t, err)

	s := summaryFor(t, rep, "AAA")
	assert.Equal(t, "closed", s.State)
	assert.Zero(t, s.Qty)
	// Second lot sold at the last price, 109.50.
	assert.True(t, rep.TotalPnL.Equal(decimal.RequireFromString("58.5")), "pnl %s", rep.TotalPnL)
}

func TestEngineRescreenCarriesPnL(t *testing.T) {
	provider := &fakeProvider{bars: map[string][]domain.Bar{
		"AAA": rising("AAA"),
		"BBB": flat("BBB", 50),
	}}
	opts := testOptions(provider, "AAA", "BBB")
	sc := &scriptScreener{lists: [][]string{{"AAA"}, {"BBB"}}, dueAt: at(15)}
	opts.Screener = sc
	e, err := New(opts)
	require.NoError(t, err)

	rep, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, sc.calls)
	require.Len(t, rep.Symbols, 1)
	assert.Equal(t, "BBB", rep.Symbols[0].Symbol)
	assert.Equal(t, int64(20), rep.Symbols[0].Qty)
	assert.True(t, rep.Carried.Equal(decimal.NewFromInt(45)), "carried %s", rep.Carried)
	assert.True(t, rep.TotalPnL.Equal(decimal.NewFromInt(45)), "pnl %s", rep.TotalPnL)
}

func TestEngineIsolatesPanickingTrader(t *testing.T) {
	provider := &fakeProvider{bars: map[string][]domain.Bar{
		"AAA": rising("AAA"),
		"BAD": flat("BAD", 50),
	}}
	opts := testOptions(provider, "AAA", "BAD")
	opts.Strategy = panicky{}
	e, err := New(opts)
	require.NoError(t, err)

	rep, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "error", summaryFor(t, rep, "BAD").State)
	good := summaryFor(t, rep, "AAA")
	assert.Equal(t, int64(9), good.Qty)
	assert.True(t, rep.TotalPnL.Equal(decimal.NewFromInt(45)))

	var faulted *strategy.Trader
	for _, tr := range e.Traders() {
		if tr.Symbol() == "BAD" {
			faulted = tr
		}
	}
	require.NotNil(t, faulted)
	require.Error(t, faulted.Err())
	assert.Contains(t, faulted.Err().Error(), "bad symbol")
}

func TestEngineSummariesAndStores(t *testing.T) {
	provider := &fakeProvider{bars: map[string][]domain.Bar{"AAA": rising("AAA")}}
	stores := &fakeStores{}
	var out bytes.Buffer
	opts := testOptions(provider, "AAA")
	opts.SummaryEvery = 5
	opts.Positions = stores
	opts.Reports = stores
	opts.Out = &out
	e, err := New(opts)
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.NoError(t, err)

	// 20 actions: 4 periodic snapshots plus the final one.
	assert.Len(t, stores.positions, 5)
	require.Len(t, stores.reports, 1)
	assert.Equal(t, "test-run", stores.reports[0].RunID)

	text := out.String()
	assert.Equal(t, 4, strings.Count(text, "--- "))
	assert.Contains(t, text, "total pnl: +45.00")
}

func TestEngineStopsAtIterationBoundary(t *testing.T) {
	provider := &fakeProvider{bars: map[string][]domain.Bar{"AAA": rising("AAA")}}
	e, err := New(testOptions(provider, "AAA"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := e.Run(ctx)
	require.NoError(t, err)

	s := summaryFor(t, rep, "AAA")
	assert.Equal(t, "waiting-to-buy", s.State)
	assert.Zero(t, s.Orders)
	assert.Equal(t, t0, rep.End)
}

func TestEngineLiveRefreshesData(t *testing.T) {
	provider := &fakeProvider{bars: map[string][]domain.Bar{"AAA": rising("AAA")}}
	opts := testOptions(provider, "AAA")
	opts.Simulated = false
	opts.Mode = "paper"

	now := t0
	opts.Clock = &WallClock{
		poll:  time.Minute,
		end:   at(3),
		now:   func() time.Time { return now },
		sleep: func(_ context.Context, d time.Duration) error { now = now.Add(d); return nil },
	}
	e, err := New(opts)
	require.NoError(t, err)

	rep, err := e.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, provider.calls, 4, "warm-up plus one refresh per action")
	assert.Equal(t, providerCall{t0.Add(-time.Hour), t0}, provider.calls[0])
	assert.Equal(t, providerCall{t0, at(1)}, provider.calls[1], "refresh starts at the high-water mark")
	assert.Equal(t, providerCall{at(2), at(3)}, provider.calls[3])

	s := summaryFor(t, rep, "AAA")
	assert.Equal(t, int64(10), s.Qty)
	assert.Equal(t, "holding", s.State)
}

func TestEngineIdlesThroughClosedMarket(t *testing.T) {
	provider := &fakeProvider{bars: map[string][]domain.Bar{"AAA": rising("AAA")}}
	opts := testOptions(provider, "AAA")
	opts.Simulated = false
	opts.Mode = "paper"

	// Saturday noon ET; Monday 2025-03-10 opens at 13:30 UTC after the DST switch.
	start := time.Date(2025, 3, 8, 17, 0, 0, 0, time.UTC)
	monOpen := time.Date(2025, 3, 10, 13, 30, 0, 0, time.UTC)
	now := start
	var wakes []time.Time
	opts.Clock = &WallClock{
		poll: time.Minute,
		end:  monOpen.Add(5 * time.Minute),
		now:  func() time.Time { return now },
		sleep: func(_ context.Context, d time.Duration) error {
			now = now.Add(d)
			wakes = append(wakes, now)
			return nil
		},
	}
	e, err := New(opts)
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.NoError(t, err)

	assert.Contains(t, wakes, monOpen, "slept straight to the open")
	assert.Less(t, len(wakes), 10, "no minute-by-minute polling over the weekend")

	require.NotEmpty(t, provider.calls)
	for _, c := range provider.calls[1:] {
		assert.False(t, c.to.Before(monOpen), "no refresh while closed: %v", c.to)
	}
	assert.Greater(t, len(provider.calls), 1, "refreshes resume after the open")
}

func TestEngineSummarizesAtSessionClose(t *testing.T) {
	provider := &fakeProvider{bars: map[string][]domain.Bar{"AAA": rising("AAA")}}
	stores := &fakeStores{}
	var out bytes.Buffer
	opts := testOptions(provider, "AAA")
	// 15:55 to 16:05 ET on 2025-03-04.
	opts.Clock = NewSimClock(time.Date(2025, 3, 4, 20, 55, 0, 0, time.UTC), time.Date(2025, 3, 4, 21, 5, 0, 0, time.UTC), time.Minute)
	opts.Positions = stores
	opts.Out = &out
	e, err := New(opts)
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(out.String(), "--- "), "one summary at the close")
	assert.Len(t, stores.positions, 2, "close snapshot plus the final one")
}
