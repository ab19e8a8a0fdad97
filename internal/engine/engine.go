// Package engine runs a trading session: it owns perceived time, the roster
// of per-symbol traders and the end-of-run report.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"limitless/internal/broker"
	"limitless/internal/domain"
	"limitless/internal/gather"
	"limitless/internal/report"
	"limitless/internal/screen"
	"limitless/internal/series"
	"limitless/internal/store"
	"limitless/internal/strategy"
	"limitless/internal/util"
)

// Options wires an Engine. Provider, Positions and Reports are optional.
type Options struct {
	RunID     string
	Mode      string
	Simulated bool // backtest: data is preloaded through the end of the run

	Strategy strategy.Strategy
	Params   strategy.Params
	Clock    Clock
	Calendar *util.TradingCalendar
	Series   *series.Store
	Provider gather.Provider
	Broker   broker.Broker
	Screener screen.Screener
	Universe []string // symbols whose data is loaded

	Positions store.PositionStore
	Reports   store.ReportStore

	ActionInterval time.Duration
	Warmup         time.Duration
	UseQuotes      bool
	SummaryEvery   int
	Workers        int
	CloseOnExit    bool

	Out io.Writer
	Log *slog.Logger
}

// Engine is the orchestrator for one run.
type Engine struct {
	opts   Options
	series *series.Store
	log    *slog.Logger

	traders    []*strategy.Trader
	carried    decimal.Decimal
	actions    int
	lastAction time.Time
	closeAt    time.Time // close of the session in progress
}

// New validates opts and creates an Engine.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Strategy == nil:
		return nil, errors.New("engine: strategy is required")
	case opts.Clock == nil:
		return nil, errors.New("engine: clock is required")
	case opts.Broker == nil:
		return nil, errors.New("engine: broker is required")
	case opts.Screener == nil:
		return nil, errors.New("engine: screener is required")
	}
	if opts.Calendar == nil {
		opts.Calendar = util.NewTradingCalendar(domain.MarketUS, nil, util.DefaultUSHours)
	}
	if opts.Series == nil {
		opts.Series = series.New(opts.Calendar)
	}
	if opts.ActionInterval <= 0 {
		opts.ActionInterval = time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Engine{
		opts:   opts,
		series: opts.Series,
		log:    opts.Log.With("component", "engine", "run", opts.RunID),
	}, nil
}

// Traders returns the current roster.
func (e *Engine) Traders() []*strategy.Trader { return e.traders }

// Run drives the session until the clock ends or ctx is cancelled, then
// produces the final report. Cancellation is observed at iteration
// boundaries; in-flight decision steps always complete.
func (e *Engine) Run(ctx context.Context) (*domain.Report, error) {
	start := e.opts.Clock.Now()
	e.log.Info("run starting",
		"mode", e.opts.Mode,
		"strategy", e.opts.Strategy.Name(),
		"broker", e.opts.Broker.Name(),
		"screener", e.opts.Screener.Name(),
		"start", start,
		"end", e.opts.Clock.End(),
	)

	if err := e.warmUp(ctx, start); err != nil {
		return nil, fmt.Errorf("warm-up: %w", err)
	}
	symbols, err := e.opts.Screener.Screen(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("screening: %w", err)
	}
	e.install(start, symbols)
	e.lastAction = start

	for ctx.Err() == nil && e.opts.Clock.Advance(ctx) {
		now := e.opts.Clock.Now()
		e.step(ctx, now)
		e.idle(ctx, now)
	}
	if ctx.Err() != nil {
		e.log.Info("stop requested", "actions", e.actions)
	}

	done := context.WithoutCancel(ctx)
	if e.opts.CloseOnExit {
		e.closeAll(done)
	}
	return e.finish(done, start)
}

// step is one loop iteration.
func (e *Engine) step(ctx context.Context, now time.Time) {
	for _, t := range e.traders {
		t.Tick(now)
	}
	e.sessionClose(ctx, now)
	if now.Sub(e.lastAction) < e.opts.ActionInterval {
		return
	}
	e.lastAction = now
	e.actions++

	if !e.opts.Simulated && e.inSession(now) {
		if err := e.refresh(ctx, now); err != nil {
			e.log.Warn("data refresh failed", "error", err)
		}
	}
	if e.opts.Screener.Due(now) {
		if err := e.rescreen(ctx, now); err != nil {
			e.log.Warn("re-screen failed, keeping roster", "error", err)
		}
	}

	e.push(now)
	e.each(ctx, func(ctx context.Context, t *strategy.Trader) error { return t.Act(ctx) })

	if e.opts.SummaryEvery > 0 && e.actions%e.opts.SummaryEvery == 0 {
		e.summarize(ctx, now)
	}
}

// sessionClose writes a summary on the first iteration at or after each
// regular close.
func (e *Engine) sessionClose(ctx context.Context, now time.Time) {
	if !e.closeAt.IsZero() && !now.Before(e.closeAt) {
		e.log.Info("market closed", "at", e.closeAt)
		e.summarize(ctx, now)
		e.closeAt = time.Time{}
	}
	if e.closeAt.IsZero() && e.opts.Calendar.IsMarketOpen(now) {
		e.closeAt = e.opts.Calendar.NextClose(now)
	}
}

// inSession reports whether new data can arrive or traders can act at now.
func (e *Engine) inSession(now time.Time) bool {
	return e.opts.Calendar.IsMarketOpen(now) || e.opts.Calendar.InActiveWindow(now)
}

// idle sleeps through a closed-market stretch when no trader has work left,
// waking at the next regular open or active window, whichever is first.
func (e *Engine) idle(ctx context.Context, now time.Time) {
	s, ok := e.opts.Clock.(Sleeper)
	if !ok || e.opts.Simulated || e.inSession(now) || e.busy() {
		return
	}
	cal := e.opts.Calendar
	wake := cal.NextOpen(now)
	if start := cal.NextActiveStart(now); !start.IsZero() && (wake.IsZero() || start.Before(wake)) {
		wake = start
	}
	if wake.IsZero() {
		return
	}
	e.log.Info("market closed, idling", "until", wake)
	s.SleepUntil(ctx, wake)
}

// busy reports whether any trader still has something to do.
func (e *Engine) busy() bool {
	for _, t := range e.traders {
		switch t.State() {
		case strategy.Dormant, strategy.Closed, strategy.Retired, strategy.Error:
		default:
			return true
		}
	}
	return false
}

// each runs fn for every trader, at most Workers at a time, and returns once
// all have finished. A panicking trader is moved to Error; errors are logged.
func (e *Engine) each(ctx context.Context, fn func(context.Context, *strategy.Trader) error) {
	ctx = context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for _, t := range e.traders {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					t.Fail(fmt.Errorf("panic: %v", r))
				}
			}()
			if err := fn(ctx, t); err != nil {
				e.log.Warn("decision step failed", "symbol", t.Symbol(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// push hands every trader the latest bar and quote strictly before now.
func (e *Engine) push(now time.Time) {
	for _, t := range e.traders {
		sym := t.Symbol()
		if b, ok := e.series.LatestBarBefore(sym, now); ok {
			t.UpdateBar(&b)
		} else {
			t.UpdateBar(nil)
		}
		if q, ok := e.series.LatestQuoteBefore(sym, now); ok {
			t.UpdateQuote(&q)
		} else {
			t.UpdateQuote(nil)
		}
	}
}

// ---------------------------------------------------------------------------
// Data loading
// ---------------------------------------------------------------------------

// warmUp preloads [start-warmup, start], or through the clock's end in a
// backtest.
func (e *Engine) warmUp(ctx context.Context, start time.Time) error {
	if e.opts.Provider == nil || len(e.opts.Universe) == 0 {
		return nil
	}
	to := start
	if end := e.opts.Clock.End(); e.opts.Simulated && end.After(start) {
		to = end
	}
	return e.load(ctx, start.Add(-e.opts.Warmup), to)
}

// refresh pulls whatever arrived since the oldest per-symbol high-water mark.
func (e *Engine) refresh(ctx context.Context, now time.Time) error {
	if e.opts.Provider == nil || len(e.opts.Universe) == 0 {
		return nil
	}
	var from time.Time
	for _, sym := range e.opts.Universe {
		last, ok := e.series.LastBarTime(sym)
		if !ok {
			from = now.Add(-e.opts.Warmup)
			break
		}
		if from.IsZero() || last.Before(from) {
			from = last
		}
	}
	return e.load(ctx, from, now)
}

func (e *Engine) load(ctx context.Context, from, to time.Time) error {
	bars, err := e.opts.Provider.Bars(ctx, e.opts.Universe, from, to)
	if err != nil {
		return fmt.Errorf("loading bars: %w", err)
	}
	var nBars, nQuotes, nSynth int
	for sym, bs := range bars {
		nBars += e.series.IngestBars(sym, bs)
	}

	observed := make(map[string]bool)
	if e.opts.UseQuotes {
		quotes, err := e.opts.Provider.Quotes(ctx, e.opts.Universe, from, to)
		if err != nil {
			return fmt.Errorf("loading quotes: %w", err)
		}
		for sym, qs := range quotes {
			nQuotes += e.series.IngestQuotes(sym, qs)
			observed[sym] = len(qs) > 0
		}
	}
	// Bars stand in for quotes wherever none were observed.
	for _, sym := range e.opts.Universe {
		if !observed[sym] {
			nSynth += e.series.SynthesizeQuotes(sym)
		}
	}

	e.log.Debug("data loaded", "from", from, "to", to, "bars", nBars, "quotes", nQuotes, "synthetic", nSynth)
	return nil
}

// ---------------------------------------------------------------------------
// Roster
// ---------------------------------------------------------------------------

// install replaces the roster with fresh traders activated at now.
func (e *Engine) install(now time.Time, symbols []string) {
	if len(symbols) == 0 {
		e.log.Warn("screener returned no symbols")
	}
	traders := make([]*strategy.Trader, 0, len(symbols))
	for _, sym := range symbols {
		t := strategy.NewTrader(sym, e.opts.Strategy, e.opts.Broker, e.series, e.opts.Calendar, e.opts.Params, e.opts.Log)

		var bar *domain.Bar
		if b, ok := e.series.LatestBarBefore(sym, now); ok {
			bar = &b
		}
		var quote *domain.Quote
		if q, ok := e.series.LatestQuoteBefore(sym, now); ok {
			quote = &q
		}
		t.Activate(now, bar, quote)
		traders = append(traders, t)
	}
	e.traders = traders
	e.log.Info("roster built", "symbols", symbols)
}

// rescreen rebuilds the roster from scratch. Realized P&L of discarded
// traders is carried into the run total.
func (e *Engine) rescreen(ctx context.Context, now time.Time) error {
	symbols, err := e.opts.Screener.Screen(ctx, now)
	if err != nil {
		return err
	}
	for _, t := range e.traders {
		e.carried = e.carried.Add(t.Summary().PnL)
		t.Retire()
	}
	e.log.Info("re-screened", "discarded", len(e.traders), "carried", e.carried.StringFixed(2))
	e.install(now, symbols)
	return nil
}

// closeAll drives every trader through the bounded close protocol.
func (e *Engine) closeAll(ctx context.Context) {
	rounds := max(e.opts.Params.MaxCloseAttempts, 1) + 2
	for range rounds {
		open := 0
		for _, t := range e.traders {
			switch t.State() {
			case strategy.Closed, strategy.Retired, strategy.Error:
			default:
				open++
			}
		}
		if open == 0 {
			return
		}
		e.each(ctx, func(ctx context.Context, t *strategy.Trader) error { return t.Close(ctx) })
	}
}

// ---------------------------------------------------------------------------
// Reporting
// ---------------------------------------------------------------------------

func (e *Engine) summaries() []domain.Summary {
	out := make([]domain.Summary, 0, len(e.traders))
	for _, t := range e.traders {
		out = append(out, t.Summary())
	}
	return out
}

func (e *Engine) total(sums []domain.Summary) decimal.Decimal {
	total := e.carried
	for _, s := range sums {
		total = total.Add(s.PnL)
	}
	return total
}

// summarize writes the periodic status block and snapshots positions.
func (e *Engine) summarize(ctx context.Context, now time.Time) {
	sums := e.summaries()
	if err := report.WriteSummaries(e.opts.Out, now, sums); err != nil {
		e.log.Warn("writing summary failed", "error", err)
	}
	e.log.Info("summary", "actions", e.actions, "traders", len(sums), "pnl", e.total(sums).StringFixed(2))
	e.snapshot(ctx, now)
}

func (e *Engine) snapshot(ctx context.Context, now time.Time) {
	if e.opts.Positions == nil {
		return
	}
	for _, t := range e.traders {
		pos := t.Position()
		if err := e.opts.Positions.SavePosition(ctx, &pos, now); err != nil {
			e.log.Warn("saving position failed", "symbol", pos.Symbol, "error", err)
		}
	}
}

func (e *Engine) finish(ctx context.Context, start time.Time) (*domain.Report, error) {
	end := e.opts.Clock.Now()
	rep := report.Build(e.opts.RunID, e.opts.Mode, start, end, e.summaries(), e.carried)

	if err := report.Write(e.opts.Out, rep); err != nil {
		e.log.Warn("writing report failed", "error", err)
	}
	e.snapshot(ctx, end)
	if e.opts.Reports != nil {
		if err := e.opts.Reports.SaveReport(ctx, &rep); err != nil {
			return &rep, fmt.Errorf("saving report: %w", err)
		}
	}

	e.log.Info("run finished",
		"actions", e.actions,
		"traders", len(rep.Symbols),
		"pnl", rep.TotalPnL.StringFixed(2),
	)
	return &rep, nil
}
