package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"limitless/internal/broker"
	"limitless/internal/config"
	"limitless/internal/domain"
	"limitless/internal/gather"
	"limitless/internal/gather/us"
	"limitless/internal/screen"
	"limitless/internal/series"
	"limitless/internal/store"
	"limitless/internal/strategy"
	"limitless/internal/strategy/builtins"
	"limitless/internal/util"
)

// Calendar builds the trading calendar described by the session config.
func Calendar(s config.Session) (*util.TradingCalendar, error) {
	loc, err := s.Location()
	if err != nil {
		return nil, err
	}
	var hours util.CalendarHours
	for _, f := range []struct {
		dst *util.TimeOfDay
		src string
	}{
		{&hours.RegularOpen, s.RegularOpen},
		{&hours.RegularClose, s.RegularClose},
		{&hours.ActiveStart, s.ActiveStart},
		{&hours.ActiveEnd, s.ActiveEnd},
	} {
		if *f.dst, err = util.ParseTimeOfDay(f.src); err != nil {
			return nil, err
		}
	}
	return util.NewTradingCalendar(domain.MarketUS, loc, hours), nil
}

// DataProvider returns the parquet-cached provider for cfg. Without
// credentials only cached data is served.
func DataProvider(cfg *config.Config, log *slog.Logger) (*gather.CachedProvider, *store.ParquetStore) {
	cache := store.NewParquetStore(cfg.Storage.DataDir)
	var upstream gather.Provider
	if cfg.Alpaca.APIKey != "" && cfg.Alpaca.APISecret != "" {
		opts := us.DefaultProviderOptions
		opts.Feed = cfg.Alpaca.Feed
		upstream = us.NewAlpacaProvider(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, opts, log)
	} else {
		log.Info("no alpaca credentials, serving cached market data only")
	}
	return gather.NewCachedProvider(upstream, cache, log), cache
}

// Universe is every symbol whose data the run needs, upper-cased and deduped.
func Universe(cfg *config.Config) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range [][]string{cfg.Trading.Symbols, cfg.Screener.Universe} {
		for _, s := range list {
			s = strings.ToUpper(strings.TrimSpace(s))
			if _, dup := seen[s]; dup || s == "" {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// Build wires an Engine from configuration. The returned close function
// releases the run database.
func Build(ctx context.Context, cfg *config.Config, out io.Writer, log *slog.Logger) (*Engine, func() error, error) {
	cal, err := Calendar(cfg.Session)
	if err != nil {
		return nil, nil, fmt.Errorf("calendar: %w", err)
	}

	registry := strategy.NewRegistry()
	builtins.Register(registry, cfg.Trading.SMADays)
	strat, ok := registry.Get(cfg.Trading.Strategy)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q (available: %s)", strategy.ErrUnknownStrategy,
			cfg.Trading.Strategy, strings.Join(registry.List(), ", "))
	}

	runID := uuid.NewString()
	log = log.With("run", runID)
	provider, _ := DataProvider(cfg, log)
	data := series.New(cal)
	universe := Universe(cfg)
	warmup := time.Duration(cfg.Session.WarmupDays) * 24 * time.Hour

	limits := broker.NewLimits(cfg.Trading.MaxSpendPerBuy, cfg.Trading.MaxSharePrice)
	var (
		b     broker.Broker
		clock Clock
	)
	if cfg.Session.Simulated() {
		start, end, err := cfg.Session.Bounds()
		if err != nil {
			return nil, nil, err
		}
		b = broker.NewSimulatorBroker(limits)
		clock = NewSimClock(start, end, cfg.Session.Step())
	} else {
		b = broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, limits, log)
		loadSessions(ctx, cfg, cal, warmup, log)
		poll := cfg.Session.Step()
		if iv := cfg.Trading.ActionInterval(); iv > 0 && iv < poll {
			poll = iv
		}
		clock = NewWallClock(poll, time.Duration(cfg.Session.RunSeconds)*time.Second)
	}
	b = broker.NewRiskManager(b, limits, decimal.NewFromFloat(cfg.Trading.MaxSpendPerRun), log)

	opts := Options{
		RunID:     runID,
		Mode:      cfg.Session.Mode,
		Simulated: cfg.Session.Simulated(),
		Strategy:  strat,
		Params: strategy.Params{
			CooldownTicks:          cfg.Trading.CooldownTicks,
			StopLossProportion:     decimal.NewFromFloat(cfg.Trading.StopLossProportion),
			TakeProfitProportion:   decimal.NewFromFloat(cfg.Trading.TakeProfitProportion),
			TrailingStopProportion: decimal.NewFromFloat(cfg.Trading.TrailingStopProportion),
			MaxCloseAttempts:       cfg.Trading.MaxCloseAttempts,
		},
		Clock:          clock,
		Calendar:       cal,
		Series:         data,
		Provider:       provider,
		Screener:       newScreener(cfg, data),
		Universe:       universe,
		ActionInterval: cfg.Trading.ActionInterval(),
		Warmup:         warmup,
		UseQuotes:      cfg.Session.UseQuotes,
		SummaryEvery:   cfg.Trading.SummaryEvery,
		Workers:        cfg.Trading.Workers,
		CloseOnExit:    cfg.Trading.CloseOnExit,
		Out:            out,
		Log:            log,
	}

	closeFn := func() error { return nil }
	if path := cfg.Storage.SQLitePath; path != "" {
		db, err := store.NewSQLiteStore(path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening run database: %w", err)
		}
		run := db.WithRun(runID)
		b = broker.NewJournaledBroker(b, run, log)
		opts.Positions = run
		opts.Reports = run
		closeFn = db.Close
	}
	opts.Broker = b

	e, err := New(opts)
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}
	return e, closeFn, nil
}

func newScreener(cfg *config.Config, data *series.Store) screen.Screener {
	if cfg.Screener.Kind == config.ScreenerActivity {
		universe := cfg.Screener.Universe
		if len(universe) == 0 {
			universe = cfg.Trading.Symbols
		}
		return screen.NewActivity(data, universe, cfg.Screener.Top, cfg.Screener.Interval())
	}
	return screen.NewStatic(cfg.Trading.Symbols)
}

// loadSessions installs the broker's exchange calendar. On failure the
// calendar keeps inferring weekdays.
func loadSessions(ctx context.Context, cfg *config.Config, cal *util.TradingCalendar, warmup time.Duration, log *slog.Logger) {
	client := us.NewCalendarClient(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
	now := time.Now()
	var sessions []util.Session
	err := util.Retry(ctx, 3, time.Second, func() (err error) {
		sessions, err = us.Sessions(client, now.Add(-warmup).AddDate(0, 0, -7), now.AddDate(0, 0, 30))
		return err
	})
	if err != nil {
		log.Warn("loading trading calendar failed, assuming weekday sessions", "error", err)
		return
	}
	cal.SetSessions(sessions)
	log.Info("trading calendar loaded", "sessions", len(sessions))
}
