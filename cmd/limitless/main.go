package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"limitless/internal/config"
	"limitless/internal/engine"
	"limitless/internal/gather/us"
	"limitless/internal/store"
	"limitless/internal/util"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cmd := &cli.Command{
		Name:  "limitless",
		Usage: "Backtest and run per-symbol trading strategies against Alpaca",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration `FILE`",
				Value:   "config/limitless.yaml",
				Sources: cli.EnvVars("LIMITLESS_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			backfillCommand(),
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(_ context.Context, _ *cli.Command) error {
					fmt.Println(version)
					return nil
				},
			},
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.Run(ctx, os.Args)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "limitless:", err)
		os.Exit(1)
	}
}

// setup loads the configuration, applies the --symbols override and installs
// the default logger.
func setup(cmd *cli.Command) (*config.Config, *slog.Logger, error) {
	path := cmd.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if syms := cmd.StringSlice("symbols"); len(syms) > 0 {
		cfg.Trading.Symbols = syms
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	util.SetDefault(logger)
	logger.Info("config loaded",
		"path", path,
		"mode", cfg.Session.Mode,
		"alpaca", cfg.Alpaca,
		"strategy", cfg.Trading.Strategy,
		"symbols", cfg.Trading.Symbols,
		"screener", cfg.Screener.Kind,
	)
	return cfg, logger, nil
}

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run a backtest, paper or live session as configured",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "symbols",
				Usage: "Override trading.symbols",
			},
			&cli.BoolFlag{
				Name:  "close-on-exit",
				Usage: "Close every open position when the session ends",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			if cmd.Bool("close-on-exit") {
				cfg.Trading.CloseOnExit = true
			}

			e, closeDB, err := engine.Build(ctx, cfg, os.Stdout, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := closeDB(); err != nil {
					logger.Warn("closing run database", "error", err)
				}
			}()

			_, err = e.Run(ctx)
			return err
		},
	}
}

// ---------------------------------------------------------------------------
// backfill
// ---------------------------------------------------------------------------

func backfillCommand() *cli.Command {
	layouts := cli.TimestampConfig{Layouts: []string{"2006-01-02", time.RFC3339}}
	return &cli.Command{
		Name:  "backfill",
		Usage: "Download minute bars into the local parquet cache",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "symbols",
				Usage: "Symbols to fetch (default: trading.symbols plus screener.universe)",
			},
			&cli.TimestampFlag{
				Name:   "start",
				Usage:  "First `DATE` to fetch (default: backtest_start minus the warm-up)",
				Config: layouts,
			},
			&cli.TimestampFlag{
				Name:   "end",
				Usage:  "Last `DATE` to fetch (default: latest finished trading day)",
				Config: layouts,
			},
			&cli.BoolFlag{
				Name:  "quotes",
				Usage: "Also fetch quotes",
			},
		},
		Action: backfill,
	}
}

func backfill(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
		return fmt.Errorf("backfill needs alpaca credentials (APCA_API_KEY_ID, APCA_API_SECRET_KEY)")
	}

	cal, err := engine.Calendar(cfg.Session)
	if err != nil {
		return err
	}

	start, end := cmd.Timestamp("start"), cmd.Timestamp("end")
	if start.IsZero() && cfg.Session.BacktestStart != "" {
		s, _, err := cfg.Session.Bounds()
		if err != nil {
			return err
		}
		start = s.AddDate(0, 0, -cfg.Session.WarmupDays)
	}
	if start.IsZero() {
		return fmt.Errorf("backfill: --start is required when session.backtest_start is unset")
	}

	now := time.Now()
	client := us.NewCalendarClient(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
	var sessions []util.Session
	err = util.Retry(ctx, 3, time.Second, func() (err error) {
		sessions, err = us.Sessions(client, start, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("loading trading calendar: %w", err)
	}
	cal.SetSessions(sessions)

	latest, err := us.LatestFinishedTradingDay(sessions, now, cal.Location())
	if err != nil {
		return err
	}
	if end.IsZero() || end.After(latest) {
		end = latest
	}

	symbols := engine.Universe(cfg)
	if len(symbols) == 0 {
		return fmt.Errorf("backfill: no symbols configured")
	}

	opts := us.DefaultProviderOptions
	opts.Feed = cfg.Alpaca.Feed
	upstream := us.NewAlpacaProvider(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, opts, logger)

	b := us.NewBackfiller(upstream, store.NewParquetStore(cfg.Storage.DataDir), cal, cfg.Storage.DataDir,
		us.BackfillOptions{
			Symbols:   symbols,
			Start:     start,
			End:       end,
			BatchSize: opts.BatchSize,
			Workers:   cfg.Trading.Workers,
			Quotes:    cmd.Bool("quotes") || cfg.Session.UseQuotes,
		}, logger)

	logger.Info("backfill starting",
		"symbols", len(symbols),
		"start", start.Format(time.DateOnly),
		"end", end.Format(time.DateOnly),
	)
	return b.Run(ctx)
}
