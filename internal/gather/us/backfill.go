package us

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"limitless/internal/gather"
	"limitless/internal/util"
)

var _ gather.Gatherer = (*Backfiller)(nil)

// ---------------------------------------------------------------------------
// Backfiller
// ---------------------------------------------------------------------------

// BackfillOptions selects what the Backfiller fetches.
type BackfillOptions struct {
	Symbols   []string
	Start     time.Time
	End       time.Time
	BatchSize int // symbols per provider call
	Workers   int // concurrent batches
	Quotes    bool
}

// Backfiller downloads minute bars (and optionally quotes) for every trading
// day in a range into whole-day cache partitions. Days already cached are
// skipped, so it is resumable after a crash.
type Backfiller struct {
	provider gather.Provider
	cache    gather.DayCache
	cal      *util.TradingCalendar
	opts     BackfillOptions
	barsDir  string
	now      func() time.Time
	log      *slog.Logger
}

// NewBackfiller creates a Backfiller writing into cache. dataDir is the
// cache root, used for the completion marker.
func NewBackfiller(provider gather.Provider, cache gather.DayCache, cal *util.TradingCalendar, dataDir string, opts BackfillOptions, log *slog.Logger) *Backfiller {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultProviderOptions.BatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Backfiller{
		provider: provider,
		cache:    cache,
		cal:      cal,
		opts:     opts,
		barsDir:  filepath.Join(dataDir, "us", "bars"),
		now:      time.Now,
		log:      log.With("gatherer", "us-backfill"),
	}
}

// Name returns the gatherer identifier.
func (b *Backfiller) Name() string { return "us-backfill" }

// Days returns the UTC partitions of every finished trading day from the
// date of Start through the date of End, both inclusive. Dates are read in
// the inputs' own zones.
func (b *Backfiller) Days() []time.Time {
	loc := b.cal.Location()
	now := b.now()
	last := dateOf(b.opts.End)
	var days []time.Time
	for day := dateOf(b.opts.Start); !day.After(last); day = day.AddDate(0, 0, 1) {
		if !b.cal.IsTradingDay(time.Date(day.Year(), day.Month(), day.Day(), 12, 0, 0, 0, loc)) {
			continue
		}
		if day.Add(24 * time.Hour).After(now) {
			break
		}
		days = append(days, day)
	}
	return days
}

// dateOf is t's calendar date as a UTC midnight.
func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

type backfillTask struct {
	day     time.Time
	symbols []string
}

// Run fetches every missing (symbol, day) partition. Failed batches are
// logged and counted; Run reports an error if any failed.
func (b *Backfiller) Run(ctx context.Context) error {
	days := b.Days()
	if len(days) == 0 {
		b.log.Info("no finished trading days in range")
		return nil
	}
	endDate := days[len(days)-1].Format("2006-01-02")

	tracker, err := newProgressTracker(b.barsDir)
	if err != nil {
		return fmt.Errorf("creating progress tracker: %w", err)
	}
	if tracker.IsCompleted(endDate, b.opts.Symbols) {
		b.log.Info("already completed", "endDate", endDate)
		return nil
	}

	var tasks []backfillTask
	for _, day := range days {
		var missing []string
		for _, sym := range b.opts.Symbols {
			if !b.cache.HasBarDay(sym, day) || (b.opts.Quotes && !b.cache.HasQuoteDay(sym, day)) {
				missing = append(missing, sym)
			}
		}
		for _, batch := range batches(missing, b.opts.BatchSize) {
			tasks = append(tasks, backfillTask{day: day, symbols: batch})
		}
	}

	b.log.Info("starting backfill",
		"days", len(days),
		"symbols", len(b.opts.Symbols),
		"batches", len(tasks),
		"endDate", endDate,
	)

	var (
		done     atomic.Int64
		failed   atomic.Int64
		runStart = time.Now()
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Workers)
	for i, task := range tasks {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := b.fetchDay(gctx, task); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed.Add(1)
				b.log.Error("batch failed",
					"batch", fmt.Sprintf("%d/%d", i+1, len(tasks)),
					"day", task.day.Format("2006-01-02"),
					"err", err,
				)
				return nil
			}
			b.log.Info("batch done",
				"batch", fmt.Sprintf("%d/%d", done.Add(1), len(tasks)),
				"day", task.day.Format("2006-01-02"),
				"symbols", len(task.symbols),
				"elapsed", time.Since(runStart).Round(time.Second),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("backfill: %d of %d batches failed", n, len(tasks))
	}

	if err := tracker.MarkCompleted(endDate, b.opts.Symbols); err != nil {
		return fmt.Errorf("marking completed: %w", err)
	}
	b.log.Info("complete", "batches", len(tasks), "elapsed", time.Since(runStart).Round(time.Second))
	return nil
}

// fetchDay fetches one batch for one day and writes a partition per symbol,
// empty ones included.
func (b *Backfiller) fetchDay(ctx context.Context, t backfillTask) error {
	end := t.day.Add(24*time.Hour - time.Millisecond)

	bars, err := b.provider.Bars(ctx, t.symbols, t.day, end)
	if err != nil {
		return err
	}
	for _, sym := range t.symbols {
		if err := b.cache.WriteBarDay(ctx, sym, t.day, bars[sym]); err != nil {
			return fmt.Errorf("writing bars %s: %w", sym, err)
		}
	}

	if !b.opts.Quotes {
		return nil
	}
	quotes, err := b.provider.Quotes(ctx, t.symbols, t.day, end)
	if err != nil {
		return err
	}
	for _, sym := range t.symbols {
		if err := b.cache.WriteQuoteDay(ctx, sym, t.day, quotes[sym]); err != nil {
			return fmt.Errorf("writing quotes %s: %w", sym, err)
		}
	}
	return nil
}
