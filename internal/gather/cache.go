package gather

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"limitless/internal/domain"
)

// DayCache stores bars and quotes in whole-day partitions. A partition that
// exists, even empty, has been fetched. *store.ParquetStore satisfies it.
type DayCache interface {
	HasBarDay(symbol string, day time.Time) bool
	WriteBarDay(ctx context.Context, symbol string, day time.Time, bars []domain.Bar) error
	ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)

	HasQuoteDay(symbol string, day time.Time) bool
	WriteQuoteDay(ctx context.Context, symbol string, day time.Time, quotes []domain.Quote) error
	ReadQuotes(ctx context.Context, symbol string, start, end time.Time) ([]domain.Quote, error)
}

// Compile-time interface check.
var _ Provider = (*CachedProvider)(nil)

// CachedProvider serves completed days from a DayCache, fetching and
// persisting missing ones from upstream. Days that have not ended yet are
// always fetched live and never cached. A nil upstream serves the cache only.
type CachedProvider struct {
	upstream Provider
	cache    DayCache
	now      func() time.Time
	log      *slog.Logger
}

// NewCachedProvider wraps upstream with cache.
func NewCachedProvider(upstream Provider, cache DayCache, log *slog.Logger) *CachedProvider {
	if log == nil {
		log = slog.Default()
	}
	return &CachedProvider{
		upstream: upstream,
		cache:    cache,
		now:      time.Now,
		log:      log.With("component", "cached-provider"),
	}
}

// Bars returns minute bars for symbols in [start, end].
func (p *CachedProvider) Bars(ctx context.Context, symbols []string, start, end time.Time) (map[string][]domain.Bar, error) {
	return fetchCached(ctx, p, symbols, DateRange{start, end}, dayOps[domain.Bar]{
		has:   p.cache.HasBarDay,
		write: p.cache.WriteBarDay,
		read:  p.cache.ReadBars,
		fetch: p.upstreamBars,
	})
}

// Quotes returns quotes for symbols in [start, end].
func (p *CachedProvider) Quotes(ctx context.Context, symbols []string, start, end time.Time) (map[string][]domain.Quote, error) {
	return fetchCached(ctx, p, symbols, DateRange{start, end}, dayOps[domain.Quote]{
		has:   p.cache.HasQuoteDay,
		write: p.cache.WriteQuoteDay,
		read:  p.cache.ReadQuotes,
		fetch: p.upstreamQuotes,
	})
}

func (p *CachedProvider) upstreamBars(ctx context.Context, symbols []string, r DateRange) (map[string][]domain.Bar, error) {
	return p.upstream.Bars(ctx, symbols, r.Start, r.End)
}

func (p *CachedProvider) upstreamQuotes(ctx context.Context, symbols []string, r DateRange) (map[string][]domain.Quote, error) {
	return p.upstream.Quotes(ctx, symbols, r.Start, r.End)
}

type dayOps[T any] struct {
	has   func(symbol string, day time.Time) bool
	write func(ctx context.Context, symbol string, day time.Time, items []T) error
	read  func(ctx context.Context, symbol string, start, end time.Time) ([]T, error)
	fetch func(ctx context.Context, symbols []string, r DateRange) (map[string][]T, error)
}

func fetchCached[T any](ctx context.Context, p *CachedProvider, symbols []string, r DateRange, ops dayOps[T]) (map[string][]T, error) {
	out := make(map[string][]T, len(symbols))
	now := p.now()

	for _, day := range r.Days() {
		span := r.clip(day)
		complete := !day.Add(24 * time.Hour).After(now)

		if !complete {
			if p.upstream == nil {
				continue
			}
			live, err := ops.fetch(ctx, symbols, span)
			if err != nil {
				return nil, fmt.Errorf("fetching %s: %w", day.Format("2006-01-02"), err)
			}
			for _, sym := range symbols {
				out[sym] = append(out[sym], live[sym]...)
			}
			continue
		}

		var missing []string
		for _, sym := range symbols {
			if !ops.has(sym, day) {
				missing = append(missing, sym)
			}
		}
		if len(missing) > 0 && p.upstream != nil {
			whole := DateRange{Start: day, End: day.Add(24*time.Hour - time.Millisecond)}
			fetched, err := ops.fetch(ctx, missing, whole)
			if err != nil {
				return nil, fmt.Errorf("fetching %s: %w", day.Format("2006-01-02"), err)
			}
			for _, sym := range missing {
				if err := ops.write(ctx, sym, day, fetched[sym]); err != nil {
					return nil, fmt.Errorf("caching %s %s: %w", sym, day.Format("2006-01-02"), err)
				}
			}
			p.log.Debug("cached day", "day", day.Format("2006-01-02"), "symbols", len(missing))
		}

		for _, sym := range symbols {
			items, err := ops.read(ctx, sym, span.Start, span.End)
			if err != nil {
				return nil, err
			}
			out[sym] = append(out[sym], items...)
		}
	}
	return out, nil
}
