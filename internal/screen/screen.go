// Package screen selects which symbols the engine trades.
package screen

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"limitless/internal/domain"
)

// Screener picks the active roster. The engine calls Screen once at start
// and again whenever Due reports true.
type Screener interface {
	Name() string
	Screen(ctx context.Context, now time.Time) ([]string, error)
	Due(now time.Time) bool
}

// Compile-time interface checks.
var _ Screener = (*Static)(nil)
var _ Screener = (*Activity)(nil)

// normalize upper-cases, trims and dedupes symbols, preserving order.
func normalize(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// ---------------------------------------------------------------------------
// Static
// ---------------------------------------------------------------------------

// Static always returns the configured list and never asks to rescreen.
type Static struct {
	symbols []string
}

// NewStatic creates a Static screener.
func NewStatic(symbols []string) *Static {
	return &Static{symbols: normalize(symbols)}
}

// Name returns "static".
func (s *Static) Name() string { return "static" }

// Screen returns the configured symbols, or an error when there are none.
func (s *Static) Screen(context.Context, time.Time) ([]string, error) {
	if len(s.symbols) == 0 {
		return nil, fmt.Errorf("static screener: no symbols")
	}
	return slices.Clone(s.symbols), nil
}

// Due is always false; a static roster never changes.
func (s *Static) Due(time.Time) bool { return false }

// ---------------------------------------------------------------------------
// Activity
// ---------------------------------------------------------------------------

// BarSource is the slice of the time-series store the Activity screener reads.
type BarSource interface {
	BarsBetween(symbol string, from, to time.Time) []domain.Bar
}

// Activity ranks a universe by traded volume over a trailing window and keeps
// the top N. It becomes due again every interval.
type Activity struct {
	data     BarSource
	universe []string
	top      int
	lookback time.Duration
	interval time.Duration

	last time.Time
}

// NewActivity creates an Activity screener over universe. A non-positive
// interval disables rescreening.
func NewActivity(data BarSource, universe []string, top int, interval time.Duration) *Activity {
	return &Activity{
		data:     data,
		universe: normalize(universe),
		top:      max(top, 1),
		lookback: 24 * time.Hour,
		interval: interval,
	}
}

// Name returns "activity".
func (a *Activity) Name() string { return "activity" }

type ranked struct {
	symbol string
	volume int64
}

// Screen returns up to top symbols with non-zero volume in (now-lookback, now],
// most active first, ties broken alphabetically.
func (a *Activity) Screen(_ context.Context, now time.Time) ([]string, error) {
	a.last = now

	var ranks []ranked
	for _, sym := range a.universe {
		var vol int64
		for _, b := range a.data.BarsBetween(sym, now.Add(-a.lookback), now) {
			if b.Timestamp.After(now.Add(-a.lookback)) {
				vol += b.Volume
			}
		}
		if vol > 0 {
			ranks = append(ranks, ranked{symbol: sym, volume: vol})
		}
	}
	slices.SortFunc(ranks, func(x, y ranked) int {
		if x.volume != y.volume {
			if x.volume > y.volume {
				return -1
			}
			return 1
		}
		return strings.Compare(x.symbol, y.symbol)
	})

	out := make([]string, 0, min(len(ranks), a.top))
	for _, r := range ranks[:min(len(ranks), a.top)] {
		out = append(out, r.symbol)
	}
	return out, nil
}

// Due reports whether interval has elapsed since the last Screen.
func (a *Activity) Due(now time.Time) bool {
	if a.interval <= 0 || a.last.IsZero() {
		return false
	}
	return now.Sub(a.last) >= a.interval
}
