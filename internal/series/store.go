// Package series holds the in-memory, append-only bar and quote sequences of
// a run and answers point-in-time queries over them.
package series

import (
	"slices"
	"sort"
	"sync"
	"time"

	"limitless/internal/domain"
	"limitless/internal/util"
)

// Column names a bar field readable through ValueAt.
type Column string

const (
	ColumnOpen   Column = "open"
	ColumnHigh   Column = "high"
	ColumnLow    Column = "low"
	ColumnClose  Column = "close"
	ColumnVolume Column = "volume"
	ColumnVWAP   Column = "vwap"
)

// Store keeps per-symbol bar and quote sequences ordered by timestamp.
// It is safe for concurrent use; readers never block each other.
type Store struct {
	cal *util.TradingCalendar

	mu     sync.RWMutex
	bars   map[string][]domain.Bar
	quotes map[string][]domain.Quote
}

// New creates an empty Store. cal decides the regular open used by
// DayOpeningQuote; nil means the default US calendar.
func New(cal *util.TradingCalendar) *Store {
	if cal == nil {
		cal = util.NewTradingCalendar(domain.MarketUS, nil, util.DefaultUSHours)
	}
	return &Store{
		cal:    cal,
		bars:   make(map[string][]domain.Bar),
		quotes: make(map[string][]domain.Quote),
	}
}

// ---------------------------------------------------------------------------
// Ingestion
// ---------------------------------------------------------------------------

// IngestBars appends bars to symbol's sequence and returns how many were
// stored. Bars older than the newest stored bar are dropped, as are exact
// repeats at the newest timestamp, so re-running a warm-up load is a no-op.
func (s *Store) IngestBars(symbol string, bars []domain.Bar) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, n := appendNew(s.bars[symbol], bars, func(b domain.Bar) domain.Bar {
		b.Symbol = symbol
		b.Timestamp = b.Timestamp.UTC()
		return b
	})
	s.bars[symbol] = seq
	return n
}

// IngestQuotes is IngestBars for quotes.
func (s *Store) IngestQuotes(symbol string, quotes []domain.Quote) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, n := appendNew(s.quotes[symbol], quotes, func(q domain.Quote) domain.Quote {
		q.Symbol = symbol
		q.Timestamp = q.Timestamp.UTC()
		return q
	})
	s.quotes[symbol] = seq
	return n
}

type timed interface {
	comparable
	At() time.Time
}

// appendNew appends the items of in that are not older than the high-water
// mark of seq and are not already present at that mark.
func appendNew[T timed](seq, in []T, norm func(T) T) ([]T, int) {
	added := 0
	for _, item := range in {
		item = norm(item)
		if len(seq) > 0 {
			hwm := seq[len(seq)-1].At()
			if item.At().Before(hwm) {
				continue
			}
			if item.At().Equal(hwm) && seenAtTail(seq, item) {
				continue
			}
		}
		seq = append(seq, item)
		added++
	}
	return seq, added
}

func seenAtTail[T timed](seq []T, item T) bool {
	for i := len(seq) - 1; i >= 0 && seq[i].At().Equal(item.At()); i-- {
		if seq[i] == item {
			return true
		}
	}
	return false
}

// SynthesizeQuotes appends a synthetic quote for every bar of symbol newer
// than the newest stored quote. It returns the number added.
func (s *Store) SynthesizeQuotes(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	bars := s.bars[symbol]
	quotes := s.quotes[symbol]

	start := 0
	if len(quotes) > 0 {
		hwm := quotes[len(quotes)-1].Timestamp
		start = sort.Search(len(bars), func(i int) bool { return bars[i].Timestamp.After(hwm) })
	}
	for _, b := range bars[start:] {
		quotes = append(quotes, domain.QuoteFromBar(b))
	}
	s.quotes[symbol] = quotes
	return len(bars) - start
}

// ---------------------------------------------------------------------------
// Point-in-time queries
// ---------------------------------------------------------------------------

// latestBefore returns the last item with timestamp strictly before t. When
// none qualifies the earliest item is returned instead; ok is false only for
// an empty sequence.
func latestBefore[T timed](seq []T, t time.Time) (item T, ok bool) {
	if len(seq) == 0 {
		return item, false
	}
	i := sort.Search(len(seq), func(i int) bool { return !seq[i].At().Before(t) })
	if i == 0 {
		return seq[0], true
	}
	return seq[i-1], true
}

// LatestBarBefore returns the most recent bar strictly before t, or the
// earliest bar during warm-up.
func (s *Store) LatestBarBefore(symbol string, t time.Time) (domain.Bar, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return latestBefore(s.bars[symbol], t)
}

// LatestQuoteBefore returns the most recent quote strictly before t, or the
// earliest quote during warm-up.
func (s *Store) LatestQuoteBefore(symbol string, t time.Time) (domain.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return latestBefore(s.quotes[symbol], t)
}

// SimpleMovingAverage averages the close of every bar with timestamp in
// [asOf - days, asOf]. It returns 0 when no bar qualifies.
func (s *Store) SimpleMovingAverage(symbol string, days int, asOf time.Time) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bars := s.bars[symbol]
	from := asOf.Add(-time.Duration(days) * 24 * time.Hour)
	i := sort.Search(len(bars), func(i int) bool { return !bars[i].Timestamp.Before(from) })

	var sum float64
	var n int
	for ; i < len(bars); i++ {
		if bars[i].Timestamp.After(asOf) {
			break
		}
		sum += bars[i].Close
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// DayOpeningQuote returns the last quote before the regular open (plus one
// second) of day.
func (s *Store) DayOpeningQuote(symbol string, day time.Time) (domain.Quote, bool) {
	return s.LatestQuoteBefore(symbol, s.cal.RegularOpen(day).Add(time.Second))
}

// ValueAt returns one column of the latest bar at or before t. Unlike
// LatestBarBefore there is no warm-up fallback.
func (s *Store) ValueAt(symbol string, col Column, t time.Time) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bars := s.bars[symbol]
	i := sort.Search(len(bars), func(i int) bool { return bars[i].Timestamp.After(t) })
	if i == 0 {
		return 0, false
	}
	b := bars[i-1]
	switch col {
	case ColumnOpen:
		return b.Open, true
	case ColumnHigh:
		return b.High, true
	case ColumnLow:
		return b.Low, true
	case ColumnClose:
		return b.Close, true
	case ColumnVolume:
		return float64(b.Volume), true
	case ColumnVWAP:
		return b.VWAP, true
	}
	return 0, false
}

// BarsBetween returns a copy of the bars with timestamp in [from, to].
func (s *Store) BarsBetween(symbol string, from, to time.Time) []domain.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bars := s.bars[symbol]
	lo := sort.Search(len(bars), func(i int) bool { return !bars[i].Timestamp.Before(from) })
	hi := sort.Search(len(bars), func(i int) bool { return bars[i].Timestamp.After(to) })
	if lo >= hi {
		return nil
	}
	return slices.Clone(bars[lo:hi])
}

// LastBarTime returns the timestamp of the newest stored bar.
func (s *Store) LastBarTime(symbol string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bars := s.bars[symbol]
	if len(bars) == 0 {
		return time.Time{}, false
	}
	return bars[len(bars)-1].Timestamp, true
}

// Symbols returns every symbol with bars or quotes, sorted.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{}, len(s.bars)+len(s.quotes))
	for sym := range s.bars {
		seen[sym] = struct{}{}
	}
	for sym := range s.quotes {
		seen[sym] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	slices.Sort(out)
	return out
}
