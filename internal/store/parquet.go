package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"limitless/internal/domain"
)

// Compile-time interface checks.
var _ BarStore = (*ParquetStore)(nil)
var _ QuoteStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore and QuoteStore using Parquet files on disk,
// one file per symbol and UTC day.
type ParquetStore struct {
	DataDir string
	Market  domain.Market
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir, Market: domain.MarketUS}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for bar data.
type BarRecord struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     int64   `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

// QuoteRecord is the Parquet schema for quote data.
type QuoteRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	BidPrice  float64 `parquet:"bid_price"`
	AskPrice  float64 `parquet:"ask_price"`
	BidSize   int64   `parquet:"bid_size"`
	AskSize   int64   `parquet:"ask_size"`
}

func (r BarRecord) ts() int64   { return r.Timestamp }
func (r QuoteRecord) ts() int64 { return r.Timestamp }

func barRecord(b domain.Bar) BarRecord {
	return BarRecord{
		Symbol:     b.Symbol,
		Timestamp:  b.Timestamp.UnixMilli(),
		Open:       b.Open,
		High:       b.High,
		Low:        b.Low,
		Close:      b.Close,
		Volume:     b.Volume,
		TradeCount: b.TradeCount,
		VWAP:       b.VWAP,
	}
}

func (r BarRecord) bar() domain.Bar {
	return domain.Bar{
		Symbol:     r.Symbol,
		Timestamp:  time.UnixMilli(r.Timestamp).UTC(),
		Open:       r.Open,
		High:       r.High,
		Low:        r.Low,
		Close:      r.Close,
		Volume:     r.Volume,
		TradeCount: r.TradeCount,
		VWAP:       r.VWAP,
	}
}

func quoteRecord(q domain.Quote) QuoteRecord {
	return QuoteRecord{
		Symbol:    q.Symbol,
		Timestamp: q.Timestamp.UnixMilli(),
		BidPrice:  q.BidPrice,
		AskPrice:  q.AskPrice,
		BidSize:   q.BidSize,
		AskSize:   q.AskSize,
	}
}

func (r QuoteRecord) quote() domain.Quote {
	return domain.Quote{
		Symbol:    r.Symbol,
		Timestamp: time.UnixMilli(r.Timestamp).UTC(),
		BidPrice:  r.BidPrice,
		AskPrice:  r.AskPrice,
		BidSize:   r.BidSize,
		AskSize:   r.AskSize,
	}
}

const (
	kindBars   = "bars"
	kindQuotes = "quotes"
)

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bar data to Parquet files organized by symbol and day.
// Each symbol+day combination produces a separate file at:
//
//	<DataDir>/<market>/bars/<SYMBOL>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) WriteBars(_ context.Context, bars []domain.Bar) error {
	groups := make(map[dayKey][]BarRecord)
	for _, b := range bars {
		k := keyFor(b.Symbol, b.Timestamp)
		groups[k] = append(groups[k], barRecord(b))
	}
	for k, records := range groups {
		if err := mergeInto(s.path(kindBars, k.symbol, k.day), records); err != nil {
			return fmt.Errorf("writing bars for %s/%s: %w", k.symbol, k.day, err)
		}
	}
	return nil
}

// WriteBarDay writes one symbol-day partition, creating it even when bars is
// empty so that HasBarDay reports the day as fetched.
func (s *ParquetStore) WriteBarDay(_ context.Context, symbol string, day time.Time, bars []domain.Bar) error {
	records := make([]BarRecord, 0, len(bars))
	for _, b := range bars {
		records = append(records, barRecord(b))
	}
	return mergeInto(s.path(kindBars, symbol, dayString(day)), records)
}

// HasBarDay reports whether the symbol-day partition exists.
func (s *ParquetStore) HasBarDay(symbol string, day time.Time) bool {
	return exists(s.path(kindBars, symbol, dayString(day)))
}

// ReadBars reads bar data from Parquet files for the given symbol and time range.
func (s *ParquetStore) ReadBars(_ context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	records, err := readRange[BarRecord](s, kindBars, symbol, start, end)
	if err != nil {
		return nil, err
	}
	bars := make([]domain.Bar, 0, len(records))
	for _, r := range records {
		bars = append(bars, r.bar())
	}
	return bars, nil
}

// ListSymbols lists all symbols that have bar data.
func (s *ParquetStore) ListSymbols(_ context.Context) ([]string, error) {
	dir := filepath.Join(s.DataDir, string(s.Market), kindBars)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// QuoteStore implementation
// ---------------------------------------------------------------------------

// WriteQuotes writes quotes to Parquet files organized by symbol and day.
func (s *ParquetStore) WriteQuotes(_ context.Context, quotes []domain.Quote) error {
	groups := make(map[dayKey][]QuoteRecord)
	for _, q := range quotes {
		if q.Synthetic {
			continue // derived data is never cached
		}
		k := keyFor(q.Symbol, q.Timestamp)
		groups[k] = append(groups[k], quoteRecord(q))
	}
	for k, records := range groups {
		if err := mergeInto(s.path(kindQuotes, k.symbol, k.day), records); err != nil {
			return fmt.Errorf("writing quotes for %s/%s: %w", k.symbol, k.day, err)
		}
	}
	return nil
}

// WriteQuoteDay is WriteBarDay for quotes.
func (s *ParquetStore) WriteQuoteDay(_ context.Context, symbol string, day time.Time, quotes []domain.Quote) error {
	records := make([]QuoteRecord, 0, len(quotes))
	for _, q := range quotes {
		if !q.Synthetic {
			records = append(records, quoteRecord(q))
		}
	}
	return mergeInto(s.path(kindQuotes, symbol, dayString(day)), records)
}

// HasQuoteDay reports whether the symbol-day quote partition exists.
func (s *ParquetStore) HasQuoteDay(symbol string, day time.Time) bool {
	return exists(s.path(kindQuotes, symbol, dayString(day)))
}

// ReadQuotes reads quotes for the given symbol and time range.
func (s *ParquetStore) ReadQuotes(_ context.Context, symbol string, start, end time.Time) ([]domain.Quote, error) {
	records, err := readRange[QuoteRecord](s, kindQuotes, symbol, start, end)
	if err != nil {
		return nil, err
	}
	quotes := make([]domain.Quote, 0, len(records))
	for _, r := range records {
		quotes = append(quotes, r.quote())
	}
	return quotes, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

type dayKey struct {
	symbol string
	day    string // YYYY-MM-DD, UTC
}

func keyFor(symbol string, t time.Time) dayKey {
	return dayKey{symbol: symbol, day: dayString(t)}
}

func dayString(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// path returns the filesystem path for a partition.
// Layout: <dataDir>/<market>/<kind>/<SYMBOL>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) path(kind, symbol, day string) string {
	return filepath.Join(s.DataDir, string(s.Market), kind, strings.ToUpper(symbol), day+".parquet")
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

type record interface {
	comparable
	ts() int64
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeInto merges records into the file at path, deduplicating identical
// rows and keeping the result sorted by timestamp.
func mergeInto[T record](path string, incoming []T) error {
	existing, err := readParquetFile[T](path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return writeParquetFile(path, mergeRecords(existing, incoming))
}

func mergeRecords[T record](existing, incoming []T) []T {
	seen := make(map[T]struct{}, len(existing)+len(incoming))
	merged := make([]T, 0, len(existing)+len(incoming))
	for _, batch := range [][]T{existing, incoming} {
		for _, r := range batch {
			if _, dup := seen[r]; dup {
				continue
			}
			seen[r] = struct{}{}
			merged = append(merged, r)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].ts() < merged[j].ts()
	})
	return merged
}

// readRange reads every day partition touching [start, end] and filters rows
// to the range.
func readRange[T record](s *ParquetStore, kind, symbol string, start, end time.Time) ([]T, error) {
	var out []T
	lo, hi := start.UnixMilli(), end.UnixMilli()
	first := time.Date(start.UTC().Year(), start.UTC().Month(), start.UTC().Day(), 0, 0, 0, 0, time.UTC)
	for d := first; !d.After(end); d = d.AddDate(0, 0, 1) {
		records, err := readParquetFile[T](s.path(kind, symbol, dayString(d)))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("reading %s %s/%s: %w", kind, symbol, dayString(d), err)
		}
		for _, r := range records {
			if r.ts() >= lo && r.ts() <= hi {
				out = append(out, r)
			}
		}
	}
	return out, nil
}
