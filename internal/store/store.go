// Package store defines storage interfaces for persisting and retrieving
// market data, orders, positions and run reports, with Parquet and SQLite
// implementations.
package store

import (
	"context"
	"time"

	"limitless/internal/domain"
)

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars merges a batch of bars into storage.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol within [start, end].
	ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols with stored bars.
	ListSymbols(ctx context.Context) ([]string, error)
}

// QuoteStore persists and retrieves top-of-book quotes.
type QuoteStore interface {
	// WriteQuotes merges a batch of quotes into storage.
	WriteQuotes(ctx context.Context, quotes []domain.Quote) error

	// ReadQuotes returns quotes for the given symbol within [start, end].
	ReadQuotes(ctx context.Context, symbol string, start, end time.Time) ([]domain.Quote, error)
}

// OrderStore persists and retrieves order records.
type OrderStore interface {
	// SaveOrder inserts or updates an order.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its ID.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// ListOrders returns orders matching the given status; empty means all.
	ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)
}

// PositionStore persists position snapshots.
type PositionStore interface {
	// SavePosition inserts or updates the snapshot for a symbol.
	SavePosition(ctx context.Context, pos *domain.Position, at time.Time) error

	// ListPositions returns the latest snapshot of every symbol.
	ListPositions(ctx context.Context) ([]domain.Position, error)
}

// ReportStore persists end-of-run reports.
type ReportStore interface {
	SaveReport(ctx context.Context, report *domain.Report) error
	GetReport(ctx context.Context, runID string) (*domain.Report, error)
}
