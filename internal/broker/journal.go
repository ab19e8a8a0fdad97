package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"limitless/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*JournaledBroker)(nil)

// OrderJournal persists order snapshots. *store.SQLiteStore satisfies it.
type OrderJournal interface {
	SaveOrder(ctx context.Context, order *domain.Order) error
}

// JournaledBroker records every order the wrapped broker returns. Journal
// failures are logged and never fail the trade.
type JournaledBroker struct {
	next    Broker
	journal OrderJournal
	log     *slog.Logger
}

// NewJournaledBroker wraps next so its orders are written to journal.
func NewJournaledBroker(next Broker, journal OrderJournal, log *slog.Logger) *JournaledBroker {
	if log == nil {
		log = slog.Default()
	}
	return &JournaledBroker{next: next, journal: journal, log: log.With("component", "journal")}
}

// Name returns the wrapped broker's name.
func (j *JournaledBroker) Name() string { return j.next.Name() }

// Buy forwards and journals the submitted order.
func (j *JournaledBroker) Buy(ctx context.Context, symbol string, estimatedPrice decimal.Decimal, at time.Time) (*domain.Order, error) {
	return j.record(ctx)(j.next.Buy(ctx, symbol, estimatedPrice, at))
}

// Sell forwards and journals the submitted order.
func (j *JournaledBroker) Sell(ctx context.Context, symbol string, qty int64, estimatedPrice decimal.Decimal, at time.Time) (*domain.Order, error) {
	return j.record(ctx)(j.next.Sell(ctx, symbol, qty, estimatedPrice, at))
}

// GetOrder forwards and journals the polled state.
func (j *JournaledBroker) GetOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	return j.record(ctx)(j.next.GetOrder(ctx, order))
}

func (j *JournaledBroker) record(ctx context.Context) func(*domain.Order, error) (*domain.Order, error) {
	return func(o *domain.Order, err error) (*domain.Order, error) {
		if err != nil || o == nil {
			return o, err
		}
		if jerr := j.journal.SaveOrder(ctx, o); jerr != nil {
			j.log.Warn("journaling order failed", "id", o.ID, "error", jerr)
		}
		return o, nil
	}
}
