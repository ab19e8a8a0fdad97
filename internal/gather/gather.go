// Package gather defines the market-data provider boundary and a Parquet
// backed read-through cache in front of it.
package gather

import (
	"context"
	"time"

	"limitless/internal/domain"
)

// Provider retrieves historical minute bars and quotes for a symbol set.
// Pagination is hidden: each call returns every item in [start, end],
// ordered by timestamp per symbol.
type Provider interface {
	Bars(ctx context.Context, symbols []string, start, end time.Time) (map[string][]domain.Bar, error)
	Quotes(ctx context.Context, symbols []string, start, end time.Time) (map[string][]domain.Quote, error)
}

// Gatherer is the interface for long-running data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs the gathering. It returns early when ctx is cancelled.
	Run(ctx context.Context) error
}

// DateRange represents a time range for data fetching.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Days returns the UTC midnight of every day that [Start, End] touches.
func (r DateRange) Days() []time.Time {
	if r.End.Before(r.Start) {
		return nil
	}
	s := r.Start.UTC()
	var days []time.Time
	for d := time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, time.UTC); !d.After(r.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// clip returns the part of the UTC day d that lies inside r.
func (r DateRange) clip(d time.Time) DateRange {
	out := DateRange{Start: d, End: d.Add(24*time.Hour - time.Millisecond)}
	if r.Start.After(out.Start) {
		out.Start = r.Start
	}
	if r.End.Before(out.End) {
		out.End = r.End
	}
	return out
}
