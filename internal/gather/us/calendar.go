package us

import (
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"limitless/internal/util"
)

// CalendarClient is the part of the Alpaca trading client that serves the
// exchange calendar.
type CalendarClient interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

var _ CalendarClient = (*alpaca.Client)(nil)

// NewCalendarClient returns an Alpaca trading client usable as a CalendarClient.
func NewCalendarClient(apiKey, apiSecret, baseURL string) *alpaca.Client {
	return alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
}

// Sessions returns the exchange sessions between start and end, inclusive,
// including early closes. Days missing from the result are holidays.
func Sessions(client CalendarClient, start, end time.Time) ([]util.Session, error) {
	days, err := client.GetCalendar(alpaca.GetCalendarRequest{
		Start: start,
		End:   end,
	})
	if err != nil {
		return nil, fmt.Errorf("GetCalendar: %w", err)
	}

	sessions := make([]util.Session, 0, len(days))
	for _, d := range days {
		open, err := util.ParseTimeOfDay(d.Open)
		if err != nil {
			return nil, fmt.Errorf("calendar %s open: %w", d.Date, err)
		}
		close, err := util.ParseTimeOfDay(d.Close)
		if err != nil {
			return nil, fmt.Errorf("calendar %s close: %w", d.Date, err)
		}
		sessions = append(sessions, util.Session{Date: d.Date, Open: open, Close: close})
	}
	return sessions, nil
}

// LatestFinishedTradingDay returns the date of the most recent session whose
// data has settled (20:05 ET, after extended hours) as of now.
func LatestFinishedTradingDay(sessions []util.Session, now time.Time, loc *time.Location) (time.Time, error) {
	if len(sessions) == 0 {
		return time.Time{}, fmt.Errorf("no trading days in calendar")
	}

	now = now.In(loc)
	today := now.Format("2006-01-02")
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 20, 5, 0, 0, loc)

	for i := len(sessions) - 1; i >= 0; i-- {
		day := sessions[i]
		if day.Date == today {
			if now.After(cutoff) {
				return time.Parse("2006-01-02", day.Date)
			}
			continue
		}
		dayDate, err := time.Parse("2006-01-02", day.Date)
		if err != nil {
			continue
		}
		if dayDate.Before(now) {
			return dayDate, nil
		}
	}

	return time.Time{}, fmt.Errorf("could not determine latest finished trading day")
}
