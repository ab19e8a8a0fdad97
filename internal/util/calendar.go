package util

import (
	"fmt"
	"sync"
	"time"
	_ "time/tzdata" // zone database for hosts without one

	"limitless/internal/domain"
)

// TimeOfDay is a wall-clock time within a day, in minutes precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("parsing time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (d TimeOfDay) minutes() int { return d.Hour*60 + d.Minute }

// On returns the instant at this time of day on t's calendar date in loc.
func (d TimeOfDay) On(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), d.Hour, d.Minute, 0, 0, loc)
}

// String formats as HH:MM.
func (d TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", d.Hour, d.Minute)
}

// Session is one trading day as published by a broker calendar.
type Session struct {
	Date  string // YYYY-MM-DD in the calendar's zone
	Open  TimeOfDay
	Close TimeOfDay
}

// CalendarHours configures a TradingCalendar.
type CalendarHours struct {
	RegularOpen  TimeOfDay
	RegularClose TimeOfDay
	ActiveStart  TimeOfDay
	ActiveEnd    TimeOfDay
}

// DefaultUSHours is the NYSE regular session with the whole session active.
var DefaultUSHours = CalendarHours{
	RegularOpen:  TimeOfDay{9, 30},
	RegularClose: TimeOfDay{16, 0},
	ActiveStart:  TimeOfDay{9, 30},
	ActiveEnd:    TimeOfDay{16, 0},
}

// TradingCalendar provides market-hours awareness for a specific market.
// Without published sessions every weekday is a trading day with the
// configured regular hours.
type TradingCalendar struct {
	market domain.Market
	loc    *time.Location
	hours  CalendarHours

	mu          sync.RWMutex
	sessions    map[string]Session // nil until SetSessions
	first, last string             // dates covered by sessions
}

// NewTradingCalendar creates a TradingCalendar for the given market, zone and
// hours. A nil loc means America/New_York.
func NewTradingCalendar(market domain.Market, loc *time.Location, hours CalendarHours) *TradingCalendar {
	if loc == nil {
		loc = mustLoad("America/New_York")
	}
	return &TradingCalendar{
		market: market,
		loc:    loc,
		hours:  hours,
	}
}

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// Location returns the calendar's zone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// SetSessions replaces weekday inference with an explicit session list.
// Dates between the first and last session that are absent are holidays;
// dates outside that range are still inferred.
func (tc *TradingCalendar) SetSessions(sessions []Session) {
	m := make(map[string]Session, len(sessions))
	var first, last string
	for _, s := range sessions {
		m[s.Date] = s
		if first == "" || s.Date < first {
			first = s.Date
		}
		if s.Date > last {
			last = s.Date
		}
	}
	tc.mu.Lock()
	tc.sessions, tc.first, tc.last = m, first, last
	tc.mu.Unlock()
}

// session returns the session for t's local date.
func (tc *TradingCalendar) session(t time.Time) (Session, bool) {
	lt := t.In(tc.loc)
	date := lt.Format("2006-01-02")

	tc.mu.RLock()
	sessions, first, last := tc.sessions, tc.first, tc.last
	tc.mu.RUnlock()

	if sessions != nil && date >= first && date <= last {
		s, ok := sessions[date]
		return s, ok
	}
	if wd := lt.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return Session{}, false
	}
	return Session{Date: date, Open: tc.hours.RegularOpen, Close: tc.hours.RegularClose}, true
}

// IsTradingDay reports whether t's local date has a session.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	_, ok := tc.session(t)
	return ok
}

// RegularOpen returns the regular-session open on day's local date. On
// non-trading days it falls back to the configured open time.
func (tc *TradingCalendar) RegularOpen(day time.Time) time.Time {
	if s, ok := tc.session(day); ok {
		return s.Open.On(day, tc.loc)
	}
	return tc.hours.RegularOpen.On(day, tc.loc)
}

// IsMarketOpen returns whether the regular session is in progress at t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	s, ok := tc.session(t)
	if !ok {
		return false
	}
	open, close := s.Open.On(t, tc.loc), s.Close.On(t, tc.loc)
	return !t.Before(open) && t.Before(close)
}

// InActiveWindow reports whether t falls inside the daily active-hours window
// [ActiveStart, ActiveEnd) of a trading day.
func (tc *TradingCalendar) InActiveWindow(t time.Time) bool {
	if !tc.IsTradingDay(t) {
		return false
	}
	lt := t.In(tc.loc)
	m := lt.Hour()*60 + lt.Minute()
	return m >= tc.hours.ActiveStart.minutes() && m < tc.hours.ActiveEnd.minutes()
}

// maxCalendarScan bounds the Next* searches.
const maxCalendarScan = 30

// NextOpen returns the next market open time at or after t. The zero time is
// returned when no session exists within the scan horizon.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	return tc.next(t, func(s Session, day time.Time) time.Time { return s.Open.On(day, tc.loc) })
}

// NextClose returns the next market close time at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	return tc.next(t, func(s Session, day time.Time) time.Time { return s.Close.On(day, tc.loc) })
}

// NextActiveStart returns the start of the next active-hours window at or
// after t, or the zero time past the scan horizon.
func (tc *TradingCalendar) NextActiveStart(t time.Time) time.Time {
	return tc.next(t, func(_ Session, day time.Time) time.Time { return tc.hours.ActiveStart.On(day, tc.loc) })
}

func (tc *TradingCalendar) next(t time.Time, at func(Session, time.Time) time.Time) time.Time {
	day := t
	for i := 0; i < maxCalendarScan; i++ {
		if s, ok := tc.session(day); ok {
			if ts := at(s, day); !ts.Before(t) {
				return ts
			}
		}
		day = startOfNextDay(day, tc.loc)
	}
	return time.Time{}
}

func startOfNextDay(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day()+1, 0, 0, 0, 0, loc)
}
