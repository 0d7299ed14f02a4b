package util

import (
	"sort"
	"sync"
	"time"
	_ "time/tzdata" // America/New_York must resolve on minimal images.

	"reservo/internal/domain"
)

// Regular NYSE session hours in exchange local time.
const (
	openHour    = 9
	openMinute  = 30
	closeHour   = 16
	closeMinute = 0
	earlyClose  = 13
)

// maxSearchDays bounds calendar scans; no exchange closes longer than this.
const maxSearchDays = 14

// Session is one trading day's open and close instants.
type Session struct {
	Open  time.Time
	Close time.Time
}

// TradingCalendar provides market-hours awareness for a specific market.
// Sessions are computed from the exchange holiday rules unless an explicit
// schedule has been loaded for that day (see LoadSessions).
type TradingCalendar struct {
	market domain.Market
	loc    *time.Location

	mu       sync.RWMutex
	sessions map[string]Session
	closed   map[string]bool
}

// NewTradingCalendar creates a TradingCalendar for the given market.
func NewTradingCalendar(market domain.Market) *TradingCalendar {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*3600)
	}
	return &TradingCalendar{
		market:   market,
		loc:      loc,
		sessions: make(map[string]Session),
		closed:   make(map[string]bool),
	}
}

// Location returns the exchange time zone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// LoadSessions installs an authoritative schedule for the covered days,
// overriding the built-in rules. Days between the first and last loaded
// session that are absent from the list are treated as closed.
func (tc *TradingCalendar) LoadSessions(sessions []Session) {
	if len(sessions) == 0 {
		return
	}
	sorted := append([]Session(nil), sessions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Open.Before(sorted[j].Open) })

	tc.mu.Lock()
	defer tc.mu.Unlock()

	for d := tc.midnight(sorted[0].Open); !d.After(sorted[len(sorted)-1].Open); d = d.AddDate(0, 0, 1) {
		tc.closed[dayKey(d)] = true
	}
	for _, s := range sorted {
		k := dayKey(s.Open.In(tc.loc))
		delete(tc.closed, k)
		tc.sessions[k] = Session{Open: s.Open.In(tc.loc), Close: s.Close.In(tc.loc)}
	}
}

// SessionOn returns the session for the exchange-local day containing t.
func (tc *TradingCalendar) SessionOn(t time.Time) (Session, bool) {
	local := t.In(tc.loc)
	k := dayKey(local)

	tc.mu.RLock()
	s, ok := tc.sessions[k]
	closed := tc.closed[k]
	tc.mu.RUnlock()
	if ok {
		return s, true
	}
	if closed {
		return Session{}, false
	}

	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday || IsHoliday(local) {
		return Session{}, false
	}
	ch := closeHour
	if isEarlyClose(local) {
		ch = earlyClose
	}
	y, m, d := local.Date()
	return Session{
		Open:  time.Date(y, m, d, openHour, openMinute, 0, 0, tc.loc),
		Close: time.Date(y, m, d, ch, closeMinute, 0, 0, tc.loc),
	}, true
}

// IsMarketOpen returns whether the market is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	s, ok := tc.SessionOn(t)
	if !ok {
		return false
	}
	return !t.Before(s.Open) && t.Before(s.Close)
}

// NextOpen returns the next market open time at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	d := tc.midnight(t)
	for i := 0; i <= maxSearchDays; i++ {
		if s, ok := tc.SessionOn(d); ok && !s.Open.Before(t) {
			return s.Open
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Time{}
}

// NextClose returns the next market close time at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	d := tc.midnight(t)
	for i := 0; i <= maxSearchDays; i++ {
		if s, ok := tc.SessionOn(d); ok && !s.Close.Before(t) {
			return s.Close
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Time{}
}

// NextSessions returns the next n sessions whose open is at or after t.
func (tc *TradingCalendar) NextSessions(t time.Time, n int) []Session {
	out := make([]Session, 0, n)
	d := tc.midnight(t)
	for misses := 0; len(out) < n && misses <= maxSearchDays; d = d.AddDate(0, 0, 1) {
		s, ok := tc.SessionOn(d)
		if !ok || s.Open.Before(t) {
			misses++
			continue
		}
		misses = 0
		out = append(out, s)
	}
	return out
}

func (tc *TradingCalendar) midnight(t time.Time) time.Time {
	y, m, d := t.In(tc.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, tc.loc)
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// ---------------------------------------------------------------------------
// NYSE holiday rules
// ---------------------------------------------------------------------------

// IsHoliday reports whether the calendar date of t (in its own location) is
// a full-day NYSE holiday.
func IsHoliday(t time.Time) bool {
	y, m, d := t.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	for _, h := range holidays(y) {
		if h.Equal(day) {
			return true
		}
	}
	return false
}

func holidays(year int) []time.Time {
	hs := []time.Time{
		// A Saturday New Year is not observed on the prior Friday.
		observed(date(year, time.January, 1), false),
		nthWeekday(year, time.January, time.Monday, 3),
		nthWeekday(year, time.February, time.Monday, 3),
		easter(year).AddDate(0, 0, -2),
		lastWeekday(year, time.May, time.Monday),
		observed(date(year, time.July, 4), true),
		nthWeekday(year, time.September, time.Monday, 1),
		nthWeekday(year, time.November, time.Thursday, 4),
		observed(date(year, time.December, 25), true),
	}
	if year >= 2022 {
		hs = append(hs, observed(date(year, time.June, 19), true))
	}
	return hs
}

func isEarlyClose(t time.Time) bool {
	y, m, d := t.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	if day.Equal(nthWeekday(y, time.November, time.Thursday, 4).AddDate(0, 0, 1)) {
		return true
	}
	if m == time.December && d == 24 && day.Weekday() != time.Saturday && day.Weekday() != time.Sunday {
		return true
	}
	// July 3rd closes early only when the 4th is a regular weekday holiday.
	if m == time.July && d == 3 {
		wd := day.Weekday()
		return wd >= time.Monday && wd <= time.Thursday
	}
	return false
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// observed shifts a fixed-date holiday off the weekend. Saturday holidays
// move to Friday only when allowSaturday is set.
func observed(t time.Time, allowSaturday bool) time.Time {
	switch t.Weekday() {
	case time.Saturday:
		if allowSaturday {
			return t.AddDate(0, 0, -1)
		}
		return time.Time{}
	case time.Sunday:
		return t.AddDate(0, 0, 1)
	}
	return t
}

func nthWeekday(y int, m time.Month, wd time.Weekday, n int) time.Time {
	t := date(y, m, 1)
	for t.Weekday() != wd {
		t = t.AddDate(0, 0, 1)
	}
	return t.AddDate(0, 0, 7*(n-1))
}

func lastWeekday(y int, m time.Month, wd time.Weekday) time.Time {
	t := date(y, m+1, 1).AddDate(0, 0, -1)
	for t.Weekday() != wd {
		t = t.AddDate(0, 0, -1)
	}
	return t
}

// easter returns Easter Sunday (Gregorian) using the anonymous algorithm.
func easter(y int) time.Time {
	a := y % 19
	b := y / 100
	c := y % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return date(y, time.Month(month), day)
}
