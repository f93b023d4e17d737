package market

import (
	"sync"
	"time"
)

// Session wall-clock boundaries, minutes from local midnight.
const (
	dayOpenMinute     = 8*60 + 45
	dayCloseMinute    = 13*60 + 45
	settleCloseMinute = 13*60 + 30
	nightOpenMinute   = 15 * 60
	nightLastMinute   = 5 * 60 // 05:00 bar inclusive
)

// exchangeClosures lists non-weekend days the exchange was or is announced
// closed, per year, as MM-DD. Abridged from the exchange bulletins; ad hoc
// closures (typhoon days) are supplied through WithClosures instead.
var exchangeClosures = map[int][]string{
	2023: {
		"01-02", "01-18", "01-19", "01-20", "01-23", "01-24", "01-25", "01-26", "01-27",
		"02-27", "02-28", "04-03", "04-04", "04-05", "05-01", "06-22", "06-23",
		"09-29", "10-09", "10-10",
	},
	2024: {
		"01-01", "02-08", "02-09", "02-12", "02-13", "02-14", "02-28",
		"04-04", "04-05", "05-01", "06-10", "09-17", "10-10",
	},
	2025: {
		"01-01", "01-27", "01-28", "01-29", "01-30", "01-31", "02-28",
		"04-03", "04-04", "05-01", "05-30", "09-29", "10-06", "10-10", "10-24", "12-25",
	},
	2026: {
		"01-01", "02-16", "02-17", "02-18", "02-19", "02-20", "02-27",
		"04-03", "04-06", "05-01", "06-19", "09-25", "09-28", "10-09", "10-26", "12-25",
	},
}

type monthKey struct {
	year  int
	month time.Month
}

// Calendar answers business-day, settlement-day and session-boundary
// questions for the exchange. It does no I/O; holiday sets and settlement
// dates are memoized per year and per month.
type Calendar struct {
	loc   *time.Location
	extra map[Date]struct{}

	mu          sync.Mutex
	holidays    map[int]map[Date]struct{}
	settlements map[monthKey]Date
}

// CalendarOption configures a Calendar
type CalendarOption func(*Calendar)

// WithClosures adds closure dates beyond the built-in yearly tables, e.g.
// typhoon days or holidays of years the tables do not cover.
func WithClosures(dates ...Date) CalendarOption {
	return func(c *Calendar) {
		for _, d := range dates {
			c.extra[d] = struct{}{}
		}
	}
}

// NewCalendar builds a Calendar for the exchange time zone (Asia/Taipei).
func NewCalendar(opts ...CalendarOption) *Calendar {
	c := &Calendar{
		loc:         loadExchangeLocation(),
		extra:       map[Date]struct{}{},
		holidays:    map[int]map[Date]struct{}{},
		settlements: map[monthKey]Date{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// loadExchangeLocation falls back to a fixed +08:00 zone when the host has
// no tzdata. Taiwan has not observed DST since 1980, so the fixed offset is
// exact for any data this system handles.
func loadExchangeLocation() *time.Location {
	if loc, err := time.LoadLocation("Asia/Taipei"); err == nil {
		return loc
	}
	return time.FixedZone("Asia/Taipei", 8*60*60)
}

// Location returns the exchange time zone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

func (c *Calendar) holidaySet(year int) map[Date]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.holidays[year]; ok {
		return set
	}
	set := map[Date]struct{}{}
	for _, md := range exchangeClosures[year] {
		t, err := time.Parse("01-02", md)
		if err != nil {
			continue
		}
		set[Date{Year: year, Month: t.Month(), Day: t.Day()}] = struct{}{}
	}
	for d := range c.extra {
		if d.Year == year {
			set[d] = struct{}{}
		}
	}
	c.holidays[year] = set
	return set
}

// IsBusinessDay reports whether d is a weekday on which the exchange trades.
func (c *Calendar) IsBusinessDay(d Date) bool {
	wd := d.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	_, closed := c.holidaySet(d.Year)[d]
	return !closed
}

// SettlementDay returns the monthly settlement date: the third Wednesday,
// rolled forward day by day while it is not a business day.
func (c *Calendar) SettlementDay(year int, month time.Month) Date {
	key := monthKey{year: year, month: month}
	c.mu.Lock()
	if d, ok := c.settlements[key]; ok {
		c.mu.Unlock()
		return d
	}
	c.mu.Unlock()

	first := Date{Year: year, Month: month, Day: 1}
	daysToWed := (int(time.Wednesday) - int(first.Weekday()) + 7) % 7
	d := first.AddDays(daysToWed + 14)
	for !c.IsBusinessDay(d) {
		d = d.AddDays(1)
	}

	c.mu.Lock()
	c.settlements[key] = d
	c.mu.Unlock()
	return d
}

// IsSettlementDay reports whether d is its month's settlement date.
func (c *Calendar) IsSettlementDay(d Date) bool {
	return c.SettlementDay(d.Year, d.Month) == d
}

// DaySessionClose returns the day-session closing time for d: 13:30 on
// settlement days, 13:45 otherwise.
func (c *Calendar) DaySessionClose(d Date) (hour, min int) {
	m := c.closeMinute(d)
	return m / 60, m % 60
}

func (c *Calendar) closeMinute(d Date) int {
	if c.IsSettlementDay(d) {
		return settleCloseMinute
	}
	return dayCloseMinute
}

// InDaySession reports whether a local instant lies inside its own date's
// day-session window [08:45, close].
func (c *Calendar) InDaySession(local time.Time) bool {
	hm := minuteOfDay(local)
	return hm >= dayOpenMinute && hm <= c.closeMinute(DateOf(local, c.loc))
}

// DayWindow returns the canonical day-session window of d, half-open with
// the closing minute's bar inside.
func (c *Calendar) DayWindow(d Date) (start, end time.Time) {
	cm := c.closeMinute(d)
	return d.Time(8, 45, c.loc), d.Time(cm/60, cm%60+1, c.loc)
}

// NightEveningWindow returns the evening portion of d's night session,
// [15:00, 24:00). Used as the coverage proxy for the whole night.
func (c *Calendar) NightEveningWindow(d Date) (start, end time.Time) {
	return d.Time(15, 0, c.loc), d.AddDays(1).Time(0, 0, c.loc)
}

// NightWindow returns the whole night session opened on d, evening plus the
// next morning through the 05:00 bar.
func (c *Calendar) NightWindow(d Date) (start, end time.Time) {
	return d.Time(15, 0, c.loc), d.AddDays(1).Time(5, 1, c.loc)
}

// FullWindow returns the refill window for calendar date d under the full
// session view: the entire day plus the following morning through 05:00.
func (c *Calendar) FullWindow(d Date) (start, end time.Time) {
	return d.Time(0, 0, c.loc), d.AddDays(1).Time(5, 1, c.loc)
}

// CountWindow returns the window whose stored-bar count decides whether
// date d is sufficiently covered for a session.
func (c *Calendar) CountWindow(d Date, s Session) (start, end time.Time) {
	switch s {
	case SessionDay:
		return c.DayWindow(d)
	case SessionNight:
		return c.NightEveningWindow(d)
	default:
		return d.Time(0, 0, c.loc), d.AddDays(1).Time(6, 0, c.loc)
	}
}

// DeleteWindow returns the widened purge window the reconciler clears
// before refilling date d, padded so off-by-one boundary bars from the
// provider cannot survive next to a refill.
func (c *Calendar) DeleteWindow(d Date, s Session) (start, end time.Time) {
	switch s {
	case SessionDay:
		return d.Time(8, 30, c.loc), d.Time(14, 0, c.loc)
	case SessionNight:
		return d.Time(15, 0, c.loc), d.AddDays(1).Time(6, 0, c.loc)
	default:
		return d.Time(0, 0, c.loc), d.AddDays(1).Time(6, 0, c.loc)
	}
}

// InSessionOnDate reports whether a local instant belongs to date d's
// session window. This is the refill filter and uses the same boundary
// rules the resampler applies.
func (c *Calendar) InSessionOnDate(local time.Time, d Date, s Session) bool {
	ld := DateOf(local, c.loc)
	hm := minuteOfDay(local)
	switch s {
	case SessionDay:
		return ld == d && c.InDaySession(local)
	case SessionNight:
		return (ld == d && hm >= nightOpenMinute) || (ld == d.AddDays(1) && hm <= nightLastMinute)
	default:
		return ld == d || (ld == d.AddDays(1) && hm <= nightLastMinute)
	}
}

// SessionTradingDay returns the date whose session windows contain the
// instant: for night and full views an early-morning instant still belongs
// to the previous date's session.
func (c *Calendar) SessionTradingDay(t time.Time, s Session) Date {
	local := t.In(c.loc)
	d := DateOf(local, c.loc)
	if s != SessionDay && local.Hour() < 5 {
		return d.AddDays(-1)
	}
	return d
}

// MarketStatus describes which session, if any, is trading at an instant.
type MarketStatus string

const (
	StatusClosed       MarketStatus = "closed"
	StatusDaySession   MarketStatus = "day_session"
	StatusNightSession MarketStatus = "night_session"
)

// Status reports the trading state at t. The early morning through 05:00
// counts as the night session of the previous business day, which keeps
// Saturday mornings open while Friday's night session runs out.
func (c *Calendar) Status(t time.Time) MarketStatus {
	local := t.In(c.loc)
	d := DateOf(local, c.loc)
	hm := minuteOfDay(local)

	if hm <= nightLastMinute {
		if c.IsBusinessDay(d.AddDays(-1)) {
			return StatusNightSession
		}
		return StatusClosed
	}
	if !c.IsBusinessDay(d) {
		return StatusClosed
	}
	if hm >= dayOpenMinute && hm <= c.closeMinute(d) {
		return StatusDaySession
	}
	if hm >= nightOpenMinute {
		return StatusNightSession
	}
	return StatusClosed
}
