package market

import (
	"fmt"
	"time"
)

// Session is a named trading window of the Taiwan futures exchange.
type Session string

const (
	SessionDay   Session = "day"   // 08:45 - 13:45 local (13:30 on settlement days)
	SessionNight Session = "night" // 15:00 - 05:00 next morning, 05:00 bar inclusive
	SessionFull  Session = "full"  // night opened the previous date plus the day session
)

var validSessions = map[Session]struct{}{
	SessionDay:   {},
	SessionNight: {},
	SessionFull:  {},
}

// IsValid checks if the Session is one of day, night, full
func (s Session) IsValid() bool {
	_, ok := validSessions[s]
	return ok
}

// ParseSession parses a string into a valid Session
func ParseSession(s string) (Session, error) {
	sess := Session(s)
	if !sess.IsValid() {
		return "", fmt.Errorf("invalid session: %s", s)
	}
	return sess, nil
}

// Interval is a bar aggregation interval accepted by the resampler.
type Interval string

// IntervalMeta holds the bucket width of an Interval
type IntervalMeta struct {
	Minutes int
	Daily   bool
}

const (
	Interval1Min  Interval = "1m"
	Interval5Min  Interval = "5m"
	Interval15Min Interval = "15m"
	Interval30Min Interval = "30m"
	Interval60Min Interval = "60m"
	IntervalDaily Interval = "1d"
)

var validIntervals = map[Interval]IntervalMeta{
	Interval1Min:  {Minutes: 1},
	Interval5Min:  {Minutes: 5},
	Interval15Min: {Minutes: 15},
	Interval30Min: {Minutes: 30},
	Interval60Min: {Minutes: 60},
	IntervalDaily: {Minutes: 1440, Daily: true},
}

// IsValid checks if the Interval is a valid predefined interval
func (i Interval) IsValid() bool {
	_, ok := validIntervals[i]
	return ok
}

// Minutes returns the bucket width in minutes
func (i Interval) Minutes() int {
	return validIntervals[i].Minutes
}

// Daily reports whether the interval groups by trading day instead of fixed
// sub-day windows
func (i Interval) Daily() bool {
	return validIntervals[i].Daily
}

// ParseInterval parses a string into a valid Interval
func ParseInterval(s string) (Interval, error) {
	interval := Interval(s)
	if !interval.IsValid() {
		return "", fmt.Errorf("invalid interval: %s", s)
	}
	return interval, nil
}

// Date is a calendar date in the exchange time zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	y, m, d := t.In(loc).Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}, nil
}

// Time returns the instant at hour:min on d in loc.
func (d Date) Time(hour, min int, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, hour, min, 0, 0, loc)
}

// AddDays returns the date n days after d (negative n walks backward).
func (d Date) AddDays(n int) Date {
	t := time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC)
	y, m, dd := t.Date()
	return Date{Year: y, Month: m, Day: dd}
}

// Weekday returns the day of the week of d.
func (d Date) Weekday() time.Weekday {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).Weekday()
}

// Before reports whether d is earlier than o.
func (d Date) Before(o Date) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

// After reports whether d is later than o.
func (d Date) After(o Date) bool {
	return o.Before(d)
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// minuteOfDay returns the wall-clock minute index of local, 0..1439.
func minuteOfDay(local time.Time) int {
	return local.Hour()*60 + local.Minute()
}

// InNightSession reports whether a local instant falls inside the night
// session window: 15:00 through 23:59 plus 00:00 through 05:00 the next
// morning, with the 05:00 bar included and 05:01 on not.
func InNightSession(local time.Time) bool {
	hm := minuteOfDay(local)
	return hm >= 15*60 || hm <= 5*60
}

// NightTradingDay returns the trading day owning a night-session instant:
// early-morning bars through 05:00 belong to the date the session opened on.
func NightTradingDay(local time.Time) Date {
	d := Date{Year: local.Year(), Month: local.Month(), Day: local.Day()}
	if local.Hour() < 15 {
		return d.AddDays(-1)
	}
	return d
}

// FullTradingDay returns the trading day owning an instant under the full
// session view: bars at or after 15:00 belong to the next calendar date,
// whose day session closes the combined session.
func FullTradingDay(local time.Time) Date {
	d := Date{Year: local.Year(), Month: local.Month(), Day: local.Day()}
	if local.Hour() >= 15 {
		return d.AddDays(1)
	}
	return d
}
