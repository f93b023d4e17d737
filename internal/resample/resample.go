// Package resample converts stored 1-minute bars into session-filtered,
// interval-aggregated views: day, night and full sessions at 1m to 1d.
package resample

import (
	"time"

	"kbarstore/internal/market"
)

// Resampler is a pure function over its inputs; the calendar supplies the
// per-date session boundaries (settlement-day early close included).
type Resampler struct {
	cal *market.Calendar
}

func New(cal *market.Calendar) *Resampler {
	return &Resampler{cal: cal}
}

// Resample filters bars to the session view and aggregates them into the
// interval. Input must be ascending by timestamp, the order the store
// returns. Buckets with no underlying bars are omitted, never synthesized;
// shortened buckets aggregate whatever is present.
func (r *Resampler) Resample(bars []market.Bar, interval market.Interval, session market.Session) []market.Bar {
	if interval.Daily() {
		return r.daily(bars, session)
	}
	filtered := r.filter(bars, session)
	if interval == market.Interval1Min {
		return filtered
	}
	return r.intraday(filtered, interval)
}

// filter keeps the bars belonging to the session view. The full view keeps
// every bar: day and night windows never overlap and out-of-session minutes
// do not occur upstream.
func (r *Resampler) filter(bars []market.Bar, session market.Session) []market.Bar {
	loc := r.cal.Location()
	out := make([]market.Bar, 0, len(bars))
	for _, b := range bars {
		local := b.Timestamp.In(loc)
		switch session {
		case market.SessionDay:
			if !r.cal.InDaySession(local) {
				continue
			}
		case market.SessionNight:
			if !market.InNightSession(local) {
				continue
			}
		}
		out = append(out, b)
	}
	return out
}

// intraday aggregates session-filtered minute bars into fixed right-closed,
// right-labeled windows: the bucket ending at 15:05 holds (15:00, 15:05].
func (r *Resampler) intraday(bars []market.Bar, interval market.Interval) []market.Bar {
	loc := r.cal.Location()
	step := time.Duration(interval.Minutes()) * time.Minute

	var out []market.Bar
	for _, b := range bars {
		label := bucketLabel(b.Timestamp.In(loc), step)
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(label) {
			merge(&out[n-1], b)
			continue
		}
		out = append(out, opened(b, label))
	}
	return out
}

// daily groups bars by the trading day owning them under the session view.
// Day sessions group by their own calendar date. Night sessions group by
// the date the session opened on, so early-morning bars join the previous
// date's bucket. The full view assigns evening bars to the next calendar
// date, whose day session closes the combined trading day.
func (r *Resampler) daily(bars []market.Bar, session market.Session) []market.Bar {
	loc := r.cal.Location()

	var out []market.Bar
	for _, b := range bars {
		local := b.Timestamp.In(loc)
		var owner market.Date
		switch session {
		case market.SessionDay:
			if !r.cal.InDaySession(local) {
				continue
			}
			owner = market.DateOf(local, loc)
		case market.SessionNight:
			if !market.InNightSession(local) {
				continue
			}
			owner = market.NightTradingDay(local)
		default:
			owner = market.FullTradingDay(local)
		}

		label := owner.Time(0, 0, loc)
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(label) {
			merge(&out[n-1], b)
			continue
		}
		out = append(out, opened(b, label))
	}
	return out
}

// opened starts a bucket from its first bar. Quote fields do not survive
// aggregation.
func opened(b market.Bar, label time.Time) market.Bar {
	b.Timestamp = label
	b.BidPrice, b.AskPrice = 0, 0
	b.BidVolume, b.AskVolume = 0, 0
	return b
}

// merge folds one more bar into an open bucket: high=max, low=min,
// close=last, volume=sum; open keeps the first bar's value.
func merge(dst *market.Bar, b market.Bar) {
	if b.High > dst.High {
		dst.High = b.High
	}
	if b.Low < dst.Low {
		dst.Low = b.Low
	}
	dst.Close = b.Close
	dst.Volume += b.Volume
}

// bucketLabel returns the right-closed bucket owning local: an instant
// exactly on a boundary labels that boundary, anything past it the next
// one. Alignment by Truncate is exact because the exchange offset is a
// whole hour.
func bucketLabel(local time.Time, step time.Duration) time.Time {
	k := local.Truncate(step)
	if k.Equal(local) {
		return k
	}
	return k.Add(step)
}
