package barsvc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"kbarstore/internal/market"
	"kbarstore/pkg/sinopac"
)

// staleAfter is how old the newest stored bar may grow during an open
// session before the current trading day is refetched. It doubles as the
// retry gap after a fetch that brought nothing back, so a closed date the
// local calendar missed cannot spin the provider.
const staleAfter = 2 * time.Minute

type refreshState struct {
	mu         sync.Mutex
	running    bool
	lastTry    time.Time
	lastNoData time.Time
}

// RefreshCurrent refetches the in-progress trading day when its stored bars
// are missing or stale, and reports whether new bars were written. It is
// safe to call from every read: attempts are serialized and rate-limited,
// and failures degrade to the stored data.
func (s *Service) RefreshCurrent(ctx context.Context) bool {
	if !s.beginRefresh() {
		return false
	}

	wrote, fetchedNothing, err := s.refreshOnce(ctx)
	s.endRefresh(fetchedNothing)
	if err != nil {
		s.logger.Warn("current-day refresh failed", zap.Error(err))
		return false
	}
	return wrote
}

func (s *Service) beginRefresh() bool {
	st := &s.refreshState
	st.mu.Lock()
	defer st.mu.Unlock()

	now := s.now()
	if st.running {
		return false
	}
	if !st.lastTry.IsZero() && now.Sub(st.lastTry) < s.refreshGap {
		return false
	}
	if !st.lastNoData.IsZero() && now.Sub(st.lastNoData) < staleAfter {
		return false
	}
	st.running = true
	st.lastTry = now
	return true
}

func (s *Service) endRefresh(fetchedNothing bool) {
	st := &s.refreshState
	st.mu.Lock()
	st.running = false
	if fetchedNothing {
		st.lastNoData = s.now()
	}
	st.mu.Unlock()
}

// refreshOnce decides whether the current trading day needs a refetch and
// applies it. The second result reports a provider round-trip that yielded
// no storable bars.
func (s *Service) refreshOnce(ctx context.Context) (wrote, fetchedNothing bool, err error) {
	loc := s.cal.Location()
	now := s.now().In(loc)
	today := market.DateOf(now, loc)

	// Weekend daytime has nothing to refresh. Weekend early morning still
	// carries the tail of Friday's night session.
	wd := today.Weekday()
	if (wd == time.Saturday || wd == time.Sunday) && now.Hour() >= 6 {
		return false, false, nil
	}

	open := s.cal.Status(now) != market.StatusClosed
	nightTime := now.Hour() >= 15 || now.Hour() < 6

	var base market.Date
	var keep func(local time.Time) bool

	if nightTime {
		ntd := market.NightTradingDay(now)
		next := ntd.AddDays(1)

		latestTrade, err := s.latestOnDate(ctx, ntd)
		if err != nil {
			return false, false, err
		}
		latestNext, err := s.latestOnDate(ctx, next)
		if err != nil {
			return false, false, err
		}
		latest := latestTrade
		if latestNext.After(latest) {
			latest = latestNext
		}

		missingEvening := latestTrade.IsZero() || latestTrade.In(loc).Hour() < 15
		stale := open && (latest.IsZero() || latest.Before(now.Add(-staleAfter)))
		if !missingEvening && !stale {
			return false, false, nil
		}

		base = ntd
		keep = func(local time.Time) bool {
			return s.cal.InSessionOnDate(local, ntd, market.SessionNight)
		}
	} else {
		latest, err := s.latestOnDate(ctx, today)
		if err != nil {
			return false, false, err
		}
		if !latest.IsZero() && !(open && latest.Before(now.Add(-staleAfter))) {
			return false, false, nil
		}

		// The whole calendar date, so the previous night's morning tail is
		// corrected together with the day session.
		base = today
		keep = func(local time.Time) bool {
			return market.DateOf(local, loc) == today
		}
	}

	fetchStart := s.now()
	fetched, err := s.fetcher.FetchBars(ctx, s.code, base.AddDays(-1), base.AddDays(1))
	elapsed := s.now().Sub(fetchStart).Seconds()
	if err != nil {
		if errors.Is(err, sinopac.ErrEmptyPayload) {
			s.rec.RecordProviderCall("empty", elapsed)
			return false, true, nil
		}
		s.rec.RecordProviderCall("error", elapsed)
		return false, true, fmt.Errorf("fetch current day: %w", err)
	}
	s.rec.RecordProviderCall("ok", elapsed)

	var bars []market.Bar
	for _, b := range fetched {
		if !keep(b.Timestamp.In(loc)) {
			continue
		}
		if err := b.Validate(); err != nil {
			s.logger.Warn("dropping malformed bar", zap.Error(err))
			continue
		}
		bars = append(bars, b)
	}
	if len(bars) == 0 {
		return false, true, nil
	}

	if _, err := s.store.UpsertBars(ctx, bars); err != nil {
		return false, false, fmt.Errorf("upsert refreshed bars: %w", err)
	}
	s.rec.RecordBarsUpserted("refresh", len(bars))
	s.cache.clear()
	s.logger.Info("refreshed current session", zap.Int("bars", len(bars)))
	return true, false, nil
}

func (s *Service) latestOnDate(ctx context.Context, d market.Date) (time.Time, error) {
	loc := s.cal.Location()
	return s.store.LatestTimestamp(ctx, market.FamilyPattern(s.root),
		d.Time(0, 0, loc), d.AddDays(1).Time(0, 0, loc))
}
