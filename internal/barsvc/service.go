// Package barsvc is the read front of the bar pipeline. A read refreshes
// the in-progress session, tops up recent coverage through the reconciler,
// then queries and resamples stored minute bars.
package barsvc

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kbarstore/config"
	"kbarstore/internal/market"
	"kbarstore/internal/metrics"
	"kbarstore/internal/reconcile"
	"kbarstore/internal/resample"
)

// Store is the bar store surface the service reads and refreshes through.
type Store interface {
	UpsertBars(ctx context.Context, bars []market.Bar) (int64, error)
	QueryRange(ctx context.Context, codePattern string, start, end time.Time) ([]market.Bar, error)
	CountRange(ctx context.Context, codePattern string, start, end time.Time) (int64, error)
	LatestTimestamp(ctx context.Context, codePattern string, start, end time.Time) (time.Time, error)
}

// Fetcher pulls minute bars covering an inclusive calendar-date span.
type Fetcher interface {
	FetchBars(ctx context.Context, code string, start, end market.Date) ([]market.Bar, error)
}

// Service serves resampled bars for one instrument family.
type Service struct {
	store      Store
	fetcher    Fetcher
	reconciler *reconcile.Reconciler
	resampler  *resample.Resampler
	cal        *market.Calendar
	logger     *zap.Logger
	rec        *metrics.Recorder

	root       string
	code       string
	refreshGap time.Duration

	cache *barCache
	now   func() time.Time

	refreshState refreshState
}

// Option overrides a Service default.
type Option func(*Service)

// WithClock substitutes the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New builds the service around an already wired reconciler.
func New(store Store, fetcher Fetcher, reconciler *reconcile.Reconciler, cal *market.Calendar, cfg *config.Config, logger *zap.Logger, rec *metrics.Recorder, opts ...Option) *Service {
	s := &Service{
		store:      store,
		fetcher:    fetcher,
		reconciler: reconciler,
		resampler:  resample.New(cal),
		cal:        cal,
		logger:     logger,
		rec:        rec,
		root:       cfg.Instrument.Root,
		code:       cfg.Instrument.Code,
		refreshGap: cfg.Server.RefreshInterval,
		cache:      newBarCache(cfg.Server.CacheTTL),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetBars returns ascending resampled bars for the interval and session over
// the lookback horizon. Refresh and reconciliation run first but are
// throttled and best-effort, so a provider outage degrades to whatever the
// store already holds. code narrows the result to one series; empty or the
// family root selects the whole family.
func (s *Service) GetBars(ctx context.Context, interval market.Interval, session market.Session, lookbackDays int, code string) ([]market.Bar, error) {
	if !interval.IsValid() {
		return nil, fmt.Errorf("invalid interval %q", interval)
	}
	if !session.IsValid() {
		return nil, fmt.Errorf("invalid session %q", session)
	}
	if lookbackDays <= 0 {
		return nil, fmt.Errorf("invalid lookback %d", lookbackDays)
	}

	pattern := s.pattern(code)
	key := fmt.Sprintf("%s|%s|%d|%s", interval, session, lookbackDays, pattern)
	now := s.now()
	if bars, ok := s.cache.get(key, now); ok {
		return bars, nil
	}

	s.RefreshCurrent(ctx)
	s.reconciler.EnsureCoverage(ctx, session, lookbackDays)

	raw, err := s.store.QueryRange(ctx, pattern, now.AddDate(0, 0, -lookbackDays), now)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	bars := s.resampler.Resample(raw, interval, session)
	s.cache.put(key, bars, now)
	return bars, nil
}

func (s *Service) pattern(code string) string {
	if code == "" || code == s.root {
		return market.FamilyPattern(s.root)
	}
	return code
}

// CoverageDay reports stored coverage for one trading day.
type CoverageDay struct {
	Date       string `json:"date"`
	Bars       int64  `json:"bars"`
	Sufficient bool   `json:"sufficient"`
}

// Inventory reports per-trading-day coverage for the most recent business
// days, newest first. It reads counts only and never triggers a refill.
func (s *Service) Inventory(ctx context.Context, session market.Session, days int) ([]CoverageDay, error) {
	if !session.IsValid() {
		return nil, fmt.Errorf("invalid session %q", session)
	}

	out := make([]CoverageDay, 0, days)
	d := market.DateOf(s.now(), s.cal.Location())
	for len(out) < days {
		if !s.cal.IsBusinessDay(d) {
			d = d.AddDays(-1)
			continue
		}
		start, end := s.cal.CountWindow(d, session)
		count, err := s.store.CountRange(ctx, market.FamilyPattern(s.root), start, end)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", d, err)
		}
		out = append(out, CoverageDay{
			Date:       d.String(),
			Bars:       count,
			Sufficient: count >= reconcile.MinBars(session),
		})
		d = d.AddDays(-1)
	}
	return out, nil
}

// StatusInfo summarizes the market state and stored-data freshness.
type StatusInfo struct {
	Status     string `json:"status"`
	Open       bool   `json:"open"`
	Time       string `json:"time"`
	LatestBar  string `json:"latest_bar,omitempty"`
	AgeSeconds int64  `json:"age_seconds,omitempty"`
}

const localTimeLayout = "2006-01-02 15:04:05"

// CurrentStatus reports the trading state at the current instant together
// with the newest stored bar, both in exchange-local time.
func (s *Service) CurrentStatus(ctx context.Context) (StatusInfo, error) {
	loc := s.cal.Location()
	now := s.now().In(loc)

	st := s.cal.Status(now)
	info := StatusInfo{
		Status: string(st),
		Open:   st != market.StatusClosed,
		Time:   now.Format(localTimeLayout),
	}

	latest, err := s.store.LatestTimestamp(ctx, market.FamilyPattern(s.root), time.Time{}, time.Time{})
	if err != nil {
		return info, fmt.Errorf("latest timestamp: %w", err)
	}
	if !latest.IsZero() {
		local := latest.In(loc)
		info.LatestBar = local.Format(localTimeLayout)
		info.AgeSeconds = int64(now.Sub(local).Seconds())
	}
	return info, nil
}

// Warmup runs one coverage pass per session so the first reads after a
// restart do not all stall on backfills. Intended to run in its own
// goroutine at startup.
func (s *Service) Warmup(ctx context.Context, lookbackDays int) {
	for _, session := range []market.Session{market.SessionDay, market.SessionNight, market.SessionFull} {
		filled := s.reconciler.EnsureCoverage(ctx, session, lookbackDays)
		s.logger.Info("warmup coverage pass",
			zap.String("session", string(session)),
			zap.Int("dates", filled))
	}
}
