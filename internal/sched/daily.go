// Package sched runs the nightly deep backfill. Incremental refills stop as
// soon as a date counts as sufficient, so a day refilled mid-session keeps a
// hole at its tail; the deep pass force-refetches recently closed days to
// completion.
package sched

import (
	"context"
	"time"

	"go.uber.org/zap"

	"kbarstore/config"
	"kbarstore/internal/market"
	"kbarstore/internal/reconcile"
)

// DeepBackfill schedules a once-daily forced refill of the most recently
// closed trading days, one pass per session window.
type DeepBackfill struct {
	reconciler *reconcile.Reconciler
	cal        *market.Calendar
	logger     *zap.Logger

	utcHour int
	days    int
	now     func() time.Time
}

// Option overrides a DeepBackfill default.
type Option func(*DeepBackfill)

// WithClock substitutes the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(d *DeepBackfill) { d.now = now }
}

func NewDeepBackfill(reconciler *reconcile.Reconciler, cal *market.Calendar, cfg *config.Config, logger *zap.Logger, opts ...Option) *DeepBackfill {
	d := &DeepBackfill{
		reconciler: reconciler,
		cal:        cal,
		logger:     logger,
		utcHour:    cfg.Server.DeepBackfillUTC,
		days:       2,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start runs one pass immediately, then once a day at the configured UTC
// hour, until ctx is done.
func (d *DeepBackfill) Start(ctx context.Context) {
	go func() {
		d.RunOnce(ctx)

		now := d.now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), d.utcHour, 0, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			d.RunOnce(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// RunOnce force-refills the day and night windows of the recently closed
// business days. The current day is left alone; the read-path refresh owns
// it while its sessions are still trading.
func (d *DeepBackfill) RunOnce(ctx context.Context) {
	today := market.DateOf(d.now(), d.cal.Location())

	for offset := 1; offset <= d.days; offset++ {
		date := today.AddDays(-offset)
		if !d.cal.IsBusinessDay(date) {
			continue
		}
		for _, session := range []market.Session{market.SessionDay, market.SessionNight} {
			bars, err := d.reconciler.BackfillDate(ctx, date, session, false, true)
			if err != nil {
				d.logger.Warn("deep backfill failed",
					zap.String("date", date.String()),
					zap.String("session", string(session)),
					zap.Error(err))
				continue
			}
			d.logger.Info("deep backfill completed",
				zap.String("date", date.String()),
				zap.String("session", string(session)),
				zap.Int("bars", bars))
		}
	}
}
