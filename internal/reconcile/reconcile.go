// Package reconcile keeps recent minute-bar history covered per trading
// session, using bounded, throttled, idempotent refills from the history
// provider.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"kbarstore/config"
	"kbarstore/internal/market"
	"kbarstore/internal/metrics"
	"kbarstore/pkg/sinopac"
)

// Minimum stored-bar counts for a session window to count as covered.
// Generous enough that shortened settlement days still pass.
const (
	minDayBars   = 250
	minNightBars = 400
	minFullBars  = 600
)

// checksPerCandidate bounds the backward scan so long stretches of already
// covered or closed days cannot stall a cycle.
const checksPerCandidate = 8

// Store is the slice of the bar store the reconciler needs.
type Store interface {
	UpsertBars(ctx context.Context, bars []market.Bar) (int64, error)
	CountRange(ctx context.Context, codePattern string, start, end time.Time) (int64, error)
	DeleteRange(ctx context.Context, codePattern string, start, end time.Time) (int64, error)
}

// Fetcher pulls minute bars covering an inclusive calendar-date span.
type Fetcher interface {
	FetchBars(ctx context.Context, code string, start, end market.Date) ([]market.Bar, error)
}

type cycleState struct {
	running    bool
	lastRun    time.Time
	lastFilled int
}

// Reconciler backfills under-covered trading days for one instrument family.
// All refills funnel through delete-then-upsert per day, so a corrected
// re-fetch also drops bars the provider no longer reports.
type Reconciler struct {
	store   Store
	fetcher Fetcher
	cal     *market.Calendar
	logger  *zap.Logger
	rec     *metrics.Recorder

	root string
	code string

	batchDays    int
	cooldown     time.Duration
	idleCooldown time.Duration

	now func() time.Time

	mu     sync.Mutex
	cycles map[market.Session]*cycleState
}

// Option overrides a Reconciler default.
type Option func(*Reconciler)

// WithClock substitutes the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New builds a Reconciler for the configured instrument family.
func New(store Store, fetcher Fetcher, cal *market.Calendar, cfg *config.Config, logger *zap.Logger, rec *metrics.Recorder, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:        store,
		fetcher:      fetcher,
		cal:          cal,
		logger:       logger,
		rec:          rec,
		root:         cfg.Instrument.Root,
		code:         cfg.Instrument.Code,
		batchDays:    cfg.Reconcile.BatchDays,
		cooldown:     cfg.Reconcile.Cooldown,
		idleCooldown: cfg.Reconcile.IdleCooldown,
		now:          time.Now,
		cycles:       make(map[market.Session]*cycleState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsSufficient reports whether the stored bar count inside the canonical
// window for the date meets the session minimum.
func (r *Reconciler) IsSufficient(ctx context.Context, d market.Date, session market.Session) (bool, error) {
	start, end := r.cal.CountWindow(d, session)
	count, err := r.store.CountRange(ctx, market.FamilyPattern(r.root), start, end)
	if err != nil {
		return false, fmt.Errorf("count %s %s: %w", d, session, err)
	}
	return count >= minBars(session), nil
}

// MinBars is the per-session sufficiency threshold, exposed so coverage
// reports agree with the reconciler about what counts as covered.
func MinBars(session market.Session) int64 {
	return minBars(session)
}

func minBars(session market.Session) int64 {
	switch session {
	case market.SessionDay:
		return minDayBars
	case market.SessionNight:
		return minNightBars
	default:
		return minFullBars
	}
}

// EnsureCoverage runs one bounded reconciliation cycle for the session when
// its cooldown has elapsed, and reports how many trading days were refilled.
// Failures are absorbed: coverage is best-effort, a failed or empty cycle
// only extends the backoff so reads are never blocked on the provider.
func (r *Reconciler) EnsureCoverage(ctx context.Context, session market.Session, lookbackDays int) int {
	if !r.beginCycle(session) {
		return 0
	}

	filled, bars, err := r.runCycle(ctx, session, lookbackDays)
	r.endCycle(session, filled)

	switch {
	case err != nil:
		r.rec.RecordCycle(string(session), "error")
		r.logger.Warn("reconcile cycle failed",
			zap.String("session", string(session)),
			zap.Error(err))
	case filled > 0:
		r.rec.RecordCycle(string(session), "filled")
		r.rec.RecordDatesFilled(string(session), filled)
		r.rec.RecordBarsUpserted("reconcile", bars)
		r.logger.Info("reconcile refilled dates",
			zap.String("session", string(session)),
			zap.Int("dates", filled),
			zap.Int("bars", bars))
	default:
		r.rec.RecordCycle(string(session), "empty")
	}
	return filled
}

// beginCycle reserves the session's cycle slot if the cooldown has elapsed
// and no cycle is already in flight.
func (r *Reconciler) beginCycle(session market.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.cycles[session]
	if !ok {
		st = &cycleState{}
		r.cycles[session] = st
	}
	if st.running {
		return false
	}
	if !st.lastRun.IsZero() {
		wait := r.cooldown
		if st.lastFilled == 0 {
			// Nothing came back last time, likely a closed date or data not
			// yet published upstream. Wait much longer before retrying.
			wait = r.idleCooldown
		}
		if r.now().Sub(st.lastRun) < wait {
			return false
		}
	}
	st.running = true
	st.lastRun = r.now()
	return true
}

func (r *Reconciler) endCycle(session market.Session, filled int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.cycles[session]
	st.running = false
	st.lastFilled = filled
}

func (r *Reconciler) runCycle(ctx context.Context, session market.Session, lookbackDays int) (filledDays, upsertedBars int, err error) {
	candidates, err := r.scan(ctx, session, lookbackDays)
	if err != nil {
		return 0, 0, fmt.Errorf("scan: %w", err)
	}
	if len(candidates) == 0 {
		return 0, 0, nil
	}

	// One provider round-trip covers the whole candidate span.
	first := candidates[0]
	last := candidates[len(candidates)-1]
	fetchStart := r.now()
	fetched, err := r.fetcher.FetchBars(ctx, r.code, first, last.AddDays(1))
	elapsed := r.now().Sub(fetchStart).Seconds()
	if err != nil {
		if errors.Is(err, sinopac.ErrEmptyPayload) {
			r.rec.RecordProviderCall("empty", elapsed)
			r.logger.Info("provider returned no bars for refill span",
				zap.String("session", string(session)),
				zap.String("start", first.String()),
				zap.String("end", last.String()))
		} else {
			r.rec.RecordProviderCall("error", elapsed)
			r.logger.Warn("provider fetch failed",
				zap.String("session", string(session)),
				zap.String("start", first.String()),
				zap.String("end", last.String()),
				zap.Error(err))
		}
		return 0, 0, nil
	}
	r.rec.RecordProviderCall("ok", elapsed)

	for _, d := range candidates {
		n, err := r.applyDate(ctx, d, session, fetched)
		if err != nil {
			return filledDays, upsertedBars, fmt.Errorf("apply %s: %w", d, err)
		}
		if n > 0 {
			filledDays++
			upsertedBars += n
		}
	}
	return filledDays, upsertedBars, nil
}

// scan walks backward from today collecting up to batchDays business days
// that fail the sufficiency check. Non-business days are skipped without
// consuming the check budget.
func (r *Reconciler) scan(ctx context.Context, session market.Session, lookbackDays int) ([]market.Date, error) {
	today := market.DateOf(r.now(), r.cal.Location())
	floor := today.AddDays(-lookbackDays)
	maxChecks := r.batchDays * checksPerCandidate

	var candidates []market.Date
	checked := 0
	for d := today; len(candidates) < r.batchDays && checked < maxChecks && !d.Before(floor); d = d.AddDays(-1) {
		if !r.cal.IsBusinessDay(d) {
			continue
		}
		checked++
		ok, err := r.IsSufficient(ctx, d, session)
		if err != nil {
			return nil, err
		}
		if !ok {
			candidates = append(candidates, d)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })
	return candidates, nil
}

// applyDate purges the date's session window and upserts the fetched bars
// that belong to it. An empty refill leaves the date uncovered; a later
// cycle retries it.
func (r *Reconciler) applyDate(ctx context.Context, d market.Date, session market.Session, fetched []market.Bar) (int, error) {
	delStart, delEnd := r.cal.DeleteWindow(d, session)
	if _, err := r.store.DeleteRange(ctx, market.FamilyPattern(r.root), delStart, delEnd); err != nil {
		return 0, fmt.Errorf("delete window: %w", err)
	}

	keep := r.filterForDate(fetched, d, session)
	if len(keep) == 0 {
		return 0, nil
	}
	if _, err := r.store.UpsertBars(ctx, keep); err != nil {
		return 0, fmt.Errorf("upsert: %w", err)
	}
	return len(keep), nil
}

// filterForDate narrows fetched bars to the exact session window of one
// trading day, dropping bars that fail the OHLC integrity check.
func (r *Reconciler) filterForDate(bars []market.Bar, d market.Date, session market.Session) []market.Bar {
	loc := r.cal.Location()
	var keep []market.Bar
	for _, b := range bars {
		if !r.cal.InSessionOnDate(b.Timestamp.In(loc), d, session) {
			continue
		}
		if err := b.Validate(); err != nil {
			r.logger.Warn("dropping malformed bar", zap.Error(err))
			continue
		}
		keep = append(keep, b)
	}
	return keep
}

// BackfillDate refetches one trading day from the provider, bypassing the
// cycle throttle. Unlike EnsureCoverage it surfaces errors, for use by the
// maintenance CLI and the nightly deep backfill.
//
// skipExisting leaves dates that already pass the sufficiency check alone.
// force purges the session window first so rows absent from the corrected
// re-fetch cannot survive.
func (r *Reconciler) BackfillDate(ctx context.Context, d market.Date, session market.Session, skipExisting, force bool) (int, error) {
	if skipExisting && !force {
		ok, err := r.IsSufficient(ctx, d, session)
		if err != nil {
			return 0, err
		}
		if ok {
			return 0, nil
		}
	}

	if force {
		delStart, delEnd := r.cal.DeleteWindow(d, session)
		if _, err := r.store.DeleteRange(ctx, market.FamilyPattern(r.root), delStart, delEnd); err != nil {
			return 0, fmt.Errorf("delete window: %w", err)
		}
	}

	fetchStart := r.now()
	fetched, err := r.fetcher.FetchBars(ctx, r.code, d, d.AddDays(1))
	elapsed := r.now().Sub(fetchStart).Seconds()
	if err != nil {
		if errors.Is(err, sinopac.ErrEmptyPayload) {
			// Closed date upstream, nothing to store.
			r.rec.RecordProviderCall("empty", elapsed)
			return 0, nil
		}
		r.rec.RecordProviderCall("error", elapsed)
		return 0, err
	}
	r.rec.RecordProviderCall("ok", elapsed)

	keep := r.filterForDate(fetched, d, session)
	if len(keep) == 0 {
		return 0, nil
	}
	if _, err := r.store.UpsertBars(ctx, keep); err != nil {
		return 0, fmt.Errorf("upsert: %w", err)
	}
	r.rec.RecordBarsUpserted("backfill", len(keep))
	return len(keep), nil
}
