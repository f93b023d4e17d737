package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"kbarstore/config"
	"kbarstore/internal/market"
	"kbarstore/internal/reconcile"
	"kbarstore/pkg/sinopac"
	"kbarstore/pkg/storage/storetest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeFetcher synthesizes one bar per session minute for every business day
// in the requested span, mimicking the inclusive date range of the bridge.
type fakeFetcher struct {
	cal     *market.Calendar
	session market.Session

	mu    sync.Mutex
	calls int
	spans [][2]market.Date

	err   error
	skip  map[market.Date]bool // dates the provider has nothing for
	extra []market.Bar         // appended to every successful response
}

func (f *fakeFetcher) FetchBars(ctx context.Context, code string, start, end market.Date) ([]market.Bar, error) {
	f.mu.Lock()
	f.calls++
	f.spans = append(f.spans, [2]market.Date{start, end})
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var bars []market.Bar
	for d := start; !d.After(end); d = d.AddDays(1) {
		if !f.cal.IsBusinessDay(d) || f.skip[d] {
			continue
		}
		bars = append(bars, sessionBars(f.cal, code, d, f.session)...)
	}
	bars = append(bars, f.extra...)
	if len(bars) == 0 {
		return nil, sinopac.ErrEmptyPayload
	}
	return bars, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func sessionBars(cal *market.Calendar, code string, d market.Date, session market.Session) []market.Bar {
	var start, end time.Time
	if session == market.SessionDay {
		start, end = cal.DayWindow(d)
	} else {
		start, end = cal.NightWindow(d)
	}

	var bars []market.Bar
	for ts := start; ts.Before(end); ts = ts.Add(time.Minute) {
		bars = append(bars, market.Bar{
			Timestamp: ts.UTC(),
			Code:      code,
			Open:      23100,
			High:      23110,
			Low:       23090,
			Close:     23105,
			Volume:    10,
			BidPrice:  23105,
			AskPrice:  23105,
		})
	}
	return bars
}

func testConfig() *config.Config {
	return &config.Config{
		Instrument: config.InstrumentConfig{Root: "TXF", Code: "TXFR1"},
		Reconcile: config.ReconcileConfig{
			BatchDays:    30,
			Cooldown:     20 * time.Second,
			IdleCooldown: 300 * time.Second,
			LookbackDays: 500,
		},
	}
}

// Saturday morning, so the two full business weeks of 2026-03-09 .. 03-20
// sit directly behind the scan cursor. 03-18 is the March settlement day.
func testClock(cal *market.Calendar) *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 21, 10, 0, 0, 0, cal.Location())}
}

// go test -v --run TestEnsureCoverageConvergence
func TestEnsureCoverageConvergence(t *testing.T) {
	ctx := context.Background()
	cal := market.NewCalendar()
	store := storetest.NewMemoryStore()
	fetcher := &fakeFetcher{cal: cal, session: market.SessionDay}
	clock := testClock(cal)

	r := reconcile.New(store, fetcher, cal, testConfig(), zap.NewNop(), nil,
		reconcile.WithClock(clock.Now))

	filled := r.EnsureCoverage(ctx, market.SessionDay, 14)
	if filled != 10 {
		t.Fatalf("expected 10 days filled, got %d", filled)
	}
	if got := fetcher.callCount(); got != 1 {
		t.Fatalf("expected a single batched fetch, got %d", got)
	}
	wantSpan := [2]market.Date{
		{Year: 2026, Month: 3, Day: 9},
		{Year: 2026, Month: 3, Day: 21},
	}
	if fetcher.spans[0] != wantSpan {
		t.Errorf("fetch span = %v, want %v", fetcher.spans[0], wantSpan)
	}

	// 9 regular days of 301 bars plus the 13:30 settlement day of 286.
	if got := store.Len(); got != 9*301+286 {
		t.Errorf("stored bars = %d, want %d", got, 9*301+286)
	}
	for d := (market.Date{Year: 2026, Month: 3, Day: 9}); !d.After(market.Date{Year: 2026, Month: 3, Day: 20}); d = d.AddDays(1) {
		if !cal.IsBusinessDay(d) {
			continue
		}
		ok, err := r.IsSufficient(ctx, d, market.SessionDay)
		if err != nil {
			t.Fatalf("sufficiency check failed for %s: %v", d, err)
		}
		if !ok {
			t.Errorf("%s still insufficient after refill", d)
		}
	}

	// Within the cooldown nothing runs.
	if got := r.EnsureCoverage(ctx, market.SessionDay, 14); got != 0 {
		t.Errorf("throttled cycle filled %d days", got)
	}
	if got := fetcher.callCount(); got != 1 {
		t.Errorf("throttled cycle reached the provider, calls = %d", got)
	}

	// After the cooldown the scan finds nothing and no fetch is issued.
	clock.Advance(21 * time.Second)
	if got := r.EnsureCoverage(ctx, market.SessionDay, 14); got != 0 {
		t.Errorf("covered store refilled %d days", got)
	}
	if got := fetcher.callCount(); got != 1 {
		t.Errorf("empty scan reached the provider, calls = %d", got)
	}

	// A cycle that filled nothing extends the wait to the idle cooldown.
	clock.Advance(21 * time.Second)
	if got := r.EnsureCoverage(ctx, market.SessionDay, 14); got != 0 {
		t.Errorf("idle-throttled cycle filled %d days", got)
	}
	clock.Advance(300 * time.Second)
	r.EnsureCoverage(ctx, market.SessionDay, 14)
	if got := store.Len(); got != 9*301+286 {
		t.Errorf("repeat cycles changed stored bars to %d", got)
	}
}

// go test -v --run TestEnsureCoverageNightSession
func TestEnsureCoverageNightSession(t *testing.T) {
	ctx := context.Background()
	cal := market.NewCalendar()
	store := storetest.NewMemoryStore()
	clock := testClock(cal)
	loc := cal.Location()

	// The bridge hands back boundary junk past 05:00 that must not be kept.
	fetcher := &fakeFetcher{cal: cal, session: market.SessionNight, extra: []market.Bar{
		{Timestamp: time.Date(2026, 3, 21, 5, 1, 0, 0, loc).UTC(), Code: "TXFR1", Open: 1, High: 1, Low: 1, Close: 1, Volume: 1},
		{Timestamp: time.Date(2026, 3, 21, 6, 30, 0, 0, loc).UTC(), Code: "TXFR1", Open: 1, High: 1, Low: 1, Close: 1, Volume: 1},
	}}

	r := reconcile.New(store, fetcher, cal, testConfig(), zap.NewNop(), nil,
		reconcile.WithClock(clock.Now))

	if filled := r.EnsureCoverage(ctx, market.SessionNight, 1); filled != 1 {
		t.Fatalf("expected 1 night filled, got %d", filled)
	}

	// Evening 15:00..23:59 plus the morning tail 00:00..05:00 inclusive.
	if got := store.Len(); got != 540+301 {
		t.Errorf("stored bars = %d, want %d", got, 540+301)
	}
	morning, err := store.QueryRange(ctx, "TXF%",
		time.Date(2026, 3, 21, 5, 0, 0, 0, loc),
		time.Date(2026, 3, 21, 7, 0, 0, 0, loc))
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(morning) != 1 {
		t.Errorf("expected only the 05:00 bar past the morning close, got %d bars", len(morning))
	}

	ok, err := r.IsSufficient(ctx, market.Date{Year: 2026, Month: 3, Day: 20}, market.SessionNight)
	if err != nil || !ok {
		t.Errorf("night session not sufficient after refill: ok=%v err=%v", ok, err)
	}
}

// go test -v --run TestEnsureCoverageProviderFailure
func TestEnsureCoverageProviderFailure(t *testing.T) {
	t.Run("hard error", func(t *testing.T) {
		ctx := context.Background()
		cal := market.NewCalendar()
		store := storetest.NewMemoryStore()
		clock := testClock(cal)
		fetcher := &fakeFetcher{cal: cal, session: market.SessionDay, err: errors.New("bridge down")}

		r := reconcile.New(store, fetcher, cal, testConfig(), zap.NewNop(), nil,
			reconcile.WithClock(clock.Now))

		if filled := r.EnsureCoverage(ctx, market.SessionDay, 14); filled != 0 {
			t.Fatalf("failed cycle reported %d days filled", filled)
		}
		if got := fetcher.callCount(); got != 1 {
			t.Fatalf("expected one fetch attempt, got %d", got)
		}

		// The zero-fill outcome switches the throttle to the idle cooldown.
		clock.Advance(21 * time.Second)
		r.EnsureCoverage(ctx, market.SessionDay, 14)
		if got := fetcher.callCount(); got != 1 {
			t.Errorf("idle backoff not applied, calls = %d", got)
		}
		clock.Advance(300 * time.Second)
		r.EnsureCoverage(ctx, market.SessionDay, 14)
		if got := fetcher.callCount(); got != 2 {
			t.Errorf("expected retry after idle cooldown, calls = %d", got)
		}
	})

	t.Run("empty payload", func(t *testing.T) {
		ctx := context.Background()
		cal := market.NewCalendar()
		store := storetest.NewMemoryStore()
		clock := testClock(cal)
		skip := make(map[market.Date]bool)
		for d := (market.Date{Year: 2026, Month: 3, Day: 1}); !d.After(market.Date{Year: 2026, Month: 3, Day: 31}); d = d.AddDays(1) {
			skip[d] = true
		}
		fetcher := &fakeFetcher{cal: cal, session: market.SessionDay, skip: skip}

		r := reconcile.New(store, fetcher, cal, testConfig(), zap.NewNop(), nil,
			reconcile.WithClock(clock.Now))

		if filled := r.EnsureCoverage(ctx, market.SessionDay, 14); filled != 0 {
			t.Fatalf("empty provider reported %d days filled", filled)
		}
		if got := store.Len(); got != 0 {
			t.Errorf("empty provider stored %d bars", got)
		}
	})
}

// go test -v --run TestEnsureCoverageDropsStaleRows
func TestEnsureCoverageDropsStaleRows(t *testing.T) {
	ctx := context.Background()
	cal := market.NewCalendar()
	store := storetest.NewMemoryStore()
	clock := testClock(cal)
	loc := cal.Location()

	// Boundary junk from an earlier buggy fill, on a sibling series, plus an
	// in-session bar holding a price the provider has since corrected.
	stale := []market.Bar{
		{Timestamp: time.Date(2026, 3, 20, 13, 50, 0, 0, loc).UTC(), Code: "TXFD6", Open: 1, High: 1, Low: 1, Close: 1, Volume: 1},
		{Timestamp: time.Date(2026, 3, 20, 9, 0, 0, 0, loc).UTC(), Code: "TXFR1", Open: 99999, High: 99999, Low: 99999, Close: 99999, Volume: 1},
	}
	if _, err := store.UpsertBars(ctx, stale); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	fetcher := &fakeFetcher{cal: cal, session: market.SessionDay}
	r := reconcile.New(store, fetcher, cal, testConfig(), zap.NewNop(), nil,
		reconcile.WithClock(clock.Now))

	if filled := r.EnsureCoverage(ctx, market.SessionDay, 1); filled != 1 {
		t.Fatalf("expected 1 day filled, got %d", filled)
	}

	// The widened delete removed the 13:50 row and the refill did not bring
	// it back; the refill wrote the corrected 09:00 price.
	if got := store.Len(); got != 301 {
		t.Errorf("stored bars = %d, want 301", got)
	}
	after, err := store.QueryRange(ctx, "TXF%",
		time.Date(2026, 3, 20, 13, 46, 0, 0, loc),
		time.Date(2026, 3, 20, 14, 0, 0, 0, loc))
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(after) != 0 {
		t.Errorf("boundary junk survived the refill: %v", after)
	}
	nine, err := store.QueryRange(ctx, "TXFR1",
		time.Date(2026, 3, 20, 9, 0, 0, 0, loc),
		time.Date(2026, 3, 20, 9, 1, 0, 0, loc))
	if err != nil || len(nine) != 1 {
		t.Fatalf("expected the 09:00 bar, got %v err %v", nine, err)
	}
	if nine[0].Close != 23105 {
		t.Errorf("stale close survived: %v", nine[0].Close)
	}
}

// go test -v --run TestEnsureCoverageLeavesClosedDateUncovered
func TestEnsureCoverageLeavesClosedDateUncovered(t *testing.T) {
	ctx := context.Background()
	cal := market.NewCalendar()
	store := storetest.NewMemoryStore()
	clock := testClock(cal)

	// 03-19 looks like a business day locally but the exchange was closed,
	// so the provider has nothing for it.
	fetcher := &fakeFetcher{cal: cal, session: market.SessionDay, skip: map[market.Date]bool{
		{Year: 2026, Month: 3, Day: 19}: true,
	}}

	r := reconcile.New(store, fetcher, cal, testConfig(), zap.NewNop(), nil,
		reconcile.WithClock(clock.Now))

	if filled := r.EnsureCoverage(ctx, market.SessionDay, 2); filled != 1 {
		t.Fatalf("expected 1 day filled, got %d", filled)
	}
	if got := store.Len(); got != 301 {
		t.Errorf("stored bars = %d, want 301", got)
	}

	ok, err := r.IsSufficient(ctx, market.Date{Year: 2026, Month: 3, Day: 19}, market.SessionDay)
	if err != nil {
		t.Fatalf("sufficiency check failed: %v", err)
	}
	if ok {
		t.Error("closed date reported sufficient")
	}

	// The next cycle retries only the uncovered date and gives up softly.
	clock.Advance(21 * time.Second)
	if filled := r.EnsureCoverage(ctx, market.SessionDay, 2); filled != 0 {
		t.Errorf("closed date refilled %d days", filled)
	}
	if got := fetcher.callCount(); got != 2 {
		t.Errorf("expected a retry fetch, got %d calls", got)
	}
	if got := store.Len(); got != 301 {
		t.Errorf("retry changed stored bars to %d", got)
	}
}

// go test -v --run TestBackfillDate
func TestBackfillDate(t *testing.T) {
	ctx := context.Background()
	cal := market.NewCalendar()
	store := storetest.NewMemoryStore()
	clock := testClock(cal)
	fetcher := &fakeFetcher{cal: cal, session: market.SessionDay}
	target := market.Date{Year: 2026, Month: 3, Day: 17}

	r := reconcile.New(store, fetcher, cal, testConfig(), zap.NewNop(), nil,
		reconcile.WithClock(clock.Now))

	// Fill
	n, err := r.BackfillDate(ctx, target, market.SessionDay, true, false)
	if err != nil {
		t.Fatalf("backfill failed: %v", err)
	}
	if n != 301 {
		t.Errorf("backfilled %d bars, want 301", n)
	}
	if got := store.Len(); got != 301 {
		t.Errorf("stored bars = %d, want 301", got)
	}

	// Skip existing
	n, err = r.BackfillDate(ctx, target, market.SessionDay, true, false)
	if err != nil {
		t.Fatalf("skip-existing backfill failed: %v", err)
	}
	if n != 0 {
		t.Errorf("sufficient date refilled %d bars", n)
	}
	if got := fetcher.callCount(); got != 1 {
		t.Errorf("skip-existing reached the provider, calls = %d", got)
	}

	// Force wins over skip-existing and leaves no duplicates behind.
	n, err = r.BackfillDate(ctx, target, market.SessionDay, true, true)
	if err != nil {
		t.Fatalf("forced backfill failed: %v", err)
	}
	if n != 301 {
		t.Errorf("forced backfill wrote %d bars, want 301", n)
	}
	if got := store.Len(); got != 301 {
		t.Errorf("forced backfill left %d bars, want 301", got)
	}

	// Closed date upstream is a soft skip.
	fetcher.skip = map[market.Date]bool{
		{Year: 2026, Month: 3, Day: 19}: true,
		{Year: 2026, Month: 3, Day: 20}: true,
	}
	n, err = r.BackfillDate(ctx, market.Date{Year: 2026, Month: 3, Day: 19}, market.SessionDay, false, false)
	if err != nil {
		t.Fatalf("closed date backfill errored: %v", err)
	}
	if n != 0 {
		t.Errorf("closed date wrote %d bars", n)
	}

	// Hard provider failures surface to the caller.
	fetcher.err = errors.New("bridge down")
	if _, err := r.BackfillDate(ctx, target, market.SessionDay, false, true); err == nil {
		t.Error("expected provider error to surface")
	}
}
