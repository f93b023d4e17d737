package storetest_test

import (
	"context"
	"testing"
	"time"

	"kbarstore/internal/market"
	"kbarstore/pkg/storage/storetest"
)

func minuteBar(code string, ts time.Time, px float64) market.Bar {
	return market.Bar{Timestamp: ts, Code: code, Open: px, High: px, Low: px, Close: px, Volume: 1}
}

// go test -v --run TestMemoryStoreUpsertIdempotent
func TestMemoryStoreUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storetest.NewMemoryStore()
	ts := time.Date(2026, 3, 17, 1, 0, 0, 0, time.UTC)

	if _, err := store.UpsertBars(ctx, []market.Bar{minuteBar("TXFR1", ts, 23100)}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	// same key, new value: exactly one row holding the second value
	if _, err := store.UpsertBars(ctx, []market.Bar{minuteBar("TXFR1", ts, 23200)}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if store.Len() != 1 {
		t.Fatalf("expected 1 stored bar, got %d", store.Len())
	}
	bars, err := store.QueryRange(ctx, "TXFR1", ts, ts.Add(time.Minute))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(bars) != 1 || bars[0].Close != 23200 {
		t.Fatalf("last write did not win: %+v", bars)
	}

	// empty input is a no-op success
	if n, err := store.UpsertBars(ctx, nil); err != nil || n != 0 {
		t.Fatalf("empty upsert: n=%d err=%v", n, err)
	}
}

// go test -v --run TestMemoryStoreRangeSemantics
func TestMemoryStoreRangeSemantics(t *testing.T) {
	ctx := context.Background()
	store := storetest.NewMemoryStore()
	base := time.Date(2026, 3, 17, 1, 0, 0, 0, time.UTC)

	var bars []market.Bar
	for i := 0; i < 10; i++ {
		bars = append(bars, minuteBar("TXFR1", base.Add(time.Duration(i)*time.Minute), 23100+float64(i)))
	}
	bars = append(bars, minuteBar("TXF202609", base, 23050))
	bars = append(bars, minuteBar("MXFR1", base, 11500))
	if _, err := store.UpsertBars(ctx, bars); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// family pattern matches both TXF series, half-open end excludes the bar at end
	got, err := store.QueryRange(ctx, "TXF%", base, base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("family range: expected 6 bars, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Fatal("result not ascending")
		}
	}

	// exact code
	got, err = store.QueryRange(ctx, "TXF202609", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("query exact: %v", err)
	}
	if len(got) != 1 || got[0].Code != "TXF202609" {
		t.Fatalf("exact match wrong: %+v", got)
	}

	n, err := store.CountRange(ctx, "TXFR1", base, base.Add(time.Hour))
	if err != nil || n != 10 {
		t.Fatalf("count = %d, err = %v", n, err)
	}

	latest, err := store.LatestTimestamp(ctx, "TXFR1", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !latest.Equal(base.Add(9 * time.Minute)) {
		t.Fatalf("latest = %v", latest)
	}
	latest, err = store.LatestTimestamp(ctx, "TXFR1", base, base.Add(3*time.Minute))
	if err != nil || !latest.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("windowed latest = %v, err = %v", latest, err)
	}

	// unmatched query is empty, not an error
	got, err = store.QueryRange(ctx, "ZZF%", base, base.Add(time.Hour))
	if err != nil || len(got) != 0 {
		t.Fatalf("unmatched query: %v %v", got, err)
	}

	removed, err := store.DeleteRange(ctx, "TXFR1", base, base.Add(5*time.Minute))
	if err != nil || removed != 5 {
		t.Fatalf("delete removed %d, err %v", removed, err)
	}
	n, _ = store.CountRange(ctx, "TXFR1", base, base.Add(time.Hour))
	if n != 5 {
		t.Fatalf("count after delete = %d", n)
	}
}
