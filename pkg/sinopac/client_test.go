package sinopac_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"kbarstore/internal/market"
	"kbarstore/pkg/sinopac"
)

// go test -v --run TestFetchBars
func TestFetchBars(t *testing.T) {
	loc := market.NewCalendar().Location()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/kbars" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("code") != "TXFR1" || q.Get("start") != "2026-03-17" || q.Get("end") != "2026-03-18" {
			t.Errorf("unexpected query %v", q)
		}
		if r.Header.Get("X-API-Key") != "key" || r.Header.Get("X-Secret-Key") != "secret" {
			t.Errorf("credentials not forwarded")
		}
		fmt.Fprint(w, `{
			"status": "ok",
			"data": {
				"ts": ["2026-03-17T15:01:00", "2026-03-17T15:02:00"],
				"Open": [23100, 23105],
				"High": [23110, 23112],
				"Low": [23095, 23100],
				"Close": [23105, 23110],
				"Volume": [120, 80]
			}
		}`)
	}))
	defer srv.Close()

	client := sinopac.NewClient(srv.URL, "key", "secret", loc, 5*time.Second, 0)
	bars, err := client.FetchBars(context.Background(),
		"TXFR1",
		market.Date{Year: 2026, Month: 3, Day: 17},
		market.Date{Year: 2026, Month: 3, Day: 18},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}

	// naive bridge timestamps resolve in the exchange zone, stored as UTC
	wantUTC := time.Date(2026, 3, 17, 7, 1, 0, 0, time.UTC)
	if !bars[0].Timestamp.Equal(wantUTC) {
		t.Errorf("timestamp = %v, want %v", bars[0].Timestamp, wantUTC)
	}
	if bars[0].Code != "TXFR1" || bars[0].Open != 23100 || bars[0].Volume != 120 {
		t.Errorf("bar fields wrong: %+v", bars[0])
	}
	// quote fields default from the close
	if bars[0].BidPrice != 23105 || bars[0].AskPrice != 23105 || bars[0].BidVolume != 0 {
		t.Errorf("quote defaults wrong: %+v", bars[0])
	}
}

// go test -v --run TestFetchBarsZonedTimestamps
func TestFetchBarsZonedTimestamps(t *testing.T) {
	loc := market.NewCalendar().Location()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"status": "ok",
			"data": {
				"ts": ["2026-03-17T15:01:00+08:00"],
				"Open": [23100], "High": [23110], "Low": [23095], "Close": [23105], "Volume": [10]
			}
		}`)
	}))
	defer srv.Close()

	client := sinopac.NewClient(srv.URL, "key", "secret", loc, 5*time.Second, 0)
	bars, err := client.FetchBars(context.Background(),
		"TXFR1",
		market.Date{Year: 2026, Month: 3, Day: 17},
		market.Date{Year: 2026, Month: 3, Day: 17},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bars[0].Timestamp.Equal(time.Date(2026, 3, 17, 7, 1, 0, 0, time.UTC)) {
		t.Errorf("zoned timestamp wrong: %v", bars[0].Timestamp)
	}
}

// go test -v --run TestFetchBarsErrors
func TestFetchBarsErrors(t *testing.T) {
	loc := market.NewCalendar().Location()
	start := market.Date{Year: 2026, Month: 3, Day: 17}

	t.Run("http error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		}))
		defer srv.Close()

		client := sinopac.NewClient(srv.URL, "key", "secret", loc, 5*time.Second, 0)
		_, err := client.FetchBars(context.Background(), "TXFR1", start, start)
		var apiErr *sinopac.APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected APIError, got %v", err)
		}
		if apiErr.StatusCode != http.StatusTooManyRequests {
			t.Errorf("status = %d", apiErr.StatusCode)
		}
	})

	t.Run("error envelope", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"status": "error", "msg": "session expired"}`)
		}))
		defer srv.Close()

		client := sinopac.NewClient(srv.URL, "key", "secret", loc, 5*time.Second, 0)
		_, err := client.FetchBars(context.Background(), "TXFR1", start, start)
		var apiErr *sinopac.APIError
		if !errors.As(err, &apiErr) || apiErr.Msg != "session expired" {
			t.Fatalf("expected envelope APIError, got %v", err)
		}
	})

	t.Run("empty payload", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"status": "ok", "data": {"ts": [], "Open": [], "High": [], "Low": [], "Close": [], "Volume": []}}`)
		}))
		defer srv.Close()

		client := sinopac.NewClient(srv.URL, "key", "secret", loc, 5*time.Second, 0)
		_, err := client.FetchBars(context.Background(), "TXFR1", start, start)
		if !errors.Is(err, sinopac.ErrEmptyPayload) {
			t.Fatalf("expected ErrEmptyPayload, got %v", err)
		}
	})

	t.Run("ragged columns", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"status": "ok", "data": {"ts": ["2026-03-17T15:01:00"], "Open": [1, 2], "High": [1], "Low": [1], "Close": [1], "Volume": [1]}}`)
		}))
		defer srv.Close()

		client := sinopac.NewClient(srv.URL, "key", "secret", loc, 5*time.Second, 0)
		if _, err := client.FetchBars(context.Background(), "TXFR1", start, start); err == nil {
			t.Fatal("expected error for ragged columns")
		}
	})
}
