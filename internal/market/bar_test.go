package market_test

import (
	"errors"
	"testing"
	"time"

	"kbarstore/internal/market"
)

// go test -v --run TestBarValidate
func TestBarValidate(t *testing.T) {
	ts := time.Date(2026, 3, 18, 1, 1, 0, 0, time.UTC)

	ok := market.Bar{Timestamp: ts, Code: "TXFR1", Open: 23100, High: 23120, Low: 23090, Close: 23110, Volume: 150}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid bar rejected: %v", err)
	}

	flat := market.Bar{Timestamp: ts, Code: "TXFR1", Open: 23100, High: 23100, Low: 23100, Close: 23100, Volume: 0}
	if err := flat.Validate(); err != nil {
		t.Fatalf("flat bar rejected: %v", err)
	}

	cases := []struct {
		name string
		bar  market.Bar
	}{
		{"high below close", market.Bar{Timestamp: ts, Code: "TXFR1", Open: 23100, High: 23105, Low: 23090, Close: 23110, Volume: 1}},
		{"low above open", market.Bar{Timestamp: ts, Code: "TXFR1", Open: 23100, High: 23120, Low: 23105, Close: 23110, Volume: 1}},
		{"negative volume", market.Bar{Timestamp: ts, Code: "TXFR1", Open: 23100, High: 23120, Low: 23090, Close: 23110, Volume: -5}},
	}
	for _, tc := range cases {
		err := tc.bar.Validate()
		if err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
			continue
		}
		var ie *market.IntegrityError
		if !errors.As(err, &ie) {
			t.Errorf("%s: expected IntegrityError, got %T", tc.name, err)
		}
	}
}

// go test -v --run TestMatchesPattern
func TestMatchesPattern(t *testing.T) {
	cases := []struct {
		code    string
		pattern string
		want    bool
	}{
		{"TXFR1", "TXF%", true},
		{"TXF202609", "TXF%", true},
		{"MXFR1", "TXF%", false},
		{"TXFR1", "TXFR1", true},
		{"TXFR1", "TXF", false},
		{"TXF", "TXF%", true},
	}
	for _, tc := range cases {
		if got := market.MatchesPattern(tc.code, tc.pattern); got != tc.want {
			t.Errorf("MatchesPattern(%q, %q) = %v, want %v", tc.code, tc.pattern, got, tc.want)
		}
	}

	if got := market.FamilyPattern("TXF"); got != "TXF%" {
		t.Errorf("FamilyPattern = %q", got)
	}
}
