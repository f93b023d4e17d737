package sinopac

import (
	"fmt"
	"time"

	"kbarstore/internal/market"
)

// timestamp layouts the bridge is known to emit; naive ones resolve in the
// exchange zone
var tsLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Bars converts the columnar payload into minute bars for code, in
// timestamp order as the bridge sends them. Ragged columns mean a
// malformed payload. Quote fields default from the close since the history
// endpoint carries no book data.
func (k *Kbars) Bars(code string, loc *time.Location) ([]market.Bar, error) {
	n := len(k.TS)
	if n == 0 {
		return nil, ErrEmptyPayload
	}
	if len(k.Open) != n || len(k.High) != n || len(k.Low) != n || len(k.Close) != n || len(k.Volume) != n {
		return nil, fmt.Errorf("ragged kbars columns: ts=%d open=%d high=%d low=%d close=%d volume=%d",
			n, len(k.Open), len(k.High), len(k.Low), len(k.Close), len(k.Volume))
	}

	bars := make([]market.Bar, 0, n)
	for i := 0; i < n; i++ {
		ts, err := parseTimestamp(k.TS[i], loc)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		bars = append(bars, market.Bar{
			Timestamp: ts.UTC(),
			Code:      code,
			Open:      k.Open[i],
			High:      k.High[i],
			Low:       k.Low[i],
			Close:     k.Close[i],
			Volume:    k.Volume[i],
			BidPrice:  k.Close[i],
			AskPrice:  k.Close[i],
		})
	}
	return bars, nil
}

func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	for _, layout := range tsLayouts {
		var (
			t   time.Time
			err error
		)
		if layout == time.RFC3339 {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, loc)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
