package market

import (
	"fmt"
	"strings"
	"time"
)

// Bar is one OHLCV observation of a contract over a fixed time span.
// Timestamp is the UTC instant opening the bar's minute; for aggregated
// bars it is the bucket label in exchange-local time.
type Bar struct {
	Timestamp time.Time
	Code      string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
	BidPrice  float64
	AskPrice  float64
	BidVolume int64
	AskVolume int64
}

// IntegrityError reports a bar rejected at ingestion because its prices
// violate the OHLC ordering invariant or its volume is negative. The store
// itself never enforces this; writers must.
type IntegrityError struct {
	Code      string
	Timestamp time.Time
	Reason    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("bar %s@%s: %s", e.Code, e.Timestamp.UTC().Format(time.RFC3339), e.Reason)
}

// Validate checks low <= min(open,close) <= max(open,close) <= high and
// volume >= 0. A violation rejects the single bar, not the batch it came in.
func (b Bar) Validate() error {
	if b.Volume < 0 {
		return &IntegrityError{Code: b.Code, Timestamp: b.Timestamp, Reason: fmt.Sprintf("negative volume %d", b.Volume)}
	}
	lo, hi := b.Open, b.Open
	if b.Close < lo {
		lo = b.Close
	}
	if b.Close > hi {
		hi = b.Close
	}
	if b.Low > lo || b.High < hi {
		return &IntegrityError{
			Code:      b.Code,
			Timestamp: b.Timestamp,
			Reason:    fmt.Sprintf("ohlc out of order o=%v h=%v l=%v c=%v", b.Open, b.High, b.Low, b.Close),
		}
	}
	return nil
}

// FamilyPattern returns the code pattern matching every series of a contract
// root, e.g. TXF -> TXF% (TXFR1, TXF202609, ...).
func FamilyPattern(root string) string {
	return root + "%"
}

// MatchesPattern reports whether code matches a store code pattern: a
// trailing '%' makes it a prefix match, anything else is exact.
func MatchesPattern(code, pattern string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "%"); ok {
		return strings.HasPrefix(code, prefix)
	}
	return code == pattern
}
