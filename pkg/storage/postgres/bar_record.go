package postgres

import (
	"time"

	"kbarstore/internal/market"
)

// BarRecord represents one stored 1-minute bar.
type BarRecord struct {
	ID uint `gorm:"primaryKey"`

	// unique key: one bar per contract per minute
	Code string    `gorm:"type:text;not null;index:idx_bars_code;index:idx_bars_code_ts,unique"`
	TS   time.Time `gorm:"not null;index:idx_bars_ts;index:idx_bars_code_ts,unique"`

	Open  float64 `gorm:"type:numeric;not null"`
	High  float64 `gorm:"type:numeric;not null"`
	Low   float64 `gorm:"type:numeric;not null"`
	Close float64 `gorm:"type:numeric;not null"`

	Volume int64 `gorm:"not null"`

	BidPrice  float64 `gorm:"type:numeric"`
	AskPrice  float64 `gorm:"type:numeric"`
	BidVolume int64
	AskVolume int64

	RecordedAt time.Time `gorm:"autoCreateTime"`
}

// TableName overrides the default table name for GORM.
func (BarRecord) TableName() string {
	return "bars"
}

// ToBarRecord converts a market bar for DB insertion. Timestamps are stored
// in UTC regardless of the zone they arrive in.
func ToBarRecord(b market.Bar) *BarRecord {
	return &BarRecord{
		Code:      b.Code,
		TS:        b.Timestamp.UTC(),
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    b.Volume,
		BidPrice:  b.BidPrice,
		AskPrice:  b.AskPrice,
		BidVolume: b.BidVolume,
		AskVolume: b.AskVolume,
	}
}

// Bar converts a stored record back to the domain type.
func (r *BarRecord) Bar() market.Bar {
	return market.Bar{
		Timestamp: r.TS.UTC(),
		Code:      r.Code,
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
		BidPrice:  r.BidPrice,
		AskPrice:  r.AskPrice,
		BidVolume: r.BidVolume,
		AskVolume: r.AskVolume,
	}
}
