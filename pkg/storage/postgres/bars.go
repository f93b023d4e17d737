package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"kbarstore/internal/market"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const upsertBatchSize = 500

// UpsertBars writes bars in one transaction, replacing any stored bar that
// shares a (code, ts) key. Empty input is a no-op success. On error nothing
// is written.
func (p *PostgresClient) UpsertBars(ctx context.Context, bars []market.Bar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	records := make([]*BarRecord, 0, len(bars))
	for _, b := range bars {
		records = append(records, ToBarRecord(b))
	}

	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "code"},
				{Name: "ts"},
			},
			UpdateAll: true,
		}).CreateInBatches(records, upsertBatchSize).Error
	})
	if err != nil {
		return 0, fmt.Errorf("upsert %d bars: %w", len(records), err)
	}

	return int64(len(records)), nil
}

// QueryRange returns bars with start <= ts < end matching the code pattern,
// ascending by timestamp. A missing range is an empty result, not an error.
func (p *PostgresClient) QueryRange(ctx context.Context, codePattern string, start, end time.Time) ([]market.Bar, error) {
	var records []BarRecord
	err := withCodePattern(p.DB.WithContext(ctx), codePattern).
		Where("ts >= ? AND ts < ?", start.UTC(), end.UTC()).
		Order("ts ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("query bars %s [%s, %s): %w",
			codePattern, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339), err)
	}

	bars := make([]market.Bar, 0, len(records))
	for i := range records {
		bars = append(bars, records[i].Bar())
	}
	return bars, nil
}

// CountRange returns the number of stored bars in the half-open window.
func (p *PostgresClient) CountRange(ctx context.Context, codePattern string, start, end time.Time) (int64, error) {
	var count int64
	err := withCodePattern(p.DB.WithContext(ctx).Model(&BarRecord{}), codePattern).
		Where("ts >= ? AND ts < ?", start.UTC(), end.UTC()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count bars: %w", err)
	}
	return count, nil
}

// LatestTimestamp returns the maximum stored timestamp for the code pattern,
// optionally restricted to [start, end) when start is non-zero. The zero
// time means nothing is stored.
func (p *PostgresClient) LatestTimestamp(ctx context.Context, codePattern string, start, end time.Time) (time.Time, error) {
	q := withCodePattern(p.DB.WithContext(ctx).Model(&BarRecord{}), codePattern)
	if !start.IsZero() {
		q = q.Where("ts >= ? AND ts < ?", start.UTC(), end.UTC())
	}

	var latest sql.NullTime
	if err := q.Select("MAX(ts)").Scan(&latest).Error; err != nil {
		return time.Time{}, fmt.Errorf("latest timestamp: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return latest.Time.UTC(), nil
}

// DeleteRange removes bars in the half-open window. Only the reconciler
// calls this, immediately before a refill.
func (p *PostgresClient) DeleteRange(ctx context.Context, codePattern string, start, end time.Time) (int64, error) {
	tx := withCodePattern(p.DB.WithContext(ctx), codePattern).
		Where("ts >= ? AND ts < ?", start.UTC(), end.UTC()).
		Delete(&BarRecord{})
	if tx.Error != nil {
		return 0, fmt.Errorf("delete bars: %w", tx.Error)
	}
	return tx.RowsAffected, nil
}

// withCodePattern applies the family-or-exact code match: a trailing '%'
// selects every series of a root, anything else is exact.
func withCodePattern(q *gorm.DB, pattern string) *gorm.DB {
	if strings.HasSuffix(pattern, "%") {
		return q.Where("code LIKE ?", pattern)
	}
	return q.Where("code = ?", pattern)
}
