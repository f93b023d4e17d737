// Package storetest provides an in-memory bar store with the same contract
// as the postgres client: (code, ts) keyed upserts, half-open range queries,
// family code patterns. It backs the hermetic tests of the resampler,
// reconciler and read service.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"kbarstore/internal/market"
)

type barKey struct {
	code string
	ts   int64
}

type MemoryStore struct {
	mu   sync.Mutex
	bars map[barKey]market.Bar
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bars: make(map[barKey]market.Bar),
	}
}

// UpsertBars stores bars, replacing any entry sharing (code, ts).
func (m *MemoryStore) UpsertBars(ctx context.Context, bars []market.Bar) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bars {
		b.Timestamp = b.Timestamp.UTC()
		m.bars[barKey{code: b.Code, ts: b.Timestamp.Unix()}] = b
	}
	return int64(len(bars)), nil
}

// QueryRange returns matching bars with start <= ts < end, ascending.
func (m *MemoryStore) QueryRange(ctx context.Context, codePattern string, start, end time.Time) ([]market.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []market.Bar
	for _, b := range m.bars {
		if !market.MatchesPattern(b.Code, codePattern) {
			continue
		}
		if b.Timestamp.Before(start.UTC()) || !b.Timestamp.Before(end.UTC()) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

// CountRange returns the number of matching bars in the half-open window.
func (m *MemoryStore) CountRange(ctx context.Context, codePattern string, start, end time.Time) (int64, error) {
	bars, err := m.QueryRange(ctx, codePattern, start, end)
	if err != nil {
		return 0, err
	}
	return int64(len(bars)), nil
}

// LatestTimestamp returns the maximum stored timestamp, restricted to
// [start, end) when start is non-zero. Zero time means nothing matched.
func (m *MemoryStore) LatestTimestamp(ctx context.Context, codePattern string, start, end time.Time) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest time.Time
	for _, b := range m.bars {
		if !market.MatchesPattern(b.Code, codePattern) {
			continue
		}
		if !start.IsZero() {
			if b.Timestamp.Before(start.UTC()) || !b.Timestamp.Before(end.UTC()) {
				continue
			}
		}
		if b.Timestamp.After(latest) {
			latest = b.Timestamp
		}
	}
	return latest, nil
}

// DeleteRange removes matching bars in the half-open window.
func (m *MemoryStore) DeleteRange(ctx context.Context, codePattern string, start, end time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for k, b := range m.bars {
		if !market.MatchesPattern(b.Code, codePattern) {
			continue
		}
		if b.Timestamp.Before(start.UTC()) || !b.Timestamp.Before(end.UTC()) {
			continue
		}
		delete(m.bars, k)
		removed++
	}
	return removed, nil
}

// Len reports the total number of stored bars; duplicates are impossible by
// construction, so tests use it to assert no-duplication after refills.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bars)
}
