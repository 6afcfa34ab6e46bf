package coverage

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"marketsync/internal/domain"
)

// Store reports the ranges of a series that are confirmed present. Ranges may
// overlap, touch or extend past [from, to); the analyzer normalizes them.
type Store interface {
	Coverage(ctx context.Context, key domain.Key, from, to time.Time) ([]domain.TimeRange, error)
}

type Analyzer struct {
	store Store
}

func NewAnalyzer(store Store) *Analyzer { return &Analyzer{store: store} }

// ComputeGaps returns the uncovered parts of [now-windowDays, now) in
// chronological order. Gaps never overlap and never leave the window.
func (a *Analyzer) ComputeGaps(ctx context.Context, key domain.Key, windowDays int, now time.Time) ([]domain.CoverageGap, error) {
	window := domain.TimeRange{From: now.AddDate(0, 0, -windowDays), To: now}
	if window.Empty() {
		return nil, nil
	}
	covered, err := a.store.Coverage(ctx, key, window.From, window.To)
	if err != nil {
		return nil, domain.Mark(errors.Wrapf(err, "coverage for %s %s", key.Symbol, key.Timeframe), domain.ErrGapComputation)
	}
	return Complement(window, covered), nil
}

// Complement returns the parts of window not covered by ranges.
func Complement(window domain.TimeRange, ranges []domain.TimeRange) []domain.TimeRange {
	merged := Merge(Clamp(window, ranges))
	var gaps []domain.TimeRange
	cursor := window.From
	for _, r := range merged {
		if r.From.After(cursor) {
			gaps = append(gaps, domain.TimeRange{From: cursor, To: r.From})
		}
		if r.To.After(cursor) {
			cursor = r.To
		}
	}
	if window.To.After(cursor) {
		gaps = append(gaps, domain.TimeRange{From: cursor, To: window.To})
	}
	return gaps
}

// Clamp trims ranges to window and drops those left empty.
func Clamp(window domain.TimeRange, ranges []domain.TimeRange) []domain.TimeRange {
	out := make([]domain.TimeRange, 0, len(ranges))
	for _, r := range ranges {
		if r.From.Before(window.From) {
			r.From = window.From
		}
		if r.To.After(window.To) {
			r.To = window.To
		}
		if !r.Empty() {
			out = append(out, r)
		}
	}
	return out
}

// Merge sorts ranges and joins those that overlap or touch.
func Merge(ranges []domain.TimeRange) []domain.TimeRange {
	if len(ranges) == 0 {
		return nil
	}
	sorted := append([]domain.TimeRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From.Before(sorted[j].From) })

	out := []domain.TimeRange{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.From.After(last.To) {
			out = append(out, r)
			continue
		}
		if r.To.After(last.To) {
			last.To = r.To
		}
	}
	return out
}
