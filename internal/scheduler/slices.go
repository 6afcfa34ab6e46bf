package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"marketsync/internal/domain"
	"marketsync/internal/metrics"
)

// SliceGaps cuts gaps into slices of width, newest data first: gaps are
// visited from the most recent one and each is walked backward from its end
// in full width steps. Only the oldest slice of a gap is clamped to gap.From
// and may be narrower. At most limit slices are produced.
func SliceGaps(gaps []domain.CoverageGap, width time.Duration, limit int) []domain.Slice {
	if width <= 0 || limit <= 0 {
		return nil
	}
	var out []domain.Slice
	for i := len(gaps) - 1; i >= 0; i-- {
		gap := gaps[i]
		for to := gap.To; to.After(gap.From); {
			if len(out) == limit {
				return out
			}
			from := to.Add(-width)
			if from.Before(gap.From) {
				from = gap.From
			}
			out = append(out, domain.Slice{From: from, To: to})
			to = from
		}
	}
	return out
}

type Enqueuer interface {
	Enqueue(ctx context.Context, run domain.JobRun) (bool, error)
}

// SliceScheduler turns slices of one definition into queued job runs.
type SliceScheduler struct {
	queue       Enqueuer
	maxAttempts int
	metrics     *metrics.Metrics
}

func NewSliceScheduler(q Enqueuer, maxAttempts int, m *metrics.Metrics) *SliceScheduler {
	return &SliceScheduler{queue: q, maxAttempts: maxAttempts, metrics: m}
}

// EnqueueSlices inserts one queued run per slice and returns how many were
// new. Slices already queued or running are skipped. A failing slice does not
// stop the others; its error is returned alongside the count.
func (s *SliceScheduler) EnqueueSlices(ctx context.Context, def domain.JobDefinition, slices []domain.Slice, now time.Time) (int, []error) {
	inserted := 0
	var errs []error
	for _, sl := range slices {
		ok, err := s.queue.Enqueue(ctx, domain.JobRun{
			JobDefID:    def.ID,
			Symbol:      def.Symbol,
			Timeframe:   def.Timeframe,
			JobType:     def.JobType,
			SliceFrom:   sl.From,
			SliceTo:     sl.To,
			MaxAttempts: s.maxAttempts,
			Priority:    def.Priority,
			CreatedAt:   now,
		})
		if err != nil {
			err = domain.Mark(errors.WithDetailf(err, "slice %s..%s", sl.From.Format(time.RFC3339), sl.To.Format(time.RFC3339)), domain.ErrEnqueue)
			log.Warn().Err(err).Str("job_def_id", def.ID).Str("symbol", def.Symbol).Time("slice_from", sl.From).Msg("enqueue failed")
			errs = append(errs, err)
			continue
		}
		if ok {
			inserted++
		}
	}
	s.metrics.AddEnqueued(inserted)
	return inserted, errs
}
