package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"marketsync/internal/metrics"
)

type RetryStore interface {
	RetryFailed(ctx context.Context, now time.Time, limit int) (int, error)
}

// Retrier requeues failed runs that still have attempts left. Spacing its
// invocations is the only backoff.
type Retrier struct {
	store   RetryStore
	limit   int
	metrics *metrics.Metrics
}

func NewRetrier(store RetryStore, limit int, m *metrics.Metrics) *Retrier {
	if limit <= 0 {
		limit = 100
	}
	return &Retrier{store: store, limit: limit, metrics: m}
}

func (r *Retrier) Run(ctx context.Context, now time.Time) (int, error) {
	n, err := r.store.RetryFailed(ctx, now, r.limit)
	r.metrics.AddRetried(n)
	if err != nil {
		return n, err
	}
	log.Info().Int("requeued", n).Int("limit", r.limit).Msg("retry maintenance finished")
	return n, nil
}
