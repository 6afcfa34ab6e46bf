package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"marketsync/internal/metrics"
	"marketsync/internal/queue"
)

type StaleStore interface {
	ReclaimStale(ctx context.Context, now time.Time, maxAge time.Duration) (queue.ReclaimResult, error)
}

// Reclaimer recovers runs whose worker never reported back.
type Reclaimer struct {
	store   StaleStore
	maxAge  time.Duration
	metrics *metrics.Metrics
}

func NewReclaimer(store StaleStore, maxAge time.Duration, m *metrics.Metrics) *Reclaimer {
	return &Reclaimer{store: store, maxAge: maxAge, metrics: m}
}

func (r *Reclaimer) Run(ctx context.Context, now time.Time) (queue.ReclaimResult, error) {
	res, err := r.store.ReclaimStale(ctx, now, r.maxAge)
	if err != nil {
		return queue.ReclaimResult{}, err
	}
	r.metrics.AddReclaimed(res.Reset, res.Failed)
	if res.Reset > 0 || res.Failed > 0 {
		log.Warn().Int("reset", res.Reset).Int("failed", res.Failed).Dur("max_age", r.maxAge).Msg("reclaimed stale job runs")
	}
	return res, nil
}
