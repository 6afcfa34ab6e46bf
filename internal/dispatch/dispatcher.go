package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"marketsync/internal/domain"
	"marketsync/internal/metrics"
	"marketsync/internal/queue"
	"marketsync/internal/worker"
)

const forecastProvider = "forecast-stub"

// Queue is what the dispatcher needs from the job queue.
type Queue interface {
	ClaimOne(ctx context.Context, now time.Time) (domain.JobRun, error)
	Complete(ctx context.Context, id string, outcome domain.Outcome, now time.Time) error
}

type Config struct {
	MaxConcurrentJobs int
	MaxBatchSize      int
	Timeout           time.Duration
	RateLimit         float64
	RateBurst         int
}

type Dispatcher struct {
	queue   Queue
	fetcher FetchWorker
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time
	// shared by every Run so the rate holds across ticks
	limiter *rate.Limiter
}

func New(q Queue, fetcher FetchWorker, cfg Config, m *metrics.Metrics) *Dispatcher {
	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = 1
	}
	if cfg.MaxBatchSize < 1 {
		cfg.MaxBatchSize = 1
	}
	return &Dispatcher{
		queue:   q,
		fetcher: fetcher,
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
		limiter: worker.NewLimiter(cfg.RateLimit, cfg.RateBurst),
	}
}

type Report struct {
	Claimed          int   `json:"claimed"`
	Calls            int   `json:"calls"`
	DispatchFailures int   `json:"dispatch_failures"`
	Completed        int   `json:"completed"`
	Errors           int   `json:"errors"`
	ClaimErr         error `json:"-"`
}

// Run claims up to MaxConcurrentJobs runs and hands them to the fetch worker.
// A claim failure stops claiming; runs already claimed are still dispatched.
func (d *Dispatcher) Run(ctx context.Context) Report {
	var rep Report
	var runs []domain.JobRun
	for len(runs) < d.cfg.MaxConcurrentJobs {
		run, err := d.queue.ClaimOne(ctx, d.now())
		if errors.Is(err, queue.ErrEmpty) {
			break
		}
		if err != nil {
			rep.ClaimErr = domain.Mark(err, domain.ErrClaim)
			log.Error().Err(err).Int("claimed", len(runs)).Msg("claim failed, dispatching what was claimed")
			break
		}
		d.metrics.IncClaim()
		runs = append(runs, run)
	}
	rep.Claimed = len(runs)
	if len(runs) == 0 {
		return rep
	}

	var fetches []domain.JobRun
	for _, run := range runs {
		if run.JobType == domain.JobTypeRunForecast {
			if d.complete(ctx, run.ID, domain.Succeeded(0, forecastProvider)) {
				rep.Completed++
			} else {
				rep.Errors++
			}
			continue
		}
		fetches = append(fetches, run)
	}

	var mu sync.Mutex
	pool := worker.NewPool(d.cfg.MaxConcurrentJobs, d.cfg.Timeout).WithLimiter(d.limiter)
	for _, c := range Plan(fetches, d.cfg.MaxBatchSize) {
		pool.Go(ctx, func(callCtx context.Context, startErr error) {
			r := d.dispatch(ctx, callCtx, c, startErr)
			mu.Lock()
			rep.Calls++
			rep.DispatchFailures += r.DispatchFailures
			rep.Completed += r.Completed
			rep.Errors += r.Errors
			mu.Unlock()
		})
	}
	pool.Wait()
	return rep
}

// dispatch makes one provider call. callCtx carries the per-call deadline;
// ctx is used to record outcomes so a timed-out call can still be failed.
func (d *Dispatcher) dispatch(ctx, callCtx context.Context, c Chunk, startErr error) Report {
	var rep Report
	req := c.Request()
	path, code := "single", domain.CodeDispatchError
	call := d.fetcher.Fetch
	if c.Batch {
		path, code = "batch", domain.CodeBatchDispatchError
		call = d.fetcher.FetchBatch
	}

	err := startErr
	var res FetchResult
	if err == nil {
		res, err = call(callCtx, req)
	}
	d.metrics.IncDispatch(path, err == nil)
	if err != nil {
		err = domain.Mark(err, domain.ErrDispatchTransport)
		log.Warn().Err(err).Str("path", path).Str("job_type", string(req.JobType)).Str("timeframe", string(req.Timeframe)).
			Int("jobs", len(c.Runs)).Msg("dispatch failed")
		for _, run := range c.Runs {
			if d.complete(ctx, run.ID, domain.Failed(code, err.Error())) {
				rep.DispatchFailures++
			} else {
				rep.Errors++
			}
		}
		return rep
	}

	members := make(map[string]bool, len(c.Runs))
	for _, run := range c.Runs {
		members[run.ID] = true
	}
	for _, jr := range res.Results {
		if !members[jr.JobRunID] {
			log.Warn().Str("job_run_id", jr.JobRunID).Msg("fetch worker returned a result for a run outside the call")
			continue
		}
		if err := jr.Err(); err != nil {
			d.metrics.IncError(domain.KindLabel(err))
			log.Warn().Err(err).Str("kind", domain.KindLabel(err)).Str("job_run_id", jr.JobRunID).Msg("fetch worker reported a failed run")
		}
		if d.complete(ctx, jr.JobRunID, jr.Outcome()) {
			rep.Completed++
		} else {
			rep.Errors++
		}
	}
	log.Debug().Str("path", path).Int("jobs", len(c.Runs)).Int("results", len(res.Results)).Msg("dispatched")
	return rep
}

func (d *Dispatcher) complete(ctx context.Context, id string, o domain.Outcome) bool {
	if err := d.queue.Complete(ctx, id, o, d.now()); err != nil {
		log.Error().Err(err).Str("job_run_id", id).Str("status", string(o.Status)).Msg("failed to record job run outcome")
		return false
	}
	d.metrics.IncCompleted(string(o.Status))
	return true
}
