package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"marketsync/internal/dispatch"
	"marketsync/internal/domain"
	"marketsync/internal/heartbeat"
	"marketsync/internal/metrics"
	"marketsync/internal/registry"
)

// maxReportedErrors bounds the error list kept in a Report and the heartbeat message.
const maxReportedErrors = 10

type DefinitionSource interface {
	ListEnabled(ctx context.Context) ([]registry.Entry, error)
}

type GapAnalyzer interface {
	ComputeGaps(ctx context.Context, key domain.Key, windowDays int, now time.Time) ([]domain.CoverageGap, error)
}

type Dispatcher interface {
	Run(ctx context.Context) dispatch.Report
}

type Orchestrator struct {
	definitions DefinitionSource
	analyzer    GapAnalyzer
	slicer      *SliceScheduler
	reclaimer   *Reclaimer
	retrier     *Retrier
	dispatcher  Dispatcher
	heartbeat   *heartbeat.Reporter
	metrics     *metrics.Metrics
	now         func() time.Time
}

type Deps struct {
	Definitions DefinitionSource
	Analyzer    GapAnalyzer
	Slicer      *SliceScheduler
	Reclaimer   *Reclaimer
	Retrier     *Retrier
	Dispatcher  Dispatcher
	Heartbeat   *heartbeat.Reporter
	Metrics     *metrics.Metrics
}

func NewOrchestrator(d Deps) *Orchestrator {
	return &Orchestrator{
		definitions: d.Definitions,
		analyzer:    d.Analyzer,
		slicer:      d.Slicer,
		reclaimer:   d.Reclaimer,
		retrier:     d.Retrier,
		dispatcher:  d.Dispatcher,
		heartbeat:   d.Heartbeat,
		metrics:     d.Metrics,
		now:         time.Now,
	}
}

type Report struct {
	StartedAt        time.Time           `json:"started_at"`
	Reclaimed        int                 `json:"reclaimed"`
	StaleFailed      int                 `json:"stale_failed"`
	Definitions      int                 `json:"definitions"`
	Skipped          int                 `json:"skipped"`
	Covered          int                 `json:"covered"`
	SlicesEnqueued   int                 `json:"slices_enqueued"`
	Claimed          int                 `json:"claimed"`
	Calls            int                 `json:"calls"`
	Completed        int                 `json:"completed"`
	DispatchFailures int                 `json:"dispatch_failures"`
	Errors           []string            `json:"errors,omitempty"`
	Status           domain.HealthStatus `json:"status"`

	isolated int
	fatal    bool
}

func (r *Report) isolate(err error) {
	r.isolated++
	if len(r.Errors) < maxReportedErrors {
		r.Errors = append(r.Errors, err.Error())
	}
}

func (r *Report) abort(err error) {
	r.fatal = true
	r.Errors = append(r.Errors, err.Error())
}

func (r *Report) message() string {
	msg := fmt.Sprintf("reclaimed=%d stale_failed=%d definitions=%d skipped=%d enqueued=%d claimed=%d dispatch_failures=%d",
		r.Reclaimed, r.StaleFailed, r.Definitions, r.Skipped, r.SlicesEnqueued, r.Claimed, r.DispatchFailures)
	if len(r.Errors) > 0 {
		msg += "; " + strings.Join(r.Errors, "; ")
	}
	return msg
}

// Tick runs one pass: reclaim, scan definitions, compute gaps, enqueue
// slices, dispatch, heartbeat. Per-definition and per-slice failures are
// recorded in the Report; the returned error is non-nil only when claiming
// from the queue failed.
func (o *Orchestrator) Tick(ctx context.Context) (rep Report, err error) {
	start := o.now()
	rep.StartedAt = start
	defer func() {
		switch {
		case rep.fatal:
			rep.Status = domain.HealthError
		case rep.isolated > 0 || rep.DispatchFailures > 0:
			rep.Status = domain.HealthWarning
		default:
			rep.Status = domain.HealthHealthy
		}
		o.heartbeat.Report(ctx, o.now(), rep.Status, rep.message())
		o.metrics.ObserveTick(string(rep.Status), o.now().Sub(start))
		log.Info().Str("scheduler", o.heartbeat.Name()).Str("status", string(rep.Status)).Int("enqueued", rep.SlicesEnqueued).Int("claimed", rep.Claimed).
			Int("dispatch_failures", rep.DispatchFailures).Int("errors", rep.isolated).Dur("took", o.now().Sub(start)).Msg("tick finished")
	}()

	res, rerr := o.reclaimer.Run(ctx, start)
	if rerr != nil {
		o.metrics.IncError("reclaim")
		log.Error().Err(rerr).Msg("stale reclaim failed")
		rep.abort(errors.Wrap(rerr, "reclaim"))
	}
	rep.Reclaimed, rep.StaleFailed = res.Reset, res.Failed

	o.enqueueGaps(ctx, start, &rep)

	d := o.dispatcher.Run(ctx)
	rep.Claimed, rep.Calls, rep.Completed, rep.DispatchFailures = d.Claimed, d.Calls, d.Completed, d.DispatchFailures
	if d.Errors > 0 {
		rep.isolate(errors.Newf("failed to record %d job run outcomes", d.Errors))
	}
	if d.ClaimErr != nil {
		o.metrics.IncError("claim")
		rep.abort(d.ClaimErr)
		return rep, d.ClaimErr
	}
	return rep, nil
}

func (o *Orchestrator) enqueueGaps(ctx context.Context, start time.Time, rep *Report) {
	entries, err := o.definitions.ListEnabled(ctx)
	if err != nil {
		o.metrics.IncError("registry")
		log.Error().Err(err).Msg("listing definitions failed, skipping enqueue")
		rep.abort(err)
		return
	}
	rep.Definitions = len(entries)

	for _, e := range entries {
		def := e.Definition
		if e.Err != nil {
			o.metrics.IncError(domain.KindLabel(e.Err))
			rep.Skipped++
			rep.isolate(e.Err)
			continue
		}
		now := def.Timeframe.Truncate(start)
		gaps, err := o.analyzer.ComputeGaps(ctx, def.Key(), def.WindowDays, now)
		if err != nil {
			o.metrics.IncError(domain.KindLabel(err))
			log.Warn().Err(err).Str("job_def_id", def.ID).Str("symbol", def.Symbol).Msg("gap computation failed")
			rep.Skipped++
			rep.isolate(err)
			continue
		}
		if len(gaps) == 0 {
			rep.Covered++
			continue
		}
		slices := SliceGaps(gaps, e.Slicing.Width(), e.Slicing.MaxSlicesPerTick)
		n, errs := o.slicer.EnqueueSlices(ctx, def, slices, start)
		rep.SlicesEnqueued += n
		for _, err := range errs {
			o.metrics.IncError(domain.KindLabel(err))
			rep.isolate(err)
		}
		log.Debug().Str("job_def_id", def.ID).Str("symbol", def.Symbol).Str("timeframe", string(def.Timeframe)).
			Int("gaps", len(gaps)).Int("slices", len(slices)).Int("enqueued", n).Msg("definition scheduled")
	}
}

// RetryFailed runs retry maintenance once.
func (o *Orchestrator) RetryFailed(ctx context.Context) (int, error) {
	return o.retrier.Run(ctx, o.now())
}
