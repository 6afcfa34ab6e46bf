package scheduler

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"marketsync/internal/config"
	"marketsync/internal/coverage"
	"marketsync/internal/dispatch"
	"marketsync/internal/domain"
	"marketsync/internal/heartbeat"
	"marketsync/internal/queue"
	"marketsync/internal/registry"
)

type coverageFunc func(key domain.Key, from, to time.Time) ([]domain.TimeRange, error)

func (f coverageFunc) Coverage(_ context.Context, key domain.Key, from, to time.Time) ([]domain.TimeRange, error) {
	return f(key, from, to)
}

// acceptingWorker acknowledges every call and reports completion later.
type acceptingWorker struct{ calls atomic.Int32 }

func (w *acceptingWorker) Fetch(context.Context, dispatch.FetchRequest) (dispatch.FetchResult, error) {
	w.calls.Add(1)
	return dispatch.FetchResult{}, nil
}

func (w *acceptingWorker) FetchBatch(context.Context, dispatch.FetchRequest) (dispatch.FetchResult, error) {
	w.calls.Add(1)
	return dispatch.FetchResult{}, nil
}

type fixture struct {
	repo   queue.Repository
	reg    *registry.Registry
	orch   *Orchestrator
	worker *acceptingWorker
}

func newFixture(t *testing.T, store coverage.Store, q dispatch.Queue) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	repo := queue.NewSQLiteRepo(db)
	if q == nil {
		q = repo
	}

	reg := registry.New(repo, map[domain.JobType]config.SliceConfig{
		domain.JobTypeFetchIntraday: {SliceHours: 2, MaxSlicesPerTick: 10},
		domain.JobTypeRunForecast:   {SliceHours: 24, MaxSlicesPerTick: 1},
	})
	w := &acceptingWorker{}
	orch := NewOrchestrator(Deps{
		Definitions: reg,
		Analyzer:    coverage.NewAnalyzer(store),
		Slicer:      NewSliceScheduler(repo, 5, nil),
		Reclaimer:   NewReclaimer(repo, time.Hour, nil),
		Retrier:     NewRetrier(repo, 100, nil),
		Dispatcher:  dispatch.New(q, w, dispatch.Config{MaxConcurrentJobs: 4, MaxBatchSize: 50, Timeout: time.Second}, nil),
		Heartbeat:   heartbeat.NewReporter(repo, "test-scheduler"),
	})
	clock := noon.Add(34*time.Minute + 56*time.Second)
	orch.now = func() time.Time { return clock }
	return &fixture{repo: repo, reg: reg, orch: orch, worker: w}
}

func noCoverage(domain.Key, time.Time, time.Time) ([]domain.TimeRange, error) { return nil, nil }

func (f *fixture) define(t *testing.T, symbol string, jt domain.JobType) string {
	t.Helper()
	id, err := f.reg.Upsert(context.Background(), domain.JobDefinition{
		Symbol: symbol, Timeframe: "h1", JobType: jt, WindowDays: 7, Enabled: true,
	})
	require.NoError(t, err)
	return id
}

func TestTickSchedulesNewestSlicesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, coverageFunc(noCoverage), nil)
	f.define(t, "AAPL", domain.JobTypeFetchIntraday)

	rep, err := f.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthHealthy, rep.Status)
	assert.Equal(t, 1, rep.Definitions)
	assert.Equal(t, 10, rep.SlicesEnqueued)
	assert.Equal(t, 4, rep.Claimed)
	assert.EqualValues(t, 4, f.worker.calls.Load())

	runs, err := f.repo.ListRecent(ctx, 100)
	require.NoError(t, err)
	require.Len(t, runs, 10)
	newest, oldest := noon, noon
	for _, r := range runs {
		assert.Equal(t, 2*time.Hour, r.Slice().Duration())
		if r.SliceTo.After(newest) {
			newest = r.SliceTo
		}
		if r.SliceFrom.Before(oldest) {
			oldest = r.SliceFrom
		}
	}
	assert.Equal(t, noon, newest, "now is truncated to the hourly bar")
	assert.Equal(t, noon.Add(-20*time.Hour), oldest)

	rep, err = f.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.SlicesEnqueued, "same slices are already queued or running")
	assert.Equal(t, 4, rep.Claimed)

	hb, err := f.repo.GetHeartbeat(ctx, "test-scheduler")
	require.NoError(t, err)
	assert.Equal(t, domain.HealthHealthy, hb.Status)
	assert.Contains(t, hb.Message, "enqueued=0")
}

func TestTickIsolatesBadDefinitions(t *testing.T) {
	ctx := context.Background()
	store := coverageFunc(func(key domain.Key, from, to time.Time) ([]domain.TimeRange, error) {
		if key.Symbol == "MSFT" {
			return nil, errors.New("coverage store timeout")
		}
		if key.Symbol == "SPY" {
			return []domain.TimeRange{{From: from, To: to}}, nil
		}
		return nil, nil
	})
	f := newFixture(t, store, nil)
	f.define(t, "AAPL", domain.JobTypeFetchIntraday)
	f.define(t, "MSFT", domain.JobTypeFetchIntraday)
	f.define(t, "SPY", domain.JobTypeFetchIntraday)
	_, err := f.repo.UpsertDefinition(ctx, domain.JobDefinition{Symbol: "TSLA", Timeframe: "h1", JobType: "fetch_options", WindowDays: 7, Enabled: true}, noon)
	require.NoError(t, err)

	rep, err := f.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthWarning, rep.Status)
	assert.Equal(t, 4, rep.Definitions)
	assert.Equal(t, 2, rep.Skipped)
	assert.Equal(t, 1, rep.Covered)
	assert.Equal(t, 10, rep.SlicesEnqueued, "AAPL still scheduled")
	assert.Len(t, rep.Errors, 2)

	hb, err := f.repo.GetHeartbeat(ctx, "test-scheduler")
	require.NoError(t, err)
	assert.Equal(t, domain.HealthWarning, hb.Status)
	assert.Contains(t, hb.Message, "coverage store timeout")
}

type brokenClaims struct{ queue.Repository }

func (brokenClaims) ClaimOne(context.Context, time.Time) (domain.JobRun, error) {
	return domain.JobRun{}, domain.Mark(errors.New("database disk image is malformed"), domain.ErrClaim)
}

func TestTickClaimErrorReportsError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, coverageFunc(noCoverage), brokenClaims{})
	f.define(t, "AAPL", domain.JobTypeFetchIntraday)

	rep, err := f.orch.Tick(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrClaim)
	assert.Equal(t, domain.HealthError, rep.Status)
	assert.Equal(t, 10, rep.SlicesEnqueued, "enqueue happens before dispatch")

	hb, err := f.repo.GetHeartbeat(ctx, "test-scheduler")
	require.NoError(t, err)
	assert.Equal(t, domain.HealthError, hb.Status)
	assert.Contains(t, hb.Message, "malformed")
}

func TestTickReclaimsBeforeScheduling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, coverageFunc(noCoverage), nil)
	defID := f.define(t, "AAPL", domain.JobTypeFetchIntraday)

	stale := domain.JobRun{JobDefID: defID, Symbol: "AAPL", Timeframe: "h1", JobType: domain.JobTypeFetchIntraday,
		SliceFrom: noon.Add(-2 * time.Hour), SliceTo: noon, CreatedAt: noon.Add(-3 * time.Hour)}
	_, err := f.repo.Enqueue(ctx, stale)
	require.NoError(t, err)
	_, err = f.repo.ClaimOne(ctx, noon.Add(-2*time.Hour))
	require.NoError(t, err)

	rep, err := f.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Reclaimed)
	assert.Equal(t, 9, rep.SlicesEnqueued, "the reclaimed slice is queued again, not duplicated")
}

func TestRetryFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, coverageFunc(noCoverage), nil)

	for attempt := 1; attempt <= 5; attempt++ {
		_, err := f.repo.Enqueue(ctx, domain.JobRun{JobDefID: "def_x", Symbol: "AAPL", Timeframe: "h1", JobType: domain.JobTypeFetchIntraday,
			SliceFrom: noon.Add(-time.Duration(attempt) * time.Hour), SliceTo: noon.Add(-time.Duration(attempt-1) * time.Hour),
			Attempt: attempt, MaxAttempts: 5})
		require.NoError(t, err)
		run, err := f.repo.ClaimOne(ctx, noon)
		require.NoError(t, err)
		require.NoError(t, f.repo.Complete(ctx, run.ID, domain.Failed(domain.CodeDispatchError, "refused"), noon))
	}

	n, err := f.orch.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestForecastDefinitionsCompleteInTick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, coverageFunc(noCoverage), nil)
	f.define(t, "SPY", domain.JobTypeRunForecast)

	rep, err := f.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.SlicesEnqueued)
	assert.Equal(t, 1, rep.Completed)
	assert.Zero(t, f.worker.calls.Load())

	stats, err := f.repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[domain.StatusSuccess])
}
