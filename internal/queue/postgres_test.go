package queue

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/internal/domain"
)

func openTestPostgres(t *testing.T) Repository {
	t.Helper()
	dsn := os.Getenv("MARKETSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MARKETSYNC_TEST_POSTGRES_DSN not set")
	}
	db, err := OpenPostgres(dsn)
	require.NoError(t, err)
	require.NoError(t, MigratePostgres(db))
	require.NoError(t, db.Exec("TRUNCATE job_runs, job_definitions, scheduler_heartbeats").Error)
	return NewPostgresRepo(db)
}

func TestPostgresClaimSkipsLockedRows(t *testing.T) {
	ctx := context.Background()
	repo := openTestPostgres(t)

	const queued, workers = 8, 12
	for i := 0; i < queued; i++ {
		inserted, err := repo.Enqueue(ctx, newRun("def_pg", t0.Add(-time.Duration(i+1)*time.Hour), 1))
		require.NoError(t, err)
		require.True(t, inserted)
	}
	inserted, err := repo.Enqueue(ctx, newRun("def_pg", t0.Add(-time.Hour), 1))
	require.NoError(t, err)
	assert.False(t, inserted)

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := repo.ClaimOne(ctx, t0)
			if err != nil {
				return
			}
			mu.Lock()
			seen[run.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, queued)
	for id, n := range seen {
		assert.Equal(t, 1, n, "run %s claimed more than once", id)
	}
}

func TestPostgresRetryAndReclaim(t *testing.T) {
	ctx := context.Background()
	repo := openTestPostgres(t)

	for attempt := 1; attempt <= 5; attempt++ {
		run := newRun(fmt.Sprintf("def_%d", attempt), t0.Add(-2*time.Hour), 2)
		run.Attempt, run.MaxAttempts = attempt, 5
		_, err := repo.Enqueue(ctx, run)
		require.NoError(t, err)
		claimed, err := repo.ClaimOne(ctx, t0)
		require.NoError(t, err)
		require.NoError(t, repo.Complete(ctx, claimed.ID, domain.Failed(domain.CodeDispatchError, "refused"), t0))
	}
	n, err := repo.RetryFailed(ctx, t0.Add(time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	for i := 0; i < 4; i++ {
		_, err := repo.ClaimOne(ctx, t0)
		require.NoError(t, err)
	}
	res, err := repo.ReclaimStale(ctx, t0.Add(2*time.Hour), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReclaimResult{Reset: 3, Failed: 1}, res)

	id, err := repo.UpsertDefinition(ctx, domain.JobDefinition{Symbol: "AAPL", Timeframe: "h1", JobType: domain.JobTypeFetchIntraday, WindowDays: 7, Enabled: true}, t0)
	require.NoError(t, err)
	again, err := repo.UpsertDefinition(ctx, domain.JobDefinition{Symbol: "AAPL", Timeframe: "h1", JobType: domain.JobTypeFetchIntraday, WindowDays: 14, Enabled: true}, t0)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	require.NoError(t, repo.UpsertHeartbeat(ctx, domain.Heartbeat{Name: "pg", LastSeen: t0, Status: domain.HealthHealthy}))
	hb, err := repo.GetHeartbeat(ctx, "pg")
	require.NoError(t, err)
	assert.Equal(t, domain.HealthHealthy, hb.Status)
}
