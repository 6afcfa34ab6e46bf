package coverage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/internal/domain"
	"marketsync/internal/queue"
)

func TestGormStoreCoverage(t *testing.T) {
	dsn := os.Getenv("MARKETSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MARKETSYNC_TEST_POSTGRES_DSN not set")
	}
	db, err := queue.OpenPostgres(dsn)
	require.NoError(t, err)
	require.NoError(t, MigrateCoverage(db))
	require.NoError(t, db.Exec("TRUNCATE coverage_ranges").Error)

	now := time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC)
	seed := []pgRange{
		{Symbol: "AAPL", Timeframe: "h1", RangeFrom: now.Add(-48 * time.Hour), RangeTo: now.Add(-24 * time.Hour), UpdatedAt: now},
		{Symbol: "AAPL", Timeframe: "h1", RangeFrom: now.Add(-10 * time.Hour), RangeTo: now.Add(-2 * time.Hour), UpdatedAt: now},
		{Symbol: "AAPL", Timeframe: "d1", RangeFrom: now.Add(-10 * time.Hour), RangeTo: now, UpdatedAt: now},
		{Symbol: "MSFT", Timeframe: "h1", RangeFrom: now.Add(-10 * time.Hour), RangeTo: now, UpdatedAt: now},
	}
	require.NoError(t, db.Create(&seed).Error)

	a := NewAnalyzer(NewGormStore(db))
	gaps, err := a.ComputeGaps(context.Background(), domain.Key{Symbol: "AAPL", Timeframe: "h1"}, 1, now)
	require.NoError(t, err)
	assert.Equal(t, []domain.CoverageGap{
		{From: now.Add(-24 * time.Hour), To: now.Add(-10 * time.Hour)},
		{From: now.Add(-2 * time.Hour), To: now},
	}, gaps)
}
