package coverage

import (
	"context"
	"database/sql"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"marketsync/internal/domain"
)

var (
	now  = time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC)
	aapl = domain.Key{Symbol: "AAPL", Timeframe: "h1"}
)

type stubStore struct {
	ranges []domain.TimeRange
	err    error
}

func (s stubStore) Coverage(context.Context, domain.Key, time.Time, time.Time) ([]domain.TimeRange, error) {
	return s.ranges, s.err
}

func hoursAgo(h int) time.Time { return now.Add(-time.Duration(h) * time.Hour) }

func TestComputeGapsNoCoverageIsWholeWindow(t *testing.T) {
	gaps, err := NewAnalyzer(stubStore{}).ComputeGaps(context.Background(), aapl, 7, now)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, hoursAgo(168), gaps[0].From)
	assert.Equal(t, now, gaps[0].To)
	assert.Equal(t, 168*time.Hour, gaps[0].Duration())
}

func TestComputeGapsFullCoverageIsEmpty(t *testing.T) {
	store := stubStore{ranges: []domain.TimeRange{{From: hoursAgo(400), To: hoursAgo(100)}, {From: hoursAgo(100), To: now.Add(time.Hour)}}}
	gaps, err := NewAnalyzer(store).ComputeGaps(context.Background(), aapl, 7, now)
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestComputeGapsComplementsMergedRanges(t *testing.T) {
	store := stubStore{ranges: []domain.TimeRange{
		{From: hoursAgo(24), To: hoursAgo(10)},
		{From: hoursAgo(100), To: hoursAgo(80)},
		{From: hoursAgo(90), To: hoursAgo(70)},
		{From: hoursAgo(70), To: hoursAgo(50)},
		{From: hoursAgo(200), To: hoursAgo(160)},
	}}
	gaps, err := NewAnalyzer(store).ComputeGaps(context.Background(), aapl, 7, now)
	require.NoError(t, err)
	assert.Equal(t, []domain.TimeRange{
		{From: hoursAgo(160), To: hoursAgo(100)},
		{From: hoursAgo(50), To: hoursAgo(24)},
		{From: hoursAgo(10), To: now},
	}, gaps)
}

func TestComputeGapsStoreFailure(t *testing.T) {
	_, err := NewAnalyzer(stubStore{err: errors.New("connection reset")}).ComputeGaps(context.Background(), aapl, 7, now)
	assert.ErrorIs(t, err, domain.ErrGapComputation)
}

// Random coverage must always yield ordered, disjoint gaps inside the window
// that, together with the coverage, tile the window.
func TestComplementProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	window := domain.TimeRange{From: hoursAgo(168), To: now}
	for i := 0; i < 200; i++ {
		var ranges []domain.TimeRange
		for j := rng.Intn(8); j > 0; j-- {
			start := hoursAgo(rng.Intn(240))
			ranges = append(ranges, domain.TimeRange{From: start, To: start.Add(time.Duration(rng.Intn(48)) * time.Hour)})
		}
		gaps := Complement(window, ranges)

		var total time.Duration
		for k, g := range gaps {
			require.False(t, g.Empty())
			require.False(t, g.From.Before(window.From))
			require.False(t, g.To.After(window.To))
			if k > 0 {
				require.True(t, g.From.After(gaps[k-1].To), "gaps are disjoint and non-adjacent")
			}
			for _, r := range Clamp(window, ranges) {
				require.False(t, r.From.Before(g.To) && g.From.Before(r.To), "gap overlaps coverage")
			}
			total += g.Duration()
		}
		for _, r := range Merge(Clamp(window, ranges)) {
			total += r.Duration()
		}
		require.Equal(t, window.Duration(), total)
	}
}

func TestSQLiteStore(t *testing.T) {
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "coverage.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()
	require.NoError(t, EnsureCoverageSchema(db))

	insert := func(sym string, from, to time.Time) {
		_, err := db.Exec(`INSERT INTO coverage_ranges (symbol,timeframe,range_from,range_to,updated_at) VALUES (?,?,?,?,?)`,
			sym, "h1", from.Unix(), to.Unix(), now.Unix())
		require.NoError(t, err)
	}
	insert("AAPL", hoursAgo(300), hoursAgo(200))
	insert("AAPL", hoursAgo(48), hoursAgo(24))
	insert("MSFT", hoursAgo(48), now)

	gaps, err := NewAnalyzer(NewSQLiteStore(db)).ComputeGaps(context.Background(), aapl, 7, now)
	require.NoError(t, err)
	assert.Equal(t, []domain.TimeRange{
		{From: hoursAgo(168), To: hoursAgo(48)},
		{From: hoursAgo(24), To: now},
	}, gaps)
}

func TestSQLiteStoreQueryFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectQuery("SELECT range_from, range_to FROM coverage_ranges").WillReturnError(errors.New("no such table"))

	_, err = NewAnalyzer(NewSQLiteStore(db)).ComputeGaps(context.Background(), aapl, 7, now)
	assert.ErrorIs(t, err, domain.ErrGapComputation)
	assert.NoError(t, mock.ExpectationsWereMet())
}
