package coverage

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"marketsync/internal/domain"
)

// EnsureCoverageSchema creates the table fetch workers record confirmed
// ranges into. This package only reads it.
func EnsureCoverageSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS coverage_ranges (
  symbol TEXT NOT NULL,
  timeframe TEXT NOT NULL,
  range_from INTEGER NOT NULL,
  range_to INTEGER NOT NULL,
  rows_count INTEGER NOT NULL DEFAULT 0,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (symbol, timeframe, range_from)
);
CREATE INDEX IF NOT EXISTS idx_coverage_ranges_to ON coverage_ranges(symbol, timeframe, range_to);
`)
	return errors.Wrap(err, "ensure coverage schema")
}

type SQLiteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) *SQLiteStore { return &SQLiteStore{db: db} }

func (s *SQLiteStore) Coverage(ctx context.Context, key domain.Key, from, to time.Time) ([]domain.TimeRange, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT range_from, range_to FROM coverage_ranges
WHERE symbol=? AND timeframe=? AND range_to > ? AND range_from < ?
ORDER BY range_from`, key.Symbol, string(key.Timeframe), from.Unix(), to.Unix())
	if err != nil {
		return nil, errors.Wrap(err, "query coverage ranges")
	}
	defer rows.Close()

	var out []domain.TimeRange
	for rows.Next() {
		var f, t int64
		if err := rows.Scan(&f, &t); err != nil {
			return nil, errors.Wrap(err, "scan coverage range")
		}
		out = append(out, domain.TimeRange{From: time.Unix(f, 0).UTC(), To: time.Unix(t, 0).UTC()})
	}
	return out, rows.Err()
}
