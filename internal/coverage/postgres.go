package coverage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"

	"marketsync/internal/domain"
)

type pgRange struct {
	Symbol    string    `gorm:"primaryKey;size:32"`
	Timeframe string    `gorm:"primaryKey;size:8"`
	RangeFrom time.Time `gorm:"primaryKey"`
	RangeTo   time.Time `gorm:"not null;index:idx_coverage_ranges_to"`
	RowsCount int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

func (pgRange) TableName() string { return "coverage_ranges" }

// MigrateCoverage is the Postgres counterpart of EnsureCoverageSchema.
func MigrateCoverage(db *gorm.DB) error {
	return errors.Wrap(db.AutoMigrate(&pgRange{}), "migrate coverage schema")
}

// GormStore reads coverage_ranges through gorm, for the Postgres backend.
type GormStore struct{ db *gorm.DB }

func NewGormStore(db *gorm.DB) *GormStore { return &GormStore{db: db} }

func (s *GormStore) Coverage(ctx context.Context, key domain.Key, from, to time.Time) ([]domain.TimeRange, error) {
	var rows []pgRange
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ? AND range_to > ? AND range_from < ?", key.Symbol, string(key.Timeframe), from.UTC(), to.UTC()).
		Order("range_from").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "query coverage ranges")
	}
	out := make([]domain.TimeRange, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.TimeRange{From: r.RangeFrom.UTC(), To: r.RangeTo.UTC()})
	}
	return out, nil
}
