package queue

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"marketsync/internal/domain"
)

type pgDefinition struct {
	ID         string    `gorm:"primaryKey"`
	Symbol     string    `gorm:"not null;uniqueIndex:idx_job_definitions_key"`
	Timeframe  string    `gorm:"not null;uniqueIndex:idx_job_definitions_key"`
	JobType    string    `gorm:"not null;uniqueIndex:idx_job_definitions_key"`
	WindowDays int       `gorm:"not null"`
	Priority   int       `gorm:"not null"`
	Enabled    bool      `gorm:"not null;index"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt  time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (pgDefinition) TableName() string { return "job_definitions" }

type pgRun struct {
	ID           string     `gorm:"primaryKey"`
	JobDefID     string     `gorm:"not null"`
	Symbol       string     `gorm:"not null"`
	Timeframe    string     `gorm:"not null"`
	JobType      string     `gorm:"not null"`
	SliceFrom    time.Time  `gorm:"not null"`
	SliceTo      time.Time  `gorm:"not null"`
	Status       string     `gorm:"not null;index:idx_job_runs_claim,priority:1"`
	Attempt      int        `gorm:"not null"`
	MaxAttempts  int        `gorm:"not null"`
	Priority     int        `gorm:"not null;index:idx_job_runs_claim,priority:2"`
	Provider     string     `gorm:"not null"`
	RowsWritten  int64      `gorm:"not null"`
	ErrorCode    string     `gorm:"not null"`
	ErrorMessage string     `gorm:"not null"`
	CreatedAt    time.Time  `gorm:"not null;index:idx_job_runs_claim,priority:3;autoCreateTime:false"`
	UpdatedAt    time.Time  `gorm:"not null;autoUpdateTime:false"`
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

func (pgRun) TableName() string { return "job_runs" }

type pgHeartbeat struct {
	Name     string    `gorm:"primaryKey"`
	LastSeen time.Time `gorm:"not null"`
	Status   string    `gorm:"not null"`
	Message  string    `gorm:"not null"`
}

func (pgHeartbeat) TableName() string { return "scheduler_heartbeats" }

// OpenPostgres connects with gorm's pgx-backed driver.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	return db, nil
}

// MigratePostgres is the Postgres counterpart of EnsureSchema.
func MigratePostgres(db *gorm.DB) error {
	if err := db.AutoMigrate(&pgDefinition{}, &pgRun{}, &pgHeartbeat{}); err != nil {
		return errors.Wrap(err, "migrate postgres schema")
	}
	err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_job_runs_active_slice ON job_runs (job_def_id, slice_from, slice_to)
WHERE status IN ('queued','running')`).Error
	return errors.Wrap(err, "create active slice index")
}

type postgresRepo struct{ db *gorm.DB }

func NewPostgresRepo(db *gorm.DB) Repository { return &postgresRepo{db: db} }

func (m pgRun) toDomain() domain.JobRun {
	return domain.JobRun{
		ID:           m.ID,
		JobDefID:     m.JobDefID,
		Symbol:       m.Symbol,
		Timeframe:    domain.Timeframe(m.Timeframe),
		JobType:      domain.JobType(m.JobType),
		SliceFrom:    m.SliceFrom.UTC(),
		SliceTo:      m.SliceTo.UTC(),
		Status:       domain.RunStatus(m.Status),
		Attempt:      m.Attempt,
		MaxAttempts:  m.MaxAttempts,
		Priority:     m.Priority,
		Provider:     m.Provider,
		RowsWritten:  m.RowsWritten,
		ErrorCode:    m.ErrorCode,
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
		StartedAt:    utcPtr(m.StartedAt),
		FinishedAt:   utcPtr(m.FinishedAt),
	}
}

func (m pgDefinition) toDomain() domain.JobDefinition {
	return domain.JobDefinition{
		ID:         m.ID,
		Symbol:     m.Symbol,
		Timeframe:  domain.Timeframe(m.Timeframe),
		JobType:    domain.JobType(m.JobType),
		WindowDays: m.WindowDays,
		Priority:   m.Priority,
		Enabled:    m.Enabled,
		CreatedAt:  m.CreatedAt.UTC(),
		UpdatedAt:  m.UpdatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func (r *postgresRepo) Enqueue(ctx context.Context, run domain.JobRun) (bool, error) {
	run = prepareRun(run)
	m := pgRun{
		ID:          run.ID,
		JobDefID:    run.JobDefID,
		Symbol:      run.Symbol,
		Timeframe:   string(run.Timeframe),
		JobType:     string(run.JobType),
		SliceFrom:   run.SliceFrom.UTC(),
		SliceTo:     run.SliceTo.UTC(),
		Status:      string(domain.StatusQueued),
		Attempt:     run.Attempt,
		MaxAttempts: run.MaxAttempts,
		Priority:    run.Priority,
		CreatedAt:   run.CreatedAt.UTC(),
		UpdatedAt:   run.CreatedAt.UTC(),
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
	if res.Error != nil {
		return false, domain.Mark(errors.Wrapf(res.Error, "enqueue %s %s", run.Symbol, run.JobType), domain.ErrEnqueue)
	}
	return res.RowsAffected > 0, nil
}

// ClaimOne locks the next queued row with FOR UPDATE SKIP LOCKED, so
// concurrent claimers skip each other's candidates instead of blocking.
func (r *postgresRepo) ClaimOne(ctx context.Context, now time.Time) (domain.JobRun, error) {
	var claimed pgRun
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", string(domain.StatusQueued)).
			Order("priority DESC, created_at ASC, id ASC").
			Take(&claimed).Error
		if err != nil {
			return err
		}
		started := now.UTC()
		claimed.Status, claimed.StartedAt, claimed.UpdatedAt = string(domain.StatusRunning), &started, started
		return tx.Model(&pgRun{}).Where("id = ?", claimed.ID).Updates(map[string]any{
			"status":     claimed.Status,
			"started_at": started,
			"updated_at": started,
		}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.JobRun{}, ErrEmpty
	}
	if err != nil {
		return domain.JobRun{}, domain.Mark(errors.Wrap(err, "claim job run"), domain.ErrClaim)
	}
	return claimed.toDomain(), nil
}

func (r *postgresRepo) Complete(ctx context.Context, id string, outcome domain.Outcome, now time.Time) error {
	if err := validateOutcome(outcome); err != nil {
		return err
	}
	rows := outcome.RowsWritten
	if outcome.Status == domain.StatusFailed {
		rows = 0
	}
	res := r.db.WithContext(ctx).Model(&pgRun{}).
		Where("id = ? AND status = ?", id, string(domain.StatusRunning)).
		Updates(map[string]any{
			"status":        string(outcome.Status),
			"rows_written":  rows,
			"provider":      outcome.Provider,
			"error_code":    outcome.ErrorCode,
			"error_message": outcome.ErrorMessage,
			"finished_at":   now.UTC(),
			"updated_at":    now.UTC(),
		})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "complete job run %s", id)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return errors.WithDetailf(ErrNotRunning, "job run %s", id)
}

func (r *postgresRepo) ReclaimStale(ctx context.Context, now time.Time, maxAge time.Duration) (ReclaimResult, error) {
	cutoff := now.Add(-maxAge).UTC()
	var out ReclaimResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		failed := tx.Model(&pgRun{}).
			Where("status = ? AND started_at < ? AND attempt >= max_attempts", string(domain.StatusRunning), cutoff).
			Updates(map[string]any{
				"status":        string(domain.StatusFailed),
				"error_code":    domain.CodeStaleMaxAttempts,
				"error_message": staleMessage,
				"finished_at":   now.UTC(),
				"updated_at":    now.UTC(),
			})
		if failed.Error != nil {
			return errors.Wrap(failed.Error, "fail exhausted stale runs")
		}
		reset := tx.Model(&pgRun{}).
			Where("status = ? AND started_at < ? AND attempt < max_attempts", string(domain.StatusRunning), cutoff).
			Updates(map[string]any{
				"status":     string(domain.StatusQueued),
				"started_at": gorm.Expr("NULL"),
				"updated_at": now.UTC(),
			})
		if reset.Error != nil {
			return errors.Wrap(reset.Error, "reset stale runs")
		}
		out = ReclaimResult{Reset: int(reset.RowsAffected), Failed: int(failed.RowsAffected)}
		return nil
	})
	if err != nil {
		return ReclaimResult{}, err
	}
	return out, nil
}

func (r *postgresRepo) RetryFailed(ctx context.Context, now time.Time, limit int) (int, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&pgRun{}).
		Where("status = ? AND attempt < max_attempts", string(domain.StatusFailed)).
		Order("finished_at ASC, id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, errors.Wrap(err, "select retryable runs")
	}

	requeued := 0
	for _, id := range ids {
		res := r.db.WithContext(ctx).Exec(`
UPDATE job_runs
SET status='queued', attempt=attempt+1, provider='', rows_written=0, error_code='', error_message='',
    started_at=NULL, finished_at=NULL, updated_at=?
WHERE id=? AND status='failed' AND attempt < max_attempts
  AND NOT EXISTS (
    SELECT 1 FROM job_runs o
    WHERE o.job_def_id=job_runs.job_def_id AND o.slice_from=job_runs.slice_from AND o.slice_to=job_runs.slice_to
      AND o.status IN ('queued','running')
  )`, now.UTC(), id)
		if res.Error != nil {
			return requeued, errors.Wrapf(res.Error, "requeue job run %s", id)
		}
		if res.RowsAffected > 0 {
			requeued++
		}
	}
	return requeued, nil
}

func (r *postgresRepo) Get(ctx context.Context, id string) (domain.JobRun, error) {
	var m pgRun
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.JobRun{}, errors.WithDetailf(ErrNotFound, "job run %s", id)
	}
	if err != nil {
		return domain.JobRun{}, errors.Wrapf(err, "get job run %s", id)
	}
	return m.toDomain(), nil
}

func (r *postgresRepo) ListRecent(ctx context.Context, limit int) ([]domain.JobRun, error) {
	var ms []pgRun
	if err := r.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit).Find(&ms).Error; err != nil {
		return nil, errors.Wrap(err, "list job runs")
	}
	runs := make([]domain.JobRun, 0, len(ms))
	for _, m := range ms {
		runs = append(runs, m.toDomain())
	}
	return runs, nil
}

func (r *postgresRepo) Stats(ctx context.Context) (Stats, error) {
	var rows []struct {
		Status string
		N      int
	}
	err := r.db.WithContext(ctx).Model(&pgRun{}).Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "count job runs")
	}
	stats := Stats{}
	for _, row := range rows {
		stats[domain.RunStatus(row.Status)] = row.N
	}
	return stats, nil
}

func (r *postgresRepo) UpsertDefinition(ctx context.Context, d domain.JobDefinition, now time.Time) (string, error) {
	if d.ID == "" {
		d.ID = "def_" + uuid.NewString()
	}
	m := pgDefinition{
		ID:         d.ID,
		Symbol:     d.Symbol,
		Timeframe:  string(d.Timeframe),
		JobType:    string(d.JobType),
		WindowDays: d.WindowDays,
		Priority:   d.Priority,
		Enabled:    d.Enabled,
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	}
	err := r.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}, {Name: "timeframe"}, {Name: "job_type"}},
			DoUpdates: clause.AssignmentColumns([]string{"window_days", "priority", "enabled", "updated_at"}),
		},
		clause.Returning{Columns: []clause.Column{{Name: "id"}}},
	).Create(&m).Error
	if err != nil {
		return "", errors.Wrapf(err, "upsert definition %s %s %s", d.Symbol, d.Timeframe, d.JobType)
	}
	return m.ID, nil
}

func (r *postgresRepo) GetDefinition(ctx context.Context, id string) (domain.JobDefinition, error) {
	var m pgDefinition
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.JobDefinition{}, errors.WithDetailf(ErrNotFound, "definition %s", id)
	}
	if err != nil {
		return domain.JobDefinition{}, errors.Wrapf(err, "get definition %s", id)
	}
	return m.toDomain(), nil
}

func (r *postgresRepo) ListDefinitions(ctx context.Context) ([]domain.JobDefinition, error) {
	return r.findDefinitions(r.db.WithContext(ctx).Order("symbol, timeframe, job_type"))
}

func (r *postgresRepo) ListEnabledDefinitions(ctx context.Context) ([]domain.JobDefinition, error) {
	return r.findDefinitions(r.db.WithContext(ctx).Where("enabled = ?", true).Order("priority DESC, symbol, timeframe, job_type"))
}

func (r *postgresRepo) findDefinitions(q *gorm.DB) ([]domain.JobDefinition, error) {
	var ms []pgDefinition
	if err := q.Find(&ms).Error; err != nil {
		return nil, errors.Wrap(err, "list definitions")
	}
	defs := make([]domain.JobDefinition, 0, len(ms))
	for _, m := range ms {
		defs = append(defs, m.toDomain())
	}
	return defs, nil
}

func (r *postgresRepo) SetDefinitionEnabled(ctx context.Context, id string, enabled bool, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&pgDefinition{}).Where("id = ?", id).
		Updates(map[string]any{"enabled": enabled, "updated_at": now.UTC()})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "toggle definition %s", id)
	}
	if res.RowsAffected == 0 {
		return errors.WithDetailf(ErrNotFound, "definition %s", id)
	}
	return nil
}

func (r *postgresRepo) DeleteDefinition(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&pgDefinition{})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "delete definition %s", id)
	}
	if res.RowsAffected == 0 {
		return errors.WithDetailf(ErrNotFound, "definition %s", id)
	}
	return nil
}

func (r *postgresRepo) UpsertHeartbeat(ctx context.Context, hb domain.Heartbeat) error {
	m := pgHeartbeat{Name: hb.Name, LastSeen: hb.LastSeen.UTC(), Status: string(hb.Status), Message: hb.Message}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen", "status", "message"}),
	}).Create(&m).Error
	return errors.Wrapf(err, "upsert heartbeat %s", hb.Name)
}

func (r *postgresRepo) GetHeartbeat(ctx context.Context, name string) (domain.Heartbeat, error) {
	var m pgHeartbeat
	err := r.db.WithContext(ctx).Where("name = ?", name).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Heartbeat{}, errors.WithDetailf(ErrNotFound, "heartbeat %s", name)
	}
	if err != nil {
		return domain.Heartbeat{}, errors.Wrapf(err, "get heartbeat %s", name)
	}
	return domain.Heartbeat{Name: m.Name, LastSeen: m.LastSeen.UTC(), Status: domain.HealthStatus(m.Status), Message: m.Message}, nil
}
