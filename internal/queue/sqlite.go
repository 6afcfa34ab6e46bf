package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"marketsync/internal/domain"
)

var (
	ErrEmpty      = errors.New("no job runs queued")
	ErrNotFound   = errors.New("not found")
	ErrNotRunning = errors.New("job run is not running")
)

const (
	DefaultMaxAttempts = 5
	staleMessage       = "worker never reported completion"
)

// EnsureSchema creates tables if they don't exist. Timestamps are unix seconds.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS job_definitions (
  id TEXT PRIMARY KEY,
  symbol TEXT NOT NULL,
  timeframe TEXT NOT NULL,
  job_type TEXT NOT NULL,
  window_days INTEGER NOT NULL,
  priority INTEGER NOT NULL DEFAULT 0,
  enabled INTEGER NOT NULL DEFAULT 1,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  UNIQUE(symbol, timeframe, job_type)
);
CREATE INDEX IF NOT EXISTS idx_job_definitions_enabled ON job_definitions(enabled, priority DESC);
CREATE TABLE IF NOT EXISTS job_runs (
  id TEXT PRIMARY KEY,
  job_def_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  timeframe TEXT NOT NULL,
  job_type TEXT NOT NULL,
  slice_from INTEGER NOT NULL,
  slice_to INTEGER NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('queued','running','success','failed','cancelled')) DEFAULT 'queued',
  attempt INTEGER NOT NULL DEFAULT 1,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  priority INTEGER NOT NULL DEFAULT 0,
  provider TEXT,
  rows_written INTEGER NOT NULL DEFAULT 0,
  error_code TEXT,
  error_message TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  started_at INTEGER,
  finished_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_job_runs_claim ON job_runs(status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_job_runs_finished ON job_runs(status, finished_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_job_runs_active_slice ON job_runs(job_def_id, slice_from, slice_to)
  WHERE status IN ('queued','running');
CREATE TABLE IF NOT EXISTS scheduler_heartbeats (
  name TEXT PRIMARY KEY,
  last_seen INTEGER NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('healthy','warning','error')),
  message TEXT
);
`
	_, err := db.Exec(schema)
	return errors.Wrap(err, "ensure queue schema")
}

// Repository is the durable state shared across ticks: job runs, job
// definitions and heartbeats.
type Repository interface {
	Enqueue(ctx context.Context, run domain.JobRun) (bool, error)
	ClaimOne(ctx context.Context, now time.Time) (domain.JobRun, error)
	Complete(ctx context.Context, id string, outcome domain.Outcome, now time.Time) error
	ReclaimStale(ctx context.Context, now time.Time, maxAge time.Duration) (ReclaimResult, error)
	RetryFailed(ctx context.Context, now time.Time, limit int) (int, error)
	Get(ctx context.Context, id string) (domain.JobRun, error)
	ListRecent(ctx context.Context, limit int) ([]domain.JobRun, error)
	Stats(ctx context.Context) (Stats, error)

	// Definition operations
	UpsertDefinition(ctx context.Context, d domain.JobDefinition, now time.Time) (string, error)
	GetDefinition(ctx context.Context, id string) (domain.JobDefinition, error)
	ListDefinitions(ctx context.Context) ([]domain.JobDefinition, error)
	ListEnabledDefinitions(ctx context.Context) ([]domain.JobDefinition, error)
	SetDefinitionEnabled(ctx context.Context, id string, enabled bool, now time.Time) error
	DeleteDefinition(ctx context.Context, id string) error

	// Heartbeat operations
	UpsertHeartbeat(ctx context.Context, hb domain.Heartbeat) error
	GetHeartbeat(ctx context.Context, name string) (domain.Heartbeat, error)
}

type ReclaimResult struct {
	Reset  int `json:"reset"`
	Failed int `json:"failed"`
}

type Stats map[domain.RunStatus]int

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

const runColumns = `id,job_def_id,symbol,timeframe,job_type,slice_from,slice_to,status,attempt,max_attempts,priority,
provider,rows_written,error_code,error_message,created_at,updated_at,started_at,finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (domain.JobRun, error) {
	var (
		r                          domain.JobRun
		from, to, created, updated int64
		provider, code, message    sql.NullString
		started, finished          sql.NullInt64
	)
	err := s.Scan(&r.ID, &r.JobDefID, &r.Symbol, &r.Timeframe, &r.JobType, &from, &to, &r.Status, &r.Attempt,
		&r.MaxAttempts, &r.Priority, &provider, &r.RowsWritten, &code, &message, &created, &updated, &started, &finished)
	if err != nil {
		return domain.JobRun{}, err
	}
	r.SliceFrom, r.SliceTo = fromUnix(from), fromUnix(to)
	r.CreatedAt, r.UpdatedAt = fromUnix(created), fromUnix(updated)
	r.Provider, r.ErrorCode, r.ErrorMessage = provider.String, code.String, message.String
	r.StartedAt, r.FinishedAt = fromNullUnix(started), fromNullUnix(finished)
	return r, nil
}

// Enqueue inserts run as queued. It reports false without error when a
// non-terminal run already exists for the same definition and slice bounds.
func (r *sqliteRepo) Enqueue(ctx context.Context, run domain.JobRun) (bool, error) {
	run = prepareRun(run)
	res, err := r.db.ExecContext(ctx, `
INSERT INTO job_runs (id,job_def_id,symbol,timeframe,job_type,slice_from,slice_to,status,attempt,max_attempts,priority,rows_written,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,'queued',?,?,?,0,?,?)
ON CONFLICT DO NOTHING`,
		run.ID, run.JobDefID, run.Symbol, string(run.Timeframe), string(run.JobType), run.SliceFrom.Unix(), run.SliceTo.Unix(),
		run.Attempt, run.MaxAttempts, run.Priority, run.CreatedAt.Unix(), run.CreatedAt.Unix())
	if err != nil {
		return false, domain.Mark(errors.Wrapf(err, "enqueue %s %s", run.Symbol, run.JobType), domain.ErrEnqueue)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.Mark(errors.Wrap(err, "enqueue rows affected"), domain.ErrEnqueue)
	}
	return n > 0, nil
}

func prepareRun(run domain.JobRun) domain.JobRun {
	if run.ID == "" {
		run.ID = "run_" + uuid.NewString()
	}
	if run.Attempt == 0 {
		run.Attempt = 1
	}
	if run.MaxAttempts == 0 {
		run.MaxAttempts = DefaultMaxAttempts
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	run.Status = domain.StatusQueued
	return run
}

// ClaimOne moves the highest-priority, oldest queued run to running. The
// select and the status guard run inside one UPDATE, so concurrent callers
// never receive the same row.
func (r *sqliteRepo) ClaimOne(ctx context.Context, now time.Time) (domain.JobRun, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE job_runs
SET status='running', started_at=?, updated_at=?
WHERE id = (
  SELECT id FROM job_runs
  WHERE status='queued'
  ORDER BY priority DESC, created_at ASC, rowid ASC
  LIMIT 1
) AND status='queued'
RETURNING `+runColumns, now.Unix(), now.Unix())
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JobRun{}, ErrEmpty
	}
	if err != nil {
		return domain.JobRun{}, domain.Mark(errors.Wrap(err, "claim job run"), domain.ErrClaim)
	}
	return run, nil
}

func (r *sqliteRepo) Complete(ctx context.Context, id string, outcome domain.Outcome, now time.Time) error {
	if err := validateOutcome(outcome); err != nil {
		return err
	}
	rows := outcome.RowsWritten
	if outcome.Status == domain.StatusFailed {
		rows = 0
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE job_runs
SET status=?, rows_written=?, provider=?, error_code=?, error_message=?, finished_at=?, updated_at=?
WHERE id=? AND status='running'`,
		string(outcome.Status), rows, nullString(outcome.Provider), nullString(outcome.ErrorCode), nullString(outcome.ErrorMessage),
		now.Unix(), now.Unix(), id)
	if err != nil {
		return errors.Wrapf(err, "complete job run %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "complete rows affected")
	}
	if n == 1 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return errors.WithDetailf(ErrNotRunning, "job run %s", id)
}

func validateOutcome(o domain.Outcome) error {
	switch o.Status {
	case domain.StatusSuccess:
		return nil
	case domain.StatusFailed:
		if o.ErrorCode == "" {
			return errors.New("failed outcome requires an error code")
		}
		return nil
	default:
		return errors.Newf("outcome status must be success or failed, got %q", o.Status)
	}
}

// ReclaimStale resets running runs started before now-maxAge to queued
// without touching attempt, or fails them when they are out of attempts.
func (r *sqliteRepo) ReclaimStale(ctx context.Context, now time.Time, maxAge time.Duration) (ReclaimResult, error) {
	cutoff := now.Add(-maxAge).Unix()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return ReclaimResult{}, errors.Wrap(err, "begin reclaim")
	}
	defer func() { _ = tx.Rollback() }()

	failed, err := tx.ExecContext(ctx, `
UPDATE job_runs
SET status='failed', error_code=?, error_message=?, finished_at=?, updated_at=?
WHERE status='running' AND started_at < ? AND attempt >= max_attempts`,
		domain.CodeStaleMaxAttempts, staleMessage, now.Unix(), now.Unix(), cutoff)
	if err != nil {
		return ReclaimResult{}, errors.Wrap(err, "fail exhausted stale runs")
	}
	reset, err := tx.ExecContext(ctx, `
UPDATE job_runs
SET status='queued', started_at=NULL, updated_at=?
WHERE status='running' AND started_at < ? AND attempt < max_attempts`, now.Unix(), cutoff)
	if err != nil {
		return ReclaimResult{}, errors.Wrap(err, "reset stale runs")
	}
	nf, err := failed.RowsAffected()
	if err != nil {
		return ReclaimResult{}, errors.Wrap(err, "failed stale runs rows affected")
	}
	nr, err := reset.RowsAffected()
	if err != nil {
		return ReclaimResult{}, errors.Wrap(err, "reset stale runs rows affected")
	}
	if err := tx.Commit(); err != nil {
		return ReclaimResult{}, errors.Wrap(err, "commit reclaim")
	}
	return ReclaimResult{Reset: int(nr), Failed: int(nf)}, nil
}

// RetryFailed requeues up to limit failed runs that still have attempts left,
// oldest finished first, bumping attempt. A run whose slice is already
// queued or running again is left alone.
func (r *sqliteRepo) RetryFailed(ctx context.Context, now time.Time, limit int) (int, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id FROM job_runs
WHERE status='failed' AND attempt < max_attempts
ORDER BY finished_at ASC, rowid ASC
LIMIT ?`, limit)
	if err != nil {
		return 0, errors.Wrap(err, "select retryable runs")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "scan retryable run")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "iterate retryable runs")
	}

	requeued := 0
	for _, id := range ids {
		res, err := r.db.ExecContext(ctx, `
UPDATE job_runs
SET status='queued', attempt=attempt+1, provider=NULL, rows_written=0, error_code=NULL, error_message=NULL,
    started_at=NULL, finished_at=NULL, updated_at=?
WHERE id=? AND status='failed' AND attempt < max_attempts
  AND NOT EXISTS (
    SELECT 1 FROM job_runs o
    WHERE o.job_def_id=job_runs.job_def_id AND o.slice_from=job_runs.slice_from AND o.slice_to=job_runs.slice_to
      AND o.status IN ('queued','running')
  )`, now.Unix(), id)
		if err != nil {
			return requeued, errors.Wrapf(err, "requeue job run %s", id)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return requeued, errors.Wrapf(err, "requeue job run %s rows affected", id)
		}
		if n > 0 {
			requeued++
		}
	}
	return requeued, nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.JobRun, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM job_runs WHERE id=?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JobRun{}, errors.WithDetailf(ErrNotFound, "job run %s", id)
	}
	if err != nil {
		return domain.JobRun{}, errors.Wrapf(err, "get job run %s", id)
	}
	return run, nil
}

func (r *sqliteRepo) ListRecent(ctx context.Context, limit int) ([]domain.JobRun, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+runColumns+` FROM job_runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list job runs")
	}
	defer rows.Close()

	var runs []domain.JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job run")
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *sqliteRepo) Stats(ctx context.Context) (Stats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM job_runs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count job runs")
	}
	defer rows.Close()

	stats := Stats{}
	for rows.Next() {
		var status domain.RunStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan job run count")
		}
		stats[status] = n
	}
	return stats, rows.Err()
}

const definitionColumns = `id,symbol,timeframe,job_type,window_days,priority,enabled,created_at,updated_at`

func scanDefinition(s scanner) (domain.JobDefinition, error) {
	var d domain.JobDefinition
	var created, updated int64
	if err := s.Scan(&d.ID, &d.Symbol, &d.Timeframe, &d.JobType, &d.WindowDays, &d.Priority, &d.Enabled, &created, &updated); err != nil {
		return domain.JobDefinition{}, err
	}
	d.CreatedAt, d.UpdatedAt = fromUnix(created), fromUnix(updated)
	return d, nil
}

// UpsertDefinition inserts d or, when a definition for the same symbol,
// timeframe and job type exists, updates its window, priority and enabled flag.
func (r *sqliteRepo) UpsertDefinition(ctx context.Context, d domain.JobDefinition, now time.Time) (string, error) {
	if d.ID == "" {
		d.ID = "def_" + uuid.NewString()
	}
	var id string
	err := r.db.QueryRowContext(ctx, `
INSERT INTO job_definitions (`+definitionColumns+`)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(symbol, timeframe, job_type) DO UPDATE SET
  window_days=excluded.window_days, priority=excluded.priority, enabled=excluded.enabled, updated_at=excluded.updated_at
RETURNING id`,
		d.ID, d.Symbol, string(d.Timeframe), string(d.JobType), d.WindowDays, d.Priority, d.Enabled, now.Unix(), now.Unix()).Scan(&id)
	if err != nil {
		return "", errors.Wrapf(err, "upsert definition %s %s %s", d.Symbol, d.Timeframe, d.JobType)
	}
	return id, nil
}

func (r *sqliteRepo) GetDefinition(ctx context.Context, id string) (domain.JobDefinition, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM job_definitions WHERE id=?`, id)
	d, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JobDefinition{}, errors.WithDetailf(ErrNotFound, "definition %s", id)
	}
	if err != nil {
		return domain.JobDefinition{}, errors.Wrapf(err, "get definition %s", id)
	}
	return d, nil
}

func (r *sqliteRepo) ListDefinitions(ctx context.Context) ([]domain.JobDefinition, error) {
	return r.queryDefinitions(ctx, `SELECT `+definitionColumns+` FROM job_definitions ORDER BY symbol, timeframe, job_type`)
}

func (r *sqliteRepo) ListEnabledDefinitions(ctx context.Context) ([]domain.JobDefinition, error) {
	return r.queryDefinitions(ctx, `
SELECT `+definitionColumns+` FROM job_definitions
WHERE enabled=1
ORDER BY priority DESC, symbol, timeframe, job_type`)
}

func (r *sqliteRepo) queryDefinitions(ctx context.Context, query string) ([]domain.JobDefinition, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "list definitions")
	}
	defer rows.Close()

	var defs []domain.JobDefinition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan definition")
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

func (r *sqliteRepo) SetDefinitionEnabled(ctx context.Context, id string, enabled bool, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE job_definitions SET enabled=?, updated_at=? WHERE id=?`, enabled, now.Unix(), id)
	if err != nil {
		return errors.Wrapf(err, "toggle definition %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "toggle definition %s rows affected", id)
	}
	if n == 0 {
		return errors.WithDetailf(ErrNotFound, "definition %s", id)
	}
	return nil
}

func (r *sqliteRepo) DeleteDefinition(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM job_definitions WHERE id=?", id)
	if err != nil {
		return errors.Wrapf(err, "delete definition %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "delete definition %s rows affected", id)
	}
	if n == 0 {
		return errors.WithDetailf(ErrNotFound, "definition %s", id)
	}
	return nil
}

func (r *sqliteRepo) UpsertHeartbeat(ctx context.Context, hb domain.Heartbeat) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO scheduler_heartbeats (name,last_seen,status,message) VALUES (?,?,?,?)
ON CONFLICT(name) DO UPDATE SET last_seen=excluded.last_seen, status=excluded.status, message=excluded.message`,
		hb.Name, hb.LastSeen.Unix(), string(hb.Status), nullString(hb.Message))
	return errors.Wrapf(err, "upsert heartbeat %s", hb.Name)
}

func (r *sqliteRepo) GetHeartbeat(ctx context.Context, name string) (domain.Heartbeat, error) {
	var hb domain.Heartbeat
	var seen int64
	var msg sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT name,last_seen,status,message FROM scheduler_heartbeats WHERE name=?`, name).
		Scan(&hb.Name, &seen, &hb.Status, &msg)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Heartbeat{}, errors.WithDetailf(ErrNotFound, "heartbeat %s", name)
	}
	if err != nil {
		return domain.Heartbeat{}, errors.Wrapf(err, "get heartbeat %s", name)
	}
	hb.LastSeen, hb.Message = fromUnix(seen), msg.String
	return hb, nil
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func fromUnix(v int64) time.Time { return time.Unix(v, 0).UTC() }

func fromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}
