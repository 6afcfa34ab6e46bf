package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DB.Driver)
	assert.Equal(t, "marketsync.db", cfg.DB.Path)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "marketsync", cfg.Scheduler.Name)
	assert.Equal(t, 60*time.Minute, cfg.Scheduler.StaleMaxAge)
	assert.Equal(t, 5, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 5, cfg.Dispatch.MaxConcurrentJobs)
	assert.Equal(t, 50, cfg.Dispatch.MaxBatchSize)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.Timeout)
	assert.Equal(t, "http", cfg.Dispatch.Transport)

	require.Len(t, cfg.Slicing, 3)
	assert.Equal(t, SliceConfig{SliceHours: 24, MaxSlicesPerTick: 10}, cfg.Slicing[domain.JobTypeFetchIntraday])
	assert.Equal(t, SliceConfig{SliceHours: 720, MaxSlicesPerTick: 5}, cfg.Slicing[domain.JobTypeFetchHistorical])
	assert.Equal(t, 24*time.Hour, cfg.Slicing[domain.JobTypeRunForecast].Width())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marketsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  name: edge-1
  stale_max_age: 90m
dispatch:
  max_concurrent_jobs: 8
job_types:
  fetch_intraday:
    slice_hours: 2
    max_slices_per_tick: 10
`), 0o644))
	t.Setenv("MARKETSYNC_DISPATCH_MAX_BATCH_SIZE", "25")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "edge-1", cfg.Scheduler.Name)
	assert.Equal(t, 90*time.Minute, cfg.Scheduler.StaleMaxAge)
	assert.Equal(t, 8, cfg.Dispatch.MaxConcurrentJobs)
	assert.Equal(t, 25, cfg.Dispatch.MaxBatchSize)
	assert.Equal(t, SliceConfig{SliceHours: 2, MaxSlicesPerTick: 10}, cfg.Slicing[domain.JobTypeFetchIntraday])
	// untouched types keep their defaults
	assert.Equal(t, 720, cfg.Slicing[domain.JobTypeFetchHistorical].SliceHours)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown job type", "job_types:\n  fetch_options:\n    slice_hours: 1\n    max_slices_per_tick: 1\n"},
		{"zero slice hours", "job_types:\n  fetch_intraday:\n    slice_hours: 0\n"},
		{"bad driver", "db:\n  driver: mysql\n"},
		{"postgres without dsn", "db:\n  driver: postgres\n"},
		{"bad cron", "scheduler:\n  tick_cron: every minute\n"},
		{"bad transport", "dispatch:\n  transport: grpc\n"},
		{"zero concurrency", "dispatch:\n  max_concurrent_jobs: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cfg.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateCronExpression(t *testing.T) {
	assert.NoError(t, ValidateCronExpression("@every 30s"))
	assert.NoError(t, ValidateCronExpression("*/5 * * * *"))
	assert.Error(t, ValidateCronExpression("not a cron"))
}
