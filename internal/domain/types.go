package domain

import (
	"time"

	"github.com/cockroachdb/errors"
)

type JobType string

const (
	JobTypeFetchIntraday   JobType = "fetch_intraday"
	JobTypeFetchHistorical JobType = "fetch_historical"
	JobTypeRunForecast     JobType = "run_forecast"
)

var JobTypes = []JobType{JobTypeFetchIntraday, JobTypeFetchHistorical, JobTypeRunForecast}

func ParseJobType(s string) (JobType, error) {
	for _, jt := range JobTypes {
		if string(jt) == s {
			return jt, nil
		}
	}
	return "", errors.Newf("unknown job type %q", s)
}

// Timeframe is a bar resolution such as "h1" or "d1".
type Timeframe string

var barDurations = map[Timeframe]time.Duration{
	"m1":  time.Minute,
	"m5":  5 * time.Minute,
	"m15": 15 * time.Minute,
	"m30": 30 * time.Minute,
	"h1":  time.Hour,
	"h4":  4 * time.Hour,
	"d1":  24 * time.Hour,
	"w1":  7 * 24 * time.Hour,
}

func ParseTimeframe(s string) (Timeframe, error) {
	if _, ok := barDurations[Timeframe(s)]; !ok {
		return "", errors.Newf("unknown timeframe %q", s)
	}
	return Timeframe(s), nil
}

func (tf Timeframe) Bar() time.Duration { return barDurations[tf] }

// Truncate rounds t down to the start of the bar containing it, in UTC.
// Unknown timeframes leave t unchanged apart from dropping sub-second precision.
func (tf Timeframe) Truncate(t time.Time) time.Time {
	d := tf.Bar()
	if d == 0 {
		return t.UTC().Truncate(time.Second)
	}
	return t.UTC().Truncate(d)
}

type JobDefinition struct {
	ID         string    `json:"id" yaml:"id,omitempty"`
	Symbol     string    `json:"symbol" yaml:"symbol"`
	Timeframe  Timeframe `json:"timeframe" yaml:"timeframe"`
	JobType    JobType   `json:"job_type" yaml:"job_type"`
	WindowDays int       `json:"window_days" yaml:"window_days"`
	Priority   int       `json:"priority" yaml:"priority"`
	Enabled    bool      `json:"enabled" yaml:"enabled"`
	CreatedAt  time.Time `json:"created_at" yaml:"-"`
	UpdatedAt  time.Time `json:"updated_at" yaml:"-"`
}

// Key identifies the series a definition keeps covered.
type Key struct {
	Symbol    string
	Timeframe Timeframe
}

func (d JobDefinition) Key() Key { return Key{Symbol: d.Symbol, Timeframe: d.Timeframe} }

// TimeRange is half-open: [From, To).
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r TimeRange) Duration() time.Duration { return r.To.Sub(r.From) }

func (r TimeRange) Empty() bool { return !r.To.After(r.From) }

type (
	CoverageGap = TimeRange
	Slice       = TimeRange
)

type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusSuccess   RunStatus = "success"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no automatic transition leaves the status.
// Failed counts as terminal even though retry maintenance may requeue it.
func (s RunStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

type JobRun struct {
	ID           string     `json:"id"`
	JobDefID     string     `json:"job_def_id"`
	Symbol       string     `json:"symbol"`
	Timeframe    Timeframe  `json:"timeframe"`
	JobType      JobType    `json:"job_type"`
	SliceFrom    time.Time  `json:"slice_from"`
	SliceTo      time.Time  `json:"slice_to"`
	Status       RunStatus  `json:"status"`
	Attempt      int        `json:"attempt"`
	MaxAttempts  int        `json:"max_attempts"`
	Priority     int        `json:"priority"`
	Provider     string     `json:"provider,omitempty"`
	RowsWritten  int64      `json:"rows_written"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

func (r JobRun) Slice() Slice { return Slice{From: r.SliceFrom, To: r.SliceTo} }

// Outcome is what a worker reports when a running JobRun finishes.
type Outcome struct {
	Status       RunStatus // StatusSuccess or StatusFailed
	RowsWritten  int64
	Provider     string
	ErrorCode    string
	ErrorMessage string
}

func Succeeded(rows int64, provider string) Outcome {
	return Outcome{Status: StatusSuccess, RowsWritten: rows, Provider: provider}
}

func Failed(code, message string) Outcome {
	return Outcome{Status: StatusFailed, ErrorCode: code, ErrorMessage: message}
}

// Error codes written by the scheduler itself. Provider data errors carry
// whatever code the Fetch Worker reports.
const (
	CodeDispatchError      = "DISPATCH_ERROR"
	CodeBatchDispatchError = "BATCH_DISPATCH_ERROR"
	CodeStaleMaxAttempts   = "STALE_MAX_ATTEMPTS"
)

type HealthStatus string

const (
	HealthHealthy HealthStatus = "healthy"
	HealthWarning HealthStatus = "warning"
	HealthError   HealthStatus = "error"
)

type Heartbeat struct {
	Name     string       `json:"name"`
	LastSeen time.Time    `json:"last_seen"`
	Status   HealthStatus `json:"status"`
	Message  string       `json:"message,omitempty"`
}
