package dispatch

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"marketsync/internal/domain"
)

// JobRef ties one job run to the symbol it fetches, so results of a batch
// call can be routed back to the right run.
type JobRef struct {
	JobRunID string `json:"job_run_id"`
	Symbol   string `json:"symbol"`
}

type FetchRequest struct {
	JobType   domain.JobType   `json:"job_type"`
	Timeframe domain.Timeframe `json:"timeframe"`
	From      time.Time        `json:"from"`
	To        time.Time        `json:"to"`
	Jobs      []JobRef         `json:"jobs"`
}

// JobResult is a per-run completion reported inline by the fetch worker.
type JobResult struct {
	JobRunID     string           `json:"job_run_id"`
	Status       domain.RunStatus `json:"status"`
	RowsWritten  int64            `json:"rows_written"`
	Provider     string           `json:"provider,omitempty"`
	ErrorCode    string           `json:"error_code,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

func (r JobResult) Outcome() domain.Outcome {
	if r.Status == domain.StatusSuccess {
		return domain.Succeeded(r.RowsWritten, r.Provider)
	}
	code := r.ErrorCode
	if code == "" {
		code = "PROVIDER_ERROR"
	}
	return domain.Failed(code, r.ErrorMessage)
}

// Err describes a failed result as a provider data error, or nil on success.
func (r JobResult) Err() error {
	if r.Status == domain.StatusSuccess {
		return nil
	}
	o := r.Outcome()
	return domain.Mark(errors.Newf("job run %s: %s: %s", r.JobRunID, o.ErrorCode, o.ErrorMessage), domain.ErrProviderData)
}

// FetchResult is the worker's acknowledgement. Results may be empty, in which
// case the worker reports completion later through the callback endpoint.
type FetchResult struct {
	Results []JobResult `json:"results,omitempty"`
}

// FetchWorker performs provider calls. Any returned error is a transport
// failure; provider data errors travel inside FetchResult.
type FetchWorker interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
	FetchBatch(ctx context.Context, req FetchRequest) (FetchResult, error)
}
