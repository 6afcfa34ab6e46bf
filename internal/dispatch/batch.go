package dispatch

import (
	"time"

	"marketsync/internal/domain"
)

type groupKey struct {
	jobType   domain.JobType
	timeframe domain.Timeframe
	from, to  time.Time
}

// Chunk is the unit of one provider call.
type Chunk struct {
	Batch bool
	Runs  []domain.JobRun
}

func (c Chunk) Request() FetchRequest {
	first := c.Runs[0]
	req := FetchRequest{
		JobType:   first.JobType,
		Timeframe: first.Timeframe,
		From:      first.SliceFrom,
		To:        first.SliceTo,
		Jobs:      make([]JobRef, 0, len(c.Runs)),
	}
	for _, r := range c.Runs {
		req.Jobs = append(req.Jobs, JobRef{JobRunID: r.ID, Symbol: r.Symbol})
	}
	return req
}

// Plan groups runs sharing job type, timeframe and slice bounds. Groups of one
// go out as single calls; larger groups become batch calls of at most
// maxBatch runs. Groups keep the order in which runs were claimed.
func Plan(runs []domain.JobRun, maxBatch int) []Chunk {
	if maxBatch < 1 {
		maxBatch = 1
	}
	var order []groupKey
	groups := map[groupKey][]domain.JobRun{}
	for _, r := range runs {
		k := groupKey{jobType: r.JobType, timeframe: r.Timeframe, from: r.SliceFrom.UTC(), to: r.SliceTo.UTC()}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	var chunks []Chunk
	for _, k := range order {
		g := groups[k]
		if len(g) == 1 {
			chunks = append(chunks, Chunk{Runs: g})
			continue
		}
		for start := 0; start < len(g); start += maxBatch {
			end := min(start+maxBatch, len(g))
			chunks = append(chunks, Chunk{Batch: true, Runs: g[start:end]})
		}
	}
	return chunks
}
