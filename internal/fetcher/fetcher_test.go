package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/internal/dispatch"
	"marketsync/internal/domain"
)

var request = dispatch.FetchRequest{
	JobType:   domain.JobTypeFetchIntraday,
	Timeframe: "h1",
	From:      time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC),
	To:        time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC),
	Jobs:      []dispatch.JobRef{{JobRunID: "run_1", Symbol: "AAPL"}, {JobRunID: "run_2", Symbol: "MSFT"}},
}

func TestHTTPClientFetchBatch(t *testing.T) {
	var got dispatch.FetchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fetch-batch", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"job_run_id":"run_1","status":"success","rows_written":2,"provider":"polygon"}]}`))
	}))
	defer srv.Close()

	res, err := NewHTTPClient(srv.URL+"/", time.Second).FetchBatch(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, request.Jobs, got.Jobs)
	assert.True(t, request.From.Equal(got.From))
	require.Len(t, res.Results, 1)
	assert.Equal(t, domain.Succeeded(2, "polygon"), res.Results[0].Outcome())
}

func TestHTTPClientAcceptedWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fetch", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	res, err := NewHTTPClient(srv.URL, time.Second).Fetch(context.Background(), request)
	require.NoError(t, err)
	assert.Empty(t, res.Results)
}

func TestHTTPClientNonSuccessIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "provider quota exhausted", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, time.Second).FetchBatch(context.Background(), request)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "provider quota exhausted")
}

func TestHTTPClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPClient(url, time.Second).Fetch(context.Background(), request)
	assert.Error(t, err)
}

func TestNATSClient(t *testing.T) {
	url := os.Getenv("MARKETSYNC_TEST_NATS_URL")
	if url == "" {
		t.Skip("MARKETSYNC_TEST_NATS_URL not set")
	}
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	subject := "marketsync.test." + time.Now().Format("150405.000000")
	_, err = nc.Subscribe(subject+".fetch_batch", func(msg *nats.Msg) {
		_ = msg.Respond([]byte(`{"ok":true,"results":[{"job_run_id":"run_2","status":"failed","error_code":"NO_DATA"}]}`))
	})
	require.NoError(t, err)
	_, err = nc.Subscribe(subject+".fetch", func(msg *nats.Msg) {
		_ = msg.Respond([]byte(`{"ok":false,"error":"worker draining"}`))
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	client, err := DialNATS(url, subject)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := client.FetchBatch(ctx, request)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "NO_DATA", res.Results[0].ErrorCode)

	_, err = client.Fetch(ctx, request)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker draining")
}
