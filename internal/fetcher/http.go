package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"marketsync/internal/dispatch"
)

// HTTPClient talks to a fetch worker over JSON/HTTP.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTPClient) Fetch(ctx context.Context, req dispatch.FetchRequest) (dispatch.FetchResult, error) {
	return h.post(ctx, "/fetch", req)
}

func (h *HTTPClient) FetchBatch(ctx context.Context, req dispatch.FetchRequest) (dispatch.FetchResult, error) {
	return h.post(ctx, "/fetch-batch", req)
}

func (h *HTTPClient) post(ctx context.Context, path string, req dispatch.FetchRequest) (dispatch.FetchResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return dispatch.FetchResult{}, errors.Wrap(err, "encode fetch request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return dispatch.FetchResult{}, errors.Wrap(err, "create fetch request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return dispatch.FetchResult{}, errors.Wrapf(err, "POST %s", path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return dispatch.FetchResult{}, errors.Wrap(err, "read fetch response")
	}

	if resp.StatusCode >= 300 {
		return dispatch.FetchResult{}, errors.Newf("fetch worker %s returned HTTP %d: %s", path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var res dispatch.FetchResult
	if len(bytes.TrimSpace(respBody)) == 0 {
		return res, nil
	}
	if err := json.Unmarshal(respBody, &res); err != nil {
		return dispatch.FetchResult{}, errors.Wrap(err, "decode fetch response")
	}
	return res, nil
}
