package fetcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"

	"marketsync/internal/dispatch"
)

// NATSClient sends fetch requests as NATS request/reply messages on
// <subject>.fetch and <subject>.fetch_batch.
type NATSClient struct {
	nc      *nats.Conn
	subject string
}

func DialNATS(url, subject string) (*NATSClient, error) {
	nc, err := nats.Connect(url,
		nats.Name("marketsync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to NATS")
	}
	return NewNATSClient(nc, subject), nil
}

func NewNATSClient(nc *nats.Conn, subject string) *NATSClient {
	return &NATSClient{nc: nc, subject: subject}
}

type natsReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	dispatch.FetchResult
}

func (n *NATSClient) Fetch(ctx context.Context, req dispatch.FetchRequest) (dispatch.FetchResult, error) {
	return n.request(ctx, n.subject+".fetch", req)
}

func (n *NATSClient) FetchBatch(ctx context.Context, req dispatch.FetchRequest) (dispatch.FetchResult, error) {
	return n.request(ctx, n.subject+".fetch_batch", req)
}

func (n *NATSClient) request(ctx context.Context, subject string, req dispatch.FetchRequest) (dispatch.FetchResult, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return dispatch.FetchResult{}, errors.Wrap(err, "encode fetch request")
	}
	msg, err := n.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return dispatch.FetchResult{}, errors.Wrapf(err, "request %s", subject)
	}
	var reply natsReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return dispatch.FetchResult{}, errors.Wrap(err, "decode fetch reply")
	}
	if !reply.OK {
		return dispatch.FetchResult{}, errors.Newf("fetch worker on %s rejected request: %s", subject, reply.Error)
	}
	return reply.FetchResult, nil
}

func (n *NATSClient) Close() { n.nc.Close() }
