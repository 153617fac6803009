package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"lanxfer/pkg/client"
)

// Client is a typed wrapper over a control API connection.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the control API at addr.
func Dial(addr, token string) (*Client, error) {
	conn, err := client.Dial(addr, token)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) Progress(ctx context.Context) (ProgressView, error) {
	var view ProgressView
	err := c.query(ctx, methodProgress, &emptypb.Empty{}, &view)
	return view, err
}

func (c *Client) Peers(ctx context.Context) ([]PeerView, error) {
	var view peersView
	err := c.query(ctx, methodPeers, &emptypb.Empty{}, &view)
	return view.Peers, err
}

func (c *Client) Stats(ctx context.Context) (StatsView, error) {
	var view StatsView
	err := c.query(ctx, methodStats, &emptypb.Empty{}, &view)
	return view, err
}

func (c *Client) History(ctx context.Context, q HistoryQuery) ([]RecordView, error) {
	req, err := toStruct(q)
	if err != nil {
		return nil, err
	}
	var view historyView
	err = c.query(ctx, methodHistory, req, &view)
	return view.Records, err
}

// Cancel cancels a session, a batch, a pending offer, or everything when
// id is empty or "all".
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.call(ctx, methodCancel, idRequest{ID: id})
}

func (c *Client) Accept(ctx context.Context, batchID string) error {
	return c.call(ctx, methodAccept, idRequest{ID: batchID})
}

func (c *Client) Reject(ctx context.Context, batchID, reason string) error {
	return c.call(ctx, methodReject, idRequest{ID: batchID, Reason: reason})
}

func (c *Client) query(ctx context.Context, method string, req any, out any) error {
	reply := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, fullMethod(method), req, reply); err != nil {
		return err
	}
	return fromStruct(reply, out)
}

func (c *Client) call(ctx context.Context, method string, req idRequest) error {
	st, err := toStruct(req)
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, fullMethod(method), st, &emptypb.Empty{})
}
