package rpcclient

import (
	"context"
	"time"

	"github.com/Klingon-tech/klingnet-invites/internal/rpc"
)

// NodeInfo returns the daemon's network and sync status.
func (c *Client) NodeInfo(ctx context.Context) (*rpc.NodeInfoResult, error) {
	var info rpc.NodeInfoResult
	if err := c.CallContext(ctx, "node_info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Submit calls a method that sends a ledger transaction and returns the
// mined hash. An empty hash means nothing needed submitting.
func (c *Client) Submit(ctx context.Context, method string, params interface{}) (string, error) {
	var res rpc.TxHashResult
	if err := c.CallContext(ctx, method, params, &res); err != nil {
		return "", err
	}
	return res.TxHash, nil
}

// Events returns the notifications logged after since.
func (c *Client) Events(ctx context.Context, since uint64) (*rpc.EventsResult, error) {
	var res rpc.EventsResult
	if err := c.CallContext(ctx, "invites_events", rpc.EventsParam{Since: since}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// FollowEvents polls invites_events every interval, passing each poll to fn
// in order, until ctx is done or a call fails. It returns the next sequence
// number to poll from.
func (c *Client) FollowEvents(ctx context.Context, since uint64, interval time.Duration, fn func(*rpc.EventsResult)) (uint64, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	next := since
	for {
		res, err := c.Events(ctx, next)
		if err != nil {
			return next, err
		}
		if len(res.Events) > 0 || res.Dropped {
			fn(res)
		}
		next = res.Next

		select {
		case <-ctx.Done():
			return next, ctx.Err()
		case <-ticker.C:
		}
	}
}
